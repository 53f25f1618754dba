package engine

import (
	"time"

	"github.com/phoenix-hypervisor/phoenix/pkg/config"
)

// Record is the durable convergence state of one resource.
type Record struct {
	// ID is the resource identifier.
	ID int `json:"id"`

	// Kind is lxc or vm.
	Kind config.Kind `json:"kind"`

	// Stage is the last persisted stage.
	Stage Stage `json:"stage"`

	// UpdatedAt is when the stage was last persisted.
	UpdatedAt time.Time `json:"updated_at"`

	// LastError holds the failure cause when Stage is failed, including
	// the stage that was being established.
	LastError string `json:"last_error,omitempty"`
}

// RunStatus is the lifecycle state of a batch run.
type RunStatus string

const (
	// RunStatusRunning means the batch is in progress.
	RunStatusRunning RunStatus = "running"

	// RunStatusCompleted means every requested resource converged.
	RunStatusCompleted RunStatus = "completed"

	// RunStatusFailed means at least one resource failed or was skipped.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled means the batch was interrupted.
	RunStatusCancelled RunStatus = "cancelled"
)

// Run is a journal entry for one batch convergence.
type Run struct {
	// ID is the run identifier (UUID).
	ID string `json:"id"`

	// Requested is the number of resources the batch set out to converge.
	Requested int `json:"requested"`

	// DryRun marks runs that performed no hypervisor mutations.
	DryRun bool `json:"dry_run"`

	// Status is the run lifecycle state.
	Status RunStatus `json:"status"`

	// StartedAt is when the run began.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the run finished, nil while running.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Error summarizes the failure, if any.
	Error string `json:"error,omitempty"`
}

// Event is one journal line within a run.
type Event struct {
	// ID is assigned by the journal on append.
	ID int64 `json:"id"`

	// RunID is the run this event belongs to.
	RunID string `json:"run_id"`

	// ResourceID is the resource the event concerns, zero for run-level
	// events.
	ResourceID int `json:"resource_id,omitempty"`

	// Stage is the pipeline stage the event concerns, if any.
	Stage string `json:"stage,omitempty"`

	// Message describes what happened.
	Message string `json:"message"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`
}

// Outcome summarizes how one resource fared within a batch.
type Outcome string

const (
	// OutcomeCompleted means the resource reached the completed stage.
	OutcomeCompleted Outcome = "completed"

	// OutcomeFailed means convergence aborted and the failure was
	// recorded.
	OutcomeFailed Outcome = "failed"

	// OutcomeSkipped means the resource was never attempted because a
	// dependency failed or the run was cancelled. Its record is
	// untouched.
	OutcomeSkipped Outcome = "skipped"
)

// ResourceResult is the outcome of converging one resource.
type ResourceResult struct {
	// ID is the resource identifier.
	ID int `json:"id"`

	// Kind is lxc or vm.
	Kind config.Kind `json:"kind"`

	// Outcome is the summary classification.
	Outcome Outcome `json:"outcome"`

	// Stage is the stage the resource ended at.
	Stage Stage `json:"stage"`

	// Err is the failure, nil for completed and skipped resources.
	Err error `json:"-"`

	// Reason explains a skip.
	Reason string `json:"reason,omitempty"`

	// Duration is how long the resource took.
	Duration time.Duration `json:"duration"`
}

// BatchResult is the outcome of one batch convergence.
type BatchResult struct {
	// RunID is the journal run identifier.
	RunID string `json:"run_id"`

	// Results holds one entry per resource, in execution order.
	Results []ResourceResult `json:"results"`

	// Duration is the total batch time.
	Duration time.Duration `json:"duration"`
}

// Failed returns the identifiers of resources that failed.
func (b *BatchResult) Failed() []int {
	var ids []int
	for _, r := range b.Results {
		if r.Outcome == OutcomeFailed {
			ids = append(ids, r.ID)
		}
	}
	return ids
}

// Skipped returns the identifiers of resources that were skipped.
func (b *BatchResult) Skipped() []int {
	var ids []int
	for _, r := range b.Results {
		if r.Outcome == OutcomeSkipped {
			ids = append(ids, r.ID)
		}
	}
	return ids
}

// OK reports whether every resource completed.
func (b *BatchResult) OK() bool {
	for _, r := range b.Results {
		if r.Outcome != OutcomeCompleted {
			return false
		}
	}
	return true
}
