package engine

import "fmt"

// Stage is a checkpoint in the convergence pipeline. Stages advance
// strictly in order; a persisted stage means everything up to and
// including it has been verified against the hypervisor.
type Stage string

const (
	// StageUndefined means the resource has no presence on the host.
	StageUndefined Stage = "undefined"

	// StageDefined means the resource exists on the host.
	StageDefined Stage = "defined"

	// StageConfigured means cores, memory, and network match the spec.
	StageConfigured Stage = "configured"

	// StageIdentityVerified means the user namespace mapping artifact has
	// been verified. Only drivers that implement IdentityMapper pass
	// through this stage.
	StageIdentityVerified Stage = "idmap-verified"

	// StageVolumesApplied means all declared volumes are attached.
	StageVolumesApplied Stage = "volumes-applied"

	// StageRunning means the resource is powered on.
	StageRunning Stage = "running"

	// StageCustomizing means the feature pipeline and application step
	// have completed.
	StageCustomizing Stage = "customizing"

	// StageCompleted means the resource converged fully, including its
	// health gate or template finalization.
	StageCompleted Stage = "completed"

	// StageFailed records an aborted convergence together with its cause.
	StageFailed Stage = "failed"
)

// stageOrder is the full pipeline. Drivers without identity mapping skip
// StageIdentityVerified.
var stageOrder = []Stage{
	StageUndefined,
	StageDefined,
	StageConfigured,
	StageIdentityVerified,
	StageVolumesApplied,
	StageRunning,
	StageCustomizing,
	StageCompleted,
}

// IsTerminal reports whether the stage ends a convergence.
func (s Stage) IsTerminal() bool {
	return s == StageCompleted || s == StageFailed
}

// Validate checks if the stage is a known value.
func (s Stage) Validate() error {
	if s == StageFailed {
		return nil
	}
	for _, known := range stageOrder {
		if s == known {
			return nil
		}
	}
	return fmt.Errorf("unknown stage: %s", s)
}

// index returns the position of s in the pipeline. StageFailed and unknown
// stages map to -1, which restarts the pipeline from the beginning.
func (s Stage) index() int {
	for i, known := range stageOrder {
		if s == known {
			return i
		}
	}
	return -1
}

// after reports whether s comes strictly after other in the pipeline.
func (s Stage) after(other Stage) bool {
	return s.index() > other.index()
}
