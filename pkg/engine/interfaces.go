package engine

import (
	"context"

	"github.com/phoenix-hypervisor/phoenix/pkg/config"
)

// SpecSource provides validated resource specs. The configuration store
// satisfies it.
type SpecSource interface {
	// Get returns the spec for id.
	Get(id int) (*config.ResourceSpec, error)

	// Specs returns the identifier-to-spec map.
	Specs() map[int]*config.ResourceSpec
}

// Driver is the capability surface the engine requires from a
// virtualization backend. Every method is idempotent at the hypervisor
// level: the engine inspects before it mutates, but a driver must also
// tolerate being asked to establish a state that already holds.
type Driver interface {
	// Kind identifies which resources this driver manages.
	Kind() config.Kind

	// Exists reports whether the resource is defined on the host.
	Exists(ctx context.Context, id int) (bool, error)

	// Define creates the resource, either from its image or by cloning.
	Define(ctx context.Context, spec *config.ResourceSpec) error

	// Configured reports whether cores, memory, and network match the
	// spec.
	Configured(ctx context.Context, spec *config.ResourceSpec) (bool, error)

	// Configure applies cores, memory, and network from the spec.
	Configure(ctx context.Context, spec *config.ResourceSpec) error

	// VolumesApplied reports whether every declared volume is attached.
	VolumesApplied(ctx context.Context, spec *config.ResourceSpec) (bool, error)

	// ApplyVolumes attaches the declared volumes.
	ApplyVolumes(ctx context.Context, spec *config.ResourceSpec) error

	// Running reports whether the resource is powered on.
	Running(ctx context.Context, id int) (bool, error)

	// Start powers the resource on and waits for the hypervisor to
	// acknowledge it.
	Start(ctx context.Context, id int) error

	// Stop powers the resource off.
	Stop(ctx context.Context, id int) error

	// Destroy removes the resource from the host.
	Destroy(ctx context.Context, id int) error

	// Snapshot takes a named snapshot.
	Snapshot(ctx context.Context, id int, name string) error

	// StripIdentity removes machine-specific identity (SSH host keys,
	// machine-id) in preparation for templating.
	StripIdentity(ctx context.Context, id int) error

	// ConvertToTemplate marks the resource as a template on the host.
	ConvertToTemplate(ctx context.Context, id int) error
}

// IdentityMapper is an optional driver capability. Drivers that implement
// it get the identity verification stage inserted into their pipeline; the
// engine discovers the capability through a type assertion and never
// consults the resource kind.
type IdentityMapper interface {
	// IdentityMapped reports whether the user namespace mapping artifact
	// is present for the resource.
	IdentityMapped(ctx context.Context, id int) (bool, error)
}

// StateStore persists per-resource stage records.
type StateStore interface {
	// Get returns the record for id, or nil when none exists.
	Get(ctx context.Context, id int) (*Record, error)

	// SaveStage records that the resource reached stage, clearing any
	// previous failure.
	SaveStage(ctx context.Context, id int, kind config.Kind, stage Stage) error

	// MarkFailed records a failed convergence with its cause. The cause
	// names the stage that was being established.
	MarkFailed(ctx context.Context, id int, kind config.Kind, cause string) error

	// Delete removes the record for id.
	Delete(ctx context.Context, id int) error

	// List returns every record, ordered by resource identifier.
	List(ctx context.Context) ([]*Record, error)
}

// Journal records batch runs and their events.
type Journal interface {
	// BeginRun opens a run entry.
	BeginRun(ctx context.Context, run *Run) error

	// FinishRun closes a run entry with its final status.
	FinishRun(ctx context.Context, runID string, status RunStatus, errMsg string) error

	// AppendEvent adds an event to a run.
	AppendEvent(ctx context.Context, event *Event) error
}

// FeatureInvoker runs customization steps against a running resource.
type FeatureInvoker interface {
	// Invoke runs a single named feature. A non-nil error means the
	// feature failed and the pipeline must stop.
	Invoke(ctx context.Context, spec *config.ResourceSpec, feature string) error

	// RunApp runs the resource's application step.
	RunApp(ctx context.Context, spec *config.ResourceSpec) error
}

// Prober executes a single readiness probe attempt.
type Prober interface {
	// Probe returns whether the resource answered ready, along with the
	// probe's output for diagnostics. The error return is reserved for
	// failures of the probe mechanism itself.
	Probe(ctx context.Context, spec *config.ResourceSpec, check *config.HealthCheck) (ok bool, output string, err error)
}
