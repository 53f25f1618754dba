package driver

import (
	"context"

	"github.com/phoenix-hypervisor/phoenix/pkg/config"
	"github.com/phoenix-hypervisor/phoenix/pkg/engine"
	"github.com/phoenix-hypervisor/phoenix/pkg/telemetry"
)

// DryRun is a driver that inspects nothing and mutates nothing. Every
// inspection reports "absent", so a dry run logs the full pipeline a real
// converge would execute; every mutation only logs. Dry-run behavior lives
// entirely here, never as branches inside the engine.
type DryRun struct {
	kind   config.Kind
	logger *telemetry.Logger
}

// NewDryRun creates a dry-run driver for the given kind. Container-kind
// drivers carry the identity mapping capability so the simulated pipeline
// matches the real one.
func NewDryRun(kind config.Kind, logger *telemetry.Logger) engine.Driver {
	base := &DryRun{kind: kind, logger: logger.NewComponentLogger("driver.dryrun")}
	if kind == config.KindLXC {
		return &DryRunContainer{DryRun: base}
	}
	return base
}

func (d *DryRun) would(op string, id int) {
	d.logger.WithResource(id).WithField("operation", op).Info("dry-run: would execute")
}

// Kind identifies the driver.
func (d *DryRun) Kind() config.Kind { return d.kind }

// Exists always reports absent.
func (d *DryRun) Exists(_ context.Context, id int) (bool, error) { return false, nil }

// Define logs the create.
func (d *DryRun) Define(_ context.Context, spec *config.ResourceSpec) error {
	d.would("define", spec.ID)
	return nil
}

// Configured always reports a mismatch.
func (d *DryRun) Configured(_ context.Context, spec *config.ResourceSpec) (bool, error) {
	return false, nil
}

// Configure logs the change.
func (d *DryRun) Configure(_ context.Context, spec *config.ResourceSpec) error {
	d.would("configure", spec.ID)
	return nil
}

// VolumesApplied always reports missing volumes.
func (d *DryRun) VolumesApplied(_ context.Context, spec *config.ResourceSpec) (bool, error) {
	return len(spec.Volumes) == 0, nil
}

// ApplyVolumes logs the attach.
func (d *DryRun) ApplyVolumes(_ context.Context, spec *config.ResourceSpec) error {
	d.would("apply_volumes", spec.ID)
	return nil
}

// Running always reports stopped.
func (d *DryRun) Running(_ context.Context, id int) (bool, error) { return false, nil }

// Start logs the start.
func (d *DryRun) Start(_ context.Context, id int) error {
	d.would("start", id)
	return nil
}

// Stop logs the stop.
func (d *DryRun) Stop(_ context.Context, id int) error {
	d.would("stop", id)
	return nil
}

// Destroy logs the destroy.
func (d *DryRun) Destroy(_ context.Context, id int) error {
	d.would("destroy", id)
	return nil
}

// Snapshot logs the snapshot.
func (d *DryRun) Snapshot(_ context.Context, id int, name string) error {
	d.would("snapshot "+name, id)
	return nil
}

// StripIdentity logs the strip.
func (d *DryRun) StripIdentity(_ context.Context, id int) error {
	d.would("strip_identity", id)
	return nil
}

// ConvertToTemplate logs the conversion.
func (d *DryRun) ConvertToTemplate(_ context.Context, id int) error {
	d.would("convert_to_template", id)
	return nil
}

// DryRunContainer adds the identity mapping capability to the dry-run
// driver.
type DryRunContainer struct {
	*DryRun
}

// IdentityMapped reports the mapping as present: a dry run must not demand
// a start/stop cycle.
func (d *DryRunContainer) IdentityMapped(_ context.Context, id int) (bool, error) {
	return true, nil
}

// DryRunInvoker logs feature and app steps without executing them.
type DryRunInvoker struct {
	logger *telemetry.Logger
}

// NewDryRunInvoker creates a feature invoker that only logs.
func NewDryRunInvoker(logger *telemetry.Logger) *DryRunInvoker {
	return &DryRunInvoker{logger: logger.NewComponentLogger("features.dryrun")}
}

// Invoke logs the feature step.
func (i *DryRunInvoker) Invoke(_ context.Context, spec *config.ResourceSpec, feature string) error {
	i.logger.WithResource(spec.ID).WithField("feature", feature).Info("dry-run: would apply feature")
	return nil
}

// RunApp logs the application step.
func (i *DryRunInvoker) RunApp(_ context.Context, spec *config.ResourceSpec) error {
	i.logger.WithResource(spec.ID).Info("dry-run: would run application step")
	return nil
}

// DryRunProber reports every resource as ready without probing.
type DryRunProber struct{}

// Probe always answers ready.
func (DryRunProber) Probe(_ context.Context, _ *config.ResourceSpec, _ *config.HealthCheck) (bool, string, error) {
	return true, "dry-run", nil
}
