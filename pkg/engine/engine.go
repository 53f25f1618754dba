package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/phoenix-hypervisor/phoenix/pkg/config"
	"github.com/phoenix-hypervisor/phoenix/pkg/telemetry"
)

// Options configures an Engine. Config, Drivers, Store, Journal, Features,
// and Prober are required; telemetry fields fall back to disabled
// implementations when nil.
type Options struct {
	Config   SpecSource
	Drivers  []Driver
	Store    StateStore
	Journal  Journal
	Features FeatureInvoker
	Prober   Prober

	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer

	// DryRun marks journal runs as side-effect free. The absence of side
	// effects itself comes from wiring no-op drivers and stores, never
	// from branches inside the engine.
	DryRun bool
}

// Engine converges resources toward their declared state, one at a time,
// in dependency order.
type Engine struct {
	config   SpecSource
	drivers  map[config.Kind]Driver
	store    StateStore
	journal  Journal
	features FeatureInvoker
	prober   Prober

	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer

	dryRun bool
}

// NewEngine validates the options and assembles an engine.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config store is required")
	}
	if len(opts.Drivers) == 0 {
		return nil, fmt.Errorf("at least one driver is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("state store is required")
	}
	if opts.Journal == nil {
		return nil, fmt.Errorf("journal is required")
	}
	if opts.Features == nil {
		return nil, fmt.Errorf("feature invoker is required")
	}
	if opts.Prober == nil {
		return nil, fmt.Errorf("prober is required")
	}

	drivers := make(map[config.Kind]Driver, len(opts.Drivers))
	for _, d := range opts.Drivers {
		if _, dup := drivers[d.Kind()]; dup {
			return nil, fmt.Errorf("duplicate driver for kind %s", d.Kind())
		}
		drivers[d.Kind()] = d
	}

	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics, _ = telemetry.NewMetrics(telemetry.MetricsConfig{})
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer, _ = telemetry.NewTracer(telemetry.TracingConfig{}, "phoenix", "")
	}

	return &Engine{
		config:   opts.Config,
		drivers:  drivers,
		store:    opts.Store,
		journal:  opts.Journal,
		features: opts.Features,
		prober:   opts.Prober,
		logger:   logger.NewComponentLogger("engine"),
		metrics:  metrics,
		tracer:   tracer,
		dryRun:   opts.DryRun,
	}, nil
}

// ConvergeBatch converges the requested resources and their transitive
// dependencies in dependency order. A dependency cycle aborts the batch
// before any hypervisor call. When a resource fails, its dependents are
// skipped with untouched records while independent resources continue.
func (e *Engine) ConvergeBatch(ctx context.Context, requested []int) (*BatchResult, error) {
	start := time.Now()

	order, err := Resolve(e.config.Specs(), requested)
	if err != nil {
		return nil, err
	}

	runID := uuid.New().String()
	run := &Run{
		ID:        runID,
		Requested: len(order),
		DryRun:    e.dryRun,
		Status:    RunStatusRunning,
		StartedAt: start,
	}
	if err := e.journal.BeginRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to open run journal: %w", err)
	}

	ctx, span := e.tracer.StartBatchSpan(ctx, runID, len(order))
	defer span.End()

	logger := e.logger.WithRun(runID)
	logger.Infof("converging %d resources", len(order))

	blocked := make(map[int]bool)
	results := make([]ResourceResult, 0, len(order))
	cancelled := false

	for _, id := range order {
		if ctx.Err() != nil {
			cancelled = true
		}
		if cancelled {
			results = append(results, e.skip(ctx, runID, id, "run cancelled"))
			continue
		}

		if dep, isBlocked := e.blockedBy(id, blocked); isBlocked {
			blocked[id] = true
			results = append(results, e.skip(ctx, runID, id, fmt.Sprintf("dependency %d did not converge", dep)))
			continue
		}

		res := e.converge(ctx, id, runID)
		results = append(results, res)
		if res.Outcome != OutcomeCompleted {
			blocked[id] = true
			if ctx.Err() != nil {
				cancelled = true
			}
		}
	}

	batch := &BatchResult{RunID: runID, Results: results, Duration: time.Since(start)}

	status := RunStatusCompleted
	errMsg := ""
	switch {
	case cancelled:
		status = RunStatusCancelled
		errMsg = "run cancelled"
	case !batch.OK():
		status = RunStatusFailed
		errMsg = fmt.Sprintf("%d failed, %d skipped", len(batch.Failed()), len(batch.Skipped()))
	}
	if err := e.journal.FinishRun(context.WithoutCancel(ctx), runID, status, errMsg); err != nil {
		logger.WithError(err).Warn("failed to close run journal")
	}

	telemetry.RecordSuccess(span)
	return batch, nil
}

// Converge converges a single resource outside of a batch.
func (e *Engine) Converge(ctx context.Context, id int) ResourceResult {
	return e.converge(ctx, id, "")
}

// Destroy stops and removes a resource from the host and deletes its
// record. Undefined resources only lose their record.
func (e *Engine) Destroy(ctx context.Context, id int) error {
	spec, err := e.config.Get(id)
	if err != nil {
		return NewConfigError(err.Error(), nil).WithResource(id)
	}
	driver := e.drivers[spec.Kind]
	if driver == nil {
		return NewConfigError(fmt.Sprintf("no driver for kind %s", spec.Kind), nil).WithResource(id)
	}

	exists, err := driver.Exists(ctx, id)
	if err != nil {
		return NewDriverError("failed to inspect resource", err).WithResource(id)
	}
	if exists {
		running, err := driver.Running(ctx, id)
		if err != nil {
			return NewDriverError("failed to inspect power state", err).WithResource(id)
		}
		if running {
			if err := driver.Stop(ctx, id); err != nil {
				return NewDriverError("failed to stop resource", err).WithResource(id)
			}
		}
		if err := driver.Destroy(ctx, id); err != nil {
			return NewDriverError("failed to destroy resource", err).WithResource(id)
		}
	}

	if err := e.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete record for %d: %w", id, err)
	}
	e.logger.WithResource(id).Info("resource destroyed")
	return nil
}

// Snapshot takes a named snapshot of a defined resource.
func (e *Engine) Snapshot(ctx context.Context, id int, name string) error {
	spec, err := e.config.Get(id)
	if err != nil {
		return NewConfigError(err.Error(), nil).WithResource(id)
	}
	driver := e.drivers[spec.Kind]
	if driver == nil {
		return NewConfigError(fmt.Sprintf("no driver for kind %s", spec.Kind), nil).WithResource(id)
	}

	exists, err := driver.Exists(ctx, id)
	if err != nil {
		return NewDriverError("failed to inspect resource", err).WithResource(id)
	}
	if !exists {
		return NewConfigError("resource is not defined on the host", nil).WithResource(id)
	}
	if err := driver.Snapshot(ctx, id, name); err != nil {
		return NewDriverError("failed to snapshot resource", err).WithResource(id)
	}
	return nil
}

// converge walks one resource through the stage pipeline.
func (e *Engine) converge(ctx context.Context, id int, runID string) ResourceResult {
	start := time.Now()

	spec, err := e.config.Get(id)
	if err != nil {
		return ResourceResult{
			ID:      id,
			Outcome: OutcomeFailed,
			Err:     NewConfigError(err.Error(), nil).WithResource(id),
		}
	}

	logger := e.logger.WithResource(id)
	if runID != "" {
		logger = logger.WithRun(runID)
	}

	driver := e.drivers[spec.Kind]
	if driver == nil {
		return e.fail(ctx, spec, runID, StageUndefined, start,
			NewConfigError(fmt.Sprintf("no driver for kind %s", spec.Kind), nil))
	}

	ctx, span := e.tracer.StartResourceSpan(ctx, id, string(spec.Kind))
	defer span.End()
	e.metrics.ConvergeStarted(string(spec.Kind))

	rec, err := e.store.Get(ctx, id)
	if err != nil {
		return e.fail(ctx, spec, runID, StageUndefined, start,
			fmt.Errorf("failed to load record: %w", err))
	}

	current := StageUndefined
	if rec != nil {
		if rec.Stage == StageCompleted {
			// Nothing to do; completed resources are never re-inspected.
			logger.Debug("already completed")
			e.metrics.ConvergeCompleted(string(spec.Kind), "completed", time.Since(start))
			return ResourceResult{
				ID: id, Kind: spec.Kind, Outcome: OutcomeCompleted,
				Stage: StageCompleted, Duration: time.Since(start),
			}
		}
		if rec.Stage != StageFailed {
			current = rec.Stage
		}
		// A failed record restarts from the beginning; inspections
		// fast-forward over work that already holds on the host.
	}

	for _, step := range e.buildSteps(spec, driver) {
		if !step.stage.after(current) {
			continue
		}
		// Cancellation is honored only between stage transitions.
		if err := ctx.Err(); err != nil {
			logger.WithStage(string(step.stage)).Warn("converge cancelled")
			return ResourceResult{
				ID: id, Kind: spec.Kind, Outcome: OutcomeSkipped,
				Stage: current, Reason: "cancelled", Err: err,
				Duration: time.Since(start),
			}
		}

		stageStart := time.Now()
		sctx, sspan := e.tracer.StartStageSpan(ctx, id, string(step.stage))

		fastPath := false
		if step.inspect != nil {
			ok, err := step.inspect(sctx)
			if err != nil {
				telemetry.RecordError(sspan, err)
				sspan.End()
				return e.fail(ctx, spec, runID, step.stage, start, err)
			}
			fastPath = ok
		}
		if !fastPath && step.apply != nil {
			if err := step.apply(sctx); err != nil {
				telemetry.RecordError(sspan, err)
				sspan.End()
				return e.fail(ctx, spec, runID, step.stage, start, err)
			}
		}

		// The record outlives cancellation: a stage that finished is
		// persisted even when the run is being torn down.
		if err := e.store.SaveStage(context.WithoutCancel(ctx), id, spec.Kind, step.stage); err != nil {
			telemetry.RecordError(sspan, err)
			sspan.End()
			return e.fail(ctx, spec, runID, step.stage, start,
				fmt.Errorf("failed to persist stage: %w", err))
		}
		current = step.stage

		telemetry.RecordSuccess(sspan)
		sspan.End()
		e.metrics.StageTransition(string(spec.Kind), string(step.stage), fastPath, time.Since(stageStart))
		e.appendEvent(ctx, runID, id, step.stage, stageMessage(step.stage, fastPath))
		logger.WithStage(string(step.stage)).WithField("fast_path", fastPath).Info("stage established")
	}

	telemetry.RecordSuccess(span)
	e.metrics.ConvergeCompleted(string(spec.Kind), "completed", time.Since(start))
	logger.Info("resource converged")
	return ResourceResult{
		ID: id, Kind: spec.Kind, Outcome: OutcomeCompleted,
		Stage: StageCompleted, Duration: time.Since(start),
	}
}

// stageStep pairs a stage with its postcondition inspection and the
// mutation that establishes it. A nil inspect always applies; a nil apply
// is inspection-only.
type stageStep struct {
	stage   Stage
	inspect func(context.Context) (bool, error)
	apply   func(context.Context) error
}

// buildSteps assembles the pipeline for one resource. The identity
// verification stage is included only when the driver has the capability.
func (e *Engine) buildSteps(spec *config.ResourceSpec, driver Driver) []stageStep {
	id := spec.ID
	kind := string(spec.Kind)

	steps := []stageStep{
		{
			stage: StageDefined,
			inspect: func(ctx context.Context) (bool, error) {
				ok, err := driver.Exists(ctx, id)
				e.metrics.DriverCall(kind, "exists", err)
				return ok, err
			},
			apply: func(ctx context.Context) error {
				err := driver.Define(ctx, spec)
				e.metrics.DriverCall(kind, "define", err)
				return err
			},
		},
		{
			stage: StageConfigured,
			inspect: func(ctx context.Context) (bool, error) {
				ok, err := driver.Configured(ctx, spec)
				e.metrics.DriverCall(kind, "configured", err)
				return ok, err
			},
			apply: func(ctx context.Context) error {
				err := driver.Configure(ctx, spec)
				e.metrics.DriverCall(kind, "configure", err)
				return err
			},
		},
	}

	if mapper, ok := driver.(IdentityMapper); ok {
		steps = append(steps, stageStep{
			stage: StageIdentityVerified,
			inspect: func(ctx context.Context) (bool, error) {
				ok, err := mapper.IdentityMapped(ctx, id)
				e.metrics.DriverCall(kind, "identity_mapped", err)
				return ok, err
			},
			apply: func(ctx context.Context) error {
				return e.verifyIdentityMapping(ctx, id, driver, mapper)
			},
		})
	}

	steps = append(steps,
		stageStep{
			stage: StageVolumesApplied,
			inspect: func(ctx context.Context) (bool, error) {
				ok, err := driver.VolumesApplied(ctx, spec)
				e.metrics.DriverCall(kind, "volumes_applied", err)
				return ok, err
			},
			apply: func(ctx context.Context) error {
				err := driver.ApplyVolumes(ctx, spec)
				e.metrics.DriverCall(kind, "apply_volumes", err)
				return err
			},
		},
		stageStep{
			stage: StageRunning,
			inspect: func(ctx context.Context) (bool, error) {
				ok, err := driver.Running(ctx, id)
				e.metrics.DriverCall(kind, "running", err)
				return ok, err
			},
			apply: func(ctx context.Context) error {
				err := driver.Start(ctx, id)
				e.metrics.DriverCall(kind, "start", err)
				return err
			},
		},
		stageStep{
			stage: StageCustomizing,
			apply: func(ctx context.Context) error {
				return e.customize(ctx, spec)
			},
		},
		stageStep{
			stage: StageCompleted,
			apply: func(ctx context.Context) error {
				if spec.Template {
					return e.finalizeTemplate(ctx, spec, driver)
				}
				if spec.Health != nil {
					return e.healthGate(ctx, spec)
				}
				return nil
			},
		},
	)

	return steps
}

// verifyIdentityMapping cycles the resource once so the runtime writes its
// mapping artifact, then re-checks. A still-missing mapping is a host
// misconfiguration; retrying would cycle the resource forever.
func (e *Engine) verifyIdentityMapping(ctx context.Context, id int, driver Driver, mapper IdentityMapper) error {
	if err := driver.Start(ctx, id); err != nil {
		return NewDriverError("start failed during identity verification", err)
	}
	if err := driver.Stop(ctx, id); err != nil {
		return NewDriverError("stop failed during identity verification", err)
	}

	ok, err := mapper.IdentityMapped(ctx, id)
	if err != nil {
		return NewDriverError("identity inspection failed", err)
	}
	if !ok {
		return NewHostInvariantError("identity mapping absent after verification start/stop cycle", nil).
			WithResource(id)
	}
	return nil
}

// customize runs the ordered feature pipeline, then the application step.
func (e *Engine) customize(ctx context.Context, spec *config.ResourceSpec) error {
	logger := e.logger.WithResource(spec.ID)

	for _, feature := range spec.Features {
		featStart := time.Now()
		if err := e.features.Invoke(ctx, spec, feature); err != nil {
			e.metrics.FeatureStep(feature, "failed", time.Since(featStart))
			return NewDriverError(fmt.Sprintf("feature %s failed", feature), err).
				WithResource(spec.ID)
		}
		e.metrics.FeatureStep(feature, "completed", time.Since(featStart))
		logger.WithField("feature", feature).Info("feature applied")
	}

	if spec.App != nil {
		if err := e.features.RunApp(ctx, spec); err != nil {
			return NewDriverError("application step failed", err).WithResource(spec.ID)
		}
		logger.Info("application step completed")
	}
	return nil
}

// healthGate probes the resource until it answers ready or the retry
// budget is exhausted. Exhaustion fails the convergence with the last
// probe output in the cause.
func (e *Engine) healthGate(ctx context.Context, spec *config.ResourceSpec) error {
	check := spec.Health
	policy := RetryPolicy{Attempts: check.Attempts, Interval: check.Interval()}
	logger := e.logger.WithResource(spec.ID)

	var lastOutput string
	attempts, ready, err := policy.Do(ctx, func(attempt int) (bool, error) {
		ok, output, perr := e.prober.Probe(ctx, spec, check)
		if perr != nil {
			return false, NewDriverError("probe execution failed", perr).WithResource(spec.ID)
		}
		lastOutput = output
		e.metrics.ProbeAttempt(string(spec.Kind), ok)
		logger.WithField("attempt", attempt).WithField("ready", ok).Debug("health probe")
		return ok, nil
	})
	if err != nil {
		return err
	}
	if !ready {
		return NewReadinessError(
			fmt.Sprintf("health gate exhausted %d attempts, last output: %s", attempts, lastOutput), nil).
			WithResource(spec.ID).
			WithDetail("attempts", attempts).
			WithDetail("last_output", lastOutput)
	}
	return nil
}

// finalizeTemplate quiesces the resource, strips identity, snapshots, and
// converts it into a template.
func (e *Engine) finalizeTemplate(ctx context.Context, spec *config.ResourceSpec, driver Driver) error {
	id := spec.ID

	// Identity is stripped first, while the guest can still execute
	// commands, then the resource is quiesced.
	if err := driver.StripIdentity(ctx, id); err != nil {
		return NewDriverError("failed to strip identity", err).WithResource(id)
	}
	running, err := driver.Running(ctx, id)
	if err != nil {
		return NewDriverError("failed to inspect power state", err).WithResource(id)
	}
	if running {
		if err := driver.Stop(ctx, id); err != nil {
			return NewDriverError("failed to quiesce template", err).WithResource(id)
		}
	}
	if err := driver.Snapshot(ctx, id, "final"); err != nil {
		return NewDriverError("failed to snapshot template", err).WithResource(id)
	}
	if err := driver.ConvertToTemplate(ctx, id); err != nil {
		return NewDriverError("failed to convert to template", err).WithResource(id)
	}

	e.logger.WithResource(id).Info("template finalized")
	return nil
}

// fail records a convergence failure and assembles the failed result.
func (e *Engine) fail(ctx context.Context, spec *config.ResourceSpec, runID string, stage Stage, start time.Time, err error) ResourceResult {
	var cerr *ConvergeError
	if !errors.As(err, &cerr) {
		cerr = NewDriverError("operation failed", err)
	}
	if cerr.Resource == 0 {
		cerr = cerr.WithResource(spec.ID)
	}
	if cerr.Stage == "" {
		cerr = cerr.WithStage(stage)
	}

	cause := fmt.Sprintf("stage %s: %v", stage, err)
	if serr := e.store.MarkFailed(context.WithoutCancel(ctx), spec.ID, spec.Kind, cause); serr != nil {
		e.logger.WithResource(spec.ID).WithError(serr).Error("failed to persist failure record")
	}

	e.metrics.ErrorByClass(string(cerr.Class))
	e.metrics.ConvergeCompleted(string(spec.Kind), "failed", time.Since(start))
	e.appendEvent(ctx, runID, spec.ID, stage, cause)
	e.logger.WithResource(spec.ID).WithStage(string(stage)).WithError(cerr).Error("converge failed")

	return ResourceResult{
		ID: spec.ID, Kind: spec.Kind, Outcome: OutcomeFailed,
		Stage: StageFailed, Err: cerr, Duration: time.Since(start),
	}
}

// skip records a skipped resource. Skips never touch stage records.
func (e *Engine) skip(ctx context.Context, runID string, id int, reason string) ResourceResult {
	e.appendEvent(ctx, runID, id, "", "skipped: "+reason)
	e.logger.WithResource(id).WithField("reason", reason).Warn("resource skipped")

	res := ResourceResult{ID: id, Outcome: OutcomeSkipped, Reason: reason}
	if spec, err := e.config.Get(id); err == nil {
		res.Kind = spec.Kind
	}
	return res
}

// blockedBy returns the first dependency of id that did not converge in
// this batch.
func (e *Engine) blockedBy(id int, blocked map[int]bool) (int, bool) {
	spec, err := e.config.Get(id)
	if err != nil {
		return 0, false
	}
	for _, dep := range dependenciesOf(spec) {
		if blocked[dep] {
			return dep, true
		}
	}
	return 0, false
}

func (e *Engine) appendEvent(ctx context.Context, runID string, id int, stage Stage, message string) {
	if runID == "" {
		return
	}
	event := &Event{
		RunID:      runID,
		ResourceID: id,
		Stage:      string(stage),
		Message:    message,
		Timestamp:  time.Now(),
	}
	if err := e.journal.AppendEvent(context.WithoutCancel(ctx), event); err != nil {
		e.logger.WithError(err).Warn("failed to append journal event")
	}
}

func stageMessage(stage Stage, fastPath bool) string {
	if fastPath {
		return fmt.Sprintf("stage %s verified", stage)
	}
	return fmt.Sprintf("stage %s established", stage)
}
