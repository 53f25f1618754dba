package commands

import (
	"context"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/phoenix-hypervisor/phoenix/pkg/config"
	"github.com/phoenix-hypervisor/phoenix/pkg/driver"
	"github.com/phoenix-hypervisor/phoenix/pkg/engine"
	"github.com/phoenix-hypervisor/phoenix/pkg/features"
	"github.com/phoenix-hypervisor/phoenix/pkg/policy"
	"github.com/phoenix-hypervisor/phoenix/pkg/state"
	"github.com/phoenix-hypervisor/phoenix/pkg/telemetry"
	"github.com/phoenix-hypervisor/phoenix/pkg/transport"
)

var (
	// Global flags
	settingsPath string
	verbose      bool
)

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "phoenix",
		Short: "Phoenix - declarative hypervisor convergence",
		Long: `Phoenix converges LXC containers and QEMU/KVM virtual machines on a
single hypervisor host toward the state declared in JSON documents.

Each resource moves through an ordered stage pipeline; every stage is
inspected before it is applied, so an already-converged resource is a
no-op. Progress is recorded durably and a failed resource resumes from
its last completed stage on the next run.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&settingsPath, "config", "c", "/etc/phoenix/phoenix.yaml", "settings file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(newConvergeCommand(version))
	rootCmd.AddCommand(newValidateCommand(version))
	rootCmd.AddCommand(newStatusCommand(version))
	rootCmd.AddCommand(newDestroyCommand(version))
	rootCmd.AddCommand(newSnapshotCommand(version))
	rootCmd.AddCommand(newGraphCommand(version))

	return rootCmd
}

// app bundles the wiring every command shares: settings, telemetry, and the
// transport to the hypervisor host.
type app struct {
	settings config.Settings
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	runner   transport.Runner
}

func newApp(version string) (*app, error) {
	settings, err := config.LoadSettings(settingsPath)
	if err != nil {
		return nil, err
	}
	settings.Telemetry.ServiceVersion = version
	if verbose {
		settings.Telemetry.Logging.Level = "debug"
	}

	logger, err := telemetry.NewLogger(settings.Telemetry.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to set up logging: %w", err)
	}
	metrics, err := telemetry.NewMetrics(settings.Telemetry.Metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to set up metrics: %w", err)
	}
	tracer, err := telemetry.NewTracer(settings.Telemetry.Tracing, settings.Telemetry.ServiceName, version)
	if err != nil {
		return nil, fmt.Errorf("failed to set up tracing: %w", err)
	}

	a := &app{
		settings: settings,
		logger:   logger,
		metrics:  metrics,
		tracer:   tracer,
	}

	switch settings.Transport.Mode {
	case "", "local":
		a.runner = transport.NewLocalRunner(logger.Zerolog())
	case "ssh":
		a.runner = transport.NewSSHRunner(settings.Transport.SSH, logger.Zerolog())
	default:
		return nil, fmt.Errorf("unknown transport mode %q", settings.Transport.Mode)
	}

	return a, nil
}

// close flushes telemetry and tears down the transport.
func (a *app) close(ctx context.Context) {
	if closer, ok := a.runner.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			a.logger.WithError(err).Warn("transport close failed")
		}
	}
	if err := a.tracer.Shutdown(ctx); err != nil {
		a.logger.WithError(err).Warn("tracer shutdown failed")
	}
}

// loadSpecs loads and validates both resource documents.
func (a *app) loadSpecs(ctx context.Context) (*config.Store, error) {
	return config.Load(ctx, a.settings.LXCConfigPath, a.settings.VMConfigPath, config.LoadOptions{
		TransformPath: a.settings.TransformPath,
	})
}

// checkPolicies evaluates built-in and operator policies against the loaded
// resource set. Error-severity violations abort before any hypervisor call.
func (a *app) checkPolicies(ctx context.Context, store *config.Store) error {
	policyEngine, err := policy.NewEngine(ctx, a.logger)
	if err != nil {
		return err
	}
	loader := policy.NewLoader(policyEngine, a.logger)
	if err := loader.LoadDir(ctx, a.settings.PoliciesDir); err != nil {
		return err
	}

	input := policy.BuildInput(store.Specs(), policy.Limits{
		MaxTotalMemoryMB: a.settings.Limits.MaxTotalMemoryMB,
	})
	result, err := policyEngine.Evaluate(ctx, input)
	if err != nil {
		return err
	}

	for _, w := range result.Warnings {
		a.logger.WithField("policy", w.Policy).WithResource(w.Resource).Warn(w.Message)
	}
	if !result.Allowed {
		for _, v := range result.Violations {
			a.logger.WithField("policy", v.Policy).WithResource(v.Resource).Error(v.Message)
		}
		return fmt.Errorf("%d policy violation(s)", len(result.Violations))
	}
	return nil
}

// buildEngine assembles the convergence engine. In dry-run mode every
// side-effecting collaborator is replaced by a logging no-op implementation;
// the engine itself is identical either way.
func (a *app) buildEngine(ctx context.Context, store *config.Store, dryRun bool) (*engine.Engine, func(), error) {
	opts := engine.Options{
		Config:  store,
		Logger:  a.logger,
		Metrics: a.metrics,
		Tracer:  a.tracer,
		DryRun:  dryRun,
	}

	cleanup := func() {}
	if dryRun {
		opts.Drivers = []engine.Driver{
			driver.NewDryRun(config.KindLXC, a.logger),
			driver.NewDryRun(config.KindVM, a.logger),
		}
		opts.Store = state.NopStore{}
		opts.Journal = state.NopJournal{}
		opts.Features = driver.NewDryRunInvoker(a.logger)
		opts.Prober = driver.DryRunProber{}
	} else {
		st, err := state.Open(ctx, a.settings.StatePath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open state store: %w", err)
		}
		cleanup = func() {
			if err := st.Close(); err != nil {
				a.logger.WithError(err).Warn("state store close failed")
			}
		}

		registry := features.NewRegistry(a.logger)
		if err := registry.Scan(a.settings.FeaturesDir); err != nil {
			cleanup()
			return nil, nil, err
		}

		opts.Drivers = []engine.Driver{
			driver.NewLXC(a.runner, a.settings.StoragePool, a.logger),
			driver.NewQEMU(a.runner, a.settings.StoragePool, a.logger),
		}
		opts.Store = st
		opts.Journal = st
		opts.Features = features.NewInvoker(registry, a.runner, a.logger)
		opts.Prober = engine.NewHostProber(a.runner, a.logger)
	}

	eng, err := engine.NewEngine(opts)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return eng, cleanup, nil
}

// serveMetrics exposes the Prometheus endpoint for the lifetime of ctx when
// metrics are enabled.
func (a *app) serveMetrics(ctx context.Context) {
	if !a.settings.Telemetry.Metrics.Enabled {
		return
	}

	mux := http.NewServeMux()
	mux.Handle(a.settings.Telemetry.Metrics.Path, a.metrics.Handler())
	server := &http.Server{Addr: a.settings.Telemetry.Metrics.ListenAddress, Handler: mux}

	go func() {
		<-ctx.Done()
		server.Close()
	}()
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.WithError(err).Warn("metrics endpoint failed")
		}
	}()
}
