package features

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/phoenix-hypervisor/phoenix/pkg/config"
	"github.com/phoenix-hypervisor/phoenix/pkg/telemetry"
	"github.com/phoenix-hypervisor/phoenix/pkg/transport"
)

// payload is what a feature executable receives on disk. It carries the
// resolved spec fields a feature script needs to customize the guest.
type payload struct {
	ID       int                  `json:"id"`
	Kind     config.Kind          `json:"kind"`
	Name     string               `json:"name"`
	Network  config.Network       `json:"network"`
	Volumes  []config.VolumeMount `json:"volumes,omitempty"`
	Features []string             `json:"features,omitempty"`
}

// Invoker runs feature executables and application steps on the hypervisor
// host. Feature executables receive the resource ID and a JSON payload path
// as arguments; application steps run inside the guest.
type Invoker struct {
	registry *Registry
	runner   transport.Runner
	logger   *telemetry.Logger
}

// NewInvoker creates the feature invoker.
func NewInvoker(registry *Registry, runner transport.Runner, logger *telemetry.Logger) *Invoker {
	return &Invoker{
		registry: registry,
		runner:   runner,
		logger:   logger.NewComponentLogger("features.invoker"),
	}
}

// Invoke runs one feature executable for the resource. A non-zero exit is a
// step failure.
func (i *Invoker) Invoke(ctx context.Context, spec *config.ResourceSpec, feature string) error {
	manifest, err := i.registry.Get(feature)
	if err != nil {
		return err
	}
	if !manifest.Supports(spec.Kind) {
		return fmt.Errorf("feature %q does not support kind %s", feature, spec.Kind)
	}

	data, err := json.Marshal(payload{
		ID:       spec.ID,
		Kind:     spec.Kind,
		Name:     spec.Name,
		Network:  spec.Network,
		Volumes:  spec.Volumes,
		Features: spec.Features,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal feature payload: %w", err)
	}

	path := fmt.Sprintf("/tmp/phoenix-feature-%d.json", spec.ID)
	if err := i.runner.WriteFile(ctx, path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write feature payload: %w", err)
	}
	defer func() {
		if err := i.runner.RemoveFile(context.WithoutCancel(ctx), path); err != nil {
			i.logger.WithResource(spec.ID).WithError(err).Warn("failed to remove feature payload")
		}
	}()

	name := manifest.ExecPath()
	args := []string{strconv.Itoa(spec.ID), path}
	if manifest.Interpreter != "" {
		args = append([]string{name}, args...)
		name = manifest.Interpreter
	}

	res, err := i.runner.Run(ctx, name, args...)
	if err != nil {
		return fmt.Errorf("feature %q transport failure: %w", feature, err)
	}
	if res.ExitCode != 0 {
		out := res.Stderr
		if out == "" {
			out = res.Stdout
		}
		return fmt.Errorf("feature %q exited with code %d: %s", feature, res.ExitCode, out)
	}

	i.logger.WithResource(spec.ID).WithField("feature", feature).
		WithField("duration", res.Duration.String()).Info("feature applied")
	return nil
}

// RunApp executes the resource's application step inside the guest.
func (i *Invoker) RunApp(ctx context.Context, spec *config.ResourceSpec) error {
	if spec.App == nil {
		return nil
	}

	var name string
	var args []string
	switch spec.Kind {
	case config.KindLXC:
		name = "pct"
		args = []string{"exec", strconv.Itoa(spec.ID), "--", spec.App.Command}
	case config.KindVM:
		name = "qm"
		args = []string{"guest", "exec", strconv.Itoa(spec.ID), "--", spec.App.Command}
	default:
		return fmt.Errorf("unknown kind %q", spec.Kind)
	}
	args = append(args, spec.App.Args...)

	res, err := i.runner.Run(ctx, name, args...)
	if err != nil {
		return fmt.Errorf("application step transport failure: %w", err)
	}
	if res.ExitCode != 0 {
		out := res.Stderr
		if out == "" {
			out = res.Stdout
		}
		return fmt.Errorf("application step exited with code %d: %s", res.ExitCode, out)
	}

	i.logger.WithResource(spec.ID).WithField("command", spec.App.Command).Info("application step completed")
	return nil
}
