package driver

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/phoenix-hypervisor/phoenix/pkg/config"
	"github.com/phoenix-hypervisor/phoenix/pkg/telemetry"
	"github.com/phoenix-hypervisor/phoenix/pkg/transport"
)

// LXC manages containers through the pct command line tool.
type LXC struct {
	runner transport.Runner
	logger *telemetry.Logger

	// storage is the storage pool used for root filesystems.
	storage string
}

// NewLXC creates the container driver.
func NewLXC(runner transport.Runner, storage string, logger *telemetry.Logger) *LXC {
	if storage == "" {
		storage = "local-lvm"
	}
	return &LXC{
		runner:  runner,
		logger:  logger.NewComponentLogger("driver.lxc"),
		storage: storage,
	}
}

// Kind identifies the driver.
func (d *LXC) Kind() config.Kind { return config.KindLXC }

func (d *LXC) pct(ctx context.Context, args ...string) (transport.Result, error) {
	res, err := d.runner.Run(ctx, "pct", args...)
	if err != nil {
		return res, fmt.Errorf("pct transport failure: %w", err)
	}
	return res, nil
}

// Exists reports whether the container is defined.
func (d *LXC) Exists(ctx context.Context, id int) (bool, error) {
	res, err := d.pct(ctx, "status", strconv.Itoa(id))
	if err != nil {
		return false, err
	}
	if res.ExitCode == 0 {
		return true, nil
	}
	if strings.Contains(res.Stderr, "does not exist") {
		return false, nil
	}
	return false, commandFailed("pct", []string{"status", strconv.Itoa(id)}, res)
}

// Define creates the container from its image, or clones it.
func (d *LXC) Define(ctx context.Context, spec *config.ResourceSpec) error {
	ctid := strconv.Itoa(spec.ID)

	var args []string
	if spec.CloneFrom != nil {
		args = []string{"clone", strconv.Itoa(*spec.CloneFrom), ctid,
			"--hostname", spec.Name,
			"--full", "1",
		}
	} else {
		args = []string{"create", ctid, spec.Image,
			"--hostname", spec.Name,
			"--cores", strconv.Itoa(spec.Cores),
			"--memory", strconv.Itoa(spec.MemoryMB),
			"--net0", d.netSpec(spec),
			"--unprivileged", "1",
		}
		if spec.DiskGB > 0 {
			args = append(args, "--rootfs", fmt.Sprintf("%s:%d", d.storage, spec.DiskGB))
		}
	}

	res, err := d.pct(ctx, args...)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return commandFailed("pct", args, res)
	}
	d.logger.WithResource(spec.ID).Info("container defined")
	return nil
}

// Configured checks cores, memory, and network against the live config.
func (d *LXC) Configured(ctx context.Context, spec *config.ResourceSpec) (bool, error) {
	cfg, err := d.liveConfig(ctx, spec.ID)
	if err != nil {
		return false, err
	}

	if cfg["cores"] != strconv.Itoa(spec.Cores) {
		return false, nil
	}
	if cfg["memory"] != strconv.Itoa(spec.MemoryMB) {
		return false, nil
	}
	if cfg["hostname"] != spec.Name {
		return false, nil
	}
	return netMatches(cfg["net0"], spec), nil
}

// Configure applies cores, memory, hostname, and network.
func (d *LXC) Configure(ctx context.Context, spec *config.ResourceSpec) error {
	args := []string{"set", strconv.Itoa(spec.ID),
		"--hostname", spec.Name,
		"--cores", strconv.Itoa(spec.Cores),
		"--memory", strconv.Itoa(spec.MemoryMB),
		"--net0", d.netSpec(spec),
	}

	res, err := d.pct(ctx, args...)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return commandFailed("pct", args, res)
	}
	return nil
}

// VolumesApplied checks that every declared mount point is present.
func (d *LXC) VolumesApplied(ctx context.Context, spec *config.ResourceSpec) (bool, error) {
	if len(spec.Volumes) == 0 {
		return true, nil
	}

	cfg, err := d.liveConfig(ctx, spec.ID)
	if err != nil {
		return false, err
	}

	for _, vol := range spec.Volumes {
		if !mountPresent(cfg, "mp", vol.Target) {
			return false, nil
		}
	}
	return true, nil
}

// ApplyVolumes attaches the declared mount points as mp0..mpN.
func (d *LXC) ApplyVolumes(ctx context.Context, spec *config.ResourceSpec) error {
	for i, vol := range spec.Volumes {
		value := fmt.Sprintf("%s,mp=%s", vol.Source, vol.Target)
		if vol.ReadOnly {
			value += ",ro=1"
		}
		args := []string{"set", strconv.Itoa(spec.ID), fmt.Sprintf("--mp%d", i), value}

		res, err := d.pct(ctx, args...)
		if err != nil {
			return err
		}
		if res.ExitCode != 0 {
			return commandFailed("pct", args, res)
		}
	}
	return nil
}

// Running reports whether the container is started.
func (d *LXC) Running(ctx context.Context, id int) (bool, error) {
	res, err := d.pct(ctx, "status", strconv.Itoa(id))
	if err != nil {
		return false, err
	}
	if res.ExitCode != 0 {
		return false, commandFailed("pct", []string{"status", strconv.Itoa(id)}, res)
	}
	return statusIs(res.Stdout, "running"), nil
}

// Start powers the container on.
func (d *LXC) Start(ctx context.Context, id int) error {
	return d.simple(ctx, "start", id)
}

// Stop powers the container off.
func (d *LXC) Stop(ctx context.Context, id int) error {
	return d.simple(ctx, "stop", id)
}

// Destroy removes the container and its volumes.
func (d *LXC) Destroy(ctx context.Context, id int) error {
	args := []string{"destroy", strconv.Itoa(id), "--purge"}
	res, err := d.pct(ctx, args...)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return commandFailed("pct", args, res)
	}
	return nil
}

// Snapshot takes a named snapshot.
func (d *LXC) Snapshot(ctx context.Context, id int, name string) error {
	args := []string{"snapshot", strconv.Itoa(id), name}
	res, err := d.pct(ctx, args...)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return commandFailed("pct", args, res)
	}
	return nil
}

// StripIdentity removes SSH host keys and the machine id inside the
// container. A stopped container is left alone; its exec window is gone.
func (d *LXC) StripIdentity(ctx context.Context, id int) error {
	running, err := d.Running(ctx, id)
	if err != nil {
		return err
	}
	if !running {
		return nil
	}

	args := []string{"exec", strconv.Itoa(id), "--", "sh", "-c", stripIdentityScript}
	res, err := d.pct(ctx, args...)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return commandFailed("pct", args, res)
	}
	return nil
}

// ConvertToTemplate marks the container as a template.
func (d *LXC) ConvertToTemplate(ctx context.Context, id int) error {
	return d.simple(ctx, "template", id)
}

// IdentityMapped reports whether the container runtime has written an
// idmap entry for the container. This is the artifact the identity
// verification stage checks.
func (d *LXC) IdentityMapped(ctx context.Context, id int) (bool, error) {
	script := fmt.Sprintf("grep -q '^lxc.idmap' /var/lib/lxc/%d/config", id)
	res, err := d.runner.Run(ctx, "sh", "-c", script)
	if err != nil {
		return false, fmt.Errorf("idmap inspection transport failure: %w", err)
	}
	// grep: 0 found, 1 not found, 2 file missing. Both non-zero cases
	// mean the artifact is absent.
	return res.ExitCode == 0, nil
}

func (d *LXC) simple(ctx context.Context, verb string, id int) error {
	args := []string{verb, strconv.Itoa(id)}
	res, err := d.pct(ctx, args...)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return commandFailed("pct", args, res)
	}
	return nil
}

func (d *LXC) liveConfig(ctx context.Context, id int) (map[string]string, error) {
	args := []string{"config", strconv.Itoa(id)}
	res, err := d.pct(ctx, args...)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, commandFailed("pct", args, res)
	}
	return parseConfig(res.Stdout), nil
}

// netSpec renders the net0 property for pct.
func (d *LXC) netSpec(spec *config.ResourceSpec) string {
	parts := []string{
		"name=eth0",
		"bridge=" + spec.Network.Bridge,
		"ip=" + spec.Network.Address,
	}
	if spec.Network.Gateway != "" {
		parts = append(parts, "gw="+spec.Network.Gateway)
	}
	return strings.Join(parts, ",")
}

// netMatches checks a live netX property against the spec.
func netMatches(live string, spec *config.ResourceSpec) bool {
	if !strings.Contains(live, "bridge="+spec.Network.Bridge) {
		return false
	}
	if !strings.Contains(live, "ip="+spec.Network.Address) {
		return false
	}
	if spec.Network.Gateway != "" && !strings.Contains(live, "gw="+spec.Network.Gateway) {
		return false
	}
	return true
}

// mountPresent checks whether any <prefix>N property maps the target.
func mountPresent(cfg map[string]string, prefix, target string) bool {
	for i := 0; i < 16; i++ {
		value, ok := cfg[fmt.Sprintf("%s%d", prefix, i)]
		if !ok {
			continue
		}
		if strings.Contains(value, "mp="+target) {
			return true
		}
	}
	return false
}
