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

// QEMU manages virtual machines through the qm command line tool.
type QEMU struct {
	runner  transport.Runner
	logger  *telemetry.Logger
	storage string
}

// NewQEMU creates the virtual machine driver.
func NewQEMU(runner transport.Runner, storage string, logger *telemetry.Logger) *QEMU {
	if storage == "" {
		storage = "local-lvm"
	}
	return &QEMU{
		runner:  runner,
		logger:  logger.NewComponentLogger("driver.qemu"),
		storage: storage,
	}
}

// Kind identifies the driver.
func (d *QEMU) Kind() config.Kind { return config.KindVM }

func (d *QEMU) qm(ctx context.Context, args ...string) (transport.Result, error) {
	res, err := d.runner.Run(ctx, "qm", args...)
	if err != nil {
		return res, fmt.Errorf("qm transport failure: %w", err)
	}
	return res, nil
}

// Exists reports whether the VM is defined.
func (d *QEMU) Exists(ctx context.Context, id int) (bool, error) {
	res, err := d.qm(ctx, "status", strconv.Itoa(id))
	if err != nil {
		return false, err
	}
	if res.ExitCode == 0 {
		return true, nil
	}
	if strings.Contains(res.Stderr, "does not exist") {
		return false, nil
	}
	return false, commandFailed("qm", []string{"status", strconv.Itoa(id)}, res)
}

// Define creates the VM from its image, or clones it.
func (d *QEMU) Define(ctx context.Context, spec *config.ResourceSpec) error {
	vmid := strconv.Itoa(spec.ID)

	var args []string
	if spec.CloneFrom != nil {
		args = []string{"clone", strconv.Itoa(*spec.CloneFrom), vmid,
			"--name", spec.Name,
			"--full", "1",
		}
	} else {
		args = []string{"create", vmid,
			"--name", spec.Name,
			"--cores", strconv.Itoa(spec.Cores),
			"--memory", strconv.Itoa(spec.MemoryMB),
			"--net0", "virtio,bridge=" + spec.Network.Bridge,
			"--ipconfig0", d.ipConfig(spec),
		}
		if spec.DiskGB > 0 {
			args = append(args, "--scsi0", fmt.Sprintf("%s:%d", d.storage, spec.DiskGB))
		}
		if spec.Image != "" {
			args = append(args, "--cdrom", spec.Image)
		}
	}

	res, err := d.qm(ctx, args...)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return commandFailed("qm", args, res)
	}
	d.logger.WithResource(spec.ID).Info("vm defined")
	return nil
}

// Configured checks cores, memory, name, and network.
func (d *QEMU) Configured(ctx context.Context, spec *config.ResourceSpec) (bool, error) {
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
	if cfg["name"] != spec.Name {
		return false, nil
	}
	if !strings.Contains(cfg["net0"], "bridge="+spec.Network.Bridge) {
		return false, nil
	}
	return strings.Contains(cfg["ipconfig0"], "ip="+spec.Network.Address), nil
}

// Configure applies cores, memory, name, and network.
func (d *QEMU) Configure(ctx context.Context, spec *config.ResourceSpec) error {
	args := []string{"set", strconv.Itoa(spec.ID),
		"--name", spec.Name,
		"--cores", strconv.Itoa(spec.Cores),
		"--memory", strconv.Itoa(spec.MemoryMB),
		"--net0", "virtio,bridge=" + spec.Network.Bridge,
		"--ipconfig0", d.ipConfig(spec),
	}

	res, err := d.qm(ctx, args...)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return commandFailed("qm", args, res)
	}
	return nil
}

// VolumesApplied checks that every declared volume is attached as a disk.
func (d *QEMU) VolumesApplied(ctx context.Context, spec *config.ResourceSpec) (bool, error) {
	if len(spec.Volumes) == 0 {
		return true, nil
	}

	cfg, err := d.liveConfig(ctx, spec.ID)
	if err != nil {
		return false, err
	}

	for _, vol := range spec.Volumes {
		if !volumeAttached(cfg, vol.Source) {
			return false, nil
		}
	}
	return true, nil
}

// ApplyVolumes attaches the declared volumes as virtio1..virtioN. virtio0
// is reserved for a cloned root disk.
func (d *QEMU) ApplyVolumes(ctx context.Context, spec *config.ResourceSpec) error {
	for i, vol := range spec.Volumes {
		value := vol.Source
		if vol.ReadOnly {
			value += ",ro=1"
		}
		args := []string{"set", strconv.Itoa(spec.ID), fmt.Sprintf("--virtio%d", i+1), value}

		res, err := d.qm(ctx, args...)
		if err != nil {
			return err
		}
		if res.ExitCode != 0 {
			return commandFailed("qm", args, res)
		}
	}
	return nil
}

// Running reports whether the VM is started.
func (d *QEMU) Running(ctx context.Context, id int) (bool, error) {
	res, err := d.qm(ctx, "status", strconv.Itoa(id))
	if err != nil {
		return false, err
	}
	if res.ExitCode != 0 {
		return false, commandFailed("qm", []string{"status", strconv.Itoa(id)}, res)
	}
	return statusIs(res.Stdout, "running"), nil
}

// Start powers the VM on.
func (d *QEMU) Start(ctx context.Context, id int) error {
	return d.simple(ctx, "start", id)
}

// Stop powers the VM off.
func (d *QEMU) Stop(ctx context.Context, id int) error {
	return d.simple(ctx, "stop", id)
}

// Destroy removes the VM and its disks.
func (d *QEMU) Destroy(ctx context.Context, id int) error {
	args := []string{"destroy", strconv.Itoa(id), "--purge"}
	res, err := d.qm(ctx, args...)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return commandFailed("qm", args, res)
	}
	return nil
}

// Snapshot takes a named snapshot.
func (d *QEMU) Snapshot(ctx context.Context, id int, name string) error {
	args := []string{"snapshot", strconv.Itoa(id), name}
	res, err := d.qm(ctx, args...)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return commandFailed("qm", args, res)
	}
	return nil
}

// StripIdentity removes identity through the guest agent. Requires the VM
// to be running with the agent responsive; a stopped VM is left alone.
func (d *QEMU) StripIdentity(ctx context.Context, id int) error {
	running, err := d.Running(ctx, id)
	if err != nil {
		return err
	}
	if !running {
		return nil
	}

	args := []string{"guest", "exec", strconv.Itoa(id), "--", "sh", "-c", stripIdentityScript}
	res, err := d.qm(ctx, args...)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return commandFailed("qm", args, res)
	}
	return nil
}

// ConvertToTemplate marks the VM as a template.
func (d *QEMU) ConvertToTemplate(ctx context.Context, id int) error {
	return d.simple(ctx, "template", id)
}

func (d *QEMU) simple(ctx context.Context, verb string, id int) error {
	args := []string{verb, strconv.Itoa(id)}
	res, err := d.qm(ctx, args...)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return commandFailed("qm", args, res)
	}
	return nil
}

func (d *QEMU) liveConfig(ctx context.Context, id int) (map[string]string, error) {
	args := []string{"config", strconv.Itoa(id)}
	res, err := d.qm(ctx, args...)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, commandFailed("qm", args, res)
	}
	return parseConfig(res.Stdout), nil
}

// ipConfig renders the ipconfig0 property for qm.
func (d *QEMU) ipConfig(spec *config.ResourceSpec) string {
	out := "ip=" + spec.Network.Address
	if spec.Network.Gateway != "" {
		out += ",gw=" + spec.Network.Gateway
	}
	return out
}

// volumeAttached checks whether any virtioN property references source.
func volumeAttached(cfg map[string]string, source string) bool {
	for i := 0; i < 16; i++ {
		value, ok := cfg[fmt.Sprintf("virtio%d", i)]
		if !ok {
			continue
		}
		if strings.HasPrefix(value, source) {
			return true
		}
	}
	return false
}
