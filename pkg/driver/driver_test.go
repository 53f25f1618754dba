package driver

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/phoenix-hypervisor/phoenix/pkg/config"
	"github.com/phoenix-hypervisor/phoenix/pkg/engine"
	"github.com/phoenix-hypervisor/phoenix/pkg/telemetry"
	"github.com/phoenix-hypervisor/phoenix/pkg/transport"
)

// fakeRunner records command lines and serves scripted results.
type fakeRunner struct {
	commands  []string
	responses map[string]transport.Result
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{responses: make(map[string]transport.Result)}
}

func (r *fakeRunner) Run(_ context.Context, name string, args ...string) (transport.Result, error) {
	cmd := name + " " + strings.Join(args, " ")
	r.commands = append(r.commands, cmd)
	if res, ok := r.responses[cmd]; ok {
		return res, nil
	}
	return transport.Result{}, nil
}

func (r *fakeRunner) WriteFile(context.Context, string, []byte, os.FileMode) error { return nil }
func (r *fakeRunner) RemoveFile(context.Context, string) error                     { return nil }

func (r *fakeRunner) sawPrefix(prefix string) string {
	for _, cmd := range r.commands {
		if strings.HasPrefix(cmd, prefix) {
			return cmd
		}
	}
	return ""
}

func lxcSpec(mut func(*config.ResourceSpec)) *config.ResourceSpec {
	spec := &config.ResourceSpec{
		ID:       950,
		Kind:     config.KindLXC,
		Name:     "api",
		Cores:    4,
		MemoryMB: 2048,
		DiskGB:   16,
		Image:    "local:vztmpl/debian-12.tar.zst",
		Network:  config.Network{Bridge: "vmbr0", Address: "10.0.0.50/24", Gateway: "10.0.0.1"},
	}
	if mut != nil {
		mut(spec)
	}
	return spec
}

func TestLXCDefineCreateArguments(t *testing.T) {
	runner := newFakeRunner()
	d := NewLXC(runner, "local-lvm", telemetry.NopLogger())

	if err := d.Define(context.Background(), lxcSpec(nil)); err != nil {
		t.Fatalf("Define failed: %v", err)
	}

	cmd := runner.sawPrefix("pct create 950")
	if cmd == "" {
		t.Fatalf("no create issued, commands: %v", runner.commands)
	}
	for _, want := range []string{
		"local:vztmpl/debian-12.tar.zst",
		"--hostname api",
		"--cores 4",
		"--memory 2048",
		"--net0 name=eth0,bridge=vmbr0,ip=10.0.0.50/24,gw=10.0.0.1",
		"--unprivileged 1",
		"--rootfs local-lvm:16",
	} {
		if !strings.Contains(cmd, want) {
			t.Errorf("create %q missing %q", cmd, want)
		}
	}
}

func TestLXCDefineClonesWhenSourceDeclared(t *testing.T) {
	runner := newFakeRunner()
	d := NewLXC(runner, "", telemetry.NopLogger())

	src := 900
	spec := lxcSpec(func(s *config.ResourceSpec) { s.CloneFrom = &src })
	if err := d.Define(context.Background(), spec); err != nil {
		t.Fatalf("Define failed: %v", err)
	}

	cmd := runner.sawPrefix("pct clone 900 950")
	if cmd == "" {
		t.Fatalf("no clone issued, commands: %v", runner.commands)
	}
	if !strings.Contains(cmd, "--full 1") {
		t.Errorf("clone %q must be full", cmd)
	}
	if runner.sawPrefix("pct create") != "" {
		t.Error("clone spec must not issue pct create")
	}
}

func TestLXCExists(t *testing.T) {
	runner := newFakeRunner()
	d := NewLXC(runner, "", telemetry.NopLogger())
	ctx := context.Background()

	runner.responses["pct status 950"] = transport.Result{Stdout: "status: stopped"}
	if ok, err := d.Exists(ctx, 950); err != nil || !ok {
		t.Errorf("Exists = %v, %v; want true", ok, err)
	}

	runner.responses["pct status 950"] = transport.Result{
		ExitCode: 2,
		Stderr:   "Configuration file 'nodes/pve/lxc/950.conf' does not exist",
	}
	if ok, err := d.Exists(ctx, 950); err != nil || ok {
		t.Errorf("Exists = %v, %v; want false for missing container", ok, err)
	}

	runner.responses["pct status 950"] = transport.Result{ExitCode: 255, Stderr: "cluster not quorate"}
	if _, err := d.Exists(ctx, 950); err == nil {
		t.Error("expected error for unexpected pct failure")
	}
}

func TestLXCConfiguredComparesLiveConfig(t *testing.T) {
	runner := newFakeRunner()
	d := NewLXC(runner, "", telemetry.NopLogger())
	ctx := context.Background()
	spec := lxcSpec(nil)

	runner.responses["pct config 950"] = transport.Result{Stdout: strings.Join([]string{
		"cores: 4",
		"memory: 2048",
		"hostname: api",
		"net0: name=eth0,bridge=vmbr0,hwaddr=BC:24:11:00:00:01,ip=10.0.0.50/24,gw=10.0.0.1",
	}, "\n")}
	if ok, err := d.Configured(ctx, spec); err != nil || !ok {
		t.Errorf("Configured = %v, %v; want true", ok, err)
	}

	runner.responses["pct config 950"] = transport.Result{Stdout: strings.Join([]string{
		"cores: 2",
		"memory: 2048",
		"hostname: api",
		"net0: name=eth0,bridge=vmbr0,ip=10.0.0.50/24,gw=10.0.0.1",
	}, "\n")}
	if ok, _ := d.Configured(ctx, spec); ok {
		t.Error("Configured must be false when cores differ")
	}
}

func TestLXCApplyVolumesArguments(t *testing.T) {
	runner := newFakeRunner()
	d := NewLXC(runner, "", telemetry.NopLogger())

	spec := lxcSpec(func(s *config.ResourceSpec) {
		s.Volumes = []config.VolumeMount{
			{Source: "/srv/models", Target: "/models", ReadOnly: true},
			{Source: "/srv/data", Target: "/data"},
		}
	})
	if err := d.ApplyVolumes(context.Background(), spec); err != nil {
		t.Fatalf("ApplyVolumes failed: %v", err)
	}

	if cmd := runner.sawPrefix("pct set 950 --mp0"); !strings.Contains(cmd, "/srv/models,mp=/models,ro=1") {
		t.Errorf("mp0 command = %q", cmd)
	}
	if cmd := runner.sawPrefix("pct set 950 --mp1"); !strings.Contains(cmd, "/srv/data,mp=/data") {
		t.Errorf("mp1 command = %q", cmd)
	}
}

func TestLXCVolumesAppliedChecksMountPoints(t *testing.T) {
	runner := newFakeRunner()
	d := NewLXC(runner, "", telemetry.NopLogger())
	ctx := context.Background()

	spec := lxcSpec(func(s *config.ResourceSpec) {
		s.Volumes = []config.VolumeMount{{Source: "/srv/models", Target: "/models"}}
	})

	runner.responses["pct config 950"] = transport.Result{Stdout: "mp0: /srv/models,mp=/models"}
	if ok, err := d.VolumesApplied(ctx, spec); err != nil || !ok {
		t.Errorf("VolumesApplied = %v, %v; want true", ok, err)
	}

	runner.responses["pct config 950"] = transport.Result{Stdout: "cores: 4"}
	if ok, _ := d.VolumesApplied(ctx, spec); ok {
		t.Error("VolumesApplied must be false without the mount")
	}

	if ok, err := d.VolumesApplied(ctx, lxcSpec(nil)); err != nil || !ok {
		t.Errorf("no declared volumes must be trivially applied, got %v, %v", ok, err)
	}
}

func TestLXCIdentityMappedGrepExitCodes(t *testing.T) {
	runner := newFakeRunner()
	d := NewLXC(runner, "", telemetry.NopLogger())
	ctx := context.Background()
	grep := "sh -c grep -q '^lxc.idmap' /var/lib/lxc/950/config"

	runner.responses[grep] = transport.Result{ExitCode: 0}
	if ok, err := d.IdentityMapped(ctx, 950); err != nil || !ok {
		t.Errorf("IdentityMapped = %v, %v; want true", ok, err)
	}

	runner.responses[grep] = transport.Result{ExitCode: 1}
	if ok, _ := d.IdentityMapped(ctx, 950); ok {
		t.Error("grep exit 1 must mean absent")
	}

	runner.responses[grep] = transport.Result{ExitCode: 2, Stderr: "no such file"}
	if ok, _ := d.IdentityMapped(ctx, 950); ok {
		t.Error("missing config file must mean absent")
	}
}

func TestQEMUDefineCreateArguments(t *testing.T) {
	runner := newFakeRunner()
	d := NewQEMU(runner, "tank", telemetry.NopLogger())

	spec := lxcSpec(func(s *config.ResourceSpec) {
		s.ID = 1001
		s.Kind = config.KindVM
		s.Image = "local:iso/ubuntu-24.04.iso"
	})
	if err := d.Define(context.Background(), spec); err != nil {
		t.Fatalf("Define failed: %v", err)
	}

	cmd := runner.sawPrefix("qm create 1001")
	if cmd == "" {
		t.Fatalf("no create issued, commands: %v", runner.commands)
	}
	for _, want := range []string{
		"--name api",
		"--net0 virtio,bridge=vmbr0",
		"--ipconfig0 ip=10.0.0.50/24,gw=10.0.0.1",
		"--scsi0 tank:16",
		"--cdrom local:iso/ubuntu-24.04.iso",
	} {
		if !strings.Contains(cmd, want) {
			t.Errorf("create %q missing %q", cmd, want)
		}
	}
}

func TestQEMUStripIdentitySkipsStoppedVM(t *testing.T) {
	runner := newFakeRunner()
	d := NewQEMU(runner, "", telemetry.NopLogger())

	runner.responses["qm status 1001"] = transport.Result{Stdout: "status: stopped"}
	if err := d.StripIdentity(context.Background(), 1001); err != nil {
		t.Fatalf("StripIdentity failed: %v", err)
	}
	if cmd := runner.sawPrefix("qm guest exec"); cmd != "" {
		t.Errorf("guest exec issued against a stopped vm: %q", cmd)
	}
}

func TestQEMUSnapshotAndTemplate(t *testing.T) {
	runner := newFakeRunner()
	d := NewQEMU(runner, "", telemetry.NopLogger())
	ctx := context.Background()

	if err := d.Snapshot(ctx, 1001, "final"); err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if err := d.ConvertToTemplate(ctx, 1001); err != nil {
		t.Fatalf("ConvertToTemplate failed: %v", err)
	}

	if runner.sawPrefix("qm snapshot 1001 final") == "" {
		t.Error("snapshot command not issued")
	}
	if runner.sawPrefix("qm template 1001") == "" {
		t.Error("template command not issued")
	}
}

func TestDryRunCapabilities(t *testing.T) {
	lxc := NewDryRun(config.KindLXC, telemetry.NopLogger())
	if _, ok := lxc.(engine.IdentityMapper); !ok {
		t.Error("dry-run container driver must carry the identity capability")
	}

	vm := NewDryRun(config.KindVM, telemetry.NopLogger())
	if _, ok := vm.(engine.IdentityMapper); ok {
		t.Error("dry-run vm driver must not carry the identity capability")
	}
}
