package engine

import (
	"context"
	"strings"
	"testing"

	"github.com/phoenix-hypervisor/phoenix/pkg/config"
)

// harness bundles an engine with the fakes behind it.
type harness struct {
	engine  *Engine
	source  *fakeSource
	lxc     *fakeContainerDriver
	vm      *fakeDriver
	store   *memStore
	journal *memJournal
	invoker *fakeInvoker
	prober  *fakeProber
}

func newHarness(t *testing.T, specs ...*config.ResourceSpec) *harness {
	t.Helper()

	source := &fakeSource{specs: make(map[int]*config.ResourceSpec)}
	for _, s := range specs {
		source.specs[s.ID] = s
	}

	h := &harness{
		source:  source,
		lxc:     newFakeContainerDriver(),
		vm:      newFakeDriver(config.KindVM),
		store:   newMemStore(),
		journal: newMemJournal(),
		invoker: &fakeInvoker{},
		prober:  &fakeProber{},
	}

	eng, err := NewEngine(Options{
		Config:   source,
		Drivers:  []Driver{h.lxc, h.vm},
		Store:    h.store,
		Journal:  h.journal,
		Features: h.invoker,
		Prober:   h.prober,
	})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	h.engine = eng
	return h
}

func containerSpec(id int, mut func(*config.ResourceSpec)) *config.ResourceSpec {
	spec := &config.ResourceSpec{
		ID:       id,
		Kind:     config.KindLXC,
		Name:     "test",
		Cores:    2,
		MemoryMB: 1024,
		Image:    "debian-12",
		Network:  config.Network{Bridge: "vmbr0", Address: "dhcp"},
	}
	if mut != nil {
		mut(spec)
	}
	return spec
}

func vmSpec(id int, mut func(*config.ResourceSpec)) *config.ResourceSpec {
	spec := containerSpec(id, nil)
	spec.Kind = config.KindVM
	if mut != nil {
		mut(spec)
	}
	return spec
}

func TestConvergeFreshContainerWalksAllStages(t *testing.T) {
	h := newHarness(t, containerSpec(950, nil))

	res := h.engine.Converge(context.Background(), 950)
	if res.Err != nil {
		t.Fatalf("converge failed: %v", res.Err)
	}
	if res.Outcome != OutcomeCompleted || res.Stage != StageCompleted {
		t.Fatalf("result = %+v, want completed", res)
	}

	rec, _ := h.store.Get(context.Background(), 950)
	if rec == nil || rec.Stage != StageCompleted {
		t.Fatalf("record = %+v, want completed stage persisted", rec)
	}

	for _, op := range []string{"define", "configure", "start"} {
		if h.lxc.callsNamed(op) == 0 {
			t.Errorf("driver never saw %s", op)
		}
	}
	if !h.lxc.running[950] {
		t.Error("container should be running after converge")
	}
}

func TestConvergeVMSkipsIdentityStage(t *testing.T) {
	h := newHarness(t, vmSpec(1001, nil))

	res := h.engine.Converge(context.Background(), 1001)
	if res.Err != nil {
		t.Fatalf("converge failed: %v", res.Err)
	}
	if h.vm.callsNamed("identity_mapped") != 0 {
		t.Error("vm driver must never be asked about identity mapping")
	}

	rec, _ := h.store.Get(context.Background(), 1001)
	if rec.Stage != StageCompleted {
		t.Fatalf("record stage = %s, want completed", rec.Stage)
	}
}

func TestConvergeCompletedResourceTouchesNothing(t *testing.T) {
	h := newHarness(t, containerSpec(950, nil))
	_ = h.store.SaveStage(context.Background(), 950, config.KindLXC, StageCompleted)

	res := h.engine.Converge(context.Background(), 950)
	if res.Outcome != OutcomeCompleted {
		t.Fatalf("result = %+v, want completed", res)
	}
	if len(h.lxc.calls) != 0 {
		t.Errorf("driver calls = %v, want none for completed resource", h.lxc.calls)
	}
}

func TestConvergeFastPathsOverExistingHostState(t *testing.T) {
	h := newHarness(t, containerSpec(950, nil))

	// The host already matches the spec, but no record exists.
	h.lxc.exists[950] = true
	h.lxc.configured[950] = true
	h.lxc.idmapped[950] = true
	h.lxc.running[950] = true

	res := h.engine.Converge(context.Background(), 950)
	if res.Err != nil {
		t.Fatalf("converge failed: %v", res.Err)
	}

	for _, op := range []string{"define", "configure", "apply_volumes", "start"} {
		if h.lxc.callsNamed(op) != 0 {
			t.Errorf("unexpected mutation %s on an already-converged host", op)
		}
	}

	rec, _ := h.store.Get(context.Background(), 950)
	if rec.Stage != StageCompleted {
		t.Fatalf("record stage = %s, want completed", rec.Stage)
	}
}

func TestConvergeResumesFromRecordedStage(t *testing.T) {
	spec := containerSpec(950, func(s *config.ResourceSpec) {
		s.Features = []string{"docker"}
	})
	h := newHarness(t, spec)
	_ = h.store.SaveStage(context.Background(), 950, config.KindLXC, StageRunning)

	res := h.engine.Converge(context.Background(), 950)
	if res.Err != nil {
		t.Fatalf("converge failed: %v", res.Err)
	}

	if h.lxc.callsNamed("exists") != 0 || h.lxc.callsNamed("define") != 0 {
		t.Errorf("stages before the recorded one must not re-run, calls: %v", h.lxc.calls)
	}
	if len(h.invoker.invoked) != 1 || h.invoker.invoked[0] != "docker@950" {
		t.Errorf("invoked = %v, want [docker@950]", h.invoker.invoked)
	}
}

func TestConvergeFailurePersistsStageAndCause(t *testing.T) {
	h := newHarness(t, containerSpec(950, nil))
	h.lxc.failOn["configure"] = errContext("pct set exited with code 255")

	res := h.engine.Converge(context.Background(), 950)
	if res.Outcome != OutcomeFailed {
		t.Fatalf("result = %+v, want failed", res)
	}
	if !IsDriver(res.Err) {
		t.Errorf("expected driver classification, got: %v", res.Err)
	}

	rec, _ := h.store.Get(context.Background(), 950)
	if rec.Stage != StageFailed {
		t.Fatalf("record stage = %s, want failed", rec.Stage)
	}
	if !strings.Contains(rec.LastError, "stage configured") {
		t.Errorf("cause %q does not name the stage", rec.LastError)
	}
	if !strings.Contains(rec.LastError, "255") {
		t.Errorf("cause %q does not carry the underlying error", rec.LastError)
	}
}

func TestConvergeRetriesAfterFailure(t *testing.T) {
	h := newHarness(t, containerSpec(950, nil))
	h.lxc.failOn["configure"] = errContext("transient hypervisor error")

	if res := h.engine.Converge(context.Background(), 950); res.Outcome != OutcomeFailed {
		t.Fatalf("first converge = %+v, want failed", res)
	}

	// The fault clears; the retry fast-forwards over the defined stage.
	delete(h.lxc.failOn, "configure")
	defines := h.lxc.callsNamed("define")

	res := h.engine.Converge(context.Background(), 950)
	if res.Outcome != OutcomeCompleted {
		t.Fatalf("retry = %+v, want completed", res)
	}
	if h.lxc.callsNamed("define") != defines {
		t.Error("retry must not redefine an existing resource")
	}
}

func TestIdentityVerificationCyclesOnce(t *testing.T) {
	h := newHarness(t, containerSpec(950, nil))

	res := h.engine.Converge(context.Background(), 950)
	if res.Err != nil {
		t.Fatalf("converge failed: %v", res.Err)
	}

	// One start/stop cycle for verification, one start for the running
	// stage.
	if got := h.lxc.callsNamed("stop"); got != 1 {
		t.Errorf("stop calls = %d, want exactly 1 verification cycle", got)
	}
	if got := h.lxc.callsNamed("start"); got != 2 {
		t.Errorf("start calls = %d, want verification cycle plus running stage", got)
	}
}

func TestIdentityVerificationFailureIsHostInvariant(t *testing.T) {
	h := newHarness(t, containerSpec(950, nil))
	h.lxc.mapOnStart = false

	res := h.engine.Converge(context.Background(), 950)
	if res.Outcome != OutcomeFailed {
		t.Fatalf("result = %+v, want failed", res)
	}
	if !IsHostInvariant(res.Err) {
		t.Errorf("expected host-invariant classification, got: %v", res.Err)
	}

	rec, _ := h.store.Get(context.Background(), 950)
	if !strings.Contains(rec.LastError, "identity mapping") {
		t.Errorf("cause %q does not describe the invariant", rec.LastError)
	}
}

func TestHealthGatePassesWithinBudget(t *testing.T) {
	spec := containerSpec(950, func(s *config.ResourceSpec) {
		s.Health = &config.HealthCheck{Command: []string{"true"}, Attempts: 3}
	})
	h := newHarness(t, spec)
	h.prober.results = []bool{false, false, true}

	res := h.engine.Converge(context.Background(), 950)
	if res.Err != nil {
		t.Fatalf("converge failed: %v", res.Err)
	}
	if h.prober.attempts != 3 {
		t.Errorf("attempts = %d, want 3", h.prober.attempts)
	}
}

func TestHealthGateExhaustionFailsWithLastOutput(t *testing.T) {
	spec := containerSpec(950, func(s *config.ResourceSpec) {
		s.Health = &config.HealthCheck{URL: "http://10.0.0.50/health", Attempts: 3}
	})
	h := newHarness(t, spec)
	h.prober.results = []bool{false}
	h.prober.output = "503 Service Unavailable"

	res := h.engine.Converge(context.Background(), 950)
	if res.Outcome != OutcomeFailed {
		t.Fatalf("result = %+v, want failed", res)
	}
	if !IsReadiness(res.Err) {
		t.Errorf("expected readiness classification, got: %v", res.Err)
	}
	if h.prober.attempts != 3 {
		t.Errorf("attempts = %d, want exactly the budget", h.prober.attempts)
	}

	rec, _ := h.store.Get(context.Background(), 950)
	if !strings.Contains(rec.LastError, "3 attempts") {
		t.Errorf("cause %q does not state the exhausted budget", rec.LastError)
	}
	if !strings.Contains(rec.LastError, "503") {
		t.Errorf("cause %q does not carry the last probe output", rec.LastError)
	}
}

func TestTemplateFinalization(t *testing.T) {
	spec := containerSpec(950, func(s *config.ResourceSpec) {
		s.Template = true
		s.Features = []string{"docker"}
		// A health gate on a template is ignored: the resource ends
		// powered off.
		s.Health = &config.HealthCheck{Command: []string{"true"}, Attempts: 1}
	})
	h := newHarness(t, spec)

	res := h.engine.Converge(context.Background(), 950)
	if res.Err != nil {
		t.Fatalf("converge failed: %v", res.Err)
	}

	if h.lxc.running[950] {
		t.Error("template must be quiesced")
	}
	if !h.lxc.stripped[950] {
		t.Error("template identity must be stripped")
	}
	if !h.lxc.templated[950] {
		t.Error("resource must be converted to a template")
	}
	snaps := h.lxc.snapshots[950]
	if len(snaps) != 1 || snaps[0] != "final" {
		t.Errorf("snapshots = %v, want [final]", snaps)
	}
	if h.prober.attempts != 0 {
		t.Error("health gate must not run for templates")
	}
	if len(h.invoker.invoked) != 1 {
		t.Errorf("features must still run before finalization, invoked = %v", h.invoker.invoked)
	}
}

func TestFeaturePipelineStopsAtFirstFailure(t *testing.T) {
	spec := containerSpec(950, func(s *config.ResourceSpec) {
		s.Features = []string{"base", "docker", "nvidia"}
	})
	h := newHarness(t, spec)
	h.invoker.failOn = "docker"

	res := h.engine.Converge(context.Background(), 950)
	if res.Outcome != OutcomeFailed {
		t.Fatalf("result = %+v, want failed", res)
	}
	if len(h.invoker.invoked) != 2 {
		t.Errorf("invoked = %v, want pipeline stopped after docker", h.invoker.invoked)
	}

	rec, _ := h.store.Get(context.Background(), 950)
	if rec.Stage != StageFailed || !strings.Contains(rec.LastError, "docker") {
		t.Errorf("record = %+v, want failure naming docker", rec)
	}
}

func TestBatchSkipsDependentsAndContinuesIndependents(t *testing.T) {
	a := containerSpec(950, nil)
	b := containerSpec(951, func(s *config.ResourceSpec) { s.DependsOn = []int{950} })
	c := vmSpec(1001, nil)
	h := newHarness(t, a, b, c)
	h.lxc.failOn["define"] = errContext("storage pool full")

	batch, err := h.engine.ConvergeBatch(context.Background(), []int{950, 951, 1001})
	if err != nil {
		t.Fatalf("ConvergeBatch failed: %v", err)
	}

	byID := make(map[int]ResourceResult)
	for _, r := range batch.Results {
		byID[r.ID] = r
	}
	if byID[950].Outcome != OutcomeFailed {
		t.Errorf("950 outcome = %s, want failed", byID[950].Outcome)
	}
	if byID[951].Outcome != OutcomeSkipped {
		t.Errorf("951 outcome = %s, want skipped", byID[951].Outcome)
	}
	if byID[1001].Outcome != OutcomeCompleted {
		t.Errorf("1001 outcome = %s, want completed", byID[1001].Outcome)
	}

	// A skip leaves no trace in the state tracker.
	if rec, _ := h.store.Get(context.Background(), 951); rec != nil {
		t.Errorf("skipped resource has record %+v, want none", rec)
	}

	run := h.journal.runs[batch.RunID]
	if run == nil || run.Status != RunStatusFailed {
		t.Errorf("run = %+v, want failed status", run)
	}
}

func TestBatchCycleAbortsBeforeSideEffects(t *testing.T) {
	a := containerSpec(950, func(s *config.ResourceSpec) { s.DependsOn = []int{951} })
	b := containerSpec(951, func(s *config.ResourceSpec) { s.DependsOn = []int{950} })
	h := newHarness(t, a, b)

	_, err := h.engine.ConvergeBatch(context.Background(), []int{950, 951})
	if err == nil || !IsConfig(err) {
		t.Fatalf("expected config error for cycle, got: %v", err)
	}
	if len(h.lxc.calls) != 0 {
		t.Errorf("driver calls = %v, want none before cycle detection", h.lxc.calls)
	}
	if len(h.journal.runs) != 0 {
		t.Error("no run must be journaled for an aborted batch")
	}
}

func TestCancellationBetweenStages(t *testing.T) {
	h := newHarness(t, containerSpec(950, nil))
	ctx, cancel := context.WithCancel(context.Background())
	h.lxc.hooks["define"] = cancel

	res := h.engine.Converge(ctx, 950)
	if res.Outcome != OutcomeSkipped || res.Reason != "cancelled" {
		t.Fatalf("result = %+v, want cancelled skip", res)
	}

	// The stage that finished before cancellation stays persisted.
	rec, _ := h.store.Get(context.Background(), 950)
	if rec == nil || rec.Stage != StageDefined {
		t.Fatalf("record = %+v, want defined stage preserved", rec)
	}
	if h.lxc.callsNamed("configure") != 0 {
		t.Error("no work may happen after cancellation")
	}
}

func TestDestroyRemovesResourceAndRecord(t *testing.T) {
	h := newHarness(t, containerSpec(950, nil))

	if res := h.engine.Converge(context.Background(), 950); res.Err != nil {
		t.Fatalf("converge failed: %v", res.Err)
	}
	if err := h.engine.Destroy(context.Background(), 950); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}

	if h.lxc.exists[950] {
		t.Error("resource still defined after destroy")
	}
	if rec, _ := h.store.Get(context.Background(), 950); rec != nil {
		t.Errorf("record = %+v, want deleted", rec)
	}
}

// errContext gives fake failures a recognizable text.
type errContext string

func (e errContext) Error() string { return string(e) }
