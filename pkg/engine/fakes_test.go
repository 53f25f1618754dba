package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/phoenix-hypervisor/phoenix/pkg/config"
)

// fakeSource serves specs straight from a map.
type fakeSource struct {
	specs map[int]*config.ResourceSpec
}

func (s *fakeSource) Get(id int) (*config.ResourceSpec, error) {
	spec, ok := s.specs[id]
	if !ok {
		return nil, fmt.Errorf("resource %d is not declared", id)
	}
	return spec, nil
}

func (s *fakeSource) Specs() map[int]*config.ResourceSpec {
	return s.specs
}

// fakeDriver simulates a hypervisor backend in memory. Mutations update
// the simulated host state so later inspections observe them. It does not
// implement IdentityMapper; fakeContainerDriver adds that capability.
type fakeDriver struct {
	kind       config.Kind
	calls      []string
	failOn     map[string]error
	hooks      map[string]func()
	exists     map[int]bool
	configured map[int]bool
	volumes    map[int]bool
	running    map[int]bool
	stripped   map[int]bool
	templated  map[int]bool
	snapshots  map[int][]string
}

func newFakeDriver(kind config.Kind) *fakeDriver {
	return &fakeDriver{
		kind:       kind,
		failOn:     make(map[string]error),
		hooks:      make(map[string]func()),
		exists:     make(map[int]bool),
		configured: make(map[int]bool),
		volumes:    make(map[int]bool),
		running:    make(map[int]bool),
		stripped:   make(map[int]bool),
		templated:  make(map[int]bool),
		snapshots:  make(map[int][]string),
	}
}

func (d *fakeDriver) record(op string, id int) error {
	d.calls = append(d.calls, fmt.Sprintf("%s:%d", op, id))
	if h := d.hooks[op]; h != nil {
		h()
	}
	return d.failOn[op]
}

func (d *fakeDriver) callsNamed(op string) int {
	n := 0
	for _, c := range d.calls {
		if len(c) > len(op) && c[:len(op)] == op && c[len(op)] == ':' {
			n++
		}
	}
	return n
}

func (d *fakeDriver) Kind() config.Kind { return d.kind }

func (d *fakeDriver) Exists(_ context.Context, id int) (bool, error) {
	if err := d.record("exists", id); err != nil {
		return false, err
	}
	return d.exists[id], nil
}

func (d *fakeDriver) Define(_ context.Context, spec *config.ResourceSpec) error {
	if err := d.record("define", spec.ID); err != nil {
		return err
	}
	d.exists[spec.ID] = true
	return nil
}

func (d *fakeDriver) Configured(_ context.Context, spec *config.ResourceSpec) (bool, error) {
	if err := d.record("configured", spec.ID); err != nil {
		return false, err
	}
	return d.configured[spec.ID], nil
}

func (d *fakeDriver) Configure(_ context.Context, spec *config.ResourceSpec) error {
	if err := d.record("configure", spec.ID); err != nil {
		return err
	}
	d.configured[spec.ID] = true
	return nil
}

func (d *fakeDriver) VolumesApplied(_ context.Context, spec *config.ResourceSpec) (bool, error) {
	if err := d.record("volumes_applied", spec.ID); err != nil {
		return false, err
	}
	if len(spec.Volumes) == 0 {
		return true, nil
	}
	return d.volumes[spec.ID], nil
}

func (d *fakeDriver) ApplyVolumes(_ context.Context, spec *config.ResourceSpec) error {
	if err := d.record("apply_volumes", spec.ID); err != nil {
		return err
	}
	d.volumes[spec.ID] = true
	return nil
}

func (d *fakeDriver) Running(_ context.Context, id int) (bool, error) {
	if err := d.record("running", id); err != nil {
		return false, err
	}
	return d.running[id], nil
}

func (d *fakeDriver) Start(_ context.Context, id int) error {
	if err := d.record("start", id); err != nil {
		return err
	}
	d.running[id] = true
	return nil
}

func (d *fakeDriver) Stop(_ context.Context, id int) error {
	if err := d.record("stop", id); err != nil {
		return err
	}
	d.running[id] = false
	return nil
}

func (d *fakeDriver) Destroy(_ context.Context, id int) error {
	if err := d.record("destroy", id); err != nil {
		return err
	}
	d.exists[id] = false
	return nil
}

func (d *fakeDriver) Snapshot(_ context.Context, id int, name string) error {
	if err := d.record("snapshot", id); err != nil {
		return err
	}
	d.snapshots[id] = append(d.snapshots[id], name)
	return nil
}

func (d *fakeDriver) StripIdentity(_ context.Context, id int) error {
	if err := d.record("strip_identity", id); err != nil {
		return err
	}
	d.stripped[id] = true
	return nil
}

func (d *fakeDriver) ConvertToTemplate(_ context.Context, id int) error {
	if err := d.record("convert_to_template", id); err != nil {
		return err
	}
	d.templated[id] = true
	return nil
}

// fakeContainerDriver adds the identity mapping capability. The mapping
// artifact appears on first start when mapOnStart is set, mimicking a
// runtime that writes it during container boot.
type fakeContainerDriver struct {
	*fakeDriver
	idmapped   map[int]bool
	mapOnStart bool
}

func newFakeContainerDriver() *fakeContainerDriver {
	return &fakeContainerDriver{
		fakeDriver: newFakeDriver(config.KindLXC),
		idmapped:   make(map[int]bool),
		mapOnStart: true,
	}
}

func (d *fakeContainerDriver) Start(ctx context.Context, id int) error {
	if err := d.fakeDriver.Start(ctx, id); err != nil {
		return err
	}
	if d.mapOnStart {
		d.idmapped[id] = true
	}
	return nil
}

func (d *fakeContainerDriver) IdentityMapped(_ context.Context, id int) (bool, error) {
	if err := d.record("identity_mapped", id); err != nil {
		return false, err
	}
	return d.idmapped[id], nil
}

// memStore keeps stage records in memory.
type memStore struct {
	recs map[int]*Record
}

func newMemStore() *memStore {
	return &memStore{recs: make(map[int]*Record)}
}

func (s *memStore) Get(_ context.Context, id int) (*Record, error) {
	rec, ok := s.recs[id]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (s *memStore) SaveStage(_ context.Context, id int, kind config.Kind, stage Stage) error {
	s.recs[id] = &Record{ID: id, Kind: kind, Stage: stage, UpdatedAt: time.Now()}
	return nil
}

func (s *memStore) MarkFailed(_ context.Context, id int, kind config.Kind, cause string) error {
	s.recs[id] = &Record{ID: id, Kind: kind, Stage: StageFailed, UpdatedAt: time.Now(), LastError: cause}
	return nil
}

func (s *memStore) Delete(_ context.Context, id int) error {
	delete(s.recs, id)
	return nil
}

func (s *memStore) List(_ context.Context) ([]*Record, error) {
	ids := make([]int, 0, len(s.recs))
	for id := range s.recs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]*Record, 0, len(ids))
	for _, id := range ids {
		cp := *s.recs[id]
		out = append(out, &cp)
	}
	return out, nil
}

// memJournal keeps runs and events in memory.
type memJournal struct {
	runs   map[string]*Run
	events []*Event
}

func newMemJournal() *memJournal {
	return &memJournal{runs: make(map[string]*Run)}
}

func (j *memJournal) BeginRun(_ context.Context, run *Run) error {
	cp := *run
	j.runs[run.ID] = &cp
	return nil
}

func (j *memJournal) FinishRun(_ context.Context, runID string, status RunStatus, errMsg string) error {
	run, ok := j.runs[runID]
	if !ok {
		return fmt.Errorf("run not found: %s", runID)
	}
	now := time.Now()
	run.Status = status
	run.Error = errMsg
	run.CompletedAt = &now
	return nil
}

func (j *memJournal) AppendEvent(_ context.Context, event *Event) error {
	cp := *event
	cp.ID = int64(len(j.events) + 1)
	j.events = append(j.events, &cp)
	return nil
}

// fakeInvoker records feature and app invocations.
type fakeInvoker struct {
	invoked []string
	failOn  string
}

func (f *fakeInvoker) Invoke(_ context.Context, spec *config.ResourceSpec, feature string) error {
	f.invoked = append(f.invoked, fmt.Sprintf("%s@%d", feature, spec.ID))
	if feature == f.failOn {
		return fmt.Errorf("feature %s exited with code 1", feature)
	}
	return nil
}

func (f *fakeInvoker) RunApp(_ context.Context, spec *config.ResourceSpec) error {
	f.invoked = append(f.invoked, fmt.Sprintf("app@%d", spec.ID))
	return nil
}

// fakeProber answers a scripted sequence of probe results, then keeps
// returning the last one.
type fakeProber struct {
	results  []bool
	output   string
	attempts int
}

func (p *fakeProber) Probe(_ context.Context, _ *config.ResourceSpec, _ *config.HealthCheck) (bool, string, error) {
	idx := p.attempts
	p.attempts++
	if idx >= len(p.results) {
		idx = len(p.results) - 1
	}
	if idx < 0 {
		return false, p.output, nil
	}
	return p.results[idx], p.output, nil
}
