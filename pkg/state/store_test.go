package state

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/phoenix-hypervisor/phoenix/pkg/config"
	"github.com/phoenix-hypervisor/phoenix/pkg/engine"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "state.db")
	store, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSaveStageRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.SaveStage(ctx, 950, config.KindLXC, engine.StageRunning); err != nil {
		t.Fatalf("SaveStage failed: %v", err)
	}

	rec, err := store.Get(ctx, 950)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec == nil {
		t.Fatal("expected a record")
	}
	if rec.ID != 950 || rec.Kind != config.KindLXC || rec.Stage != engine.StageRunning {
		t.Errorf("record = %+v", rec)
	}
	if rec.UpdatedAt.IsZero() {
		t.Error("updated_at not set")
	}
}

func TestGetMissingRecordReturnsNil(t *testing.T) {
	store := openTestStore(t)

	rec, err := store.Get(context.Background(), 999)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec != nil {
		t.Errorf("record = %+v, want nil", rec)
	}
}

func TestSaveStageClearsPreviousFailure(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.MarkFailed(ctx, 950, config.KindLXC, "stage configured: pct set failed"); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}

	rec, _ := store.Get(ctx, 950)
	if rec.Stage != engine.StageFailed || !strings.Contains(rec.LastError, "pct set") {
		t.Fatalf("record = %+v, want failed with cause", rec)
	}

	if err := store.SaveStage(ctx, 950, config.KindLXC, engine.StageConfigured); err != nil {
		t.Fatalf("SaveStage failed: %v", err)
	}

	rec, _ = store.Get(ctx, 950)
	if rec.Stage != engine.StageConfigured {
		t.Errorf("stage = %s, want configured", rec.Stage)
	}
	if rec.LastError != "" {
		t.Errorf("last_error = %q, want cleared", rec.LastError)
	}
}

func TestListOrdersByID(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_ = store.SaveStage(ctx, 1001, config.KindVM, engine.StageCompleted)
	_ = store.SaveStage(ctx, 950, config.KindLXC, engine.StageDefined)
	_ = store.SaveStage(ctx, 951, config.KindLXC, engine.StageRunning)

	records, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	want := []int{950, 951, 1001}
	if len(records) != len(want) {
		t.Fatalf("got %d records, want %d", len(records), len(want))
	}
	for i, rec := range records {
		if rec.ID != want[i] {
			t.Errorf("records[%d].ID = %d, want %d", i, rec.ID, want[i])
		}
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_ = store.SaveStage(ctx, 950, config.KindLXC, engine.StageDefined)
	if err := store.Delete(ctx, 950); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if rec, _ := store.Get(ctx, 950); rec != nil {
		t.Errorf("record = %+v, want deleted", rec)
	}
	if err := store.Delete(ctx, 950); err != nil {
		t.Fatalf("second Delete failed: %v", err)
	}
}

func TestRunJournalLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	run := &engine.Run{
		ID:        uuid.New().String(),
		Requested: 3,
		Status:    engine.RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	if err := store.BeginRun(ctx, run); err != nil {
		t.Fatalf("BeginRun failed: %v", err)
	}

	for i, msg := range []string{"stage defined established", "stage running established"} {
		event := &engine.Event{
			RunID:      run.ID,
			ResourceID: 950,
			Stage:      "defined",
			Message:    msg,
			Timestamp:  time.Now().UTC().Add(time.Duration(i) * time.Second),
		}
		if err := store.AppendEvent(ctx, event); err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
		if event.ID == 0 {
			t.Error("event ID not assigned")
		}
	}

	if err := store.FinishRun(ctx, run.ID, engine.RunStatusFailed, "1 failed, 0 skipped"); err != nil {
		t.Fatalf("FinishRun failed: %v", err)
	}

	got, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.Status != engine.RunStatusFailed || got.CompletedAt == nil {
		t.Errorf("run = %+v, want finished failed", got)
	}
	if got.Error != "1 failed, 0 skipped" {
		t.Errorf("error = %q", got.Error)
	}

	events, err := store.EventsForRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("EventsForRun failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].ID >= events[1].ID {
		t.Error("events not in append order")
	}
}

func TestFinishUnknownRunFails(t *testing.T) {
	store := openTestStore(t)

	err := store.FinishRun(context.Background(), "no-such-run", engine.RunStatusCompleted, "")
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected run not found error, got: %v", err)
	}
}

func TestRecordsSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()

	store, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	_ = store.SaveStage(ctx, 950, config.KindLXC, engine.StageVolumesApplied)
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	rec, err := reopened.Get(ctx, 950)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec == nil || rec.Stage != engine.StageVolumesApplied {
		t.Fatalf("record = %+v, want volumes-applied to survive reopen", rec)
	}
}
