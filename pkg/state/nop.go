package state

import (
	"context"

	"github.com/phoenix-hypervisor/phoenix/pkg/config"
	"github.com/phoenix-hypervisor/phoenix/pkg/engine"
)

// NopStore discards all state. Dry runs use it so that simulating a batch
// leaves the real records untouched.
type NopStore struct{}

// Get always reports no record, so a dry run walks the full pipeline.
func (NopStore) Get(context.Context, int) (*engine.Record, error) { return nil, nil }

// SaveStage discards the stage.
func (NopStore) SaveStage(context.Context, int, config.Kind, engine.Stage) error { return nil }

// MarkFailed discards the failure.
func (NopStore) MarkFailed(context.Context, int, config.Kind, string) error { return nil }

// Delete discards the deletion.
func (NopStore) Delete(context.Context, int) error { return nil }

// List reports no records.
func (NopStore) List(context.Context) ([]*engine.Record, error) { return nil, nil }

// NopJournal discards runs and events.
type NopJournal struct{}

// BeginRun discards the run.
func (NopJournal) BeginRun(context.Context, *engine.Run) error { return nil }

// FinishRun discards the status.
func (NopJournal) FinishRun(context.Context, string, engine.RunStatus, string) error { return nil }

// AppendEvent discards the event.
func (NopJournal) AppendEvent(context.Context, *engine.Event) error { return nil }
