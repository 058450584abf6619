package storage

import (
	"context"
	"errors"

	"coiltrain/internal/model"
)

var (
	ErrRunNotFound    = errors.New("run not found")
	ErrNotInitialized = errors.New("store is not initialized")
)

// Store persists training runs: the validated configuration a run started
// with, the latest learning-rate schedule snapshot and the decay events
// applied so far. Implementations are safe for concurrent use.
type Store interface {
	Init(ctx context.Context) error
	SaveRun(ctx context.Context, run model.RunRecord) error
	GetRun(ctx context.Context, id string) (model.RunRecord, bool, error)
	// ListRuns returns every run ordered by creation time, then ID.
	ListRuns(ctx context.Context) ([]model.RunRecord, error)
	SaveScheduleState(ctx context.Context, runID string, state model.ScheduleState) error
	GetScheduleState(ctx context.Context, runID string) (model.ScheduleState, bool, error)
	// AppendDecayEvents adds events after those already stored for the run.
	// An event whose iteration and trigger are already stored is skipped, so
	// a step whose persist failed halfway can be written again.
	AppendDecayEvents(ctx context.Context, runID string, events []model.DecayEvent) error
	GetDecayEvents(ctx context.Context, runID string) ([]model.DecayEvent, error)
}
