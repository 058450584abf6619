package storage

import (
	"context"
	"errors"
	"math"
	"reflect"
	"testing"
	"time"

	"coiltrain/internal/model"
)

func testConfig() model.Config {
	return model.Config{
		Model: model.ModelConfiguration{
			ModelType: "coil-icra",
			Targets:   []string{"Steer", "Gas", "Brake"},
			Branches:  model.BranchSpec{NumberOfBranches: 4, Neurons: []int{256, 256}, Dropouts: []float64{0, 0.5}},
		},
		Optimizer: model.OptimizerSchedule{LearningRate: 0.0002, DecayInterval: 50000, Threshold: 5000, DecayLevel: 0.5},
		Loss: model.LossPolicy{
			BranchLossWeight: []float64{0.95, 0.95, 0.95, 0.95, 0.05},
			LossFunction:     "L1",
			VariableWeight:   map[string]float64{"Steer": 0.5, "Gas": 0.45, "Brake": 0.05},
		},
		Simulation: model.SimulationParams{ImageCut: [2]int{90, 485}},
	}
}

func testRun(id string, created time.Time) model.RunRecord {
	return model.RunRecord{
		VersionedRecord: Versioned(),
		ID:              id,
		CreatedAt:       created,
		Config:          testConfig(),
	}
}

// exerciseStore runs the behaviour every backend shares.
func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	second := testRun("run-b", base.Add(time.Second))
	first := testRun("run-a", base)
	first.Config.Optimizer.Floor = 1e-6
	for _, run := range []model.RunRecord{second, first} {
		if err := store.SaveRun(ctx, run); err != nil {
			t.Fatalf("save run %s: %v", run.ID, err)
		}
	}

	got, ok, err := store.GetRun(ctx, "run-a")
	if err != nil || !ok {
		t.Fatalf("get run: ok=%t err=%v", ok, err)
	}
	if !reflect.DeepEqual(got.Config, first.Config) || !got.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("unexpected run: %+v", got)
	}
	got.Config.Model.Targets[0] = "mutated"
	again, _, _ := store.GetRun(ctx, "run-a")
	if again.Config.Model.Targets[0] != "Steer" {
		t.Fatal("stored run must not alias returned slices")
	}
	if _, ok, err := store.GetRun(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected missing run, got ok=%t err=%v", ok, err)
	}

	runs, err := store.ListRuns(ctx)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "run-a" || runs[1].ID != "run-b" {
		t.Fatalf("runs should be ordered by creation time: %+v", runs)
	}

	if _, ok, err := store.GetScheduleState(ctx, "run-a"); err != nil || ok {
		t.Fatalf("expected no schedule state yet, got ok=%t err=%v", ok, err)
	}
	state := model.ScheduleState{
		VersionedRecord:            Versioned(),
		Iteration:                  120,
		Rate:                       0.0001,
		BestLoss:                   0.25,
		HasBest:                    true,
		IterationsSinceImprovement: 3,
		DecayCount:                 1,
		Observed:                   true,
	}
	if err := store.SaveScheduleState(ctx, "run-a", state); err != nil {
		t.Fatalf("save schedule state: %v", err)
	}
	state.Iteration = 130
	if err := store.SaveScheduleState(ctx, "run-a", state); err != nil {
		t.Fatalf("overwrite schedule state: %v", err)
	}
	loadedState, ok, err := store.GetScheduleState(ctx, "run-a")
	if err != nil || !ok {
		t.Fatalf("get schedule state: ok=%t err=%v", ok, err)
	}
	if loadedState != state {
		t.Fatalf("unexpected schedule state: %+v", loadedState)
	}
	unbounded := state
	unbounded.BestLoss = math.Inf(-1)
	if err := store.SaveScheduleState(ctx, "run-b", unbounded); err != nil {
		t.Fatalf("save schedule state with -Inf best loss: %v", err)
	}
	if loaded, _, err := store.GetScheduleState(ctx, "run-b"); err != nil || !math.IsInf(loaded.BestLoss, -1) || !loaded.HasBest {
		t.Fatalf("expected -Inf best loss to survive, got %+v err=%v", loaded, err)
	}
	if err := store.SaveScheduleState(ctx, "missing", state); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}

	events, err := store.GetDecayEvents(ctx, "run-a")
	if err != nil || len(events) != 0 {
		t.Fatalf("expected no events yet, got %+v err=%v", events, err)
	}
	batch1 := []model.DecayEvent{{
		VersionedRecord: Versioned(), Iteration: 50, Trigger: model.DecayTriggerCadence, RateBefore: 0.0002, RateAfter: 0.0001, Loss: 0.4,
	}}
	batch2 := []model.DecayEvent{
		{VersionedRecord: Versioned(), Iteration: 100, Trigger: model.DecayTriggerCadence, RateBefore: 0.0001, RateAfter: 0.00005, Loss: 0.3},
		{VersionedRecord: Versioned(), Iteration: 100, Trigger: model.DecayTriggerStagnation, RateBefore: 0.00005, RateAfter: 0.000025, Loss: math.NaN()},
	}
	for _, batch := range [][]model.DecayEvent{batch1, batch2} {
		if err := store.AppendDecayEvents(ctx, "run-a", batch); err != nil {
			t.Fatalf("append decay events: %v", err)
		}
	}
	events, err = store.GetDecayEvents(ctx, "run-a")
	if err != nil {
		t.Fatalf("get decay events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %+v", events)
	}
	if events[0].Iteration != 50 || events[2].Trigger != model.DecayTriggerStagnation || events[2].RateAfter != 0.000025 {
		t.Fatalf("events out of order: %+v", events)
	}
	if !math.IsNaN(events[2].Loss) {
		t.Fatalf("expected NaN loss to survive, got %v", events[2].Loss)
	}
	if err := store.AppendDecayEvents(ctx, "run-a", batch2); err != nil {
		t.Fatalf("re-append decay events: %v", err)
	}
	if events, _ := store.GetDecayEvents(ctx, "run-a"); len(events) != 3 {
		t.Fatalf("re-appended events must not duplicate, got %d", len(events))
	}
	if err := store.AppendDecayEvents(ctx, "missing", batch1); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
	if _, err := store.GetDecayEvents(ctx, "missing"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}

	stale := testRun("run-stale", base)
	stale.SchemaVersion = CurrentSchemaVersion + 1
	if err := store.SaveRun(ctx, stale); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch, got %v", err)
	}
}
