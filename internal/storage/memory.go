package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"coiltrain/internal/model"
)

type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	runs        map[string]model.RunRecord
	states      map[string]model.ScheduleState
	events      map[string][]model.DecayEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return nil
	}
	s.initialized = true
	s.runs = make(map[string]model.RunRecord)
	s.states = make(map[string]model.ScheduleState)
	s.events = make(map[string][]model.DecayEvent)
	return nil
}

func (s *MemoryStore) SaveRun(_ context.Context, run model.RunRecord) error {
	if err := checkVersion(run.VersionedRecord); err != nil {
		return fmt.Errorf("save run %s: %w", run.ID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return ErrNotInitialized
	}
	run.Config = cloneConfig(run.Config)
	s.runs[run.ID] = run
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (model.RunRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return model.RunRecord{}, false, ErrNotInitialized
	}
	run, ok := s.runs[id]
	if !ok {
		return model.RunRecord{}, false, nil
	}
	run.Config = cloneConfig(run.Config)
	return run, true, nil
}

func (s *MemoryStore) ListRuns(_ context.Context) ([]model.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return nil, ErrNotInitialized
	}
	runs := make([]model.RunRecord, 0, len(s.runs))
	for _, run := range s.runs {
		run.Config = cloneConfig(run.Config)
		runs = append(runs, run)
	}
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].CreatedAt.Before(runs[j].CreatedAt)
		}
		return runs[i].ID < runs[j].ID
	})
	return runs, nil
}

func (s *MemoryStore) SaveScheduleState(_ context.Context, runID string, state model.ScheduleState) error {
	if err := checkVersion(state.VersionedRecord); err != nil {
		return fmt.Errorf("save schedule state %s: %w", runID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return ErrNotInitialized
	}
	if _, ok := s.runs[runID]; !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	s.states[runID] = state
	return nil
}

func (s *MemoryStore) GetScheduleState(_ context.Context, runID string) (model.ScheduleState, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return model.ScheduleState{}, false, ErrNotInitialized
	}
	state, ok := s.states[runID]
	return state, ok, nil
}

func (s *MemoryStore) AppendDecayEvents(_ context.Context, runID string, events []model.DecayEvent) error {
	for _, event := range events {
		if err := checkVersion(event.VersionedRecord); err != nil {
			return fmt.Errorf("append decay events %s: %w", runID, err)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return ErrNotInitialized
	}
	if _, ok := s.runs[runID]; !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	for _, event := range events {
		if hasDecayEvent(s.events[runID], event) {
			continue
		}
		s.events[runID] = append(s.events[runID], event)
	}
	return nil
}

func (s *MemoryStore) GetDecayEvents(_ context.Context, runID string) ([]model.DecayEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return nil, ErrNotInitialized
	}
	if _, ok := s.runs[runID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return append([]model.DecayEvent(nil), s.events[runID]...), nil
}

func cloneConfig(cfg model.Config) model.Config {
	out := cfg
	out.Model.Targets = append([]string(nil), cfg.Model.Targets...)
	out.Model.Branches.Neurons = append([]int(nil), cfg.Model.Branches.Neurons...)
	out.Model.Branches.Dropouts = append([]float64(nil), cfg.Model.Branches.Dropouts...)
	out.Loss.BranchLossWeight = append([]float64(nil), cfg.Loss.BranchLossWeight...)
	if cfg.Loss.VariableWeight != nil {
		out.Loss.VariableWeight = make(map[string]float64, len(cfg.Loss.VariableWeight))
		for k, v := range cfg.Loss.VariableWeight {
			out.Loss.VariableWeight[k] = v
		}
	}
	return out
}

func hasDecayEvent(stored []model.DecayEvent, event model.DecayEvent) bool {
	for _, e := range stored {
		if e.Iteration == event.Iteration && e.Trigger == event.Trigger {
			return true
		}
	}
	return false
}
