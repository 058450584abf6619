package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"coiltrain/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var ErrVersionMismatch = errors.New("record version mismatch")

// Versioned returns the record header for the versions this package reads and writes.
func Versioned() model.VersionedRecord {
	return model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion}
}

func EncodeRun(run model.RunRecord) ([]byte, error) {
	return json.Marshal(run)
}

func DecodeRun(data []byte) (model.RunRecord, error) {
	var run model.RunRecord
	if err := json.Unmarshal(data, &run); err != nil {
		return model.RunRecord{}, err
	}
	if err := checkVersion(run.VersionedRecord); err != nil {
		return model.RunRecord{}, err
	}
	return run, nil
}

// scheduleStateWire omits a non-finite best loss. Only -Inf can be the
// best loss without being finite, so a missing value with has_best set
// decodes as -Inf.
type scheduleStateWire struct {
	model.ScheduleState
	BestLoss *float64 `json:"best_loss,omitempty"`
}

func EncodeScheduleState(state model.ScheduleState) ([]byte, error) {
	wire := scheduleStateWire{ScheduleState: state}
	if !math.IsNaN(state.BestLoss) && !math.IsInf(state.BestLoss, 0) {
		best := state.BestLoss
		wire.BestLoss = &best
	}
	return json.Marshal(wire)
}

func DecodeScheduleState(data []byte) (model.ScheduleState, error) {
	var wire scheduleStateWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return model.ScheduleState{}, err
	}
	if err := checkVersion(wire.VersionedRecord); err != nil {
		return model.ScheduleState{}, err
	}
	state := wire.ScheduleState
	switch {
	case wire.BestLoss != nil:
		state.BestLoss = *wire.BestLoss
	case state.HasBest:
		state.BestLoss = math.Inf(-1)
	}
	return state, nil
}

// decayEventWire drops non-finite losses, which JSON cannot carry. They
// decode back as NaN.
type decayEventWire struct {
	model.DecayEvent
	Loss *float64 `json:"loss,omitempty"`
}

func EncodeDecayEvent(event model.DecayEvent) ([]byte, error) {
	wire := decayEventWire{DecayEvent: event}
	if !math.IsNaN(event.Loss) && !math.IsInf(event.Loss, 0) {
		loss := event.Loss
		wire.Loss = &loss
	}
	return json.Marshal(wire)
}

func DecodeDecayEvent(data []byte) (model.DecayEvent, error) {
	var wire decayEventWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return model.DecayEvent{}, err
	}
	if err := checkVersion(wire.VersionedRecord); err != nil {
		return model.DecayEvent{}, err
	}
	event := wire.DecayEvent
	event.Loss = math.NaN()
	if wire.Loss != nil {
		event.Loss = *wire.Loss
	}
	return event, nil
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return fmt.Errorf("%w: schema=%d codec=%d", ErrVersionMismatch, v.SchemaVersion, v.CodecVersion)
	}
	return nil
}
