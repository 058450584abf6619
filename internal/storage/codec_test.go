package storage

import (
	"errors"
	"math"
	"reflect"
	"strings"
	"testing"
	"time"

	"coiltrain/internal/model"
)

func TestRunCodecRoundTrip(t *testing.T) {
	run := testRun("r1", time.Date(2024, 1, 2, 3, 4, 5, 6, time.UTC))
	data, err := EncodeRun(run)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeRun(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(decoded, run) {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", decoded, run)
	}
}

func TestDecodeRejectsVersionMismatch(t *testing.T) {
	if _, err := DecodeRun([]byte(`{"schema_version":2,"codec_version":1,"id":"r1"}`)); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch for run, got %v", err)
	}
	if _, err := DecodeScheduleState([]byte(`{"schema_version":1,"codec_version":9}`)); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch for state, got %v", err)
	}
	if _, err := DecodeDecayEvent([]byte(`{"iteration":10}`)); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch for event, got %v", err)
	}
}

func TestDecayEventCodecNonFiniteLoss(t *testing.T) {
	event := model.DecayEvent{
		VersionedRecord: Versioned(),
		Iteration:       7,
		Trigger:         model.DecayTriggerStagnation,
		RateBefore:      0.1,
		RateAfter:       0.05,
		Loss:            math.Inf(1),
	}
	data, err := EncodeDecayEvent(event)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if strings.Contains(string(data), `"loss"`) {
		t.Fatalf("non-finite loss should be omitted: %s", data)
	}
	decoded, err := DecodeDecayEvent(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !math.IsNaN(decoded.Loss) || decoded.Iteration != 7 || decoded.Trigger != model.DecayTriggerStagnation {
		t.Fatalf("unexpected decoded event: %+v", decoded)
	}

	event.Loss = 0.125
	data, _ = EncodeDecayEvent(event)
	decoded, err = DecodeDecayEvent(data)
	if err != nil || decoded != event {
		t.Fatalf("finite loss should round trip: %+v err=%v", decoded, err)
	}
}

func TestScheduleStateCodecNegativeInfiniteBest(t *testing.T) {
	state := model.ScheduleState{
		VersionedRecord: Versioned(),
		Iteration:       4,
		Observed:        true,
		Rate:            0.05,
		BestLoss:        math.Inf(-1),
		HasBest:         true,
		DecayCount:      1,
	}
	data, err := EncodeScheduleState(state)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if strings.Contains(string(data), `"best_loss"`) {
		t.Fatalf("non-finite best loss should be omitted: %s", data)
	}
	decoded, err := DecodeScheduleState(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded != state {
		t.Fatalf("round trip mismatch: got %+v want %+v", decoded, state)
	}

	fresh := model.ScheduleState{VersionedRecord: Versioned(), Rate: 0.1}
	data, _ = EncodeScheduleState(fresh)
	decoded, err = DecodeScheduleState(data)
	if err != nil || decoded != fresh {
		t.Fatalf("state without a best loss should round trip: %+v err=%v", decoded, err)
	}

	state.BestLoss = 0.25
	data, _ = EncodeScheduleState(state)
	decoded, err = DecodeScheduleState(data)
	if err != nil || decoded != state {
		t.Fatalf("finite best loss should round trip: %+v err=%v", decoded, err)
	}
}
