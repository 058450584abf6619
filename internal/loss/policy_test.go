package loss

import (
	"errors"
	"math"
	"testing"

	"coiltrain/internal/model"
)

func referenceConfig() model.Config {
	return model.Config{
		Model: model.ModelConfiguration{
			ModelType: "coil-icra",
			Targets:   []string{"Steer", "Gas", "Brake"},
			Branches: model.BranchSpec{
				NumberOfBranches: 4,
				Neurons:          []int{256, 256},
				Dropouts:         []float64{0, 0.5},
			},
		},
		Loss: model.LossPolicy{
			BranchLossWeight: []float64{0.95, 0.95, 0.95, 0.95, 0.05},
			LossFunction:     "L1",
			VariableWeight:   map[string]float64{"Steer": 0.5, "Gas": 0.45, "Brake": 0.05},
		},
	}
}

func uniformPrediction(branches int, aux float64) Prediction {
	pred := Prediction{Branches: make([]Outputs, branches), Auxiliary: aux}
	for i := range pred.Branches {
		pred.Branches[i] = Outputs{"Steer": 0, "Gas": 0, "Brake": 0}
	}
	return pred
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestComputeWeightsActiveAndAuxiliaryBranches(t *testing.T) {
	policy, err := NewPolicy(referenceConfig())
	if err != nil {
		t.Fatalf("new policy: %v", err)
	}

	pred := uniformPrediction(4, 0.4)
	pred.Branches[2] = Outputs{"Steer": 0.2, "Gas": 0.6, "Brake": 0.0}
	target := Target{Outputs: Outputs{"Steer": 0.0, "Gas": 1.0, "Brake": 1.0}, Auxiliary: 0.0}

	got, err := policy.Compute(pred, target, 2)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	raw := 0.2*0.5 + 0.4*0.45 + 1.0*0.05
	if !almostEqual(got.Branch, 0.95*raw) {
		t.Fatalf("branch term got=%f want=%f", got.Branch, 0.95*raw)
	}
	if !almostEqual(got.Auxiliary, 0.05*0.4) {
		t.Fatalf("auxiliary term got=%f want=%f", got.Auxiliary, 0.05*0.4)
	}
	if !almostEqual(got.Total, 0.95*raw+0.05*0.4) {
		t.Fatalf("total got=%f", got.Total)
	}
	if !almostEqual(got.Variables["Gas"], 0.4*0.45) {
		t.Fatalf("gas term got=%f", got.Variables["Gas"])
	}
}

func TestComputeAlwaysIncludesAuxiliary(t *testing.T) {
	policy, err := NewPolicy(referenceConfig())
	if err != nil {
		t.Fatalf("new policy: %v", err)
	}
	pred := uniformPrediction(4, 1.0)
	target := Target{Outputs: Outputs{"Steer": 0, "Gas": 0, "Brake": 0}, Auxiliary: 0.0}
	for active := 0; active < 4; active++ {
		got, err := policy.Compute(pred, target, active)
		if err != nil {
			t.Fatalf("compute branch %d: %v", active, err)
		}
		if !almostEqual(got.Total, 0.05) || got.Branch != 0 {
			t.Fatalf("branch %d: expected only auxiliary term, got %+v", active, got)
		}
	}
}

func TestComputeIgnoresInactiveBranches(t *testing.T) {
	policy, err := NewPolicy(referenceConfig())
	if err != nil {
		t.Fatalf("new policy: %v", err)
	}
	pred := uniformPrediction(4, 0)
	pred.Branches[0] = Outputs{"Steer": 9, "Gas": 9, "Brake": 9}
	target := Target{Outputs: Outputs{"Steer": 0, "Gas": 0, "Brake": 0}}

	got, err := policy.Compute(pred, target, 1)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if got.Total != 0 {
		t.Fatalf("inactive branch leaked into loss: %+v", got)
	}
}

func TestComputeRejectsOutOfRangeBranch(t *testing.T) {
	policy, err := NewPolicy(referenceConfig())
	if err != nil {
		t.Fatalf("new policy: %v", err)
	}
	pred := uniformPrediction(4, 0)
	target := Target{Outputs: Outputs{"Steer": 0, "Gas": 0, "Brake": 0}}
	for _, active := range []int{-1, 4, 5} {
		if _, err := policy.Compute(pred, target, active); !errors.Is(err, ErrBranchIndex) {
			t.Fatalf("active=%d: expected ErrBranchIndex, got %v", active, err)
		}
	}
}

func TestComputeRejectsShapeMismatch(t *testing.T) {
	policy, err := NewPolicy(referenceConfig())
	if err != nil {
		t.Fatalf("new policy: %v", err)
	}
	target := Target{Outputs: Outputs{"Steer": 0, "Gas": 0, "Brake": 0}}

	if _, err := policy.Compute(uniformPrediction(3, 0), target, 0); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch for branch count, got %v", err)
	}
	pred := uniformPrediction(4, 0)
	pred.Branches[1] = Outputs{"Steer": 0}
	if _, err := policy.Compute(pred, target, 1); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch for missing output, got %v", err)
	}
}

func TestComputeBatchAveragesSamples(t *testing.T) {
	policy, err := NewPolicy(referenceConfig())
	if err != nil {
		t.Fatalf("new policy: %v", err)
	}
	zero := Target{Outputs: Outputs{"Steer": 0, "Gas": 0, "Brake": 0}}
	first := uniformPrediction(4, 0)
	first.Branches[0]["Steer"] = 1
	second := uniformPrediction(4, 2)

	got, err := policy.ComputeBatch([]Sample{
		{Prediction: first, Target: zero, Command: 0},
		{Prediction: second, Target: zero, Command: 3},
	})
	if err != nil {
		t.Fatalf("compute batch: %v", err)
	}
	want := (0.95*0.5 + 0.05*2) / 2
	if !almostEqual(got.Total, want) {
		t.Fatalf("batch total got=%f want=%f", got.Total, want)
	}

	if _, err := policy.ComputeBatch(nil); err == nil {
		t.Fatal("expected empty batch error")
	}
	if _, err := policy.ComputeBatch([]Sample{{Prediction: first, Target: zero, Command: 7}}); !errors.Is(err, ErrBranchIndex) {
		t.Fatalf("expected ErrBranchIndex from batch, got %v", err)
	}
}

func TestNewPolicyRejectsWeightLength(t *testing.T) {
	cfg := referenceConfig()
	cfg.Loss.BranchLossWeight = []float64{0.95, 0.95, 0.95, 0.95}
	if _, err := NewPolicy(cfg); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}
}
