package loss

import (
	"errors"
	"fmt"
	"sort"

	"coiltrain/internal/model"
)

var (
	ErrBranchIndex   = errors.New("active branch index out of range")
	ErrShapeMismatch = errors.New("prediction shape does not match policy")
)

// Outputs maps a control variable name to its value for one sample.
type Outputs map[string]float64

// Prediction holds every branch head's outputs for one sample plus the
// auxiliary head's scalar.
type Prediction struct {
	Branches  []Outputs
	Auxiliary float64
}

type Target struct {
	Outputs   Outputs
	Auxiliary float64
}

// Sample is one batch element with the command that selects its branch.
type Sample struct {
	Prediction Prediction
	Target     Target
	Command    int
}

// Breakdown reports the scalar loss and the terms it was assembled from.
// Variables holds metric*variable_weight per target before the branch
// weight is applied.
type Breakdown struct {
	Total     float64            `json:"total"`
	Branch    float64            `json:"branch"`
	Auxiliary float64            `json:"auxiliary"`
	Variables map[string]float64 `json:"variables"`
}

// Policy combines branch and variable weights into a single scalar loss.
// It is immutable and safe for concurrent use.
type Policy struct {
	metricName      string
	metric          MetricFunc
	branchWeights   []float64
	auxiliaryWeight float64
	targets         []string
	variableWeights map[string]float64
}

// NewPolicy builds the policy for a validated configuration.
func NewPolicy(cfg model.Config) (*Policy, error) {
	name, metric, err := GetMetric(cfg.Loss.LossFunction)
	if err != nil {
		return nil, err
	}
	branches := cfg.Model.Branches.NumberOfBranches
	if branches < 1 || len(cfg.Loss.BranchLossWeight) != branches+1 {
		return nil, fmt.Errorf("%w: %d branch weights for %d branches", ErrShapeMismatch, len(cfg.Loss.BranchLossWeight), branches)
	}
	targets := append([]string(nil), cfg.Model.Targets...)
	if len(targets) == 0 {
		for variable := range cfg.Loss.VariableWeight {
			targets = append(targets, variable)
		}
		sort.Strings(targets)
	}
	weights := make(map[string]float64, len(targets))
	for _, variable := range targets {
		w, ok := cfg.Loss.VariableWeight[variable]
		if !ok {
			return nil, fmt.Errorf("%w: no variable weight for %s", ErrShapeMismatch, variable)
		}
		weights[variable] = w
	}
	return &Policy{
		metricName:      name,
		metric:          metric,
		branchWeights:   append([]float64(nil), cfg.Loss.BranchLossWeight[:branches]...),
		auxiliaryWeight: cfg.Loss.BranchLossWeight[branches],
		targets:         targets,
		variableWeights: weights,
	}, nil
}

func (p *Policy) Metric() string { return p.metricName }

func (p *Policy) Branches() int { return len(p.branchWeights) }

// Compute scores one sample. Only the branch selected by active
// contributes its control loss; the auxiliary head always contributes.
func (p *Policy) Compute(pred Prediction, target Target, active int) (Breakdown, error) {
	if active < 0 || active >= len(p.branchWeights) {
		return Breakdown{}, fmt.Errorf("%w: %d not in [0,%d)", ErrBranchIndex, active, len(p.branchWeights))
	}
	if len(pred.Branches) != len(p.branchWeights) {
		return Breakdown{}, fmt.Errorf("%w: %d branch outputs for %d branches", ErrShapeMismatch, len(pred.Branches), len(p.branchWeights))
	}

	out := Breakdown{Variables: make(map[string]float64, len(p.targets))}
	selected := pred.Branches[active]
	raw := 0.0
	for _, variable := range p.targets {
		predicted, ok := selected[variable]
		if !ok {
			return Breakdown{}, fmt.Errorf("%w: branch %d missing output %s", ErrShapeMismatch, active, variable)
		}
		expected, ok := target.Outputs[variable]
		if !ok {
			return Breakdown{}, fmt.Errorf("%w: target missing output %s", ErrShapeMismatch, variable)
		}
		term := p.metric(predicted, expected) * p.variableWeights[variable]
		out.Variables[variable] = term
		raw += term
	}
	out.Branch = raw * p.branchWeights[active]
	out.Auxiliary = p.metric(pred.Auxiliary, target.Auxiliary) * p.auxiliaryWeight
	out.Total = out.Branch + out.Auxiliary
	return out, nil
}

// ComputeBatch averages Compute over samples. Any invalid sample fails the
// whole batch.
func (p *Policy) ComputeBatch(samples []Sample) (Breakdown, error) {
	if len(samples) == 0 {
		return Breakdown{}, errors.New("empty batch")
	}
	sum := Breakdown{Variables: make(map[string]float64, len(p.targets))}
	for i, sample := range samples {
		b, err := p.Compute(sample.Prediction, sample.Target, sample.Command)
		if err != nil {
			return Breakdown{}, fmt.Errorf("sample %d: %w", i, err)
		}
		sum.Total += b.Total
		sum.Branch += b.Branch
		sum.Auxiliary += b.Auxiliary
		for variable, v := range b.Variables {
			sum.Variables[variable] += v
		}
	}
	n := float64(len(samples))
	sum.Total /= n
	sum.Branch /= n
	sum.Auxiliary /= n
	for variable := range sum.Variables {
		sum.Variables[variable] /= n
	}
	return sum, nil
}
