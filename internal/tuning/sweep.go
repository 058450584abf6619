package tuning

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"coiltrain/internal/model"
)

// SweepSpace bounds a random hyperparameter search over the optimizer
// schedule. Learning rates are sampled log-uniformly, decay levels
// uniformly.
type SweepSpace struct {
	MinRate       float64
	MaxRate       float64
	MinDecayLevel float64
	MaxDecayLevel float64
}

func DefaultSweepSpace() SweepSpace {
	return SweepSpace{
		MinRate:       1e-6,
		MaxRate:       1e-2,
		MinDecayLevel: 0.1,
		MaxDecayLevel: 0.9,
	}
}

func (s SweepSpace) validate() error {
	if !(s.MinRate > 0) || s.MaxRate < s.MinRate || math.IsInf(s.MaxRate, 0) {
		return fmt.Errorf("invalid rate range [%g, %g]", s.MinRate, s.MaxRate)
	}
	if !(s.MinDecayLevel > 0) || s.MaxDecayLevel < s.MinDecayLevel || s.MaxDecayLevel >= 1 {
		return fmt.Errorf("invalid decay level range [%g, %g]", s.MinDecayLevel, s.MaxDecayLevel)
	}
	return nil
}

// Sweep samples n variants of base. Cadence and threshold are kept from
// base; the floor is lowered when a sampled rate falls below it.
func Sweep(base model.OptimizerSchedule, space SweepSpace, n int, rng *rand.Rand) ([]model.OptimizerSchedule, error) {
	if rng == nil {
		return nil, errors.New("random source is required")
	}
	if n <= 0 {
		return nil, fmt.Errorf("sweep size must be > 0, got %d", n)
	}
	if err := space.validate(); err != nil {
		return nil, err
	}

	lo, hi := math.Log10(space.MinRate), math.Log10(space.MaxRate)
	variants := make([]model.OptimizerSchedule, 0, n)
	for i := 0; i < n; i++ {
		variant := base
		variant.LearningRate = math.Pow(10, lo+rng.Float64()*(hi-lo))
		variant.DecayLevel = space.MinDecayLevel + rng.Float64()*(space.MaxDecayLevel-space.MinDecayLevel)
		if variant.Floor > variant.LearningRate {
			variant.Floor = variant.LearningRate
		}
		if err := ValidateOptimizer(variant); err != nil {
			return nil, fmt.Errorf("variant %d: %w", i, err)
		}
		variants = append(variants, variant)
	}
	return variants, nil
}
