package tuning

import (
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"coiltrain/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var (
	ErrInvalidSchedule = errors.New("invalid learning rate schedule")
	ErrIterationOrder  = errors.New("iterations must be strictly increasing")
)

// Schedule is the learning-rate decay state machine. It decays the rate
// on a fixed iteration cadence and whenever the loss has not improved for
// Threshold consecutive observations. The rate never increases.
//
// A Schedule is owned by a single training loop and is not safe for
// concurrent use; use a Coordinator to share one across workers.
type Schedule struct {
	opt    model.OptimizerSchedule
	logger *zap.Logger

	rate      float64
	bestLoss  float64
	hasBest   bool
	since     int
	iteration int
	observed  bool
	decays    int
}

// Step is the outcome of one observation.
type Step struct {
	Iteration int                `json:"iteration"`
	Rate      float64            `json:"rate"`
	Improved  bool               `json:"improved"`
	Events    []model.DecayEvent `json:"events,omitempty"`
}

type ScheduleOption func(*Schedule)

func WithLogger(logger *zap.Logger) ScheduleOption {
	return func(s *Schedule) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewSchedule(opt model.OptimizerSchedule, opts ...ScheduleOption) (*Schedule, error) {
	if err := ValidateOptimizer(opt); err != nil {
		return nil, err
	}
	s := &Schedule{
		opt:      opt,
		logger:   zap.NewNop(),
		rate:     opt.LearningRate,
		bestLoss: math.Inf(1),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// RestoreSchedule resumes a schedule from a persisted snapshot.
func RestoreSchedule(opt model.OptimizerSchedule, state model.ScheduleState, opts ...ScheduleOption) (*Schedule, error) {
	s, err := NewSchedule(opt, opts...)
	if err != nil {
		return nil, err
	}
	if state.SchemaVersion != CurrentSchemaVersion || state.CodecVersion != CurrentCodecVersion {
		return nil, fmt.Errorf("%w: state version schema=%d codec=%d", ErrInvalidSchedule, state.SchemaVersion, state.CodecVersion)
	}
	if state.Rate <= 0 || state.Rate > opt.LearningRate || state.Rate < opt.Floor {
		return nil, fmt.Errorf("%w: restored rate %g outside [%g, %g]", ErrInvalidSchedule, state.Rate, opt.Floor, opt.LearningRate)
	}
	if state.IterationsSinceImprovement < 0 || state.Iteration < 0 || state.DecayCount < 0 {
		return nil, fmt.Errorf("%w: negative counters in restored state", ErrInvalidSchedule)
	}
	s.restore(state)
	return s, nil
}

// restore overwrites the mutable state with a snapshot taken by State.
func (s *Schedule) restore(state model.ScheduleState) {
	s.rate = state.Rate
	s.iteration = state.Iteration
	s.observed = state.Observed || state.Iteration > 0 || state.HasBest
	s.since = state.IterationsSinceImprovement
	s.decays = state.DecayCount
	s.bestLoss = math.Inf(1)
	s.hasBest = false
	if state.HasBest {
		s.bestLoss = state.BestLoss
		s.hasBest = true
	}
}

// ValidateOptimizer checks the optimizer invariants a schedule relies on.
func ValidateOptimizer(opt model.OptimizerSchedule) error {
	switch {
	case !(opt.LearningRate > 0) || math.IsInf(opt.LearningRate, 0):
		return fmt.Errorf("%w: learning_rate must be > 0, got %g", ErrInvalidSchedule, opt.LearningRate)
	case opt.DecayInterval <= 0:
		return fmt.Errorf("%w: learning_rate_decay_interval must be > 0, got %d", ErrInvalidSchedule, opt.DecayInterval)
	case opt.Threshold <= 0:
		return fmt.Errorf("%w: learning_rate_threshold must be > 0, got %d", ErrInvalidSchedule, opt.Threshold)
	case !(opt.DecayLevel > 0 && opt.DecayLevel < 1):
		return fmt.Errorf("%w: learning_rate_decay_level must be in (0,1), got %g", ErrInvalidSchedule, opt.DecayLevel)
	case opt.Floor < 0 || opt.Floor > opt.LearningRate:
		return fmt.Errorf("%w: learning_rate_floor must be in [0, learning_rate], got %g", ErrInvalidSchedule, opt.Floor)
	}
	return nil
}

func (s *Schedule) Rate() float64 { return s.rate }

// NextIteration is the smallest iteration Observe will accept.
func (s *Schedule) NextIteration() int {
	if !s.observed {
		return 0
	}
	return s.iteration + 1
}

// Observe feeds the loss of training iteration t. Improvement bookkeeping
// runs first, then the cadence trigger (t > 0 and t divisible by the
// decay interval), then the stagnation trigger. Both triggers may fire in
// the same iteration and compound.
func (s *Schedule) Observe(iteration int, loss float64) (Step, error) {
	if iteration < 0 || (s.observed && iteration <= s.iteration) {
		return Step{}, fmt.Errorf("%w: got %d after %d", ErrIterationOrder, iteration, s.iteration)
	}
	s.iteration = iteration
	s.observed = true

	step := Step{Iteration: iteration}
	// NaN never compares below the best loss and counts as no improvement.
	if loss < s.bestLoss {
		s.bestLoss = loss
		s.hasBest = true
		s.since = 0
		step.Improved = true
	} else {
		s.since++
	}

	if iteration > 0 && iteration%s.opt.DecayInterval == 0 {
		step.Events = append(step.Events, s.decay(model.DecayTriggerCadence, loss))
	}
	if s.since >= s.opt.Threshold {
		step.Events = append(step.Events, s.decay(model.DecayTriggerStagnation, loss))
		s.since = 0
	}
	step.Rate = s.rate
	return step, nil
}

func (s *Schedule) decay(trigger model.DecayTrigger, loss float64) model.DecayEvent {
	before := s.rate
	after := before * s.opt.DecayLevel
	if s.opt.Floor > 0 && after < s.opt.Floor {
		after = s.opt.Floor
	}
	s.rate = after
	s.decays++
	s.logger.Info("learning rate decayed",
		zap.Int("iteration", s.iteration),
		zap.String("trigger", string(trigger)),
		zap.Float64("rate_before", before),
		zap.Float64("rate_after", after),
	)
	return model.DecayEvent{
		VersionedRecord: model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion},
		Iteration:       s.iteration,
		Trigger:         trigger,
		RateBefore:      before,
		RateAfter:       after,
		Loss:            loss,
	}
}

// State snapshots the mutable part of the schedule.
func (s *Schedule) State() model.ScheduleState {
	state := model.ScheduleState{
		VersionedRecord:            model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion},
		Iteration:                  s.iteration,
		Observed:                   s.observed,
		Rate:                       s.rate,
		HasBest:                    s.hasBest,
		IterationsSinceImprovement: s.since,
		DecayCount:                 s.decays,
	}
	if s.hasBest {
		state.BestLoss = s.bestLoss
	}
	return state
}
