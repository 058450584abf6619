package coiltrain

import (
	"context"

	"go.uber.org/zap"

	"coiltrain/internal/loss"
	"coiltrain/internal/model"
	"coiltrain/internal/nn"
	"coiltrain/internal/sim"
	"coiltrain/internal/storage"
	"coiltrain/internal/tuning"
)

// Session drives one training run. Losses reported through Step are
// applied by a single coordinator goroutine, which persists every decay
// event and the schedule snapshot before the new rate is published, so
// any number of workers may call Step and Subscribe concurrently.
type Session struct {
	run    model.RunRecord
	store  storage.Store
	logger *zap.Logger

	coord  *tuning.Coordinator
	next   int
	policy *loss.Policy
	heads  []nn.Head
	aux    nn.Head
	sim    sim.Params

	// persistCtx bounds store writes made from the coordinator goroutine.
	persistCtx context.Context
	cancel     context.CancelFunc
	done       chan struct{}
}

func newSession(run model.RunRecord, schedule *tuning.Schedule, next int, store storage.Store, logger *zap.Logger) (*Session, error) {
	cfg := run.Config
	arch, err := nn.GetArchitecture(cfg.Model.ModelType)
	if err != nil {
		return nil, err
	}
	heads, err := nn.BuildHeads(cfg.Model.Branches, arch, cfg.Model.Targets)
	if err != nil {
		return nil, err
	}
	aux, err := nn.AuxiliaryHead(cfg.Model.Branches, arch)
	if err != nil {
		return nil, err
	}
	policy, err := loss.NewPolicy(cfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		run:        run,
		store:      store,
		logger:     logger.With(zap.String("run_id", run.ID)),
		next:       next,
		policy:     policy,
		heads:      heads,
		aux:        aux,
		sim:        sim.NewParams(cfg.Simulation),
		persistCtx: ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	s.coord = tuning.NewCoordinator(schedule, tuning.WithStepHook(s.persist))
	go func() {
		defer close(s.done)
		_ = s.coord.Run(ctx)
	}()
	return s, nil
}

// persist runs on the coordinator goroutine, which owns the schedule.
func (s *Session) persist(step tuning.Step, state model.ScheduleState) error {
	if len(step.Events) > 0 {
		if err := s.store.AppendDecayEvents(s.persistCtx, s.run.ID, step.Events); err != nil {
			s.logger.Error("persist decay events failed", zap.Int("iteration", step.Iteration), zap.Error(err))
			return err
		}
	}
	if err := s.store.SaveScheduleState(s.persistCtx, s.run.ID, state); err != nil {
		s.logger.Error("persist schedule state failed", zap.Int("iteration", step.Iteration), zap.Error(err))
		return err
	}
	return nil
}

func (s *Session) ID() string { return s.run.ID }

func (s *Session) Config() model.Config { return s.run.Config }

// NextIteration is the first iteration the run had not reported when the
// session was opened.
func (s *Session) NextIteration() int { return s.next }

// Step reports the training loss of an iteration and returns the rate to
// use from now on.
func (s *Session) Step(ctx context.Context, iteration int, lossValue float64) (tuning.Step, error) {
	return s.coord.Report(ctx, iteration, lossValue)
}

func (s *Session) Rate() float64 {
	return s.coord.Rate()
}

// Subscribe delivers the latest rate after each applied step.
func (s *Session) Subscribe() (<-chan tuning.RateUpdate, func()) {
	return s.coord.Subscribe()
}

// Loss scores a batch with the run's loss weighting policy.
func (s *Session) Loss(samples []loss.Sample) (loss.Breakdown, error) {
	return s.policy.ComputeBatch(samples)
}

// Heads returns the command branch heads in branch_loss_weight order.
func (s *Session) Heads() []nn.Head {
	out := make([]nn.Head, len(s.heads))
	copy(out, s.heads)
	return out
}

func (s *Session) AuxiliaryHead() nn.Head { return s.aux }

func (s *Session) Simulation() sim.Params { return s.sim }

// WarmStart plans which pretrained parameters the heads can take over.
func (s *Session) WarmStart(pretrained map[string][]int) nn.WarmStartPlan {
	shapes := nn.ParameterShapes(append(s.Heads(), s.aux)...)
	return nn.PlanWarmStart(s.run.Config.Model.PreTrained, shapes, pretrained)
}

// Close stops the coordinator. Steps reported afterwards fail with
// tuning.ErrCoordinatorStopped.
func (s *Session) Close() error {
	s.cancel()
	<-s.done
	return nil
}
