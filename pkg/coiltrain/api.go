package coiltrain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"coiltrain/internal/config"
	"coiltrain/internal/model"
	"coiltrain/internal/storage"
	"coiltrain/internal/tuning"
)

const defaultDBPath = "coiltrain.db"

var ErrRunNotFound = storage.ErrRunNotFound

type Options struct {
	StoreKind string
	DBPath    string
	// Logger receives config warnings and schedule events. Nil discards.
	Logger           *zap.Logger
	AllowUnknownKeys bool
}

type Client struct {
	store        storage.Store
	logger       *zap.Logger
	allowUnknown bool
	now          func() time.Time
}

type RunsRequest struct {
	Limit int
}

// RunItem summarizes a stored run together with its latest schedule
// snapshot.
type RunItem struct {
	RunID        string
	CreatedAtUTC string
	ModelType    string
	LossFunction string
	Branches     int
	Iteration    int
	Rate         float64
	DecayCount   int
}

func New(opts Options) (*Client, error) {
	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = storage.DefaultStoreKind()
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	store, err := storage.NewStore(storeKind, dbPath)
	if err != nil {
		return nil, err
	}

	return &Client{
		store:        store,
		logger:       logger,
		allowUnknown: opts.AllowUnknownKeys,
		now:          time.Now,
	}, nil
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

func (c *Client) Init(ctx context.Context) error {
	return c.store.Init(ctx)
}

func (c *Client) configOptions() []config.Option {
	return []config.Option{config.WithLogger(c.logger), config.WithAllowUnknownKeys(c.allowUnknown)}
}

func (c *Client) LoadConfig(path string) (model.Config, error) {
	return config.LoadFile(path, c.configOptions()...)
}

// Validate runs a configuration built in code through the same checks a
// loaded document gets.
func (c *Client) Validate(cfg model.Config) (model.Config, error) {
	data, err := config.Marshal(cfg)
	if err != nil {
		return model.Config{}, err
	}
	return config.Load(data, c.configOptions()...)
}

// StartRun validates cfg, records a new run and returns a session ready to
// receive losses from iteration 0.
func (c *Client) StartRun(ctx context.Context, cfg model.Config) (*Session, error) {
	validated, err := c.Validate(cfg)
	if err != nil {
		return nil, err
	}
	if err := c.Init(ctx); err != nil {
		return nil, err
	}

	run := model.RunRecord{
		VersionedRecord: storage.Versioned(),
		ID:              uuid.NewString(),
		CreatedAt:       c.now().UTC(),
		Config:          validated,
	}
	schedule, err := tuning.NewSchedule(validated.Optimizer, tuning.WithLogger(c.logger.With(zap.String("run_id", run.ID))))
	if err != nil {
		return nil, err
	}
	if err := c.store.SaveRun(ctx, run); err != nil {
		return nil, fmt.Errorf("save run %s: %w", run.ID, err)
	}
	if err := c.store.SaveScheduleState(ctx, run.ID, schedule.State()); err != nil {
		return nil, fmt.Errorf("save schedule state %s: %w", run.ID, err)
	}
	c.logger.Info("run started",
		zap.String("run_id", run.ID),
		zap.String("model_type", validated.Model.ModelType),
		zap.Float64("learning_rate", validated.Optimizer.LearningRate),
	)
	return newSession(run, schedule, 0, c.store, c.logger)
}

// ResumeRun reopens a stored run at its last persisted schedule snapshot.
func (c *Client) ResumeRun(ctx context.Context, runID string) (*Session, error) {
	if err := c.Init(ctx); err != nil {
		return nil, err
	}
	run, ok, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	logger := c.logger.With(zap.String("run_id", run.ID))
	state, ok, err := c.store.GetScheduleState(ctx, runID)
	if err != nil {
		return nil, err
	}
	var schedule *tuning.Schedule
	if ok {
		schedule, err = tuning.RestoreSchedule(run.Config.Optimizer, state, tuning.WithLogger(logger))
	} else {
		schedule, err = tuning.NewSchedule(run.Config.Optimizer, tuning.WithLogger(logger))
	}
	if err != nil {
		return nil, fmt.Errorf("restore schedule %s: %w", runID, err)
	}
	c.logger.Info("run resumed",
		zap.String("run_id", run.ID),
		zap.Int("iteration", state.Iteration),
		zap.Float64("rate", schedule.Rate()),
	)
	return newSession(run, schedule, schedule.NextIteration(), c.store, c.logger)
}

// Runs lists stored runs, newest first.
func (c *Client) Runs(ctx context.Context, req RunsRequest) ([]RunItem, error) {
	if req.Limit <= 0 {
		req.Limit = 20
	}
	if err := c.Init(ctx); err != nil {
		return nil, err
	}

	runs, err := c.store.ListRuns(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]RunItem, 0, min(len(runs), req.Limit))
	for i := len(runs) - 1; i >= 0 && len(out) < req.Limit; i-- {
		run := runs[i]
		item := RunItem{
			RunID:        run.ID,
			CreatedAtUTC: run.CreatedAt.UTC().Format(time.RFC3339),
			ModelType:    run.Config.Model.ModelType,
			LossFunction: run.Config.Loss.LossFunction,
			Branches:     run.Config.Model.Branches.NumberOfBranches,
			Rate:         run.Config.Optimizer.LearningRate,
		}
		state, ok, err := c.store.GetScheduleState(ctx, run.ID)
		if err != nil {
			return nil, err
		}
		if ok {
			item.Iteration = state.Iteration
			item.Rate = state.Rate
			item.DecayCount = state.DecayCount
		}
		out = append(out, item)
	}
	return out, nil
}

func (c *Client) DecayHistory(ctx context.Context, runID string) ([]model.DecayEvent, error) {
	if runID == "" {
		return nil, errors.New("run id is required")
	}
	if err := c.Init(ctx); err != nil {
		return nil, err
	}
	return c.store.GetDecayEvents(ctx, runID)
}
