package tuning

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"

	"coiltrain/internal/model"
)

var ErrCoordinatorStopped = errors.New("coordinator stopped")

// RateUpdate is broadcast to subscribers after every applied report.
type RateUpdate struct {
	Iteration int
	Rate      float64
	Decayed   bool
}

type report struct {
	iteration int
	loss      float64
	reply     chan reportResult
}

type reportResult struct {
	step Step
	err  error
}

// Coordinator is the single writer of a Schedule when several workers
// train together. Workers submit losses with Report and read the rate
// from Rate or a subscription; only the Run goroutine touches the
// schedule.
type Coordinator struct {
	schedule *Schedule
	reports  chan report
	onStep   func(Step, model.ScheduleState) error
	rateBits atomic.Uint64

	mu   sync.Mutex
	subs map[int]chan RateUpdate
	next int

	done     chan struct{}
	stopOnce sync.Once
}

type CoordinatorOption func(*Coordinator)

// WithStepHook runs fn on the coordinator goroutine after every step with
// the schedule snapshot taken right after it, before the new rate is
// broadcast. A hook error is returned to the reporting worker.
func WithStepHook(fn func(Step, model.ScheduleState) error) CoordinatorOption {
	return func(c *Coordinator) {
		c.onStep = fn
	}
}

func NewCoordinator(schedule *Schedule, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		schedule: schedule,
		reports:  make(chan report),
		subs:     make(map[int]chan RateUpdate),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	c.rateBits.Store(math.Float64bits(schedule.Rate()))
	return c
}

// Run applies reports in arrival order until ctx is cancelled. Subscriber
// channels are closed when Run returns.
func (c *Coordinator) Run(ctx context.Context) error {
	defer c.stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r := <-c.reports:
			prev := c.schedule.State()
			step, err := c.schedule.Observe(r.iteration, r.loss)
			if err == nil && c.onStep != nil {
				if err = c.onStep(step, c.schedule.State()); err != nil {
					// The step was never persisted, so the iteration may be retried.
					c.schedule.restore(prev)
				}
			}
			if err == nil {
				c.rateBits.Store(math.Float64bits(step.Rate))
				c.broadcast(RateUpdate{Iteration: step.Iteration, Rate: step.Rate, Decayed: len(step.Events) > 0})
			}
			r.reply <- reportResult{step: step, err: err}
		}
	}
}

// Report submits the loss for an iteration and waits until the
// coordinator has applied it.
func (c *Coordinator) Report(ctx context.Context, iteration int, loss float64) (Step, error) {
	reply := make(chan reportResult, 1)
	select {
	case <-ctx.Done():
		return Step{}, ctx.Err()
	case <-c.done:
		return Step{}, ErrCoordinatorStopped
	case c.reports <- report{iteration: iteration, loss: loss, reply: reply}:
	}
	select {
	case <-ctx.Done():
		return Step{}, ctx.Err()
	case res := <-reply:
		return res.step, res.err
	}
}

// Rate returns the most recently applied learning rate.
func (c *Coordinator) Rate() float64 {
	return math.Float64frombits(c.rateBits.Load())
}

// Subscribe returns a channel carrying the latest rate update. Slow
// subscribers only ever see the newest update. The returned cancel func
// detaches the subscription.
func (c *Coordinator) Subscribe() (<-chan RateUpdate, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan RateUpdate, 1)
	select {
	case <-c.done:
		close(ch)
		return ch, func() {}
	default:
	}
	id := c.next
	c.next++
	c.subs[id] = ch
	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if sub, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(sub)
		}
	}
}

func (c *Coordinator) broadcast(update RateUpdate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.subs {
		select {
		case <-ch:
		default:
		}
		ch <- update
	}
}

func (c *Coordinator) stop() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		close(c.done)
		for id, ch := range c.subs {
			delete(c.subs, id)
			close(ch)
		}
	})
}
