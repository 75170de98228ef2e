package rounds

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Driver is whatever a pool worker holds while extracting: an
// external browser process, an http session... the coordinator only
// needs to recycle it on retirement and close it when done.
type Driver interface {
	Recycle(ctx context.Context) error
	Close(ctx context.Context) error
}

type Options struct {
	// retry rounds including the first full pass, defaults to 3
	Rounds int
	// wait between rounds so rate limits and upstream hiccups can
	// clear, defaults to 60s
	RoundPause time.Duration
	// concurrent pool workers, defaults to 4
	Workers int
	// ceiling on a single item attempt, defaults to 90s
	ItemTimeout time.Duration
	// attached to logs, spans and metrics
	StepName string

	// called once per pool worker before the first round, nil when
	// extraction needs no external driver
	AcquireDriver func(ctx context.Context, thread int) (Driver, error)
	// called after every executed round with its stats, e.g. to
	// persist them. never called concurrently.
	OnRoundStats func(ctx context.Context, stats RoundStats)
}

// Coordinator runs a step's working set through bounded retry
// rounds. round 1 attempts everything, later rounds re-attempt only
// items that came back zero-result or with a retryable error.
// successes are never re-attempted.
type Coordinator struct {
	rounds       int
	pause        time.Duration
	workers      int
	itemTimeout  time.Duration
	step         string
	acquire      func(ctx context.Context, thread int) (Driver, error)
	onRoundStats func(ctx context.Context, stats RoundStats)

	retireCh    chan struct{}
	retirements atomic.Int64
}

func New(opts Options) *Coordinator {
	rounds := opts.Rounds
	if rounds <= 0 {
		rounds = 3
	}
	pause := opts.RoundPause
	if pause <= 0 {
		pause = time.Second * 60
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}
	itemTimeout := opts.ItemTimeout
	if itemTimeout <= 0 {
		itemTimeout = time.Second * 90
	}
	return &Coordinator{
		rounds:       rounds,
		pause:        pause,
		workers:      workers,
		itemTimeout:  itemTimeout,
		step:         opts.StepName,
		acquire:      opts.AcquireDriver,
		onRoundStats: opts.OnRoundStats,
		retireCh:     make(chan struct{}, 1),
	}
}

// RetireOne asks the pool to recycle one worker's driver after it
// finishes its current item. requests never stack: while one is
// pending, further calls are dropped. safe to call from any
// goroutine, typically the memory guard's.
func (c *Coordinator) RetireOne() {
	select {
	case c.retireCh <- struct{}{}:
	default:
	}
}

func (c *Coordinator) Retirements() int {
	return int(c.retirements.Load())
}

type itemState struct {
	item      Item
	outcome   Outcome
	attempted bool
}

func (s *itemState) eligible() bool {
	return !s.attempted || s.outcome.Class != Success
}

// Run executes the full round schedule for `src` and reports the
// final outcome of every item. it returns an error only when the
// step as a whole failed: a fatal item error, a broken working set,
// or cancellation. exhausted items are not an error.
func (c *Coordinator) Run(ctx context.Context, src Source) (Result, error) {
	ctx, span := tracer.Start(ctx, "coordinator:Run", trace.WithAttributes(
		attribute.String("step", c.step),
	))
	defer span.End()

	result := Result{Outcomes: map[string]Outcome{}}

	items, err := src.WorkingSet(ctx)
	if err != nil {
		return result, fmt.Errorf("build working set: %w", err)
	}
	if len(items) == 0 {
		slog.InfoContext(ctx, "working set is empty, nothing to do", "step", c.step)
		return result, nil
	}

	states := make([]*itemState, 0, len(items))
	seen := map[string]bool{}
	for _, item := range items {
		if seen[item.Key] {
			return result, fmt.Errorf("working set contains duplicate key %q", item.Key)
		}
		seen[item.Key] = true
		states = append(states, &itemState{item: item})
	}
	result.Attempted = len(states)

	poolSize := c.workers
	if len(states) < poolSize {
		poolSize = len(states)
	}

	drivers, err := c.acquireDrivers(ctx, poolSize)
	if err != nil {
		return result, err
	}
	defer c.closeDrivers(context.WithoutCancel(ctx), drivers)

	fatals := src.FatalErrors()

	roundsUsed := 0
	for round := 1; round <= c.rounds; round++ {
		eligible := eligibleStates(states)
		if len(eligible) == 0 {
			break
		}
		if round > 1 {
			slog.InfoContext(
				ctx, "pausing before retry round",
				"step", c.step,
				"round", round,
				"eligible", len(eligible),
				"pause", c.pause,
			)
			select {
			case <-ctx.Done():
				c.finalize(&result, states, roundsUsed)
				return result, ctx.Err()
			case <-time.After(c.pause):
			}
		}

		stats, fatal := c.runPhase(ctx, src, eligible, drivers, round, PhaseRound, fatals)
		roundsUsed = round
		c.recordStats(ctx, &result, stats)

		if err := ctx.Err(); err != nil {
			c.finalize(&result, states, roundsUsed)
			return result, err
		}
		if fatal != nil {
			span.RecordError(fatal)
			c.finalize(&result, states, roundsUsed)
			return result, fatal
		}
	}

	unresolved := eligibleStates(states)
	if len(unresolved) > 0 {
		fallback := src.Fallback()
		if fallback != nil {
			slog.InfoContext(
				ctx, "handing exhausted items to fallback extractor",
				"step", c.step,
				"items", len(unresolved),
			)
			result.FallbackUsed = len(unresolved)

			stats, fatal := c.runPhase(ctx, fallback, unresolved, drivers, roundsUsed+1, PhaseFallback, fatals)
			c.recordStats(ctx, &result, stats)

			if err := ctx.Err(); err != nil {
				c.finalize(&result, states, roundsUsed)
				return result, err
			}
			if fatal != nil {
				span.RecordError(fatal)
				c.finalize(&result, states, roundsUsed)
				return result, fatal
			}
		}
	}

	c.finalize(&result, states, roundsUsed)
	slog.InfoContext(
		ctx, "retry rounds finished",
		"step", c.step,
		"attempted", result.Attempted,
		"succeeded", result.Succeeded,
		"zero_result", result.ZeroResult,
		"errored", result.Errored,
		"exhausted", result.Exhausted,
		"rounds_used", result.RoundsUsed,
		"fallback_used", result.FallbackUsed,
	)
	return result, nil
}

func (c *Coordinator) acquireDrivers(ctx context.Context, n int) ([]Driver, error) {
	if c.acquire == nil {
		return nil, nil
	}
	drivers := make([]Driver, 0, n)
	for thread := 0; thread < n; thread++ {
		drv, err := c.acquire(ctx, thread)
		if err != nil {
			c.closeDrivers(context.WithoutCancel(ctx), drivers)
			return nil, fmt.Errorf("acquire driver for worker %d: %w", thread, err)
		}
		drivers = append(drivers, drv)
	}
	return drivers, nil
}

func (c *Coordinator) closeDrivers(ctx context.Context, drivers []Driver) {
	for _, drv := range drivers {
		err := drv.Close(ctx)
		if err != nil {
			slog.Warn("failed to close worker driver", "step", c.step, "err", err)
		}
	}
}

func eligibleStates(states []*itemState) []*itemState {
	var out []*itemState
	for _, st := range states {
		if st.eligible() {
			out = append(out, st)
		}
	}
	return out
}

// runPhase pushes one round's eligible items through the worker
// pool. items are dispatched one at a time so a single slow item
// cannot hold up anything but its own worker. the returned error is
// non-nil only for a fatal item error.
func (c *Coordinator) runPhase(
	ctx context.Context,
	ex Extractor,
	eligible []*itemState,
	drivers []Driver,
	round int,
	phase string,
	fatals []error,
) (RoundStats, error) {
	ctx, span := tracer.Start(ctx, "coordinator:runPhase", trace.WithAttributes(
		attribute.String("step", c.step),
		attribute.Int("round", round),
		attribute.String("phase", phase),
		attribute.Int("eligible", len(eligible)),
	))
	defer span.End()

	stats := RoundStats{Round: round, Phase: phase, StartedAt: time.Now()}

	poolSize := c.workers
	if len(eligible) < poolSize {
		poolSize = len(eligible)
	}

	phaseCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var fatalOnce sync.Once
	var fatalErr error
	trip := func(key string, cause error) {
		fatalOnce.Do(func() {
			fatalErr = &FatalError{Key: key, Cause: cause}
			cancel()
		})
	}

	itemCh := make(chan *itemState)
	go func() {
		defer close(itemCh)
		for _, st := range eligible {
			select {
			case itemCh <- st:
			case <-phaseCtx.Done():
				return
			}
		}
	}()

	attempted := atomic.Int64{}
	var wg sync.WaitGroup
	for thread := 0; thread < poolSize; thread++ {
		var drv Driver
		if drivers != nil {
			drv = drivers[thread]
		}

		wg.Add(1)
		go func(thread int, drv Driver) {
			defer wg.Done()
			for st := range itemCh {
				c.maybeRetire(phaseCtx, thread, drv)

				if phaseCtx.Err() != nil {
					return
				}

				outcome := c.extractOne(phaseCtx, ex, drv, st.item)
				st.outcome = outcome
				st.attempted = true
				attempted.Add(1)

				itemOutcomeCounter.Add(ctx, 1, outcomeAttrs(c.step, phase, outcome.Class))
				if outcome.Class == Errored && isFatal(fatals, outcome.Err) {
					trip(st.item.Key, outcome.Err)
					return
				}
			}
		}(thread, drv)
	}
	wg.Wait()

	stats.Attempted = int(attempted.Load())
	for _, st := range eligible {
		if !st.attempted {
			continue
		}
		switch st.outcome.Class {
		case Success:
			stats.Succeeded++
		case ZeroResult:
			stats.ZeroResult++
		case Errored:
			stats.Errored++
		}
	}
	stats.EndedAt = time.Now()

	slog.InfoContext(
		ctx, "round finished",
		"step", c.step,
		"round", round,
		"phase", phase,
		"attempted", stats.Attempted,
		"succeeded", stats.Succeeded,
		"zero_result", stats.ZeroResult,
		"errored", stats.Errored,
	)
	return stats, fatalErr
}

// honors a pending retirement request by recycling this worker's
// driver before it takes another item.
func (c *Coordinator) maybeRetire(ctx context.Context, thread int, drv Driver) {
	select {
	case <-c.retireCh:
	default:
		return
	}

	c.retirements.Add(1)
	retirementCounter.Add(ctx, 1, stepAttrs(c.step))
	slog.InfoContext(
		ctx, "retiring worker driver",
		"step", c.step,
		"thread", thread,
	)
	if drv == nil {
		return
	}
	err := drv.Recycle(ctx)
	if err != nil {
		slog.Warn("failed to recycle worker driver",
			"step", c.step,
			"thread", thread,
			"err", err,
		)
	}
}

func (c *Coordinator) extractOne(ctx context.Context, ex Extractor, drv Driver, item Item) Outcome {
	itemCtx, cancel := context.WithTimeout(ctx, c.itemTimeout)
	defer cancel()

	outs, err := ex.Extract(itemCtx, drv, []Item{item})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("item attempt exceeded %s: %w", c.itemTimeout, err)
		}
		return Failed(item.Key, err)
	}
	for _, out := range outs {
		if out.Key != item.Key {
			continue
		}
		if out.Class == "" {
			return Failed(item.Key, fmt.Errorf("extractor returned an outcome without a class"))
		}
		return out
	}
	return Failed(item.Key, fmt.Errorf("extractor returned no outcome for item"))
}

func (c *Coordinator) recordStats(ctx context.Context, result *Result, stats RoundStats) {
	result.Rounds = append(result.Rounds, stats)
	if c.onRoundStats != nil {
		c.onRoundStats(ctx, stats)
	}
}

func (c *Coordinator) finalize(result *Result, states []*itemState, roundsUsed int) {
	result.RoundsUsed = roundsUsed
	result.Retirements = int(c.retirements.Load())
	result.Succeeded = 0
	result.ZeroResult = 0
	result.Errored = 0
	for _, st := range states {
		if !st.attempted {
			continue
		}
		result.Outcomes[st.item.Key] = st.outcome
		switch st.outcome.Class {
		case Success:
			result.Succeeded++
		case ZeroResult:
			result.ZeroResult++
		case Errored:
			result.Errored++
		}
	}
	result.Exhausted = result.ZeroResult + result.Errored
}
