package rounds

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeSource scripts the class of each attempt per item key. the
// first attempt of key "x" takes script["x"][0], the second
// script["x"][1], and past the end the last entry repeats. keys
// without a script succeed immediately.
type fakeSource struct {
	items    []Item
	script   map[string][]Class
	errs     map[string]error
	fatals   []error
	fallback Extractor

	workingSetErr error
	extract       func(ctx context.Context, drv Driver, batch []Item) ([]Outcome, error)

	mu         sync.Mutex
	attempts   map[string]int
	driverSeen bool
}

func newFakeSource(items []Item) *fakeSource {
	return &fakeSource{
		items:    items,
		script:   map[string][]Class{},
		errs:     map[string]error{},
		attempts: map[string]int{},
	}
}

func (s *fakeSource) WorkingSet(ctx context.Context) ([]Item, error) {
	if s.workingSetErr != nil {
		return nil, s.workingSetErr
	}
	return s.items, nil
}

func (s *fakeSource) FatalErrors() []error { return s.fatals }

func (s *fakeSource) Fallback() Extractor { return s.fallback }

func (s *fakeSource) Extract(ctx context.Context, drv Driver, batch []Item) ([]Outcome, error) {
	if s.extract != nil {
		return s.extract(ctx, drv, batch)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	outs := make([]Outcome, 0, len(batch))
	for _, item := range batch {
		n := s.attempts[item.Key]
		s.attempts[item.Key]++
		if drv != nil {
			s.driverSeen = true
		}

		class := Success
		if script := s.script[item.Key]; len(script) > 0 {
			idx := n
			if idx >= len(script) {
				idx = len(script) - 1
			}
			class = script[idx]
		}

		switch class {
		case ZeroResult:
			outs = append(outs, NoResult(item.Key))
		case Errored:
			err := s.errs[item.Key]
			if err == nil {
				err = fmt.Errorf("scripted failure for %s", item.Key)
			}
			outs = append(outs, Failed(item.Key, err))
		default:
			outs = append(outs, Succeeded(item.Key))
		}
	}
	return outs, nil
}

func (s *fakeSource) attemptCount(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[key]
}

// a fallback extractor that always succeeds, counting its attempts
// into the source's tally so tests can see them.
func salvageAll(s *fakeSource) Extractor {
	return ExtractorFunc(func(ctx context.Context, drv Driver, batch []Item) ([]Outcome, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		outs := make([]Outcome, 0, len(batch))
		for _, item := range batch {
			s.attempts[item.Key]++
			outs = append(outs, Succeeded(item.Key))
		}
		return outs, nil
	})
}

type fakeDriver struct {
	recycles atomic.Int64
	closes   atomic.Int64
}

func (d *fakeDriver) Recycle(ctx context.Context) error { d.recycles.Add(1); return nil }

func (d *fakeDriver) Close(ctx context.Context) error { d.closes.Add(1); return nil }

func quickOptions() Options {
	return Options{
		Rounds:      3,
		RoundPause:  time.Millisecond,
		Workers:     4,
		ItemTimeout: time.Second * 5,
		StepName:    "extract",
	}
}

func TestRoundScheduleConvergence(t *testing.T) {
	ctx := context.Background()

	// 10 items: 6 land on the first pass, 3 only have data by the
	// second, and 1 stays broken until the fallback extractor takes
	// over.
	var items []Item
	for i := 0; i < 6; i++ {
		items = append(items, Item{Key: fmt.Sprintf("easy%d", i)})
	}
	for i := 0; i < 3; i++ {
		items = append(items, Item{Key: fmt.Sprintf("late%d", i)})
	}
	items = append(items, Item{Key: "stubborn"})

	src := newFakeSource(items)
	for i := 0; i < 3; i++ {
		src.script[fmt.Sprintf("late%d", i)] = []Class{ZeroResult, Success}
	}
	src.script["stubborn"] = []Class{Errored}
	src.fallback = salvageAll(src)

	var statCalls []RoundStats
	opts := quickOptions()
	opts.OnRoundStats = func(ctx context.Context, stats RoundStats) {
		statCalls = append(statCalls, stats)
	}

	result, err := New(opts).Run(ctx, src)
	if err != nil {
		t.Fatal(err)
	}

	require.Equal(t, 10, result.Attempted)
	require.Equal(t, 10, result.Succeeded)
	require.Equal(t, 0, result.Exhausted)
	require.Equal(t, 1, result.FallbackUsed)
	require.Equal(t, 3, result.RoundsUsed)
	require.Equal(t, Success, result.Outcomes["stubborn"].Class)

	require.Len(t, result.Rounds, 4)
	{
		first := result.Rounds[0]
		require.Equal(t, 1, first.Round)
		require.Equal(t, PhaseRound, first.Phase)
		require.Equal(t, 10, first.Attempted)
		require.Equal(t, 6, first.Succeeded)
		require.Equal(t, 3, first.ZeroResult)
		require.Equal(t, 1, first.Errored)
	}
	{
		second := result.Rounds[1]
		require.Equal(t, 2, second.Round)
		require.Equal(t, 4, second.Attempted)
		require.Equal(t, 3, second.Succeeded)
		require.Equal(t, 1, second.Errored)
	}
	{
		third := result.Rounds[2]
		require.Equal(t, 3, third.Round)
		require.Equal(t, 1, third.Attempted)
		require.Equal(t, 0, third.Succeeded)
	}
	{
		salvage := result.Rounds[3]
		require.Equal(t, PhaseFallback, salvage.Phase)
		require.Equal(t, 4, salvage.Round)
		require.Equal(t, 1, salvage.Attempted)
		require.Equal(t, 1, salvage.Succeeded)
	}

	// the retry set only ever shrinks
	for i := 1; i < len(result.Rounds); i++ {
		require.LessOrEqual(t, result.Rounds[i].Attempted, result.Rounds[i-1].Attempted)
	}

	// resolved items are left alone for the rest of the run
	for i := 0; i < 6; i++ {
		require.Equal(t, 1, src.attemptCount(fmt.Sprintf("easy%d", i)))
	}
	for i := 0; i < 3; i++ {
		require.Equal(t, 2, src.attemptCount(fmt.Sprintf("late%d", i)))
	}
	require.Equal(t, 4, src.attemptCount("stubborn"))

	require.Equal(t, 1.0, result.RecoveryRate())
	require.Len(t, statCalls, 4)
}

func TestFirstRoundResolvesEverything(t *testing.T) {
	ctx := context.Background()

	src := newFakeSource([]Item{{Key: "a"}, {Key: "b"}, {Key: "c"}})
	result, err := New(quickOptions()).Run(ctx, src)
	if err != nil {
		t.Fatal(err)
	}

	require.Equal(t, 3, result.Succeeded)
	require.Equal(t, 1, result.RoundsUsed)
	require.Len(t, result.Rounds, 1)
	for _, key := range []string{"a", "b", "c"} {
		require.Equal(t, 1, src.attemptCount(key))
	}
	require.Equal(t, 0.0, result.RecoveryRate())
}

func TestExhaustionIsNotAnError(t *testing.T) {
	ctx := context.Background()

	src := newFakeSource([]Item{{Key: "a"}, {Key: "b"}})
	src.script["a"] = []Class{Errored}
	src.script["b"] = []Class{ZeroResult}

	opts := quickOptions()
	opts.Rounds = 2

	result, err := New(opts).Run(ctx, src)
	if err != nil {
		t.Fatal(err)
	}

	require.Equal(t, 2, result.Exhausted)
	require.Equal(t, 1, result.Errored)
	require.Equal(t, 1, result.ZeroResult)
	require.Equal(t, 0, result.FallbackUsed)
	require.Equal(t, 2, result.RoundsUsed)
	require.Equal(t, 2, src.attemptCount("a"))
	require.Equal(t, 2, src.attemptCount("b"))
}

func TestFatalErrorAbortsTheStep(t *testing.T) {
	ctx := context.Background()
	errBlocked := errors.New("access blocked by upstream")

	src := newFakeSource([]Item{{Key: "first"}, {Key: "bad"}, {Key: "never"}})
	src.script["bad"] = []Class{Errored}
	src.errs["bad"] = fmt.Errorf("fetch detail: %w", errBlocked)
	src.fatals = []error{errBlocked}

	opts := quickOptions()
	opts.Workers = 1 // keep dispatch order deterministic

	result, err := New(opts).Run(ctx, src)
	if err == nil {
		t.Fatal("expected a fatal error")
	}

	var fatal *FatalError
	require.ErrorAs(t, err, &fatal)
	require.Equal(t, "bad", fatal.Key)
	require.ErrorIs(t, err, errBlocked)

	require.Equal(t, 1, result.RoundsUsed)
	require.Len(t, result.Rounds, 1)
	require.Equal(t, 1, src.attemptCount("first"))
	require.Equal(t, 0, src.attemptCount("never"))
}

func TestBatchErrorCountsAgainstItems(t *testing.T) {
	ctx := context.Background()

	src := newFakeSource([]Item{{Key: "a"}})
	src.extract = func(ctx context.Context, drv Driver, batch []Item) ([]Outcome, error) {
		src.mu.Lock()
		defer src.mu.Unlock()
		for _, item := range batch {
			src.attempts[item.Key]++
		}
		return nil, errors.New("session wrecked")
	}

	opts := quickOptions()
	opts.Rounds = 2

	result, err := New(opts).Run(ctx, src)
	if err != nil {
		t.Fatal(err)
	}

	require.Equal(t, 1, result.Errored)
	require.Equal(t, 1, result.Exhausted)
	require.Equal(t, 2, src.attemptCount("a"))
	require.ErrorContains(t, result.Outcomes["a"].Err, "session wrecked")
}

func TestItemTimeout(t *testing.T) {
	ctx := context.Background()

	src := newFakeSource([]Item{{Key: "slow"}})
	src.extract = func(ctx context.Context, drv Driver, batch []Item) ([]Outcome, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	opts := quickOptions()
	opts.Rounds = 1
	opts.ItemTimeout = time.Millisecond * 30

	result, err := New(opts).Run(ctx, src)
	if err != nil {
		t.Fatal(err)
	}

	require.Equal(t, 1, result.Errored)
	require.ErrorContains(t, result.Outcomes["slow"].Err, "exceeded")
}

func TestWorkingSetDuplicateKey(t *testing.T) {
	src := newFakeSource([]Item{{Key: "a"}, {Key: "a"}})
	_, err := New(quickOptions()).Run(context.Background(), src)
	require.ErrorContains(t, err, "duplicate key")
}

func TestWorkingSetFailure(t *testing.T) {
	src := newFakeSource(nil)
	src.workingSetErr = errors.New("db on fire")
	_, err := New(quickOptions()).Run(context.Background(), src)
	require.ErrorContains(t, err, "build working set")
}

func TestEmptyWorkingSet(t *testing.T) {
	src := newFakeSource(nil)
	result, err := New(quickOptions()).Run(context.Background(), src)
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, 0, result.Attempted)
	require.Empty(t, result.Rounds)
}

func TestRetireOneRecyclesASingleDriver(t *testing.T) {
	ctx := context.Background()

	var drivers []*fakeDriver
	var mu sync.Mutex

	src := newFakeSource([]Item{{Key: "a"}, {Key: "b"}, {Key: "c"}, {Key: "d"}})

	opts := quickOptions()
	opts.Workers = 2
	opts.AcquireDriver = func(ctx context.Context, thread int) (Driver, error) {
		mu.Lock()
		defer mu.Unlock()
		drv := &fakeDriver{}
		drivers = append(drivers, drv)
		return drv, nil
	}

	coordinator := New(opts)
	// requests never stack: a second ask while one is pending is
	// dropped on the floor
	coordinator.RetireOne()
	coordinator.RetireOne()

	result, err := coordinator.Run(ctx, src)
	if err != nil {
		t.Fatal(err)
	}

	require.Equal(t, 4, result.Succeeded)
	require.Equal(t, 1, result.Retirements)
	require.Equal(t, 1, coordinator.Retirements())
	require.True(t, src.driverSeen)

	require.Len(t, drivers, 2)
	var recycles, closes int64
	for _, drv := range drivers {
		recycles += drv.recycles.Load()
		closes += drv.closes.Load()
	}
	require.Equal(t, int64(1), recycles)
	require.Equal(t, int64(2), closes)
}

func TestDriverAcquireFailureClosesEarlierDrivers(t *testing.T) {
	ctx := context.Background()

	first := &fakeDriver{}
	src := newFakeSource([]Item{{Key: "a"}, {Key: "b"}})

	opts := quickOptions()
	opts.Workers = 2
	opts.AcquireDriver = func(ctx context.Context, thread int) (Driver, error) {
		if thread == 0 {
			return first, nil
		}
		return nil, errors.New("browser refused to start")
	}

	_, err := New(opts).Run(ctx, src)
	require.ErrorContains(t, err, "acquire driver for worker 1")
	require.Equal(t, int64(1), first.closes.Load())
	require.Equal(t, 0, src.attemptCount("a"))
}
