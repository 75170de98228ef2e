package proctrack

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

type MemoryGuardOptions struct {
	// retirement threshold, 0 disables the guard entirely
	CeilingMB int64
	// sampling interval, defaults to 5s
	Interval time.Duration
	// invoked at most once per ceiling crossing, e.g.
	// Coordinator.RetireOne
	Retire func()
}

// MemoryGuard watches the orchestrator's own resident set. crossing
// the ceiling first tries a forced GC, and only if that does not
// help retires one worker. the guard re-arms once usage falls back
// under the ceiling, so a sustained crossing cannot retire workers
// over and over.
type MemoryGuard struct {
	ceilingMB int64
	interval  time.Duration
	retire    func()

	fired bool

	readRSS func() (int64, error)
	freeMem func()
}

func NewMemoryGuard(opts MemoryGuardOptions) *MemoryGuard {
	interval := opts.Interval
	if interval <= 0 {
		interval = time.Second * 5
	}

	g := &MemoryGuard{
		ceilingMB: opts.CeilingMB,
		interval:  interval,
		retire:    opts.Retire,
	}
	g.readRSS = g.readOwnRSS
	g.freeMem = func() {
		runtime.GC()
		debug.FreeOSMemory()
	}
	return g
}

// Run samples until ctx is done. callers run it in a goroutine
// scoped to a step execution.
func (g *MemoryGuard) Run(ctx context.Context) {
	if g.ceilingMB <= 0 {
		return
	}

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sample(ctx)
		}
	}
}

func (g *MemoryGuard) sample(ctx context.Context) {
	rss, err := g.readRSS()
	if err != nil {
		slog.Warn("failed to sample resident set size", "err", err)
		return
	}

	if rss < g.ceilingMB {
		// crossing is over, the next one may fire again
		g.fired = false
		return
	}
	if g.fired {
		return
	}

	slog.WarnContext(
		ctx, "memory ceiling crossed, forcing gc",
		"rss_mb", rss,
		"ceiling_mb", g.ceilingMB,
	)
	g.freeMem()

	rss, err = g.readRSS()
	if err == nil && rss < g.ceilingMB {
		slog.InfoContext(ctx, "gc brought memory back under the ceiling", "rss_mb", rss)
		return
	}

	g.fired = true
	slog.WarnContext(
		ctx, "memory still above ceiling after gc, retiring a worker",
		"rss_mb", rss,
		"ceiling_mb", g.ceilingMB,
	)
	if g.retire != nil {
		g.retire()
	}
}

func (g *MemoryGuard) readOwnRSS() (int64, error) {
	self, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0, err
	}
	mem, err := self.MemoryInfo()
	if err != nil {
		return 0, err
	}
	return int64(mem.RSS / 1_000_000), nil
}
