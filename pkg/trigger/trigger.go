// Package trigger decides when the engine reconciles: explicit
// requests, connectivity wake-ups and periodic wake-ups all collapse
// through one debouncer into a single drain.
package trigger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pario-ai/offlinekit/pkg/clock"
)

// Source names what asked for a reconciliation.
type Source string

const (
	SourceExplicit Source = "explicit"
	SourceSyncWake Source = "sync"
	SourcePeriodic Source = "periodic"
)

// Hooks are the operations a reconciliation runs.
type Hooks struct {
	// Drain replays the mutation queue. Required.
	Drain func(ctx context.Context)
	// Refresh re-populates templates and snapshots. Runs before Drain
	// when a periodic wake is part of the execution.
	Refresh func(ctx context.Context)
	// Probe reports whether the upstream is reachable.
	Probe func(ctx context.Context) bool
}

// Config controls timing.
type Config struct {
	Debounce         time.Duration
	PeriodicInterval time.Duration
	ProbeInterval    time.Duration
}

// Trigger debounces reconciliation requests.
type Trigger struct {
	cfg    Config
	hooks  Hooks
	clock  clock.Clock
	logger *slog.Logger

	mu              sync.Mutex
	ctx             context.Context
	cancel          context.CancelFunc
	scheduled       bool
	pendingPeriodic bool
	lastRun         time.Time
	timer           clock.Timer
	online          bool
	stopped         bool
	runs            int

	runMu sync.Mutex
	wg    sync.WaitGroup
}

// New creates a Trigger. Call Start to enable the periodic and probe loops.
func New(cfg Config, hooks Hooks, clk clock.Clock, logger *slog.Logger) *Trigger {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Trigger{cfg: cfg, hooks: hooks, clock: clk, logger: logger, ctx: ctx, cancel: cancel}
}

// Start binds executions to ctx and launches the periodic and probe loops.
func (t *Trigger) Start(ctx context.Context) {
	t.mu.Lock()
	t.cancel()
	t.ctx, t.cancel = context.WithCancel(ctx)
	runCtx := t.ctx
	t.mu.Unlock()

	if t.cfg.PeriodicInterval > 0 {
		t.wg.Add(1)
		go t.periodicLoop(runCtx)
	}
	if t.cfg.ProbeInterval > 0 && t.hooks.Probe != nil {
		t.wg.Add(1)
		go t.probeLoop(runCtx)
	}
}

// Stop cancels pending executions and waits for the loops to exit.
func (t *Trigger) Stop() {
	t.mu.Lock()
	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
	}
	t.cancel()
	t.mu.Unlock()
	t.wg.Wait()
}

// Fire requests a reconciliation. Within the debounce window after the
// last execution, requests coalesce into one execution at the window edge.
func (t *Trigger) Fire(src Source) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	if src == SourcePeriodic {
		t.pendingPeriodic = true
	}
	if t.scheduled {
		t.mu.Unlock()
		t.logger.Debug("reconcile coalesced", "source", src)
		return
	}
	t.scheduled = true
	var delay time.Duration
	if !t.lastRun.IsZero() {
		delay = t.cfg.Debounce - t.clock.Now().Sub(t.lastRun)
		if delay < 0 {
			delay = 0
		}
	}
	t.mu.Unlock()

	t.logger.Debug("reconcile scheduled", "source", src, "delay", delay)
	timer := t.clock.AfterFunc(delay, t.run)

	t.mu.Lock()
	t.timer = timer
	t.mu.Unlock()
}

func (t *Trigger) run() {
	t.runMu.Lock()
	defer t.runMu.Unlock()

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.scheduled = false
	t.lastRun = t.clock.Now()
	periodic := t.pendingPeriodic
	t.pendingPeriodic = false
	t.runs++
	ctx := t.ctx
	t.mu.Unlock()

	if periodic && t.hooks.Refresh != nil {
		t.hooks.Refresh(ctx)
	}
	if t.hooks.Drain != nil {
		t.hooks.Drain(ctx)
	}
}

// Runs returns how many executions have started.
func (t *Trigger) Runs() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runs
}

// Online returns the last probe result.
func (t *Trigger) Online() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.online
}

func (t *Trigger) periodicLoop(ctx context.Context) {
	defer t.wg.Done()
	ticker := t.clock.NewTicker(t.cfg.PeriodicInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Fire(SourcePeriodic)
		}
	}
}

func (t *Trigger) probeLoop(ctx context.Context) {
	defer t.wg.Done()
	ticker := t.clock.NewTicker(t.cfg.ProbeInterval)
	defer ticker.Stop()
	t.ObserveProbe(t.hooks.Probe(ctx))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.ObserveProbe(t.hooks.Probe(ctx))
		}
	}
}

// ObserveProbe records a connectivity observation. An offline to online
// transition fires a sync wake. The initial state is offline.
func (t *Trigger) ObserveProbe(online bool) {
	t.mu.Lock()
	was := t.online
	t.online = online
	t.mu.Unlock()

	if online && !was {
		t.logger.Info("upstream reachable, waking sync")
		t.Fire(SourceSyncWake)
	} else if !online && was {
		t.logger.Warn("upstream unreachable")
	}
}
