package trigger

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/offlinekit/pkg/clock"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type counter struct {
	drains    atomic.Int32
	refreshes atomic.Int32
}

func (c *counter) hooks() Hooks {
	return Hooks{
		Drain:   func(context.Context) { c.drains.Add(1) },
		Refresh: func(context.Context) { c.refreshes.Add(1) },
	}
}

func TestFirstFireRunsImmediately(t *testing.T) {
	clk := clock.Fake(epoch)
	c := &counter{}
	tr := New(Config{Debounce: 5 * time.Second}, c.hooks(), clk, nil)

	tr.Fire(SourceExplicit)
	assert.EqualValues(t, 1, c.drains.Load())
	assert.Zero(t, c.refreshes.Load())
}

func TestBurstCollapsesIntoOneDeferredRun(t *testing.T) {
	clk := clock.Fake(epoch)
	c := &counter{}
	tr := New(Config{Debounce: 5 * time.Second}, c.hooks(), clk, nil)

	tr.Fire(SourceExplicit)
	require.EqualValues(t, 1, c.drains.Load())

	clk.Advance(time.Second)
	for i := 0; i < 10; i++ {
		tr.Fire(SourceExplicit)
		tr.Fire(SourceSyncWake)
	}
	assert.EqualValues(t, 1, c.drains.Load(), "nothing runs inside the window")
	assert.Equal(t, 1, clk.Pending())

	clk.Advance(3999 * time.Millisecond)
	assert.EqualValues(t, 1, c.drains.Load())
	clk.Advance(time.Millisecond)
	assert.EqualValues(t, 2, c.drains.Load(), "coalesced run fires at the window edge")
	assert.Equal(t, 2, tr.Runs())
}

func TestFireAfterWindowRunsImmediately(t *testing.T) {
	clk := clock.Fake(epoch)
	c := &counter{}
	tr := New(Config{Debounce: 5 * time.Second}, c.hooks(), clk, nil)

	tr.Fire(SourceExplicit)
	clk.Advance(10 * time.Second)
	tr.Fire(SourceExplicit)
	assert.EqualValues(t, 2, c.drains.Load())
}

func TestPeriodicRefreshesBeforeDrain(t *testing.T) {
	clk := clock.Fake(epoch)
	var mu sync.Mutex
	var order []string
	tr := New(Config{Debounce: time.Second}, Hooks{
		Drain:   func(context.Context) { mu.Lock(); order = append(order, "drain"); mu.Unlock() },
		Refresh: func(context.Context) { mu.Lock(); order = append(order, "refresh"); mu.Unlock() },
	}, clk, nil)

	tr.Fire(SourcePeriodic)
	assert.Equal(t, []string{"refresh", "drain"}, order)
}

func TestPeriodicCoalescedWithExplicitStillRefreshes(t *testing.T) {
	clk := clock.Fake(epoch)
	c := &counter{}
	tr := New(Config{Debounce: 5 * time.Second}, c.hooks(), clk, nil)

	tr.Fire(SourceExplicit)
	tr.Fire(SourceExplicit)
	tr.Fire(SourcePeriodic)
	clk.Advance(5 * time.Second)

	assert.EqualValues(t, 2, c.drains.Load())
	assert.EqualValues(t, 1, c.refreshes.Load())
}

func TestStopCancelsPendingRun(t *testing.T) {
	clk := clock.Fake(epoch)
	c := &counter{}
	tr := New(Config{Debounce: 5 * time.Second}, c.hooks(), clk, nil)

	tr.Fire(SourceExplicit)
	tr.Fire(SourceExplicit)
	tr.Stop()
	clk.Advance(time.Minute)
	tr.Fire(SourceExplicit)
	assert.EqualValues(t, 1, c.drains.Load())
}

func TestProbeTransitionFiresSyncWake(t *testing.T) {
	clk := clock.Fake(epoch)
	c := &counter{}
	tr := New(Config{}, c.hooks(), clk, nil)

	tr.ObserveProbe(false)
	assert.Zero(t, c.drains.Load())
	tr.ObserveProbe(true)
	assert.EqualValues(t, 1, c.drains.Load())
	assert.True(t, tr.Online())

	// Staying online does not wake again.
	clk.Advance(time.Minute)
	tr.ObserveProbe(true)
	assert.EqualValues(t, 1, c.drains.Load())

	tr.ObserveProbe(false)
	tr.ObserveProbe(true)
	assert.EqualValues(t, 2, c.drains.Load())
}

func TestPeriodicLoopFiresOnTick(t *testing.T) {
	clk := clock.Fake(epoch)
	c := &counter{}
	tr := New(Config{PeriodicInterval: time.Minute}, c.hooks(), clk, nil)
	tr.Start(context.Background())
	defer tr.Stop()

	// The loop goroutine may not have registered its ticker yet.
	require.Eventually(t, func() bool { return clk.Pending() == 1 }, time.Second, time.Millisecond)
	clk.Advance(time.Minute)
	assert.Eventually(t, func() bool { return c.refreshes.Load() == 1 && c.drains.Load() == 1 },
		time.Second, time.Millisecond)
}
