// Package timer implements the period-and-callback Timer an Executor fires
// from its spin loop, plus an optional cron-expression variant for
// schedules that don't fit a fixed period.
package timer

import (
	"sync"
	"sync/atomic"
	"time"
)

// Callback is invoked when a Timer fires.
type Callback func()

// Timer fires its callback no more often than once per Period, as judged by
// IsReady called from an Executor's spin loop. It is safe for
// concurrent use.
type Timer struct {
	period   time.Duration
	callback Callback

	mu         sync.Mutex
	lastFired  time.Time
	active     atomic.Bool
	neverFired bool
}

// New creates a Timer with the given period and callback. The timer starts
// active.
func New(period time.Duration, callback Callback) *Timer {
	t := &Timer{period: period, callback: callback, neverFired: true}
	t.active.Store(true)
	return t
}

// Period returns the timer's configured period.
func (t *Timer) Period() time.Duration { return t.period }

// IsReady reports whether at least Period has elapsed since the timer last
// fired, and if so atomically marks it as having fired now. A stopped timer
// is never ready. Matches the original design's isReady/last_triggered_
// contract: the update only happens on a true result, so a caller that
// checks IsReady without then invoking Fire would desynchronize the timer
// from its real firing cadence — IsReady is meant to be called exactly once
// per spin iteration per timer, immediately followed by Fire if it returns
// true.
func (t *Timer) IsReady() bool {
	if !t.active.Load() {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	if t.neverFired || now.Sub(t.lastFired) >= t.period {
		t.lastFired = now
		t.neverFired = false
		return true
	}
	return false
}

// Fire invokes the timer's callback. Callers should only call Fire after
// IsReady returns true.
func (t *Timer) Fire() {
	if t.callback != nil {
		t.callback()
	}
}

// Stop permanently disables the timer; IsReady will return false from then
// on. Stopping is irreversible, matching the original design.
func (t *Timer) Stop() {
	t.active.Store(false)
}

// IsActive reports whether the timer has not been stopped.
func (t *Timer) IsActive() bool {
	return t.active.Load()
}

// TimeUntilReady returns the duration remaining until the timer would next
// become ready, or zero if it is ready now. An Executor uses this across all
// of a node's timers to compute how long its EventBus.Wait call should
// block.
func (t *Timer) TimeUntilReady() time.Duration {
	if !t.active.Load() {
		return time.Duration(1<<63 - 1)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.neverFired {
		return 0
	}
	remaining := t.period - time.Since(t.lastFired)
	if remaining < 0 {
		return 0
	}
	return remaining
}
