package timeutil

import (
	"log/slog"
	"sync"
	"time"
)

// TimerState represents the current state of a timer.
type TimerState string

const (
	// TimerStateRunning indicates the timer is currently running.
	TimerStateRunning TimerState = "running"
	// TimerStateStopped indicates the timer was stopped before expiration.
	TimerStateStopped TimerState = "stopped"
	// TimerStateExpired indicates the timer has expired.
	TimerStateExpired TimerState = "expired"
)

// Timer is a cancellable task scheduled on a [Clock].
//
// Cancellation is race-free: the callback runs only if the timer is still running
// at the moment of expiration. A successful [Timer.Stop] guarantees that the callback
// will never run for the current schedule.
type Timer struct {
	clock Clock

	mu        sync.Mutex
	state     TimerState
	startTime time.Time
	duration  time.Duration
	// gen is incremented on every (re)schedule, so that stale expirations
	// of the underlying task are ignored.
	gen      uint64
	fn       func()
	task     Stopper
	periodic bool
}

// AfterFunc creates a new timer that calls f in its own goroutine after duration d.
// If clock is nil, [SystemClock] is used.
func AfterFunc(clock Clock, d time.Duration, f func()) *Timer {
	if clock == nil {
		clock = SystemClock()
	}
	t := &Timer{clock: clock, fn: f}
	t.mu.Lock()
	t.scheduleUnsafe(d)
	t.mu.Unlock()
	return t
}

// Every creates a fixed-delay task: f first runs after the initial delay,
// then again period after each run completes, while f returns true and the task is not stopped.
// If clock is nil, [SystemClock] is used.
func Every(clock Clock, initial, period time.Duration, f func() bool) *Timer {
	if clock == nil {
		clock = SystemClock()
	}
	t := &Timer{clock: clock, periodic: true}
	t.fn = func() {
		if !f() {
			return
		}

		t.mu.Lock()
		defer t.mu.Unlock()
		if t.state == TimerStateExpired {
			t.scheduleUnsafe(period)
		}
	}
	t.mu.Lock()
	t.scheduleUnsafe(initial)
	t.mu.Unlock()
	return t
}

func (t *Timer) scheduleUnsafe(d time.Duration) {
	t.gen++
	gen := t.gen
	t.state = TimerStateRunning
	t.startTime = t.clock.Now()
	t.duration = d
	t.task = t.clock.AfterFunc(d, func() { t.expire(gen) })
}

func (t *Timer) expire(gen uint64) {
	t.mu.Lock()
	if t.state != TimerStateRunning || t.gen != gen {
		t.mu.Unlock()
		return
	}
	t.state = TimerStateExpired
	t.task = nil
	fn := t.fn
	t.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// Stop stops the timer.
// It returns true if the call stops the timer, false if the timer has already expired or been stopped.
// A stopped timer releases its callback.
func (t *Timer) Stop() bool {
	if t == nil {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case TimerStateRunning:
	case TimerStateExpired:
		if t.periodic {
			// cancel the re-schedule of a running fixed-delay task
			t.state = TimerStateStopped
			t.fn = nil
		}
		return false
	default:
		return false
	}

	t.state = TimerStateStopped
	t.fn = nil
	if t.task != nil {
		t.task.Stop()
		t.task = nil
	}
	return true
}

// Reset reschedules the timer to expire after duration d from now.
// The callback is preserved, a stopped timer has no callback and expires silently.
func (t *Timer) Reset(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.task != nil {
		t.task.Stop()
		t.task = nil
	}
	t.scheduleUnsafe(d)
}

// State returns the current timer state.
func (t *Timer) State() TimerState {
	if t == nil {
		return ""
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Duration returns the duration of the current schedule.
func (t *Timer) Duration() time.Duration {
	if t == nil {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.duration
}

// StartTime returns the time of the current schedule start.
func (t *Timer) StartTime() time.Time {
	if t == nil {
		return time.Time{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.startTime
}

// Left returns the time remaining until the timer expires.
// Returns 0 if the timer is expired or stopped.
func (t *Timer) Left() time.Duration {
	if t == nil {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != TimerStateRunning {
		return 0
	}
	left := t.duration - t.clock.Now().Sub(t.startTime)
	if left < 0 {
		return 0
	}
	return left
}

// ExpiresAt returns the time at which the running timer expires.
func (t *Timer) ExpiresAt() time.Time {
	if t == nil {
		return time.Time{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.startTime.Add(t.duration)
}

// LogValue implements [slog.LogValuer].
func (t *Timer) LogValue() slog.Value {
	if t == nil {
		return slog.Value{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return slog.GroupValue(
		slog.Any("state", t.state),
		slog.Duration("duration", t.duration),
		slog.Time("expires_at", t.startTime.Add(t.duration)),
	)
}
