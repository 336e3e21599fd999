package timeutil

import (
	"slices"
	"sync"
	"time"
)

// Stopper is a handle of a task scheduled on a [Clock].
type Stopper interface {
	// Stop prevents the task from running.
	// It returns false if the task has already run or has been stopped.
	Stop() bool
}

// Clock is a source of time and the scheduler of deferred tasks.
type Clock interface {
	// Now returns the current time of the clock.
	Now() time.Time
	// AfterFunc schedules f to run once in its own goroutine after duration d.
	AfterFunc(d time.Duration, f func()) Stopper
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Stopper { return time.AfterFunc(d, f) }

var sysClock Clock = systemClock{}

// SystemClock returns the clock backed by the runtime timers.
func SystemClock() Clock { return sysClock }

// ManualClock is a virtual [Clock] that moves forward only when [ManualClock.Advance] is called.
// Due tasks are executed synchronously by Advance in the order of their deadlines,
// tasks with equal deadlines run in the order they were scheduled.
type ManualClock struct {
	mu    sync.Mutex
	now   time.Time
	seq   uint64
	tasks []*manualTask
}

type manualTask struct {
	clock *ManualClock
	when  time.Time
	seq   uint64
	fn    func()
	done  bool
}

// NewManualClock creates a new [ManualClock] starting at the given time.
// If start is zero, the Unix epoch is used.
func NewManualClock(start time.Time) *ManualClock {
	if start.IsZero() {
		start = time.Unix(0, 0)
	}
	return &ManualClock{now: start}
}

// Now returns the current virtual time.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc schedules f to run when the clock is advanced past the now+d.
// Tasks with non-positive duration run on the next call to [ManualClock.Advance].
func (c *ManualClock) AfterFunc(d time.Duration, f func()) Stopper {
	c.mu.Lock()
	defer c.mu.Unlock()

	if d < 0 {
		d = 0
	}
	c.seq++
	task := &manualTask{
		clock: c,
		when:  c.now.Add(d),
		seq:   c.seq,
		fn:    f,
	}
	c.tasks = append(c.tasks, task)
	return task
}

// Advance moves the clock forward by d running all tasks that become due.
// Tasks scheduled by the running tasks are executed too if they fall into the advanced window.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	until := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		task := c.nextDueUnsafe(until)
		if task == nil {
			if c.now.Before(until) {
				c.now = until
			}
			c.mu.Unlock()
			return
		}
		task.done = true
		if task.when.After(c.now) {
			c.now = task.when
		}
		fn := task.fn
		task.fn = nil
		c.mu.Unlock()

		fn()
	}
}

// Pending returns the number of scheduled tasks that have not run yet.
func (c *ManualClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tasks)
}

func (c *ManualClock) nextDueUnsafe(until time.Time) *manualTask {
	if len(c.tasks) == 0 {
		return nil
	}
	slices.SortStableFunc(c.tasks, func(a, b *manualTask) int {
		if r := a.when.Compare(b.when); r != 0 {
			return r
		}
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		default:
			return 0
		}
	})
	task := c.tasks[0]
	if task.when.After(until) {
		return nil
	}
	c.tasks = c.tasks[1:]
	return task
}

func (t *manualTask) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	if t.done {
		return false
	}
	t.done = true
	t.fn = nil
	t.clock.tasks = slices.DeleteFunc(t.clock.tasks, func(e *manualTask) bool { return e == t })
	return true
}
