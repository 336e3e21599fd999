package types

import "sync"

// SerialQueue executes queued functions one at a time in FIFO order.
//
// The functions run on the goroutine of the caller that happens to drain the queue.
// A function may enqueue another one into the same queue, it will run after the current one returns.
type SerialQueue struct {
	mu sync.Mutex
	q  Deque[func()]
}

// Run enqueues fn and drains the queue unless another goroutine is draining it already.
func (s *SerialQueue) Run(fn func()) {
	s.q.Append(fn)
	s.Flush()
}

// Enqueue appends fn to the queue without running it.
// Queued functions run on the next [SerialQueue.Flush] or [SerialQueue.Run].
func (s *SerialQueue) Enqueue(fn func()) {
	s.q.Append(fn)
}

// Flush drains the queue unless another goroutine is draining it already.
func (s *SerialQueue) Flush() {
	for {
		if !s.mu.TryLock() {
			return
		}
		for {
			fn, ok := s.q.PopFirst()
			if !ok {
				break
			}
			fn()
		}
		s.mu.Unlock()

		if s.q.IsEmpty() {
			return
		}
	}
}
