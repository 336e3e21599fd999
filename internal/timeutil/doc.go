// Package timeutil provides the timer subsystem used by SIP transactions and dialogs.
//
// Every retransmission, timeout and cleanup task is scheduled through a [Clock].
// [SystemClock] is backed by the runtime timers, [ManualClock] is a virtual clock
// driven explicitly with [ManualClock.Advance] and is meant for tests.
//
// A [Timer] wraps one scheduled task and provides race-free cancellation:
// once [Timer.Stop] reports true the callback is guaranteed to never run,
// and a stopped timer drops its callback so that it does not retain the owner.
//
// Basic usage:
//
//	tmr := timeutil.AfterFunc(timeutil.SystemClock(), 500*time.Millisecond, func() {
//	    log.Println("timer expired")
//	})
//	defer tmr.Stop()
//
// Fixed-delay tasks are created with [Every], the task is repeated while the callback returns true.
//
// All timer operations are thread-safe and can be called concurrently from multiple goroutines.
package timeutil
