package call

import "time"

// Timer is a cancellable deferred callback, the subset of *time.Timer the
// session machine needs for its grace window.
type Timer interface {
	// Stop prevents the timer from firing. It reports whether the call
	// stopped the timer before it expired.
	Stop() bool
}

// TimeProvider is an interface for reading the clock and scheduling timers.
// This allows injecting a mock provider for deterministic testing of the
// duration clock and the ended-to-idle grace window.
type TimeProvider interface {
	// Now returns the current time.
	Now() time.Time
	// AfterFunc schedules f to run after d on its own goroutine.
	AfterFunc(d time.Duration, f func()) Timer
}

// RealTimeProvider implements TimeProvider using the actual system clock.
type RealTimeProvider struct{}

// Now returns the current system time.
func (RealTimeProvider) Now() time.Time {
	return time.Now()
}

// AfterFunc schedules f using the standard library.
func (RealTimeProvider) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
