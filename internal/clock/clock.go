// Package clock abstracts timers so debounce, typing expiry, and
// reconnection backoff can be driven deterministically in tests.
// Production code uses Real(); tests use Fake().
package clock

import "time"

type Clock interface {
	Now() time.Time

	// After returns a channel that receives once d has elapsed
	After(d time.Duration) <-chan time.Time

	// AfterFunc calls f once d has elapsed. The returned Timer can stop or
	// restart the pending call.
	AfterFunc(d time.Duration, f func()) *Timer
}

// A pending AfterFunc call
type Timer struct {
	stop  func() bool
	reset func(time.Duration) bool
}

// Stop cancels the call. Returns false if it already fired or was stopped.
func (t *Timer) Stop() bool { return t.stop() }

// Reset reschedules the call d from now. Returns true if it was pending.
func (t *Timer) Reset(d time.Duration) bool { return t.reset(d) }

// Real returns the wall clock
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	t := time.AfterFunc(d, f)
	return &Timer{stop: t.Stop, reset: t.Reset}
}
