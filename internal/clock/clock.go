// ABOUTME: Time source abstraction so presence timers can be driven by tests
// ABOUTME: Real wraps the time package; Fake advances only when told to

package clock

import "time"

// Clock is the subset of the time package the gateway depends on.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
	NewTicker(d time.Duration) Ticker
}

// Timer is a cancellable single-shot callback.
type Timer interface {
	// Stop prevents the callback from running. Returns false if it already
	// ran or was already stopped.
	Stop() bool
}

// Ticker delivers ticks on C until stopped. Slow receivers miss ticks.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Real returns a Clock backed by the standard time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

func (realClock) NewTicker(d time.Duration) Ticker {
	return realTicker{time.NewTicker(d)}
}

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }
