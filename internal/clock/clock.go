// Package clock abstracts wall time and timers so that every debounce and
// sampling timer in presencegate can be armed, cancelled and driven by tests
// without sleeping.
package clock

import "time"

// Clock is the source of time and timers.
type Clock interface {
	Now() time.Time

	// AfterFunc calls f in its own goroutine once d has elapsed, unless the
	// returned Timer is stopped first.
	AfterFunc(d time.Duration, f func()) Timer

	// NewTicker delivers ticks every d until stopped. Ticks are dropped
	// while the receiver is busy.
	NewTicker(d time.Duration) Ticker
}

// Timer is a one-shot timer armed with [Clock.AfterFunc].
type Timer interface {
	// Stop prevents the timer from firing. It returns false when the timer
	// had already fired or been stopped.
	Stop() bool
}

// Ticker is a periodic timer created with [Clock.NewTicker].
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

func (realClock) NewTicker(d time.Duration) Ticker { return realTicker{time.NewTicker(d)} }

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }
