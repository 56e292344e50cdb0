// Package mock provides a manually driven [clock.Clock] for deterministic
// timer tests.
//
// Time only moves when the test calls [Clock.Advance]. Timers due within the
// advanced window fire synchronously on the caller's goroutine in deadline
// order; tickers deliver at most one buffered tick per window.
//
//	clk := mock.New(time.Unix(0, 0))
//	clk.AfterFunc(5*time.Second, fire)
//	clk.Advance(5 * time.Second) // fire runs here
package mock

import (
	"sync"
	"time"

	"github.com/MrWong99/presencegate/internal/clock"
)

// Clock is a fake [clock.Clock]. It is safe for concurrent use.
type Clock struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*timer
}

var _ clock.Clock = (*Clock)(nil)

// New returns a Clock whose current time is start.
func New(start time.Time) *Clock {
	return &Clock{now: start}
}

type timer struct {
	c      *Clock
	id     int
	at     time.Time
	period time.Duration
	fn     func()
	ch     chan time.Time
	done   bool
}

// Now implements [clock.Clock].
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc implements [clock.Clock].
func (c *Clock) AfterFunc(d time.Duration, f func()) clock.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addLocked(&timer{at: c.now.Add(d), fn: f})
}

// NewTicker implements [clock.Clock].
func (c *Clock) NewTicker(d time.Duration) clock.Ticker {
	if d <= 0 {
		panic("mock: non-positive ticker period")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return ticker{c.addLocked(&timer{at: c.now.Add(d), period: d, ch: make(chan time.Time, 1)})}
}

func (c *Clock) addLocked(t *timer) *timer {
	c.seq++
	t.c = c
	t.id = c.seq
	c.timers = append(c.timers, t)
	return t
}

// Advance moves the clock forward by d, firing every timer and ticker that
// becomes due.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	for {
		t := c.nextDueLocked(target)
		if t == nil {
			break
		}
		if t.at.After(c.now) {
			c.now = t.at
		}
		if t.period > 0 {
			t.at = t.at.Add(t.period)
			select {
			case t.ch <- c.now:
			default:
			}
			continue
		}
		c.removeLocked(t)
		fn := t.fn
		c.mu.Unlock()
		fn()
		c.mu.Lock()
	}
	if target.After(c.now) {
		c.now = target
	}
	c.mu.Unlock()
}

// Pending returns the number of armed timers and running tickers.
func (c *Clock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

func (c *Clock) nextDueLocked(target time.Time) *timer {
	var next *timer
	for _, t := range c.timers {
		if t.at.After(target) {
			continue
		}
		if next == nil || t.at.Before(next.at) || (t.at.Equal(next.at) && t.id < next.id) {
			next = t
		}
	}
	return next
}

func (c *Clock) removeLocked(t *timer) {
	t.done = true
	for i, x := range c.timers {
		if x == t {
			c.timers = append(c.timers[:i], c.timers[i+1:]...)
			return
		}
	}
}

// Stop implements [clock.Timer].
func (t *timer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.done {
		return false
	}
	t.c.removeLocked(t)
	return true
}

type ticker struct{ t *timer }

// C implements [clock.Ticker].
func (k ticker) C() <-chan time.Time { return k.t.ch }

// Stop implements [clock.Ticker].
func (k ticker) Stop() { k.t.Stop() }
