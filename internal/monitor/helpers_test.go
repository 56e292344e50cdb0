package monitor

import (
	"sync"
	"testing"
	"time"
)

// recSwitch records every value passed to SetEnabled.
type recSwitch struct {
	mu    sync.Mutex
	calls []bool
	err   error
}

func (s *recSwitch) SetEnabled(v bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, v)
	return s.err
}

func (s *recSwitch) Calls() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bool(nil), s.calls...)
}

// transitionLog collects transitions delivered to a listener.
type transitionLog struct {
	mu  sync.Mutex
	all []Transition
}

func (l *transitionLog) add(t Transition) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.all = append(l.all, t)
}

func (l *transitionLog) reasons() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.all))
	for i, t := range l.all {
		out[i] = t.Reason
	}
	return out
}

func (l *transitionLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.all)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func equalBools(a, b []bool) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
