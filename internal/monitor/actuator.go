package monitor

import "sync"

// Switch is the primitive an [Actuator] drives, typically a media track's
// enabled flag.
type Switch interface {
	SetEnabled(enabled bool) error
}

// Actuator applies enable/disable decisions to a [Switch] idempotently: a
// value equal to the last successfully applied one is not forwarded.
type Actuator struct {
	target Switch

	mu      sync.Mutex
	applied bool
	known   bool
}

// NewActuator returns an Actuator driving target. The target's current value
// is treated as unknown, so the first [Actuator.Set] always reaches it.
func NewActuator(target Switch) *Actuator {
	return &Actuator{target: target, applied: true}
}

// Set drives the target to enabled. changed is true when the target was
// called and accepted the value. On error the value stays unknown so the
// next Set retries.
func (a *Actuator) Set(enabled bool) (changed bool, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.known && a.applied == enabled {
		return false, nil
	}
	if err := a.target.SetEnabled(enabled); err != nil {
		a.known = false
		return false, err
	}
	a.applied = enabled
	a.known = true
	return true, nil
}

// Enabled returns the last applied value. Before the first successful Set it
// reports true, matching a freshly acquired track.
func (a *Actuator) Enabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.applied
}
