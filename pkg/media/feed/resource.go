package feed

import (
	"sync"

	"github.com/MrWong99/presencegate/pkg/media"
	"github.com/MrWong99/presencegate/pkg/types"
)

var _ media.Resource = (*lease)(nil)

// lease is the exclusive hold on an agent's track handed out by Acquire.
type lease struct {
	agent *agent

	mu      sync.Mutex
	latest  types.Sample
	hasLast bool
	stream  chan types.Sample
	done    bool
	ended   bool
	onEnded []func()
}

func newLease(a *agent, buffer int) *lease {
	return &lease{agent: a, stream: make(chan types.Sample, buffer)}
}

func (l *lease) Kind() types.Kind { return l.agent.kind }

func (l *lease) Latest() (types.Sample, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.latest, l.hasLast
	l.latest, l.hasLast = types.Sample{}, false
	return s, ok
}

func (l *lease) Stream() <-chan types.Sample { return l.stream }

// SetEnabled asks the agent to toggle the track. It fails once the lease is
// over or the agent is gone.
func (l *lease) SetEnabled(enabled bool) error {
	l.mu.Lock()
	done := l.done
	l.mu.Unlock()
	if done {
		return ErrDetached
	}
	return l.agent.command(DaemonMessage{Type: TypeEnable, Enabled: boolPtr(enabled)})
}

func (l *lease) OnEnded(fn func()) {
	l.mu.Lock()
	if l.ended {
		l.mu.Unlock()
		fn()
		return
	}
	l.onEnded = append(l.onEnded, fn)
	l.mu.Unlock()
}

// Release hands the track back to the agent. The kind can be acquired again
// as soon as Release returns.
func (l *lease) Release() error {
	if !l.finish(false) {
		return nil
	}
	if l.agent.unlease(l) {
		// The agent may already be gone; nothing else to undo.
		_ = l.agent.command(DaemonMessage{Type: TypeCapture, Enabled: boolPtr(false)})
	}
	return nil
}

// deliver records s and offers it to the stream without blocking.
func (l *lease) deliver(s types.Sample) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done {
		return
	}
	l.latest, l.hasLast = s, true
	select {
	case l.stream <- s:
	default:
	}
}

// finish closes the lease. ended fires the OnEnded callbacks. It reports
// whether this call closed the lease.
func (l *lease) finish(ended bool) bool {
	l.mu.Lock()
	if l.done {
		l.mu.Unlock()
		return false
	}
	l.done = true
	close(l.stream)
	var fns []func()
	if ended {
		l.ended = true
		fns = l.onEnded
		l.onEnded = nil
	}
	l.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
	return true
}
