// Package monitor implements the presence/voice-gated actuation pipeline:
// a [Sampler] acquires a media resource and produces samples, an [Adapter]
// classifies them, a [Machine] debounces the verdicts into stable states and
// drives an [Actuator]. A [Session] owns one such pipeline and a [Manager]
// keeps at most one live session per media kind.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/presencegate/internal/clock"
	"github.com/MrWong99/presencegate/internal/observe"
	"github.com/MrWong99/presencegate/pkg/classifier"
	"github.com/MrWong99/presencegate/pkg/media"
	"github.com/MrWong99/presencegate/pkg/types"
)

// Sentinel errors.
var (
	// ErrNotRunning is returned when a command targets a kind with no live
	// session.
	ErrNotRunning = errors.New("monitor: no session running")

	// ErrInvalidKind is returned for an unknown media kind.
	ErrInvalidKind = errors.New("monitor: invalid kind")

	// ErrInvalidConfig wraps a [Config.Validate] failure returned by Start.
	ErrInvalidConfig = errors.New("monitor: invalid config")

	// ErrShutdown is returned by Start after Shutdown.
	ErrShutdown = errors.New("monitor: manager shut down")
)

// Status is the externally visible state of one kind.
type Status struct {
	Kind            types.Kind
	SessionID       string
	State           types.MonitorState
	ActuatorEnabled bool
	At              time.Time
}

// ClassifierResolver returns the classifier a new session of kind should use.
type ClassifierResolver func(kind types.Kind, cfg Config) (classifier.Classifier, error)

// Manager is the registry of live sessions, one per kind.
//
// Start is idempotent: concurrent and repeated starts for the same kind share
// one acquisition and one session.
type Manager struct {
	acq     media.Acquirer
	resolve ClassifierResolver
	clock   clock.Clock
	metrics *observe.Metrics

	sf singleflight.Group

	mu       sync.Mutex
	sessions map[types.Kind]*Session
	closed   bool

	subMu   sync.RWMutex
	subs    map[int]func(Transition)
	nextSub int
}

// ManagerOption configures a [Manager].
type ManagerOption func(*Manager)

// WithClock overrides the clock used for sampling and debounce timers.
func WithClock(c clock.Clock) ManagerOption {
	return func(m *Manager) { m.clock = c }
}

// WithMetrics overrides the metrics sink.
func WithMetrics(met *observe.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = met }
}

// NewManager returns a Manager acquiring media from acq and classifying with
// whatever resolve returns.
func NewManager(acq media.Acquirer, resolve ClassifierResolver, opts ...ManagerOption) *Manager {
	m := &Manager{
		acq:      acq,
		resolve:  resolve,
		clock:    clock.Real(),
		metrics:  observe.DefaultMetrics(),
		sessions: make(map[types.Kind]*Session),
		subs:     make(map[int]func(Transition)),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Start returns the live session status for kind, starting a session when
// none exists. existing is true when no new session was created by this
// call. Acquisition failures are returned as [*media.AcquisitionError].
func (m *Manager) Start(ctx context.Context, kind types.Kind, cfg Config) (st Status, existing bool, err error) {
	if !kind.IsValid() {
		return Status{}, false, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	if err := cfg.Validate(); err != nil {
		return Status{}, false, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if s, ok := m.live(kind); ok {
		return s.Status(), true, nil
	}

	created := false
	v, err, _ := m.sf.Do(string(kind), func() (any, error) {
		if s, ok := m.live(kind); ok {
			return s, nil
		}
		m.mu.Lock()
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return nil, ErrShutdown
		}

		cls, err := m.resolve(kind, cfg)
		if err != nil {
			return nil, fmt.Errorf("monitor: resolve classifier for %s: %w", kind, err)
		}
		s := newSession(kind, cfg, sessionDeps{
			acq:     m.acq,
			cls:     cls,
			clock:   m.clock,
			metrics: m.metrics,
			onStop:  m.forget,
			listen:  m.publish,
		})
		if err := s.start(ctx); err != nil {
			if ae, ok := media.AsAcquisitionError(err); ok {
				m.metrics.RecordAcquisitionError(ctx, string(kind), string(ae.Reason))
			}
			return nil, err
		}

		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			_ = s.Stop(ReasonStopped)
			return nil, ErrShutdown
		}
		if s.stopping.Load() {
			m.mu.Unlock()
			return nil, fmt.Errorf("monitor: %s resource ended during start", kind)
		}
		m.sessions[kind] = s
		m.mu.Unlock()
		m.metrics.ActiveSessions.Add(ctx, 1, metricKind(kind))
		created = true
		return s, nil
	})
	if err != nil {
		return Status{Kind: kind, State: types.StateOff, ActuatorEnabled: true, At: m.clock.Now()}, false, err
	}
	return v.(*Session).Status(), !created, nil
}

// Stop stops the session of kind. stopped is false when nothing was running.
func (m *Manager) Stop(kind types.Kind) (stopped bool, err error) {
	s, ok := m.live(kind)
	if !ok {
		return false, nil
	}
	return true, s.Stop(ReasonStopped)
}

// SetMuted forces the actuator of the running session of kind.
func (m *Manager) SetMuted(kind types.Kind, muted bool) (Status, error) {
	s, ok := m.live(kind)
	if !ok || !s.machine.Override(muted) {
		return m.Status(kind), ErrNotRunning
	}
	return s.Status(), nil
}

// Status returns the status of kind. A kind with no session reports Off.
func (m *Manager) Status(kind types.Kind) Status {
	if s, ok := m.live(kind); ok {
		return s.Status()
	}
	return Status{Kind: kind, State: types.StateOff, ActuatorEnabled: true, At: m.clock.Now()}
}

// Statuses returns the status of every kind in [types.Kinds] order.
func (m *Manager) Statuses() []Status {
	kinds := types.Kinds()
	out := make([]Status, 0, len(kinds))
	for _, k := range kinds {
		out = append(out, m.Status(k))
	}
	return out
}

// Session returns the live session of kind.
func (m *Manager) Session(kind types.Kind) (*Session, bool) {
	return m.live(kind)
}

// Subscribe registers fn to receive every transition of every session.
// fn runs on the transitioning goroutine with the session's machine locked;
// it must not block or call back into the Manager. The returned function
// removes the subscription.
func (m *Manager) Subscribe(fn func(Transition)) (unsubscribe func()) {
	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.subMu.Unlock()
	return func() {
		m.subMu.Lock()
		delete(m.subs, id)
		m.subMu.Unlock()
	}
}

// Shutdown stops every session and refuses further starts.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.Unlock()

	var errs []error
	for _, s := range live {
		if err := s.Stop(ReasonStopped); err != nil {
			errs = append(errs, err)
		}
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) live(kind types.Kind) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[kind]
	return s, ok
}

// forget drops a stopped session from the registry.
func (m *Manager) forget(s *Session) {
	m.mu.Lock()
	cur, ok := m.sessions[s.kind]
	if ok && cur == s {
		delete(m.sessions, s.kind)
	}
	m.mu.Unlock()
	if ok && cur == s {
		m.metrics.ActiveSessions.Add(context.Background(), -1, metricKind(s.kind))
	}
}

func (m *Manager) publish(t Transition) {
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	for _, fn := range m.subs {
		fn(t)
	}
	if t.To == types.StateOff {
		slog.Debug("monitor off", "kind", t.Kind, "session_id", t.SessionID, "reason", t.Reason)
	}
}

func metricKind(kind types.Kind) metric.AddOption {
	return metric.WithAttributes(observe.Attr("kind", string(kind)))
}
