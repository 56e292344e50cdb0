package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/presencegate/internal/clock"
	"github.com/MrWong99/presencegate/internal/observe"
	"github.com/MrWong99/presencegate/pkg/types"
)

// Transition reasons.
const (
	ReasonStart         = "start"
	ReasonAnalyzing     = "analyzing"
	ReasonActive        = "active"
	ReasonFallback      = "classifier_failed"
	ReasonPending       = "inactive_pending"
	ReasonInactive      = "inactive"
	ReasonTimeout       = "inactivity_timeout"
	ReasonManualMute    = "manual_mute"
	ReasonManualUnmute  = "manual_unmute"
	ReasonStopped       = "stopped"
	ReasonResourceEnded = "resource_ended"
)

// Transition describes one state change of a [Machine].
type Transition struct {
	Kind            types.Kind
	SessionID       string
	From            types.MonitorState
	To              types.MonitorState
	Reason          string
	ActuatorEnabled bool
	At              time.Time
}

// Status returns the externally visible snapshot after t.
func (t Transition) Status() Status {
	return Status{
		Kind:            t.Kind,
		SessionID:       t.SessionID,
		State:           t.To,
		ActuatorEnabled: t.ActuatorEnabled,
		At:              t.At,
	}
}

// Machine is the debounce/hysteresis state machine of one session. It turns
// a sequence of classifications into stable state transitions and drives the
// [Actuator]:
//
//   - Off → Active on Start; the actuator is enabled immediately.
//   - Active → Analyzing when a sample is submitted for remote classification.
//   - Analyzing/Active/Suppressed → Active on an active verdict, without
//     debounce.
//   - Analyzing/Active → Suppressed once no active verdict has been seen for
//     the inactivity threshold. The deadline is armed by the first inactive
//     verdict and is only cleared by an active verdict or Stop.
//   - any → Off on Stop; terminal.
//
// Listeners registered with [Machine.OnTransition] run with the machine
// locked, in transition order. They must not call back into the Machine.
type Machine struct {
	kind      types.Kind
	sessionID string
	threshold time.Duration
	act       *Actuator
	clock     clock.Clock
	metrics   *observe.Metrics

	mu         sync.Mutex
	state      types.MonitorState
	lastActive time.Time
	timer      clock.Timer
	timerGen   uint64
	expired    bool
	stopped    bool
	listeners  []func(Transition)
}

// NewMachine returns a Machine in the Off state.
func NewMachine(kind types.Kind, sessionID string, threshold time.Duration, act *Actuator, clk clock.Clock, m *observe.Metrics) *Machine {
	if clk == nil {
		clk = clock.Real()
	}
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Machine{
		kind:      kind,
		sessionID: sessionID,
		threshold: threshold,
		act:       act,
		clock:     clk,
		metrics:   m,
	}
}

// OnTransition registers fn to receive every subsequent transition.
func (m *Machine) OnTransition(fn func(Transition)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// State returns the current state.
func (m *Machine) State() types.MonitorState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Status returns the current state together with the actuator value.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		Kind:            m.kind,
		SessionID:       m.sessionID,
		State:           m.state,
		ActuatorEnabled: m.act.Enabled(),
		At:              m.clock.Now(),
	}
}

// Start moves Off → Active and enables the actuator. It is a no-op in any
// other state.
func (m *Machine) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != types.StateOff || m.stopped {
		return
	}
	m.lastActive = m.clock.Now()
	m.transitionLocked(types.StateActive, ReasonStart)
}

// BeginAnalysis moves Active → Analyzing. The actuator is left untouched. In
// any other state the call is ignored; a suppressed machine stays suppressed
// while a probe is being classified.
func (m *Machine) BeginAnalysis() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == types.StateActive {
		m.transitionLocked(types.StateAnalyzing, ReasonAnalyzing)
	}
}

// Observe applies one classification. Results arriving after Stop are
// ignored.
func (m *Machine) Observe(c types.Classification) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == types.StateOff {
		return
	}

	if c.Active {
		m.cancelTimerLocked()
		m.lastActive = m.clock.Now()
		if m.state != types.StateActive {
			reason := ReasonActive
			if c.Fallback {
				reason = ReasonFallback
			}
			m.transitionLocked(types.StateActive, reason)
		}
		return
	}

	if m.state == types.StateSuppressed {
		return
	}
	elapsed := m.clock.Now().Sub(m.lastActive)
	if m.expired || elapsed >= m.threshold {
		m.transitionLocked(types.StateSuppressed, ReasonInactive)
		return
	}
	if m.timer == nil {
		m.armTimerLocked(m.threshold - elapsed)
	}
	if m.state == types.StateAnalyzing {
		m.transitionLocked(types.StateActive, ReasonPending)
	}
}

// Override forces the actuator. muted=true moves to Suppressed, muted=false
// moves to Active and restarts the inactivity window. It reports false when
// the machine is Off.
func (m *Machine) Override(muted bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == types.StateOff {
		return false
	}
	m.cancelTimerLocked()
	if muted {
		if m.state != types.StateSuppressed {
			m.transitionLocked(types.StateSuppressed, ReasonManualMute)
		}
		return true
	}
	m.lastActive = m.clock.Now()
	if m.state != types.StateActive {
		m.transitionLocked(types.StateActive, ReasonManualUnmute)
	}
	return true
}

// Stop cancels the inactivity timer, re-enables the actuator and moves to
// Off. Once stopped the machine cannot be started again. Safe to call more
// than once.
func (m *Machine) Stop(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	if m.state == types.StateOff {
		return
	}
	m.cancelTimerLocked()
	m.transitionLocked(types.StateOff, reason)
}

// Armed reports whether the inactivity timer is pending.
func (m *Machine) Armed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timer != nil
}

func (m *Machine) armTimerLocked(d time.Duration) {
	m.timerGen++
	gen := m.timerGen
	m.timer = m.clock.AfterFunc(d, func() { m.expire(gen) })
}

func (m *Machine) cancelTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
		m.timerGen++
	}
	m.expired = false
}

// expire runs when the inactivity deadline passes. A deadline reached while
// a classification is in flight is applied when the result arrives.
func (m *Machine) expire(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.timerGen {
		return
	}
	m.timer = nil
	switch m.state {
	case types.StateActive:
		m.transitionLocked(types.StateSuppressed, ReasonTimeout)
	case types.StateAnalyzing:
		m.expired = true
	}
}

func (m *Machine) transitionLocked(to types.MonitorState, reason string) {
	from := m.state
	m.state = to

	switch to {
	case types.StateActive, types.StateOff:
		m.applyLocked(true)
	case types.StateSuppressed:
		m.expired = false
		m.applyLocked(false)
	}

	now := m.clock.Now()
	ctx := context.Background()
	m.metrics.RecordTransition(ctx, string(m.kind), from.String(), to.String())
	slog.Debug("monitor transition",
		"kind", m.kind, "session_id", m.sessionID,
		"from", from, "to", to, "reason", reason)

	t := Transition{
		Kind:            m.kind,
		SessionID:       m.sessionID,
		From:            from,
		To:              to,
		Reason:          reason,
		ActuatorEnabled: m.act.Enabled(),
		At:              now,
	}
	for _, fn := range m.listeners {
		fn(t)
	}
}

func (m *Machine) applyLocked(enabled bool) {
	if _, err := m.act.Set(enabled); err != nil {
		slog.Warn("actuator update failed", "kind", m.kind, "enabled", enabled, "err", err)
	}
}
