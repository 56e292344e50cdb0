package monitor

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/presencegate/internal/clock"
	"github.com/MrWong99/presencegate/internal/observe"
	"github.com/MrWong99/presencegate/pkg/classifier"
	"github.com/MrWong99/presencegate/pkg/media"
	"github.com/MrWong99/presencegate/pkg/types"
	"github.com/google/uuid"
)

// Session owns one Sampler → Adapter → Machine → Actuator pipeline bound to
// one acquired media resource.
//
// A Session is started once. Stop tears the pipeline down on every exit path
// (explicit stop, resource ended, failed start) and is safe to call
// concurrently; only the first call does any work.
type Session struct {
	id        string
	kind      types.Kind
	cfg       Config
	startedAt time.Time

	sampler *Sampler
	adapter *Adapter
	machine *Machine

	stopOnce sync.Once
	stopping atomic.Bool
	done     chan struct{}
	stopErr  error
	onStop   func(*Session)
}

// sessionDeps bundles the collaborators of a new Session.
type sessionDeps struct {
	acq     media.Acquirer
	cls     classifier.Classifier
	clock   clock.Clock
	metrics *observe.Metrics
	onStop  func(*Session)
	listen  func(Transition)
}

func newSession(kind types.Kind, cfg Config, d sessionDeps) *Session {
	s := &Session{
		id:     uuid.NewString(),
		kind:   kind,
		cfg:    cfg,
		done:   make(chan struct{}),
		onStop: d.onStop,
	}

	var samplerOpts []SamplerOption
	if cfg.Stream {
		samplerOpts = append(samplerOpts, WithStreaming())
	}
	if p, ok := d.acq.(media.Prober); ok && cfg.Probe {
		samplerOpts = append(samplerOpts, WithProbe(p, s.suppressed))
	}
	s.sampler = NewSampler(kind, d.acq, cfg.SampleInterval, d.clock, samplerOpts...)
	s.machine = NewMachine(kind, s.id, cfg.InactivityThreshold, NewActuator(s.sampler), d.clock, d.metrics)
	s.adapter = NewAdapter(kind, d.cls, s.machine, cfg, d.clock, d.metrics)

	if d.listen != nil {
		s.machine.OnTransition(d.listen)
	}
	s.sampler.OnSample(s.adapter.Submit)
	s.sampler.OnEnded(func() {
		// The ended callback may fire from inside the media bridge; never
		// block it on teardown.
		go s.Stop(ReasonResourceEnded)
	})
	return s
}

// start acquires the resource and moves the machine to Active. On failure
// the session is torn down and the acquisition error returned.
func (s *Session) start(ctx context.Context) error {
	if err := s.sampler.Start(ctx); err != nil {
		s.stopOnce.Do(func() {
			s.stopping.Store(true)
			s.adapter.Stop()
			s.machine.Stop(ReasonStopped)
			close(s.done)
		})
		return err
	}
	s.startedAt = time.Now()
	s.machine.Start()
	slog.Info("monitor session started",
		"kind", s.kind, "session_id", s.id,
		"interval", s.cfg.SampleInterval, "threshold", s.cfg.InactivityThreshold,
		"mode", s.cfg.RecheckMode)
	return nil
}

// Stop tears the session down: pending classification and timers are
// cancelled, the actuator is re-enabled, the state becomes Off and the
// resource is released, all before Stop returns.
func (s *Session) Stop(reason string) error {
	s.stopOnce.Do(func() {
		s.stopping.Store(true)
		s.adapter.Stop()
		s.machine.Stop(reason)
		s.stopErr = s.sampler.Stop()
		if s.stopErr != nil {
			slog.Warn("release media resource failed", "kind", s.kind, "session_id", s.id, "err", s.stopErr)
		}
		slog.Info("monitor session stopped", "kind", s.kind, "session_id", s.id, "reason", reason)
		if s.onStop != nil {
			s.onStop(s)
		}
		close(s.done)
	})
	<-s.done
	return s.stopErr
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Kind returns the gated media kind.
func (s *Session) Kind() types.Kind { return s.kind }

// StartedAt returns when the resource was acquired.
func (s *Session) StartedAt() time.Time { return s.startedAt }

// Config returns the immutable configuration the session was started with.
func (s *Session) Config() Config { return s.cfg }

// Status returns the current state snapshot.
func (s *Session) Status() Status { return s.machine.Status() }

// Done is closed once the session has fully stopped.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) suppressed() bool {
	return s.machine.State() == types.StateSuppressed
}
