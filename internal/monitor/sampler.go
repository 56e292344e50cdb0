package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/presencegate/internal/clock"
	"github.com/MrWong99/presencegate/pkg/media"
	"github.com/MrWong99/presencegate/pkg/types"
)

// ErrNotAcquired is returned by [Sampler.SetEnabled] before the resource has
// been acquired or after it has been released.
var ErrNotAcquired = errors.New("monitor: resource not acquired")

// probeTimeout bounds a single secondary-source probe.
const probeTimeout = 2 * time.Second

// Sampler acquires a media resource and turns it into a push stream of
// samples, either by polling the latest capture on a fixed interval or by
// forwarding every streamed chunk.
//
// While the gate reports suppression and probing is enabled, the sampler
// replaces primary samples with one-shot probes from the [media.Prober].
type Sampler struct {
	kind     types.Kind
	acq      media.Acquirer
	prober   media.Prober
	clock    clock.Clock
	interval time.Duration
	stream   bool
	gate     func() bool

	mu        sync.Mutex
	res       media.Resource
	callbacks []func(types.Sample)
	ended     []func()
	cancel    context.CancelFunc
	done      chan struct{}
	stopped   bool
}

// SamplerOption configures a [Sampler].
type SamplerOption func(*Sampler)

// WithProbe enables secondary probing. gate reports whether the primary
// track is currently suppressed.
func WithProbe(p media.Prober, gate func() bool) SamplerOption {
	return func(s *Sampler) {
		s.prober = p
		s.gate = gate
	}
}

// WithStreaming forwards every streamed chunk instead of polling.
func WithStreaming() SamplerOption {
	return func(s *Sampler) { s.stream = true }
}

// NewSampler returns a Sampler for kind. Nothing is acquired until Start.
func NewSampler(kind types.Kind, acq media.Acquirer, interval time.Duration, clk clock.Clock, opts ...SamplerOption) *Sampler {
	if clk == nil {
		clk = clock.Real()
	}
	s := &Sampler{kind: kind, acq: acq, clock: clk, interval: interval}
	for _, o := range opts {
		o(s)
	}
	return s
}

// OnSample registers cb to receive every produced sample. Callbacks run on the
// sampling goroutine and should return quickly. Register before Start.
func (s *Sampler) OnSample(cb func(types.Sample)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, cb)
}

// OnEnded registers fn to be called when the acquired resource ends on its
// own. Register before Start.
func (s *Sampler) OnEnded(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = append(s.ended, fn)
}

// Start acquires the resource and begins sampling. Acquisition failures are
// returned unchanged, typically as [*media.AcquisitionError]. Start may be
// called at most once.
func (s *Sampler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return errors.New("monitor: sampler already stopped")
	}
	if s.res != nil {
		s.mu.Unlock()
		return errors.New("monitor: sampler already started")
	}
	s.mu.Unlock()

	res, err := s.acq.Acquire(ctx, s.kind)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.stopped {
		// Stop ran while we were acquiring.
		s.mu.Unlock()
		if rerr := res.Release(); rerr != nil {
			slog.Warn("release after cancelled start failed", "kind", s.kind, "err", rerr)
		}
		return errors.New("monitor: sampler stopped during acquisition")
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s.res = res
	s.cancel = cancel
	s.done = make(chan struct{})
	ticker := s.clock.NewTicker(s.interval)
	ended := append([]func(){}, s.ended...)
	s.mu.Unlock()

	res.OnEnded(func() {
		for _, fn := range ended {
			fn()
		}
	})

	go s.run(runCtx, res, ticker)
	return nil
}

// Resource returns the acquired resource, or nil.
func (s *Sampler) Resource() media.Resource {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.res
}

// SetEnabled forwards to the acquired resource. It lets a Sampler act as the
// [Switch] behind an [Actuator].
func (s *Sampler) SetEnabled(enabled bool) error {
	s.mu.Lock()
	res := s.res
	s.mu.Unlock()
	if res == nil {
		return ErrNotAcquired
	}
	return res.SetEnabled(enabled)
}

// Stop halts sampling and releases the resource before returning, so the same
// source can be acquired again immediately. Safe to call any number of times,
// including before Start.
func (s *Sampler) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	res, cancel, done := s.res, s.cancel, s.done
	s.res = nil
	s.mu.Unlock()

	if res == nil {
		return nil
	}
	cancel()
	<-done
	return res.Release()
}

func (s *Sampler) run(ctx context.Context, res media.Resource, ticker clock.Ticker) {
	defer close(s.done)
	defer ticker.Stop()

	var stream <-chan types.Sample
	if s.stream {
		stream = res.Stream()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case smp, ok := <-stream:
			if !ok {
				stream = nil
				continue
			}
			if !s.probing() {
				s.emit(smp)
			}
		case <-ticker.C():
			switch {
			case s.probing():
				s.probe(ctx)
			case !s.stream:
				if smp, ok := res.Latest(); ok {
					s.emit(smp)
				}
			}
		}
	}
}

func (s *Sampler) probing() bool {
	return s.prober != nil && s.gate != nil && s.gate()
}

// probe captures one sample from the secondary source. Failures are logged
// and skipped; the next tick tries again.
func (s *Sampler) probe(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	smp, err := s.prober.Probe(ctx, s.kind)
	if err != nil {
		if ctx.Err() == nil {
			slog.Debug("probe failed", "kind", s.kind, "err", err)
		}
		return
	}
	smp.Probe = true
	s.emit(smp)
}

func (s *Sampler) emit(smp types.Sample) {
	if smp.Kind == "" {
		smp.Kind = s.kind
	}
	if smp.At.IsZero() {
		smp.At = s.clock.Now()
	}
	s.mu.Lock()
	cbs := s.callbacks
	s.mu.Unlock()
	for _, cb := range cbs {
		cb(smp)
	}
}
