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
	"github.com/MrWong99/presencegate/pkg/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Adapter feeds samples through a [classifier.Classifier] into a [Machine].
//
// In [RecheckLocal] mode classification runs synchronously on the caller's
// goroutine and any error counts as inactive. In [RecheckRemote] mode the
// call runs in the background under a locally enforced timeout with at most
// one call in flight; samples arriving meanwhile are dropped. Failures are
// replaced by the verdict of the configured [FailurePolicy].
type Adapter struct {
	kind    types.Kind
	cls     classifier.Classifier
	machine *Machine
	mode    RecheckMode
	policy  FailurePolicy
	timeout time.Duration
	params  classifier.Params
	clock   clock.Clock
	metrics *observe.Metrics

	ctx      context.Context
	cancel   context.CancelFunc
	inflight atomic.Bool

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

// NewAdapter returns an Adapter driving machine according to cfg.
func NewAdapter(kind types.Kind, cls classifier.Classifier, machine *Machine, cfg Config, clk clock.Clock, m *observe.Metrics) *Adapter {
	if clk == nil {
		clk = clock.Real()
	}
	if m == nil {
		m = observe.DefaultMetrics()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Adapter{
		kind:    kind,
		cls:     cls,
		machine: machine,
		mode:    cfg.RecheckMode,
		policy:  cfg.FailurePolicy,
		timeout: cfg.ClassifyTimeout,
		params: classifier.Params{
			Sensitivity:         classifier.SensitivityOf(cfg.Sensitivity),
			InactivityThreshold: cfg.InactivityThreshold,
		},
		clock:   clk,
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Submit classifies s and applies the result. It never blocks on a remote
// classifier.
func (a *Adapter) Submit(s types.Sample) {
	if a.ctx.Err() != nil {
		return
	}
	if a.mode == RecheckLocal {
		a.classifyLocal(s)
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return
	}
	if !a.inflight.CompareAndSwap(false, true) {
		a.metrics.RecordDroppedSample(a.ctx, string(a.kind))
		return
	}
	a.machine.BeginAnalysis()
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.inflight.Store(false)
		a.classifyRemote(s)
	}()
}

// Stop cancels an in-flight classification and waits for the adapter to
// let go of it. A classifier still running past cancellation is abandoned
// and its result discarded. Submit is a no-op afterwards.
func (a *Adapter) Stop() {
	a.mu.Lock()
	a.stopped = true
	a.cancel()
	a.mu.Unlock()
	a.wg.Wait()
}

func (a *Adapter) classifyLocal(s types.Sample) {
	start := time.Now()
	c, err := a.cls.Classify(a.ctx, s, a.params)
	if err != nil {
		slog.Debug("local classification failed", "kind", a.kind, "err", err)
		c = types.Classification{Active: false}
	}
	a.record(string(RecheckLocal), c, err, time.Since(start))
	if c.At.IsZero() {
		c.At = a.clock.Now()
	}
	a.machine.Observe(c)
}

func (a *Adapter) classifyRemote(s types.Sample) {
	ctx, span := observe.StartKindSpan(a.ctx, "classifier.remote", a.kind,
		attribute.Bool("probe", s.Probe))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()
	c, err := a.await(ctx, s)
	if a.ctx.Err() != nil {
		// Stopped while in flight.
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observe.Logger(ctx).Warn("remote classification failed, applying failure policy",
			"kind", a.kind, "policy", a.policy, "err", err)
		c = a.fallback()
	}
	a.record(string(RecheckRemote), c, err, time.Since(start))
	a.machine.Observe(c)
}

type verdict struct {
	c   types.Classification
	err error
}

// await runs the classifier on its own goroutine and gives up when ctx ends,
// so a classifier that ignores its context cannot hold the session. The
// abandoned call finishes into the buffered channel and is discarded.
func (a *Adapter) await(ctx context.Context, s types.Sample) (types.Classification, error) {
	done := make(chan verdict, 1)
	go func() {
		c, err := a.cls.Classify(ctx, s, a.params)
		done <- verdict{c: c, err: err}
	}()
	select {
	case v := <-done:
		return v.c, v.err
	case <-ctx.Done():
		return types.Classification{}, ctx.Err()
	}
}

func (a *Adapter) fallback() types.Classification {
	return types.Classification{
		Active:   a.policy != FailClosed,
		Fallback: true,
		At:       a.clock.Now(),
	}
}

func (a *Adapter) record(mode string, c types.Classification, err error, d time.Duration) {
	result := "inactive"
	switch {
	case err != nil && mode == string(RecheckRemote):
		result = "fallback"
	case err != nil:
		result = "error"
	case c.Active:
		result = "active"
	}
	a.metrics.RecordClassification(context.Background(), string(a.kind), mode, result, d.Seconds())
}
