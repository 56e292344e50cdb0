// Package mock provides in-memory implementations of the [media.Acquirer],
// [media.Prober] and [media.Resource] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	res := mock.NewResource(types.KindAudio)
//	acq := &mock.Acquirer{Resource: res}
//	got, err := acq.Acquire(ctx, types.KindAudio)
//	res.Emit(sample) // deliver a captured frame
//	res.End()        // simulate the device disappearing
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/presencegate/pkg/media"
	"github.com/MrWong99/presencegate/pkg/types"
)

// ─── Resource ────────────────────────────────────────────────────────────────

// Resource is a mock implementation of [media.Resource].
type Resource struct {
	mu sync.Mutex

	kind    types.Kind
	latest  types.Sample
	hasLast bool
	stream  chan types.Sample
	closed  bool
	ended   bool
	onEnded []func()
	enabled bool

	// SetEnabledErr, if non-nil, is returned by SetEnabled.
	SetEnabledErr error

	// EnabledCalls records every value passed to SetEnabled, in order.
	EnabledCalls []bool

	// ReleaseCalls counts calls to Release.
	ReleaseCalls int
}

// NewResource returns a Resource of kind whose track starts enabled.
func NewResource(kind types.Kind) *Resource {
	return &Resource{
		kind:    kind,
		stream:  make(chan types.Sample, 16),
		enabled: true,
	}
}

// Kind implements [media.Resource].
func (r *Resource) Kind() types.Kind { return r.kind }

// Latest implements [media.Resource]. The sample is consumed.
func (r *Resource) Latest() (types.Sample, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.latest, r.hasLast
	r.latest, r.hasLast = types.Sample{}, false
	return s, ok
}

// Stream implements [media.Resource].
func (r *Resource) Stream() <-chan types.Sample { return r.stream }

// SetEnabled implements [media.Resource].
func (r *Resource) SetEnabled(enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.EnabledCalls = append(r.EnabledCalls, enabled)
	if r.SetEnabledErr != nil {
		return r.SetEnabledErr
	}
	r.enabled = enabled
	return nil
}

// Enabled returns the current track flag.
func (r *Resource) Enabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// OnEnded implements [media.Resource].
func (r *Resource) OnEnded(fn func()) {
	r.mu.Lock()
	if r.ended {
		r.mu.Unlock()
		fn()
		return
	}
	r.onEnded = append(r.onEnded, fn)
	r.mu.Unlock()
}

// Release implements [media.Resource].
func (r *Resource) Release() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ReleaseCalls++
	r.closeLocked()
	return nil
}

// Released reports whether Release has been called at least once.
func (r *Resource) Released() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ReleaseCalls > 0
}

// Emit records s as the latest sample and offers it on the stream without
// blocking. Samples emitted after release are ignored.
func (r *Resource) Emit(s types.Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.latest = s
	r.hasLast = true
	select {
	case r.stream <- s:
	default:
	}
}

// End simulates the source ending on its own. Registered OnEnded callbacks
// run synchronously on the caller's goroutine.
func (r *Resource) End() {
	r.mu.Lock()
	if r.ended {
		r.mu.Unlock()
		return
	}
	r.ended = true
	r.closeLocked()
	fns := r.onEnded
	r.onEnded = nil
	r.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func (r *Resource) closeLocked() {
	if !r.closed {
		r.closed = true
		close(r.stream)
	}
}

var _ media.Resource = (*Resource)(nil)

// ─── Acquirer ────────────────────────────────────────────────────────────────

// ProbeCall records a single invocation of Acquirer.Probe.
type ProbeCall struct {
	Kind types.Kind
}

// Acquirer is a mock implementation of [media.Acquirer] and [media.Prober].
type Acquirer struct {
	mu sync.Mutex

	// Resource is returned by Acquire when non-nil. When nil, Acquire returns
	// a fresh [Resource] for each call; see Resources.
	Resource *Resource

	// AcquireErr, if non-nil, is returned by Acquire.
	AcquireErr error

	// Gate, if non-nil, makes Acquire block until the channel is closed or
	// ctx is done. Use it to hold an acquisition open in concurrency tests.
	Gate chan struct{}

	// AcquireCalls counts calls to Acquire.
	AcquireCalls int

	// Resources lists every Resource handed out, in order.
	Resources []*Resource

	// ProbeSample is returned by Probe.
	ProbeSample types.Sample

	// ProbeErr, if non-nil, is returned by Probe.
	ProbeErr error

	// ProbeCalls records every call to Probe.
	ProbeCalls []ProbeCall
}

// Acquire implements [media.Acquirer].
func (a *Acquirer) Acquire(ctx context.Context, kind types.Kind) (media.Resource, error) {
	a.mu.Lock()
	a.AcquireCalls++
	gate := a.Gate
	a.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.AcquireErr != nil {
		return nil, a.AcquireErr
	}
	res := a.Resource
	if res == nil {
		res = NewResource(kind)
	}
	a.Resources = append(a.Resources, res)
	return res, nil
}

// Probe implements [media.Prober].
func (a *Acquirer) Probe(_ context.Context, kind types.Kind) (types.Sample, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ProbeCalls = append(a.ProbeCalls, ProbeCall{Kind: kind})
	if a.ProbeErr != nil {
		return types.Sample{}, a.ProbeErr
	}
	s := a.ProbeSample
	s.Kind = kind
	s.Probe = true
	return s, nil
}

// Calls returns the number of Acquire calls so far.
func (a *Acquirer) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.AcquireCalls
}

// Last returns the most recently handed out resource, or nil.
func (a *Acquirer) Last() *Resource {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.Resources) == 0 {
		return nil
	}
	return a.Resources[len(a.Resources)-1]
}

var (
	_ media.Acquirer = (*Acquirer)(nil)
	_ media.Prober   = (*Acquirer)(nil)
)
