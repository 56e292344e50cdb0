// Package feed provides a [media.Acquirer] backed by capture agents that
// attach over WebSocket.
//
// A capture agent runs in the execution context that owns the physical
// tracks (a browser tab, a desktop helper). It attaches once per kind,
// streams frames and obeys capture, enable and probe commands. At most one
// agent may be attached per kind and at most one lease may be held on it.
// When the agent disconnects, the lease's ended event fires.
//
// Frame formats are u8 and pcm16 audio, Opus packets (decoded to pcm16 at
// 48 kHz) and JPEG or PNG video frames. See [AgentMessage] and
// [DaemonMessage] for the wire shapes.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/presencegate/pkg/media"
	"github.com/MrWong99/presencegate/pkg/types"
)

// Compile-time interface assertions.
var (
	_ media.Acquirer = (*Platform)(nil)
	_ media.Prober   = (*Platform)(nil)
)

var (
	// ErrDetached is returned when a command targets an agent that is gone
	// or a lease that is over.
	ErrDetached = errors.New("feed: capture agent detached")

	// ErrProbeInFlight is returned when a probe is already outstanding.
	ErrProbeInFlight = errors.New("feed: probe already in flight")
)

const (
	defaultStreamBuffer = 16
	agentSendBuffer     = 16
	agentWriteTimeout   = 5 * time.Second
	agentReadLimit      = 4 << 20
)

// Option configures a [Platform].
type Option func(*Platform)

// WithAttachWait makes Acquire wait up to d for an agent to attach before
// failing with device_absent. Defaults to 0 (fail immediately).
func WithAttachWait(d time.Duration) Option {
	return func(p *Platform) { p.attachWait = d }
}

// WithStreamBuffer sets the per-lease stream buffer. Defaults to 16.
func WithStreamBuffer(n int) Option {
	return func(p *Platform) {
		if n > 0 {
			p.streamBuffer = n
		}
	}
}

// WithOriginPatterns sets the origins accepted by [Platform.ServeAgent].
func WithOriginPatterns(patterns ...string) Option {
	return func(p *Platform) { p.origins = patterns }
}

// AgentStatus describes the agent attached for one kind.
type AgentStatus struct {
	Kind       types.Kind `json:"kind"`
	Attached   bool       `json:"attached"`
	Permission bool       `json:"permission"`
	Leased     bool       `json:"leased"`
}

// Platform is the registry of attached capture agents.
//
// Platform is safe for concurrent use.
type Platform struct {
	attachWait   time.Duration
	streamBuffer int
	origins      []string

	mu      sync.Mutex
	agents  map[types.Kind]*agent
	changed chan struct{} // closed and replaced whenever an agent attaches
}

// New returns an empty Platform.
func New(opts ...Option) *Platform {
	p := &Platform{
		streamBuffer: defaultStreamBuffer,
		agents:       make(map[types.Kind]*agent),
		changed:      make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Acquire leases the track of the agent attached for kind.
func (p *Platform) Acquire(ctx context.Context, kind types.Kind) (media.Resource, error) {
	if !kind.IsValid() {
		return nil, &media.AcquisitionError{Kind: kind, Reason: media.ReasonDeviceAbsent, Err: fmt.Errorf("unknown kind %q", kind)}
	}

	var deadline <-chan time.Time
	if p.attachWait > 0 {
		t := time.NewTimer(p.attachWait)
		defer t.Stop()
		deadline = t.C
	}
	for {
		p.mu.Lock()
		a := p.agents[kind]
		changed := p.changed
		p.mu.Unlock()

		if a != nil {
			l, err := a.lease(p.streamBuffer)
			if err != nil {
				return nil, err
			}
			if err := a.command(DaemonMessage{Type: TypeCapture, Enabled: boolPtr(true)}); err != nil {
				l.finish(false)
				a.unlease(l)
				return nil, &media.AcquisitionError{Kind: kind, Reason: media.ReasonDeviceAbsent, Err: err}
			}
			slog.Info("capture agent leased", "kind", kind, "agent_id", a.id)
			return l, nil
		}
		if deadline == nil {
			return nil, &media.AcquisitionError{Kind: kind, Reason: media.ReasonDeviceAbsent}
		}

		select {
		case <-changed:
		case <-deadline:
			return nil, &media.AcquisitionError{Kind: kind, Reason: media.ReasonDeviceAbsent}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Probe asks the agent for kind to capture one frame from a transient
// secondary source and waits for it.
func (p *Platform) Probe(ctx context.Context, kind types.Kind) (types.Sample, error) {
	p.mu.Lock()
	a := p.agents[kind]
	p.mu.Unlock()
	if a == nil {
		return types.Sample{}, ErrDetached
	}
	return a.probe(ctx)
}

// Status reports the agent state of every kind in [types.Kinds] order.
func (p *Platform) Status() []AgentStatus {
	kinds := types.Kinds()
	out := make([]AgentStatus, 0, len(kinds))
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, k := range kinds {
		st := AgentStatus{Kind: k}
		if a := p.agents[k]; a != nil {
			st.Attached = true
			st.Permission, st.Leased = a.state()
		}
		out = append(out, st)
	}
	return out
}

// ServeAgent upgrades the request to a WebSocket and attaches it as the
// capture agent for kind. A second agent for the same kind is refused with
// 409 Conflict.
func (p *Platform) ServeAgent(w http.ResponseWriter, r *http.Request, kind types.Kind) {
	if !kind.IsValid() {
		http.Error(w, fmt.Sprintf("unknown kind %q", kind), http.StatusNotFound)
		return
	}

	a := newAgent(kind)
	p.mu.Lock()
	if p.agents[kind] != nil {
		p.mu.Unlock()
		http.Error(w, fmt.Sprintf("a %s capture agent is already attached", kind), http.StatusConflict)
		return
	}
	p.agents[kind] = a
	p.mu.Unlock()

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: p.origins})
	if err != nil {
		slog.Warn("capture agent accept failed", "kind", kind, "err", err)
		p.detach(a)
		return
	}
	ws.SetReadLimit(agentReadLimit)

	p.mu.Lock()
	close(p.changed)
	p.changed = make(chan struct{})
	p.mu.Unlock()
	slog.Info("capture agent attached", "kind", kind, "agent_id", a.id, "remote", r.RemoteAddr)

	a.serve(r.Context(), ws)

	p.detach(a)
	ws.Close(websocket.StatusNormalClosure, "")
	slog.Info("capture agent detached", "kind", kind, "agent_id", a.id)
}

func (p *Platform) detach(a *agent) {
	p.mu.Lock()
	if p.agents[a.kind] == a {
		delete(p.agents, a.kind)
	}
	p.mu.Unlock()
	a.close()
}
