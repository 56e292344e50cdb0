package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/presencegate/pkg/media"
	"github.com/MrWong99/presencegate/pkg/types"
)

// agent is one attached capture agent.
type agent struct {
	id   string
	kind types.Kind
	send chan []byte
	dec  frameDecoder

	mu         sync.Mutex
	closed     bool
	permission bool
	current    *lease
	probeWait  chan types.Sample
}

func newAgent(kind types.Kind) *agent {
	return &agent{
		id:         uuid.NewString(),
		kind:       kind,
		send:       make(chan []byte, agentSendBuffer),
		dec:        frameDecoder{kind: kind},
		permission: true,
	}
}

func (a *agent) state() (permission, leased bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.permission, a.current != nil
}

func (a *agent) lease(buffer int) (*lease, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case a.closed:
		return nil, &media.AcquisitionError{Kind: a.kind, Reason: media.ReasonDeviceAbsent, Err: ErrDetached}
	case !a.permission:
		return nil, &media.AcquisitionError{Kind: a.kind, Reason: media.ReasonPermissionDenied}
	case a.current != nil:
		return nil, &media.AcquisitionError{Kind: a.kind, Reason: media.ReasonBusy}
	}
	a.current = newLease(a, buffer)
	return a.current, nil
}

// unlease clears l if it is the current lease.
func (a *agent) unlease(l *lease) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current != l {
		return false
	}
	a.current = nil
	return true
}

// command queues m for the agent without blocking.
func (a *agent) command(m DaemonMessage) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("feed: encode %s: %w", m.Type, err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrDetached
	}
	select {
	case a.send <- data:
		return nil
	default:
		return fmt.Errorf("feed: %s agent send queue full", a.kind)
	}
}

func (a *agent) probe(ctx context.Context) (types.Sample, error) {
	wait := make(chan types.Sample, 1)
	a.mu.Lock()
	if a.probeWait != nil {
		a.mu.Unlock()
		return types.Sample{}, ErrProbeInFlight
	}
	a.probeWait = wait
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		if a.probeWait == wait {
			a.probeWait = nil
		}
		a.mu.Unlock()
	}()

	if err := a.command(DaemonMessage{Type: TypeProbe}); err != nil {
		return types.Sample{}, err
	}
	select {
	case s, ok := <-wait:
		if !ok {
			return types.Sample{}, ErrDetached
		}
		return s, nil
	case <-ctx.Done():
		return types.Sample{}, ctx.Err()
	}
}

// serve runs the agent's read loop and write pump until the connection ends.
func (a *agent) serve(ctx context.Context, ws *websocket.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case data := <-a.send:
				wctx, wcancel := context.WithTimeout(ctx, agentWriteTimeout)
				err := ws.Write(wctx, websocket.MessageText, data)
				wcancel()
				if err != nil {
					slog.Debug("capture agent write failed", "kind", a.kind, "err", err)
					return
				}
			}
		}
	}()

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if ctx.Err() == nil && websocket.CloseStatus(err) == -1 {
				slog.Debug("capture agent read ended", "kind", a.kind, "err", err)
			}
			break
		}
		var m AgentMessage
		if err := json.Unmarshal(data, &m); err != nil {
			slog.Warn("invalid capture agent message", "kind", a.kind, "err", err)
			continue
		}
		a.handle(m)
	}
	cancel()
	<-pumpDone
}

func (a *agent) handle(m AgentMessage) {
	switch m.Type {
	case TypeHello:
		if m.Permission != nil {
			a.mu.Lock()
			a.permission = *m.Permission
			a.mu.Unlock()
			slog.Info("capture agent hello", "kind", a.kind, "permission", *m.Permission)
		}
	case TypeFrame:
		s, err := a.dec.decode(m)
		if err != nil {
			slog.Debug("dropping capture frame", "kind", a.kind, "format", m.Format, "err", err)
			return
		}
		a.mu.Lock()
		cur, wait := a.current, a.probeWait
		if s.Probe && wait != nil {
			a.probeWait = nil
		}
		a.mu.Unlock()
		if s.Probe {
			if wait != nil {
				wait <- s
			}
			return
		}
		if cur != nil {
			cur.deliver(s)
		}
	case TypeEnded:
		a.mu.Lock()
		cur := a.current
		a.current = nil
		a.mu.Unlock()
		if cur != nil {
			slog.Info("capture track ended", "kind", a.kind)
			cur.finish(true)
		}
	default:
		slog.Warn("unknown capture agent message", "kind", a.kind, "type", m.Type)
	}
}

// close marks the agent gone, ends its lease and fails a pending probe.
func (a *agent) close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	cur, wait := a.current, a.probeWait
	a.current, a.probeWait = nil, nil
	a.mu.Unlock()

	if wait != nil {
		close(wait)
	}
	if cur != nil {
		cur.finish(true)
	}
}
