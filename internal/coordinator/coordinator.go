// Package coordinator relays commands and status between control surfaces
// and the monitor sessions.
//
// Any number of connections may be attached. Each receives the current state
// of every kind on connect and every transition afterwards. Commands are
// idempotent and keyed by request id; a replayed id is answered from a
// bounded cache. Disconnecting does not stop sessions unless the coordinator
// is configured to stop on disconnect.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/presencegate/internal/clock"
	"github.com/MrWong99/presencegate/internal/monitor"
	"github.com/MrWong99/presencegate/internal/observe"
	"github.com/MrWong99/presencegate/pkg/protocol"
	"github.com/MrWong99/presencegate/pkg/media"
	"github.com/MrWong99/presencegate/pkg/types"
)

// Controller is the session registry the coordinator drives.
// [*monitor.Manager] implements it.
type Controller interface {
	Start(ctx context.Context, kind types.Kind, cfg monitor.Config) (monitor.Status, bool, error)
	Stop(kind types.Kind) (bool, error)
	SetMuted(kind types.Kind, muted bool) (monitor.Status, error)
	Statuses() []monitor.Status
	Subscribe(fn func(monitor.Transition)) (unsubscribe func())
}

var _ Controller = (*monitor.Manager)(nil)

// Defaults.
const (
	DefaultReplayCacheSize = 256
	DefaultSendBuffer      = 64
	DefaultStartTimeout    = 15 * time.Second
)

// Config controls connection and disconnect behaviour.
type Config struct {
	// StopOnDisconnect stops every session once the last connection has been
	// gone for DisconnectGrace. The default is to continue unattended.
	StopOnDisconnect bool
	DisconnectGrace  time.Duration

	ReplayCacheSize int
	SendBuffer      int

	// StartTimeout bounds a start command's acquisition. Commands outlive
	// the connection that sent them.
	StartTimeout time.Duration

	// Defaults returns the per-kind session defaults that wire configs are
	// layered onto. It is consulted on every start so reloaded defaults
	// apply to later sessions. Nil means [monitor.DefaultConfig].
	Defaults func(types.Kind) monitor.Config

	// AllowedOrigins are the origin patterns accepted by [Coordinator.ServeWS].
	// Empty accepts same-origin requests only.
	AllowedOrigins []string
}

// Coordinator is the cross-context message relay.
type Coordinator struct {
	ctl     Controller
	cfg     Config
	clock   clock.Clock
	metrics *observe.Metrics

	replay *replayCache
	sf     singleflight.Group
	unsub  func()

	mu     sync.Mutex
	conns  map[*Connection]struct{}
	grace  clock.Timer
	closed bool
}

// Option configures a [Coordinator].
type Option func(*Coordinator)

// WithClock overrides the clock used for the disconnect grace timer.
func WithClock(c clock.Clock) Option {
	return func(co *Coordinator) { co.clock = c }
}

// WithMetrics overrides the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(co *Coordinator) { co.metrics = m }
}

// New returns a Coordinator driving ctl and subscribes it to ctl's
// transitions.
func New(ctl Controller, cfg Config, opts ...Option) *Coordinator {
	if cfg.ReplayCacheSize <= 0 {
		cfg.ReplayCacheSize = DefaultReplayCacheSize
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DefaultSendBuffer
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = DefaultStartTimeout
	}
	if cfg.Defaults == nil {
		cfg.Defaults = monitor.DefaultConfig
	}
	c := &Coordinator{
		ctl:     ctl,
		cfg:     cfg,
		clock:   clock.Real(),
		metrics: observe.DefaultMetrics(),
		replay:  newReplayCache(cfg.ReplayCacheSize),
		conns:   make(map[*Connection]struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	c.unsub = ctl.Subscribe(c.broadcastTransition)
	return c
}

// Connect attaches a new connection and queues one status update per kind.
// A pending stop-on-disconnect is cancelled.
func (c *Coordinator) Connect() *Connection {
	conn := &Connection{
		id:        uuid.NewString(),
		coord:     c,
		send:      make(chan []byte, c.cfg.SendBuffer),
		attaching: true,
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.shut()
		return conn
	}
	c.conns[conn] = struct{}{}
	if c.grace != nil {
		c.grace.Stop()
		c.grace = nil
		slog.Info("pending stop on disconnect cancelled", "conn_id", conn.id)
	}
	n := len(c.conns)
	c.mu.Unlock()
	c.metrics.ConnectedObservers.Add(context.Background(), 1)

	// Transitions racing the snapshot read are held on conn and win over
	// the snapshot for their kind.
	if !conn.attach(c.ctl.Statuses()) {
		c.drop(conn, "snapshot not delivered")
		return conn
	}
	slog.Info("control surface connected", "conn_id", conn.id, "connections", n)
	return conn
}

// Disconnect detaches conn. Sessions keep running unless StopOnDisconnect
// is set and no connection remains after the grace period.
func (c *Coordinator) Disconnect(conn *Connection) {
	if !c.detach(conn) {
		return
	}
	slog.Info("control surface disconnected", "conn_id", conn.id)
	c.afterDetach()
}

// Connections returns the number of attached connections.
func (c *Coordinator) Connections() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.conns)
}

// Execute runs cmd once per request id and returns its acknowledgement.
// A repeated id returns the cached acknowledgement.
func (c *Coordinator) Execute(ctx context.Context, cmd protocol.Command) protocol.Ack {
	id := cmd.RequestID()
	if ack, ok := c.replay.get(id); ok {
		slog.Debug("replayed command", "id", id, "action", cmd.Verb(), "code", ack.Code)
		return ack
	}
	v, _, _ := c.sf.Do(id, func() (any, error) {
		if ack, ok := c.replay.get(id); ok {
			return ack, nil
		}
		ack := c.run(ctx, cmd)
		c.replay.put(id, ack)
		c.metrics.RecordCommand(ctx, string(cmd.Verb()), string(ack.Code))
		return ack, nil
	})
	return v.(protocol.Ack)
}

// Close unsubscribes from transitions and detaches every connection.
// Sessions are left to their owner.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.grace != nil {
		c.grace.Stop()
		c.grace = nil
	}
	conns := make([]*Connection, 0, len(c.conns))
	for conn := range c.conns {
		conns = append(conns, conn)
	}
	c.mu.Unlock()

	c.unsub()
	for _, conn := range conns {
		c.detach(conn)
	}
}

func (c *Coordinator) run(ctx context.Context, cmd protocol.Command) protocol.Ack {
	switch cmd := cmd.(type) {
	case protocol.StartCommand:
		return c.start(ctx, cmd)
	case protocol.StopCommand:
		return c.stop(cmd)
	case protocol.SetMutedCommand:
		return c.setMuted(cmd)
	default:
		return protocol.Ack{
			Action:  protocol.ActionAck,
			ID:      cmd.RequestID(),
			Code:    protocol.CodeInvalidCommand,
			Message: protocol.ErrUnsupportedAction.Error(),
		}
	}
}

func (c *Coordinator) start(ctx context.Context, cmd protocol.StartCommand) protocol.Ack {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.StartTimeout)
	defer cancel()

	cfg := c.monitorConfig(cmd.Kind, cmd.Config)
	st, existing, err := c.ctl.Start(ctx, cmd.Kind, cfg)
	ack := newAck(cmd, st)
	switch {
	case err == nil && existing:
		ack.OK, ack.Code = true, protocol.CodeAlreadyRunning
		if cmd.SessionID != "" && cmd.SessionID != st.SessionID {
			slog.Info("start resolved to a newer session", "kind", cmd.Kind, "requested", cmd.SessionID, "session_id", st.SessionID)
		}
	case err == nil:
		ack.OK, ack.Code = true, protocol.CodeOK
	default:
		ack.Code = startErrorCode(err)
		ack.Message = err.Error()
		if ae, ok := media.AsAcquisitionError(err); ok {
			ack.Reason = string(ae.Reason)
		}
		slog.Warn("start failed", "kind", cmd.Kind, "id", cmd.ID, "code", ack.Code, "err", err)
	}
	return ack
}

func startErrorCode(err error) protocol.Code {
	if _, ok := media.AsAcquisitionError(err); ok {
		return protocol.CodeAcquisitionError
	}
	if errors.Is(err, monitor.ErrInvalidConfig) || errors.Is(err, monitor.ErrInvalidKind) {
		return protocol.CodeInvalidCommand
	}
	return protocol.CodeInternal
}

func (c *Coordinator) stop(cmd protocol.StopCommand) protocol.Ack {
	stopped, err := c.ctl.Stop(cmd.Kind)
	ack := newAck(cmd, c.status(cmd.Kind))
	switch {
	case err != nil:
		// The session is gone either way; the error concerns releasing it.
		ack.OK, ack.Code, ack.Message = true, protocol.CodeOK, err.Error()
		slog.Warn("stop released with error", "kind", cmd.Kind, "err", err)
	case !stopped:
		ack.OK, ack.Code = true, protocol.CodeAlreadyStopped
	default:
		ack.OK, ack.Code = true, protocol.CodeOK
	}
	return ack
}

func (c *Coordinator) setMuted(cmd protocol.SetMutedCommand) protocol.Ack {
	st, err := c.ctl.SetMuted(cmd.Kind, *cmd.Muted)
	ack := newAck(cmd, st)
	switch {
	case errors.Is(err, monitor.ErrNotRunning):
		ack.Code, ack.Message = protocol.CodeNotRunning, err.Error()
	case err != nil:
		ack.Code, ack.Message = protocol.CodeInternal, err.Error()
	default:
		ack.OK, ack.Code = true, protocol.CodeOK
	}
	return ack
}

func (c *Coordinator) status(kind types.Kind) monitor.Status {
	for _, st := range c.ctl.Statuses() {
		if st.Kind == kind {
			return st
		}
	}
	return monitor.Status{Kind: kind, State: types.StateOff, ActuatorEnabled: true}
}

// monitorConfig layers the non-zero fields of wire over the current
// defaults for kind.
func (c *Coordinator) monitorConfig(kind types.Kind, wire *protocol.MonitorConfig) monitor.Config {
	cfg := c.cfg.Defaults(kind)
	if wire == nil {
		return cfg
	}
	if wire.SampleIntervalMs > 0 {
		cfg.SampleInterval = time.Duration(wire.SampleIntervalMs) * time.Millisecond
	}
	if wire.InactivityThresholdSeconds > 0 {
		cfg.InactivityThreshold = time.Duration(wire.InactivityThresholdSeconds * float64(time.Second))
	}
	if wire.RecheckMode != "" {
		cfg.RecheckMode = monitor.RecheckMode(wire.RecheckMode)
	}
	if wire.Sensitivity != nil {
		cfg.Sensitivity = *wire.Sensitivity
	}
	if wire.ClassifyTimeoutMs > 0 {
		cfg.ClassifyTimeout = time.Duration(wire.ClassifyTimeoutMs) * time.Millisecond
	}
	if wire.FailurePolicy != "" {
		cfg.FailurePolicy = monitor.FailurePolicy(wire.FailurePolicy)
	}
	if wire.Probe != nil {
		cfg.Probe = *wire.Probe
	}
	if wire.Stream {
		cfg.Stream = true
	}
	return cfg
}

// broadcastTransition fans t out to every connection. It runs under the
// transitioning machine's lock, so it never blocks: a connection whose
// buffer is full is dropped.
func (c *Coordinator) broadcastTransition(t monitor.Transition) {
	c.broadcast(statusUpdate(t.Status(), t.Reason))
}

func (c *Coordinator) broadcast(msg protocol.StatusUpdate) {
	c.mu.Lock()
	conns := make([]*Connection, 0, len(c.conns))
	for conn := range c.conns {
		conns = append(conns, conn)
	}
	c.mu.Unlock()

	for _, conn := range conns {
		if !conn.deliver(msg) {
			c.drop(conn, "send buffer full")
		}
	}
}

func (c *Coordinator) drop(conn *Connection, why string) {
	if !c.detach(conn) {
		return
	}
	slog.Warn("dropping slow control surface", "conn_id", conn.id, "reason", why)
	c.afterDetach()
}

// detach removes conn and closes its queue. It reports whether conn was
// attached.
func (c *Coordinator) detach(conn *Connection) bool {
	c.mu.Lock()
	_, ok := c.conns[conn]
	delete(c.conns, conn)
	c.mu.Unlock()
	conn.shut()
	if ok {
		c.metrics.ConnectedObservers.Add(context.Background(), -1)
	}
	return ok
}

// afterDetach applies the disconnect policy once the last connection is
// gone.
func (c *Coordinator) afterDetach() {
	if !c.cfg.StopOnDisconnect {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || len(c.conns) > 0 || c.grace != nil {
		return
	}
	if c.cfg.DisconnectGrace <= 0 {
		go c.stopUnattended()
		return
	}
	var t clock.Timer
	t = c.clock.AfterFunc(c.cfg.DisconnectGrace, func() {
		c.mu.Lock()
		if c.grace != t || len(c.conns) > 0 {
			c.mu.Unlock()
			return
		}
		c.grace = nil
		c.mu.Unlock()
		c.stopUnattended()
	})
	c.grace = t
	slog.Info("no control surface attached, stopping after grace", "grace", c.cfg.DisconnectGrace)
}

func (c *Coordinator) stopUnattended() {
	for _, kind := range types.Kinds() {
		stopped, err := c.ctl.Stop(kind)
		if err != nil {
			slog.Warn("stop on disconnect", "kind", kind, "err", err)
			continue
		}
		if stopped {
			slog.Info("stopped on disconnect", "kind", kind)
		}
	}
}

func newAck(cmd protocol.Command, st monitor.Status) protocol.Ack {
	return protocol.Ack{
		Action:    protocol.ActionAck,
		ID:        cmd.RequestID(),
		Kind:      cmd.Target(),
		State:     st.State.String(),
		SessionID: st.SessionID,
	}
}

func statusUpdate(st monitor.Status, reason string) protocol.StatusUpdate {
	return protocol.StatusUpdate{
		Action:          protocol.ActionStatusUpdate,
		Kind:            st.Kind,
		SessionID:       st.SessionID,
		State:           st.State,
		ActuatorEnabled: st.ActuatorEnabled,
		Reason:          reason,
		At:              st.At,
	}
}

// invalidAck answers a message that could not be parsed.
func invalidAck(id string, err error) protocol.Ack {
	return protocol.Ack{
		Action:  protocol.ActionAck,
		ID:      id,
		Code:    protocol.CodeInvalidCommand,
		Message: fmt.Sprintf("invalid command: %v", err),
	}
}
