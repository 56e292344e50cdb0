// Package client is a Go control surface for a presencegate daemon.
//
// A [Client] keeps one persistent WebSocket channel to the coordinator,
// correlates every command with its acknowledgement by request id and
// republishes status updates. When the channel drops it reconnects with
// exponential backoff; the daemon keeps its monitor sessions running in the
// meantime and sends the current state of every kind on reconnect.
//
// Commands in flight when the channel drops fail with [ErrChannelClosed].
// Resending the same command value is safe: its request id makes the daemon
// answer from its replay cache instead of running it twice.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/presencegate/pkg/protocol"
	"github.com/MrWong99/presencegate/pkg/types"
)

var (
	// ErrChannelClosed is returned when the channel is down or drops before
	// the acknowledgement arrives.
	ErrChannelClosed = errors.New("client: channel closed")

	// ErrClosed is returned after [Client.Close].
	ErrClosed = errors.New("client: closed")
)

// AckError is returned for an acknowledgement with ok=false.
type AckError struct {
	Ack protocol.Ack
}

func (e *AckError) Error() string {
	msg := fmt.Sprintf("client: %s rejected: %s", e.Ack.Kind, e.Ack.Code)
	if e.Ack.Reason != "" {
		msg += " (" + e.Ack.Reason + ")"
	}
	if e.Ack.Message != "" {
		msg += ": " + e.Ack.Message
	}
	return msg
}

const (
	statusBuffer = 64
	writeTimeout = 5 * time.Second
)

// Config configures a [Client].
type Config struct {
	// URL is the coordinator endpoint, e.g. ws://localhost:8080/ws.
	URL string

	// Header is sent with every dial.
	Header http.Header

	// MaxRetries is the maximum number of reconnection attempts per drop.
	// Defaults to 10 if zero.
	MaxRetries int

	// Backoff is the initial delay between attempts. Doubles each attempt up
	// to MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff defaults to 30s if zero.
	MaxBackoff time.Duration

	// OnReconnect is called after the channel has been re-established.
	// May be nil.
	OnReconnect func()
}

type ackResult struct {
	ack protocol.Ack
	err error
}

// Client is a control-surface connection.
//
// All methods are safe for concurrent use.
type Client struct {
	cfg Config

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan ackResult
	last    map[types.Kind]protocol.StatusUpdate
	closed  bool

	statuses     chan protocol.StatusUpdate
	disconnected chan struct{}
	done         chan struct{}
	stopOnce     sync.Once
}

// Dial connects to the coordinator and starts the reconnect monitor. The
// monitor lives until ctx is done or Close is called.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	c := &Client{
		cfg:          cfg,
		pending:      make(map[string]chan ackResult),
		last:         make(map[types.Kind]protocol.StatusUpdate),
		statuses:     make(chan protocol.StatusUpdate, statusBuffer),
		disconnected: make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	if err := c.connect(ctx); err != nil {
		return nil, fmt.Errorf("client: initial connect: %w", err)
	}
	go c.monitorLoop(ctx)
	return c, nil
}

// Start asks for a monitor session of kind. cfg may be nil to use the
// daemon's defaults. An already running session is reported with code
// already_running and no error.
func (c *Client) Start(ctx context.Context, kind types.Kind, cfg *protocol.MonitorConfig) (protocol.Ack, error) {
	return c.Send(ctx, protocol.StartCommand{Action: protocol.ActionStart, ID: uuid.NewString(), Kind: kind, Config: cfg})
}

// Stop stops the session of kind.
func (c *Client) Stop(ctx context.Context, kind types.Kind) (protocol.Ack, error) {
	return c.Send(ctx, protocol.StopCommand{Action: protocol.ActionStop, ID: uuid.NewString(), Kind: kind})
}

// SetMuted forces the actuator of kind.
func (c *Client) SetMuted(ctx context.Context, kind types.Kind, muted bool) (protocol.Ack, error) {
	return c.Send(ctx, protocol.SetMutedCommand{Action: protocol.ActionSetMuted, ID: uuid.NewString(), Kind: kind, Muted: &muted})
}

// Send writes cmd and waits for its acknowledgement. A rejected command
// returns the ack together with an [*AckError].
func (c *Client) Send(ctx context.Context, cmd protocol.Command) (protocol.Ack, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return protocol.Ack{}, fmt.Errorf("client: encode %s: %w", cmd.Verb(), err)
	}

	id := cmd.RequestID()
	wait := make(chan ackResult, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return protocol.Ack{}, ErrClosed
	}
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return protocol.Ack{}, ErrChannelClosed
	}
	c.pending[id] = wait
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.pending[id] == wait {
			delete(c.pending, id)
		}
		c.mu.Unlock()
	}()

	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	err = conn.Write(wctx, websocket.MessageText, data)
	cancel()
	if err != nil {
		return protocol.Ack{}, fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}

	select {
	case r := <-wait:
		if r.err != nil {
			return protocol.Ack{}, r.err
		}
		if !r.ack.OK {
			return r.ack, &AckError{Ack: r.ack}
		}
		return r.ack, nil
	case <-ctx.Done():
		return protocol.Ack{}, ctx.Err()
	}
}

// Statuses delivers every status update. Updates are dropped when the
// channel is not drained; [Client.Status] always has the latest one.
func (c *Client) Statuses() <-chan protocol.StatusUpdate { return c.statuses }

// Status returns the last status received for kind.
func (c *Client) Status(kind types.Kind) (protocol.StatusUpdate, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.last[kind]
	return st, ok
}

// Connected reports whether the channel is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Close stops reconnecting and closes the channel. Sessions keep running on
// the daemon unless it is configured to stop on disconnect. Safe to call
// multiple times.
func (c *Client) Close() error {
	c.stopOnce.Do(func() { close(c.done) })

	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.failPending(ErrClosed)
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client closed")
	}
	return nil
}

// connect dials and starts the read loop for the new channel.
func (c *Client) connect(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, c.cfg.URL, &websocket.DialOptions{HTTPHeader: c.cfg.Header})
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "client closed")
		return ErrClosed
	}
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn)
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			c.dropped(conn, err)
			return
		}
		msg, err := protocol.ParseServerMessage(data)
		if err != nil {
			slog.Warn("client: invalid server message", "err", err)
			continue
		}
		switch m := msg.(type) {
		case protocol.Ack:
			c.mu.Lock()
			wait := c.pending[m.ID]
			delete(c.pending, m.ID)
			c.mu.Unlock()
			if wait != nil {
				wait <- ackResult{ack: m}
			}
		case protocol.StatusUpdate:
			c.mu.Lock()
			c.last[m.Kind] = m
			c.mu.Unlock()
			select {
			case c.statuses <- m:
			default:
			}
		}
	}
}

// dropped handles the end of conn's read loop.
func (c *Client) dropped(conn *websocket.Conn, err error) {
	c.mu.Lock()
	current := c.conn == conn
	if current {
		c.conn = nil
	}
	closed := c.closed
	c.mu.Unlock()
	if !current || closed {
		return
	}

	slog.Warn("client: channel dropped", "url", c.cfg.URL, "err", err)
	c.failPending(ErrChannelClosed)
	select {
	case c.disconnected <- struct{}{}:
	default:
	}
}

func (c *Client) failPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan ackResult)
	c.mu.Unlock()
	for _, wait := range pending {
		wait <- ackResult{err: err}
	}
}
