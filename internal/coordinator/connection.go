package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/presencegate/internal/monitor"
	"github.com/MrWong99/presencegate/pkg/protocol"
	"github.com/MrWong99/presencegate/pkg/types"
)

// Connection is one attached control surface. Outbound messages are queued
// on a bounded buffer; a connection that falls behind is dropped rather than
// slowing the broadcast.
type Connection struct {
	id    string
	coord *Coordinator

	mu     sync.Mutex
	send   chan []byte
	closed bool

	// attaching is set until the connect snapshot is queued. Status updates
	// broadcast meanwhile are held instead of queued.
	attaching bool
	held      []protocol.StatusUpdate
}

// ID returns the connection id.
func (c *Connection) ID() string { return c.id }

// Messages returns the outbound queue. It is closed when the connection is
// dropped or disconnected.
func (c *Connection) Messages() <-chan []byte { return c.send }

// Send executes cmd and queues its acknowledgement on the connection. The
// acknowledgement is also returned. When the connection is already closed
// the command still runs, and the returned ack carries
// [protocol.CodeChannelClosed] with OK reporting the command's own outcome.
func (c *Connection) Send(ctx context.Context, cmd protocol.Command) protocol.Ack {
	ack := c.coord.Execute(ctx, cmd)
	if !c.enqueueJSON(ack) {
		slog.Warn("ack not delivered", "conn_id", c.id, "id", ack.ID, "action", cmd.Verb(), "code", ack.Code)
		c.coord.metrics.RecordCommand(ctx, string(cmd.Verb()), string(protocol.CodeChannelClosed))
		ack.Message = fmt.Sprintf("acknowledgement not delivered, command finished with %s", ack.Code)
		ack.Code = protocol.CodeChannelClosed
	}
	return ack
}

// Close detaches the connection from its coordinator.
func (c *Connection) Close() {
	c.coord.Disconnect(c)
}

func (c *Connection) enqueueJSON(v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("encode outbound message", "conn_id", c.id, "err", err)
		return false
	}
	return c.enqueue(data)
}

// deliver queues a broadcast status update, or holds it while the
// connection is attaching.
func (c *Connection) deliver(msg protocol.StatusUpdate) bool {
	c.mu.Lock()
	if c.attaching {
		defer c.mu.Unlock()
		if c.closed || len(c.held) >= cap(c.send) {
			return false
		}
		c.held = append(c.held, msg)
		return true
	}
	c.mu.Unlock()
	return c.enqueueJSON(msg)
}

// attach queues the connect snapshot and ends the attaching phase. A held
// update was broadcast after the connection was registered, so it is at
// least as new as the snapshot of its kind and replaces it.
func (c *Connection) attach(snapshot []monitor.Status) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	held := c.held
	c.attaching, c.held = false, nil
	if c.closed {
		return false
	}

	superseded := make(map[types.Kind]bool, len(held))
	for _, u := range held {
		superseded[u.Kind] = true
	}
	out := make([]protocol.StatusUpdate, 0, len(snapshot)+len(held))
	for _, st := range snapshot {
		if !superseded[st.Kind] {
			out = append(out, statusUpdate(st, ""))
		}
	}
	out = append(out, held...)

	for _, u := range out {
		data, err := json.Marshal(u)
		if err != nil {
			slog.Error("encode status update", "conn_id", c.id, "err", err)
			return false
		}
		if !c.enqueueLocked(data) {
			return false
		}
	}
	return true
}

// enqueue queues data without blocking. It reports false when the
// connection is closed or its buffer is full.
func (c *Connection) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enqueueLocked(data)
}

func (c *Connection) enqueueLocked(data []byte) bool {
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// shut closes the outbound queue. It reports whether this call closed it.
func (c *Connection) shut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	close(c.send)
	return true
}
