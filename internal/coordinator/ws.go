package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/presencegate/pkg/protocol"
)

const (
	writeTimeout = 5 * time.Second
	readLimit    = 64 << 10
)

// ServeWS upgrades the request to a WebSocket and attaches it as a
// connection. Commands are executed in arrival order; acknowledgements and
// status updates share one ordered outbound stream.
func (c *Coordinator) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: c.cfg.AllowedOrigins,
	})
	if err != nil {
		slog.Warn("control websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	ws.SetReadLimit(readLimit)

	conn := c.Connect()
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		writePump(ctx, ws, conn)
		cancel()
	}()

	c.readLoop(ctx, ws, conn)
	conn.Close()
	<-pumpDone
	ws.Close(websocket.StatusNormalClosure, "")
}

// writePump drains the connection's queue until it is closed.
func writePump(ctx context.Context, ws *websocket.Conn, conn *Connection) {
	for data := range conn.Messages() {
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := ws.Write(wctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			slog.Debug("control websocket write failed", "conn_id", conn.ID(), "err", err)
			return
		}
	}
}

func (c *Coordinator) readLoop(ctx context.Context, ws *websocket.Conn, conn *Connection) {
	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			default:
				if ctx.Err() == nil {
					slog.Debug("control websocket read ended", "conn_id", conn.ID(), "err", err)
				}
			}
			return
		}
		if typ != websocket.MessageText {
			conn.enqueueJSON(invalidAck("", errors.New("binary frames are not supported")))
			continue
		}

		cmd, err := protocol.ParseClientMessage(data)
		if err != nil {
			ack := invalidAck(requestID(data), err)
			c.metrics.RecordCommand(ctx, "unknown", string(ack.Code))
			conn.enqueueJSON(ack)
			continue
		}
		conn.Send(ctx, cmd)
	}
}

// requestID extracts the id of a message that failed validation.
func requestID(raw []byte) string {
	var v struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(raw, &v)
	return v.ID
}
