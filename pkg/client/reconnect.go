package client

import (
	"context"
	"log/slog"
	"time"
)

// Default reconnection parameters.
const (
	defaultMaxRetries = 10
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// monitorLoop waits for a dropped channel and reconnects.
func (c *Client) monitorLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-c.disconnected:
			c.attemptReconnect(ctx)
		}
	}
}

// attemptReconnect dials with exponential backoff until it succeeds or
// MaxRetries is exhausted. The client stays disconnected after that; commands
// fail with ErrChannelClosed.
func (c *Client) attemptReconnect(ctx context.Context) {
	backoff := c.cfg.Backoff

	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-time.After(backoff):
		}

		slog.Info("client: attempting reconnection",
			"url", c.cfg.URL,
			"attempt", attempt,
			"max_retries", c.cfg.MaxRetries,
		)

		err := c.connect(ctx)
		if err == nil {
			slog.Info("client: reconnected", "url", c.cfg.URL, "attempt", attempt)
			if c.cfg.OnReconnect != nil {
				c.cfg.OnReconnect()
			}
			return
		}
		if err == ErrClosed {
			return
		}

		slog.Warn("client: reconnection attempt failed",
			"url", c.cfg.URL,
			"attempt", attempt,
			"backoff", backoff,
			"err", err,
		)

		backoff *= 2
		if backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}
	}

	slog.Error("client: reconnection failed after max retries",
		"url", c.cfg.URL,
		"max_retries", c.cfg.MaxRetries,
	)
}
