// Package journal records monitor state transitions so that operators can
// see why a track was muted or disabled after the fact.
//
// Two [Store] implementations exist: [MemoryStore] keeps a bounded ring per
// kind and [PostgresStore] persists to PostgreSQL via pgx. A [Recorder]
// subscribes to a transition source and appends asynchronously so that a
// slow database never stalls the state machine.
package journal

import (
	"context"
	"time"

	"github.com/MrWong99/presencegate/internal/monitor"
	"github.com/MrWong99/presencegate/pkg/types"
)

// Entry is one recorded transition.
type Entry struct {
	Kind            types.Kind         `json:"kind"`
	SessionID       string             `json:"session_id"`
	From            types.MonitorState `json:"from"`
	To              types.MonitorState `json:"to"`
	Reason          string             `json:"reason,omitempty"`
	ActuatorEnabled bool               `json:"actuator_enabled"`
	At              time.Time          `json:"at"`
}

// FromTransition converts a monitor transition into a journal entry.
func FromTransition(t monitor.Transition) Entry {
	return Entry{
		Kind:            t.Kind,
		SessionID:       t.SessionID,
		From:            t.From,
		To:              t.To,
		Reason:          t.Reason,
		ActuatorEnabled: t.ActuatorEnabled,
		At:              t.At,
	}
}

// Store persists transition entries.
// Implementations must be safe for concurrent use.
type Store interface {
	// Append records e.
	Append(ctx context.Context, e Entry) error

	// Recent returns at most limit entries for kind, newest first.
	Recent(ctx context.Context, kind types.Kind, limit int) ([]Entry, error)

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error
}
