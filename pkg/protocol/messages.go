// Package protocol defines the JSON messages exchanged between a control
// surface and the coordinator over a persistent WebSocket channel.
//
// Every message is an object tagged by its "action" field. Client commands
// carry a request id that doubles as the idempotency key: the coordinator
// answers a repeated id with the cached acknowledgement instead of running
// the command again.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/presencegate/pkg/types"
)

// Action tags a message variant.
type Action string

const (
	ActionStart        Action = "start"
	ActionStop         Action = "stop"
	ActionSetMuted     Action = "setMuted"
	ActionStatusUpdate Action = "statusUpdate"
	ActionAck          Action = "ack"
)

// Code is the outcome carried by an [Ack].
type Code string

const (
	CodeOK               Code = "ok"
	CodeAlreadyRunning   Code = "already_running"
	CodeAlreadyStopped   Code = "already_stopped"
	CodeAcquisitionError Code = "acquisition_error"
	CodeNotRunning       Code = "not_running"
	CodeInvalidCommand   Code = "invalid_command"
	CodeChannelClosed    Code = "channel_closed"
	CodeInternal         Code = "internal_error"
)

// ErrUnsupportedAction is returned for an unknown or server-only action.
var ErrUnsupportedAction = errors.New("unsupported action")

// Envelope is decoded first to route a raw message.
type Envelope struct {
	Action Action `json:"action"`
}

// MonitorConfig is the wire form of a session configuration. Zero fields
// fall back to the server's per-kind defaults. Sensitivity and Probe are
// pointers because their zero values are valid settings.
type MonitorConfig struct {
	SampleIntervalMs           int      `json:"sample_interval_ms,omitempty"`
	InactivityThresholdSeconds float64  `json:"inactivity_threshold_seconds,omitempty"`
	RecheckMode                string   `json:"recheck_mode,omitempty"`
	Sensitivity                *float64 `json:"sensitivity,omitempty"`
	ClassifyTimeoutMs          int      `json:"classify_timeout_ms,omitempty"`
	FailurePolicy              string   `json:"failure_policy,omitempty"`
	Probe                      *bool    `json:"probe,omitempty"`
	Stream                     bool     `json:"stream,omitempty"`
}

// Command is a parsed client command.
type Command interface {
	// RequestID returns the idempotency key.
	RequestID() string
	// Target returns the media kind the command addresses.
	Target() types.Kind
	// Verb returns the command's action.
	Verb() Action
}

// StartCommand asks for a monitor session. SessionID, when set, names the
// session the client believes is running; it is informational and lets a
// reconnecting client resolve to the existing session.
type StartCommand struct {
	Action    Action         `json:"action"`
	ID        string         `json:"id"`
	Kind      types.Kind     `json:"kind"`
	Config    *MonitorConfig `json:"config,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
}

func (c StartCommand) RequestID() string  { return c.ID }
func (c StartCommand) Target() types.Kind { return c.Kind }
func (c StartCommand) Verb() Action       { return ActionStart }

// StopCommand stops the session of Kind.
type StopCommand struct {
	Action Action     `json:"action"`
	ID     string     `json:"id"`
	Kind   types.Kind `json:"kind"`
}

func (c StopCommand) RequestID() string  { return c.ID }
func (c StopCommand) Target() types.Kind { return c.Kind }
func (c StopCommand) Verb() Action       { return ActionStop }

// SetMutedCommand forces the actuator of Kind.
type SetMutedCommand struct {
	Action Action     `json:"action"`
	ID     string     `json:"id"`
	Kind   types.Kind `json:"kind"`
	Muted  *bool      `json:"muted"`
}

func (c SetMutedCommand) RequestID() string  { return c.ID }
func (c SetMutedCommand) Target() types.Kind { return c.Kind }
func (c SetMutedCommand) Verb() Action       { return ActionSetMuted }

// StatusUpdate is broadcast on every transition and once per kind when a
// connection attaches.
type StatusUpdate struct {
	Action          Action             `json:"action"`
	Kind            types.Kind         `json:"kind"`
	SessionID       string             `json:"session_id,omitempty"`
	State           types.MonitorState `json:"state"`
	ActuatorEnabled bool               `json:"actuator_enabled"`
	Reason          string             `json:"reason,omitempty"`
	At              time.Time          `json:"at"`
}

// Ack answers exactly one command.
type Ack struct {
	Action    Action     `json:"action"`
	ID        string     `json:"id"`
	OK        bool       `json:"ok"`
	Code      Code       `json:"code"`
	Kind      types.Kind `json:"kind,omitempty"`
	State     string     `json:"state,omitempty"`
	SessionID string     `json:"session_id,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	Message   string     `json:"message,omitempty"`
}

// ParseClientMessage decodes and validates one client command.
func ParseClientMessage(raw []byte) (Command, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Action {
	case ActionStart:
		var msg StartCommand
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if err := validateTarget(msg.ID, msg.Kind); err != nil {
			return nil, fmt.Errorf("invalid start: %w", err)
		}
		if c := msg.Config; c != nil && (c.SampleIntervalMs < 0 || c.InactivityThresholdSeconds < 0 || c.ClassifyTimeoutMs < 0) {
			return nil, errors.New("invalid start: negative duration")
		}
		return msg, nil
	case ActionStop:
		var msg StopCommand
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if err := validateTarget(msg.ID, msg.Kind); err != nil {
			return nil, fmt.Errorf("invalid stop: %w", err)
		}
		return msg, nil
	case ActionSetMuted:
		var msg SetMutedCommand
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if err := validateTarget(msg.ID, msg.Kind); err != nil {
			return nil, fmt.Errorf("invalid setMuted: %w", err)
		}
		if msg.Muted == nil {
			return nil, errors.New("invalid setMuted: missing muted")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedAction
	}
}

// ParseServerMessage decodes a [StatusUpdate] or an [Ack].
func ParseServerMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}
	switch env.Action {
	case ActionStatusUpdate:
		var msg StatusUpdate
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case ActionAck:
		var msg Ack
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedAction
	}
}

func validateTarget(id string, kind types.Kind) error {
	if id == "" {
		return errors.New("missing id")
	}
	if !kind.IsValid() {
		return fmt.Errorf("unknown kind %q", kind)
	}
	return nil
}
