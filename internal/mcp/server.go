// Package mcp exposes the monitor controls as Model Context Protocol tools.
// An agent connected over streamable HTTP can list monitors, start and stop
// sessions and force the actuator, with the same idempotency and error codes
// as the control WebSocket.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/presencegate/internal/monitor"
	"github.com/MrWong99/presencegate/pkg/protocol"
	"github.com/MrWong99/presencegate/pkg/types"
)

// Tool names.
const (
	ToolListMonitors = "list_monitors"
	ToolStartMonitor = "start_monitor"
	ToolStopMonitor  = "stop_monitor"
	ToolSetMuted     = "set_muted"
)

// Commander executes control commands. *coordinator.Coordinator satisfies it.
type Commander interface {
	Execute(ctx context.Context, cmd protocol.Command) protocol.Ack
}

// Monitors reports the state of every kind. *monitor.Manager satisfies it.
type Monitors interface {
	Statuses() []monitor.Status
}

// Server is an MCP server bound to one commander.
type Server struct {
	srv  *mcpsdk.Server
	cmds Commander
	mons Monitors
}

// NewServer registers the monitor tools and returns the server.
func NewServer(cmds Commander, mons Monitors, version string) *Server {
	s := &Server{
		srv:  mcpsdk.NewServer(&mcpsdk.Implementation{Name: "presencegate", Version: version}, nil),
		cmds: cmds,
		mons: mons,
	}

	mcpsdk.AddTool(s.srv, &mcpsdk.Tool{
		Name:        ToolListMonitors,
		Description: "List the state of the audio and video monitors.",
	}, s.listMonitors)
	mcpsdk.AddTool(s.srv, &mcpsdk.Tool{
		Name:        ToolStartMonitor,
		Description: "Start a presence monitor for one media kind. Omitted settings use the server defaults.",
	}, s.startMonitor)
	mcpsdk.AddTool(s.srv, &mcpsdk.Tool{
		Name:        ToolStopMonitor,
		Description: "Stop the monitor of one media kind and re-enable its actuator.",
	}, s.stopMonitor)
	mcpsdk.AddTool(s.srv, &mcpsdk.Tool{
		Name:        ToolSetMuted,
		Description: "Force the actuator of a running monitor on or off.",
	}, s.setMuted)
	return s
}

// MCP returns the underlying SDK server.
func (s *Server) MCP() *mcpsdk.Server { return s.srv }

// Handler serves the tools over streamable HTTP.
func (s *Server) Handler() http.Handler {
	return mcpsdk.NewStreamableHTTPHandler(func(*http.Request) *mcpsdk.Server { return s.srv }, nil)
}

// ── Tool inputs and outputs ──────────────────────────────────────────────────

type ListInput struct{}

type MonitorStatus struct {
	Kind            types.Kind `json:"kind"`
	SessionID       string     `json:"session_id,omitempty"`
	State           string     `json:"state"`
	ActuatorEnabled bool       `json:"actuator_enabled"`
	At              string     `json:"at"`
}

type ListOutput struct {
	Monitors []MonitorStatus `json:"monitors"`
}

type StartInput struct {
	Kind                       types.Kind `json:"kind" jsonschema:"media kind, audio or video"`
	ID                         string     `json:"id,omitempty" jsonschema:"idempotency key; generated when empty"`
	SampleIntervalMs           int        `json:"sample_interval_ms,omitempty" jsonschema:"milliseconds between samples"`
	InactivityThresholdSeconds float64    `json:"inactivity_threshold_seconds,omitempty" jsonschema:"seconds of inactivity before the actuator is disabled"`
	RecheckMode                string     `json:"recheck_mode,omitempty" jsonschema:"local or remote"`
	Sensitivity                *float64   `json:"sensitivity,omitempty" jsonschema:"confidence threshold between 0 and 1"`
}

type KindInput struct {
	Kind types.Kind `json:"kind" jsonschema:"media kind, audio or video"`
	ID   string     `json:"id,omitempty" jsonschema:"idempotency key; generated when empty"`
}

type MuteInput struct {
	Kind  types.Kind `json:"kind" jsonschema:"media kind, audio or video"`
	ID    string     `json:"id,omitempty" jsonschema:"idempotency key; generated when empty"`
	Muted bool       `json:"muted" jsonschema:"true disables the actuator"`
}

// AckOutput mirrors [protocol.Ack] without the wire envelope.
type AckOutput struct {
	ID        string        `json:"id"`
	OK        bool          `json:"ok"`
	Code      protocol.Code `json:"code"`
	State     string        `json:"state,omitempty"`
	SessionID string        `json:"session_id,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	Message   string        `json:"message,omitempty"`
}

// ── Handlers ─────────────────────────────────────────────────────────────────

func (s *Server) listMonitors(_ context.Context, _ *mcpsdk.CallToolRequest, _ ListInput) (*mcpsdk.CallToolResult, ListOutput, error) {
	out := ListOutput{Monitors: []MonitorStatus{}}
	for _, st := range s.mons.Statuses() {
		out.Monitors = append(out.Monitors, MonitorStatus{
			Kind:            st.Kind,
			SessionID:       st.SessionID,
			State:           st.State.String(),
			ActuatorEnabled: st.ActuatorEnabled,
			At:              st.At.UTC().Format(time.RFC3339Nano),
		})
	}
	res, err := textResult(out, false)
	return res, out, err
}

func (s *Server) startMonitor(ctx context.Context, _ *mcpsdk.CallToolRequest, in StartInput) (*mcpsdk.CallToolResult, AckOutput, error) {
	cmd := protocol.StartCommand{
		Action: protocol.ActionStart,
		ID:     requestID(in.ID),
		Kind:   in.Kind,
	}
	if in.SampleIntervalMs != 0 || in.InactivityThresholdSeconds != 0 || in.RecheckMode != "" || in.Sensitivity != nil {
		cmd.Config = &protocol.MonitorConfig{
			SampleIntervalMs:           in.SampleIntervalMs,
			InactivityThresholdSeconds: in.InactivityThresholdSeconds,
			RecheckMode:                in.RecheckMode,
			Sensitivity:                in.Sensitivity,
		}
	}
	return s.execute(ctx, cmd)
}

func (s *Server) stopMonitor(ctx context.Context, _ *mcpsdk.CallToolRequest, in KindInput) (*mcpsdk.CallToolResult, AckOutput, error) {
	return s.execute(ctx, protocol.StopCommand{
		Action: protocol.ActionStop,
		ID:     requestID(in.ID),
		Kind:   in.Kind,
	})
}

func (s *Server) setMuted(ctx context.Context, _ *mcpsdk.CallToolRequest, in MuteInput) (*mcpsdk.CallToolResult, AckOutput, error) {
	muted := in.Muted
	return s.execute(ctx, protocol.SetMutedCommand{
		Action: protocol.ActionSetMuted,
		ID:     requestID(in.ID),
		Kind:   in.Kind,
		Muted:  &muted,
	})
}

// execute runs cmd and reports a failed ack as a tool error so the calling
// model sees the code and message.
func (s *Server) execute(ctx context.Context, cmd protocol.Command) (*mcpsdk.CallToolResult, AckOutput, error) {
	ack := s.cmds.Execute(ctx, cmd)
	out := AckOutput{
		ID:        ack.ID,
		OK:        ack.OK,
		Code:      ack.Code,
		State:     ack.State,
		SessionID: ack.SessionID,
		Reason:    ack.Reason,
		Message:   ack.Message,
	}
	res, err := textResult(out, !ack.OK)
	return res, out, err
}

func textResult(v any, isError bool) (*mcpsdk.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("mcp: encode result: %w", err)
	}
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(b)}},
		IsError: isError,
	}, nil
}

func requestID(id string) string {
	if id != "" {
		return id
	}
	return "mcp-" + uuid.NewString()
}
