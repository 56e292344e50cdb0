package mcp_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/presencegate/internal/mcp"
	"github.com/MrWong99/presencegate/internal/monitor"
	"github.com/MrWong99/presencegate/pkg/protocol"
	"github.com/MrWong99/presencegate/pkg/types"
)

type fakeCommander struct {
	mu   sync.Mutex
	cmds []protocol.Command
	ack  protocol.Ack
}

func (f *fakeCommander) Execute(_ context.Context, cmd protocol.Command) protocol.Ack {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cmds = append(f.cmds, cmd)
	ack := f.ack
	ack.ID = cmd.RequestID()
	return ack
}

func (f *fakeCommander) commands() []protocol.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.cmds)
}

type fakeMonitors []monitor.Status

func (f fakeMonitors) Statuses() []monitor.Status { return f }

func connect(t *testing.T, s *mcp.Server) *mcpsdk.ClientSession {
	t.Helper()
	ctx := context.Background()
	ct, st := mcpsdk.NewInMemoryTransports()
	ss, err := s.MCP().Connect(ctx, st, nil)
	if err != nil {
		t.Fatalf("server Connect: %v", err)
	}
	t.Cleanup(func() { _ = ss.Close() })

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "test", Version: "v0"}, nil)
	cs, err := client.Connect(ctx, ct, nil)
	if err != nil {
		t.Fatalf("client Connect: %v", err)
	}
	t.Cleanup(func() { _ = cs.Close() })
	return cs
}

func call(t *testing.T, cs *mcpsdk.ClientSession, name string, args map[string]any) (*mcpsdk.CallToolResult, string) {
	t.Helper()
	res, err := cs.CallTool(context.Background(), &mcpsdk.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	if len(res.Content) == 0 {
		t.Fatalf("CallTool(%s) returned no content", name)
	}
	text, ok := res.Content[0].(*mcpsdk.TextContent)
	if !ok {
		t.Fatalf("content = %T, want *TextContent", res.Content[0])
	}
	return res, text.Text
}

func TestTools_Listed(t *testing.T) {
	cs := connect(t, mcp.NewServer(&fakeCommander{}, fakeMonitors{}, "test"))

	var names []string
	for tool, err := range cs.Tools(context.Background(), nil) {
		if err != nil {
			t.Fatalf("Tools: %v", err)
		}
		names = append(names, tool.Name)
	}
	slices.Sort(names)
	want := []string{mcp.ToolListMonitors, mcp.ToolSetMuted, mcp.ToolStartMonitor, mcp.ToolStopMonitor}
	if !slices.Equal(names, want) {
		t.Fatalf("tools = %v, want %v", names, want)
	}
}

func TestListMonitors(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	mons := fakeMonitors{
		{Kind: types.KindAudio, SessionID: "s1", State: types.StateActive, ActuatorEnabled: true, At: at},
		{Kind: types.KindVideo, State: types.StateOff, ActuatorEnabled: true, At: at},
	}
	cs := connect(t, mcp.NewServer(&fakeCommander{}, mons, "test"))

	res, text := call(t, cs, mcp.ToolListMonitors, map[string]any{})
	if res.IsError {
		t.Fatalf("IsError = true, text %s", text)
	}
	var out mcp.ListOutput
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		t.Fatalf("decode %s: %v", text, err)
	}
	if len(out.Monitors) != 2 {
		t.Fatalf("monitors = %d, want 2", len(out.Monitors))
	}
	if got := out.Monitors[0]; got.Kind != types.KindAudio || got.State != "active" || got.SessionID != "s1" {
		t.Errorf("monitors[0] = %+v", got)
	}
	if got := out.Monitors[1].At; got != "2026-01-02T03:04:05Z" {
		t.Errorf("at = %q", got)
	}
}

func TestStartMonitor(t *testing.T) {
	cmds := &fakeCommander{ack: protocol.Ack{OK: true, Code: protocol.CodeOK, State: "active", SessionID: "s9"}}
	cs := connect(t, mcp.NewServer(cmds, fakeMonitors{}, "test"))

	res, text := call(t, cs, mcp.ToolStartMonitor, map[string]any{
		"kind":        "video",
		"id":          "req-1",
		"sensitivity": 0.7,
	})
	if res.IsError {
		t.Fatalf("IsError = true, text %s", text)
	}
	var out mcp.AckOutput
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		t.Fatalf("decode %s: %v", text, err)
	}
	if out.ID != "req-1" || out.SessionID != "s9" || out.Code != protocol.CodeOK {
		t.Errorf("ack = %+v", out)
	}

	got := cmds.commands()
	if len(got) != 1 {
		t.Fatalf("commands = %d, want 1", len(got))
	}
	start, ok := got[0].(protocol.StartCommand)
	if !ok {
		t.Fatalf("command = %T, want StartCommand", got[0])
	}
	if start.Kind != types.KindVideo || start.Config == nil || start.Config.Sensitivity == nil || *start.Config.Sensitivity != 0.7 {
		t.Errorf("start = %+v", start)
	}
}

func TestStartMonitor_NoOverridesUsesDefaults(t *testing.T) {
	cmds := &fakeCommander{ack: protocol.Ack{OK: true, Code: protocol.CodeOK}}
	cs := connect(t, mcp.NewServer(cmds, fakeMonitors{}, "test"))

	call(t, cs, mcp.ToolStartMonitor, map[string]any{"kind": "audio"})

	start := cmds.commands()[0].(protocol.StartCommand)
	if start.Config != nil {
		t.Errorf("Config = %+v, want nil", start.Config)
	}
	if !strings.HasPrefix(start.ID, "mcp-") {
		t.Errorf("generated id = %q, want mcp- prefix", start.ID)
	}
}

func TestStopAndMute(t *testing.T) {
	cmds := &fakeCommander{ack: protocol.Ack{OK: true, Code: protocol.CodeOK}}
	cs := connect(t, mcp.NewServer(cmds, fakeMonitors{}, "test"))

	call(t, cs, mcp.ToolStopMonitor, map[string]any{"kind": "audio", "id": "stop-1"})
	call(t, cs, mcp.ToolSetMuted, map[string]any{"kind": "video", "muted": true})

	got := cmds.commands()
	if len(got) != 2 {
		t.Fatalf("commands = %d, want 2", len(got))
	}
	if stop, ok := got[0].(protocol.StopCommand); !ok || stop.Kind != types.KindAudio || stop.ID != "stop-1" {
		t.Errorf("commands[0] = %#v", got[0])
	}
	mute, ok := got[1].(protocol.SetMutedCommand)
	if !ok || mute.Kind != types.KindVideo || mute.Muted == nil || !*mute.Muted {
		t.Errorf("commands[1] = %#v", got[1])
	}
}

func TestFailedAckIsToolError(t *testing.T) {
	cmds := &fakeCommander{ack: protocol.Ack{Code: protocol.CodeNotRunning, Message: "no session"}}
	cs := connect(t, mcp.NewServer(cmds, fakeMonitors{}, "test"))

	res, text := call(t, cs, mcp.ToolSetMuted, map[string]any{"kind": "audio", "muted": false})
	if !res.IsError {
		t.Fatalf("IsError = false, want true")
	}
	if !strings.Contains(text, string(protocol.CodeNotRunning)) {
		t.Errorf("text = %s, want code %s", text, protocol.CodeNotRunning)
	}
}

func TestHandler_Mountable(t *testing.T) {
	srv := httptest.NewServer(mcp.NewServer(&fakeCommander{}, fakeMonitors{}, "test").Handler())
	defer srv.Close()

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "test", Version: "v0"}, nil)
	cs, err := client.Connect(context.Background(), &mcpsdk.StreamableClientTransport{Endpoint: srv.URL}, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer cs.Close()

	if _, text := call(t, cs, mcp.ToolListMonitors, map[string]any{}); !strings.Contains(text, `"monitors":[]`) {
		t.Errorf("text = %s, want empty monitors", text)
	}
}
