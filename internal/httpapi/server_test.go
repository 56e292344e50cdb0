package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/presencegate/internal/health"
	"github.com/MrWong99/presencegate/internal/httpapi"
	"github.com/MrWong99/presencegate/internal/journal"
	"github.com/MrWong99/presencegate/internal/monitor"
	"github.com/MrWong99/presencegate/internal/resilience"
	"github.com/MrWong99/presencegate/pkg/media/feed"
	"github.com/MrWong99/presencegate/pkg/protocol"
	"github.com/MrWong99/presencegate/pkg/types"
)

type fakeMonitors struct{ statuses []monitor.Status }

func (f *fakeMonitors) Statuses() []monitor.Status { return f.statuses }

type fakeCoordinator struct {
	mu   sync.Mutex
	cmds []protocol.Command
	ws   int
}

func (f *fakeCoordinator) ServeWS(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	f.ws++
	f.mu.Unlock()
	w.WriteHeader(http.StatusTeapot)
}

func (f *fakeCoordinator) Execute(_ context.Context, cmd protocol.Command) protocol.Ack {
	f.mu.Lock()
	f.cmds = append(f.cmds, cmd)
	f.mu.Unlock()
	return protocol.Ack{Action: protocol.ActionAck, ID: cmd.RequestID(), OK: true, Code: protocol.CodeOK, Kind: cmd.Target(), State: "active"}
}

func (f *fakeCoordinator) Connections() int { return 2 }

func (f *fakeCoordinator) executed() []protocol.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Command(nil), f.cmds...)
}

type fakeFeeds struct {
	mu    sync.Mutex
	kinds []types.Kind
}

func (f *fakeFeeds) ServeAgent(w http.ResponseWriter, _ *http.Request, kind types.Kind) {
	f.mu.Lock()
	f.kinds = append(f.kinds, kind)
	f.mu.Unlock()
	w.WriteHeader(http.StatusAccepted)
}

func (f *fakeFeeds) Status() []feed.AgentStatus {
	return []feed.AgentStatus{{Kind: types.KindAudio, Attached: true, Permission: true, Leased: true}}
}

func (f *fakeFeeds) served() []types.Kind {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.Kind(nil), f.kinds...)
}

type failingStore struct{}

func (failingStore) Append(context.Context, journal.Entry) error { return nil }
func (failingStore) Ping(context.Context) error                  { return nil }
func (failingStore) Recent(context.Context, types.Kind, int) ([]journal.Entry, error) {
	return nil, errors.New("db down")
}

type testEnv struct {
	srv   *httptest.Server
	coord *fakeCoordinator
	feeds *fakeFeeds
	store *journal.MemoryStore
}

func newTestEnv(t *testing.T, mutate func(*httpapi.Deps)) *testEnv {
	t.Helper()
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	env := &testEnv{
		coord: &fakeCoordinator{},
		feeds: &fakeFeeds{},
		store: journal.NewMemoryStore(8),
	}
	deps := httpapi.Deps{
		Monitors: &fakeMonitors{statuses: []monitor.Status{
			{Kind: types.KindAudio, SessionID: "s1", State: types.StateActive, ActuatorEnabled: true, At: at},
			{Kind: types.KindVideo, State: types.StateOff, ActuatorEnabled: true, At: at},
		}},
		Coordinator: env.coord,
		Feeds:       env.feeds,
		Journal:     env.store,
		Health:      health.New(),
		Classifiers: func() []resilience.EntryState {
			return []resilience.EntryState{{Name: "remote", State: "closed"}}
		},
		MetricsHandler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("# metrics\n"))
		}),
	}
	if mutate != nil {
		mutate(&deps)
	}
	env.srv = httptest.NewServer(httpapi.New(deps).Router())
	t.Cleanup(env.srv.Close)
	return env
}

func (e *testEnv) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(e.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, []byte(buf.String())
}

func TestListMonitors(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, body := env.get(t, "/api/monitors")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("Content-Type = %q", ct)
	}

	var got struct {
		Monitors []struct {
			Kind            string            `json:"kind"`
			SessionID       string            `json:"session_id"`
			State           string            `json:"state"`
			ActuatorEnabled bool              `json:"actuator_enabled"`
			Feed            *feed.AgentStatus `json:"feed"`
		} `json:"monitors"`
		Connections int                     `json:"connections"`
		Classifiers []resilience.EntryState `json:"classifiers"`
	}
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("decode %s: %v", body, err)
	}
	if len(got.Monitors) != 2 {
		t.Fatalf("monitors = %d, want 2", len(got.Monitors))
	}
	audio := got.Monitors[0]
	if audio.Kind != "audio" || audio.State != "active" || audio.SessionID != "s1" {
		t.Errorf("audio = %+v", audio)
	}
	if audio.Feed == nil || !audio.Feed.Leased {
		t.Errorf("audio feed = %+v, want leased", audio.Feed)
	}
	if got.Monitors[1].Feed != nil {
		t.Errorf("video feed = %+v, want none", got.Monitors[1].Feed)
	}
	if got.Connections != 2 {
		t.Errorf("connections = %d, want 2", got.Connections)
	}
	if len(got.Classifiers) != 1 || got.Classifiers[0].Name != "remote" {
		t.Errorf("classifiers = %+v", got.Classifiers)
	}
}

func TestGetMonitor(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, body := env.get(t, "/api/monitors/video")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("video status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), `"state":"off"`) {
		t.Errorf("body = %s, want off state", body)
	}

	if resp, _ := env.get(t, "/api/monitors/smell"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown kind status = %d, want 404", resp.StatusCode)
	}
}

func TestJournal(t *testing.T) {
	env := newTestEnv(t, nil)
	base := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)
	for i, to := range []types.MonitorState{types.StateActive, types.StateSuppressed, types.StateActive} {
		_ = env.store.Append(context.Background(), journal.Entry{
			Kind: types.KindAudio, SessionID: "s1", To: to, Reason: "test", At: base.Add(time.Duration(i) * time.Second),
		})
	}

	tests := []struct {
		name       string
		path       string
		wantStatus int
		wantCount  int
	}{
		{name: "default limit", path: "/api/monitors/audio/journal", wantStatus: 200, wantCount: 3},
		{name: "limited", path: "/api/monitors/audio/journal?limit=2", wantStatus: 200, wantCount: 2},
		{name: "empty kind", path: "/api/monitors/video/journal", wantStatus: 200, wantCount: 0},
		{name: "bad limit", path: "/api/monitors/audio/journal?limit=x", wantStatus: 400},
		{name: "zero limit", path: "/api/monitors/audio/journal?limit=0", wantStatus: 400},
		{name: "unknown kind", path: "/api/monitors/smell/journal", wantStatus: 404},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := env.get(t, tt.path)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", resp.StatusCode, tt.wantStatus, body)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			var got struct {
				Entries []journal.Entry `json:"entries"`
			}
			if err := json.Unmarshal(body, &got); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got.Entries == nil || len(got.Entries) != tt.wantCount {
				t.Fatalf("entries = %v, want %d", got.Entries, tt.wantCount)
			}
			if tt.wantCount > 0 && !got.Entries[0].At.Equal(base.Add(2*time.Second)) {
				t.Errorf("first entry at %v, want newest", got.Entries[0].At)
			}
		})
	}
}

func TestJournal_Disabled(t *testing.T) {
	env := newTestEnv(t, func(d *httpapi.Deps) { d.Journal = nil })
	if resp, _ := env.get(t, "/api/monitors/audio/journal"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestJournal_StoreError(t *testing.T) {
	env := newTestEnv(t, func(d *httpapi.Deps) { d.Journal = failingStore{} })
	if resp, _ := env.get(t, "/api/monitors/audio/journal"); resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}

func TestCommand(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.Post(env.srv.URL+"/api/commands", "application/json",
		strings.NewReader(`{"action":"start","id":"h1","kind":"audio"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var ack protocol.Ack
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ack.ID != "h1" || !ack.OK || ack.Kind != types.KindAudio {
		t.Errorf("ack = %+v", ack)
	}
	if cmds := env.coord.executed(); len(cmds) != 1 || cmds[0].Verb() != protocol.ActionStart {
		t.Errorf("executed = %+v", cmds)
	}

	bad, err := http.Post(env.srv.URL+"/api/commands", "application/json", strings.NewReader(`{"action":"reboot"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid command status = %d, want 400", bad.StatusCode)
	}
	if len(env.coord.executed()) != 1 {
		t.Errorf("invalid command reached the coordinator")
	}
}

func TestRoutesDelegate(t *testing.T) {
	env := newTestEnv(t, nil)

	if resp, _ := env.get(t, "/ws"); resp.StatusCode != http.StatusTeapot {
		t.Errorf("/ws status = %d, want delegated 418", resp.StatusCode)
	}
	if resp, _ := env.get(t, "/feeds/video"); resp.StatusCode != http.StatusAccepted {
		t.Errorf("/feeds/video status = %d, want delegated 202", resp.StatusCode)
	}
	if kinds := env.feeds.served(); len(kinds) != 1 || kinds[0] != types.KindVideo {
		t.Errorf("feed kinds = %v, want [video]", kinds)
	}
	if resp, body := env.get(t, "/metrics"); resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "# metrics") {
		t.Errorf("/metrics = %d %s", resp.StatusCode, body)
	}
	if resp, _ := env.get(t, "/healthz"); resp.StatusCode != http.StatusOK {
		t.Errorf("/healthz status = %d", resp.StatusCode)
	}
	if resp, _ := env.get(t, "/readyz"); resp.StatusCode != http.StatusOK {
		t.Errorf("/readyz status = %d", resp.StatusCode)
	}
}

func TestMCPMount(t *testing.T) {
	if resp, _ := newTestEnv(t, nil).get(t, "/mcp"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("/mcp without handler = %d, want 404", resp.StatusCode)
	}

	env := newTestEnv(t, func(d *httpapi.Deps) {
		d.MCP = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})
	})
	if resp, _ := env.get(t, "/mcp"); resp.StatusCode != http.StatusNoContent {
		t.Errorf("/mcp = %d, want delegated 204", resp.StatusCode)
	}
}
