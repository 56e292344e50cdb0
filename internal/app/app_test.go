package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/presencegate/internal/app"
	"github.com/MrWong99/presencegate/internal/config"
	"github.com/MrWong99/presencegate/internal/journal"
	"github.com/MrWong99/presencegate/internal/mcp"
	"github.com/MrWong99/presencegate/internal/monitor"
	"github.com/MrWong99/presencegate/pkg/classifier"
	clsmock "github.com/MrWong99/presencegate/pkg/classifier/mock"
	mediamock "github.com/MrWong99/presencegate/pkg/media/mock"
	"github.com/MrWong99/presencegate/pkg/protocol"
	"github.com/MrWong99/presencegate/pkg/types"
)

type doneToken struct{}

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Error() error                   { return nil }
func (doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
}

func (p *recordingPublisher) Publish(topic string, _ byte, _ bool, _ any) mqtt.Token {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	return doneToken{}
}

func (p *recordingPublisher) IsConnected() bool { return true }

func (p *recordingPublisher) Topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.topics...)
}

// testConfig returns a minimal config listening on a random port.
func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			ListenAddr: "127.0.0.1:0",
			LogLevel:   config.LogInfo,
		},
	}
}

// testRegistry registers mock classifiers under the builtin names.
func testRegistry() (*config.Registry, *clsmock.Classifier) {
	local := &clsmock.Classifier{Script: []clsmock.Result{{Active: true, Confidence: 1}}}
	reg := config.NewRegistry()
	reg.Register("energy", func(config.ProviderEntry) (classifier.Classifier, error) { return local, nil })
	reg.Register("remote", func(config.ProviderEntry) (classifier.Classifier, error) {
		return &clsmock.Classifier{}, nil
	})
	return reg, local
}

func TestNew_WithMocks(t *testing.T) {
	reg, _ := testRegistry()
	store := journal.NewMemoryStore(16)
	pub := &recordingPublisher{}

	application, err := app.New(context.Background(), testConfig(), reg,
		app.WithAcquirer(&mediamock.Acquirer{}),
		app.WithJournal(store),
		app.WithPublisher(pub),
	)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- application.Run(ctx) }()
	select {
	case <-application.Ready():
	case err := <-runErr:
		t.Fatalf("Run() returned early: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("app never became ready")
	}

	resp, err := http.Post("http://"+application.Addr()+"/api/commands", "application/json",
		strings.NewReader(`{"action":"start","id":"a1","kind":"audio"}`))
	if err != nil {
		t.Fatalf("POST start: %v", err)
	}
	var ack protocol.Ack
	err = json.NewDecoder(resp.Body).Decode(&ack)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if !ack.OK || ack.Code != protocol.CodeOK || ack.Kind != types.KindAudio {
		t.Fatalf("start ack = %+v", ack)
	}
	if st := application.Manager().Status(types.KindAudio); st.State == types.StateOff {
		t.Errorf("audio state after start = %v", st.State)
	}

	cancel()
	if err := <-runErr; !errors.Is(err, context.Canceled) {
		t.Errorf("Run() = %v, want context.Canceled", err)
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := application.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() = %v", err)
	}

	entries, err := store.Recent(context.Background(), types.KindAudio, 0)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) < 2 {
		t.Fatalf("journal entries = %d, want at least start and stop", len(entries))
	}
	if entries[0].To != types.StateOff {
		t.Errorf("newest journal entry to = %v, want off", entries[0].To)
	}

	var sawAudio bool
	for _, topic := range pub.Topics() {
		if topic == "presencegate/audio" {
			sawAudio = true
		}
	}
	if !sawAudio {
		t.Errorf("published topics = %v, want presencegate/audio", pub.Topics())
	}
}

func TestNew_RemoteModeWithoutRemoteClassifier(t *testing.T) {
	reg, _ := testRegistry()
	application, err := app.New(context.Background(), testConfig(), reg,
		app.WithAcquirer(&mediamock.Acquirer{}),
	)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() { _ = application.Shutdown(context.Background()) })

	cfg := monitor.DefaultConfig(types.KindVideo)
	cfg.RecheckMode = monitor.RecheckRemote
	_, _, err = application.Manager().Start(context.Background(), types.KindVideo, cfg)
	if !errors.Is(err, monitor.ErrInvalidConfig) {
		t.Fatalf("Start(remote) error = %v, want ErrInvalidConfig", err)
	}
}

func TestNew_RemoteClassifierChain(t *testing.T) {
	reg, _ := testRegistry()
	cfg := testConfig()
	cfg.Classifiers.Remote = config.ProviderEntry{Name: "remote", BaseURL: "http://classifier.invalid"}
	cfg.Classifiers.Fallbacks = []config.ProviderEntry{{Name: "energy"}}

	application, err := app.New(context.Background(), cfg, reg,
		app.WithAcquirer(&mediamock.Acquirer{}),
	)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() { _ = application.Shutdown(context.Background()) })

	mc := monitor.DefaultConfig(types.KindVideo)
	mc.RecheckMode = monitor.RecheckRemote
	if _, _, err := application.Manager().Start(context.Background(), types.KindVideo, mc); err != nil {
		t.Fatalf("Start(remote) error = %v", err)
	}
}

func TestNew_UnknownClassifier(t *testing.T) {
	reg, _ := testRegistry()
	cfg := testConfig()
	cfg.Classifiers.Local.Name = "crystal-ball"

	_, err := app.New(context.Background(), cfg, reg, app.WithAcquirer(&mediamock.Acquirer{}))
	if !errors.Is(err, config.ErrClassifierNotRegistered) {
		t.Fatalf("New() error = %v, want ErrClassifierNotRegistered", err)
	}
}

func TestNew_DefaultsToMemoryJournal(t *testing.T) {
	reg, _ := testRegistry()
	application, err := app.New(context.Background(), testConfig(), reg)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() { _ = application.Shutdown(context.Background()) })

	if _, ok := application.Journal().(*journal.MemoryStore); !ok {
		t.Errorf("Journal() = %T, want *journal.MemoryStore", application.Journal())
	}
	if application.Config() == nil {
		t.Error("Config() = nil")
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	reg, _ := testRegistry()
	application, err := app.New(context.Background(), testConfig(), reg, app.WithAcquirer(&mediamock.Acquirer{}))
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}

	ctx := context.Background()
	if err := application.Shutdown(ctx); err != nil {
		t.Fatalf("first Shutdown() = %v", err)
	}
	if err := application.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown() = %v, want nil", err)
	}
	if _, _, err := application.Manager().Start(ctx, types.KindAudio, monitor.DefaultConfig(types.KindAudio)); !errors.Is(err, monitor.ErrShutdown) {
		t.Errorf("Start after Shutdown = %v, want ErrShutdown", err)
	}
}

func TestShutdown_ExpiredContext(t *testing.T) {
	reg, _ := testRegistry()
	application, err := app.New(context.Background(), testConfig(), reg, app.WithAcquirer(&mediamock.Acquirer{}))
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := application.Shutdown(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Shutdown(cancelled) = %v, want context.Canceled", err)
	}
}

func TestReload_WithoutWatch(t *testing.T) {
	reg, _ := testRegistry()
	application, err := app.New(context.Background(), testConfig(), reg, app.WithAcquirer(&mediamock.Acquirer{}))
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() { _ = application.Shutdown(context.Background()) })

	if err := application.Reload(); err == nil {
		t.Fatal("Reload() without WithWatch = nil, want error")
	}
}

func TestReload_AppliesLogLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "presencegate.yaml")
	write := func(level string) {
		t.Helper()
		body := "server:\n  listen_addr: 127.0.0.1:0\n  log_level: " + level + "\n"
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}
	write("info")

	reg, _ := testRegistry()
	application, err := app.New(context.Background(), testConfig(), reg,
		app.WithAcquirer(&mediamock.Acquirer{}), app.WithWatch(path))
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() { _ = application.Shutdown(context.Background()) })

	if err := application.Reload(); !errors.Is(err, config.ErrUnchanged) {
		t.Fatalf("Reload() unchanged = %v, want ErrUnchanged", err)
	}
	write("debug")
	// The background poll may have applied the write already.
	if err := application.Reload(); err != nil && !errors.Is(err, config.ErrUnchanged) {
		t.Fatalf("Reload() = %v", err)
	}
	if got := application.Config().Server.LogLevel; got != config.LogDebug {
		t.Errorf("Config().Server.LogLevel = %q, want debug", got)
	}
}

func TestNew_MCPEnabled(t *testing.T) {
	reg, _ := testRegistry()
	cfg := testConfig()
	cfg.Server.MCP = true

	application, err := app.New(context.Background(), cfg, reg,
		app.WithAcquirer(&mediamock.Acquirer{}),
		app.WithVersion("test"),
	)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = application.Run(ctx) }()
	select {
	case <-application.Ready():
	case <-time.After(3 * time.Second):
		t.Fatal("app never became ready")
	}

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "test", Version: "v0"}, nil)
	cs, err := client.Connect(ctx, &mcpsdk.StreamableClientTransport{Endpoint: "http://" + application.Addr() + "/mcp"}, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	res, err := cs.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      mcp.ToolStartMonitor,
		Arguments: map[string]any{"kind": "video", "id": "mcp-start"},
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if res.IsError {
		t.Fatalf("start_monitor IsError = true: %+v", res.Content)
	}
	if st := application.Manager().Status(types.KindVideo); st.State == types.StateOff {
		t.Errorf("video state after start = %v", st.State)
	}
	_ = cs.Close()

	cancel()
	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := application.Shutdown(shutdownCtx); err != nil {
		t.Errorf("Shutdown() = %v", err)
	}
}
