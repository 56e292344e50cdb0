// Package app wires the presencegate subsystems into a running daemon.
//
// The App struct owns the full lifecycle: New builds every subsystem from
// the config, Run serves HTTP until its context is cancelled, and Shutdown
// tears everything down in reverse order of construction.
//
// For testing, inject doubles via functional options (WithAcquirer,
// WithJournal, WithPublisher, etc.). When an option is not provided, New
// creates the real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/presencegate/internal/clock"
	"github.com/MrWong99/presencegate/internal/config"
	"github.com/MrWong99/presencegate/internal/coordinator"
	"github.com/MrWong99/presencegate/internal/emitter"
	"github.com/MrWong99/presencegate/internal/health"
	"github.com/MrWong99/presencegate/internal/httpapi"
	"github.com/MrWong99/presencegate/internal/journal"
	"github.com/MrWong99/presencegate/internal/mcp"
	"github.com/MrWong99/presencegate/internal/monitor"
	"github.com/MrWong99/presencegate/internal/observe"
	"github.com/MrWong99/presencegate/internal/resilience"
	"github.com/MrWong99/presencegate/pkg/classifier"
	"github.com/MrWong99/presencegate/pkg/media"
	"github.com/MrWong99/presencegate/pkg/media/feed"
	"github.com/MrWong99/presencegate/pkg/types"
)

const (
	defaultListenAddr = ":8080"
	readHeaderTimeout = 10 * time.Second
)

// App owns all subsystem lifetimes.
type App struct {
	reg     *config.Registry
	current atomic.Pointer[config.Config]
	watcher *config.Watcher

	// Injected or built in New.
	acq       media.Acquirer
	feeds     *feed.Platform
	store     journal.Store
	publisher emitter.Publisher
	clock     clock.Clock
	metrics   *observe.Metrics
	level     *slog.LevelVar
	watchPath string
	version   string

	local    classifier.Classifier
	remote   *resilience.ClassifierFallback
	manager  *monitor.Manager
	recorder *journal.Recorder
	emitter  *emitter.Emitter
	coord    *coordinator.Coordinator
	server   *http.Server

	ready chan struct{}
	addr  atomic.Value // string

	// closers run in reverse order during Shutdown.
	closers  []func(context.Context) error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithAcquirer replaces the capture-agent feed as the media source. The
// /feeds endpoint still exists but nothing acquires from it.
func WithAcquirer(acq media.Acquirer) Option {
	return func(a *App) { a.acq = acq }
}

// WithJournal injects a transition journal instead of creating one from
// config.
func WithJournal(s journal.Store) Option {
	return func(a *App) { a.store = s }
}

// WithPublisher injects an MQTT publisher instead of connecting to the
// configured broker.
func WithPublisher(p emitter.Publisher) Option {
	return func(a *App) { a.publisher = p }
}

// WithClock overrides the clock of sessions, breakers and the coordinator.
func WithClock(c clock.Clock) Option {
	return func(a *App) { a.clock = c }
}

// WithMetrics overrides the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel hands the app the level of the process logger so a reloaded
// config can change it.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithWatch makes the app poll the config file at path and apply hot
// reloadable changes.
func WithWatch(path string) Option {
	return func(a *App) { a.watchPath = path }
}

// WithVersion sets the version reported to MCP clients.
func WithVersion(v string) Option {
	return func(a *App) { a.version = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. reg supplies the
// classifier constructors named in cfg.
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{
		reg:     reg,
		clock:   clock.Real(),
		ready:   make(chan struct{}),
		version: "dev",
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.current.Store(cfg)

	if err := a.initWatcher(); err != nil {
		a.closeAll(ctx)
		return nil, fmt.Errorf("app: init watcher: %w", err)
	}
	cfg = a.Config()

	a.initFeeds(cfg.Feeds)

	if err := a.initClassifiers(cfg.Classifiers); err != nil {
		a.closeAll(ctx)
		return nil, fmt.Errorf("app: init classifiers: %w", err)
	}

	a.manager = monitor.NewManager(a.acq, a.resolveClassifier,
		monitor.WithClock(a.clock),
		monitor.WithMetrics(a.metrics),
	)

	if err := a.initJournal(ctx, cfg.Journal); err != nil {
		a.closeAll(ctx)
		return nil, fmt.Errorf("app: init journal: %w", err)
	}

	if err := a.initEmitter(ctx, cfg.MQTT); err != nil {
		a.closeAll(ctx)
		return nil, fmt.Errorf("app: init emitter: %w", err)
	}

	// Registered after the journal and emitter so the final transitions of
	// a shutdown still reach them.
	a.closers = append(a.closers, a.manager.Shutdown)

	a.initCoordinator(cfg.Coordinator)
	a.initServer(cfg.Server)

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initWatcher() error {
	if a.watchPath == "" {
		return nil
	}
	w, err := config.NewWatcher(a.watchPath, a.reload)
	if err != nil {
		return err
	}
	a.watcher = w
	a.current.Store(w.Current())
	a.closers = append(a.closers, func(context.Context) error {
		w.Stop()
		return nil
	})
	return nil
}

func (a *App) initFeeds(cfg config.FeedsConfig) {
	a.feeds = feed.New(
		feed.WithAttachWait(cfg.AttachWait),
		feed.WithStreamBuffer(cfg.StreamBuffer),
		feed.WithOriginPatterns(cfg.AllowedOrigins...),
	)
	if a.acq == nil {
		a.acq = a.feeds
	}
}

// initClassifiers builds the local classifier and, when configured, the
// remote chain with its fallbacks.
func (a *App) initClassifiers(cfg config.ClassifiersConfig) error {
	local := cfg.Local
	if local.Name == "" {
		local.Name = "energy"
	}
	c, err := a.reg.Create(local)
	if err != nil {
		return fmt.Errorf("local classifier: %w", err)
	}
	a.local = c
	slog.Info("classifier created", "mode", monitor.RecheckLocal, "name", local.Name)

	if cfg.Remote.Name == "" {
		return nil
	}
	primary, err := a.reg.Create(cfg.Remote)
	if err != nil {
		return fmt.Errorf("remote classifier: %w", err)
	}
	fbCfg := resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{Clock: a.clock},
	}
	a.remote = resilience.NewClassifierFallback(primary, cfg.Remote.Name, fbCfg)
	for _, entry := range cfg.Fallbacks {
		fb, err := a.reg.Create(entry)
		if err != nil {
			return fmt.Errorf("fallback classifier %q: %w", entry.Name, err)
		}
		a.remote.AddFallback(entry.Name, fb)
	}
	slog.Info("classifier created", "mode", monitor.RecheckRemote, "name", cfg.Remote.Name, "fallbacks", len(cfg.Fallbacks))
	return nil
}

func (a *App) initJournal(ctx context.Context, cfg config.JournalConfig) error {
	if a.store == nil {
		if cfg.PostgresDSN == "" {
			a.store = journal.NewMemoryStore(cfg.MemoryCapacity)
		} else {
			pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
			if err != nil {
				return fmt.Errorf("connect postgres: %w", err)
			}
			a.closers = append(a.closers, func(context.Context) error {
				pool.Close()
				return nil
			})
			pg := journal.NewPostgresStore(pool)
			if err := pg.Migrate(ctx); err != nil {
				return err
			}
			a.store = pg
			slog.Info("transition journal connected", "backend", "postgres")
		}
	}
	a.recorder = journal.NewRecorder(a.manager, a.store, 0)
	a.closers = append(a.closers, a.recorder.Close)
	return nil
}

func (a *App) initEmitter(ctx context.Context, cfg config.MQTTConfig) error {
	ecfg := emitter.Config{
		Broker:      cfg.Broker,
		TopicPrefix: cfg.TopicPrefix,
		ClientID:    cfg.ClientID,
		QoS:         cfg.QoS,
	}
	switch {
	case a.publisher != nil:
		a.emitter = emitter.New(a.publisher, ecfg)
	case cfg.Broker != "":
		e, err := emitter.Connect(ctx, ecfg)
		if err != nil {
			return err
		}
		a.emitter = e
	default:
		return nil
	}
	a.emitter.Attach(a.manager)
	a.closers = append(a.closers, a.emitter.Close)
	return nil
}

func (a *App) initCoordinator(cfg config.CoordinatorConfig) {
	a.coord = coordinator.New(a.manager, coordinator.Config{
		StopOnDisconnect: cfg.StopOnDisconnect,
		DisconnectGrace:  cfg.DisconnectGrace,
		ReplayCacheSize:  cfg.ReplayCacheSize,
		SendBuffer:       cfg.SendBuffer,
		StartTimeout:     cfg.StartTimeout,
		Defaults:         a.monitorDefaults,
		AllowedOrigins:   cfg.AllowedOrigins,
	},
		coordinator.WithClock(a.clock),
		coordinator.WithMetrics(a.metrics),
	)
	a.closers = append(a.closers, func(context.Context) error {
		a.coord.Close()
		return nil
	})
}

func (a *App) initServer(cfg config.ServerConfig) {
	checks := []health.Checker{
		health.Loaded("config", a.Config),
		health.Ping("journal", a.store),
	}
	if a.emitter != nil {
		checks = append(checks, health.Checker{Name: "mqtt", Check: a.mqttConnected})
	}

	deps := httpapi.Deps{
		Monitors:       a.manager,
		Coordinator:    a.coord,
		Feeds:          a.feeds,
		Journal:        a.store,
		Health:         health.New(checks...),
		Metrics:        a.metrics,
		MetricsHandler: promhttp.Handler(),
	}
	if a.remote != nil {
		deps.Classifiers = a.remote.States
	}
	if cfg.MCP {
		deps.MCP = mcp.NewServer(a.coord, a.manager, a.version).Handler()
	}

	addr := cfg.ListenAddr
	if addr == "" {
		addr = defaultListenAddr
	}
	a.server = &http.Server{
		Addr:              addr,
		Handler:           httpapi.New(deps).Router(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	a.closers = append(a.closers, a.server.Shutdown)
}

// ─── Runtime ─────────────────────────────────────────────────────────────────

// Config returns the config currently in effect.
func (a *App) Config() *config.Config { return a.current.Load() }

// Manager returns the monitor session registry.
func (a *App) Manager() *monitor.Manager { return a.manager }

// Journal returns the transition journal.
func (a *App) Journal() journal.Store { return a.store }

// Reload re-reads the watched config file immediately. It fails when the
// app was built without [WithWatch].
func (a *App) Reload() error {
	if a.watcher == nil {
		return errors.New("app: config watching is disabled")
	}
	return a.watcher.Reload()
}

// Ready is closed once Run is listening.
func (a *App) Ready() <-chan struct{} { return a.ready }

// Addr returns the address Run listens on, or "" before Ready.
func (a *App) Addr() string {
	s, _ := a.addr.Load().(string)
	return s
}

// Run serves HTTP and blocks until ctx is cancelled or the server fails.
// It returns ctx's error on cancellation.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.server.Addr, err)
	}
	a.addr.Store(ln.Addr().String())
	close(a.ready)

	tls := a.Config().Server.TLS
	errc := make(chan error, 1)
	go func() {
		var err error
		if tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		errc <- err
	}()

	slog.Info("app running", "addr", ln.Addr().String(), "tls", tls != nil)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// Shutdown tears down all subsystems in reverse-init order. Running
// sessions are stopped and their actuators restored. If ctx expires before
// all closers finish, the remaining closers are skipped and the context
// error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		err = a.closeAll(ctx)
		if err == nil {
			slog.Info("shutdown complete")
		}
	})
	return err
}

func (a *App) closeAll(ctx context.Context) error {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if ctx.Err() != nil {
			slog.Warn("shutdown deadline exceeded", "remaining", i+1)
			return ctx.Err()
		}
		if err := a.closers[i](ctx); err != nil {
			slog.Warn("closer error", "index", i, "err", err)
		}
	}
	a.closers = nil
	return nil
}

// resolveClassifier is the [monitor.ClassifierResolver] of the manager.
func (a *App) resolveClassifier(kind types.Kind, cfg monitor.Config) (classifier.Classifier, error) {
	if cfg.RecheckMode != monitor.RecheckRemote {
		return a.local, nil
	}
	if a.remote == nil {
		return nil, fmt.Errorf("%w: %s: remote recheck mode without a remote classifier", monitor.ErrInvalidConfig, kind)
	}
	return a.remote, nil
}

// monitorDefaults reads the per-kind defaults from the current config, so
// a reload applies to every session started afterwards.
func (a *App) monitorDefaults(kind types.Kind) monitor.Config {
	return a.Config().Monitors.For(kind).MonitorConfig(kind)
}

func (a *App) mqttConnected(context.Context) error {
	if !a.emitter.Stats().Connected {
		return errors.New("broker not connected")
	}
	return nil
}

// reload is the watcher callback.
func (a *App) reload(_, next *config.Config, d config.ConfigDiff) {
	a.current.Store(next)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.SlogLevel())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	for _, kind := range d.MonitorsChanged {
		slog.Info("monitor defaults reloaded; running session keeps its config", "kind", kind)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config sections changed that only apply after a restart", "sections", d.RestartRequired)
	}
}
