// Command presencegate is the presence-gated actuation daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/presencegate/internal/app"
	"github.com/MrWong99/presencegate/internal/config"
	"github.com/MrWong99/presencegate/internal/observe"
	"github.com/MrWong99/presencegate/pkg/classifier"
	"github.com/MrWong99/presencegate/pkg/classifier/anyllm"
	"github.com/MrWong99/presencegate/pkg/classifier/energy"
	"github.com/MrWong99/presencegate/pkg/classifier/openai"
	"github.com/MrWong99/presencegate/pkg/classifier/remote"
	"github.com/MrWong99/presencegate/pkg/types"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const defaultShutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload the configuration file when it changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "presencegate: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "presencegate: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.SlogLevel())
	slog.SetDefault(newLogger(level))

	slog.Info("presencegate starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:      cfg.Telemetry.ServiceName,
		ServiceVersion:   version,
		TraceSampleRatio: cfg.Telemetry.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Classifier registry ───────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinClassifiers(reg)

	printStartupSummary(cfg)

	opts := []app.Option{app.WithLogLevel(level), app.WithVersion(version)}
	if *watch {
		opts = append(opts, app.WithWatch(*configPath))
	}
	application, err := app.New(ctx, cfg, reg, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	if *watch {
		go reloadOnHangup(ctx, application)
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	timeout := application.Config().Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	slog.Info("shutdown signal received, stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return code
}

// reloadOnHangup re-reads the config file on every SIGHUP until ctx ends.
func reloadOnHangup(ctx context.Context, application *app.App) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			switch err := application.Reload(); {
			case err == nil:
			case errors.Is(err, config.ErrUnchanged):
				slog.Info("SIGHUP: config file unchanged")
			default:
				slog.Warn("SIGHUP: reload failed, keeping previous config", "err", err)
			}
		}
	}
}

// ── Classifier wiring ─────────────────────────────────────────────────────────

// registerBuiltinClassifiers wires the classifier constructors that ship
// with presencegate into reg.
func registerBuiltinClassifiers(reg *config.Registry) {
	reg.Register("energy", func(entry config.ProviderEntry) (classifier.Classifier, error) {
		return energy.New(
			energy.WithSilenceLevel(optFloat(entry.Options, "silence_level")),
			energy.WithProbeLevel(optFloat(entry.Options, "probe_level")),
			energy.WithImageLevel(optFloat(entry.Options, "image_level")),
		), nil
	})

	reg.Register("openai", func(entry config.ProviderEntry) (classifier.Classifier, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if entry.Model != "" {
			opts = append(opts, openai.WithModel(entry.Model))
		}
		if d, err := optDuration(entry.Options, "timeout"); err != nil {
			return nil, err
		} else if d > 0 {
			opts = append(opts, openai.WithTimeout(d))
		}
		return openai.New(entry.APIKey, opts...)
	})

	// anyllm reaches the vision models of every any-llm-go backend. The
	// backend is chosen with options.provider.
	reg.Register("anyllm", func(entry config.ProviderEntry) (classifier.Classifier, error) {
		var opts []anyllmlib.Option
		if entry.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
		}
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New(optString(entry.Options, "provider"), entry.Model, opts...)
	})

	reg.Register("remote", func(entry config.ProviderEntry) (classifier.Classifier, error) {
		var opts []remote.Option
		if entry.APIKey != "" {
			opts = append(opts, remote.WithBearerToken(entry.APIKey))
		}
		return remote.New(entry.BaseURL, opts...)
	})

	for _, name := range reg.Names() {
		slog.Debug("registered classifier", "name", name)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║     presencegate startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Local", orDefault(cfg.Classifiers.Local.Name, "energy"))
	printRow("Remote", orDefault(cfg.Classifiers.Remote.Name, "(not configured)"))
	printRow("Fallbacks", fmt.Sprint(len(cfg.Classifiers.Fallbacks)))
	for _, kind := range types.Kinds() {
		mc := cfg.Monitors.For(kind).MonitorConfig(kind)
		printRow(string(kind), fmt.Sprintf("%s / %s", mc.RecheckMode, mc.SampleInterval))
	}
	if cfg.Journal.PostgresDSN != "" {
		printRow("Journal", "postgres")
	} else {
		printRow("Journal", "memory")
	}
	printRow("MQTT", orDefault(cfg.MQTT.Broker, "(disabled)"))
	if cfg.Server.MCP {
		printRow("MCP", "/mcp")
	}
	printRow("Listen addr", orDefault(cfg.Server.ListenAddr, ":8080"))
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "..."
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optFloat extracts a number from a classifier Options map. YAML decodes
// integers as int, so both are accepted. Returns 0 when absent.
func optFloat(opts map[string]any, key string) float64 {
	switch v := opts[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}

// optString extracts a string value from a classifier Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a
// string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optDuration parses a duration string such as "8s" from a classifier
// Options map. Returns 0 when absent.
func optDuration(opts map[string]any, key string) (time.Duration, error) {
	s, ok := opts[key].(string)
	if !ok || s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("option %s: %w", key, err)
	}
	return d, nil
}
