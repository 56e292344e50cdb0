// Package config provides the configuration schema, loader, hot-reload
// watcher and classifier registry for the presencegate daemon.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/presencegate/internal/monitor"
	"github.com/MrWong99/presencegate/pkg/types"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SlogLevel maps l onto a slog level. Unknown values map to info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Monitors    MonitorsConfig    `yaml:"monitors"`
	Classifiers ClassifiersConfig `yaml:"classifiers"`
	Feeds       FeedsConfig       `yaml:"feeds"`
	Journal     JournalConfig     `yaml:"journal"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	LogLevel LogLevel `yaml:"log_level"`

	// ShutdownTimeout bounds graceful shutdown. Defaults to 15s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// TLS enables HTTPS when set.
	TLS *TLSConfig `yaml:"tls"`

	// MCP mounts the Model Context Protocol control tools at /mcp.
	MCP bool `yaml:"mcp"`
}

// TLSConfig holds TLS certificate paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// CoordinatorConfig configures the control channel.
type CoordinatorConfig struct {
	// StopOnDisconnect stops every session once the last control surface
	// has been gone for DisconnectGrace.
	StopOnDisconnect bool          `yaml:"stop_on_disconnect"`
	DisconnectGrace  time.Duration `yaml:"disconnect_grace"`
	ReplayCacheSize  int           `yaml:"replay_cache_size"`
	SendBuffer       int           `yaml:"send_buffer"`
	StartTimeout     time.Duration `yaml:"start_timeout"`

	// AllowedOrigins are host patterns accepted for cross-origin WebSocket
	// upgrades on /ws. Same-origin requests are always accepted.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// MonitorsConfig holds the per-kind session defaults. Fields a start
// command leaves unset are taken from here.
type MonitorsConfig struct {
	Audio MonitorDefaults `yaml:"audio"`
	Video MonitorDefaults `yaml:"video"`
}

// For returns the defaults block of kind.
func (m MonitorsConfig) For(kind types.Kind) MonitorDefaults {
	if kind == types.KindVideo {
		return m.Video
	}
	return m.Audio
}

// MonitorDefaults mirrors the wire configuration of a start command. Zero
// values fall back to the built-in defaults of the kind.
type MonitorDefaults struct {
	SampleIntervalMs           int                   `yaml:"sample_interval_ms"`
	InactivityThresholdSeconds float64               `yaml:"inactivity_threshold_seconds"`
	RecheckMode                monitor.RecheckMode   `yaml:"recheck_mode"`
	Sensitivity                *float64              `yaml:"sensitivity"`
	ClassifyTimeout            time.Duration         `yaml:"classify_timeout"`
	FailurePolicy              monitor.FailurePolicy `yaml:"failure_policy"`
	Probe                      *bool                 `yaml:"probe"`
	Stream                     bool                  `yaml:"stream"`
}

// MonitorConfig layers d over the built-in defaults of kind.
func (d MonitorDefaults) MonitorConfig(kind types.Kind) monitor.Config {
	base := monitor.DefaultConfig(kind)
	cfg := monitor.Config{
		SampleInterval:      time.Duration(d.SampleIntervalMs) * time.Millisecond,
		InactivityThreshold: time.Duration(d.InactivityThresholdSeconds * float64(time.Second)),
		RecheckMode:         d.RecheckMode,
		ClassifyTimeout:     d.ClassifyTimeout,
		FailurePolicy:       d.FailurePolicy,
		Probe:               base.Probe,
		Stream:              d.Stream,
	}.WithDefaults(base)
	if d.Probe != nil {
		cfg.Probe = *d.Probe
	}
	if d.Sensitivity != nil {
		cfg.Sensitivity = *d.Sensitivity
	}
	return cfg
}

// ClassifiersConfig selects the classifier implementations. Local is used
// for sessions in local recheck mode and Remote for remote mode. Fallbacks
// are tried in order when Remote fails or its circuit is open.
type ClassifiersConfig struct {
	Local     ProviderEntry   `yaml:"local"`
	Remote    ProviderEntry   `yaml:"remote"`
	Fallbacks []ProviderEntry `yaml:"fallbacks"`
}

// ProviderEntry is the common configuration block of a classifier. Name
// selects the constructor registered in the [Registry].
type ProviderEntry struct {
	// Name selects the registered implementation (e.g., "energy", "openai").
	Name string `yaml:"name"`

	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint. For "remote" it is
	// the classification endpoint itself.
	BaseURL string `yaml:"base_url"`

	Model string `yaml:"model"`

	// Options holds implementation-specific values.
	Options map[string]any `yaml:"options"`
}

// FeedsConfig configures the capture-agent endpoint.
type FeedsConfig struct {
	// AttachWait is how long an acquisition waits for an agent to attach
	// before failing with device_absent. Zero fails immediately.
	AttachWait     time.Duration `yaml:"attach_wait"`
	StreamBuffer   int           `yaml:"stream_buffer"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

// JournalConfig configures the transition journal.
type JournalConfig struct {
	// PostgresDSN selects the PostgreSQL journal. Empty keeps an in-memory
	// journal of MemoryCapacity entries per kind.
	PostgresDSN    string `yaml:"postgres_dsn"`
	MemoryCapacity int    `yaml:"memory_capacity"`
}

// MQTTConfig configures the status emitter. An empty Broker disables it.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	TopicPrefix string `yaml:"topic_prefix"`
	ClientID    string `yaml:"client_id"`
	QoS         byte   `yaml:"qos"`
}

// TelemetryConfig configures OpenTelemetry.
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name"`

	// TraceSampleRatio is the fraction of root traces sampled, in [0,1].
	// Zero samples everything.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}
