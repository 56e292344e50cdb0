package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/presencegate/internal/monitor"
	"github.com/MrWong99/presencegate/pkg/types"
)

// ValidClassifierNames lists the classifier implementations that ship with
// presencegate. Used by [Validate] to warn about unrecognised names.
var ValidClassifierNames = []string{"anyllm", "energy", "openai", "remote"}

// Load reads the YAML configuration file at path and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout must not be negative"))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Coordinator
	c := cfg.Coordinator
	if c.DisconnectGrace < 0 {
		errs = append(errs, errors.New("coordinator.disconnect_grace must not be negative"))
	}
	if c.DisconnectGrace > 0 && !c.StopOnDisconnect {
		slog.Warn("coordinator.disconnect_grace is set but stop_on_disconnect is false; it has no effect")
	}
	if c.ReplayCacheSize < 0 {
		errs = append(errs, errors.New("coordinator.replay_cache_size must not be negative"))
	}
	if c.SendBuffer < 0 {
		errs = append(errs, errors.New("coordinator.send_buffer must not be negative"))
	}
	if c.StartTimeout < 0 {
		errs = append(errs, errors.New("coordinator.start_timeout must not be negative"))
	}

	// Monitors
	remoteUsed := false
	for _, kind := range types.Kinds() {
		d := cfg.Monitors.For(kind)
		if d.SampleIntervalMs < 0 {
			errs = append(errs, fmt.Errorf("monitors.%s.sample_interval_ms must not be negative", kind))
		}
		if d.InactivityThresholdSeconds < 0 {
			errs = append(errs, fmt.Errorf("monitors.%s.inactivity_threshold_seconds must not be negative", kind))
		}
		mc := d.MonitorConfig(kind)
		if err := mc.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("monitors.%s: %w", kind, err))
		}
		if mc.RecheckMode == monitor.RecheckRemote {
			remoteUsed = true
		}
	}

	// Classifiers
	validateClassifierName("classifiers.local", cfg.Classifiers.Local.Name)
	validateClassifierName("classifiers.remote", cfg.Classifiers.Remote.Name)
	for i, fb := range cfg.Classifiers.Fallbacks {
		field := fmt.Sprintf("classifiers.fallbacks[%d]", i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", field))
		}
		validateClassifierName(field, fb.Name)
	}
	if remoteUsed && cfg.Classifiers.Remote.Name == "" {
		errs = append(errs, errors.New("monitors use recheck_mode remote but classifiers.remote is not configured"))
	}
	if cfg.Classifiers.Remote.Name == "remote" && cfg.Classifiers.Remote.BaseURL == "" {
		errs = append(errs, errors.New("classifiers.remote: base_url is required for the remote classifier"))
	}

	// Feeds
	if cfg.Feeds.AttachWait < 0 {
		errs = append(errs, errors.New("feeds.attach_wait must not be negative"))
	}
	if cfg.Feeds.StreamBuffer < 0 {
		errs = append(errs, errors.New("feeds.stream_buffer must not be negative"))
	}

	// Journal
	if cfg.Journal.MemoryCapacity < 0 {
		errs = append(errs, errors.New("journal.memory_capacity must not be negative"))
	}
	if cfg.Journal.PostgresDSN == "" {
		slog.Debug("journal.postgres_dsn is empty; transitions are kept in memory only")
	}

	// MQTT
	if cfg.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos %d is invalid; valid values: 0, 1, 2", cfg.MQTT.QoS))
	}
	if cfg.MQTT.Broker == "" && (cfg.MQTT.TopicPrefix != "" || cfg.MQTT.ClientID != "") {
		slog.Warn("mqtt settings present but mqtt.broker is empty; the status emitter is disabled")
	}

	// Telemetry
	if r := cfg.Telemetry.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.trace_sample_ratio %v must be between 0 and 1", r))
	}

	return errors.Join(errs...)
}

// validateClassifierName logs a warning if name is non-empty and not one of
// [ValidClassifierNames].
func validateClassifierName(field, name string) {
	if name == "" || slices.Contains(ValidClassifierNames, name) {
		return
	}
	slog.Warn("unknown classifier name, may be a typo or third-party classifier",
		"field", field,
		"name", name,
		"known", ValidClassifierNames,
	)
}
