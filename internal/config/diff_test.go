package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/presencegate/internal/config"
	"github.com/MrWong99/presencegate/pkg/types"
)

func boolPtr(b bool) *bool { return &b }

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Server:      config.ServerConfig{LogLevel: config.LogInfo},
		Monitors:    config.MonitorsConfig{Audio: config.MonitorDefaults{Probe: boolPtr(true)}},
		Coordinator: config.CoordinatorConfig{AllowedOrigins: []string{"a"}},
		Classifiers: config.ClassifiersConfig{Remote: config.ProviderEntry{Name: "openai", Options: map[string]any{"detail": "low"}}},
	}
	other := *cfg
	other.Monitors.Audio.Probe = boolPtr(true)
	other.Coordinator.AllowedOrigins = []string{"a"}

	if d := config.Diff(cfg, &other); !d.Empty() {
		t.Errorf("Diff of equal configs = %+v, want empty", d)
	}
}

func TestDiff_LogLevelAndMonitors(t *testing.T) {
	t.Parallel()
	old := &config.Config{Server: config.ServerConfig{LogLevel: config.LogInfo}}
	new := &config.Config{
		Server:   config.ServerConfig{LogLevel: config.LogDebug},
		Monitors: config.MonitorsConfig{Video: config.MonitorDefaults{ClassifyTimeout: 3 * time.Second}},
	}

	d := config.Diff(old, new)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("log level diff = %v/%q", d.LogLevelChanged, d.NewLogLevel)
	}
	if !slices.Equal(d.MonitorsChanged, []types.Kind{types.KindVideo}) {
		t.Errorf("MonitorsChanged = %v, want [video]", d.MonitorsChanged)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("RestartRequired = %v, want none", d.RestartRequired)
	}
}

func TestDiff_ProbeToggle(t *testing.T) {
	t.Parallel()
	old := &config.Config{}
	new := &config.Config{Monitors: config.MonitorsConfig{Audio: config.MonitorDefaults{Probe: boolPtr(false)}}}
	if d := config.Diff(old, new); !slices.Equal(d.MonitorsChanged, []types.Kind{types.KindAudio}) {
		t.Errorf("MonitorsChanged = %v, want [audio]", d.MonitorsChanged)
	}
}

func TestDiff_Sensitivity(t *testing.T) {
	t.Parallel()
	half, zero := 0.5, 0.0
	old := &config.Config{Monitors: config.MonitorsConfig{Video: config.MonitorDefaults{Sensitivity: &half}}}

	same := &config.Config{Monitors: config.MonitorsConfig{Video: config.MonitorDefaults{Sensitivity: new(float64)}}}
	*same.Monitors.Video.Sensitivity = 0.5
	if d := config.Diff(old, same); !d.Empty() {
		t.Errorf("Diff with equal sensitivity = %+v, want empty", d)
	}

	lowered := &config.Config{Monitors: config.MonitorsConfig{Video: config.MonitorDefaults{Sensitivity: &zero}}}
	if d := config.Diff(old, lowered); !slices.Equal(d.MonitorsChanged, []types.Kind{types.KindVideo}) {
		t.Errorf("MonitorsChanged = %v, want [video]", d.MonitorsChanged)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	old := &config.Config{}
	new := &config.Config{
		Server:      config.ServerConfig{ListenAddr: ":9000"},
		Coordinator: config.CoordinatorConfig{AllowedOrigins: []string{"x"}},
		Classifiers: config.ClassifiersConfig{Fallbacks: []config.ProviderEntry{{Name: "energy"}}},
		Journal:     config.JournalConfig{PostgresDSN: "postgres://"},
		MQTT:        config.MQTTConfig{Broker: "b:1883"},
	}
	d := config.Diff(old, new)
	want := []string{"server", "coordinator", "classifiers", "journal", "mqtt"}
	if !slices.Equal(d.RestartRequired, want) {
		t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, want)
	}
}

func TestDiff_MCPToggleRequiresRestart(t *testing.T) {
	t.Parallel()
	d := config.Diff(&config.Config{}, &config.Config{Server: config.ServerConfig{MCP: true}})
	if !slices.Equal(d.RestartRequired, []string{"server"}) {
		t.Errorf("RestartRequired = %v, want [server]", d.RestartRequired)
	}
}
