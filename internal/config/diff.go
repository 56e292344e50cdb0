package config

import (
	"fmt"
	"slices"

	"github.com/MrWong99/presencegate/pkg/types"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// MonitorsChanged lists the kinds whose session defaults changed. New
	// defaults apply to sessions started afterwards; running sessions keep
	// their configuration.
	MonitorsChanged []types.Kind

	// RestartRequired names the sections that changed but are only read at
	// startup.
	RestartRequired []string
}

// Empty reports whether d records no change at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && len(d.MonitorsChanged) == 0 && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	for _, kind := range types.Kinds() {
		if !sameDefaults(old.Monitors.For(kind), new.Monitors.For(kind)) {
			d.MonitorsChanged = append(d.MonitorsChanged, kind)
		}
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || old.Server.MCP != new.Server.MCP || !sameTLS(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !sameCoordinator(old.Coordinator, new.Coordinator) {
		d.RestartRequired = append(d.RestartRequired, "coordinator")
	}
	if !sameClassifiers(old.Classifiers, new.Classifiers) {
		d.RestartRequired = append(d.RestartRequired, "classifiers")
	}
	if old.Feeds.AttachWait != new.Feeds.AttachWait || old.Feeds.StreamBuffer != new.Feeds.StreamBuffer ||
		!slices.Equal(old.Feeds.AllowedOrigins, new.Feeds.AllowedOrigins) {
		d.RestartRequired = append(d.RestartRequired, "feeds")
	}
	if old.Journal != new.Journal {
		d.RestartRequired = append(d.RestartRequired, "journal")
	}
	if old.MQTT != new.MQTT {
		d.RestartRequired = append(d.RestartRequired, "mqtt")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}
	return d
}

func sameDefaults(a, b MonitorDefaults) bool {
	same := samePtr(a.Probe, b.Probe) && samePtr(a.Sensitivity, b.Sensitivity)
	a.Probe, b.Probe = nil, nil
	a.Sensitivity, b.Sensitivity = nil, nil
	return same && a == b
}

func samePtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func sameTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func sameCoordinator(a, b CoordinatorConfig) bool {
	return a.StopOnDisconnect == b.StopOnDisconnect &&
		a.DisconnectGrace == b.DisconnectGrace &&
		a.ReplayCacheSize == b.ReplayCacheSize &&
		a.SendBuffer == b.SendBuffer &&
		a.StartTimeout == b.StartTimeout &&
		slices.Equal(a.AllowedOrigins, b.AllowedOrigins)
}

func sameClassifiers(a, b ClassifiersConfig) bool {
	if !sameEntry(a.Local, b.Local) || !sameEntry(a.Remote, b.Remote) || len(a.Fallbacks) != len(b.Fallbacks) {
		return false
	}
	for i := range a.Fallbacks {
		if !sameEntry(a.Fallbacks[i], b.Fallbacks[i]) {
			return false
		}
	}
	return true
}

// sameEntry compares the scalar fields of two entries and the string form
// of their options.
func sameEntry(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model || len(a.Options) != len(b.Options) {
		return false
	}
	for k, v := range a.Options {
		w, ok := b.Options[k]
		if !ok || fmt.Sprint(v) != fmt.Sprint(w) {
			return false
		}
	}
	return true
}
