package config

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// ErrUnchanged is returned by [Watcher.Reload] when the file content matches
// the config that is already current.
var ErrUnchanged = errors.New("config: file unchanged")

// ChangeFunc is called after a changed, valid config file has been loaded.
type ChangeFunc func(old, new *Config, d ConfigDiff)

// snapshot identifies one observed version of the file.
type snapshot struct {
	mtime time.Time
	sum   [sha256.Size]byte
}

// Watcher polls a config file and reloads it when its content changes. An
// invalid file is logged and ignored; the previous config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	onChange ChangeFunc

	// reloadMu serialises polling and explicit reloads so onChange never
	// runs concurrently with itself.
	reloadMu sync.Mutex

	mu      sync.Mutex
	current *Config
	seen    snapshot

	done     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path immediately and starts polling it in the
// background. onChange may be nil.
func NewWatcher(path string, onChange ChangeFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, snap, err := loadSnapshot(path)
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current, w.seen = cfg, snap

	go w.loop()
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop stops polling. Safe to call multiple times.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

// Reload reads the file now, ignoring its modification time. It returns
// [ErrUnchanged] when the content is identical to the current config and
// the validation error when the file is invalid.
func (w *Watcher) Reload() error {
	return w.apply(true)
}

func (w *Watcher) loop() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			switch err := w.apply(false); {
			case err == nil, errors.Is(err, ErrUnchanged):
			default:
				slog.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
			}
		}
	}
}

// apply loads the file and swaps it in when its content differs from the
// current config. Unless forced, an unchanged mtime short-circuits the read.
func (w *Watcher) apply(force bool) error {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	if !force {
		info, err := os.Stat(w.path)
		if err != nil {
			return err
		}
		w.mu.Lock()
		same := info.ModTime().Equal(w.seen.mtime)
		w.mu.Unlock()
		if same {
			return ErrUnchanged
		}
	}

	cfg, snap, err := loadSnapshot(w.path)
	if err != nil {
		return err
	}

	w.mu.Lock()
	if snap.sum == w.seen.sum {
		w.seen.mtime = snap.mtime
		w.mu.Unlock()
		return ErrUnchanged
	}
	old := w.current
	w.current, w.seen = cfg, snap
	w.mu.Unlock()

	d := Diff(old, cfg)
	slog.Info("config watcher: configuration reloaded",
		"path", w.path,
		"forced", force,
		"monitors_changed", d.MonitorsChanged,
		"restart_required", d.RestartRequired,
	)
	if w.onChange != nil {
		w.onChange(old, cfg, d)
	}
	return nil
}

// loadSnapshot parses and validates path. The snapshot is only meaningful
// when err is nil.
func loadSnapshot(path string) (*Config, snapshot, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, snapshot{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, snapshot{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, snapshot{}, err
	}
	return cfg, snapshot{mtime: info.ModTime(), sum: sha256.Sum256(data)}, nil
}
