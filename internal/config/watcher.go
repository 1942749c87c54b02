package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Settings is the read side of the settings service: the active output
// routing mode, polled before every route or send decision.
type Settings interface {
	OutputMode() OutputMode
}

// StaticSettings is a [Settings] that never changes.
type StaticSettings OutputMode

// OutputMode returns m.
func (m StaticSettings) OutputMode() OutputMode { return OutputMode(m) }

// DefaultPollInterval is how often [Watcher.Watch] checks the file.
const DefaultPollInterval = 2 * time.Second

// Watcher keeps the latest valid [Config] read from a file and serves it as
// the host's settings service. Reads are lock-free: the pacing loop and the
// render driver ask for the output mode every few milliseconds.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)

	current atomic.Pointer[Config]

	// reloadMu serialises Reload so onChange observes configs in order.
	reloadMu sync.Mutex
	sum      [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval of [Watcher.Watch].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path. It fails when the file is missing or invalid.
// onChange, when non-nil, runs after every reload that changed the content.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{path: path, interval: DefaultPollInterval, onChange: onChange}
	for _, opt := range opts {
		opt(w)
	}
	cfg, sum, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current.Store(cfg)
	w.sum = sum
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config { return w.current.Load() }

// OutputMode implements [Settings].
func (w *Watcher) OutputMode() OutputMode { return w.current.Load().Output.Mode }

// Watch polls the file until ctx is done. Read or validation failures are
// logged and the previous config stays in effect.
func (w *Watcher) Watch(ctx context.Context) {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := w.Reload(); err != nil {
				slog.Warn("config: reload failed, keeping previous config", "path", w.path, "err", err)
			}
		}
	}
}

// Reload reads the file now. It reports whether the content differed from
// the active config; an unchanged file does not invoke onChange.
func (w *Watcher) Reload() (bool, error) {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	cfg, sum, err := w.read()
	if err != nil {
		return false, err
	}
	if sum == w.sum {
		return false, nil
	}
	w.sum = sum
	old := w.current.Swap(cfg)
	slog.Info("config: reloaded", "path", w.path, "output_mode", cfg.Output.Mode)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
	return true, nil
}

func (w *Watcher) read() (*Config, [sha256.Size]byte, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, [sha256.Size]byte{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, [sha256.Size]byte{}, err
	}
	return cfg, sha256.Sum256(data), nil
}
