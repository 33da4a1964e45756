package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultPollInterval is how often a [Watcher] looks at the file.
const DefaultPollInterval = 5 * time.Second

// fileState identifies one version of the watched file.
type fileState struct {
	mtime time.Time
	size  int64
	sum   [sha256.Size]byte
}

// Watcher polls a config file and reports edits that produce a different
// valid config. A broken edit is logged once and the last valid config stays
// current until the file changes again.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)
	prepare  func(*Config)

	mu      sync.Mutex
	current *Config
	seen    fileState
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Values <= 0 are ignored.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithPrepare runs fn on every decoded config before validation, so that
// command-line overrides survive a reload.
func WithPrepare(fn func(*Config)) WatcherOption {
	return func(w *Watcher) { w.prepare = fn }
}

// NewWatcher reads path once and fails if it does not hold a valid config.
// Polling starts with [Watcher.Run].
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultPollInterval,
		onChange: onChange,
	}
	for _, opt := range opts {
		opt(w)
	}

	st, data, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	cfg, err := w.parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	w.current, w.seen = cfg, st
	return w, nil
}

// Current returns the most recent valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls until ctx is cancelled. It always returns nil.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.poll()
		}
	}
}

func (w *Watcher) poll() {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config watcher: stat failed", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	seen := w.seen
	w.mu.Unlock()
	if info.ModTime().Equal(seen.mtime) && info.Size() == seen.size {
		return
	}

	st, data, err := w.read()
	if err != nil {
		slog.Warn("config watcher: read failed", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	w.seen = st
	w.mu.Unlock()
	if st.sum == seen.sum {
		return
	}

	cfg, err := w.parse(data)
	if err != nil {
		slog.Warn("config watcher: ignoring invalid edit", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	old := w.current
	w.current = cfg
	w.mu.Unlock()

	slog.Info("config watcher: reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
}

func (w *Watcher) read() (fileState, []byte, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return fileState{}, nil, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return fileState{}, nil, err
	}
	return fileState{mtime: info.ModTime(), size: int64(len(data)), sum: sha256.Sum256(data)}, data, nil
}

func (w *Watcher) parse(data []byte) (*Config, error) {
	cfg, err := Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if w.prepare != nil {
		w.prepare(cfg)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
