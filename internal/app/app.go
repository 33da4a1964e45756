// Package app wires the Raksha client together: the voice session actor,
// its transport and audio devices, the ops HTTP listener, the config watcher
// and the optional reconnect policy.
//
// New builds everything synchronously and fails fast on bad settings. Run
// executes all long-running parts in one errgroup and returns once ctx is
// cancelled or one of them fails. For testing, inject doubles via the
// functional options (WithTransport, WithBackend, ...).
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/raksha/internal/config"
	"github.com/MrWong99/raksha/internal/deferred"
	"github.com/MrWong99/raksha/internal/health"
	"github.com/MrWong99/raksha/internal/observe"
	"github.com/MrWong99/raksha/internal/session"
	"github.com/MrWong99/raksha/internal/transport"
	"github.com/MrWong99/raksha/pkg/audio/device"
)

// shutdownTimeout bounds the graceful stop of the ops listener.
const shutdownTimeout = 5 * time.Second

// App owns the lifetime of every client subsystem.
type App struct {
	cfg     *config.Config
	address string

	transport session.Transport
	backend   device.Backend
	metrics   *observe.Metrics
	clock     deferred.Clock
	observer  session.Observer
	levels    *slog.LevelVar
	scrape    http.Handler
	cfgPath   string
	watchOpts []config.WatcherOption

	session     *session.Session
	reconnector *Reconnector
	watcher     *config.Watcher
	listener    net.Listener
	server      *http.Server
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithTransport injects a session transport instead of a websocket one.
func WithTransport(t session.Transport) Option {
	return func(a *App) { a.transport = t }
}

// WithBackend injects a device backend instead of the configured one.
func WithBackend(b device.Backend) Option {
	return func(a *App) { a.backend = b }
}

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithClock replaces the session timer source.
func WithClock(c deferred.Clock) Option {
	return func(a *App) { a.clock = c }
}

// WithObserver registers UI callbacks. They run on the session goroutine and
// must not block.
func WithObserver(o session.Observer) Option {
	return func(a *App) { a.observer = o }
}

// WithMetricsHandler sets the handler served at /metrics. Defaults to
// [promhttp.Handler] on the default Prometheus registry.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.scrape = h }
}

// WithLevelVar lets hot reload change the log level through v.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.levels = v }
}

// WithConfigWatch enables polling of path for live changes to the barge-in
// and log_level settings.
func WithConfigWatch(path string, opts ...config.WatcherOption) Option {
	return func(a *App) {
		a.cfgPath = path
		a.watchOpts = opts
	}
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg. Nothing connects until [App.Connect]; the ops
// listener, when configured, is bound immediately so that its address is
// known before Run.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	address, err := transport.BuildURL(cfg.Session.URL, cfg.Session.UserID, cfg.Session.Timezone)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a.address = address

	if a.transport == nil {
		a.transport = transport.New(
			transport.WithDialTimeout(cfg.Session.ConnectTimeout),
			transport.WithWriteTimeout(cfg.Session.WriteTimeout),
			transport.WithMetrics(a.metrics),
		)
	}
	if a.backend == nil {
		b, err := device.DefaultRegistry().Create(cfg.Audio.Backend)
		if err != nil {
			return nil, fmt.Errorf("app: audio backend %q: %w", cfg.Audio.Backend, err)
		}
		a.backend = b
	}

	if err := a.initSession(); err != nil {
		return nil, fmt.Errorf("app: init session: %w", err)
	}

	if a.cfgPath != "" {
		w, err := config.NewWatcher(a.cfgPath, a.applyConfig, a.watchOpts...)
		if err != nil {
			return nil, fmt.Errorf("app: watch config: %w", err)
		}
		a.watcher = w
	}

	if err := a.initOps(); err != nil {
		return nil, fmt.Errorf("app: init ops: %w", err)
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initSession() error {
	obs := a.observer
	if a.cfg.Reconnect.Enabled {
		userOnState := obs.OnState
		obs.OnState = func(snap session.Snapshot) {
			// Only transport faults are retried. Device failures and a
			// clean close by the peer are left to the user.
			if snap.State == session.Error && snap.Warning == session.WarnConnection {
				a.reconnector.NotifyDisconnect()
			}
			if userOnState != nil {
				userOnState(snap)
			}
		}
	}

	opts := []session.Option{
		session.WithObserver(obs),
		session.WithMetrics(a.metrics),
		session.WithCaptureQueue(a.cfg.Audio.CaptureQueue),
	}
	if a.clock != nil {
		opts = append(opts, session.WithClock(a.clock))
	}

	s, err := session.New(a.cfg.SessionConfig(a.address), a.transport, a.backend, opts...)
	if err != nil {
		return err
	}
	a.session = s

	if a.cfg.Reconnect.Enabled {
		a.reconnector = NewReconnector(ReconnectorConfig{
			Session:    s,
			MaxRetries: a.cfg.Reconnect.MaxRetries,
			Backoff:    a.cfg.Reconnect.Backoff,
			MaxBackoff: a.cfg.Reconnect.MaxBackoff,
			OnReconnect: func(attempt int) {
				slog.Info("session restored", "attempt", attempt)
			},
		})
	}
	return nil
}

func (a *App) initOps() error {
	addr := a.cfg.Ops.ListenAddr
	if addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	health.New(
		func() string { return a.session.Snapshot().State.String() },
		health.SessionConnected(a.session.Connected),
	).Register(mux)
	if a.scrape == nil {
		a.scrape = promhttp.Handler()
	}
	mux.Handle("GET /metrics", a.scrape)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %q: %w", addr, err)
	}
	a.listener = ln
	a.server = &http.Server{
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts every subsystem and blocks until ctx is cancelled or one of
// them fails. The session is disconnected before Run returns.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.session.Run(gctx) })

	if a.server != nil {
		slog.Info("ops listener started", "addr", a.listener.Addr().String())
		g.Go(func() error {
			if err := a.server.Serve(a.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: ops server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return a.server.Shutdown(sctx)
		})
	}

	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}
	if a.reconnector != nil {
		g.Go(func() error { return a.reconnector.Run(gctx) })
	}

	return g.Wait()
}

// ─── Commands ────────────────────────────────────────────────────────────────

// Session returns the voice session for hold and status commands.
func (a *App) Session() *session.Session { return a.session }

// Connect starts a voice session.
func (a *App) Connect(ctx context.Context) error {
	return a.session.Connect(ctx)
}

// Disconnect ends the voice session and stops any pending reconnection.
func (a *App) Disconnect() error {
	if a.reconnector != nil {
		a.reconnector.Cancel()
	}
	return a.session.Disconnect()
}

// OpsAddr returns the bound ops listener address, or "" when disabled.
func (a *App) OpsAddr() string {
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// applyConfig is the watcher callback. Only barge-in and log_level apply
// live.
func (a *App) applyConfig(old, new *config.Config) {
	d := config.Diff(old, new)

	if d.LogLevelChanged && a.levels != nil {
		a.levels.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "log_level", d.NewLogLevel)
	}

	if d.BargeInChanged {
		if err := a.session.UpdateGate(d.NewBargeIn.Gate()); err != nil {
			slog.Warn("failed to apply barge-in gate", "err", err)
		} else if err := a.session.SetBargeIn(d.NewBargeIn.IsEnabled()); err != nil {
			slog.Warn("failed to toggle barge-in", "err", err)
		} else {
			slog.Info("barge-in settings applied",
				"enabled", d.NewBargeIn.IsEnabled(),
				"rms_threshold", d.NewBargeIn.RMSThreshold,
				"consecutive_frames", d.NewBargeIn.ConsecutiveFrames,
			)
		}
	}

	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart to take effect", "sections", d.RestartRequired)
	}
}
