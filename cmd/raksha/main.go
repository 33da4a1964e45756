// Command raksha is a terminal push-to-talk client for the Raksha voice
// assistant.
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

	"github.com/eiannone/keyboard"
	"github.com/google/uuid"

	"github.com/MrWong99/raksha/internal/app"
	"github.com/MrWong99/raksha/internal/config"
	"github.com/MrWong99/raksha/internal/observe"
	"github.com/MrWong99/raksha/internal/protocol"
	"github.com/MrWong99/raksha/internal/session"
)

// appName is shown in status lines.
const appName = "Raksha"

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", `path to the YAML configuration file ("" for defaults)`)
	userID := flag.String("user", "", "user id sent to the backend (overrides session.user_id)")
	timezone := flag.String("tz", "", "IANA timezone sent to the backend (overrides session.timezone)")
	backendURL := flag.String("url", "", "websocket endpoint (overrides session.url)")
	autoConnect := flag.Bool("connect", false, "connect immediately on start")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	ov := newOverrides(*backendURL, *userID, *timezone)
	cfg, err := loadConfig(*configPath, &ov)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "raksha: config file %q not found; pass -config \"\" -url ws://... to run without one\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "raksha: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger, levels := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	slog.Info("raksha starting",
		"version", version,
		"config", *configPath,
		"url", cfg.Session.URL,
		"user_id", cfg.Session.UserID,
		"backend", cfg.Audio.Backend,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.Setup(observe.TelemetryConfig{
		ServiceName:    "raksha",
		ServiceVersion: version,
		Global:         true,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(tel.MeterProvider)
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Application ───────────────────────────────────────────────────────────
	opts := []app.Option{
		app.WithLevelVar(levels),
		app.WithMetrics(metrics),
		app.WithMetricsHandler(tel.Handler()),
		app.WithObserver(newStatusPrinter().observer()),
	}
	if *configPath != "" {
		opts = append(opts, app.WithConfigWatch(*configPath, config.WithPrepare(ov.apply)))
	}
	application, err := app.New(cfg, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	if addr := application.OpsAddr(); addr != "" {
		slog.Info("ops endpoints available", "addr", addr)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- application.Run(ctx) }()

	if *autoConnect {
		if err := application.Connect(ctx); err != nil {
			slog.Warn("connect failed", "err", err)
		}
	}

	// ── Keyboard control ──────────────────────────────────────────────────────
	if err := controlLoop(ctx, cancel, application); err != nil {
		slog.Warn("keyboard unavailable, running headless until interrupted", "err", err)
		<-ctx.Done()
	}
	cancel()

	if err := <-errc; err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// overrides holds the command-line values that win over the config file.
// Fallbacks are resolved once so that reloads keep the same identity.
type overrides struct {
	url, userID, timezone string
}

func newOverrides(url, userID, timezone string) overrides {
	return overrides{url: url, userID: userID, timezone: timezone}
}

// apply is also run on every reloaded config.
func (o overrides) apply(cfg *config.Config) {
	if o.url != "" {
		cfg.Session.URL = o.url
	}
	if o.userID != "" {
		cfg.Session.UserID = o.userID
	}
	if o.timezone != "" {
		cfg.Session.Timezone = o.timezone
	}
}

// loadConfig reads path (or starts from defaults when path is empty) and
// applies ov before validating. Missing identity fields are filled in and
// written back to ov so that a reload does not change them.
func loadConfig(path string, ov *overrides) (*config.Config, error) {
	cfg := config.Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		if cfg, err = config.Decode(f); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}

	ov.apply(cfg)
	if cfg.Session.UserID == "" {
		ov.userID = uuid.NewString()
		cfg.Session.UserID = ov.userID
	}
	if cfg.Session.Timezone == "" {
		ov.timezone = localTimezone()
		cfg.Session.Timezone = ov.timezone
	}

	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func localTimezone() string {
	if tz := os.Getenv("TZ"); tz != "" {
		return tz
	}
	if name := time.Local.String(); name != "Local" {
		return name
	}
	return "UTC"
}

// ── Keyboard ───────────────────────────────────────────────────────────────────

// controlLoop maps keys to session commands until ctx ends or the user
// quits. It returns an error only when the terminal cannot be put into raw
// mode.
//
//	space  press to talk, press again to send
//	c      connect
//	d      disconnect
//	q/Esc  quit
func controlLoop(ctx context.Context, quit context.CancelFunc, a *app.App) error {
	keys, err := keyboard.GetKeys(16)
	if err != nil {
		return err
	}
	defer func() { _ = keyboard.Close() }()

	fmt.Print("space: talk   c: connect   d: disconnect   q: quit\r\n")

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-keys:
			if !ok {
				return nil
			}
			if ev.Err != nil {
				slog.Warn("keyboard read failed", "err", ev.Err)
				continue
			}

			var cmdErr error
			switch {
			case ev.Key == keyboard.KeySpace:
				if a.Session().Snapshot().State == session.Holding {
					cmdErr = a.Session().EndHold()
				} else {
					cmdErr = a.Session().BeginHold()
				}
			case ev.Rune == 'c':
				// The outcome shows up as a status line; keys stay live meanwhile.
				go func() {
					if err := a.Connect(ctx); err != nil && !errors.Is(err, session.ErrNotRunning) && ctx.Err() == nil {
						slog.Warn("connect failed", "err", err)
					}
				}()
			case ev.Rune == 'd':
				cmdErr = a.Disconnect()
			case ev.Rune == 'q', ev.Key == keyboard.KeyEsc, ev.Key == keyboard.KeyCtrlC:
				quit()
				return nil
			}
			if cmdErr != nil && !errors.Is(cmdErr, session.ErrNotRunning) {
				slog.Warn("command failed", "key", string(ev.Rune), "err", cmdErr)
			}
		}
	}
}

// ── Status output ──────────────────────────────────────────────────────────────

// statusPrinter writes a line whenever the visible status changes. Its
// callbacks run on the session goroutine, one at a time.
type statusPrinter struct {
	last string
}

func newStatusPrinter() *statusPrinter { return &statusPrinter{} }

func (p *statusPrinter) observer() session.Observer {
	return session.Observer{
		OnState: p.onState,
		OnTranscript: func(tr session.Transcript) {
			fmt.Printf("  %s: %s\r\n", tr.Speaker, tr.Text)
		},
		OnDomainEvent: func(ev protocol.Domain) {
			slog.Debug("domain event", "type", ev.Type)
		},
		OnBargeIn: func() {
			slog.Debug("assistant interrupted by speech")
		},
	}
}

func (p *statusPrinter) onState(snap session.Snapshot) {
	line := "[" + snap.StatusText(appName) + "]"
	if snap.Warning != "" {
		line += " " + snap.Warning
	}
	if snap.Advisory != "" {
		line += " (" + snap.Advisory + ")"
	}
	if line == p.last {
		return
	}
	p.last = line
	fmt.Print(line + "\r\n")
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) (*slog.Logger, *slog.LevelVar) {
	levels := new(slog.LevelVar)
	levels.Set(level.Level())
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levels})), levels
}
