package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/raksha/internal/app"
	"github.com/MrWong99/raksha/internal/config"
	"github.com/MrWong99/raksha/internal/observe"
	"github.com/MrWong99/raksha/internal/protocol"
	"github.com/MrWong99/raksha/internal/session"
	"github.com/MrWong99/raksha/internal/transport"
	"github.com/MrWong99/raksha/pkg/audio"
	audiomock "github.com/MrWong99/raksha/pkg/audio/mock"
)

// ─── Fakes ───────────────────────────────────────────────────────────────────

type fakeTransport struct {
	mu    sync.Mutex
	opens int
	addr  string
	h     transport.Handlers
}

func (f *fakeTransport) Open(_ context.Context, address string, h transport.Handlers) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	f.addr = address
	f.h = h
	return nil
}

func (f *fakeTransport) SendEvent(protocol.Outbound) error { return nil }
func (f *fakeTransport) SendAudio(audio.AudioFrame) error  { return nil }
func (f *fakeTransport) Close()                            {}

func (f *fakeTransport) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

func (f *fakeTransport) address() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addr
}

// fail reports a socket failure the way the websocket transport does.
func (f *fakeTransport) fail(err error) {
	f.mu.Lock()
	h := f.h
	f.mu.Unlock()
	h.OnError(err)
	h.OnClose(err)
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Session.URL = "ws://backend.test/ws/live"
	cfg.Session.UserID = "user-7"
	cfg.Session.Timezone = "Europe/Berlin"
	cfg.Audio.Backend = "silent"
	return cfg
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newTestApp(t *testing.T, cfg *config.Config, opts ...app.Option) (*app.App, *fakeTransport, *audiomock.Backend) {
	t.Helper()
	tr := &fakeTransport{}
	backend := &audiomock.Backend{}
	base := []app.Option{
		app.WithTransport(tr),
		app.WithBackend(backend),
		app.WithMetrics(testMetrics(t)),
	}
	a, err := app.New(cfg, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a, tr, backend
}

// runApp starts a.Run and stops it at the end of the test, failing on a
// non-nil result.
func runApp(t *testing.T, a *app.App) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-errc; err != nil {
			t.Errorf("Run: %v", err)
		}
	})
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// ─── Tests ───────────────────────────────────────────────────────────────────

func TestNew_Errors(t *testing.T) {
	t.Parallel()

	t.Run("unknown backend", func(t *testing.T) {
		t.Parallel()
		cfg := testConfig()
		cfg.Audio.Backend = "alsa"
		_, err := app.New(cfg, app.WithTransport(&fakeTransport{}), app.WithMetrics(testMetrics(t)))
		if err == nil || !strings.Contains(err.Error(), "alsa") {
			t.Errorf("New = %v, want backend error", err)
		}
	})

	t.Run("missing config file", func(t *testing.T) {
		t.Parallel()
		_, err := app.New(testConfig(),
			app.WithTransport(&fakeTransport{}),
			app.WithBackend(&audiomock.Backend{}),
			app.WithMetrics(testMetrics(t)),
			app.WithConfigWatch(filepath.Join(t.TempDir(), "missing.yaml")),
		)
		if err == nil {
			t.Error("New succeeded with a missing watched config")
		}
	})
}

func TestApp_ConnectUsesSessionAddress(t *testing.T) {
	t.Parallel()
	a, tr, backend := newTestApp(t, testConfig())
	runApp(t, a)

	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := a.Session().Snapshot().State; got != session.Ready {
		t.Fatalf("state = %v, want ready", got)
	}

	addr := tr.address()
	for _, want := range []string{"ws://backend.test/ws/live?", "user_id=user-7", "timezone=Europe%2FBerlin"} {
		if !strings.Contains(addr, want) {
			t.Errorf("address %q does not contain %q", addr, want)
		}
	}
	if cfgs := backend.CaptureConfigs; len(cfgs) != 1 || cfgs[0].SampleRate != 16000 {
		t.Errorf("capture configs = %+v", cfgs)
	}

	if err := a.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if got := a.Session().Snapshot().State; got != session.Idle {
		t.Errorf("state after disconnect = %v, want idle", got)
	}
}

func TestApp_OpsEndpoints(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Ops.ListenAddr = "127.0.0.1:0"
	a, _, _ := newTestApp(t, cfg)
	if a.OpsAddr() == "" {
		t.Fatal("OpsAddr empty with listen_addr set")
	}
	runApp(t, a)
	base := "http://" + a.OpsAddr()

	get := func(path string) (int, map[string]any) {
		t.Helper()
		resp, err := http.Get(base + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		defer resp.Body.Close()
		var body map[string]any
		if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatalf("decode %s: %v", path, err)
			}
		}
		return resp.StatusCode, body
	}

	if code, _ := get("/readyz"); code != http.StatusServiceUnavailable {
		t.Errorf("/readyz before connect = %d, want 503", code)
	}

	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if code, _ := get("/readyz"); code != http.StatusOK {
		t.Errorf("/readyz after connect = %d, want 200", code)
	}
	code, body := get("/healthz")
	if code != http.StatusOK || body["state"] != "ready" {
		t.Errorf("/healthz = %d %v", code, body)
	}
	if code, _ := get("/metrics"); code != http.StatusOK {
		t.Errorf("/metrics = %d, want 200", code)
	}
}

func TestApp_OpsDisabled(t *testing.T) {
	t.Parallel()
	a, _, _ := newTestApp(t, testConfig())
	if addr := a.OpsAddr(); addr != "" {
		t.Errorf("OpsAddr = %q, want empty", addr)
	}
}

func TestApp_ReconnectsAfterTransportFault(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Reconnect.Enabled = true
	cfg.Reconnect.Backoff = time.Millisecond
	cfg.Reconnect.MaxBackoff = 2 * time.Millisecond
	a, tr, _ := newTestApp(t, cfg)
	runApp(t, a)

	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	tr.fail(errors.New("connection reset"))

	eventually(t, "second open", func() bool { return tr.openCount() == 2 })
	eventually(t, "ready again", func() bool { return a.Session().Snapshot().State == session.Ready })
}

func TestApp_NoReconnectWhenDisabled(t *testing.T) {
	t.Parallel()
	a, tr, _ := newTestApp(t, testConfig())
	runApp(t, a)

	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	tr.fail(errors.New("connection reset"))

	eventually(t, "error state", func() bool { return a.Session().Snapshot().State == session.Error })
	time.Sleep(30 * time.Millisecond)
	if n := tr.openCount(); n != 1 {
		t.Errorf("opens = %d, want 1", n)
	}
	if w := a.Session().Snapshot().Warning; w != session.WarnConnection {
		t.Errorf("warning = %q", w)
	}
}

func TestApp_HotReloadsLogLevel(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "raksha.yaml")
	write := func(content string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("log_level: info\nsession:\n  url: ws://backend.test/ws/live\n")

	var levels slog.LevelVar
	a, _, _ := newTestApp(t, testConfig(),
		app.WithLevelVar(&levels),
		app.WithConfigWatch(path, config.WithInterval(10*time.Millisecond)),
	)
	runApp(t, a)

	write("log_level: debug\nsession:\n  url: ws://backend.test/ws/live\nbarge_in:\n  consecutive_frames: 3\n")
	future := time.Now().Add(time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}

	eventually(t, "debug level", func() bool { return levels.Level() == slog.LevelDebug })
}
