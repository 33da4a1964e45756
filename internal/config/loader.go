package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/raksha/internal/session"
	"github.com/MrWong99/raksha/pkg/audio"
	"github.com/MrWong99/raksha/pkg/audio/jitter"
	"github.com/MrWong99/raksha/pkg/audio/playback"
	"github.com/MrWong99/raksha/pkg/vad"
)

// ValidBackends lists the device backends known to the client.
var ValidBackends = []string{"portaudio", "silent"}

// Default values filled in by [ApplyDefaults].
const (
	DefaultBackend        = "portaudio"
	DefaultConnectTimeout = 10 * time.Second
	DefaultWriteTimeout   = 5 * time.Second
	DefaultMaxRetries     = 10
	DefaultBackoff        = 1 * time.Second
	DefaultMaxBackoff     = 30 * time.Second
)

// Recommended bounds for audio.speaking_tail. Values outside are accepted
// with a warning.
const (
	minRecommendedTail = 280 * time.Millisecond
	maxRecommendedTail = 380 * time.Millisecond
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r, fills in defaults and
// validates the result. An empty document yields the defaults, which still
// need a session URL to validate.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := Decode(r)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode reads a YAML config from r and fills in defaults without
// validating, so that callers can apply overrides first.
func Decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	return cfg, nil
}

// Default returns a config with every default applied and no session URL.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero-valued fields of cfg in place.
func ApplyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = LogInfo
	}

	s := &cfg.Session
	if s.ConnectTimeout == 0 {
		s.ConnectTimeout = DefaultConnectTimeout
	}
	if s.WriteTimeout == 0 {
		s.WriteTimeout = DefaultWriteTimeout
	}

	a := &cfg.Audio
	if a.Backend == "" {
		a.Backend = DefaultBackend
	}
	setInt(&a.CaptureSampleRate, audio.DefaultCaptureRate)
	setInt(&a.FrameSamples, audio.DefaultFrameSamples)
	setInt(&a.FramesPerBuffer, session.DefaultFramesPerBuffer)
	setInt(&a.PlaybackSampleRate, audio.DefaultPlaybackRate)
	setInt(&a.AssistantSampleRate, audio.DefaultAssistantRate)
	setInt(&a.StatsInterval, jitter.DefaultReportInterval)
	setInt(&a.PlaybackQueue, playback.DefaultQueueSize)
	setInt(&a.CaptureQueue, session.DefaultCaptureQueue)
	if a.FlushDelay == 0 {
		a.FlushDelay = session.DefaultFlushDelay
	}
	if a.SpeakingTail == 0 {
		a.SpeakingTail = session.DefaultSpeakingTail
	}

	b := &cfg.BargeIn
	if b.RMSThreshold == 0 {
		b.RMSThreshold = vad.DefaultRMSThreshold
	}
	setInt(&b.ConsecutiveFrames, vad.DefaultConsecutiveFrames)

	r := &cfg.Reconnect
	setInt(&r.MaxRetries, DefaultMaxRetries)
	if r.Backoff == 0 {
		r.Backoff = DefaultBackoff
	}
	if r.MaxBackoff == 0 {
		r.MaxBackoff = DefaultMaxBackoff
	}
}

func setInt(p *int, def int) {
	if *p == 0 {
		*p = def
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.LogLevel != "" && !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	// Session
	if cfg.Session.URL == "" {
		errs = append(errs, errors.New("session.url is required"))
	} else if u, err := url.Parse(cfg.Session.URL); err != nil {
		errs = append(errs, fmt.Errorf("session.url: %w", err))
	} else if u.Scheme != "ws" && u.Scheme != "wss" {
		errs = append(errs, fmt.Errorf("session.url scheme %q is invalid; valid values: ws, wss", u.Scheme))
	}
	if cfg.Session.ConnectTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.connect_timeout %v must not be negative", cfg.Session.ConnectTimeout))
	}
	if cfg.Session.WriteTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.write_timeout %v must not be negative", cfg.Session.WriteTimeout))
	}

	// Audio
	a := cfg.Audio
	if !slices.Contains(ValidBackends, a.Backend) {
		errs = append(errs, fmt.Errorf("audio.backend %q is invalid; valid values: %v", a.Backend, ValidBackends))
	}
	for _, f := range []struct {
		name string
		v    int
	}{
		{"audio.capture_sample_rate", a.CaptureSampleRate},
		{"audio.frame_samples", a.FrameSamples},
		{"audio.frames_per_buffer", a.FramesPerBuffer},
		{"audio.playback_sample_rate", a.PlaybackSampleRate},
		{"audio.assistant_sample_rate", a.AssistantSampleRate},
		{"audio.stats_interval", a.StatsInterval},
		{"audio.playback_queue", a.PlaybackQueue},
		{"audio.capture_queue", a.CaptureQueue},
	} {
		if f.v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", f.name, f.v))
		}
	}
	if a.FlushDelay <= 0 {
		errs = append(errs, fmt.Errorf("audio.flush_delay must be positive, got %v", a.FlushDelay))
	}
	if a.SpeakingTail <= 0 {
		errs = append(errs, fmt.Errorf("audio.speaking_tail must be positive, got %v", a.SpeakingTail))
	} else if a.SpeakingTail < minRecommendedTail || a.SpeakingTail > maxRecommendedTail {
		slog.Warn("audio.speaking_tail is outside the recommended range",
			"speaking_tail", a.SpeakingTail,
			"min", minRecommendedTail,
			"max", maxRecommendedTail,
		)
	}

	// Barge-in
	if err := cfg.BargeIn.Gate().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("barge_in: %w", err))
	}

	// Reconnect
	r := cfg.Reconnect
	if r.Enabled {
		if r.MaxRetries < 1 {
			errs = append(errs, fmt.Errorf("reconnect.max_retries must be at least 1, got %d", r.MaxRetries))
		}
		if r.Backoff <= 0 {
			errs = append(errs, fmt.Errorf("reconnect.backoff must be positive, got %v", r.Backoff))
		}
		if r.MaxBackoff < r.Backoff {
			errs = append(errs, fmt.Errorf("reconnect.max_backoff %v is below reconnect.backoff %v", r.MaxBackoff, r.Backoff))
		}
	}

	return errors.Join(errs...)
}

// Gate converts the barge-in settings to a voice activity gate config.
func (b BargeInConfig) Gate() vad.Config {
	return vad.Config{
		RMSThreshold:      b.RMSThreshold,
		ConsecutiveFrames: b.ConsecutiveFrames,
	}
}

// SessionConfig builds the session machine settings for address.
func (c *Config) SessionConfig(address string) session.Config {
	return session.Config{
		URL:             address,
		CaptureRate:     c.Audio.CaptureSampleRate,
		FrameSamples:    c.Audio.FrameSamples,
		FramesPerBuffer: c.Audio.FramesPerBuffer,
		PlaybackRate:    c.Audio.PlaybackSampleRate,
		AssistantRate:   c.Audio.AssistantSampleRate,
		FlushDelay:      c.Audio.FlushDelay,
		SpeakingTail:    c.Audio.SpeakingTail,
		StatsInterval:   c.Audio.StatsInterval,
		PlaybackQueue:   c.Audio.PlaybackQueue,
		BargeIn:         c.BargeIn.IsEnabled(),
		Gate:            c.BargeIn.Gate(),
	}
}
