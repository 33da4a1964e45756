// Package config provides the configuration schema, loader and hot-reload
// watcher for the Raksha voice client.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level converts l to a [slog.Level]. Unknown values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration structure of the client.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	LogLevel  LogLevel        `yaml:"log_level"`
	Session   SessionConfig   `yaml:"session"`
	Audio     AudioConfig     `yaml:"audio"`
	BargeIn   BargeInConfig   `yaml:"barge_in"`
	Ops       OpsConfig       `yaml:"ops"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// SessionConfig describes where and as whom the client connects.
type SessionConfig struct {
	// URL is the backend's live websocket endpoint
	// (e.g., "ws://localhost:8000/ws/live").
	URL string `yaml:"url"`

	// UserID and Timezone are passed as query parameters. The backend owns
	// their validation.
	UserID   string `yaml:"user_id"`
	Timezone string `yaml:"timezone"`

	// ConnectTimeout bounds the websocket handshake.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// WriteTimeout bounds each outbound message.
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// AudioConfig holds device and pipeline settings.
type AudioConfig struct {
	// Backend selects the device backend: "portaudio" or "silent".
	Backend string `yaml:"backend"`

	CaptureSampleRate   int `yaml:"capture_sample_rate"`
	FrameSamples        int `yaml:"frame_samples"`
	FramesPerBuffer     int `yaml:"frames_per_buffer"`
	PlaybackSampleRate  int `yaml:"playback_sample_rate"`
	AssistantSampleRate int `yaml:"assistant_sample_rate"`

	// FlushDelay is how long capture keeps streaming after the talk key is
	// released.
	FlushDelay time.Duration `yaml:"flush_delay"`

	// SpeakingTail is the silence after the last assistant chunk that ends
	// the speaking state.
	SpeakingTail time.Duration `yaml:"speaking_tail"`

	// StatsInterval is the number of output samples between playback reports.
	StatsInterval int `yaml:"stats_interval"`

	PlaybackQueue int `yaml:"playback_queue"`
	CaptureQueue  int `yaml:"capture_queue"`
}

// BargeInConfig configures local interruption of assistant speech.
type BargeInConfig struct {
	// Enabled defaults to true when omitted.
	Enabled *bool `yaml:"enabled"`

	RMSThreshold      float64 `yaml:"rms_threshold"`
	ConsecutiveFrames int     `yaml:"consecutive_frames"`
}

// IsEnabled reports whether barge-in is on. A nil Enabled means on.
func (b BargeInConfig) IsEnabled() bool {
	return b.Enabled == nil || *b.Enabled
}

// OpsConfig configures the operational HTTP endpoints.
type OpsConfig struct {
	// ListenAddr serves /healthz, /readyz and /metrics (e.g., ":9090").
	// Empty disables the ops server.
	ListenAddr string `yaml:"listen_addr"`
}

// ReconnectConfig configures the optional reconnect policy that runs outside
// the session core. It is disabled unless Enabled is true.
type ReconnectConfig struct {
	Enabled    bool          `yaml:"enabled"`
	MaxRetries int           `yaml:"max_retries"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}
