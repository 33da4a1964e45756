// Package vad provides the voice activity gate used for local barge-in.
//
// The gate is a debounced energy detector, not a speech model: each outgoing
// frame's RMS is compared against a threshold and the gate reports sustained
// loud input once enough consecutive frames exceed it. It only decides
// whether to cut assistant playback, so cheapness matters more than accuracy.
//
// A Gate is not safe for concurrent use. Configuration can be swapped at
// runtime with [Gate.SetConfig] from the goroutine that calls Observe.
package vad

import (
	"errors"
	"fmt"
	"math"

	"github.com/MrWong99/raksha/pkg/audio"
)

// Default gate tuning.
const (
	DefaultRMSThreshold      = 0.015
	DefaultConsecutiveFrames = 2
)

// Config tunes the gate.
type Config struct {
	// RMSThreshold is the normalised RMS a frame must strictly exceed to count
	// as loud. Range: (0, 1].
	RMSThreshold float64 `yaml:"rms_threshold"`

	// ConsecutiveFrames is how many loud frames in a row are needed before the
	// gate reports sustained input. Must be >= 1.
	ConsecutiveFrames int `yaml:"consecutive_frames"`
}

// DefaultConfig returns the stock barge-in tuning.
func DefaultConfig() Config {
	return Config{
		RMSThreshold:      DefaultRMSThreshold,
		ConsecutiveFrames: DefaultConsecutiveFrames,
	}
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	if c.RMSThreshold <= 0 || c.RMSThreshold > 1 {
		errs = append(errs, fmt.Errorf("vad: rms_threshold %v must be in (0, 1]", c.RMSThreshold))
	}
	if c.ConsecutiveFrames < 1 {
		errs = append(errs, fmt.Errorf("vad: consecutive_frames %d must be >= 1", c.ConsecutiveFrames))
	}
	return errors.Join(errs...)
}

// Gate is a debounced RMS threshold detector.
type Gate struct {
	cfg Config
	run int
}

// NewGate creates a Gate after validating cfg.
func NewGate(cfg Config) (*Gate, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Gate{cfg: cfg}, nil
}

// Observe feeds one frame to the gate and reports whether the loud run has
// reached the configured length. The run resets on the first quiet frame.
func (g *Gate) Observe(frame audio.AudioFrame) bool {
	if RMS(frame) > g.cfg.RMSThreshold {
		g.run++
	} else {
		g.run = 0
	}
	return g.run >= g.cfg.ConsecutiveFrames
}

// Reset zeroes the loud-run counter.
func (g *Gate) Reset() { g.run = 0 }

// Run returns the current number of consecutive loud frames.
func (g *Gate) Run() int { return g.run }

// Config returns the active configuration.
func (g *Gate) Config() Config { return g.cfg }

// SetConfig replaces the tuning. Invalid configs are rejected and the previous
// tuning stays active. The loud-run counter is kept.
func (g *Gate) SetConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	g.cfg = cfg
	return nil
}

// RMS returns the root-mean-square level of frame with samples normalised by
// 0x7fff. An empty frame has level 0.
func RMS(frame audio.AudioFrame) float64 {
	if len(frame.Samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame.Samples {
		v := float64(s) / 0x7fff
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(frame.Samples)))
}
