package vad_test

import (
	"math"
	"testing"

	"github.com/MrWong99/raksha/pkg/audio"
	"github.com/MrWong99/raksha/pkg/vad"
)

// constFrame returns an 800-sample frame whose RMS equals level.
func constFrame(level float64) audio.AudioFrame {
	samples := make([]int16, 800)
	v := int16(math.Ceil(level * 0x7fff))
	for i := range samples {
		samples[i] = v
	}
	return audio.AudioFrame{Samples: samples, SampleRate: 16000}
}

func newGate(t *testing.T) *vad.Gate {
	t.Helper()
	g, err := vad.NewGate(vad.DefaultConfig())
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	return g
}

func TestRMS(t *testing.T) {
	t.Parallel()

	if got := vad.RMS(audio.AudioFrame{}); got != 0 {
		t.Errorf("RMS(empty) = %v, want 0", got)
	}
	full := audio.AudioFrame{Samples: []int16{0x7fff, -0x7fff}}
	if got := vad.RMS(full); math.Abs(got-1) > 1e-9 {
		t.Errorf("RMS(full scale) = %v, want 1", got)
	}
}

func TestObserve_Debounce(t *testing.T) {
	t.Parallel()

	g := newGate(t)
	loud := constFrame(0.016)
	want := []bool{false, true, true}
	for i, w := range want {
		if got := g.Observe(loud); got != w {
			t.Errorf("frame %d: Observe = %v, want %v", i, got, w)
		}
	}
}

func TestObserve_SingleSpikeNeverFires(t *testing.T) {
	t.Parallel()

	g := newGate(t)
	if g.Observe(constFrame(0.5)) {
		t.Error("single loud frame fired")
	}
	if g.Observe(constFrame(0)) {
		t.Error("quiet frame fired")
	}
	if g.Run() != 0 {
		t.Errorf("Run = %d after quiet frame, want 0", g.Run())
	}
	if g.Observe(constFrame(0.5)) {
		t.Error("run did not restart after quiet frame")
	}
}

func TestObserve_ThresholdIsStrict(t *testing.T) {
	t.Parallel()

	g, err := vad.NewGate(vad.Config{RMSThreshold: 1, ConsecutiveFrames: 1})
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	full := audio.AudioFrame{Samples: []int16{0x7fff}}
	if g.Observe(full) {
		t.Error("RMS equal to threshold must not count as loud")
	}
}

func TestReset(t *testing.T) {
	t.Parallel()

	g := newGate(t)
	g.Observe(constFrame(0.2))
	g.Reset()
	if g.Run() != 0 {
		t.Errorf("Run = %d after Reset", g.Run())
	}
	if g.Observe(constFrame(0.2)) {
		t.Error("fired on first loud frame after Reset")
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     vad.Config
		wantErr bool
	}{
		{name: "default", cfg: vad.DefaultConfig()},
		{name: "zero threshold", cfg: vad.Config{RMSThreshold: 0, ConsecutiveFrames: 2}, wantErr: true},
		{name: "threshold above one", cfg: vad.Config{RMSThreshold: 1.5, ConsecutiveFrames: 2}, wantErr: true},
		{name: "zero frames", cfg: vad.Config{RMSThreshold: 0.1, ConsecutiveFrames: 0}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSetConfig(t *testing.T) {
	t.Parallel()

	g := newGate(t)
	if err := g.SetConfig(vad.Config{RMSThreshold: 0.1, ConsecutiveFrames: 1}); err != nil {
		t.Fatalf("SetConfig: %v", err)
	}
	if !g.Observe(constFrame(0.2)) {
		t.Error("expected single-frame trigger after SetConfig")
	}
	if err := g.SetConfig(vad.Config{}); err == nil {
		t.Error("expected error for invalid config")
	}
	if g.Config().RMSThreshold != 0.1 {
		t.Errorf("invalid config replaced active one: %+v", g.Config())
	}
}
