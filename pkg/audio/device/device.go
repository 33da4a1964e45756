// Package device abstracts the host's microphone and speaker.
//
// A [Backend] opens a capture stream that pushes float samples into a sink
// and an output stream that pulls float samples from a source. Both callbacks
// run on the backend's real-time audio thread: they must copy what they keep,
// never block and never log per call.
//
// Backends are selected by name through a [Registry]. Two are built in:
// "portaudio" for real hardware and "silent", a wall-clock driven fake for
// headless runs and CI.
package device

import (
	"context"
	"errors"
)

// ErrBackendNotRegistered is returned by [Registry.Create] when no factory
// has been registered under the requested name.
var ErrBackendNotRegistered = errors.New("device: backend not registered")

// CaptureConfig describes a mono microphone stream.
type CaptureConfig struct {
	// SampleRate in Hz.
	SampleRate int

	// FramesPerBuffer is the hardware callback size in samples. Zero lets the
	// backend choose.
	FramesPerBuffer int
}

// OutputConfig describes a mono speaker stream.
type OutputConfig struct {
	SampleRate      int
	FramesPerBuffer int
}

// Capture is an open microphone stream. A fresh stream is stopped; samples
// reach the sink only between Start and Stop.
type Capture interface {
	Start() error
	Stop() error
	Close() error
}

// Output is an open, running speaker stream.
type Output interface {
	Close() error
}

// Backend opens audio devices.
//
// The sink passed to OpenCapture receives a slice that is only valid for the
// duration of the call. The src passed to OpenOutput must fill the whole slice
// it is given; it is called once per hardware cycle.
type Backend interface {
	OpenCapture(ctx context.Context, cfg CaptureConfig, sink func([]float32)) (Capture, error)
	OpenOutput(ctx context.Context, cfg OutputConfig, src func([]float32)) (Output, error)
}
