// Package capture defines the audio source collaborator and its backends.
//
// A Stream is a live source of interleaved float32 PCM. The primary source is
// the session or system audio being recorded; the secondary source is an
// optional microphone.
package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrDenied means the host refused access to the source.
	ErrDenied = errors.New("capture denied")
	// ErrUnavailable means the source does not exist or could not be opened.
	ErrUnavailable = errors.New("capture unavailable")
)

// Format describes interleaved float32 PCM.
type Format struct {
	SampleRate int `json:"sample_rate"`
	Channels   int `json:"channels"`
}

// Validate checks the format can drive a processing graph.
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", f.SampleRate)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("channel count must be positive, got %d", f.Channels)
	}
	return nil
}

// Stream is a live audio source.
type Stream interface {
	// Read fills p with interleaved samples, blocking until some are
	// available. It returns io.EOF once the source ended or was stopped.
	Read(p []float32) (int, error)
	Format() Format
	// Stop releases the underlying track. Calling it again is a no-op.
	Stop() error
}

// Constraints are processing hints for a secondary (microphone) request.
type Constraints struct {
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// MicrophoneConstraints is what the mixer asks for on the secondary source.
var MicrophoneConstraints = Constraints{
	EchoCancellation: true,
	NoiseSuppression: true,
	AutoGainControl:  false,
}

// Capturer hands out live sources.
type Capturer interface {
	RequestPrimary(ctx context.Context) (Stream, error)
	RequestSecondary(ctx context.Context, c Constraints) (Stream, error)
}

// BackendType names a capture backend
type BackendType string

const (
	BackendTypePipeWire BackendType = "pipewire"
	BackendTypeFile     BackendType = "file"
)

// Options selects and configures a backend.
type Options struct {
	Backend string
	Format  Format

	// PipeWire targets. Empty means the default node.
	PrimaryTarget   string
	SecondaryTarget string
	// CaptureSink records the output of the primary target rather than an
	// input node.
	CaptureSink bool

	// File backend sources.
	PrimaryFile   string
	SecondaryFile string
	// Realtime paces file playback at the sample rate.
	Realtime bool
}

// New creates the capturer named by opts.Backend.
func New(opts Options) (Capturer, error) {
	if err := opts.Format.Validate(); err != nil {
		return nil, fmt.Errorf("invalid capture format: %w", err)
	}

	switch determineBackend(opts.Backend) {
	case BackendTypeFile:
		return NewFileCapturer(opts.PrimaryFile, opts.SecondaryFile, opts.Format, opts.Realtime), nil
	default:
		return NewPipeWireCapturer(opts), nil
	}
}

func determineBackend(name string) BackendType {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "file":
		return BackendTypeFile
	default:
		return BackendTypePipeWire
	}
}

// GetAvailableBackends lists the backends New understands.
func GetAvailableBackends() []BackendType {
	return []BackendType{BackendTypePipeWire, BackendTypeFile}
}
