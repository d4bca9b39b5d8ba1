package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/go-audio/wav"
)

// FileCapturer serves sources decoded from WAV files. It stands in for live
// devices on hosts without PipeWire and in tests.
type FileCapturer struct {
	primary   string
	secondary string
	format    Format
	realtime  bool
}

// NewFileCapturer creates a capturer for the given files. An empty secondary
// path means there is no microphone.
func NewFileCapturer(primary, secondary string, format Format, realtime bool) *FileCapturer {
	return &FileCapturer{
		primary:   primary,
		secondary: secondary,
		format:    format,
		realtime:  realtime,
	}
}

func (c *FileCapturer) RequestPrimary(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.open(c.primary)
}

func (c *FileCapturer) RequestSecondary(ctx context.Context, _ Constraints) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.secondary == "" {
		return nil, fmt.Errorf("%w: no secondary file configured", ErrUnavailable)
	}
	return c.open(c.secondary)
}

func (c *FileCapturer) open(path string) (Stream, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: no source file configured", ErrUnavailable)
	}

	samples, srcFormat, err := ReadWAV(path)
	if err != nil {
		return nil, err
	}
	if srcFormat.SampleRate != c.format.SampleRate {
		return nil, fmt.Errorf("%w: %s is %d Hz, expected %d Hz",
			ErrUnavailable, path, srcFormat.SampleRate, c.format.SampleRate)
	}

	samples = Remix(samples, srcFormat.Channels, c.format.Channels)
	slog.Debug("Opened file source", "path", path, "samples", len(samples), "channels", srcFormat.Channels)
	return NewSliceStream(c.format, samples, c.realtime), nil
}

// ReadWAV decodes a PCM WAV file into interleaved float32 samples in
// [-1, 1].
func ReadWAV(path string) ([]float32, Format, error) {
	f, err := os.Open(path)
	if err != nil {
		switch {
		case errors.Is(err, os.ErrPermission):
			return nil, Format{}, fmt.Errorf("%w: %v", ErrDenied, err)
		default:
			return nil, Format{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, Format{}, fmt.Errorf("%w: %s is not a valid WAV file", ErrUnavailable, path)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, Format{}, fmt.Errorf("%w: failed to decode %s: %v", ErrUnavailable, path, err)
	}

	format := Format{SampleRate: int(dec.SampleRate), Channels: int(dec.NumChans)}
	if err := format.Validate(); err != nil {
		return nil, Format{}, fmt.Errorf("%w: %s: %v", ErrUnavailable, path, err)
	}

	bitDepth := int(dec.BitDepth)
	if bitDepth <= 0 {
		bitDepth = 16
	}
	scale := float32(int64(1) << (bitDepth - 1))

	out := make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		out[i] = float32(v) / scale
	}
	return out, format, nil
}
