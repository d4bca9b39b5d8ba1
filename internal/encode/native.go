package encode

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/audiolibrelab/notecapture/internal/capture"
)

const (
	bitsPerSample = 16
	// streamingSize marks RIFF and data chunk sizes that are unknown when
	// the header is written.
	streamingSize = 0xFFFFFFFF
	readFrames    = 1024
)

// NativeEncoder writes a streaming WAV (PCM s16le) without external tools.
type NativeEncoder struct {
	lifecycle
	timeslice time.Duration
}

// NewNativeEncoder creates an encoder emitting an increment every timeslice.
func NewNativeEncoder(timeslice time.Duration) *NativeEncoder {
	return &NativeEncoder{timeslice: timeslice}
}

func (e *NativeEncoder) Start(src Source, h Handler) error {
	format := src.Format()
	if err := format.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInit, err)
	}
	if err := e.begin(); err != nil {
		return err
	}

	em := newEmitter(e.timeslice)
	em.write(WAVHeader(format))

	go e.run(src, format, em)
	go em.deliver(h)

	slog.Debug("Native encoder started", "sample_rate", format.SampleRate, "channels", format.Channels, "timeslice", e.timeslice)
	return nil
}

func (e *NativeEncoder) run(src Source, format capture.Format, em *emitter) {
	buf := make([]float32, readFrames*format.Channels)
	var pcm []byte
	var runErr error

	for !e.stopped() {
		n, err := src.Read(buf)
		if n > 0 {
			pcm = appendPCM16(pcm[:0], buf[:n])
			em.write(pcm)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				runErr = fmt.Errorf("reading source: %w", err)
			}
			break
		}
	}

	em.finish(runErr)
}

// Stop finalizes the stream after the read in progress.
func (e *NativeEncoder) Stop() {
	if e.requestStop() {
		slog.Debug("Native encoder stopping")
	}
}

// WAVHeader is a 44-byte PCM s16le header with streaming sizes.
func WAVHeader(format capture.Format) []byte {
	blockAlign := format.Channels * bitsPerSample / 8
	h := make([]byte, 44)
	copy(h[0:], "RIFF")
	binary.LittleEndian.PutUint32(h[4:], streamingSize)
	copy(h[8:], "WAVE")
	copy(h[12:], "fmt ")
	binary.LittleEndian.PutUint32(h[16:], 16)
	binary.LittleEndian.PutUint16(h[20:], 1)
	binary.LittleEndian.PutUint16(h[22:], uint16(format.Channels))
	binary.LittleEndian.PutUint32(h[24:], uint32(format.SampleRate))
	binary.LittleEndian.PutUint32(h[28:], uint32(format.SampleRate*blockAlign))
	binary.LittleEndian.PutUint16(h[32:], uint16(blockAlign))
	binary.LittleEndian.PutUint16(h[34:], bitsPerSample)
	copy(h[36:], "data")
	binary.LittleEndian.PutUint32(h[40:], streamingSize)
	return h
}

func appendPCM16(dst []byte, samples []float32) []byte {
	for _, v := range samples {
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		dst = binary.LittleEndian.AppendUint16(dst, uint16(int16(v*32767)))
	}
	return dst
}
