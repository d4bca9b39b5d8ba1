// Package encode turns the mixed stream into WAV data increments emitted at a
// fixed cadence.
package encode

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/audiolibrelab/notecapture/internal/capture"
)

// ErrInit means an encoder could not be constructed or started.
var ErrInit = errors.New("encoder init failed")

// Source is what an encoder consumes.
type Source interface {
	Read(p []float32) (int, error)
	Format() capture.Format
}

// Handler receives encoder events. Both callbacks run on one goroutine.
type Handler struct {
	// OnData receives every non-empty increment in emission order.
	OnData func(chunk []byte)
	// OnStop runs once, after the last OnData. err is non-nil if encoding
	// ended abnormally.
	OnStop func(err error)
}

// Encoder consumes a Source until stopped.
type Encoder interface {
	Start(src Source, h Handler) error
	// Stop asks the encoder to finalize. It returns immediately and is a
	// no-op if the encoder is not active.
	Stop()
	Active() bool
}

// BackendType names an encoder backend
type BackendType string

const (
	BackendTypeNative BackendType = "native"
	BackendTypeFFmpeg BackendType = "ffmpeg"
)

// Options select and configure an encoder backend.
type Options struct {
	Backend    string
	Timeslice  time.Duration
	FFmpegPath string
}

// New creates the encoder named by opts.Backend.
func New(opts Options) (Encoder, error) {
	if opts.Timeslice <= 0 {
		return nil, fmt.Errorf("%w: timeslice must be positive, got %v", ErrInit, opts.Timeslice)
	}

	switch BackendType(strings.ToLower(strings.TrimSpace(opts.Backend))) {
	case BackendTypeNative, "":
		return NewNativeEncoder(opts.Timeslice), nil
	case BackendTypeFFmpeg:
		return NewFFmpegEncoder(opts.FFmpegPath, opts.Timeslice)
	default:
		return nil, fmt.Errorf("%w: unknown encoder backend %q", ErrInit, opts.Backend)
	}
}

// GetAvailableBackends lists the backends whose tools are present.
func GetAvailableBackends() []BackendType {
	backends := []BackendType{BackendTypeNative}
	if _, err := exec.LookPath("ffmpeg"); err == nil {
		backends = append(backends, BackendTypeFFmpeg)
	}
	return backends
}

// emitter batches bytes into increments of at least one timeslice.
type emitter struct {
	timeslice time.Duration
	last      time.Time
	pending   []byte
	out       chan []byte
	err       error
}

func newEmitter(timeslice time.Duration) *emitter {
	return &emitter{
		timeslice: timeslice,
		last:      time.Now(),
		out:       make(chan []byte, 16),
	}
}

func (e *emitter) write(b []byte) {
	e.pending = append(e.pending, b...)
	if time.Since(e.last) >= e.timeslice {
		e.flush()
	}
}

// flush emits whatever is pending. Empty increments are never emitted.
func (e *emitter) flush() {
	e.last = time.Now()
	if len(e.pending) == 0 {
		return
	}
	e.out <- e.pending
	e.pending = nil
}

// finish emits the tail and ends delivery. err is reported to OnStop.
func (e *emitter) finish(err error) {
	e.flush()
	e.err = err
	close(e.out)
}

func (e *emitter) deliver(h Handler) {
	for chunk := range e.out {
		if h.OnData != nil {
			h.OnData(chunk)
		}
	}
	if h.OnStop != nil {
		h.OnStop(e.err)
	}
}

// lifecycle tracks the started/stopping state shared by the backends.
type lifecycle struct {
	mu       sync.Mutex
	started  bool
	stopping bool
	stop     chan struct{}
}

func (l *lifecycle) begin() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return fmt.Errorf("%w: encoder already started", ErrInit)
	}
	l.started = true
	l.stop = make(chan struct{})
	return nil
}

// requestStop reports whether this call initiated the stop.
func (l *lifecycle) requestStop() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.started || l.stopping {
		return false
	}
	l.stopping = true
	close(l.stop)
	return true
}

func (l *lifecycle) Active() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.started && !l.stopping
}

func (l *lifecycle) stopped() bool {
	select {
	case <-l.stop:
		return true
	default:
		return false
	}
}
