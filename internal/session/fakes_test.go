package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/audiolibrelab/notecapture/internal/capture"
	"github.com/audiolibrelab/notecapture/internal/encode"
	"github.com/audiolibrelab/notecapture/internal/metadata"
	"github.com/audiolibrelab/notecapture/internal/mix"
	"github.com/audiolibrelab/notecapture/internal/upload"
)

var testFormat = capture.Format{SampleRate: 8000, Channels: 1}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{now: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fakeStream struct {
	*capture.SliceStream
	mu    sync.Mutex
	stops int
}

func newFakeStream() *fakeStream {
	return &fakeStream{SliceStream: capture.NewSliceStream(testFormat, make([]float32, 64), false)}
}

func (s *fakeStream) Stop() error {
	s.mu.Lock()
	s.stops++
	s.mu.Unlock()
	return s.SliceStream.Stop()
}

func (s *fakeStream) stopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

type fakeCapturer struct {
	mu         sync.Mutex
	requests   int
	primaryErr error
	streams    []*fakeStream
}

func (c *fakeCapturer) RequestPrimary(ctx context.Context) (capture.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests++
	if c.primaryErr != nil {
		return nil, c.primaryErr
	}
	s := newFakeStream()
	c.streams = append(c.streams, s)
	return s, nil
}

func (c *fakeCapturer) RequestSecondary(ctx context.Context, _ capture.Constraints) (capture.Stream, error) {
	return nil, capture.ErrUnavailable
}

func (c *fakeCapturer) requestCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests
}

type fakeMixer struct {
	mu       sync.Mutex
	err      error
	cleanups int
	mixed    []*mix.Mixed
}

func (m *fakeMixer) AcquireAndMix(ctx context.Context, primary capture.Stream) (*mix.Mixed, error) {
	if m.err != nil {
		return nil, m.err
	}
	ac, err := mix.NewContext(primary.Format(), 64)
	if err != nil {
		return nil, err
	}
	mixed := &mix.Mixed{
		Output:  capture.NewSliceStream(testFormat, nil, false),
		Context: ac,
		Cleanup: func() {
			m.mu.Lock()
			m.cleanups++
			m.mu.Unlock()
			primary.Stop()
		},
	}
	m.mu.Lock()
	m.mixed = append(m.mixed, mixed)
	m.mu.Unlock()
	return mixed, nil
}

func (m *fakeMixer) cleanupCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cleanups
}

// fakeEncoder emits increments only when told to.
type fakeEncoder struct {
	mu       sync.Mutex
	h        encode.Handler
	active   bool
	stops    int
	startErr error
}

func (e *fakeEncoder) Start(src encode.Source, h encode.Handler) error {
	if e.startErr != nil {
		return e.startErr
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.h = h
	e.active = true
	return nil
}

func (e *fakeEncoder) emit(chunk []byte) {
	e.mu.Lock()
	h := e.h
	e.mu.Unlock()
	h.OnData(chunk)
}

func (e *fakeEncoder) Stop() {
	e.mu.Lock()
	if !e.active {
		e.mu.Unlock()
		return
	}
	e.active = false
	e.stops++
	h := e.h
	e.mu.Unlock()
	go h.OnStop(nil)
}

func (e *fakeEncoder) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

func (e *fakeEncoder) stopCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stops
}

type fakeEncoders struct {
	mu       sync.Mutex
	err      error
	startErr error
	made     []*fakeEncoder
}

func (f *fakeEncoders) New() (encode.Encoder, error) {
	if f.err != nil {
		return nil, f.err
	}
	e := &fakeEncoder{startErr: f.startErr}
	f.mu.Lock()
	f.made = append(f.made, e)
	f.mu.Unlock()
	return e, nil
}

func (f *fakeEncoders) last() *fakeEncoder {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.made) == 0 {
		return nil
	}
	return f.made[len(f.made)-1]
}

type uploadCall struct {
	payload []byte
	md      metadata.Metadata
}

type fakeUploader struct {
	mu    sync.Mutex
	calls []uploadCall
	err   error
}

func (u *fakeUploader) Send(ctx context.Context, payload []byte, md metadata.Metadata, progress upload.Progress) (*upload.Result, error) {
	u.mu.Lock()
	u.calls = append(u.calls, uploadCall{payload: payload, md: md})
	err := u.err
	u.mu.Unlock()

	attempts := 1
	if err != nil {
		attempts = 3
	}
	for i := 1; i <= attempts; i++ {
		if progress != nil {
			progress(i, 3)
		}
	}
	if err != nil {
		return nil, err
	}
	return &upload.Result{Status: 200, Attempts: 1, Response: map[string]any{"success": true}}, nil
}

func (u *fakeUploader) callCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.calls)
}

var errBoom = errors.New("boom")
