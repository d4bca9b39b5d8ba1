// Package session runs the recording lifecycle: acquire and mix the sources,
// encode them while active and upload the result once stopped.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/audiolibrelab/notecapture/internal/capture"
	"github.com/audiolibrelab/notecapture/internal/encode"
	"github.com/audiolibrelab/notecapture/internal/metadata"
	"github.com/audiolibrelab/notecapture/internal/mix"
	"github.com/audiolibrelab/notecapture/internal/state"
	"github.com/audiolibrelab/notecapture/internal/timefmt"
	"github.com/audiolibrelab/notecapture/internal/upload"
)

// State is the lifecycle state of a session.
type State string

const (
	StateIdle     State = "idle"
	StateActive   State = "active"
	StateStopping State = "stopping"
)

// Mixer builds the mixing graph for a primary source.
type Mixer interface {
	AcquireAndMix(ctx context.Context, primary capture.Stream) (*mix.Mixed, error)
}

// EncoderFactory creates a fresh encoder for each recording.
type EncoderFactory func() (encode.Encoder, error)

// Uploader delivers finished recordings.
type Uploader interface {
	Send(ctx context.Context, payload []byte, md metadata.Metadata, progress upload.Progress) (*upload.Result, error)
}

// Options wire a Session to its collaborators.
type Options struct {
	Capturer   capture.Capturer
	Mixer      Mixer
	NewEncoder EncoderFactory
	Uploader   Uploader
	Store      state.Store
	Metadata   metadata.Options
	// Now defaults to time.Now.
	Now func() time.Time
}

// UploadOutcome is the result of the last finished recording.
type UploadOutcome struct {
	Success  bool           `json:"success"`
	Attempts int            `json:"attempts,omitempty"`
	FilePath string         `json:"filePath,omitempty"`
	Bytes    int            `json:"bytes"`
	Error    string         `json:"error,omitempty"`
	Response map[string]any `json:"response,omitempty"`
}

// Snapshot is a point-in-time view of the session.
type Snapshot struct {
	State       State          `json:"state"`
	IsRecording bool           `json:"isRecording"`
	ClientName  string         `json:"clientName,omitempty"`
	SessionID   string         `json:"sessionId,omitempty"`
	StartTime   int64          `json:"startTime,omitempty"`
	EndTime     int64          `json:"endTime,omitempty"`
	Elapsed     string         `json:"elapsed"`
	Status      string         `json:"status,omitempty"`
	Secondary   bool           `json:"secondary"`
	Chunks      int            `json:"chunks"`
	LastUpload  *UploadOutcome `json:"lastUpload,omitempty"`
}

// Session is one process's recording lifecycle. Idle is both its initial
// and its resting state; a session can record any number of times.
type Session struct {
	opts   Options
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.RWMutex
	state      State
	data       state.RecordingData
	startTime  time.Time
	endTime    time.Time
	chunks     [][]byte
	primary    capture.Stream
	mixed      *mix.Mixed
	encoder    encode.Encoder
	idle       chan struct{}
	status     string
	lastUpload *UploadOutcome

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int
}

// New creates an idle session.
func New(opts Options) (*Session, error) {
	switch {
	case opts.Capturer == nil:
		return nil, errors.New("session needs a capturer")
	case opts.Mixer == nil:
		return nil, errors.New("session needs a mixer")
	case opts.NewEncoder == nil:
		return nil, errors.New("session needs an encoder factory")
	case opts.Uploader == nil:
		return nil, errors.New("session needs an uploader")
	case opts.Store == nil:
		return nil, errors.New("session needs a state store")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)
	return &Session{
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		state:  StateIdle,
		idle:   idle,
		subs:   make(map[int]chan Event),
	}, nil
}

func (s *Session) now() time.Time {
	return s.opts.Now()
}

// Start begins recording for clientName. The name is trimmed and must not
// be empty. On failure every partially acquired resource is released and
// the session stays idle.
func (s *Session) Start(ctx context.Context, clientName string) error {
	name := strings.TrimSpace(clientName)
	if name == "" {
		return &Error{Kind: KindInvalidInput, Err: fmt.Errorf("%w: client name is required", timefmt.ErrInvalidInput)}
	}

	start := s.now()
	if err := s.reserve(state.NewRecordingData(name, start), start); err != nil {
		return err
	}
	slog.Info("Starting recording", "client", name)
	s.setStatus("Initializing...")

	if err := s.begin(ctx); err != nil {
		s.abort(err)
		return err
	}
	return nil
}

// Attach rejoins a session another instance left running, as reported by
// the store. It returns false if there was nothing to rejoin. Audio captured
// before the rejoin is not recoverable; capture restarts now against a
// fresh primary source.
func (s *Session) Attach(ctx context.Context) (bool, error) {
	st, err := s.opts.Store.Get(ctx)
	if err != nil {
		return false, fmt.Errorf("reading session state: %w", err)
	}
	if !st.IsRecording || st.RecordingData == nil {
		return false, nil
	}

	data := *st.RecordingData
	start, err := data.Start()
	if err != nil {
		slog.Warn("Discarding session state with invalid start time", "error", err)
		s.clearStore()
		return false, &Error{Kind: KindInvalidInput, Err: err}
	}

	s.mu.RLock()
	current := s.state
	sameSession := s.data.SessionID == data.SessionID
	s.mu.RUnlock()
	if current != StateIdle {
		if sameSession {
			return true, nil
		}
		return false, &Error{Kind: KindBusy, Err: errors.New("a recording is already in progress")}
	}

	if err := s.reserve(data, start); err != nil {
		return false, err
	}
	slog.Info("Rejoining recording", "client", data.ClientName, "started", timefmt.ISO(start))

	if err := s.begin(ctx); err != nil {
		// The stored session cannot be resumed; drop it so the next
		// attach does not retry forever.
		s.abort(err)
		return false, err
	}
	return true, nil
}

// reserve moves Idle to Active for data, rejecting concurrent starts.
func (s *Session) reserve(data state.RecordingData, start time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return &Error{Kind: KindBusy, Err: errors.New("a recording is already in progress")}
	}

	s.state = StateActive
	s.data = data
	s.startTime = start
	s.endTime = time.Time{}
	s.chunks = nil
	s.idle = make(chan struct{})
	s.lastUpload = nil
	return nil
}

// begin acquires capture, mixing and encoding and publishes the session.
func (s *Session) begin(ctx context.Context) error {
	primary, err := s.opts.Capturer.RequestPrimary(ctx)
	if err != nil {
		return wrap(fmt.Errorf("requesting primary source: %w", err), KindCaptureUnavailable)
	}

	mixed, err := s.opts.Mixer.AcquireAndMix(ctx, primary)
	if err != nil {
		primary.Stop()
		return wrap(fmt.Errorf("building mixer: %w", err), KindMixerInit)
	}

	release := func() {
		mixed.Cleanup()
		mixed.Context.Close()
		primary.Stop()
	}

	enc, err := s.opts.NewEncoder()
	if err != nil {
		release()
		return &Error{Kind: KindEncoderInit, Err: fmt.Errorf("creating encoder: %w", err)}
	}

	s.mu.Lock()
	s.primary = primary
	s.mixed = mixed
	s.encoder = enc
	data := s.data
	s.mu.Unlock()

	// Published before the encoder starts so its stop callback always
	// clears a state that is already there.
	if err := s.opts.Store.Set(ctx, true, &data); err != nil {
		slog.Warn("Failed to publish session state", "error", err)
	}

	if err := enc.Start(mixed.Output, encode.Handler{OnData: s.onData, OnStop: s.onStop}); err != nil {
		s.mu.Lock()
		s.primary, s.mixed, s.encoder = nil, nil, nil
		s.mu.Unlock()
		release()
		return &Error{Kind: KindEncoderInit, Err: fmt.Errorf("starting encoder: %w", err)}
	}

	slog.Info("Recording started", "client", data.ClientName, "session", data.SessionID, "secondary", mixed.Secondary)
	s.setStatus("Recording...")
	return nil
}

// abort returns a failed start to Idle.
func (s *Session) abort(err error) {
	slog.Error("Failed to start recording", "kind", KindOf(err), "error", err)
	s.clearStore()

	s.mu.Lock()
	s.state = StateIdle
	s.primary, s.mixed, s.encoder = nil, nil, nil
	idle := s.idle
	s.mu.Unlock()
	closeOnce(idle)

	s.setStatus("Error: " + err.Error())
}

// Stop asks the encoder to finalize. Finalization, upload and the return to
// Idle happen asynchronously; use Wait to block on them. It reports whether
// a stop was initiated and is a no-op when nothing is recording.
func (s *Session) Stop() bool {
	s.mu.Lock()
	if s.state != StateActive || s.encoder == nil || !s.encoder.Active() {
		s.mu.Unlock()
		return false
	}
	s.state = StateStopping
	enc := s.encoder
	s.mu.Unlock()

	slog.Info("Stopping recording")
	s.publish(Event{Type: EventState, State: StateStopping})
	enc.Stop()
	return true
}

func (s *Session) onData(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	s.mu.Lock()
	s.chunks = append(s.chunks, chunk)
	n := len(s.chunks)
	s.mu.Unlock()
	slog.Debug("Encoder data", "bytes", len(chunk), "chunks", n)
}

// onStop runs once per encoder after its last increment.
func (s *Session) onStop(encErr error) {
	if encErr != nil {
		slog.Warn("Encoder ended abnormally", "error", encErr)
	}

	s.mu.Lock()
	if s.state == StateActive {
		// The encoder ended on its own; treat it as a stop.
		s.state = StateStopping
	}
	end := s.now()
	s.endTime = end
	mixed, primary := s.mixed, s.primary
	data, start := s.data, s.startTime
	var size int
	for _, c := range s.chunks {
		size += len(c)
	}
	payload := make([]byte, 0, size)
	for _, c := range s.chunks {
		payload = append(payload, c...)
	}
	s.mu.Unlock()

	if mixed != nil {
		mixed.Cleanup()
		mixed.Context.Close()
	}

	outcome := s.deliver(payload, data.ClientName, start, end)

	s.clearStore()
	if primary != nil {
		primary.Stop()
	}

	s.mu.Lock()
	s.state = StateIdle
	s.primary, s.mixed, s.encoder = nil, nil, nil
	s.lastUpload = outcome
	idle := s.idle
	s.mu.Unlock()

	slog.Info("Recording finished", "client", data.ClientName, "uploaded", outcome.Success)
	s.publish(Event{Type: EventState, State: StateIdle})
	closeOnce(idle)
}

// deliver builds the metadata and uploads payload. Failures are reported,
// never returned: the session goes back to Idle either way.
func (s *Session) deliver(payload []byte, clientName string, start, end time.Time) *UploadOutcome {
	outcome := &UploadOutcome{Bytes: len(payload)}

	md, err := metadata.Build(clientName, start, end, s.opts.Metadata)
	if err != nil {
		outcome.Error = err.Error()
		s.setStatus("Error: " + err.Error())
		return outcome
	}
	outcome.FilePath = md.FilePath

	result, err := s.opts.Uploader.Send(s.ctx, payload, md, func(attempt, maxAttempts int) {
		outcome.Attempts = attempt
		status := fmt.Sprintf("Uploading to server (attempt %d/%d)...", attempt, maxAttempts)
		s.mu.Lock()
		s.status = status
		s.mu.Unlock()
		s.publish(Event{Type: EventUpload, State: StateStopping, Status: status, Attempt: attempt, MaxAttempts: maxAttempts})
	})
	if err != nil {
		outcome.Error = err.Error()
		// A cancelled Send stops early with a bare error, so count the
		// attempts actually started.
		attempts := outcome.Attempts
		cause := err
		var failure *upload.Failure
		if errors.As(err, &failure) {
			attempts = failure.Attempts
			cause = failure.Err
		}
		slog.Error("Recording upload failed", "client", clientName, "kind", KindOf(err), "error", err)
		s.setStatus(fmt.Sprintf("Upload failed after %d attempts: %v", attempts, cause))
		return outcome
	}

	outcome.Success = true
	outcome.Attempts = result.Attempts
	outcome.Response = result.Response
	s.setStatus("Recording uploaded successfully.")
	return outcome
}

func (s *Session) clearStore() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.opts.Store.Clear(ctx); err != nil {
		slog.Warn("Failed to clear session state", "error", err)
	}
}

func (s *Session) setStatus(status string) {
	s.mu.Lock()
	s.status = status
	st := s.state
	s.mu.Unlock()

	slog.Debug("Session status", "status", status)
	s.publish(Event{Type: EventStatus, State: st, Status: status})
}

// Wait blocks until the session is idle or ctx ends.
func (s *Session) Wait(ctx context.Context) error {
	s.mu.RLock()
	idle := s.idle
	s.mu.RUnlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Elapsed is the running time of the current recording, or the final
// length of the last one.
func (s *Session) Elapsed() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.elapsedLocked()
}

func (s *Session) elapsedLocked() time.Duration {
	switch {
	case s.startTime.IsZero():
		return 0
	case !s.endTime.IsZero():
		return s.endTime.Sub(s.startTime)
	case s.state == StateIdle:
		return 0
	default:
		return s.now().Sub(s.startTime)
	}
}

// State is the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		State:       s.state,
		IsRecording: s.state != StateIdle,
		ClientName:  s.data.ClientName,
		SessionID:   s.data.SessionID,
		Elapsed:     timefmt.FormatElapsed(s.elapsedLocked()),
		Status:      s.status,
		Chunks:      len(s.chunks),
	}
	if !s.startTime.IsZero() {
		snap.StartTime = s.startTime.UnixMilli()
	}
	if !s.endTime.IsZero() {
		snap.EndTime = s.endTime.UnixMilli()
	}
	if s.mixed != nil {
		snap.Secondary = s.mixed.Secondary
	}
	if s.lastUpload != nil {
		u := *s.lastUpload
		snap.LastUpload = &u
	}
	return snap
}

// Close stops any recording and cancels in-flight uploads.
func (s *Session) Close() error {
	s.Stop()
	s.cancel()
	return nil
}

func closeOnce(ch chan struct{}) {
	select {
	case <-ch:
	default:
		close(ch)
	}
}
