package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/audiolibrelab/notecapture/internal/capture"
	"github.com/audiolibrelab/notecapture/internal/encode"
	"github.com/audiolibrelab/notecapture/internal/metadata"
	"github.com/audiolibrelab/notecapture/internal/mix"
	"github.com/audiolibrelab/notecapture/internal/state"
	"github.com/audiolibrelab/notecapture/internal/upload"
)

var t0 = time.Date(2024, 1, 5, 10, 0, 0, 0, time.UTC)

type harness struct {
	clock    *fakeClock
	capturer *fakeCapturer
	mixer    *fakeMixer
	encoders *fakeEncoders
	store    *state.MemoryStore
	session  *Session
}

func newHarness(t *testing.T, uploader Uploader) *harness {
	t.Helper()
	h := &harness{
		clock:    newFakeClock(t0),
		capturer: &fakeCapturer{},
		mixer:    &fakeMixer{},
		encoders: &fakeEncoders{},
		store:    state.NewMemoryStore(),
	}
	s, err := New(Options{
		Capturer:   h.capturer,
		Mixer:      h.mixer,
		NewEncoder: h.encoders.New,
		Uploader:   uploader,
		Store:      h.store,
		Metadata:   metadata.Options{Location: time.UTC},
		Now:        h.clock.Now,
	})
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	h.session = s
	return h
}

func waitIdle(t *testing.T, s *Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Session did not return to idle: %v", err)
	}
}

func TestSession_EndToEnd(t *testing.T) {
	var mu sync.Mutex
	var requests int
	var got metadata.Metadata
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		requests++
		if err := json.Unmarshal([]byte(r.FormValue("metadata")), &got); err != nil {
			t.Errorf("Invalid metadata: %v", err)
		}
		w.Write([]byte(`{"success":true}`))
	}))
	defer server.Close()

	client, err := upload.New(upload.Options{Endpoint: server.URL})
	if err != nil {
		t.Fatalf("Failed to create uploader: %v", err)
	}
	h := newHarness(t, client)

	if err := h.session.Start(context.Background(), "Acme"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if h.session.State() != StateActive {
		t.Fatalf("Expected active state, got %s", h.session.State())
	}

	st, _ := h.store.Get(context.Background())
	if !st.IsRecording || st.RecordingData.ClientName != "Acme" || st.RecordingData.StartTime != t0.UnixMilli() {
		t.Errorf("Expected the store to hold the active session, got %+v", st)
	}

	enc := h.encoders.last()
	enc.emit(make([]byte, 1000))
	enc.emit(make([]byte, 1000))

	h.clock.Set(t0.Add(2 * time.Second))
	if !h.session.Stop() {
		t.Fatal("Expected Stop to initiate finalization")
	}
	waitIdle(t, h.session)

	mu.Lock()
	defer mu.Unlock()
	if requests != 1 {
		t.Errorf("Expected exactly one upload attempt, got %d", requests)
	}
	if got.Duration != "0m2s" {
		t.Errorf("Expected duration 0m2s, got %s", got.Duration)
	}
	if got.StartDateTime.Date != "05-01-2024" || got.StartDateTime.Time != "10-00" {
		t.Errorf("Unexpected start date/time: %+v", got.StartDateTime)
	}
	if got.FilePath != "Acme/05-01-2024/audio/audio.wav" {
		t.Errorf("Unexpected file path: %s", got.FilePath)
	}
	if got.TotalChunks != 1 {
		t.Errorf("Expected totalChunks 1, got %d", got.TotalChunks)
	}

	snap := h.session.Snapshot()
	if snap.State != StateIdle || snap.IsRecording {
		t.Errorf("Expected idle snapshot, got %+v", snap)
	}
	if snap.Elapsed != "00:02" {
		t.Errorf("Expected frozen elapsed 00:02, got %s", snap.Elapsed)
	}
	if snap.LastUpload == nil || !snap.LastUpload.Success || snap.LastUpload.Bytes != 2000 {
		t.Errorf("Expected a successful upload outcome, got %+v", snap.LastUpload)
	}
	if snap.Status != "Recording uploaded successfully." {
		t.Errorf("Unexpected status: %s", snap.Status)
	}

	st, _ = h.store.Get(context.Background())
	if st.IsRecording {
		t.Error("Expected the store to be cleared after the recording")
	}
	if h.capturer.streams[0].stopCount() == 0 {
		t.Error("Expected the primary source to be stopped")
	}
	if h.mixer.cleanupCount() != 1 {
		t.Errorf("Expected mixer cleanup once, got %d", h.mixer.cleanupCount())
	}
}

func TestSession_EmptyClientName(t *testing.T) {
	h := newHarness(t, &fakeUploader{})

	for _, name := range []string{"", "   "} {
		err := h.session.Start(context.Background(), name)
		if KindOf(err) != KindInvalidInput {
			t.Errorf("Start(%q): expected InvalidInput, got %v", name, err)
		}
	}
	if h.capturer.requestCount() != 0 {
		t.Errorf("Expected no capture request, got %d", h.capturer.requestCount())
	}
	if h.session.State() != StateIdle {
		t.Errorf("Expected idle state, got %s", h.session.State())
	}
}

func TestSession_TrimsClientName(t *testing.T) {
	uploader := &fakeUploader{}
	h := newHarness(t, uploader)

	if err := h.session.Start(context.Background(), "  Acme  "); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	h.encoders.last().emit([]byte("data"))
	h.clock.Set(t0.Add(time.Second))
	h.session.Stop()
	waitIdle(t, h.session)

	if uploader.calls[0].md.ClientName != "Acme" {
		t.Errorf("Expected trimmed client name, got %q", uploader.calls[0].md.ClientName)
	}
}

func TestSession_Rejoin(t *testing.T) {
	h := newHarness(t, &fakeUploader{})
	started := t0.Add(-90 * time.Second)
	data := state.NewRecordingData("Acme", started)
	h.store.Set(context.Background(), true, &data)

	rejoined, err := h.session.Attach(context.Background())
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	if !rejoined {
		t.Fatal("Expected to rejoin the stored session")
	}

	snap := h.session.Snapshot()
	if snap.State != StateActive || snap.ClientName != "Acme" {
		t.Errorf("Expected active session for Acme, got %+v", snap)
	}
	if snap.StartTime != started.UnixMilli() {
		t.Errorf("Expected start time %d restored, got %d", started.UnixMilli(), snap.StartTime)
	}
	if snap.SessionID != data.SessionID {
		t.Errorf("Expected session id to be kept, got %s", snap.SessionID)
	}
	if snap.Elapsed != "01:30" {
		t.Errorf("Expected elapsed 01:30, got %s", snap.Elapsed)
	}
	if h.capturer.requestCount() != 1 {
		t.Errorf("Expected a fresh primary request, got %d", h.capturer.requestCount())
	}

	// Attaching again to the same session is a no-op.
	if again, err := h.session.Attach(context.Background()); err != nil || !again {
		t.Errorf("Expected repeated attach to report the session, got %v, %v", again, err)
	}
	if h.capturer.requestCount() != 1 {
		t.Errorf("Expected no further capture requests, got %d", h.capturer.requestCount())
	}
}

func TestSession_AttachNothingToRejoin(t *testing.T) {
	h := newHarness(t, &fakeUploader{})
	rejoined, err := h.session.Attach(context.Background())
	if err != nil || rejoined {
		t.Errorf("Expected nothing to rejoin, got %v, %v", rejoined, err)
	}
	if h.capturer.requestCount() != 0 {
		t.Error("Expected no capture request")
	}
}

func TestSession_RejoinFailureClearsStore(t *testing.T) {
	h := newHarness(t, &fakeUploader{})
	h.capturer.primaryErr = capture.ErrDenied
	data := state.NewRecordingData("Acme", t0.Add(-time.Minute))
	h.store.Set(context.Background(), true, &data)

	rejoined, err := h.session.Attach(context.Background())
	if rejoined || KindOf(err) != KindCaptureDenied {
		t.Errorf("Expected CaptureDenied, got %v, %v", rejoined, err)
	}
	if h.session.State() != StateIdle {
		t.Errorf("Expected idle state, got %s", h.session.State())
	}
	if st, _ := h.store.Get(context.Background()); st.IsRecording {
		t.Error("Expected the unrecoverable session to be cleared")
	}
}

func TestSession_StartFailures(t *testing.T) {
	tests := []struct {
		name  string
		setup func(h *harness)
		kind  Kind
	}{
		{"capture denied", func(h *harness) { h.capturer.primaryErr = capture.ErrDenied }, KindCaptureDenied},
		{"capture unavailable", func(h *harness) { h.capturer.primaryErr = capture.ErrUnavailable }, KindCaptureUnavailable},
		{"mixer", func(h *harness) { h.mixer.err = mix.ErrContextInit }, KindMixerInit},
		{"encoder create", func(h *harness) { h.encoders.err = errBoom }, KindEncoderInit},
		{"encoder start", func(h *harness) { h.encoders.startErr = encode.ErrInit }, KindEncoderInit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, &fakeUploader{})
			tt.setup(h)

			err := h.session.Start(context.Background(), "Acme")
			if KindOf(err) != tt.kind {
				t.Fatalf("Expected %s, got %v (%s)", tt.kind, err, KindOf(err))
			}
			var se *Error
			if !errors.As(err, &se) {
				t.Errorf("Expected *Error, got %T", err)
			}

			if h.session.State() != StateIdle {
				t.Errorf("Expected idle state, got %s", h.session.State())
			}
			if st, _ := h.store.Get(context.Background()); st.IsRecording {
				t.Error("Expected no active session in the store")
			}
			for i, s := range h.capturer.streams {
				if s.stopCount() == 0 {
					t.Errorf("Primary source %d was not released", i)
				}
			}
			h.mixer.mu.Lock()
			for _, m := range h.mixer.mixed {
				select {
				case <-m.Context.Done():
				default:
					t.Error("Processing context was not closed")
				}
			}
			h.mixer.mu.Unlock()
			if !strings.HasPrefix(h.session.Snapshot().Status, "Error: ") {
				t.Errorf("Expected an error status, got %q", h.session.Snapshot().Status)
			}

			// The session stays usable.
			h.capturer.primaryErr = nil
			h.mixer.err = nil
			h.encoders.err = nil
			h.encoders.startErr = nil
			if err := h.session.Start(context.Background(), "Acme"); err != nil {
				t.Errorf("Expected retry to succeed, got: %v", err)
			}
		})
	}
}

func TestSession_StopIsIdempotent(t *testing.T) {
	uploader := &fakeUploader{}
	h := newHarness(t, uploader)

	if h.session.Stop() {
		t.Error("Expected Stop on an idle session to be ignored")
	}

	if err := h.session.Start(context.Background(), "Acme"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	h.encoders.last().emit([]byte("data"))

	if !h.session.Stop() {
		t.Error("Expected the first Stop to initiate finalization")
	}
	h.session.Stop()
	waitIdle(t, h.session)
	if h.session.Stop() {
		t.Error("Expected Stop after finalization to be ignored")
	}

	if got := h.encoders.last().stopCount(); got != 1 {
		t.Errorf("Expected encoder stopped once, got %d", got)
	}
	if uploader.callCount() != 1 {
		t.Errorf("Expected one upload, got %d", uploader.callCount())
	}
}

func TestSession_EmptyIncrementsIgnored(t *testing.T) {
	uploader := &fakeUploader{}
	h := newHarness(t, uploader)

	h.session.Start(context.Background(), "Acme")
	enc := h.encoders.last()
	enc.emit(nil)
	enc.emit([]byte("ab"))
	enc.emit([]byte{})
	enc.emit([]byte("cd"))

	if snap := h.session.Snapshot(); snap.Chunks != 2 {
		t.Errorf("Expected 2 chunks, got %d", snap.Chunks)
	}
	h.session.Stop()
	waitIdle(t, h.session)

	if got := string(uploader.calls[0].payload); got != "abcd" {
		t.Errorf("Expected payload in emission order, got %q", got)
	}
}

// cancelledUploader reports one attempt and then blocks until the
// session context is cancelled.
type cancelledUploader struct {
	started chan struct{}
}

func (u *cancelledUploader) Send(ctx context.Context, payload []byte, md metadata.Metadata, progress upload.Progress) (*upload.Result, error) {
	progress(1, 3)
	close(u.started)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestSession_CancelledUploadCountsStartedAttempts(t *testing.T) {
	uploader := &cancelledUploader{started: make(chan struct{})}
	h := newHarness(t, uploader)

	if err := h.session.Start(context.Background(), "Acme"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	h.encoders.last().emit([]byte("data"))
	h.session.Stop()

	select {
	case <-uploader.started:
	case <-time.After(5 * time.Second):
		t.Fatal("Upload never started")
	}
	h.session.Close()
	waitIdle(t, h.session)

	snap := h.session.Snapshot()
	if snap.LastUpload == nil || snap.LastUpload.Attempts != 1 {
		t.Errorf("Expected one recorded attempt, got %+v", snap.LastUpload)
	}
	if want := "Upload failed after 1 attempts: context canceled"; snap.Status != want {
		t.Errorf("Expected status %q, got %q", want, snap.Status)
	}
	if st, _ := h.store.Get(context.Background()); st.IsRecording {
		t.Error("Expected the store to be cleared")
	}
}

func TestSession_UploadFailureStillReachesIdle(t *testing.T) {
	uploader := &fakeUploader{err: &upload.Failure{Attempts: 3, Err: &upload.HTTPError{Status: 500}}}
	h := newHarness(t, uploader)

	if err := h.session.Start(context.Background(), "Acme"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	h.encoders.last().emit([]byte("data"))
	h.session.Stop()
	waitIdle(t, h.session)

	snap := h.session.Snapshot()
	if snap.State != StateIdle {
		t.Errorf("Expected idle, got %s", snap.State)
	}
	if snap.LastUpload == nil || snap.LastUpload.Success {
		t.Errorf("Expected a failed upload outcome, got %+v", snap.LastUpload)
	}
	if want := "Upload failed after 3 attempts: upload failed with status 500"; snap.Status != want {
		t.Errorf("Expected status %q, got %q", want, snap.Status)
	}
	if st, _ := h.store.Get(context.Background()); st.IsRecording {
		t.Error("Expected the store to be cleared")
	}

	// A new recording can start right away.
	if err := h.session.Start(context.Background(), "Acme"); err != nil {
		t.Errorf("Expected a new start to succeed, got: %v", err)
	}
}

func TestSession_BusyWhileActive(t *testing.T) {
	h := newHarness(t, &fakeUploader{})
	if err := h.session.Start(context.Background(), "Acme"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := h.session.Start(context.Background(), "Globex"); KindOf(err) != KindBusy {
		t.Errorf("Expected SessionBusy, got %v", err)
	}
	if h.session.Snapshot().ClientName != "Acme" {
		t.Error("Expected the active session to be unchanged")
	}
}

func TestSession_Events(t *testing.T) {
	h := newHarness(t, &fakeUploader{})
	events, unsubscribe := h.session.Subscribe()
	defer unsubscribe()

	h.session.Start(context.Background(), "Acme")
	h.encoders.last().emit([]byte("data"))
	h.session.Stop()
	waitIdle(t, h.session)

	var statuses []string
	var sawIdle bool
	timeout := time.After(2 * time.Second)
	for !sawIdle {
		select {
		case e := <-events:
			if e.Status != "" {
				statuses = append(statuses, e.Status)
			}
			if e.Type == EventState && e.State == StateIdle {
				sawIdle = true
			}
		case <-timeout:
			t.Fatalf("Timed out, statuses so far: %v", statuses)
		}
	}

	want := []string{
		"Initializing...",
		"Recording...",
		"Uploading to server (attempt 1/3)...",
		"Recording uploaded successfully.",
	}
	if strings.Join(statuses, "|") != strings.Join(want, "|") {
		t.Errorf("Expected statuses %v, got %v", want, statuses)
	}
}

func TestSession_ElapsedWhileActive(t *testing.T) {
	h := newHarness(t, &fakeUploader{})
	if h.session.Elapsed() != 0 {
		t.Error("Expected zero elapsed before any recording")
	}

	h.session.Start(context.Background(), "Acme")
	h.clock.Set(t0.Add(75 * time.Second))
	if got := h.session.Elapsed(); got != 75*time.Second {
		t.Errorf("Expected 75s elapsed, got %v", got)
	}
	if got := h.session.Snapshot().Elapsed; got != "01:15" {
		t.Errorf("Expected 01:15, got %s", got)
	}
}

func TestSession_WaitHonoursContext(t *testing.T) {
	h := newHarness(t, &fakeUploader{})
	h.session.Start(context.Background(), "Acme")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := h.session.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded while active, got %v", err)
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Error("Expected an error without collaborators")
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{capture.ErrDenied, KindCaptureDenied},
		{capture.ErrUnavailable, KindCaptureUnavailable},
		{mix.ErrContextInit, KindMixerInit},
		{encode.ErrInit, KindEncoderInit},
		{upload.ErrTimeout, KindUploadTimeout},
		{upload.ErrNetwork, KindUploadNetwork},
		{&upload.Failure{Attempts: 3, Err: &upload.HTTPError{Status: 502}}, KindUploadHTTP},
		{&Error{Kind: KindBusy, Err: errBoom}, KindBusy},
		{errBoom, KindUnknown},
		{nil, KindUnknown},
	}

	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.want {
			t.Errorf("KindOf(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
	if KindCaptureDenied.String() != "CaptureDenied" {
		t.Errorf("Unexpected kind name %s", KindCaptureDenied)
	}
}
