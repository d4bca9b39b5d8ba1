package cmd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/audiolibrelab/notecapture/internal/capture"
	"github.com/audiolibrelab/notecapture/internal/encode"
	"github.com/audiolibrelab/notecapture/internal/service"
	"github.com/audiolibrelab/notecapture/internal/session"
	"github.com/audiolibrelab/notecapture/internal/state"
)

func writeTestWAV(t *testing.T, path string, rate, channels, frames int) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Failed to create %s: %v", path, err)
	}
	defer f.Close()

	enc := wav.NewEncoder(f, rate, 16, channels, 1)
	if err := enc.Write(&audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: rate},
		Data:           make([]int, frames*channels),
		SourceBitDepth: 16,
	}); err != nil {
		t.Fatalf("Failed to write samples: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("Failed to close encoder: %v", err)
	}
}

func TestReadWAVInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "take.wav")
	writeTestWAV(t, path, 8000, 2, 16000)

	info, err := readWAVInfo(path)
	if err != nil {
		t.Fatalf("readWAVInfo failed: %v", err)
	}
	if info.SampleRate != 8000 || info.Channels != 2 || info.BitDepth != 16 {
		t.Errorf("Unexpected format: %+v", info)
	}
	if info.Duration != 2*time.Second {
		t.Errorf("Expected 2s, got %s", info.Duration)
	}
	if info.Streaming {
		t.Error("Expected finalized header sizes")
	}
}

func TestReadWAVInfo_StreamingHeader(t *testing.T) {
	format := capture.Format{SampleRate: 8000, Channels: 1}
	data := append(encode.WAVHeader(format), make([]byte, 8000*2)...)

	path := filepath.Join(t.TempDir(), "stream.wav")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	info, err := readWAVInfo(path)
	if err != nil {
		t.Fatalf("readWAVInfo failed: %v", err)
	}
	if !info.Streaming {
		t.Error("Expected placeholder sizes to be detected")
	}
	if info.DataBytes != 16000 || info.Duration != time.Second {
		t.Errorf("Expected 16000 bytes over 1s, got %d over %s", info.DataBytes, info.Duration)
	}
}

func TestUploadInterval_StreamingHeader(t *testing.T) {
	format := capture.Format{SampleRate: 8000, Channels: 2}
	data := append(encode.WAVHeader(format), make([]byte, 8000*2*2*3)...)

	path := filepath.Join(t.TempDir(), "recording.wav")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	uploadStart, uploadDuration = "2024-01-05T10:00:00Z", 0
	defer func() { uploadStart, uploadDuration = "", 0 }()

	start, end, err := uploadInterval(path)
	if err != nil {
		t.Fatalf("uploadInterval failed: %v", err)
	}
	if end.Sub(start) != 3*time.Second {
		t.Errorf("Expected 3s from a streamed recording, got %s", end.Sub(start))
	}
}

func TestHasStreamingSizes(t *testing.T) {
	dir := t.TempDir()

	finalized := filepath.Join(dir, "final.wav")
	writeTestWAV(t, finalized, 8000, 1, 800)
	streamed := filepath.Join(dir, "stream.wav")
	if err := os.WriteFile(streamed, encode.WAVHeader(capture.Format{SampleRate: 8000, Channels: 1}), 0o644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	short := filepath.Join(dir, "short.wav")
	if err := os.WriteFile(short, []byte("RIFF"), 0o644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	tests := []struct {
		path string
		want bool
	}{
		{finalized, false},
		{streamed, true},
		{short, false},
	}
	for _, tt := range tests {
		f, err := os.Open(tt.path)
		if err != nil {
			t.Fatalf("Failed to open %s: %v", tt.path, err)
		}
		got, err := hasStreamingSizes(f)
		f.Close()
		if err != nil {
			t.Errorf("hasStreamingSizes(%s) failed: %v", filepath.Base(tt.path), err)
		}
		if got != tt.want {
			t.Errorf("hasStreamingSizes(%s) = %v, want %v", filepath.Base(tt.path), got, tt.want)
		}
	}
}

func TestReadWAVInfo_NotWAV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(path, []byte("not audio at all, just some text"), 0o644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	if _, err := readWAVInfo(path); err == nil {
		t.Error("Expected an error for a non-WAV file")
	}
}

func TestUploadInterval(t *testing.T) {
	path := filepath.Join(t.TempDir(), "take.wav")
	writeTestWAV(t, path, 8000, 1, 24000)

	uploadStart, uploadDuration = "2024-01-05T10:00:00Z", 0
	defer func() { uploadStart, uploadDuration = "", 0 }()

	start, end, err := uploadInterval(path)
	if err != nil {
		t.Fatalf("uploadInterval failed: %v", err)
	}
	if want := time.Date(2024, 1, 5, 10, 0, 0, 0, time.UTC); !start.Equal(want) {
		t.Errorf("Expected start %s, got %s", want, start)
	}
	if end.Sub(start) != 3*time.Second {
		t.Errorf("Expected 3s from the header, got %s", end.Sub(start))
	}

	uploadStart, uploadDuration = "", 90*time.Second
	start, end, err = uploadInterval(path)
	if err != nil {
		t.Fatalf("uploadInterval failed: %v", err)
	}
	st, _ := os.Stat(path)
	if !end.Equal(st.ModTime()) || end.Sub(start) != 90*time.Second {
		t.Errorf("Expected interval ending at the file time, got %s to %s", start, end)
	}

	uploadStart = "yesterday"
	if _, _, err := uploadInterval(path); err == nil {
		t.Error("Expected an error for an invalid start")
	}
}

func TestRenderState(t *testing.T) {
	if out := renderState(state.State{}, time.Now()); !strings.Contains(out, "no") {
		t.Errorf("Expected idle rendering, got %q", out)
	}

	start := time.Date(2024, 1, 5, 10, 0, 0, 0, time.UTC)
	data := state.NewRecordingData("Acme", start)
	out := renderState(state.State{IsRecording: true, RecordingData: &data}, start.Add(90*time.Second))
	for _, want := range []string{"yes", "Acme", data.SessionID, "01:30"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in:\n%s", want, out)
		}
	}
}

// closingService settles into its snapshot after Close.
type closingService struct {
	service.Service
	closed     int
	afterClose session.Snapshot
	snap       session.Snapshot
}

func (s *closingService) Close() error {
	s.closed++
	s.snap = s.afterClose
	return nil
}

func (s *closingService) GetStatus() session.Snapshot {
	return s.snap
}

func TestFinishRecording_Abandoned(t *testing.T) {
	svc := &closingService{
		snap:       session.Snapshot{State: session.StateStopping, Status: "Uploading to server (attempt 1/3)..."},
		afterClose: session.Snapshot{State: session.StateIdle, Status: "Upload failed after 1 attempts: context canceled"},
	}

	err := finishRecording(svc, true)
	if svc.closed != 1 {
		t.Errorf("Expected one Close, got %d", svc.closed)
	}
	if err == nil || !strings.Contains(err.Error(), "upload cancelled") {
		t.Errorf("Expected an upload cancelled error, got %v", err)
	}
}

func TestFinishRecording_StuckSessionPointsAtClear(t *testing.T) {
	stuck := session.Snapshot{State: session.StateStopping}
	svc := &closingService{snap: stuck, afterClose: stuck}

	err := finishRecording(svc, true)
	if err == nil || !strings.Contains(err.Error(), "status --clear") {
		t.Errorf("Expected a hint to clear the store, got %v", err)
	}
}
