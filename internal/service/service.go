package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/audiolibrelab/notecapture/internal/capture"
	"github.com/audiolibrelab/notecapture/internal/config"
	"github.com/audiolibrelab/notecapture/internal/encode"
	"github.com/audiolibrelab/notecapture/internal/metadata"
	"github.com/audiolibrelab/notecapture/internal/mix"
	"github.com/audiolibrelab/notecapture/internal/paths"
	"github.com/audiolibrelab/notecapture/internal/session"
	"github.com/audiolibrelab/notecapture/internal/state"
	"github.com/audiolibrelab/notecapture/internal/timefmt"
	"github.com/audiolibrelab/notecapture/internal/upload"
)

// Service represents the core NoteCapture service interface
type Service interface {
	// Recording operations
	StartRecording(ctx context.Context, clientName string) error
	StopRecording() bool
	Attach(ctx context.Context) (bool, error)
	Wait(ctx context.Context) error
	GetStatus() session.Snapshot
	Subscribe() (<-chan session.Event, func())

	// Upload operations
	UploadFile(ctx context.Context, path, clientName string, start, end time.Time) (*upload.Result, error)

	// Information operations
	GetPathInfo(clientName string, start time.Time, duration time.Duration) (*PathInfo, error)
	GetSources() ([]string, error)
	GetConfig() *config.Config
	GetLastError() string
	Health(ctx context.Context) error

	Close() error
}

// PathInfo previews where a recording is stored on the upload endpoint.
type PathInfo struct {
	ClientName string           `json:"client_name"`
	Start      timefmt.DateTime `json:"start"`
	Duration   string           `json:"duration"`
	Path       paths.Path       `json:"path"`
}

// pinger is implemented by stores with a remote backend.
type pinger interface {
	Ping(ctx context.Context) error
}

// closer is implemented by stores holding a connection.
type closer interface {
	Close(ctx context.Context) error
}

// NoteCaptureService is the main service implementation
type NoteCaptureService struct {
	cfg      *config.Config
	session  *session.Session
	store    state.Store
	uploader *upload.Client
	metadata metadata.Options
	pw       *capture.PipeWire

	lastError      string
	lastErrorMutex sync.RWMutex

	closeOnce sync.Once
	closeErr  error
}

// Components are the collaborators a service runs on. New builds them from
// configuration; tests supply their own.
type Components struct {
	Capturer   capture.Capturer
	Mixer      session.Mixer
	NewEncoder session.EncoderFactory
	Uploader   *upload.Client
	Store      state.Store
	Now        func() time.Time
}

// New creates a NoteCapture service wired from cfg.
func New(ctx context.Context, cfg *config.Config) (*NoteCaptureService, error) {
	comps, err := BuildComponents(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewWithComponents(cfg, comps)
}

// BuildComponents creates the capture, mixing, encoding, upload and state
// backends named by cfg.
func BuildComponents(ctx context.Context, cfg *config.Config) (Components, error) {
	if err := cfg.RequireEndpoint(); err != nil {
		return Components{}, err
	}

	format := capture.Format{SampleRate: cfg.Audio.SampleRate, Channels: cfg.Audio.Channels}
	capturer, err := capture.New(captureOptions(cfg, format))
	if err != nil {
		return Components{}, fmt.Errorf("failed to create capturer: %w", err)
	}

	uploader, err := upload.New(uploadOptions(cfg))
	if err != nil {
		return Components{}, fmt.Errorf("failed to create uploader: %w", err)
	}

	store, err := state.New(ctx, stateOptions(cfg))
	if err != nil {
		return Components{}, fmt.Errorf("failed to open session state store: %w", err)
	}

	encOpts := encode.Options{
		Backend:    cfg.Encoder.Backend,
		Timeslice:  cfg.Encoder.Timeslice,
		FFmpegPath: cfg.Encoder.FFmpegPath,
	}

	slog.Debug("Service components built",
		"capture_backend", cfg.Audio.Backend,
		"encoder_backend", cfg.Encoder.Backend,
		"state_backend", cfg.State.Backend,
		"monitor", cfg.Audio.Monitor)

	return Components{
		Capturer: capturer,
		Mixer:    mix.New(capturer, mixOptions(cfg)),
		NewEncoder: func() (encode.Encoder, error) {
			return encode.New(encOpts)
		},
		Uploader: uploader,
		Store:    store,
	}, nil
}

// NewWithComponents creates a service around already built collaborators.
func NewWithComponents(cfg *config.Config, comps Components) (*NoteCaptureService, error) {
	if comps.Uploader == nil {
		return nil, fmt.Errorf("service needs an uploader")
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	mdOpts := metadata.Options{
		Location: loc,
		Paths:    paths.Builder{Unique: cfg.Upload.UniqueNames},
	}

	sess, err := session.New(session.Options{
		Capturer:   comps.Capturer,
		Mixer:      comps.Mixer,
		NewEncoder: comps.NewEncoder,
		Uploader:   comps.Uploader,
		Store:      comps.Store,
		Metadata:   mdOpts,
		Now:        comps.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	return &NoteCaptureService{
		cfg:      cfg,
		session:  sess,
		store:    comps.Store,
		uploader: comps.Uploader,
		metadata: mdOpts,
		pw:       capture.NewPipeWire(),
	}, nil
}

func captureOptions(cfg *config.Config, format capture.Format) capture.Options {
	return capture.Options{
		Backend:         cfg.Audio.Backend,
		Format:          format,
		PrimaryTarget:   cfg.Audio.PrimarySource,
		SecondaryTarget: cfg.Audio.SecondarySource,
		CaptureSink:     cfg.Audio.CaptureSink,
		PrimaryFile:     cfg.Audio.PrimaryFile,
		SecondaryFile:   cfg.Audio.SecondaryFile,
		Realtime:        cfg.Audio.Realtime,
	}
}

func mixOptions(cfg *config.Config) mix.Options {
	opts := mix.Options{
		Dynamics:      cfg.Dynamics.DynamicsParams,
		SecondaryGain: cfg.Dynamics.SecondaryGain,
		BlockFrames:   cfg.Audio.BlockFrames,
	}
	if cfg.Audio.Monitor {
		opts.Monitor = mix.NewPlayerMonitor(cfg.Audio.MonitorTarget)
	}
	return opts
}

func uploadOptions(cfg *config.Config) upload.Options {
	opts := upload.Options{
		Endpoint:    cfg.Upload.Endpoint,
		Timeout:     cfg.Upload.Timeout,
		MaxAttempts: cfg.Upload.MaxAttempts,
		BackoffBase: cfg.Upload.BackoffBase,
		BackoffMax:  cfg.Upload.BackoffMax,
	}
	if cfg.Upload.AuthSecret != "" {
		opts.Signer = upload.NewSigner(cfg.Upload.AuthSecret)
	}
	return opts
}

func stateOptions(cfg *config.Config) state.Options {
	return state.Options{
		Backend:         cfg.State.Backend,
		Path:            cfg.State.Path,
		MongoURI:        cfg.State.MongoURI,
		MongoDatabase:   cfg.State.MongoDatabase,
		MongoCollection: cfg.State.MongoCollection,
	}
}

// StartRecording starts a recording for clientName
func (s *NoteCaptureService) StartRecording(ctx context.Context, clientName string) error {
	slog.Debug("Service.StartRecording called", "client", clientName)
	s.clearLastError()
	if err := s.session.Start(ctx, clientName); err != nil {
		slog.Error("Service.StartRecording failed", "kind", session.KindOf(err), "error", err)
		s.setLastError(fmt.Sprintf("Failed to start recording: %v", err))
		return err
	}
	return nil
}

// StopRecording stops the current recording. The upload runs in the
// background; Wait blocks on it.
func (s *NoteCaptureService) StopRecording() bool {
	return s.session.Stop()
}

// Attach rejoins a recording left active in the state store.
func (s *NoteCaptureService) Attach(ctx context.Context) (bool, error) {
	rejoined, err := s.session.Attach(ctx)
	if err != nil {
		s.setLastError(fmt.Sprintf("Failed to rejoin recording: %v", err))
	}
	return rejoined, err
}

func (s *NoteCaptureService) Wait(ctx context.Context) error {
	err := s.session.Wait(ctx)
	if err == nil {
		if last := s.session.Snapshot().LastUpload; last != nil && !last.Success {
			s.setLastError(last.Error)
		}
	}
	return err
}

// GetStatus returns a snapshot of the recording session
func (s *NoteCaptureService) GetStatus() session.Snapshot {
	return s.session.Snapshot()
}

func (s *NoteCaptureService) Subscribe() (<-chan session.Event, func()) {
	return s.session.Subscribe()
}

// UploadFile sends an existing recording through the uploader with metadata
// derived from clientName and the recording interval.
func (s *NoteCaptureService) UploadFile(ctx context.Context, path, clientName string, start, end time.Time) (*upload.Result, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	md, err := metadata.Build(clientName, start, end, s.metadata)
	if err != nil {
		return nil, err
	}

	slog.Info("Uploading file", "file", path, "client", md.ClientName, "target", md.FilePath, "bytes", len(payload))
	return s.uploader.Send(ctx, payload, md, func(attempt, maxAttempts int) {
		slog.Info("Uploading to server", "attempt", attempt, "max_attempts", maxAttempts)
	})
}

// GetPathInfo previews the storage location of a recording for clientName
// starting at start.
func (s *NoteCaptureService) GetPathInfo(clientName string, start time.Time, duration time.Duration) (*PathInfo, error) {
	return PreviewPath(clientName, start, duration, s.metadata)
}

// PreviewPath is GetPathInfo without a service.
func PreviewPath(clientName string, start time.Time, duration time.Duration, opts metadata.Options) (*PathInfo, error) {
	md, err := metadata.Build(clientName, start, start.Add(duration), opts)
	if err != nil {
		return nil, err
	}
	return &PathInfo{
		ClientName: md.ClientName,
		Start:      md.StartDateTime,
		Duration:   md.Duration,
		Path: paths.Path{
			FolderPath: md.FolderPath,
			FileName:   md.FileName,
			FullPath:   md.FilePath,
		},
	}, nil
}

// GetSources lists the PipeWire nodes that can be used as capture targets
func (s *NoteCaptureService) GetSources() ([]string, error) {
	return s.pw.ListNodes()
}

// GetConfig returns the current configuration
func (s *NoteCaptureService) GetConfig() *config.Config {
	return s.cfg
}

// Health checks the state store backend.
func (s *NoteCaptureService) Health(ctx context.Context) error {
	if p, ok := s.store.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("state store: %w", err)
		}
	}
	return nil
}

// closeTimeout bounds how long Close waits for a cancelled upload to bring
// the session back to Idle, which is when the state store slot is cleared.
const closeTimeout = 15 * time.Second

// Close stops any recording, cancels an in-flight upload and releases the
// store connection once the session has cleared its slot. Later calls are
// no-ops.
func (s *NoteCaptureService) Close() error {
	s.closeOnce.Do(func() {
		s.session.Close()

		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := s.session.Wait(ctx); err != nil {
			slog.Warn("Session did not finish before close", "error", err)
		}

		if c, ok := s.store.(closer); ok {
			s.closeErr = c.Close(ctx)
		}
	})
	return s.closeErr
}

func (s *NoteCaptureService) setLastError(msg string) {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = msg
}

func (s *NoteCaptureService) clearLastError() {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = ""
}

// GetLastError returns the last error message
func (s *NoteCaptureService) GetLastError() string {
	s.lastErrorMutex.RLock()
	defer s.lastErrorMutex.RUnlock()
	return s.lastError
}
