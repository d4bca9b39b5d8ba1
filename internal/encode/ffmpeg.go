package encode

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/audiolibrelab/notecapture/internal/capture"
)

// ffmpegStopTimeout is how long ffmpeg gets to drain after stdin closes.
const ffmpegStopTimeout = 5 * time.Second

// FFmpegEncoder pipes float PCM through ffmpeg and emits its WAV output.
type FFmpegEncoder struct {
	lifecycle
	path      string
	timeslice time.Duration

	cmd    *exec.Cmd
	exited chan struct{}
}

// NewFFmpegEncoder creates an encoder using the ffmpeg binary at path, or
// the one on PATH when path is empty.
func NewFFmpegEncoder(path string, timeslice time.Duration) (*FFmpegEncoder, error) {
	if path == "" {
		path = "ffmpeg"
	}
	resolved, err := exec.LookPath(path)
	if err != nil {
		return nil, fmt.Errorf("%w: ffmpeg not found: %v", ErrInit, err)
	}
	return &FFmpegEncoder{path: resolved, timeslice: timeslice}, nil
}

// logLevel is FFMPEG_LOGLEVEL when set (verbose level 3), else "error".
func logLevel() string {
	if l := os.Getenv("FFMPEG_LOGLEVEL"); l != "" {
		return l
	}
	return "error"
}

// ffmpegArgs converts float input to 16-bit PCM WAV. The codec is lossless,
// so no bitrate is requested.
func ffmpegArgs(format capture.Format) []string {
	return []string{
		"-hide_banner",
		"-loglevel", logLevel(),
		"-f", "f32le",
		"-ar", strconv.Itoa(format.SampleRate),
		"-ac", strconv.Itoa(format.Channels),
		"-i", "pipe:0",
		"-c:a", "pcm_s16le",
		"-f", "wav",
		"pipe:1",
	}
}

func (e *FFmpegEncoder) Start(src Source, h Handler) error {
	format := src.Format()
	if err := format.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInit, err)
	}
	if err := e.begin(); err != nil {
		return err
	}

	args := ffmpegArgs(format)
	cmd := exec.Command(e.path, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("%w: failed to create stdin pipe: %v", ErrInit, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: failed to create stdout pipe: %v", ErrInit, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("%w: failed to create stderr pipe: %v", ErrInit, err)
	}

	slog.Debug("Starting FFmpeg encoder", "command", e.path+" "+strings.Join(args, " "))
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: failed to start FFmpeg: %v", ErrInit, err)
	}
	e.cmd = cmd
	e.exited = make(chan struct{})

	em := newEmitter(e.timeslice)
	go e.feed(src, format, stdin)
	go readOutput(stderr)
	go e.collect(stdout, em)
	go em.deliver(h)

	return nil
}

// feed writes the source to ffmpeg until stopped, then closes stdin so
// ffmpeg flushes and exits.
func (e *FFmpegEncoder) feed(src Source, format capture.Format, stdin io.WriteCloser) {
	defer stdin.Close()

	buf := make([]float32, readFrames*format.Channels)
	var raw []byte
	for !e.stopped() {
		n, err := src.Read(buf)
		if n > 0 {
			raw = raw[:0]
			for _, v := range buf[:n] {
				raw = binary.LittleEndian.AppendUint32(raw, math.Float32bits(v))
			}
			if _, werr := stdin.Write(raw); werr != nil {
				slog.Debug("FFmpeg stdin closed", "error", werr)
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Warn("Encoder source read failed", "error", err)
			}
			return
		}
	}
}

func (e *FFmpegEncoder) collect(stdout io.Reader, em *emitter) {
	buf := make([]byte, 32*1024)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			em.write(buf[:n])
		}
		if err != nil {
			break
		}
	}

	waitErr := e.cmd.Wait()
	close(e.exited)
	if waitErr != nil {
		waitErr = fmt.Errorf("FFmpeg process failed: %w", waitErr)
	}
	em.finish(waitErr)
}

// Stop closes ffmpeg's input and kills it if it has not exited within the
// timeout.
func (e *FFmpegEncoder) Stop() {
	if !e.requestStop() || e.cmd == nil {
		return
	}

	go func() {
		select {
		case <-e.exited:
			slog.Debug("FFmpeg encoder exited")
		case <-time.After(ffmpegStopTimeout):
			slog.Warn("FFmpeg did not exit within timeout, force killing")
			if e.cmd.Process != nil {
				e.cmd.Process.Kill()
			}
		}
	}()
}

func readOutput(pipe io.Reader) {
	scanner := bufio.NewScanner(pipe)
	for scanner.Scan() {
		slog.Debug("FFmpeg output", "stream", "stderr", "line", scanner.Text())
	}
}
