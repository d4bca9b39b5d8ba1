package capture

import (
	"bufio"
	"context"
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
	"sync"
	"time"
)

// startupGrace is how long a freshly spawned pw-record has to fail before
// the stream is considered live.
const startupGrace = 300 * time.Millisecond

// PipeWireCapturer records sources with pw-record, reading raw float32 PCM
// from its stdout.
type PipeWireCapturer struct {
	opts     Options
	pipewire *PipeWire
	command  string
}

// NewPipeWireCapturer creates a capturer for the targets in opts.
func NewPipeWireCapturer(opts Options) *PipeWireCapturer {
	return &PipeWireCapturer{
		opts:     opts,
		pipewire: NewPipeWire(),
		command:  "pw-record",
	}
}

// RequestPrimary starts capturing the primary target.
func (c *PipeWireCapturer) RequestPrimary(ctx context.Context) (Stream, error) {
	args := c.recordArgs(c.opts.PrimaryTarget, c.opts.CaptureSink)
	return c.open(ctx, "primary", c.opts.PrimaryTarget, args)
}

// RequestSecondary starts capturing the microphone target. PipeWire applies
// echo cancellation and noise suppression as graph modules, so the
// constraints only select the stream role here.
func (c *PipeWireCapturer) RequestSecondary(ctx context.Context, cons Constraints) (Stream, error) {
	slog.Debug("Requesting secondary source",
		"target", c.opts.SecondaryTarget,
		"echo_cancellation", cons.EchoCancellation,
		"noise_suppression", cons.NoiseSuppression,
		"auto_gain_control", cons.AutoGainControl)

	args := c.recordArgs(c.opts.SecondaryTarget, false)
	if cons.EchoCancellation || cons.NoiseSuppression {
		args = append([]string{"-P", "{ media.role=Communication }"}, args...)
	}
	return c.open(ctx, "secondary", c.opts.SecondaryTarget, args)
}

func (c *PipeWireCapturer) recordArgs(target string, captureSink bool) []string {
	args := []string{
		"--rate", strconv.Itoa(c.opts.Format.SampleRate),
		"--channels", strconv.Itoa(c.opts.Format.Channels),
		"--format", "f32",
		"--raw",
	}
	if target != "" {
		args = append(args, "--target", target)
	}
	if captureSink {
		args = append(args, "-P", "{ stream.capture.sink=true }")
	}
	return append(args, "-")
}

func (c *PipeWireCapturer) open(ctx context.Context, role, target string, args []string) (Stream, error) {
	if _, err := exec.LookPath(c.command); err != nil {
		return nil, fmt.Errorf("%w: %s not found: %v", ErrUnavailable, c.command, err)
	}
	if err := c.pipewire.ValidateTarget(target); err != nil {
		return nil, err
	}

	s, err := startProcess(ctx, role, c.command, args)
	if err != nil {
		return nil, err
	}
	s.format = c.opts.Format

	slog.Info("Capture source opened", "role", role, "target", target)
	return s, nil
}

// startProcess runs name with stdout on a pipe owned by the stream. Wait only
// reaps the process and never closes that pipe, so the reader drains
// everything written before exit and then sees EOF.
func startProcess(ctx context.Context, role, name string, args []string) (*processStream, error) {
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create stdout pipe: %v", ErrUnavailable, err)
	}

	cmd := exec.Command(name, args...)
	cmd.Stdout = pw
	stderr, err := cmd.StderrPipe()
	if err != nil {
		pr.Close()
		pw.Close()
		return nil, fmt.Errorf("%w: failed to create stderr pipe: %v", ErrUnavailable, err)
	}

	slog.Debug("Starting pw-record", "role", role, "command", name+" "+strings.Join(args, " "))
	err = cmd.Start()
	// The child holds its own copy of the write end.
	pw.Close()
	if err != nil {
		pr.Close()
		return nil, classifyFailure(err.Error(), err)
	}

	s := &processStream{
		role:   role,
		cmd:    cmd,
		pipe:   pr,
		reader: bufio.NewReaderSize(pr, 64*1024),
		exited: make(chan struct{}),
	}
	stderrDone := make(chan struct{})
	go func() {
		s.readStderr(stderr)
		close(stderrDone)
	}()
	go func() {
		// StderrPipe is read to EOF before Wait closes it.
		<-stderrDone
		s.waitErr = cmd.Wait()
		close(s.exited)
	}()

	select {
	case <-s.exited:
		pr.Close()
		return nil, classifyFailure(s.stderrText(), s.waitErr)
	case <-ctx.Done():
		s.Stop()
		return nil, ctx.Err()
	case <-time.After(startupGrace):
	}
	return s, nil
}

// classifyFailure maps pw-record diagnostics onto the capture taxonomy.
func classifyFailure(stderr string, err error) error {
	lower := strings.ToLower(stderr)
	detail := strings.TrimSpace(stderr)
	if detail == "" && err != nil {
		detail = err.Error()
	}
	if detail == "" {
		detail = "process exited during startup"
	}

	switch {
	case strings.Contains(lower, "permission denied"),
		strings.Contains(lower, "access denied"),
		strings.Contains(lower, "not allowed"),
		errors.Is(err, os.ErrPermission):
		return fmt.Errorf("%w: %s", ErrDenied, detail)
	default:
		return fmt.Errorf("%w: %s", ErrUnavailable, detail)
	}
}

// processStream is a capture track backed by a pw-record process.
type processStream struct {
	role   string
	format Format
	cmd    *exec.Cmd
	pipe   *os.File
	reader *bufio.Reader
	buf    []byte

	stderrMu  sync.Mutex
	stderrBuf strings.Builder

	exited   chan struct{}
	waitErr  error
	stopOnce sync.Once
}

func (s *processStream) Read(p []float32) (int, error) {
	need := len(p) * 4
	if cap(s.buf) < need {
		s.buf = make([]byte, need)
	}
	buf := s.buf[:need]

	n, err := io.ReadFull(s.reader, buf)
	samples := n / 4
	for i := 0; i < samples; i++ {
		p[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}

	switch {
	case err == nil:
		return samples, nil
	case errors.Is(err, io.ErrUnexpectedEOF) && samples > 0:
		return samples, nil
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, os.ErrClosed):
		return samples, io.EOF
	default:
		return samples, err
	}
}

func (s *processStream) Format() Format {
	return s.format
}

// Stop interrupts pw-record and waits for it to exit, killing it if it does
// not within two seconds.
func (s *processStream) Stop() error {
	s.stopOnce.Do(func() {
		if s.cmd.Process == nil {
			return
		}
		if err := s.cmd.Process.Signal(os.Interrupt); err != nil {
			slog.Debug("Failed to interrupt pw-record, killing", "role", s.role, "error", err)
			s.cmd.Process.Kill()
		}

		select {
		case <-s.exited:
		case <-time.After(2 * time.Second):
			slog.Warn("pw-record did not exit within timeout, force killing", "role", s.role)
			s.cmd.Process.Kill()
			<-s.exited
		}
		s.pipe.Close()
		slog.Debug("Capture source stopped", "role", s.role)
	})
	return nil
}

func (s *processStream) readStderr(pipe io.ReadCloser) {
	scanner := bufio.NewScanner(pipe)
	for scanner.Scan() {
		line := scanner.Text()
		s.stderrMu.Lock()
		s.stderrBuf.WriteString(line + "\n")
		s.stderrMu.Unlock()
		slog.Debug("pw-record output", "role", s.role, "line", line)
	}
}

func (s *processStream) stderrText() string {
	s.stderrMu.Lock()
	defer s.stderrMu.Unlock()
	return s.stderrBuf.String()
}
