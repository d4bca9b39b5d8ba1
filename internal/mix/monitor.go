package mix

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/audiolibrelab/notecapture/internal/capture"
)

// Sink receives the monitored primary signal.
type Sink interface {
	Write(block []float32) error
	Close() error
}

// MonitorFactory opens a monitor sink for a graph running at format.
type MonitorFactory func(format capture.Format) (Sink, error)

// monitorQueue is how many blocks a slow player may fall behind before
// blocks are dropped.
const monitorQueue = 32

// NewPlayerMonitor returns a factory that plays the monitor signal through
// the first available player. An empty target plays to the default sink.
func NewPlayerMonitor(target string) MonitorFactory {
	return func(format capture.Format) (Sink, error) {
		player, err := findAudioPlayer()
		if err != nil {
			return nil, fmt.Errorf("no suitable audio player found: %w", err)
		}
		return startPlayer(player, playerArgs(player, target, format))
	}
}

func findAudioPlayer() (string, error) {
	// Players in order of preference; all of them accept raw float PCM on stdin
	players := []string{"pw-play", "ffplay", "aplay"}

	for _, player := range players {
		if _, err := exec.LookPath(player); err == nil {
			return player, nil
		}
	}

	return "", fmt.Errorf("no audio player found (tried: %s)", strings.Join(players, ", "))
}

func playerArgs(player, target string, format capture.Format) []string {
	rate := strconv.Itoa(format.SampleRate)
	channels := strconv.Itoa(format.Channels)

	switch player {
	case "pw-play":
		args := []string{"--rate", rate, "--channels", channels, "--format", "f32", "--raw"}
		if target != "" {
			args = append(args, "--target", target)
		}
		return append(args, "-")
	case "ffplay":
		return []string{"-nodisp", "-loglevel", "error", "-f", "f32le", "-ar", rate, "-ac", channels, "-i", "pipe:0"}
	default:
		return []string{"-q", "-t", "raw", "-f", "FLOAT_LE", "-r", rate, "-c", channels, "-"}
	}
}

// playerSink feeds a player process from a queue so the graph never waits
// on it.
type playerSink struct {
	player string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	queue  chan []float32
	done   chan struct{}

	mu      sync.Mutex
	closed  bool
	dropped int
}

func startPlayer(player string, args []string) (*playerSink, error) {
	cmd := exec.Command(player, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	slog.Debug("Starting monitor player", "command", player+" "+strings.Join(args, " "))
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", player, err)
	}

	s := &playerSink{
		player: player,
		cmd:    cmd,
		stdin:  stdin,
		queue:  make(chan []float32, monitorQueue),
		done:   make(chan struct{}),
	}
	go s.run()
	return s, nil
}

func (s *playerSink) run() {
	defer close(s.done)

	var buf []byte
	for block := range s.queue {
		if cap(buf) < len(block)*4 {
			buf = make([]byte, len(block)*4)
		}
		buf = buf[:len(block)*4]
		for i, v := range block {
			binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
		}
		if _, err := s.stdin.Write(buf); err != nil {
			slog.Warn("Monitor playback stopped", "player", s.player, "error", err)
			for range s.queue {
			}
			return
		}
	}
}

// Write queues a copy of block, dropping it if the player is behind.
func (s *playerSink) Write(block []float32) error {
	b := make([]float32, len(block))
	copy(b, block)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	select {
	case s.queue <- b:
	default:
		s.dropped++
	}
	return nil
}

func (s *playerSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	dropped := s.dropped
	s.mu.Unlock()

	<-s.done
	s.stdin.Close()
	if err := s.cmd.Wait(); err != nil {
		slog.Debug("Monitor player exited", "player", s.player, "error", err)
	}
	if dropped > 0 {
		slog.Debug("Monitor dropped blocks", "count", dropped)
	}
	return nil
}
