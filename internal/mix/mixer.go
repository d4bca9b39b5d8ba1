// Package mix merges the primary and optional secondary capture sources into
// the single stream handed to the encoder.
package mix

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/audiolibrelab/notecapture/internal/capture"
)

// Options configure the graph built by AcquireAndMix.
type Options struct {
	Dynamics DynamicsParams
	// SecondaryGain boosts the microphone ahead of its compressor.
	SecondaryGain float64
	BlockFrames   int
	// Monitor plays the primary source back live. Nil disables monitoring.
	Monitor MonitorFactory
}

// DefaultOptions returns the standard mix: both sources compressed at the
// default dynamics with the microphone boosted by 1.5.
func DefaultOptions() Options {
	return Options{
		Dynamics:      DefaultDynamics,
		SecondaryGain: 1.5,
		BlockFrames:   1024,
	}
}

// secondaryBacklog bounds how far the microphone may run ahead of the
// primary clock before old samples are dropped.
const secondaryBacklog = time.Second

// Mixed is one running mixing graph.
type Mixed struct {
	// Output is the merged stream.
	Output capture.Stream
	// Context must be closed by the owner once the graph is no longer read.
	Context *Context
	// Secondary reports whether a microphone joined the mix.
	Secondary bool
	// Cleanup stops every acquired source track. Only the first call has an
	// effect.
	Cleanup func()
}

// Mixer builds mixing graphs against one capturer.
type Mixer struct {
	capturer capture.Capturer
	opts     Options
}

// New creates a Mixer that requests secondary sources from capturer.
func New(capturer capture.Capturer, opts Options) *Mixer {
	return &Mixer{capturer: capturer, opts: opts}
}

// AcquireAndMix builds a graph around primary. See the package-level
// AcquireAndMix.
func (m *Mixer) AcquireAndMix(ctx context.Context, primary capture.Stream) (*Mixed, error) {
	return AcquireAndMix(ctx, m.capturer, primary, m.opts)
}

// AcquireAndMix opens a processing context, tries to add a secondary source
// from capturer and starts mixing. Primary runs through a compressor into the
// mix and uncompressed into the monitor; the secondary, if any, runs through
// a gain stage and its own compressor into the mix. It fails only if the
// context cannot be built.
func AcquireAndMix(ctx context.Context, capturer capture.Capturer, primary capture.Stream, opts Options) (*Mixed, error) {
	if primary == nil {
		return nil, fmt.Errorf("%w: no primary source", capture.ErrUnavailable)
	}
	if opts.BlockFrames == 0 {
		opts.BlockFrames = DefaultOptions().BlockFrames
	}
	if opts.Dynamics == (DynamicsParams{}) {
		opts.Dynamics = DefaultDynamics
	}

	format := primary.Format()
	ac, err := NewContext(format, opts.BlockFrames)
	if err != nil {
		return nil, err
	}

	secondary := acquireSecondary(ctx, capturer, format)

	var monitor Sink
	if opts.Monitor != nil {
		monitor, err = opts.Monitor(format)
		if err != nil {
			slog.Warn("Monitor playback unavailable", "error", err)
			monitor = nil
		}
	}

	g := &graph{
		ac:            ac,
		primaryComp:   NewCompressor(opts.Dynamics, format.SampleRate, format.Channels),
		secondaryGain: opts.SecondaryGain,
	}

	primaryBlocks := make(chan []float32, 8)
	go readPrimary(ac, primary, monitor, primaryBlocks)

	if secondary != nil {
		g.secondaryComp = NewCompressor(opts.Dynamics, format.SampleRate, format.Channels)
		g.secondary = newSampleQueue(int(secondaryBacklog.Seconds()*float64(format.SampleRate))*format.Channels, format.Channels)
		go readSecondary(ac, secondary, g.secondary)
	}

	out := make(chan []float32, 8)
	ac.Go(func() {
		g.run(primaryBlocks, out)
	})

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			primary.Stop()
			if secondary != nil {
				secondary.Stop()
			}
			if monitor != nil {
				monitor.Close()
			}
			slog.Debug("Mix sources released", "secondary", secondary != nil)
		})
	}

	slog.Info("Mixer started",
		"sample_rate", format.SampleRate,
		"channels", format.Channels,
		"secondary", secondary != nil,
		"monitor", monitor != nil)

	return &Mixed{
		Output:    &Output{ac: ac, blocks: out},
		Context:   ac,
		Secondary: secondary != nil,
		Cleanup:   cleanup,
	}, nil
}

// acquireSecondary returns the microphone stream, or nil when there is none.
// Failures are never propagated.
func acquireSecondary(ctx context.Context, capturer capture.Capturer, format capture.Format) capture.Stream {
	if capturer == nil {
		return nil
	}

	s, err := capturer.RequestSecondary(ctx, capture.MicrophoneConstraints)
	if err != nil {
		reason := "other"
		switch {
		case errors.Is(err, capture.ErrDenied):
			reason = "denied"
		case errors.Is(err, capture.ErrUnavailable):
			reason = "not found"
		}
		slog.Warn("Continuing without secondary source", "reason", reason, "error", err)
		return nil
	}

	if sf := s.Format(); sf.SampleRate != format.SampleRate {
		slog.Warn("Continuing without secondary source", "reason", "other",
			"error", fmt.Sprintf("sample rate %d does not match %d", sf.SampleRate, format.SampleRate))
		s.Stop()
		return nil
	}
	return s
}

type graph struct {
	ac            *Context
	primaryComp   *Compressor
	secondaryComp *Compressor
	secondaryGain float64
	secondary     *sampleQueue
}

// run is clocked by the primary source. Once the primary ends it keeps
// producing silent blocks in real time until the context closes.
func (g *graph) run(primary <-chan []float32, out chan<- []float32) {
	var silence <-chan time.Time
	for {
		var block []float32
		select {
		case b, ok := <-primary:
			if !ok {
				slog.Debug("Primary source ended, mixing silence until stopped")
				primary = nil
				ticker := time.NewTicker(g.blockDuration())
				defer ticker.Stop()
				silence = ticker.C
				continue
			}
			block = b
		case <-silence:
			block = make([]float32, g.ac.BlockSize())
		case <-g.ac.Done():
			return
		}

		select {
		case out <- g.mixBlock(block):
		case <-g.ac.Done():
			return
		}
	}
}

func (g *graph) blockDuration() time.Duration {
	format := g.ac.Format()
	return time.Duration(g.ac.blockFrames) * time.Second / time.Duration(format.SampleRate)
}

// mixBlock sums the compressed primary block with the same span of the
// secondary. The mixer stage itself has unity gain.
func (g *graph) mixBlock(primary []float32) []float32 {
	g.primaryComp.Process(primary)
	if g.secondary == nil {
		return primary
	}

	sec := make([]float32, len(primary))
	g.secondary.pop(sec)
	ApplyGain(sec, g.secondaryGain)
	g.secondaryComp.Process(sec)
	for i := range primary {
		primary[i] += sec[i]
	}
	return primary
}

func readPrimary(ac *Context, s capture.Stream, monitor Sink, blocks chan<- []float32) {
	defer close(blocks)
	buf := make([]float32, ac.BlockSize())
	for {
		n, err := s.Read(buf)
		if n > 0 {
			block := make([]float32, n)
			copy(block, buf[:n])
			if monitor != nil {
				monitor.Write(block)
			}
			select {
			case blocks <- block:
			case <-ac.Done():
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Warn("Primary source read failed", "error", err)
			}
			return
		}
	}
}

func readSecondary(ac *Context, s capture.Stream, q *sampleQueue) {
	channels := ac.Format().Channels
	from := s.Format().Channels
	buf := make([]float32, ac.BlockSize())
	for {
		n, err := s.Read(buf)
		if n > 0 {
			q.push(capture.Remix(buf[:n], from, channels))
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Warn("Secondary source read failed", "error", err)
			}
			return
		}
		select {
		case <-ac.Done():
			return
		default:
		}
	}
}

// sampleQueue buffers secondary samples between its reader and the mix
// loop.
type sampleQueue struct {
	mu       sync.Mutex
	buf      []float32
	limit    int
	channels int
}

func newSampleQueue(limit, channels int) *sampleQueue {
	return &sampleQueue{limit: limit, channels: channels}
}

func (q *sampleQueue) push(samples []float32) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.buf = append(q.buf, samples...)
	if over := len(q.buf) - q.limit; over > 0 {
		if rem := over % q.channels; rem != 0 {
			over += q.channels - rem
		}
		if over > len(q.buf) {
			over = len(q.buf)
		}
		q.buf = q.buf[over:]
	}
}

// pop fills dst from the queue and zero-fills whatever it could not supply.
func (q *sampleQueue) pop(dst []float32) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := copy(dst, q.buf)
	q.buf = q.buf[n:]
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
	return n
}

// Output is the merged stream of a graph. It ends when the context closes.
type Output struct {
	ac      *Context
	blocks  <-chan []float32
	pending []float32
}

func (o *Output) Read(p []float32) (int, error) {
	select {
	case <-o.ac.Done():
		return 0, io.EOF
	default:
	}
	if len(o.pending) == 0 {
		select {
		case b := <-o.blocks:
			o.pending = b
		case <-o.ac.Done():
			return 0, io.EOF
		}
	}
	n := copy(p, o.pending)
	o.pending = o.pending[n:]
	return n, nil
}

func (o *Output) Format() capture.Format {
	return o.ac.Format()
}

// Stop closes the graph's context.
func (o *Output) Stop() error {
	return o.ac.Close()
}
