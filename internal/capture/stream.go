package capture

import (
	"io"
	"sync"
	"time"
)

// SliceStream plays back an in-memory buffer of interleaved samples.
type SliceStream struct {
	format   Format
	samples  []float32
	realtime bool

	mu      sync.Mutex
	pos     int
	stopped bool
	started time.Time
}

// NewSliceStream wraps samples as a Stream. With realtime set, Read paces
// delivery so samples come out no faster than the sample rate.
func NewSliceStream(format Format, samples []float32, realtime bool) *SliceStream {
	return &SliceStream{format: format, samples: samples, realtime: realtime}
}

func (s *SliceStream) Read(p []float32) (int, error) {
	s.mu.Lock()
	if s.stopped || s.pos >= len(s.samples) {
		s.mu.Unlock()
		return 0, io.EOF
	}
	if s.started.IsZero() {
		s.started = time.Now()
	}
	n := copy(p, s.samples[s.pos:])
	s.pos += n
	due := s.started.Add(s.offset(s.pos))
	s.mu.Unlock()

	if s.realtime {
		if wait := time.Until(due); wait > 0 {
			time.Sleep(wait)
		}
	}
	return n, nil
}

// offset is the playback time of the sample at index pos.
func (s *SliceStream) offset(pos int) time.Duration {
	frames := pos / s.format.Channels
	return time.Duration(frames) * time.Second / time.Duration(s.format.SampleRate)
}

func (s *SliceStream) Format() Format {
	return s.format
}

func (s *SliceStream) Stop() error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	return nil
}

// Remix converts interleaved samples between channel counts. Mono input is
// copied to every output channel and mono output is the average of the
// input channels. Other layouts keep the shared channels.
func Remix(samples []float32, from, to int) []float32 {
	if from == to || from <= 0 || to <= 0 {
		return samples
	}

	frames := len(samples) / from
	out := make([]float32, frames*to)
	for f := 0; f < frames; f++ {
		in := samples[f*from : (f+1)*from]
		if from == 1 {
			for c := 0; c < to; c++ {
				out[f*to+c] = in[0]
			}
			continue
		}
		var sum float32
		for _, v := range in {
			sum += v
		}
		avg := sum / float32(from)
		if to == 1 {
			out[f] = avg
			continue
		}
		for c := 0; c < to; c++ {
			if c < from {
				out[f*to+c] = in[c]
			} else {
				out[f*to+c] = avg
			}
		}
	}
	return out
}
