package mix

import (
	"math"
	"time"
)

// DynamicsParams configures a compressor.
type DynamicsParams struct {
	ThresholdDB float64       `mapstructure:"threshold_db" yaml:"threshold_db"`
	KneeDB      float64       `mapstructure:"knee_db" yaml:"knee_db"`
	Ratio       float64       `mapstructure:"ratio" yaml:"ratio"`
	Attack      time.Duration `mapstructure:"attack" yaml:"attack"`
	Release     time.Duration `mapstructure:"release" yaml:"release"`
}

// DefaultDynamics is the compression applied to every source in the mix.
var DefaultDynamics = DynamicsParams{
	ThresholdDB: -50,
	KneeDB:      40,
	Ratio:       12,
	Attack:      0,
	Release:     250 * time.Millisecond,
}

// silenceDB is the detector floor; quieter frames are treated as silence.
const silenceDB = -180.0

// Compressor is a feed-forward peak compressor with a soft knee. The gain
// reduction follows the detector through an attack/release envelope and is
// applied equally to every channel of a frame.
type Compressor struct {
	params   DynamicsParams
	channels int

	attackCoeff  float64
	releaseCoeff float64

	// envelope is the current gain reduction in dB, always <= 0.
	envelope float64
}

// NewCompressor creates a compressor for interleaved audio at sampleRate.
func NewCompressor(params DynamicsParams, sampleRate, channels int) *Compressor {
	return &Compressor{
		params:       params,
		channels:     channels,
		attackCoeff:  smoothingCoeff(params.Attack, sampleRate),
		releaseCoeff: smoothingCoeff(params.Release, sampleRate),
	}
}

// smoothingCoeff is the one-pole coefficient reaching ~63% of a step
// within d. A zero duration responds instantly.
func smoothingCoeff(d time.Duration, sampleRate int) float64 {
	if d <= 0 || sampleRate <= 0 {
		return 0
	}
	return math.Exp(-1 / (d.Seconds() * float64(sampleRate)))
}

// Process compresses block in place.
func (c *Compressor) Process(block []float32) {
	if c.channels <= 0 {
		return
	}
	for f := 0; f+c.channels <= len(block); f += c.channels {
		frame := block[f : f+c.channels]

		var peak float64
		for _, v := range frame {
			if a := math.Abs(float64(v)); a > peak {
				peak = a
			}
		}

		target := c.gainReduction(toDB(peak))
		coeff := c.releaseCoeff
		if target < c.envelope {
			coeff = c.attackCoeff
		}
		c.envelope = coeff*c.envelope + (1-coeff)*target

		gain := float32(fromDB(c.envelope))
		for i := range frame {
			frame[i] *= gain
		}
	}
}

// gainReduction is the static curve: the dB change applied to a frame at
// level dB.
func (c *Compressor) gainReduction(level float64) float64 {
	if level <= silenceDB {
		return 0
	}
	t, w, r := c.params.ThresholdDB, c.params.KneeDB, c.params.Ratio
	if r < 1 {
		r = 1
	}

	over := level - t
	var out float64
	switch {
	case 2*over < -w:
		out = level
	case w > 0 && 2*math.Abs(over) <= w:
		x := over + w/2
		out = level + (1/r-1)*x*x/(2*w)
	default:
		out = t + over/r
	}
	return out - level
}

// ApplyGain scales block in place.
func ApplyGain(block []float32, gain float64) {
	if gain == 1 {
		return
	}
	g := float32(gain)
	for i := range block {
		block[i] *= g
	}
}

func toDB(amplitude float64) float64 {
	if amplitude <= 0 {
		return silenceDB
	}
	db := 20 * math.Log10(amplitude)
	if db < silenceDB {
		return silenceDB
	}
	return db
}

func fromDB(db float64) float64 {
	return math.Pow(10, db/20)
}
