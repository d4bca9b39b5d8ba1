package mix

import (
	"math"
	"testing"
)

func TestCompressor_BelowKneeUnchanged(t *testing.T) {
	c := NewCompressor(DefaultDynamics, 48000, 1)
	block := []float32{1e-4, -1e-4, 1e-4}
	c.Process(block)

	for i, v := range block {
		if math.Abs(math.Abs(float64(v))-1e-4) > 1e-9 {
			t.Errorf("Sample %d: expected ±1e-4, got %v", i, v)
		}
	}
}

func TestCompressor_FullScaleReduction(t *testing.T) {
	c := NewCompressor(DefaultDynamics, 48000, 2)
	block := []float32{1, 1}
	c.Process(block)

	// 0 dBFS lands at -50 + 50/12 dB with instant attack.
	want := math.Pow(10, (-50+50.0/12)/20)
	for i, v := range block {
		if math.Abs(float64(v)-want) > 1e-4 {
			t.Errorf("Sample %d: expected %.5f, got %.5f", i, want, v)
		}
	}
}

func TestCompressor_SoftKneeAtThreshold(t *testing.T) {
	c := NewCompressor(DefaultDynamics, 48000, 1)

	got := c.gainReduction(-50)
	want := (1.0/12 - 1) * 20 * 20 / 80
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("Expected %.4f dB at threshold, got %.4f", want, got)
	}
	if c.gainReduction(silenceDB) != 0 {
		t.Error("Expected no reduction for silence")
	}
}

func TestCompressor_ReleaseRecovers(t *testing.T) {
	c := NewCompressor(DefaultDynamics, 48000, 1)
	c.Process([]float32{1})

	quiet := make([]float32, 96000)
	for i := range quiet {
		quiet[i] = 1e-4
	}
	c.Process(quiet)

	if quiet[0] >= 1e-4*0.5 {
		t.Errorf("Expected gain to still be reduced right after a peak, got %v", quiet[0])
	}
	if last := quiet[len(quiet)-1]; math.Abs(float64(last)-1e-4) > 1e-6 {
		t.Errorf("Expected gain to recover after two seconds, got %v", last)
	}
}

func TestApplyGain(t *testing.T) {
	block := []float32{0.5, -0.2}
	ApplyGain(block, 1.5)
	if math.Abs(float64(block[0])-0.75) > 1e-6 || math.Abs(float64(block[1])+0.3) > 1e-6 {
		t.Errorf("Unexpected gained block: %v", block)
	}
}
