package features

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/chaz8081/gostt-live/internal/audio/audiotest"
)

func tone(hz float64, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(0.5 * math.Sin(2*math.Pi*hz*float64(i)/16000))
	}
	return out
}

func newExtractor(t *testing.T, modify func(*Config)) *Extractor {
	t.Helper()
	cfg := DefaultConfig()
	if modify != nil {
		modify(&cfg)
	}
	e, err := NewExtractor(cfg)
	if err != nil {
		t.Fatalf("NewExtractor() error = %v", err)
	}
	return e
}

func TestExtractShape(t *testing.T) {
	e := newExtractor(t, nil)
	f, err := e.Extract(make([]float32, 16000))
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if f.Mels != 128 || f.Frames != 101 || len(f.Data) != 128*101 {
		t.Errorf("shape = %d mels x %d frames (%d values), want 128 x 101", f.Mels, f.Frames, len(f.Data))
	}
	if e.Frames(16000) != f.Frames {
		t.Errorf("Frames() = %d, Extract gave %d", e.Frames(16000), f.Frames)
	}
}

func TestExtractTooShort(t *testing.T) {
	e := newExtractor(t, nil)
	if _, err := e.Extract(make([]float32, 100)); !errors.Is(err, ErrTooShort) {
		t.Errorf("Extract(100 samples) error = %v, want ErrTooShort", err)
	}
}

func TestToneEnergyLandsInMatchingBins(t *testing.T) {
	e := newExtractor(t, func(c *Config) { c.Normalize = false; c.NumMels = 80 })
	low, err := e.Extract(tone(300, 8000))
	if err != nil {
		t.Fatal(err)
	}
	high, err := e.Extract(tone(4000, 8000))
	if err != nil {
		t.Fatal(err)
	}

	peak := func(f Features, frame int) int {
		best := 0
		for m := 1; m < f.Mels; m++ {
			if f.At(m, frame) > f.At(best, frame) {
				best = m
			}
		}
		return best
	}
	mid := low.Frames / 2
	if pl, ph := peak(low, mid), peak(high, mid); pl >= ph {
		t.Errorf("300 Hz peaks at mel %d, 4 kHz at mel %d; want low < high", pl, ph)
	}
}

func TestNormalizeGivesZeroMeanUnitVariance(t *testing.T) {
	e := newExtractor(t, nil)
	f, err := e.Extract(audiotest.Speech(time.Second, 3))
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range []int{10, 60, 120} {
		var mean, ss float64
		for i := 0; i < f.Frames; i++ {
			mean += float64(f.At(m, i))
		}
		mean /= float64(f.Frames)
		for i := 0; i < f.Frames; i++ {
			d := float64(f.At(m, i)) - mean
			ss += d * d
		}
		std := math.Sqrt(ss / float64(f.Frames-1))
		if math.Abs(mean) > 1e-3 || math.Abs(std-1) > 1e-2 {
			t.Errorf("mel %d: mean %v std %v", m, mean, std)
		}
	}
}

func TestExtractIsDeterministic(t *testing.T) {
	e := newExtractor(t, nil)
	samples := audiotest.Speech(500*time.Millisecond, 9)
	a, _ := e.Extract(samples)
	b, _ := e.Extract(samples)
	for i := range a.Data {
		if a.Data[i] != b.Data[i] {
			t.Fatalf("value %d differs: %v vs %v", i, a.Data[i], b.Data[i])
		}
	}
}

func TestTransposed(t *testing.T) {
	f := Features{Data: []float32{1, 2, 3, 4, 5, 6}, Mels: 2, Frames: 3}
	got := f.Transposed()
	want := []float32{1, 4, 2, 5, 3, 6}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Transposed() = %v, want %v", got, want)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"window larger than fft", func(c *Config) { c.WindowSize = 1024 }},
		{"zero mels", func(c *Config) { c.NumMels = 0 }},
		{"zero hop", func(c *Config) { c.HopSize = 0 }},
		{"preemphasis one", func(c *Config) { c.Preemphasis = 1 }},
	}
	for _, tt := range tests {
		cfg := DefaultConfig()
		tt.modify(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: Validate() = nil", tt.name)
		}
	}
}
