// Package features turns PCM samples into the normalized log-mel
// spectrogram the speech encoder consumes.
package features

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
)

// ErrTooShort is returned for input shorter than one analysis window.
var ErrTooShort = errors.New("features: audio shorter than one window")

// logGuard keeps log() finite on silent bins.
const logGuard = 1.0 / (1 << 24)

// Config describes the analysis.
type Config struct {
	SampleRate  int
	NumMels     int
	WindowSize  int // samples, 25 ms at 16 kHz
	HopSize     int // samples, 10 ms at 16 kHz
	FFTSize     int
	Preemphasis float64
	// Normalize applies per-feature mean/variance normalization over time.
	Normalize bool
}

// DefaultConfig returns the 16 kHz, 128-mel configuration.
func DefaultConfig() Config {
	return Config{
		SampleRate:  16000,
		NumMels:     128,
		WindowSize:  400,
		HopSize:     160,
		FFTSize:     512,
		Preemphasis: 0.97,
		Normalize:   true,
	}
}

// Validate checks the configuration is usable.
func (c Config) Validate() error {
	switch {
	case c.SampleRate <= 0:
		return fmt.Errorf("features: sample rate %d", c.SampleRate)
	case c.NumMels <= 0:
		return fmt.Errorf("features: %d mel bins", c.NumMels)
	case c.WindowSize <= 0 || c.WindowSize > c.FFTSize:
		return fmt.Errorf("features: window %d must be in (0, fft size %d]", c.WindowSize, c.FFTSize)
	case c.HopSize <= 0:
		return fmt.Errorf("features: hop %d", c.HopSize)
	case c.Preemphasis < 0 || c.Preemphasis >= 1:
		return fmt.Errorf("features: preemphasis %v not in [0,1)", c.Preemphasis)
	}
	return nil
}

// Features is a log-mel spectrogram stored mel-major: Data[m*Frames+t].
type Features struct {
	Data   []float32
	Mels   int
	Frames int
}

// At returns the value of mel bin m at frame t.
func (f Features) At(m, t int) float32 { return f.Data[m*f.Frames+t] }

// Transposed returns the data frame-major: out[t*Mels+m].
func (f Features) Transposed() []float32 {
	out := make([]float32, len(f.Data))
	for m := 0; m < f.Mels; m++ {
		for t := 0; t < f.Frames; t++ {
			out[t*f.Mels+m] = f.Data[m*f.Frames+t]
		}
	}
	return out
}

// Extractor computes log-mel features. It is safe for concurrent use.
type Extractor struct {
	cfg     Config
	window  []float64
	filters [][]float64

	mu    sync.Mutex
	fft   *fourier.FFT
	frame []float64
	coeff []complex128
}

// NewExtractor builds the window and mel filterbank for cfg.
func NewExtractor(cfg Config) (*Extractor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Extractor{
		cfg:     cfg,
		window:  hann(cfg.WindowSize, cfg.FFTSize),
		filters: melFilterbank(cfg.NumMels, cfg.FFTSize, cfg.SampleRate),
		fft:     fourier.NewFFT(cfg.FFTSize),
		frame:   make([]float64, cfg.FFTSize),
		coeff:   make([]complex128, cfg.FFTSize/2+1),
	}, nil
}

// Config returns the extractor's configuration.
func (e *Extractor) Config() Config { return e.cfg }

// Frames returns the number of frames Extract yields for n samples.
func (e *Extractor) Frames(n int) int {
	if n < e.cfg.WindowSize {
		return 0
	}
	return 1 + n/e.cfg.HopSize
}

// Extract computes the spectrogram of samples. Frames are centred: the
// signal is zero-padded by half an FFT on both sides.
func (e *Extractor) Extract(samples []float32) (Features, error) {
	if len(samples) < e.cfg.WindowSize {
		return Features{}, fmt.Errorf("%w: %d samples", ErrTooShort, len(samples))
	}
	n := e.cfg.FFTSize
	pad := n / 2

	sig := make([]float64, len(samples)+2*pad)
	prev := 0.0
	for i, s := range samples {
		x := float64(s)
		sig[pad+i] = x - e.cfg.Preemphasis*prev
		prev = x
	}

	frames := e.Frames(len(samples))
	mels := e.cfg.NumMels
	out := Features{Data: make([]float32, mels*frames), Mels: mels, Frames: frames}
	power := make([]float64, n/2+1)

	e.mu.Lock()
	for t := 0; t < frames; t++ {
		start := t * e.cfg.HopSize
		for i := range e.frame {
			e.frame[i] = sig[start+i] * e.window[i]
		}
		e.coeff = e.fft.Coefficients(e.coeff, e.frame)
		for k, c := range e.coeff {
			re, im := real(c), imag(c)
			power[k] = re*re + im*im
		}
		for m, filt := range e.filters {
			var sum float64
			for k, w := range filt {
				if w != 0 {
					sum += w * power[k]
				}
			}
			out.Data[m*frames+t] = float32(math.Log(sum + logGuard))
		}
	}
	e.mu.Unlock()

	if e.cfg.Normalize {
		normalize(out)
	}
	return out, nil
}

// normalize scales each mel bin to zero mean and unit variance over time.
func normalize(f Features) {
	if f.Frames < 2 {
		return
	}
	for m := 0; m < f.Mels; m++ {
		row := f.Data[m*f.Frames : (m+1)*f.Frames]
		var mean float64
		for _, v := range row {
			mean += float64(v)
		}
		mean /= float64(len(row))
		var ss float64
		for _, v := range row {
			d := float64(v) - mean
			ss += d * d
		}
		std := math.Sqrt(ss/float64(len(row)-1)) + 1e-5
		for i, v := range row {
			row[i] = float32((float64(v) - mean) / std)
		}
	}
}

// hann returns a periodic Hann window of length win centred in n.
func hann(win, n int) []float64 {
	w := make([]float64, n)
	off := (n - win) / 2
	for i := 0; i < win; i++ {
		w[off+i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(win))
	}
	return w
}

func hzToMel(hz float64) float64 { return 2595 * math.Log10(1+hz/700) }
func melToHz(mel float64) float64 { return 700 * (math.Pow(10, mel/2595) - 1) }

// melFilterbank returns area-normalized triangular filters over the
// n/2+1 FFT bins, spaced evenly on the mel scale up to Nyquist.
func melFilterbank(mels, n, rate int) [][]float64 {
	bins := n/2 + 1
	lo, hi := hzToMel(0), hzToMel(float64(rate)/2)
	edges := make([]float64, mels+2)
	for i := range edges {
		edges[i] = melToHz(lo + (hi-lo)*float64(i)/float64(mels+1))
	}
	binHz := float64(rate) / float64(n)

	filters := make([][]float64, mels)
	for m := range filters {
		left, center, right := edges[m], edges[m+1], edges[m+2]
		f := make([]float64, bins)
		norm := 2 / (right - left)
		for k := range f {
			hz := float64(k) * binHz
			switch {
			case hz > left && hz <= center:
				f[k] = norm * (hz - left) / (center - left)
			case hz > center && hz < right:
				f[k] = norm * (right - hz) / (right - center)
			}
		}
		filters[m] = f
	}
	return filters
}
