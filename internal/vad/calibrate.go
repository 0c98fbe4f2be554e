package vad

import (
	"errors"
	"fmt"
	"math"
	"slices"
)

// ErrNotSeparable is returned by Calibrate when speech does not score above
// silence.
var ErrNotSeparable = errors.New("vad: speech and silence scores overlap")

// Calibration summarizes a model's real output on labelled fixtures.
type Calibration struct {
	SpeechMin, SpeechMedian, SpeechMax float64
	SilenceMin, SilenceP95, SilenceMax float64
	SpeechWindows, SilenceWindows      int
	// Recommended sits between silence p95 and the speech median. The
	// geometric mean is used so models with tiny output ranges get a
	// threshold in their own scale.
	Recommended float64
}

// Calibrate scores every full window of the speech and silence fixtures.
// The model is reset before each fixture.
func Calibrate(m Model, windowSize int, speech, silence [][]float32) (Calibration, error) {
	sp, err := scoreAll(m, windowSize, speech)
	if err != nil {
		return Calibration{}, err
	}
	si, err := scoreAll(m, windowSize, silence)
	if err != nil {
		return Calibration{}, err
	}
	if len(sp) == 0 || len(si) == 0 {
		return Calibration{}, errors.New("vad: calibration needs at least one speech and one silence window")
	}
	slices.Sort(sp)
	slices.Sort(si)

	c := Calibration{
		SpeechMin:      sp[0],
		SpeechMedian:   quantile(sp, 0.5),
		SpeechMax:      sp[len(sp)-1],
		SilenceMin:     si[0],
		SilenceP95:     quantile(si, 0.95),
		SilenceMax:     si[len(si)-1],
		SpeechWindows:  len(sp),
		SilenceWindows: len(si),
	}
	if c.SpeechMedian <= c.SilenceP95 {
		return c, fmt.Errorf("%w: speech median %.6g <= silence p95 %.6g", ErrNotSeparable, c.SpeechMedian, c.SilenceP95)
	}
	if c.SilenceP95 > 0 {
		c.Recommended = math.Sqrt(c.SilenceP95 * c.SpeechMedian)
	} else {
		c.Recommended = c.SpeechMedian / 2
	}
	return c, nil
}

func scoreAll(m Model, windowSize int, fixtures [][]float32) ([]float64, error) {
	var out []float64
	for _, f := range fixtures {
		m.Reset()
		for i := 0; i+windowSize <= len(f); i += windowSize {
			p, err := m.Probability(f[i : i+windowSize])
			if err != nil {
				return nil, fmt.Errorf("vad: calibration scoring: %w", err)
			}
			out = append(out, p)
		}
	}
	m.Reset()
	return out, nil
}

// quantile returns the q-quantile of sorted values (nearest rank).
func quantile(sorted []float64, q float64) float64 {
	idx := int(math.Ceil(q*float64(len(sorted)))) - 1
	return sorted[max(0, min(idx, len(sorted)-1))]
}
