package vad

import (
	"errors"
	"fmt"
	"math"
)

// ErrThresholdScale is returned when a threshold lies outside the range a
// model can actually produce. Such a threshold never triggers.
var ErrThresholdScale = errors.New("vad: threshold outside model output scale")

// Model scores one analysis window with a speech probability. Scores are in
// the model's native scale, which is not necessarily [0,1]-calibrated.
type Model interface {
	Probability(window []float32) (float64, error)
	// Reset clears any recurrent state between streams.
	Reset()
	Scale() Scale
}

// Scale describes the observed output range of a model and the threshold
// calibrated against that range.
type Scale struct {
	Min, Max         float64
	DefaultThreshold float64
}

// CheckThreshold rejects thresholds the model cannot reach.
func CheckThreshold(m Model, threshold float64) error {
	s := m.Scale()
	if threshold < 0 || threshold > 1 {
		return fmt.Errorf("%w: %v not in [0,1]", ErrThresholdScale, threshold)
	}
	if threshold > s.Max {
		return fmt.Errorf("%w: %v above model maximum %v (calibrated default %v)",
			ErrThresholdScale, threshold, s.Max, s.DefaultThreshold)
	}
	return nil
}

// Energy model constants. The logistic is centred at -40 dBFS, so room
// noise scores near 0 and normal speech near 1.
const (
	energyMidpointDB = -40.0
	energySlopeDB    = 3.0
	energyFloorDB    = -100.0

	// EnergyDefaultThreshold was calibrated with Calibrate against the
	// speech and silence fixtures in audiotest.
	EnergyDefaultThreshold = 0.5
)

// EnergyModel maps window RMS level in dBFS through a logistic curve onto
// [0,1]. It needs no model file and is stateless.
type EnergyModel struct{}

// NewEnergyModel returns an EnergyModel.
func NewEnergyModel() *EnergyModel { return &EnergyModel{} }

// Probability implements Model.
func (EnergyModel) Probability(window []float32) (float64, error) {
	if len(window) == 0 {
		return 0, errors.New("vad: empty window")
	}
	db := LevelDB(window)
	return 1 / (1 + math.Exp(-(db-energyMidpointDB)/energySlopeDB)), nil
}

// Reset implements Model.
func (EnergyModel) Reset() {}

// Scale implements Model.
func (EnergyModel) Scale() Scale {
	return Scale{Min: 0, Max: 1, DefaultThreshold: EnergyDefaultThreshold}
}

// LevelDB returns the RMS level of samples in dBFS, floored at -100.
func LevelDB(samples []float32) float64 {
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	if len(samples) == 0 || sum == 0 {
		return energyFloorDB
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	return max(20*math.Log10(rms), energyFloorDB)
}

// DefaultThreshold returns the calibrated default threshold for a model
// kind as named in configuration.
func DefaultThreshold(kind string) float64 {
	switch kind {
	case "silero":
		return SileroDefaultThreshold
	default:
		return EnergyDefaultThreshold
	}
}
