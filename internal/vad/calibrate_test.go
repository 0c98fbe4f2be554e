package vad

import (
	"errors"
	"testing"
	"time"

	"github.com/chaz8081/gostt-live/internal/audio/audiotest"
)

func fixtures() (speech, silence [][]float32) {
	for seed := uint64(1); seed <= 4; seed++ {
		speech = append(speech, audiotest.Speech(time.Second, seed))
		silence = append(silence, audiotest.Silence(time.Second, seed))
	}
	return speech, silence
}

func TestEnergyDefaultThresholdMatchesCalibration(t *testing.T) {
	speech, silence := fixtures()
	m := NewEnergyModel()

	c, err := Calibrate(m, 512, speech, silence)
	if err != nil {
		t.Fatalf("Calibrate() error = %v", err)
	}
	if c.SpeechWindows != 4*31 || c.SilenceWindows != 4*31 {
		t.Errorf("scored %d/%d windows, want 124/124", c.SpeechWindows, c.SilenceWindows)
	}
	if c.SpeechMin <= EnergyDefaultThreshold {
		t.Errorf("quietest speech window scores %v, at or below default %v", c.SpeechMin, EnergyDefaultThreshold)
	}
	if c.SilenceMax >= EnergyDefaultThreshold {
		t.Errorf("loudest silence window scores %v, at or above default %v", c.SilenceMax, EnergyDefaultThreshold)
	}
}

func TestCalibrateFindsThresholdInModelScale(t *testing.T) {
	speech, silence := fixtures()
	m := scaledModel{inner: NewEnergyModel(), factor: 0.004}

	c, err := Calibrate(m, 512, speech, silence)
	if err != nil {
		t.Fatalf("Calibrate() error = %v", err)
	}
	if c.SpeechMax > 0.004 {
		t.Fatalf("scaled model produced %v, above its scale", c.SpeechMax)
	}
	if !(c.SilenceP95 < c.Recommended && c.Recommended < c.SpeechMedian) {
		t.Errorf("Recommended %v not between silence p95 %v and speech median %v", c.Recommended, c.SilenceP95, c.SpeechMedian)
	}

	// A "typical" 0.5 would never trigger on this model; the calibrated one does.
	if c.SpeechMax >= 0.5 {
		t.Fatal("fixture unexpectedly reaches 0.5")
	}
	d := newDetector(t, m, func(cfg *Config) { cfg.Threshold = c.Recommended })
	samples := audiotest.Script(audiotest.Speak(time.Second), audiotest.Pause(time.Second))
	if segs := run(t, d, samples, chunk100ms); len(segs) != 1 {
		t.Errorf("calibrated threshold found %d segments, want 1", len(segs))
	}
}

func TestCalibrateRejectsInseparableModel(t *testing.T) {
	speech, silence := fixtures()
	m := scaledModel{inner: NewEnergyModel(), factor: 0}

	_, err := Calibrate(m, 512, speech, silence)
	if !errors.Is(err, ErrNotSeparable) {
		t.Errorf("Calibrate() error = %v, want ErrNotSeparable", err)
	}
}

func TestCalibrateNeedsFixtures(t *testing.T) {
	if _, err := Calibrate(NewEnergyModel(), 512, nil, nil); err == nil {
		t.Error("Calibrate() with no fixtures should fail")
	}
}

func TestDefaultThreshold(t *testing.T) {
	if got := DefaultThreshold("silero"); got != SileroDefaultThreshold {
		t.Errorf("DefaultThreshold(silero) = %v, want %v", got, SileroDefaultThreshold)
	}
	if got := DefaultThreshold("energy"); got != EnergyDefaultThreshold {
		t.Errorf("DefaultThreshold(energy) = %v, want %v", got, EnergyDefaultThreshold)
	}
}

func TestLevelDB(t *testing.T) {
	if got := LevelDB(make([]float32, 64)); got != -100 {
		t.Errorf("LevelDB(zeros) = %v, want -100", got)
	}
	full := make([]float32, 64)
	for i := range full {
		full[i] = 1
	}
	if got := LevelDB(full); got != 0 {
		t.Errorf("LevelDB(ones) = %v, want 0", got)
	}
}
