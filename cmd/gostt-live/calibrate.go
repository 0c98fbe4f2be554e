package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/chaz8081/gostt-live/internal/audio"
	"github.com/chaz8081/gostt-live/internal/config"
	"github.com/chaz8081/gostt-live/internal/vad"
)

// runCalibrate scores a speech and a silence recording with the configured
// VAD model and prints a threshold in that model's scale.
func runCalibrate(cfg *config.Config, files string) error {
	speechPath, silencePath, ok := strings.Cut(files, ",")
	if !ok {
		return errors.New("calibrate: want speech.wav,silence.wav")
	}
	speech, err := readMono(speechPath, int(cfg.Audio.SampleRate))
	if err != nil {
		return err
	}
	silence, err := readMono(silencePath, int(cfg.Audio.SampleRate))
	if err != nil {
		return err
	}

	m, err := newVAD(cfg)
	if err != nil {
		return err
	}
	if c, ok := m.(interface{ Close() error }); ok {
		defer c.Close()
	}

	cal, err := vad.Calibrate(m, cfg.VAD.WindowSize, [][]float32{speech}, [][]float32{silence})
	if err != nil {
		return err
	}
	fmt.Printf("VAD model: %s (scale max %.4g)\n", cfg.VAD.Model, m.Scale().Max)
	fmt.Printf("  speech   %5d windows  min %.4g  median %.4g  max %.4g\n",
		cal.SpeechWindows, cal.SpeechMin, cal.SpeechMedian, cal.SpeechMax)
	fmt.Printf("  silence  %5d windows  min %.4g  p95 %.4g  max %.4g\n",
		cal.SilenceWindows, cal.SilenceMin, cal.SilenceP95, cal.SilenceMax)
	fmt.Printf("\nvad:\n  threshold: %.4g\n", cal.Recommended)
	return nil
}

func readMono(path string, rate int) ([]float32, error) {
	samples, got, err := audio.ReadWAV(path)
	if err != nil {
		return nil, err
	}
	if got != rate {
		return nil, fmt.Errorf("calibrate: %s is %d Hz, want %d Hz", path, got, rate)
	}
	return samples, nil
}
