package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/chaz8081/gostt-live/internal/config"
	"github.com/chaz8081/gostt-live/internal/pipeline"
	"github.com/chaz8081/gostt-live/internal/resource"
	"github.com/chaz8081/gostt-live/internal/transcribe"
	"github.com/chaz8081/gostt-live/internal/vad"
)

// ErrConfiguration is wrapped by every error Start returns for a config it
// refuses to run with. Causes from config, vad and resource stay matchable
// with errors.Is.
var ErrConfiguration = errors.New("session: invalid configuration")

// Config is the per-session configuration. It is read once at Start.
type Config struct {
	// VADThreshold is in the VAD model's native output scale.
	VADThreshold float64
	MinSpeech    time.Duration
	MaxSpeech    time.Duration
	MinSilence   time.Duration
	WindowSize   int
	SampleRate   int

	MaxTokensPerFrame int
	BackendOverride   resource.Override
	// DecodeTimeout bounds one segment decode.
	DecodeTimeout time.Duration

	Backpressure pipeline.Policy
	// QueueChunks is the ingest queue capacity in chunks.
	QueueChunks int
}

// DefaultConfig returns the defaults for the energy VAD at 16 kHz with
// 100 ms chunks.
func DefaultConfig() Config {
	v := vad.DefaultConfig()
	return Config{
		VADThreshold:      v.Threshold,
		MinSpeech:         v.MinSpeech,
		MaxSpeech:         v.MaxSpeech,
		MinSilence:        v.MinSilence,
		WindowSize:        v.WindowSize,
		SampleRate:        v.SampleRate,
		MaxTokensPerFrame: transcribe.DefaultMaxTokensPerFrame,
		BackendOverride:   resource.OverrideAuto,
		DecodeTimeout:     10 * time.Second,
		Backpressure:      pipeline.DropNewest,
		QueueChunks:       pipeline.QueueChunks(10, 1600, v.SampleRate),
	}
}

func (c Config) vadConfig() vad.Config {
	return vad.Config{
		Threshold:  c.VADThreshold,
		SampleRate: c.SampleRate,
		WindowSize: c.WindowSize,
		MinSpeech:  c.MinSpeech,
		MaxSpeech:  c.MaxSpeech,
		MinSilence: c.MinSilence,
	}
}

// Validate checks c without looking at any model.
func (c Config) Validate() error {
	if err := c.vadConfig().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	switch {
	case c.MaxTokensPerFrame <= 0:
		return fmt.Errorf("%w: max tokens per frame must be > 0", ErrConfiguration)
	case c.DecodeTimeout <= 0:
		return fmt.Errorf("%w: decode timeout must be > 0", ErrConfiguration)
	case c.QueueChunks <= 0:
		return fmt.Errorf("%w: queue must hold at least one chunk", ErrConfiguration)
	}
	switch c.Backpressure {
	case pipeline.DropNewest, pipeline.Block:
	default:
		return fmt.Errorf("%w: backpressure %v", ErrConfiguration, c.Backpressure)
	}
	if _, err := resource.ParseOverride(c.BackendOverride.String()); err != nil {
		return fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	return nil
}

// FromConfig builds a session Config from the application config. An unset
// VAD threshold takes the model's calibrated default.
func FromConfig(c *config.Config) (Config, error) {
	if err := c.Validate(); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	override, err := resource.ParseOverride(c.Transcribe.Backend)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	policy, err := pipeline.ParsePolicy(c.Audio.Backpressure)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	threshold := vad.DefaultThreshold(c.VAD.Model)
	if c.VAD.Threshold != nil {
		threshold = *c.VAD.Threshold
	}
	rate := int(c.Audio.SampleRate)
	chunk := rate * c.Audio.ChunkMS / 1000

	return Config{
		VADThreshold:      threshold,
		MinSpeech:         seconds(c.VAD.MinSpeechS),
		MaxSpeech:         seconds(c.VAD.MaxSpeechS),
		MinSilence:        seconds(c.VAD.MinSilenceS),
		WindowSize:        c.VAD.WindowSize,
		SampleRate:        rate,
		MaxTokensPerFrame: c.Transcribe.MaxTokensPerFrame,
		BackendOverride:   override,
		DecodeTimeout:     c.Transcribe.DecodeTimeout,
		Backpressure:      policy,
		QueueChunks:       pipeline.QueueChunks(c.Audio.QueueSeconds, chunk, rate),
	}, nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
