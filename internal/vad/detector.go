// Package vad segments an audio stream into utterances using a windowed
// speech-probability model and a two-state trigger.
package vad

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chaz8081/gostt-live/internal/audio"
)

// Config controls segmentation. Threshold is in the model's native scale.
type Config struct {
	Threshold  float64
	SampleRate int
	WindowSize int
	MinSpeech  time.Duration
	MaxSpeech  time.Duration
	MinSilence time.Duration
}

// DefaultConfig returns 16 kHz settings with 32 ms windows and the energy
// model's calibrated threshold.
func DefaultConfig() Config {
	return Config{
		Threshold:  EnergyDefaultThreshold,
		SampleRate: 16000,
		WindowSize: 512,
		MinSpeech:  250 * time.Millisecond,
		MaxSpeech:  30 * time.Second,
		MinSilence: 500 * time.Millisecond,
	}
}

// Validate checks that the durations are consistent with each other and the
// window size.
func (c Config) Validate() error {
	switch {
	case c.Threshold < 0 || c.Threshold > 1:
		return fmt.Errorf("vad: threshold %v not in [0,1]", c.Threshold)
	case c.SampleRate <= 0:
		return errors.New("vad: sample rate must be > 0")
	case c.WindowSize <= 0:
		return errors.New("vad: window size must be > 0")
	case c.MinSpeech <= 0 || c.MinSilence <= 0:
		return errors.New("vad: min speech and min silence must be > 0")
	case c.MaxSpeech < c.MinSpeech:
		return fmt.Errorf("vad: max speech %v below min speech %v", c.MaxSpeech, c.MinSpeech)
	case audio.DurationToSamples(c.MaxSpeech, c.SampleRate) < 2*c.WindowSize:
		return fmt.Errorf("vad: max speech %v shorter than two windows", c.MaxSpeech)
	}
	return nil
}

// Segment is one detected utterance.
type Segment struct {
	Samples []float32
	Start   time.Duration
	End     time.Duration
	Seq     uint64
	// Forced is set when the segment was cut at the max speech length.
	Forced bool
}

// Duration returns End - Start.
func (s Segment) Duration() time.Duration { return s.End - s.Start }

// Outcome classifies the result of processing one chunk.
type Outcome int

const (
	Silence Outcome = iota
	Speech
	SegmentReady
)

func (o Outcome) String() string {
	switch o {
	case Silence:
		return "silence"
	case Speech:
		return "speech"
	case SegmentReady:
		return "segment_ready"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Result is returned by Process. Segments is non-empty exactly when Outcome
// is SegmentReady.
type Result struct {
	Outcome  Outcome
	Segments []Segment
	// Probability is the score of the last complete window.
	Probability float64
}

// Detector is the VAD state machine. It is not safe for concurrent use; the
// pipeline's VAD stage is its only owner.
type Detector struct {
	cfg   Config
	model Model

	minSpeech  int
	maxSpeech  int
	minSilence int

	pending []float32 // samples short of a full window
	pos     int64     // stream position of the next window

	triggered    bool
	speechStart  int64
	tempEnd      int64 // start of the current silence run, -1 if none
	silenceAccum int
	buffer       []float32

	seq uint64
}

// NewDetector returns a Detector for model. The threshold is checked against
// the model's output scale.
func NewDetector(model Model, cfg Config) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := CheckThreshold(model, cfg.Threshold); err != nil {
		return nil, err
	}
	return &Detector{
		cfg:        cfg,
		model:      model,
		minSpeech:  audio.DurationToSamples(cfg.MinSpeech, cfg.SampleRate),
		maxSpeech:  audio.DurationToSamples(cfg.MaxSpeech, cfg.SampleRate),
		minSilence: audio.DurationToSamples(cfg.MinSilence, cfg.SampleRate),
		pending:    make([]float32, 0, cfg.WindowSize),
		tempEnd:    -1,
	}, nil
}

// Triggered reports whether the detector is inside an utterance.
func (d *Detector) Triggered() bool { return d.triggered }

// Process consumes one chunk. Samples that do not fill a window are carried
// over to the next call. A model failure scores the window as silence and is
// returned alongside a valid Result.
func (d *Detector) Process(chunk audio.Chunk) (Result, error) {
	var res Result
	var modelErr error

	w := d.cfg.WindowSize
	samples := chunk.Samples
	for len(samples) > 0 {
		n := min(w-len(d.pending), len(samples))
		d.pending = append(d.pending, samples[:n]...)
		samples = samples[n:]
		if len(d.pending) < w {
			break
		}
		p, err := d.model.Probability(d.pending)
		if err != nil {
			modelErr = fmt.Errorf("vad: scoring window at %v: %w",
				audio.SamplesToDuration(int(d.pos), d.cfg.SampleRate), err)
			p = 0
		}
		res.Probability = p
		if seg, ok := d.step(d.pending, p >= d.cfg.Threshold); ok {
			res.Segments = append(res.Segments, seg)
		}
		d.pending = d.pending[:0]
	}

	switch {
	case len(res.Segments) > 0:
		res.Outcome = SegmentReady
	case d.triggered:
		res.Outcome = Speech
	default:
		res.Outcome = Silence
	}
	return res, modelErr
}

// step advances the state machine by one window.
func (d *Detector) step(window []float32, speech bool) (Segment, bool) {
	start := d.pos
	d.pos += int64(len(window))

	if !d.triggered {
		if speech {
			d.triggered = true
			d.speechStart = start
			d.tempEnd = -1
			d.silenceAccum = 0
			d.buffer = append(d.buffer[:0], window...)
		}
		return Segment{}, false
	}

	d.buffer = append(d.buffer, window...)

	if speech {
		d.silenceAccum = 0
		d.tempEnd = -1
	} else {
		if d.tempEnd < 0 {
			d.tempEnd = start
		}
		d.silenceAccum += len(window)
		if d.silenceAccum >= d.minSilence {
			n := int(d.tempEnd - d.speechStart)
			seg, ok := d.emit(n, false)
			if !ok {
				slog.Debug("vad: discarding short utterance",
					"length", audio.SamplesToDuration(n, d.cfg.SampleRate))
			}
			d.reset()
			return seg, ok
		}
	}

	// Another window would overrun the cap, so cut here.
	if len(d.buffer)+len(window) > d.maxSpeech {
		seg, ok := d.emit(len(d.buffer), true)
		d.reset()
		return seg, ok
	}
	return Segment{}, false
}

// emit copies the first n buffered samples into a Segment when n meets the
// minimum speech length.
func (d *Detector) emit(n int, forced bool) (Segment, bool) {
	if n < d.minSpeech {
		return Segment{}, false
	}
	samples := make([]float32, n)
	copy(samples, d.buffer[:n])
	seg := Segment{
		Samples: samples,
		Start:   audio.SamplesToDuration(int(d.speechStart), d.cfg.SampleRate),
		End:     audio.SamplesToDuration(int(d.speechStart)+n, d.cfg.SampleRate),
		Seq:     d.seq,
		Forced:  forced,
	}
	d.seq++
	return seg, true
}

func (d *Detector) reset() {
	d.triggered = false
	d.tempEnd = -1
	d.silenceAccum = 0
	d.buffer = d.buffer[:0]
}

// Flush ends the stream. An utterance in progress is emitted if it is long
// enough, with any trailing silence trimmed.
func (d *Detector) Flush() (Segment, bool) {
	if !d.triggered {
		return Segment{}, false
	}
	n := len(d.buffer)
	if d.tempEnd >= 0 {
		n = int(d.tempEnd - d.speechStart)
	}
	seg, ok := d.emit(n, false)
	d.reset()
	return seg, ok
}

// Reset discards all state, including the model's, so the detector can be
// reused for a new stream.
func (d *Detector) Reset() {
	d.reset()
	d.pending = d.pending[:0]
	d.pos = 0
	d.seq = 0
	d.model.Reset()
}
