// Package audiotest provides deterministic audio fixtures and sources for
// tests.
package audiotest

import (
	"context"
	"io"
	"math"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/chaz8081/gostt-live/internal/audio"
)

// SampleRate is the rate all fixtures are generated at.
const SampleRate = 16000

// Part is one span of a scripted stream.
type Part struct {
	Speech bool
	Dur    time.Duration
}

// Speak and Pause build script parts.
func Speak(d time.Duration) Part { return Part{Speech: true, Dur: d} }
func Pause(d time.Duration) Part { return Part{Dur: d} }

// Speech returns a voiced, syllable-modulated harmonic signal peaking near
// 0.3 full scale.
func Speech(d time.Duration, seed uint64) []float32 {
	n := audio.DurationToSamples(d, SampleRate)
	rng := rand.New(rand.NewPCG(seed, 0x5eed))
	f0 := 110 + 40*rng.Float64()
	out := make([]float32, n)
	for i := range out {
		t := float64(i) / SampleRate
		env := 0.6 + 0.4*math.Sin(2*math.Pi*4*t)
		v := 0.0
		for h := 1; h <= 5; h++ {
			v += math.Sin(2*math.Pi*f0*float64(h)*t) / float64(h)
		}
		out[i] = float32(0.15*env*v + 0.002*(rng.Float64()*2-1))
	}
	return out
}

// Silence returns low-level background noise (about -65 dBFS RMS).
func Silence(d time.Duration, seed uint64) []float32 {
	n := audio.DurationToSamples(d, SampleRate)
	rng := rand.New(rand.NewPCG(seed, 0x51e7))
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(0.001 * (rng.Float64()*2 - 1))
	}
	return out
}

// Script concatenates parts into a single stream.
func Script(parts ...Part) []float32 {
	var out []float32
	for i, p := range parts {
		if p.Speech {
			out = append(out, Speech(p.Dur, uint64(i+1))...)
		} else {
			out = append(out, Silence(p.Dur, uint64(i+1))...)
		}
	}
	return out
}

// Chunks cuts samples into chunks of size samples.
func Chunks(samples []float32, size int) []audio.Chunk {
	c := audio.NewChunker(size, SampleRate)
	out := c.Push(samples)
	if tail, ok := c.Flush(); ok {
		out = append(out, tail)
	}
	return out
}

// SliceSource replays a fixed list of chunks. When Live is set it blocks
// after the last chunk until its context is cancelled, like an open
// microphone; otherwise it reports io.EOF.
type SliceSource struct {
	chunks []audio.Chunk
	live   bool
	pace   time.Duration
	next   atomic.Int64
}

// NewSliceSource returns a source over samples cut into chunkSize chunks.
func NewSliceSource(samples []float32, chunkSize int) *SliceSource {
	return &SliceSource{chunks: Chunks(samples, chunkSize)}
}

// Live makes the source block after its last chunk instead of ending.
func (s *SliceSource) Live() *SliceSource {
	s.live = true
	return s
}

// Paced delays each chunk by d.
func (s *SliceSource) Paced(d time.Duration) *SliceSource {
	s.pace = d
	return s
}

// Delivered returns how many chunks have been handed out.
func (s *SliceSource) Delivered() int { return int(s.next.Load()) }

// SampleRate returns SampleRate.
func (s *SliceSource) SampleRate() int { return SampleRate }

// Next implements audio.Source.
func (s *SliceSource) Next(ctx context.Context) (audio.Chunk, error) {
	i := int(s.next.Load())
	if i >= len(s.chunks) {
		if s.live {
			<-ctx.Done()
			return audio.Chunk{}, ctx.Err()
		}
		return audio.Chunk{}, io.EOF
	}
	if s.pace > 0 {
		select {
		case <-time.After(s.pace):
		case <-ctx.Done():
			return audio.Chunk{}, ctx.Err()
		}
	}
	s.next.Add(1)
	return s.chunks[i], nil
}
