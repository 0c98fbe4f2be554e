package audio

import (
	"context"
	"time"
)

// Chunk is a fixed-length run of mono float32 PCM samples. Chunks are
// immutable once produced.
type Chunk struct {
	Samples []float32
	// Offset is the stream position of the first sample.
	Offset time.Duration
	Seq    uint64
}

// Source yields consecutive chunks of one audio stream. Next returns io.EOF
// once the stream has ended; a cancelled ctx returns ctx.Err().
type Source interface {
	Next(ctx context.Context) (Chunk, error)
}

// SampleRater is implemented by sources that know their sample rate.
type SampleRater interface {
	SampleRate() int
}

// Chunker cuts an arbitrary sample stream into fixed-size chunks and stamps
// them with their stream offset.
type Chunker struct {
	size       int
	sampleRate int
	pending    []float32
	emitted    uint64 // samples already emitted
	seq        uint64
}

// NewChunker returns a Chunker producing chunks of size samples.
func NewChunker(size, sampleRate int) *Chunker {
	return &Chunker{size: size, sampleRate: sampleRate, pending: make([]float32, 0, size)}
}

// Push appends samples and returns every chunk that became complete.
func (c *Chunker) Push(samples []float32) []Chunk {
	var out []Chunk
	for len(samples) > 0 {
		n := min(c.size-len(c.pending), len(samples))
		c.pending = append(c.pending, samples[:n]...)
		samples = samples[n:]
		if len(c.pending) == c.size {
			out = append(out, c.take())
		}
	}
	return out
}

// Flush returns the partial trailing chunk, if any.
func (c *Chunker) Flush() (Chunk, bool) {
	if len(c.pending) == 0 {
		return Chunk{}, false
	}
	return c.take(), true
}

func (c *Chunker) take() Chunk {
	samples := make([]float32, len(c.pending))
	copy(samples, c.pending)
	c.pending = c.pending[:0]

	ch := Chunk{
		Samples: samples,
		Offset:  SamplesToDuration(int(c.emitted), c.sampleRate),
		Seq:     c.seq,
	}
	c.emitted += uint64(len(samples))
	c.seq++
	return ch
}

// SamplesToDuration converts a sample count at sampleRate to a duration.
func SamplesToDuration(n, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(sampleRate))
}

// DurationToSamples converts d to a whole number of samples at sampleRate.
func DurationToSamples(d time.Duration, sampleRate int) int {
	return int(int64(d) * int64(sampleRate) / int64(time.Second))
}

// Downmix averages interleaved frames of channels samples into mono.
func Downmix(interleaved []float32, channels int) []float32 {
	if channels <= 1 {
		return interleaved
	}
	frames := len(interleaved) / channels
	mono := make([]float32, frames)
	for i := range frames {
		var sum float32
		for ch := range channels {
			sum += interleaved[i*channels+ch]
		}
		mono[i] = sum / float32(channels)
	}
	return mono
}
