package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WAVSource replays a PCM WAV file as a chunk stream. Multi-channel files
// are downmixed to mono; the file must already be at the expected rate.
type WAVSource struct {
	f       *os.File
	dec     *wav.Decoder
	buf     *goaudio.IntBuffer
	scale   float32
	chans   int
	rate    int
	chunker *Chunker
	queued  []Chunk
	eof     bool
}

// OpenWAV opens path for streaming in chunks of chunkSamples mono samples.
func OpenWAV(path string, chunkSamples int) (*WAVSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audio: opening wav: %w", err)
	}

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		f.Close()
		return nil, fmt.Errorf("audio: %s is not a valid wav file", path)
	}
	if err := dec.FwdToPCM(); err != nil {
		f.Close()
		return nil, fmt.Errorf("audio: seeking to pcm data: %w", err)
	}

	maxVal := goaudio.IntMaxSignedValue(int(dec.BitDepth))
	if maxVal == 0 {
		f.Close()
		return nil, fmt.Errorf("audio: unsupported bit depth %d", dec.BitDepth)
	}

	chans := max(int(dec.NumChans), 1)
	return &WAVSource{
		f:       f,
		dec:     dec,
		buf:     &goaudio.IntBuffer{Data: make([]int, chunkSamples*chans)},
		scale:   1 / float32(maxVal),
		chans:   chans,
		rate:    int(dec.SampleRate),
		chunker: NewChunker(chunkSamples, int(dec.SampleRate)),
	}, nil
}

// SampleRate returns the file's sample rate.
func (w *WAVSource) SampleRate() int { return w.rate }

// Next returns the next chunk, or io.EOF once the file is exhausted. The
// final partial chunk is delivered as-is.
func (w *WAVSource) Next(ctx context.Context) (Chunk, error) {
	for len(w.queued) == 0 {
		if err := ctx.Err(); err != nil {
			return Chunk{}, err
		}
		if w.eof {
			return Chunk{}, io.EOF
		}
		if err := w.fill(); err != nil {
			return Chunk{}, err
		}
	}
	ch := w.queued[0]
	w.queued = w.queued[1:]
	return ch, nil
}

func (w *WAVSource) fill() error {
	n, err := w.dec.PCMBuffer(w.buf)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("audio: reading pcm: %w", err)
	}
	if n == 0 {
		w.eof = true
		if tail, ok := w.chunker.Flush(); ok {
			w.queued = append(w.queued, tail)
		}
		return nil
	}

	n -= n % w.chans
	samples := make([]float32, n)
	for i, v := range w.buf.Data[:n] {
		samples[i] = float32(v) * w.scale
	}
	w.queued = append(w.queued, w.chunker.Push(Downmix(samples, w.chans))...)
	return nil
}

// Close closes the underlying file.
func (w *WAVSource) Close() error {
	return w.f.Close()
}

// ReadWAV decodes a whole WAV file into mono float32 samples.
func ReadWAV(path string) ([]float32, int, error) {
	src, err := OpenWAV(path, 4096)
	if err != nil {
		return nil, 0, err
	}
	defer src.Close()

	var out []float32
	for {
		ch, err := src.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return out, src.SampleRate(), nil
		}
		if err != nil {
			return nil, 0, err
		}
		out = append(out, ch.Samples...)
	}
}

// WriteWAV encodes mono float32 samples as a 16-bit PCM WAV file.
func WriteWAV(path string, samples []float32, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audio: creating wav: %w", err)
	}
	defer f.Close()

	const bitDepth = 16
	maxVal := float32(goaudio.IntMaxSignedValue(bitDepth))
	data := make([]int, len(samples))
	for i, s := range samples {
		s = max(-1, min(1, s))
		data[i] = int(s * maxVal)
	}

	enc := wav.NewEncoder(f, sampleRate, bitDepth, 1, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: bitDepth,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("audio: encoding wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("audio: finalizing wav: %w", err)
	}
	return nil
}
