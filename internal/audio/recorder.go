package audio

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"
)

// micBacklog is how many chunks the capture callback may queue before Next
// is called. The callback never blocks; overflowing chunks are counted and
// dropped.
const micBacklog = 64

// MicSource streams fixed-size chunks from the default microphone.
type MicSource struct {
	ctx        *malgo.AllocatedContext
	device     *malgo.Device
	sampleRate uint32
	channels   uint32

	mu      sync.Mutex
	chunker *Chunker
	chunks  chan Chunk
	closed  bool

	overruns atomic.Uint64
}

// NewMicSource opens the default capture device and starts streaming
// chunks of chunkSamples mono samples. Call Close when done.
func NewMicSource(sampleRate, channels uint32, chunkSamples int) (*MicSource, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("initializing audio context: %w", err)
	}

	m := &MicSource{
		ctx:        ctx,
		sampleRate: sampleRate,
		channels:   channels,
		chunker:    NewChunker(chunkSamples, int(sampleRate)),
		chunks:     make(chan Chunk, micBacklog),
	}

	deviceCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceCfg.Capture.Format = malgo.FormatF32
	deviceCfg.Capture.Channels = channels
	deviceCfg.SampleRate = sampleRate

	device, err := malgo.InitDevice(ctx.Context, deviceCfg, malgo.DeviceCallbacks{Data: m.onData})
	if err != nil {
		m.freeContext()
		return nil, fmt.Errorf("initializing capture device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		m.freeContext()
		return nil, fmt.Errorf("starting capture device: %w", err)
	}
	m.device = device

	return m, nil
}

// SampleRate returns the capture sample rate.
func (m *MicSource) SampleRate() int { return int(m.sampleRate) }

// Overruns returns how many chunks were dropped because Next fell behind.
func (m *MicSource) Overruns() uint64 { return m.overruns.Load() }

// Next blocks until the next chunk is captured. It returns io.EOF after Close.
func (m *MicSource) Next(ctx context.Context) (Chunk, error) {
	select {
	case ch, ok := <-m.chunks:
		if !ok {
			return Chunk{}, io.EOF
		}
		return ch, nil
	case <-ctx.Done():
		return Chunk{}, ctx.Err()
	}
}

// Close stops capture and releases all audio resources. Pending chunks are
// still delivered by Next before it reports io.EOF.
func (m *MicSource) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	device := m.device
	m.device = nil
	m.mu.Unlock()

	// Uninit waits for the callback to return, so no send races the close.
	if device != nil {
		device.Uninit()
	}
	close(m.chunks)

	return m.freeContext()
}

func (m *MicSource) freeContext() error {
	if m.ctx == nil {
		return nil
	}
	if err := m.ctx.Uninit(); err != nil {
		return fmt.Errorf("uninitializing audio context: %w", err)
	}
	m.ctx.Free()
	m.ctx = nil
	return nil
}

// onData is the malgo callback invoked when audio data is available.
// pSample contains the captured audio frames as raw bytes (float32 format).
func (m *MicSource) onData(_, pSample []byte, frameCount uint32) {
	samples := Downmix(bytesToFloat32(pSample, frameCount*m.channels), int(m.channels))

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	for _, ch := range m.chunker.Push(samples) {
		select {
		case m.chunks <- ch:
		default:
			if n := m.overruns.Add(1); n == 1 || n%100 == 0 {
				slog.Warn("audio: capture overrun, dropping chunk", "seq", ch.Seq, "overruns", n)
			}
		}
	}
}

// bytesToFloat32 converts raw bytes (little-endian float32) to a float32 slice.
func bytesToFloat32(data []byte, sampleCount uint32) []float32 {
	samples := make([]float32, 0, sampleCount)
	for i := uint32(0); i < sampleCount; i++ {
		offset := i * 4
		if offset+4 > uint32(len(data)) {
			break
		}
		bits := binary.LittleEndian.Uint32(data[offset : offset+4])
		samples = append(samples, math.Float32frombits(bits))
	}
	return samples
}
