package pipeline

import (
	"context"
	"errors"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chaz8081/gostt-live/internal/audio"
	"github.com/chaz8081/gostt-live/internal/audio/audiotest"
	"github.com/chaz8081/gostt-live/internal/vad"
)

const chunkSize = 1600 // 100ms

func script() []float32 {
	return audiotest.Script(
		audiotest.Speak(2*time.Second),
		audiotest.Pause(time.Second),
		audiotest.Speak(2*time.Second),
		audiotest.Pause(time.Second),
		audiotest.Speak(time.Second),
	)
}

func newDetector(t *testing.T, m vad.Model) *vad.Detector {
	t.Helper()
	d, err := vad.NewDetector(m, vad.DefaultConfig())
	if err != nil {
		t.Fatalf("NewDetector() error = %v", err)
	}
	return d
}

func drain(segs <-chan vad.Segment) []vad.Segment {
	var out []vad.Segment
	for s := range segs {
		out = append(out, s)
	}
	return out
}

func waitDone(t *testing.T, h *Handle) (EndReason, error) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not finish")
	}
	return h.Wait()
}

// eofSource records when it reported end of stream.
type eofSource struct {
	inner   audio.Source
	eofAt   atomic.Int64
	counter *atomic.Int64
}

func (s *eofSource) Next(ctx context.Context) (audio.Chunk, error) {
	ch, err := s.inner.Next(ctx)
	if errors.Is(err, io.EOF) {
		s.eofAt.Store(s.counter.Add(1))
	}
	return ch, err
}

func TestSourceEndCascades(t *testing.T) {
	var clock atomic.Int64
	src := &eofSource{inner: audiotest.NewSliceSource(script(), chunkSize), counter: &clock}

	segs, h := Start(context.Background(), src, newDetector(t, vad.NewEnergyModel()), Options{
		QueueChunks: QueueChunks(10, chunkSize, 16000),
		Policy:      Block,
	})

	got := drain(segs)
	closedAt := clock.Add(1)

	reason, err := waitDone(t, h)
	if err != nil || reason != EndSourceEnded {
		t.Fatalf("Wait() = %v, %v; want source_ended, nil", reason, err)
	}
	if eof := src.eofAt.Load(); eof == 0 || eof > closedAt {
		t.Errorf("segment stream closed (tick %d) before the source ended (tick %d)", closedAt, eof)
	}
	if len(got) != 3 {
		t.Fatalf("got %d segments, want 3", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Seq <= got[i-1].Seq || got[i].Start < got[i-1].End {
			t.Errorf("segment %d out of order: %+v after %+v", i, got[i].Start, got[i-1].End)
		}
	}
	if h.Dropped() != 0 {
		t.Errorf("Dropped() = %d with block policy", h.Dropped())
	}
	if h.Segments() != 3 {
		t.Errorf("Segments() = %d, want 3", h.Segments())
	}
}

// slowModel sleeps on every window so the VAD stage lags the source.
type slowModel struct {
	vad.EnergyModel
	delay time.Duration
}

func (m slowModel) Probability(w []float32) (float64, error) {
	time.Sleep(m.delay)
	return m.EnergyModel.Probability(w)
}

func TestDropNewestPolicyDropsAndCounts(t *testing.T) {
	samples := audiotest.Silence(3*time.Second, 1)
	src := audiotest.NewSliceSource(samples, 512)

	segs, h := Start(context.Background(), src, newDetector(t, slowModel{delay: 2 * time.Millisecond}), Options{
		QueueChunks: 2,
		Policy:      DropNewest,
	})
	drain(segs)

	if _, err := waitDone(t, h); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	total := uint64(len(audiotest.Chunks(samples, 512)))
	if h.Dropped() == 0 {
		t.Error("expected dropped chunks with a lagging VAD and drop policy")
	}
	if h.Dropped()+h.Processed() != total {
		t.Errorf("dropped %d + processed %d != %d chunks", h.Dropped(), h.Processed(), total)
	}
}

func TestBlockPolicyLosesNothing(t *testing.T) {
	samples := audiotest.Silence(time.Second, 2)
	src := audiotest.NewSliceSource(samples, 512)

	segs, h := Start(context.Background(), src, newDetector(t, slowModel{delay: time.Millisecond}), Options{
		QueueChunks: 2,
		Policy:      Block,
	})
	drain(segs)

	if _, err := waitDone(t, h); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if want := uint64(len(audiotest.Chunks(samples, 512))); h.Processed() != want || h.Dropped() != 0 {
		t.Errorf("processed %d dropped %d, want %d and 0", h.Processed(), h.Dropped(), want)
	}
}

func TestStopHaltsSegmentationAndDrains(t *testing.T) {
	// Two utterances, then an open microphone mid-utterance.
	samples := audiotest.Script(
		audiotest.Speak(time.Second),
		audiotest.Pause(time.Second),
		audiotest.Speak(time.Second),
		audiotest.Pause(time.Second),
		audiotest.Speak(2*time.Second),
	)
	src := audiotest.NewSliceSource(samples, chunkSize).Live()

	var mu sync.Mutex
	var emitted int
	var stopped atomic.Bool
	var afterStop atomic.Int32

	segs, h := Start(context.Background(), src, newDetector(t, vad.NewEnergyModel()), Options{
		QueueChunks: 100,
		Policy:      Block,
		OnSegment: func(vad.Segment) {
			if stopped.Load() {
				afterStop.Add(1)
			}
			mu.Lock()
			emitted++
			mu.Unlock()
		},
	})

	// Wait for the source to be exhausted so the third utterance is open.
	deadline := time.Now().Add(5 * time.Second)
	for src.Delivered() < len(audiotest.Chunks(samples, chunkSize)) {
		if time.Now().After(deadline) {
			t.Fatal("source not consumed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)

	h.Stop()
	stopped.Store(true)

	got := drain(segs)
	reason, err := waitDone(t, h)
	if err != nil || reason != EndStopped {
		t.Fatalf("Wait() = %v, %v; want stopped, nil", reason, err)
	}
	if len(got) != 2 {
		t.Errorf("drained %d segments, want the 2 completed ones", len(got))
	}
	if afterStop.Load() != 0 {
		t.Errorf("%d segments emitted after Stop returned", afterStop.Load())
	}
	mu.Lock()
	defer mu.Unlock()
	if emitted != len(got) {
		t.Errorf("OnSegment saw %d segments, consumer got %d", emitted, len(got))
	}

	h.Stop() // idempotent
}

// failingModel fails every window.
type failingModel struct{ vad.EnergyModel }

func (failingModel) Probability([]float32) (float64, error) {
	return 0, errors.New("broken model")
}

func TestPersistentVADFailureEndsPipeline(t *testing.T) {
	src := audiotest.NewSliceSource(audiotest.Silence(2*time.Second, 1), 512).Live()

	segs, h := Start(context.Background(), src, newDetector(t, failingModel{}), Options{
		QueueChunks:  10,
		Policy:       Block,
		MaxVADErrors: 5,
	})
	drain(segs)

	reason, err := waitDone(t, h)
	if reason != EndFailed || err == nil {
		t.Errorf("Wait() = %v, %v; want failed with error", reason, err)
	}
}

// glitchSource yields one malformed chunk between good ones.
type glitchSource struct {
	inner audio.Source
	n     int
}

func (s *glitchSource) Next(ctx context.Context) (audio.Chunk, error) {
	s.n++
	if s.n == 3 {
		return audio.Chunk{Samples: []float32{float32(math.NaN())}}, nil
	}
	if s.n == 5 {
		return audio.Chunk{}, nil
	}
	return s.inner.Next(ctx)
}

func TestMalformedChunksAreSkipped(t *testing.T) {
	src := &glitchSource{inner: audiotest.NewSliceSource(script(), chunkSize)}

	segs, h := Start(context.Background(), src, newDetector(t, vad.NewEnergyModel()), Options{
		QueueChunks: 200,
		Policy:      Block,
	})
	got := drain(segs)

	if _, err := waitDone(t, h); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if len(got) != 3 {
		t.Errorf("got %d segments, want 3 despite malformed chunks", len(got))
	}
}

type brokenSource struct{}

func (brokenSource) Next(context.Context) (audio.Chunk, error) {
	return audio.Chunk{}, errors.New("device unplugged")
}

func TestSourceErrorFailsPipeline(t *testing.T) {
	segs, h := Start(context.Background(), brokenSource{}, newDetector(t, vad.NewEnergyModel()), Options{})
	drain(segs)

	reason, err := waitDone(t, h)
	if reason != EndFailed || err == nil {
		t.Errorf("Wait() = %v, %v; want failed", reason, err)
	}
}

func TestParentCancelEndsPipeline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	src := audiotest.NewSliceSource(nil, chunkSize).Live()

	segs, h := Start(ctx, src, newDetector(t, vad.NewEnergyModel()), Options{})
	cancel()
	drain(segs)

	reason, err := waitDone(t, h)
	if reason != EndCancelled || !errors.Is(err, context.Canceled) {
		t.Errorf("Wait() = %v, %v; want cancelled", reason, err)
	}
}

func TestQueueChunks(t *testing.T) {
	if got := QueueChunks(10, 1600, 16000); got != 100 {
		t.Errorf("QueueChunks(10s, 100ms) = %d, want 100", got)
	}
	if got := QueueChunks(0.01, 1600, 16000); got != 1 {
		t.Errorf("QueueChunks(tiny) = %d, want 1", got)
	}
}

func TestParsePolicy(t *testing.T) {
	for _, s := range []string{"drop", "block"} {
		p, err := ParsePolicy(s)
		if err != nil || p.String() != s {
			t.Errorf("ParsePolicy(%q) = %v, %v", s, p, err)
		}
	}
	if _, err := ParsePolicy("grow"); err == nil {
		t.Error("ParsePolicy(grow) should fail")
	}
}
