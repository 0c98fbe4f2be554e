package transcribe

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/gostt-live/internal/features"
	"github.com/chaz8081/gostt-live/internal/resource"
)

// fakeEncoder subsamples features 8x into zero frames.
type fakeEncoder struct {
	err   error
	delay time.Duration
}

func (f fakeEncoder) Encode(ctx context.Context, feats features.Features) (EncoderFrames, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return EncoderFrames{}, ctx.Err()
		}
	}
	if f.err != nil {
		return EncoderFrames{}, f.err
	}
	n := (feats.Frames + 7) / 8
	return EncoderFrames{Data: make([]float32, n*testEncDim), Frames: n, Dim: testEncDim}, nil
}

type fakeLoader struct {
	mu      sync.Mutex
	loaded  []string
	closed  []string
	reclaim []bool
	failFor map[string]error
	encErr  error
	script  []mockJointResult
}

func (l *fakeLoader) load(_ context.Context, p resource.Profile) (*Models, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.failFor[p.Name]; err != nil {
		return nil, err
	}
	l.loaded = append(l.loaded, p.Name)

	ext, err := features.NewExtractor(features.DefaultConfig())
	if err != nil {
		return nil, err
	}
	pieces := make([]string, testVocab)
	for i := range pieces {
		pieces[i] = "x"
	}
	pieces[5], pieces[10] = "▁hello", "▁world"
	pieces[DefaultBlankID] = "<blk>"
	vocab, err := NewVocabulary(pieces)
	if err != nil {
		return nil, err
	}
	return &Models{
		Features:   ext,
		Encoder:    fakeEncoder{err: l.encErr},
		Prediction: freshDecoder{},
		Joiner:     &scriptedJoint{results: l.script},
		Vocab:      vocab,
		Reclaim: func(aggressive bool) {
			l.mu.Lock()
			l.reclaim = append(l.reclaim, aggressive)
			l.mu.Unlock()
		},
		Close: func() error {
			l.mu.Lock()
			l.closed = append(l.closed, p.Name)
			l.mu.Unlock()
			return nil
		},
	}, nil
}

// freshDecoder marks the output of the initial blank step with a 1.
type freshDecoder struct{}

func (freshDecoder) Predict(_ context.Context, token int32, state DecoderState) (DecoderState, error) {
	fresh := float32(0)
	if state.LastToken == -1 {
		fresh = 1
	}
	return DecoderState{Output: []float32{float32(token), fresh}, LastToken: token}, nil
}

// scriptedJoint replays results from the start of every decode, detected
// by a newly primed decoder output.
type scriptedJoint struct {
	mu      sync.Mutex
	results []mockJointResult
	i       int
	primed  *float32
}

func (s *scriptedJoint) Join(_ context.Context, _, dec []float32) (JointLogits, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dec[1] == 1 && s.primed != &dec[0] {
		s.primed, s.i = &dec[0], 0
	}
	r := mockJointResult{tokenID: DefaultBlankID, duration: 4}
	if s.i < len(s.results) {
		r = s.results[s.i]
	}
	s.i++
	l := JointLogits{Tokens: make([]float32, testVocab), Durations: make([]float32, len(DefaultDurations))}
	l.Tokens[r.tokenID] = 1
	l.Durations[r.duration] = 1
	return l, nil
}

func newTestEngine(t *testing.T, l *fakeLoader, p resource.Profile, opts EngineOptions) *Engine {
	t.Helper()
	e, err := NewEngine(context.Background(), l.load, p, opts)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func second() []float32 { return make([]float32, 16000) }

func TestEngineTranscribe(t *testing.T) {
	l := &fakeLoader{script: []mockJointResult{
		{tokenID: 5, duration: 1},
		{tokenID: 10, duration: 1},
	}}
	e := newTestEngine(t, l, resource.ProfileCPU, EngineOptions{})

	res, err := e.Transcribe(context.Background(), second())
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Text != "hello world" {
		t.Errorf("Text = %q, want %q", res.Text, "hello world")
	}
	if res.Stats.SkipTotal != res.Stats.Frames || res.Stats.Frames != 13 {
		t.Errorf("stats = %+v, want 13 frames fully consumed", res.Stats)
	}
	if res.Timing.Audio != time.Second || res.Timing.Total <= 0 {
		t.Errorf("timing = %+v", res.Timing)
	}
	if res.Backend != "cpu/0.6b" {
		t.Errorf("Backend = %q", res.Backend)
	}

	// The decoder state does not leak into the next segment.
	again, err := e.Transcribe(context.Background(), second())
	if err != nil || again.Text != res.Text {
		t.Errorf("second decode = %q, %v; want %q", again.Text, err, res.Text)
	}
}

func TestEngineTranscribeErrors(t *testing.T) {
	tests := []struct {
		name    string
		encErr  error
		samples []float32
		oom     bool
	}{
		{"too short", nil, make([]float32, 10), false},
		{"encoder failure", errors.New("bad input"), second(), false},
		{"encoder oom", errors.New("CUDA_ERROR_OUT_OF_MEMORY"), second(), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t, &fakeLoader{encErr: tt.encErr}, resource.ProfileCPU, EngineOptions{})
			_, err := e.Transcribe(context.Background(), tt.samples)
			if !errors.Is(err, ErrTransientInference) {
				t.Fatalf("err = %v, want ErrTransientInference", err)
			}
			if got := errors.Is(err, resource.ErrExhausted); got != tt.oom {
				t.Errorf("errors.Is(err, ErrExhausted) = %v, want %v", got, tt.oom)
			}
		})
	}
}

func TestEngineDecodeTimeout(t *testing.T) {
	l := &fakeLoader{}
	e := newTestEngine(t, l, resource.ProfileCPU, EngineOptions{DecodeTimeout: 10 * time.Millisecond})
	e.models.Encoder = fakeEncoder{delay: time.Second}

	start := time.Now()
	_, err := e.Transcribe(context.Background(), second())
	if !errors.Is(err, ErrTransientInference) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want transient deadline exceeded", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Errorf("timeout took %v", time.Since(start))
	}
}

func TestEngineFallback(t *testing.T) {
	l := &fakeLoader{}
	e := newTestEngine(t, l, resource.ProfileGPUSmall, EngineOptions{})
	if _, ok := e.Backend().(gpuBackend); !ok {
		t.Fatalf("Backend() = %T, want gpuBackend", e.Backend())
	}

	if err := e.Fallback(context.Background(), resource.ProfileCPU); err != nil {
		t.Fatalf("Fallback: %v", err)
	}
	if _, ok := e.Backend().(cpuBackend); !ok {
		t.Errorf("Backend() = %T after fallback, want cpuBackend", e.Backend())
	}
	if len(l.closed) != 1 || l.closed[0] != "gpu-0.6b" {
		t.Errorf("closed = %v, want the GPU set released", l.closed)
	}
	// Falling back to the active profile is a no-op.
	if err := e.Fallback(context.Background(), resource.ProfileCPU); err != nil || len(l.loaded) != 2 {
		t.Errorf("repeat fallback: err %v, loads %v", err, l.loaded)
	}
}

func TestEngineFallbackFailureKeepsBackend(t *testing.T) {
	l := &fakeLoader{failFor: map[string]error{"cpu-0.6b": errors.New("missing model")}}
	e := newTestEngine(t, l, resource.ProfileGPUSmall, EngineOptions{})

	if err := e.Fallback(context.Background(), resource.ProfileCPU); err == nil {
		t.Fatal("Fallback succeeded with a failing loader")
	}
	if e.Backend().Profile() != resource.ProfileGPUSmall {
		t.Errorf("backend changed to %v", e.Backend())
	}
	if _, err := e.Transcribe(context.Background(), second()); err != nil {
		t.Errorf("Transcribe after failed fallback: %v", err)
	}
}

func TestEngineReclaimAndOffload(t *testing.T) {
	l := &fakeLoader{}
	e := newTestEngine(t, l, resource.ProfileGPULarge, EngineOptions{})
	ctx := context.Background()

	if err := e.Reclaim(ctx, false); err != nil {
		t.Fatal(err)
	}
	if err := e.Reclaim(ctx, true); err != nil {
		t.Fatal(err)
	}
	if len(l.reclaim) != 2 || l.reclaim[0] || !l.reclaim[1] {
		t.Errorf("reclaim calls = %v, want [false true]", l.reclaim)
	}

	if _, err := e.Transcribe(ctx, second()); err != nil {
		t.Fatal(err)
	}
	e.ResetPeak()
	if e.PeakRSS() != 0 {
		t.Errorf("PeakRSS() = %d after reset", e.PeakRSS())
	}

	got, err := e.OffloadToHost(ctx)
	if err != nil {
		t.Fatalf("OffloadToHost: %v", err)
	}
	p := e.Backend().Profile()
	if p.GPU() || p.ModelSize != "1.1b" || p.Name != "gpu-1.1b-host" {
		t.Errorf("profile after offload = %+v", p)
	}
	if got != p {
		t.Errorf("OffloadToHost returned %s, engine runs %s", got.Name, p.Name)
	}
	// Offloading a host backend does nothing.
	if again, err := e.OffloadToHost(ctx); err != nil || again != p || len(l.loaded) != 2 {
		t.Errorf("second offload: %s err %v, loads %v", again.Name, err, l.loaded)
	}
}

func TestEngineClosed(t *testing.T) {
	l := &fakeLoader{}
	e := newTestEngine(t, l, resource.ProfileCPU, EngineOptions{})
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Transcribe(context.Background(), second()); !errors.Is(err, ErrClosed) {
		t.Errorf("Transcribe after Close: %v", err)
	}
	if err := e.Fallback(context.Background(), resource.ProfileGPUSmall); !errors.Is(err, ErrClosed) {
		t.Errorf("Fallback after Close: %v", err)
	}
	if len(l.closed) != 1 {
		t.Errorf("models closed %d times", len(l.closed))
	}
}

func TestNewEngineLoadError(t *testing.T) {
	l := &fakeLoader{failFor: map[string]error{"cpu-0.6b": errors.New("no file")}}
	if _, err := NewEngine(context.Background(), l.load, resource.ProfileCPU, EngineOptions{}); err == nil {
		t.Error("NewEngine succeeded with a failing loader")
	}
}
