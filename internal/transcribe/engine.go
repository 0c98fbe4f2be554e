package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/chaz8081/gostt-live/internal/features"
	"github.com/chaz8081/gostt-live/internal/observe"
	"github.com/chaz8081/gostt-live/internal/resource"
)

// ErrClosed is returned by an Engine after Close.
var ErrClosed = errors.New("transcribe: engine closed")

// Models is one loaded model set.
type Models struct {
	Features   *features.Extractor
	Encoder    Encoder
	Prediction PredictionNetwork
	Joiner     Joiner
	Vocab      *Vocabulary
	// Reclaim, when set, frees scratch allocations held between decodes.
	Reclaim func(aggressive bool)
	// Close, when set, releases the set.
	Close func() error
}

func (m *Models) validate() error {
	switch {
	case m == nil:
		return errors.New("transcribe: loader returned no models")
	case m.Features == nil || m.Encoder == nil || m.Prediction == nil || m.Joiner == nil:
		return errors.New("transcribe: incomplete model set")
	case m.Vocab == nil:
		return errors.New("transcribe: model set has no vocabulary")
	}
	return nil
}

func (m *Models) close() {
	if m == nil || m.Close == nil {
		return
	}
	if err := m.Close(); err != nil {
		slog.Warn("transcribe: closing models", "err", err)
	}
}

// Loader loads the model set for a profile.
type Loader func(ctx context.Context, p resource.Profile) (*Models, error)

// Backend is the inference backend an Engine is running on. The only
// implementations are the CPU and GPU backends returned by NewBackend.
type Backend interface {
	Profile() resource.Profile
	String() string
	sealed()
}

type cpuBackend struct {
	profile resource.Profile
}

func (b cpuBackend) Profile() resource.Profile { return b.profile }
func (b cpuBackend) String() string           { return "cpu/" + b.profile.ModelSize }
func (cpuBackend) sealed()                    {}

type gpuBackend struct {
	profile resource.Profile
	size    string
}

func (b gpuBackend) Profile() resource.Profile { return b.profile }
func (b gpuBackend) String() string           { return b.profile.Device + "/" + b.size }
func (gpuBackend) sealed()                    {}

// NewBackend returns the backend for p.
func NewBackend(p resource.Profile) Backend {
	if p.GPU() {
		return gpuBackend{profile: p, size: p.ModelSize}
	}
	return cpuBackend{profile: p}
}

// HostProfile returns p moved to host memory: same model, CPU execution.
func HostProfile(p resource.Profile) resource.Profile {
	if !p.GPU() {
		return p
	}
	h := p
	h.Name = p.Name + "-host"
	h.Backend = resource.BackendCPU
	h.Device = "cpu"
	h.MemoryThresholdMB = 0
	return h
}

// Timing breaks down where a decode spent its time.
type Timing struct {
	Features time.Duration
	Encode   time.Duration
	Decode   time.Duration
	Total    time.Duration
	// Audio is the length of the transcribed audio.
	Audio time.Duration
}

// RTF is the real-time factor: processing time over audio time.
func (t Timing) RTF() float64 {
	if t.Audio <= 0 {
		return 0
	}
	return t.Total.Seconds() / t.Audio.Seconds()
}

// Result is the transcription of one segment.
type Result struct {
	Tokens  TokenSequence
	Text    string
	Stats   DecodeStats
	Timing  Timing
	Backend string
}

// EngineOptions configures an Engine.
type EngineOptions struct {
	// DecodeTimeout bounds one Transcribe call; 0 means no limit.
	DecodeTimeout     time.Duration
	MaxTokensPerFrame int
	SampleRate        int
	Metrics           *observe.Metrics
}

// Engine transcribes segments on the current backend. Transcribe calls may
// run concurrently with each other; backend swaps wait for in-flight
// decodes. Engine implements resource.Reclaimer.
type Engine struct {
	load Loader
	opts EngineOptions

	mu      sync.RWMutex
	backend Backend
	models  *Models
	closed  bool

	peakRSS atomic.Uint64
}

var _ resource.Reclaimer = (*Engine)(nil)

// NewEngine loads the models for p.
func NewEngine(ctx context.Context, load Loader, p resource.Profile, opts EngineOptions) (*Engine, error) {
	if opts.SampleRate <= 0 {
		opts.SampleRate = 16000
	}
	m, err := load(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("transcribe: loading %s: %w", p.Name, err)
	}
	if err := m.validate(); err != nil {
		m.close()
		return nil, err
	}
	slog.Info("transcribe: models loaded", "profile", p.Name, "vocab", m.Vocab.Size())
	return &Engine{load: load, opts: opts, backend: NewBackend(p), models: m}, nil
}

// Backend returns the active backend.
func (e *Engine) Backend() Backend {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.backend
}

// Tune changes the decode settings used by later Transcribe calls. Zero
// values keep the current setting.
func (e *Engine) Tune(maxTokensPerFrame int, decodeTimeout time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if maxTokensPerFrame > 0 {
		e.opts.MaxTokensPerFrame = maxTokensPerFrame
	}
	if decodeTimeout > 0 {
		e.opts.DecodeTimeout = decodeTimeout
	}
}

// PeakRSS returns the highest process RSS, in MiB, seen after a decode
// since the last ResetPeak.
func (e *Engine) PeakRSS() uint64 { return e.peakRSS.Load() }

// Transcribe decodes one segment of mono samples. Failures are
// *InferenceError values matching ErrTransientInference.
func (e *Engine) Transcribe(ctx context.Context, samples []float32) (Result, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return Result{}, ErrClosed
	}
	m, backend, opts := e.models, e.backend.String(), e.opts

	if opts.DecodeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.DecodeTimeout)
		defer cancel()
	}
	ctx, span := observe.StartSpan(ctx, "transcribe.segment", trace.WithAttributes(
		attribute.String("backend", backend),
		attribute.Int("samples", len(samples)),
	))
	defer span.End()

	res := Result{Backend: backend}
	res.Timing.Audio = time.Duration(len(samples)) * time.Second / time.Duration(opts.SampleRate)
	start := time.Now()

	err := run(ctx, m, opts, samples, &res)
	res.Timing.Total = time.Since(start)

	status := "ok"
	if err != nil {
		status = errorKind(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, status)
	}
	e.opts.Metrics.RecordDecode(ctx, backend, status, res.Timing.Total, len(res.Tokens.Tokens), res.Stats.JoinerCalls)
	if err != nil {
		return res, err
	}

	e.notePeak(ctx)
	span.SetAttributes(attribute.Int("tokens", len(res.Tokens.Tokens)), attribute.Int("frames", res.Stats.Frames))
	slog.Debug("transcribe: segment decoded",
		"backend", backend,
		"tokens", len(res.Tokens.Tokens),
		"frames", res.Stats.Frames,
		"rtf", res.Timing.RTF(),
	)
	return res, nil
}

func run(ctx context.Context, m *Models, opts EngineOptions, samples []float32, res *Result) error {
	t0 := time.Now()
	feats, err := m.Features.Extract(samples)
	res.Timing.Features = time.Since(t0)
	if err != nil {
		return stageError("features", -1, err)
	}
	if err := ctx.Err(); err != nil {
		return stageError("features", -1, err)
	}

	t0 = time.Now()
	enc, err := m.Encoder.Encode(ctx, feats)
	res.Timing.Encode = time.Since(t0)
	if err != nil {
		var ie *InferenceError
		if errors.As(err, &ie) {
			return err
		}
		return stageError("encoder", -1, err)
	}

	t0 = time.Now()
	res.Tokens, res.Stats, err = Decode(ctx, enc, m.Prediction, m.Joiner, DecodeOptions{
		Blank:             m.Vocab.Blank(),
		MaxTokensPerFrame: opts.MaxTokensPerFrame,
	})
	res.Timing.Decode = time.Since(t0)
	if err != nil {
		return err
	}
	res.Text = m.Vocab.Text(res.Tokens.IDs())
	return nil
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, resource.ErrExhausted):
		return "oom"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	return "error"
}

func (e *Engine) notePeak(ctx context.Context) {
	rss, err := resource.ProcessRSS(ctx)
	if err != nil {
		return
	}
	for {
		cur := e.peakRSS.Load()
		if rss <= cur || e.peakRSS.CompareAndSwap(cur, rss) {
			return
		}
	}
}

// Fallback swaps the engine to profile p. The new models are loaded before
// the old ones are released; on failure the engine keeps its backend.
func (e *Engine) Fallback(ctx context.Context, p resource.Profile) error {
	return e.swap(ctx, p, "fallback")
}

func (e *Engine) swap(ctx context.Context, p resource.Profile, reason string) error {
	e.mu.RLock()
	closed, cur := e.closed, e.backend
	e.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if cur.Profile() == p {
		return nil
	}

	m, err := e.load(ctx, p)
	if err == nil {
		err = m.validate()
	}
	if err != nil {
		m.close()
		return fmt.Errorf("transcribe: %s to %s: %w", reason, p.Name, err)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		m.close()
		return ErrClosed
	}
	old := e.models
	e.models, e.backend = m, NewBackend(p)
	e.mu.Unlock()

	old.close()
	slog.Info("transcribe: backend switched", "reason", reason, "from", cur.String(), "to", e.Backend().String())
	return nil
}

// Reclaim frees scratch allocations and returns unused heap to the OS
// when aggressive.
func (e *Engine) Reclaim(_ context.Context, aggressive bool) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.models.Reclaim != nil {
		e.models.Reclaim(aggressive)
	}
	e.mu.Unlock()

	runtime.GC()
	if aggressive {
		debug.FreeOSMemory()
	}
	return nil
}

// ResetPeak clears the recorded peak RSS.
func (e *Engine) ResetPeak() { e.peakRSS.Store(0) }

// OffloadToHost reloads the current model on the CPU, releasing the
// accelerator copy. It returns the profile now in use.
func (e *Engine) OffloadToHost(ctx context.Context) (resource.Profile, error) {
	p := e.Backend().Profile()
	if !p.GPU() {
		return p, nil
	}
	if err := e.swap(ctx, HostProfile(p), "offload"); err != nil {
		return p, err
	}
	return e.Backend().Profile(), nil
}

// Close releases the models. Transcribe calls after Close fail with
// ErrClosed.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	if e.models != nil && e.models.Close != nil {
		return e.models.Close()
	}
	return nil
}
