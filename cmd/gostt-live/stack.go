package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chaz8081/gostt-live/internal/config"
	"github.com/chaz8081/gostt-live/internal/observe"
	"github.com/chaz8081/gostt-live/internal/resource"
	"github.com/chaz8081/gostt-live/internal/session"
	"github.com/chaz8081/gostt-live/internal/transcribe"
	"github.com/chaz8081/gostt-live/internal/vad"
)

// stack holds the components shared by every session of one process.
type stack struct {
	metrics   *observe.Metrics
	resources *resource.Manager
	engine    *transcribe.Engine
	vad       vad.Model

	closers []func() error
}

func build(ctx context.Context, cfg *config.Config) (*stack, error) {
	st := &stack{}
	ok := false
	defer func() {
		if !ok {
			st.close()
		}
	}()

	shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		return nil, err
	}
	st.closers = append(st.closers, func() error {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return shutdown(sctx)
	})
	st.metrics = observe.DefaultMetrics()

	override, err := resource.ParseOverride(cfg.Transcribe.Backend)
	if err != nil {
		return nil, err
	}
	probe := resource.DetectProbe(ctx, cfg.Resource.UnifiedMemoryFraction)
	profile, err := resource.SelectProfile(ctx, probe, override)
	if err != nil {
		return nil, err
	}

	rc := cfg.Resource
	st.resources, err = resource.NewManager(probe, profile, nil, resource.Options{
		Thresholds: resource.Thresholds{
			Warning:    rc.WarningPercent,
			Critical:   rc.CriticalPercent,
			Emergency:  rc.EmergencyPercent,
			Shutdown:   rc.ShutdownPercent,
			Hysteresis: rc.HysteresisPercent,
		},
		PollInterval: rc.PollInterval,
		MaxOOMErrors: rc.MaxOOMErrors,
		Metrics:      st.metrics,
	})
	if err != nil {
		return nil, err
	}

	load := transcribe.ONNXLoader(cfg.Transcribe.ModelsDir, transcribe.ONNXOptions{
		LibPath: cfg.Transcribe.ONNXRuntimeLib,
		Threads: cfg.Transcribe.Threads,
	})
	opts := transcribe.EngineOptions{
		DecodeTimeout:     cfg.Transcribe.DecodeTimeout,
		MaxTokensPerFrame: cfg.Transcribe.MaxTokensPerFrame,
		SampleRate:        int(cfg.Audio.SampleRate),
		Metrics:           st.metrics,
	}
	slog.Info("loading models", "profile", profile.Name, "dir", cfg.Transcribe.ModelsDir)
	start := time.Now()
	st.engine, err = transcribe.NewEngine(ctx, load, profile, opts)
	if err != nil && profile.GPU() && override == resource.OverrideAuto {
		slog.Warn("gpu model set failed to load, using cpu", "profile", profile.Name, "err", err)
		st.engine, err = transcribe.NewEngine(ctx, load, resource.ProfileCPU, opts)
		st.resources.SetProfile(resource.ProfileCPU)
	}
	if err != nil {
		return nil, fmt.Errorf("%w\n\nRun 'gostt-live -download' to fetch the models", err)
	}
	st.closers = append(st.closers, st.engine.Close)
	slog.Info("models loaded", "backend", st.engine.Backend().String(), "took", time.Since(start).Round(time.Millisecond))

	st.resources.SetReclaimer(st.engine)
	if err := st.metrics.ObservePressure(
		func() int64 { return int64(st.resources.Level()) },
		st.resources.Usage,
	); err != nil {
		slog.Warn("registering pressure gauges", "err", err)
	}

	st.vad, err = newVAD(cfg)
	if err != nil {
		return nil, err
	}
	if c, isCloser := st.vad.(interface{ Close() error }); isCloser {
		st.closers = append(st.closers, c.Close)
	}
	ok = true
	return st, nil
}

func newVAD(cfg *config.Config) (vad.Model, error) {
	switch cfg.VAD.Model {
	case "silero":
		m, err := vad.NewSileroModel(cfg.VAD.ModelPath, cfg.Transcribe.ONNXRuntimeLib, cfg.VAD.WindowSize, int(cfg.Audio.SampleRate))
		if err != nil {
			return nil, fmt.Errorf("%w\n\nRun 'gostt-live -download' to fetch the Silero model", err)
		}
		return m, nil
	default:
		return vad.NewEnergyModel(), nil
	}
}

func (st *stack) deps() session.Deps {
	return session.Deps{
		VAD:       st.vad,
		Engine:    st.engine,
		Resources: st.resources,
		Metrics:   st.metrics,
	}
}

// ready reports unhealthy once memory exhaustion was fatal.
func (st *stack) ready() error {
	return st.resources.Err()
}

// close releases everything in reverse order of creation.
func (st *stack) close() {
	var errs []error
	for i := len(st.closers) - 1; i >= 0; i-- {
		if err := st.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		slog.Warn("shutdown", "err", err)
	}
}

func chunkSamples(cfg *config.Config) int {
	return int(cfg.Audio.SampleRate) * cfg.Audio.ChunkMS / 1000
}
