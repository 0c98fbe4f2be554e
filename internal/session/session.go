// Package session runs one dictation session: audio source to VAD to
// decoder, with memory pressure handling, reported as an ordered stream of
// events.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/chaz8081/gostt-live/internal/audio"
	"github.com/chaz8081/gostt-live/internal/observe"
	"github.com/chaz8081/gostt-live/internal/pipeline"
	"github.com/chaz8081/gostt-live/internal/resource"
	"github.com/chaz8081/gostt-live/internal/transcribe"
	"github.com/chaz8081/gostt-live/internal/vad"
)

const (
	eventBuffer      = 64
	oomReportTimeout = 5 * time.Second
)

// Transcriber is the engine a session decodes with. *transcribe.Engine
// implements it.
type Transcriber interface {
	Transcribe(ctx context.Context, samples []float32) (transcribe.Result, error)
	Backend() transcribe.Backend
	Fallback(ctx context.Context, p resource.Profile) error
	Tune(maxTokensPerFrame int, decodeTimeout time.Duration)
}

var _ Transcriber = (*transcribe.Engine)(nil)

// Deps are the long-lived components a session borrows. VAD and Engine are
// required. A nil Resources disables pressure handling.
type Deps struct {
	VAD       vad.Model
	Engine    Transcriber
	Resources *resource.Manager
	Metrics   *observe.Metrics
}

// Session is one running dictation session.
type Session struct {
	ID uuid.UUID

	deps   Deps
	handle *pipeline.Handle
	quit   <-chan struct{}
	events chan Event

	stopping atomic.Bool
	fatal    atomic.Bool
	fatalErr error

	done   chan struct{}
	reason EndReason
	err    error
}

// Start validates cfg, switches the engine to the configured backend and
// starts reading src. The session runs until Stop, the end of src,
// cancellation of ctx or fatal memory exhaustion.
//
// Events must be drained until it is closed.
func Start(ctx context.Context, src audio.Source, cfg Config, deps Deps) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.VAD == nil || deps.Engine == nil {
		return nil, fmt.Errorf("%w: a VAD model and an engine are required", ErrConfiguration)
	}
	if r, ok := src.(audio.SampleRater); ok && r.SampleRate() != cfg.SampleRate {
		return nil, fmt.Errorf("%w: source rate %d Hz, session expects %d Hz", ErrConfiguration, r.SampleRate(), cfg.SampleRate)
	}
	if err := vad.CheckThreshold(deps.VAD, cfg.VADThreshold); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	if rm := deps.Resources; rm != nil && rm.Err() != nil {
		return nil, rm.Err()
	}
	if err := selectBackend(ctx, cfg.BackendOverride, deps); err != nil {
		return nil, err
	}
	deps.Engine.Tune(cfg.MaxTokensPerFrame, cfg.DecodeTimeout)

	det, err := vad.NewDetector(deps.VAD, cfg.vadConfig())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	det.Reset()

	s := &Session{
		ID:     uuid.New(),
		deps:   deps,
		quit:   ctx.Done(),
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
	}

	changes, unsubscribe := (<-chan resource.Change)(nil), func() {}
	if deps.Resources != nil {
		changes, unsubscribe = deps.Resources.Subscribe(eventBuffer)
	}

	segs, h := pipeline.Start(ctx, src, det, pipeline.Options{
		QueueChunks: cfg.QueueChunks,
		Policy:      cfg.Backpressure,
		Metrics:     deps.Metrics,
		OnSegment: func(seg vad.Segment) {
			s.emit(SegmentReady{Seq: seg.Seq, Start: seg.Start, End: seg.End, Forced: seg.Forced})
		},
	})
	s.handle = h

	deps.Metrics.SessionStarted(ctx)
	slog.Info("session: started",
		"id", s.ID,
		"backend", deps.Engine.Backend().String(),
		"vad_threshold", cfg.VADThreshold,
		"backpressure", cfg.Backpressure,
	)
	go s.run(ctx, segs, changes, unsubscribe)
	return s, nil
}

// selectBackend moves the engine to the profile the override asks for. In
// auto mode the engine keeps the profile it was loaded with unless the CPU
// fallback has latched.
func selectBackend(ctx context.Context, o resource.Override, deps Deps) error {
	rm := deps.Resources
	if o == resource.OverrideAuto && (rm == nil || !rm.FallbackLatched()) {
		return nil
	}

	var (
		want resource.Profile
		err  error
	)
	if rm != nil {
		want, err = rm.SelectProfile(ctx, o)
	} else {
		want, err = resource.SelectProfile(ctx, nil, o)
	}
	if err != nil {
		if errors.Is(err, resource.ErrNoAccelerator) || errors.Is(err, resource.ErrUnknownOverride) {
			return fmt.Errorf("%w: %w", ErrConfiguration, err)
		}
		return fmt.Errorf("session: selecting backend: %w", err)
	}

	cur := deps.Engine.Backend().Profile()
	if cur.Name == want.Name {
		return nil
	}
	if err := deps.Engine.Fallback(ctx, want); err != nil {
		return fmt.Errorf("session: switching backend to %s: %w", want.Name, err)
	}
	if rm != nil {
		rm.SetProfile(want)
	}
	return nil
}

// Events returns the event stream. The last event is a SessionEnded, after
// which the channel is closed.
func (s *Session) Events() <-chan Event { return s.events }

// Stop ends capture. Segments already cut are still decoded; speech not
// yet closed by the VAD is discarded. No SegmentReady is emitted after Stop
// returns. Safe to call more than once.
func (s *Session) Stop() {
	s.stopping.Store(true)
	s.handle.Stop()
}

// Done is closed when the session has ended.
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until the session has ended and returns why.
func (s *Session) Wait() (EndReason, error) {
	<-s.done
	return s.reason, s.err
}

// Dropped returns how many audio chunks the drop policy discarded.
func (s *Session) Dropped() uint64 { return s.handle.Dropped() }

// emit delivers ev unless the session context is gone.
func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.quit:
	}
}

func (s *Session) run(ctx context.Context, segs <-chan vad.Segment, changes <-chan resource.Change, unsubscribe func()) {
	decodeCtx, abort := context.WithCancel(ctx)
	defer abort()
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()

	var g errgroup.Group
	g.Go(func() error {
		defer stopWatch()
		s.consume(decodeCtx, segs)
		return nil
	})
	g.Go(func() error {
		s.watch(watchCtx, changes, abort)
		return nil
	})
	_ = g.Wait()
	unsubscribe()

	preason, perr := s.handle.Wait()
	switch {
	case s.fatal.Load():
		s.reason, s.err = FatalResourceExhaustion, s.fatalErr
	case preason == pipeline.EndFailed:
		s.reason, s.err = Failed, perr
	case preason == pipeline.EndSourceEnded && !s.stopping.Load():
		s.reason = SourceEnded
	case preason == pipeline.EndCancelled:
		s.reason, s.err = NormalStop, perr
	default:
		s.reason = NormalStop
	}

	s.deps.Metrics.SessionEnded(context.WithoutCancel(ctx))
	slog.Info("session: ended", "id", s.ID, "reason", s.reason, "err", s.err, "dropped_chunks", s.handle.Dropped())

	// Every other emitter has returned; this is the only send that may
	// block on a context that is already gone.
	s.events <- SessionEnded{Reason: s.reason, Err: s.err}
	close(s.events)
	close(s.done)
}

// consume decodes segments in order until the pipeline closes segs. After
// a fatal error the remaining segments are drained undecoded.
func (s *Session) consume(ctx context.Context, segs <-chan vad.Segment) {
	for seg := range segs {
		if s.fatal.Load() {
			continue
		}
		s.applyFallback(ctx)

		res, err := s.deps.Engine.Transcribe(ctx, seg.Samples)
		if err != nil {
			slog.Warn("session: segment failed", "id", s.ID, "seq", seg.Seq, "err", err)
			s.emit(SegmentFailed{Seq: seg.Seq, Err: err})
			if errors.Is(err, resource.ErrExhausted) {
				s.reportOOM(ctx)
			}
			continue
		}
		if rm := s.deps.Resources; rm != nil {
			rm.ReportSuccess()
		}
		s.emit(SegmentDecoded{
			Seq:    seg.Seq,
			Tokens: res.Tokens,
			Text:   res.Text,
			Stats:  res.Stats,
			Timing: Timing{
				SegmentStart: seg.Start,
				SegmentEnd:   seg.End,
				Decode:       res.Timing,
				Backend:      res.Backend,
			},
		})
	}
}

func (s *Session) reportOOM(ctx context.Context) {
	rm := s.deps.Resources
	if rm == nil {
		return
	}
	rctx, cancel := context.WithTimeout(ctx, oomReportTimeout)
	defer cancel()
	act, err := rm.ReportOOM(rctx)
	if err != nil {
		slog.Warn("session: reporting oom", "id", s.ID, "err", err)
		return
	}
	slog.Debug("session: oom reported", "id", s.ID, "consecutive", act.Consecutive, "level", act.Level, "fallback", act.Fallback)
	s.applyFallback(ctx)
}

// applyFallback moves a GPU engine to the CPU profile once the manager has
// latched the fallback, and keeps the manager's profile in step with the
// engine's, which an offload may also have changed.
func (s *Session) applyFallback(ctx context.Context) {
	rm := s.deps.Resources
	if rm == nil {
		return
	}
	from := s.deps.Engine.Backend()
	if rm.FallbackLatched() && from.Profile().GPU() {
		if err := s.deps.Engine.Fallback(ctx, resource.ProfileCPU); err != nil {
			slog.Error("session: cpu fallback failed", "id", s.ID, "err", err)
			return
		}
		s.emit(BackendChanged{From: from.String(), To: s.deps.Engine.Backend().String()})
	}
	if p := s.deps.Engine.Backend().Profile(); rm.Profile() != p {
		rm.SetProfile(p)
	}
}

// watch forwards pressure changes and ends the session on fatal
// exhaustion.
func (s *Session) watch(ctx context.Context, changes <-chan resource.Change, abort context.CancelFunc) {
	var fatal <-chan struct{}
	if rm := s.deps.Resources; rm != nil {
		fatal = rm.Fatal()
	}
	for {
		select {
		case <-ctx.Done():
			s.forward(changes)
			return
		case c, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			s.emit(PressureChanged{From: c.From, To: c.To, Usage: c.Usage})
		case <-fatal:
			fatal = nil
			s.forward(changes)
			s.fatalErr = s.deps.Resources.Err()
			s.fatal.Store(true)
			slog.Error("session: ending on memory exhaustion", "id", s.ID, "err", s.fatalErr)
			abort()
			s.handle.Stop()
		}
	}
}

// forward emits the changes already buffered on changes.
func (s *Session) forward(changes <-chan resource.Change) {
	for {
		select {
		case c, ok := <-changes:
			if !ok {
				return
			}
			s.emit(PressureChanged{From: c.From, To: c.To, Usage: c.Usage})
		default:
			return
		}
	}
}
