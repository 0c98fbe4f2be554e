package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/chaz8081/gostt-live/internal/audio"
	"github.com/chaz8081/gostt-live/internal/config"
	"github.com/chaz8081/gostt-live/internal/hotkey"
	"github.com/chaz8081/gostt-live/internal/inject"
	"github.com/chaz8081/gostt-live/internal/observe"
	"github.com/chaz8081/gostt-live/internal/pipeline"
	"github.com/chaz8081/gostt-live/internal/session"
)

// runDictation serves hotkey-driven sessions until ctx is done or memory
// exhaustion becomes fatal.
func runDictation(ctx context.Context, cfg *config.Config, path string) error {
	current := func() *config.Config { return cfg }
	if path != "" {
		w, err := config.NewWatcher(path, func(_, _ *config.Config) {
			slog.Info("config reloaded; changes apply to the next session", "path", path)
		})
		if err != nil {
			slog.Warn("not watching config file", "err", err)
		} else {
			defer w.Stop()
			current = w.Current
		}
	}

	st, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.close()

	mode, err := hotkey.ParseMode(cfg.Hotkey.Mode)
	if err != nil {
		return err
	}
	method, err := inject.ParseMethod(cfg.Inject.Method)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return st.resources.Run(gctx) })
	if addr := cfg.Metrics.Listen; addr != "" {
		g.Go(func() error {
			if err := observe.Serve(gctx, addr, st.ready); err != nil {
				slog.Warn("metrics endpoint disabled", "err", err)
			}
			return nil
		})
	}

	listener := hotkey.NewListener(cfg.Hotkey.Keys, mode)
	go listener.Run(gctx)

	d := &dictation{
		st:       st,
		config:   current,
		listener: listener,
		injector: inject.NewInjector(method),
	}
	fmt.Println("Ready! Press", strings.Join(cfg.Hotkey.Keys, "+"), "to dictate. Ctrl+C to quit.")
	g.Go(func() error { return d.loop(gctx) })

	err = g.Wait()
	slog.Info("goodbye")
	return err
}

// dictation runs at most one session at a time.
type dictation struct {
	st       *stack
	config   func() *config.Config
	listener *hotkey.Listener
	injector *inject.Injector

	active *session.Session
}

func (d *dictation) loop(ctx context.Context) error {
	var ended <-chan struct{}
	for {
		select {
		case <-ctx.Done():
			d.stop()
			return nil

		case ev, ok := <-d.listener.Events():
			if !ok {
				d.stop()
				return nil
			}
			switch ev.Type {
			case hotkey.EventStart:
				ended = d.start(ctx)
			case hotkey.EventStop:
				d.stop()
				ended = nil
			}

		case <-ended:
			ended = nil
			reason, err := d.active.Wait()
			d.active = nil
			d.listener.SessionEnded()
			if reason == session.FatalResourceExhaustion {
				return err
			}

		case <-d.st.resources.Fatal():
			d.stop()
			return d.st.resources.Err()
		}
	}
}

// start opens the microphone and starts a session with the current
// config. It returns the session's Done channel, or nil on failure.
func (d *dictation) start(ctx context.Context) <-chan struct{} {
	if d.active != nil {
		return d.active.Done()
	}
	cfg := d.config()
	scfg, err := session.FromConfig(cfg)
	if err != nil {
		slog.Error("cannot start session", "err", err)
		d.listener.SessionEnded()
		return nil
	}

	mic, err := audio.NewMicSource(cfg.Audio.SampleRate, cfg.Audio.Channels, chunkSamples(cfg))
	if err != nil {
		slog.Error("cannot open microphone; check microphone access in the system privacy settings", "err", err)
		d.listener.SessionEnded()
		return nil
	}
	s, err := session.Start(ctx, mic, scfg, d.st.deps())
	if err != nil {
		mic.Close()
		slog.Error("cannot start session", "err", err)
		d.listener.SessionEnded()
		return nil
	}

	d.active = s
	d.injector.Reset()
	go d.consume(s, mic)
	slog.Info("listening", "session", s.ID)
	return s.Done()
}

// consume injects decoded text and closes the microphone at the end.
func (d *dictation) consume(s *session.Session, mic *audio.MicSource) {
	defer mic.Close()
	for ev := range s.Events() {
		switch e := ev.(type) {
		case session.SegmentDecoded:
			slog.Info("transcribed",
				"seq", e.Seq,
				"text", e.Text,
				"backend", e.Timing.Backend,
				"rtf", fmt.Sprintf("%.3f", e.Timing.Decode.RTF()),
			)
			if err := d.injector.Inject(e.Text); err != nil {
				slog.Error("text injection failed", "err", err)
			}
		case session.SegmentFailed:
			slog.Warn("segment dropped", "seq", e.Seq, "err", e.Err)
		case session.PressureChanged:
			slog.Info("memory pressure", "from", e.From, "to", e.To, "usage_percent", e.Usage)
		case session.BackendChanged:
			slog.Warn("inference backend changed", "from", e.From, "to", e.To)
		case session.SessionEnded:
			slog.Info("session ended", "session", s.ID, "reason", e.Reason, "err", e.Err,
				"mic_overruns", mic.Overruns(), "dropped_chunks", s.Dropped())
		}
	}
}

func (d *dictation) stop() {
	if d.active == nil {
		return
	}
	d.active.Stop()
	d.active.Wait()
	d.active = nil
}

// runWAV transcribes a file through the same session path as the
// microphone, without dropping audio, and prints one line per segment.
func runWAV(ctx context.Context, cfg *config.Config, path string) error {
	st, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.close()

	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go st.resources.Run(rctx)

	scfg, err := session.FromConfig(cfg)
	if err != nil {
		return err
	}
	scfg.Backpressure = pipeline.Block

	src, err := audio.OpenWAV(path, chunkSamples(cfg))
	if err != nil {
		return err
	}
	defer src.Close()

	s, err := session.Start(ctx, src, scfg, st.deps())
	if err != nil {
		return err
	}
	var failed int
	for ev := range s.Events() {
		switch e := ev.(type) {
		case session.SegmentDecoded:
			fmt.Printf("[%s - %s] %s\n", e.Timing.SegmentStart, e.Timing.SegmentEnd, e.Text)
			slog.Debug("segment timing", "seq", e.Seq, "rtf", e.Timing.Decode.RTF(), "joiner_calls", e.Stats.JoinerCalls)
		case session.SegmentFailed:
			failed++
			slog.Warn("segment failed", "seq", e.Seq, "err", e.Err)
		case session.BackendChanged:
			slog.Warn("inference backend changed", "from", e.From, "to", e.To)
		}
	}

	reason, err := s.Wait()
	switch reason {
	case session.SourceEnded, session.NormalStop:
		if failed > 0 {
			return fmt.Errorf("%d segments failed to decode", failed)
		}
		return nil
	}
	if err == nil {
		err = errors.New(reason.String())
	}
	return err
}
