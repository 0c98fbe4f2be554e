// Package pipeline links an audio source to the VAD and hands completed
// segments to a single decode consumer over bounded queues.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chaz8081/gostt-live/internal/audio"
	"github.com/chaz8081/gostt-live/internal/observe"
	"github.com/chaz8081/gostt-live/internal/vad"
)

// Policy decides what the ingest stage does when the VAD queue is full.
type Policy int

const (
	// DropNewest discards the chunk that does not fit. Capture never
	// stalls; the lost audio is counted.
	DropNewest Policy = iota
	// Block waits for room, stalling the source. Nothing is lost.
	Block
)

func (p Policy) String() string {
	switch p {
	case DropNewest:
		return "drop"
	case Block:
		return "block"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy parses "drop" or "block".
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "drop":
		return DropNewest, nil
	case "block":
		return Block, nil
	}
	return 0, fmt.Errorf("pipeline: unknown backpressure policy %q", s)
}

// EndReason tells why a pipeline finished.
type EndReason int

const (
	EndSourceEnded EndReason = iota
	EndStopped
	EndCancelled
	EndFailed
)

func (r EndReason) String() string {
	switch r {
	case EndSourceEnded:
		return "source_ended"
	case EndStopped:
		return "stopped"
	case EndCancelled:
		return "cancelled"
	case EndFailed:
		return "failed"
	default:
		return fmt.Sprintf("EndReason(%d)", int(r))
	}
}

const (
	defaultSegmentQueue = 4
	defaultVADErrors    = 50
)

// Options configures Start. Zero values pick defaults.
type Options struct {
	// QueueChunks is the ingest queue capacity in chunks. See QueueChunks.
	QueueChunks  int
	SegmentQueue int
	Policy       Policy
	// MaxVADErrors consecutive failing chunks end the pipeline.
	MaxVADErrors int
	// OnSegment runs on the VAD task for each segment before it is queued.
	// It is never called after Stop returns.
	OnSegment func(vad.Segment)
	Metrics   *observe.Metrics
}

// QueueChunks returns how many chunks of chunkSamples cover seconds of
// audio at sampleRate, at least 1.
func QueueChunks(seconds float64, chunkSamples, sampleRate int) int {
	if chunkSamples <= 0 {
		return 1
	}
	return max(1, int(math.Ceil(seconds*float64(sampleRate)/float64(chunkSamples))))
}

// Handle controls a running pipeline.
type Handle struct {
	cancelIngest context.CancelFunc
	stopping     atomic.Bool
	sourceEnded  atomic.Bool
	stopOnce     sync.Once

	vadDone chan struct{}
	done    chan struct{}
	reason  EndReason
	err     error

	dropped   atomic.Uint64
	processed atomic.Uint64
	segments  atomic.Uint64
}

// Start launches the ingest and VAD tasks. The returned channel yields
// segments in stream order and is closed once both tasks have exited. The
// caller owns det until the channel closes.
func Start(ctx context.Context, src audio.Source, det *vad.Detector, opts Options) (<-chan vad.Segment, *Handle) {
	if opts.QueueChunks <= 0 {
		opts.QueueChunks = 1
	}
	if opts.SegmentQueue <= 0 {
		opts.SegmentQueue = defaultSegmentQueue
	}
	if opts.MaxVADErrors <= 0 {
		opts.MaxVADErrors = defaultVADErrors
	}

	g, gctx := errgroup.WithContext(ctx)
	ingestCtx, cancelIngest := context.WithCancel(gctx)

	h := &Handle{
		cancelIngest: cancelIngest,
		vadDone:      make(chan struct{}),
		done:         make(chan struct{}),
	}
	chunks := make(chan audio.Chunk, opts.QueueChunks)
	segments := make(chan vad.Segment, opts.SegmentQueue)

	g.Go(func() error {
		defer close(chunks)
		return h.ingest(ingestCtx, src, chunks, opts)
	})
	g.Go(func() error {
		defer close(h.vadDone)
		defer close(segments)
		return h.detect(gctx, det, chunks, segments, opts)
	})

	go func() {
		err := g.Wait()
		cancelIngest()
		switch {
		case err != nil:
			h.reason, h.err = EndFailed, err
		case h.stopping.Load():
			h.reason = EndStopped
		case h.sourceEnded.Load():
			h.reason = EndSourceEnded
		default:
			h.reason, h.err = EndCancelled, ctx.Err()
		}
		close(h.done)
	}()

	return segments, h
}

// ingest forwards chunks from src until it ends or ctx is cancelled.
func (h *Handle) ingest(ctx context.Context, src audio.Source, out chan<- audio.Chunk, opts Options) error {
	for {
		ch, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			h.sourceEnded.Store(true)
			slog.Debug("pipeline: source ended")
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("pipeline: reading audio: %w", err)
		}
		if !wellFormed(ch) {
			slog.Warn("pipeline: skipping malformed chunk", "seq", ch.Seq, "samples", len(ch.Samples))
			continue
		}

		switch opts.Policy {
		case Block:
			select {
			case out <- ch:
			case <-ctx.Done():
				return nil
			}
		default:
			select {
			case out <- ch:
			default:
				n := h.dropped.Add(1)
				opts.Metrics.RecordDroppedChunk(ctx)
				if n == 1 || n%50 == 0 {
					slog.Warn("pipeline: ingest queue full, dropping chunk", "seq", ch.Seq, "dropped", n)
				}
			}
		}
	}
}

// detect runs the VAD over every queued chunk. Once stopping is set the
// remaining chunks are drained unprocessed.
func (h *Handle) detect(ctx context.Context, det *vad.Detector, in <-chan audio.Chunk, out chan<- vad.Segment, opts Options) error {
	failures := 0
	send := func(seg vad.Segment) bool {
		if h.stopping.Load() {
			return true
		}
		if opts.OnSegment != nil {
			opts.OnSegment(seg)
		}
		h.segments.Add(1)
		opts.Metrics.RecordSegment(ctx, seg.Duration(), seg.Forced)
		select {
		case out <- seg:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for ch := range in {
		if h.stopping.Load() {
			continue
		}
		start := time.Now()
		res, err := det.Process(ch)
		h.processed.Add(1)
		opts.Metrics.RecordVADChunk(ctx, time.Since(start))
		if err != nil {
			failures++
			if failures == 1 || failures%10 == 0 {
				slog.Warn("pipeline: vad error", "seq", ch.Seq, "consecutive", failures, "err", err)
			}
			if failures >= opts.MaxVADErrors {
				return fmt.Errorf("pipeline: %d consecutive vad failures: %w", failures, err)
			}
		} else {
			failures = 0
		}
		for _, seg := range res.Segments {
			if !send(seg) {
				return nil
			}
		}
	}

	if h.sourceEnded.Load() && !h.stopping.Load() {
		if seg, ok := det.Flush(); ok {
			send(seg)
		}
	}
	return nil
}

func wellFormed(ch audio.Chunk) bool {
	if len(ch.Samples) == 0 {
		return false
	}
	for _, s := range ch.Samples {
		if math.IsNaN(float64(s)) || math.IsInf(float64(s), 0) {
			return false
		}
	}
	return true
}

// Stop closes ingest and halts segmentation. Segments already queued are
// still delivered; a partial utterance is discarded. When Stop returns no
// further segment will be produced. Safe to call more than once.
func (h *Handle) Stop() {
	h.stopOnce.Do(func() {
		h.stopping.Store(true)
		h.cancelIngest()
	})
	<-h.vadDone
}

// Done is closed when both tasks have exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the pipeline has finished and returns why.
func (h *Handle) Wait() (EndReason, error) {
	<-h.done
	return h.reason, h.err
}

// Dropped returns how many chunks the drop policy discarded.
func (h *Handle) Dropped() uint64 { return h.dropped.Load() }

// Processed returns how many chunks the VAD has scored.
func (h *Handle) Processed() uint64 { return h.processed.Load() }

// Segments returns how many segments have been emitted.
func (h *Handle) Segments() uint64 { return h.segments.Load() }
