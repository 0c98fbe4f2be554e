package transcribe

import (
	"context"
	"fmt"
	"time"

	"github.com/chaz8081/gostt-live/internal/features"
)

const (
	// DefaultBlankID is the blank token of the Parakeet TDT vocabularies:
	// the last of 1025 ids.
	DefaultBlankID = 1024
	// DefaultMaxTokensPerFrame caps emissions on one encoder frame.
	DefaultMaxTokensPerFrame = 10
	// DefaultFrameShift is the encoder frame period: 10 ms features
	// subsampled 8x.
	DefaultFrameShift = 80 * time.Millisecond
)

// DefaultDurations are the frame advances the duration head can predict.
var DefaultDurations = []int{0, 1, 2, 3, 4}

// EncoderFrames is encoder output laid out frame-major: Data[t*Dim+h].
type EncoderFrames struct {
	Data   []float32
	Frames int
	Dim    int
}

// Frame returns the hidden vector of frame t.
func (e EncoderFrames) Frame(t int) []float32 {
	return e.Data[t*e.Dim : (t+1)*e.Dim]
}

// DecoderState is the prediction network's recurrent state. It is a value
// threaded through Predict calls and never shared between segments.
type DecoderState struct {
	Output    []float32
	Hidden    [][]float32
	LastToken int32
}

// JointLogits are the joiner's two heads for one (frame, state) pair.
type JointLogits struct {
	Tokens    []float32
	Durations []float32
}

// Encoder maps features to encoder frames.
type Encoder interface {
	Encode(ctx context.Context, f features.Features) (EncoderFrames, error)
}

// PredictionNetwork advances the decoder by one token. A zero state means
// the initial state.
type PredictionNetwork interface {
	Predict(ctx context.Context, token int32, state DecoderState) (DecoderState, error)
}

// Joiner combines one encoder frame with the decoder output.
type Joiner interface {
	Join(ctx context.Context, enc, dec []float32) (JointLogits, error)
}

// FrameEmission is the decision taken on one joiner evaluation.
type FrameEmission struct {
	Token    int32
	Duration int
	Blank    bool
	Frame    int
}

// Token is one emitted token with its timing in encoder frames.
type Token struct {
	ID       int32
	Frame    int
	Duration int
}

// TokenSequence is the decoded output of one segment.
type TokenSequence struct {
	Tokens     []Token
	FrameShift time.Duration
}

// IDs returns the token ids in order.
func (s TokenSequence) IDs() []int32 {
	ids := make([]int32, len(s.Tokens))
	for i, t := range s.Tokens {
		ids[i] = t.ID
	}
	return ids
}

// Offset returns the time of token i from the start of the segment.
func (s TokenSequence) Offset(i int) time.Duration {
	return time.Duration(s.Tokens[i].Frame) * s.FrameShift
}

// DecodeStats counts the work done by Decode.
type DecodeStats struct {
	Frames       int
	JoinerCalls  int
	DecoderCalls int
	// SkipTotal is the number of frames advanced. It equals Frames once
	// decoding completes.
	SkipTotal int
}

// DecodeOptions configures Decode. Apart from Blank, zero values pick the
// defaults above.
type DecodeOptions struct {
	// Blank is the blank token id, usually Vocabulary.Blank().
	Blank             int32
	Durations         []int
	MaxTokensPerFrame int
	FrameShift        time.Duration
	// OnEmission, when set, sees every joiner decision.
	OnEmission func(FrameEmission)
}

func (o DecodeOptions) withDefaults() DecodeOptions {
	if len(o.Durations) == 0 {
		o.Durations = DefaultDurations
	}
	if o.MaxTokensPerFrame <= 0 {
		o.MaxTokensPerFrame = DefaultMaxTokensPerFrame
	}
	if o.FrameShift <= 0 {
		o.FrameShift = DefaultFrameShift
	}
	return o
}

// Decode runs greedy TDT decoding over frames. Each iteration evaluates
// the joiner once; a non-blank token is appended and fed straight back
// through the prediction network, and the predicted duration moves the
// frame pointer. A blank with duration 0, or hitting MaxTokensPerFrame on
// one frame, forces a one-frame advance.
//
// Any sub-model error or ctx expiry aborts the segment with an
// *InferenceError.
func Decode(ctx context.Context, frames EncoderFrames, pred PredictionNetwork, join Joiner, opts DecodeOptions) (TokenSequence, DecodeStats, error) {
	opts = opts.withDefaults()
	seq := TokenSequence{FrameShift: opts.FrameShift}
	stats := DecodeStats{Frames: frames.Frames}

	if frames.Frames > 0 && len(frames.Data) < frames.Frames*frames.Dim {
		return seq, stats, stageError("decode", -1,
			fmt.Errorf("encoder output has %d values, want %d x %d", len(frames.Data), frames.Frames, frames.Dim))
	}

	state, err := pred.Predict(ctx, opts.Blank, DecoderState{LastToken: -1})
	stats.DecoderCalls++
	if err != nil {
		return seq, stats, stageError("decoder", -1, fmt.Errorf("initial blank step: %w", err))
	}

	t, onFrame := 0, 0
	for t < frames.Frames {
		if err := ctx.Err(); err != nil {
			return seq, stats, stageError("decode", t, err)
		}

		logits, err := join.Join(ctx, frames.Frame(t), state.Output)
		stats.JoinerCalls++
		if err != nil {
			return seq, stats, stageError("joiner", t, err)
		}
		if len(logits.Tokens) == 0 || len(logits.Durations) != len(opts.Durations) {
			return seq, stats, stageError("joiner", t,
				fmt.Errorf("got %d token and %d duration logits, want >0 and %d",
					len(logits.Tokens), len(logits.Durations), len(opts.Durations)))
		}

		token := int32(argmax(logits.Tokens))
		duration := opts.Durations[argmax(logits.Durations)]
		blank := token == opts.Blank
		if opts.OnEmission != nil {
			opts.OnEmission(FrameEmission{Token: token, Duration: duration, Blank: blank, Frame: t})
		}

		if !blank {
			seq.Tokens = append(seq.Tokens, Token{ID: token, Frame: t, Duration: duration})
			state, err = pred.Predict(ctx, token, state)
			stats.DecoderCalls++
			if err != nil {
				return seq, stats, stageError("decoder", t, err)
			}
			onFrame++
		}

		skip := duration
		switch {
		case onFrame >= opts.MaxTokensPerFrame, blank && duration == 0:
			skip, onFrame = 1, 0
		case skip > 0:
			onFrame = 0
		}
		skip = min(skip, frames.Frames-t)
		t += skip
		stats.SkipTotal += skip
	}
	return seq, stats, nil
}

func argmax(v []float32) int {
	best := 0
	for i := 1; i < len(v); i++ {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}
