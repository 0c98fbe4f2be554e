package session

import (
	"fmt"
	"time"

	"github.com/chaz8081/gostt-live/internal/resource"
	"github.com/chaz8081/gostt-live/internal/transcribe"
)

// Event is one item on a session's event stream. The concrete types are
// the ones below.
type Event interface {
	event()
}

// SegmentReady is emitted when the VAD closes a segment, before it is
// decoded.
type SegmentReady struct {
	Seq        uint64
	Start, End time.Duration
	Forced     bool
}

// Timing places a decoded segment in the stream and says how long the
// decode took.
type Timing struct {
	SegmentStart time.Duration
	SegmentEnd   time.Duration
	Decode       transcribe.Timing
	Backend      string
}

// SegmentDecoded carries the transcription of one segment.
type SegmentDecoded struct {
	Seq    uint64
	Tokens transcribe.TokenSequence
	Text   string
	Stats  transcribe.DecodeStats
	Timing Timing
}

// SegmentFailed reports a segment that could not be decoded. Err matches
// transcribe.ErrTransientInference; the session carries on.
type SegmentFailed struct {
	Seq uint64
	Err error
}

// PressureChanged reports a memory pressure level transition.
type PressureChanged struct {
	From, To resource.Level
	Usage    float64
}

// BackendChanged reports an engine swap, e.g. the CPU fallback.
type BackendChanged struct {
	From, To string
}

// SessionEnded is always the last event.
type SessionEnded struct {
	Reason EndReason
	Err    error
}

func (SegmentReady) event()    {}
func (SegmentDecoded) event()  {}
func (SegmentFailed) event()   {}
func (PressureChanged) event() {}
func (BackendChanged) event()  {}
func (SessionEnded) event()    {}

// EndReason tells why a session ended.
type EndReason int

const (
	// NormalStop follows Stop or cancellation of the session context.
	NormalStop EndReason = iota
	// SourceEnded means the audio source reported end of stream.
	SourceEnded
	// FatalResourceExhaustion means memory could not be recovered.
	FatalResourceExhaustion
	// Failed means the audio path broke, e.g. the source returned an error.
	Failed
)

func (r EndReason) String() string {
	switch r {
	case NormalStop:
		return "normal_stop"
	case SourceEnded:
		return "source_ended"
	case FatalResourceExhaustion:
		return "fatal_resource_exhaustion"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("EndReason(%d)", int(r))
	}
}
