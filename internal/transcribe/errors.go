package transcribe

import (
	"errors"
	"fmt"

	"github.com/chaz8081/gostt-live/internal/resource"
)

// ErrTransientInference is matched by every per-segment inference failure.
// The session keeps running after one.
var ErrTransientInference = errors.New("transcribe: transient inference failure")

// InferenceError describes a failed sub-model call.
type InferenceError struct {
	// Stage is "features", "encoder", "decoder", "joiner" or "decode".
	Stage string
	// Frame is the encoder frame being decoded, or -1.
	Frame int
	Err   error
}

func (e *InferenceError) Error() string {
	if e.Frame >= 0 {
		return fmt.Sprintf("transcribe: %s failed at frame %d: %v", e.Stage, e.Frame, e.Err)
	}
	return fmt.Sprintf("transcribe: %s failed: %v", e.Stage, e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }

// Is matches ErrTransientInference, and resource.ErrExhausted when the
// cause was an allocation failure.
func (e *InferenceError) Is(target error) bool {
	switch target {
	case ErrTransientInference:
		return true
	case resource.ErrExhausted:
		return resource.IsOOM(e.Err)
	}
	return false
}

// OOM reports whether the failure was an out-of-memory condition.
func (e *InferenceError) OOM() bool { return resource.IsOOM(e.Err) }

func stageError(stage string, frame int, err error) error {
	return &InferenceError{Stage: stage, Frame: frame, Err: err}
}
