// Package models locates, verifies and downloads the speech and VAD model
// files.
package models

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/chaz8081/gostt-live/internal/resource"
)

// ErrMissing is returned when a model set is incomplete on disk.
var ErrMissing = errors.New("models: model files missing")

// Files locates one transducer model set.
type Files struct {
	Dir     string
	Encoder string
	Decoder string
	Joiner  string
	Tokens  string
	// Source is the Hugging Face repository the set is published in, or ""
	// when it has to be exported by hand.
	Source string
}

type variant struct {
	dir    string
	suffix string
	source string
}

// variants is keyed by "<model size>/<precision>".
var variants = map[string]variant{
	"0.6b/int8": {
		dir:    "sherpa-onnx-nemo-parakeet-tdt-0.6b-v3-int8",
		suffix: ".int8.onnx",
		source: "csukuangfj/sherpa-onnx-nemo-parakeet-tdt-0.6b-v3-int8",
	},
	"0.6b/fp32": {
		dir:    "sherpa-onnx-nemo-parakeet-tdt-0.6b-v3-onnx",
		suffix: ".onnx",
	},
	"1.1b/int8": {
		dir:    "parakeet-tdt-1.1b-onnx",
		suffix: ".int8.onnx",
	},
}

// Layout returns where the model set for p lives under root.
func Layout(root string, p resource.Profile) (Files, error) {
	key := p.ModelSize + "/" + strings.ToLower(p.Precision)
	v, ok := variants[key]
	if !ok {
		return Files{}, fmt.Errorf("models: no model set for %s (%s)", p.Name, key)
	}
	dir := filepath.Join(root, v.dir)
	return Files{
		Dir:     dir,
		Encoder: filepath.Join(dir, "encoder"+v.suffix),
		Decoder: filepath.Join(dir, "decoder"+v.suffix),
		Joiner:  filepath.Join(dir, "joiner"+v.suffix),
		Tokens:  filepath.Join(dir, "tokens.txt"),
		Source:  v.source,
	}, nil
}

// Paths lists the files of the set.
func (f Files) Paths() []string {
	return []string{f.Encoder, f.Decoder, f.Joiner, f.Tokens}
}

// Missing returns the files that do not exist or are empty.
func (f Files) Missing() []string {
	var missing []string
	for _, p := range f.Paths() {
		if info, err := os.Stat(p); err != nil || info.Size() == 0 {
			missing = append(missing, p)
		}
	}
	return missing
}

// Verify checks every file of the set is present.
func (f Files) Verify() error {
	if missing := f.Missing(); len(missing) > 0 {
		return fmt.Errorf("%w in %s: %s", ErrMissing, f.Dir, strings.Join(relative(f.Dir, missing), ", "))
	}
	return nil
}

func relative(dir string, paths []string) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		if r, err := filepath.Rel(dir, p); err == nil {
			out[i] = r
		} else {
			out[i] = p
		}
	}
	return out
}

// SileroPath is where the Silero VAD model is kept under root.
func SileroPath(root string) string {
	return filepath.Join(root, "silero-vad", "silero_vad.onnx")
}
