// Package ortenv owns the process-wide ONNX Runtime environment shared by the
// VAD and speech models.
package ortenv

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

var (
	mu    sync.Mutex
	users int
)

// DefaultLibraryPath returns the usual onnxruntime shared library name for
// the current platform.
func DefaultLibraryPath() string {
	switch runtime.GOOS {
	case "darwin":
		return "libonnxruntime.dylib"
	case "windows":
		return "onnxruntime.dll"
	default:
		return "libonnxruntime.so"
	}
}

// Acquire initializes the environment on first use and returns a release
// func. The library path of the first caller wins.
func Acquire(libPath string) (release func(), err error) {
	mu.Lock()
	defer mu.Unlock()

	if users == 0 && !ort.IsInitialized() {
		if libPath == "" {
			libPath = DefaultLibraryPath()
		}
		ort.SetSharedLibraryPath(libPath)
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("ortenv: initializing onnxruntime from %s: %w", libPath, err)
		}
		slog.Debug("ortenv: onnxruntime initialized", "lib", libPath)
	}
	users++

	var once sync.Once
	return func() { once.Do(release) }, nil
}

func release() {
	mu.Lock()
	defer mu.Unlock()
	users--
	if users == 0 && ort.IsInitialized() {
		if err := ort.DestroyEnvironment(); err != nil {
			slog.Warn("ortenv: destroying environment", "err", err)
		}
	}
}

// SessionOptions builds session options for threads intra-op threads and,
// when gpu is set, the CUDA execution provider. A missing CUDA provider is
// reported as an error so the caller can fall back to CPU.
func SessionOptions(threads int, gpu bool) (*ort.SessionOptions, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("ortenv: session options: %w", err)
	}
	if threads > 0 {
		if err := opts.SetIntraOpNumThreads(threads); err != nil {
			opts.Destroy()
			return nil, fmt.Errorf("ortenv: setting threads: %w", err)
		}
	}
	if gpu {
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			opts.Destroy()
			return nil, fmt.Errorf("ortenv: cuda provider options: %w", err)
		}
		defer cuda.Destroy()
		if err := opts.AppendExecutionProviderCUDA(cuda); err != nil {
			opts.Destroy()
			return nil, fmt.Errorf("ortenv: enabling cuda: %w", err)
		}
	}
	return opts, nil
}
