package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every error returned from Validate.
var ErrInvalid = errors.New("invalid configuration")

// Config holds all application configuration.
type Config struct {
	Hotkey     HotkeyConfig     `yaml:"hotkey"`
	Audio      AudioConfig      `yaml:"audio"`
	VAD        VADConfig        `yaml:"vad"`
	Transcribe TranscribeConfig `yaml:"transcribe"`
	Resource   ResourceConfig   `yaml:"resource"`
	Inject     InjectConfig     `yaml:"inject"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	LogLevel   string           `yaml:"log_level"`
}

// HotkeyConfig holds hotkey-related settings.
type HotkeyConfig struct {
	Keys []string `yaml:"keys"`
	Mode string   `yaml:"mode"` // "hold" or "toggle"
}

// AudioConfig holds audio capture and ingest settings.
type AudioConfig struct {
	SampleRate uint32 `yaml:"sample_rate"`
	Channels   uint32 `yaml:"channels"`
	ChunkMS    int    `yaml:"chunk_ms"`
	// QueueSeconds sizes the ingest queue in seconds of audio.
	QueueSeconds float64 `yaml:"queue_seconds"`
	// Backpressure is "drop" (drop the newest chunk when the queue is full)
	// or "block" (stall the source).
	Backpressure string `yaml:"backpressure"`
}

// VADConfig holds voice activity detection settings. Durations are seconds.
type VADConfig struct {
	Model     string `yaml:"model"` // "energy" or "silero"
	ModelPath string `yaml:"model_path"`
	// Threshold is in the selected model's native output scale. When unset
	// the model's calibrated default is used.
	Threshold   *float64 `yaml:"threshold,omitempty"`
	MinSpeechS  float64  `yaml:"min_speech_s"`
	MaxSpeechS  float64  `yaml:"max_speech_s"`
	MinSilenceS float64  `yaml:"min_silence_s"`
	WindowSize  int      `yaml:"window_size"`
}

// TranscribeConfig holds speech-to-text settings.
type TranscribeConfig struct {
	// Backend is "auto", "cpu", "gpu-small" or "gpu-large".
	Backend           string        `yaml:"backend"`
	ModelsDir         string        `yaml:"models_dir"`
	ONNXRuntimeLib    string        `yaml:"onnxruntime_lib"`
	Threads           int           `yaml:"threads"`
	MaxTokensPerFrame int           `yaml:"max_tokens_per_frame"`
	DecodeTimeout     time.Duration `yaml:"decode_timeout"`
}

// ResourceConfig holds memory pressure monitoring settings. Percentages are
// of total accelerator (or host, for the CPU profile) memory.
type ResourceConfig struct {
	PollInterval      time.Duration `yaml:"poll_interval"`
	WarningPercent    float64       `yaml:"warning_percent"`
	CriticalPercent   float64       `yaml:"critical_percent"`
	EmergencyPercent  float64       `yaml:"emergency_percent"`
	ShutdownPercent   float64       `yaml:"shutdown_percent"`
	HysteresisPercent float64       `yaml:"hysteresis_percent"`
	MaxOOMErrors      int           `yaml:"max_oom_errors"`
	// UnifiedMemoryFraction is the share of RAM treated as accelerator
	// memory on unified-memory machines.
	UnifiedMemoryFraction float64 `yaml:"unified_memory_fraction"`
}

// InjectConfig holds text injection settings.
type InjectConfig struct {
	Method string `yaml:"method"` // "type" or "paste"
}

// MetricsConfig holds the Prometheus endpoint settings. An empty Listen
// disables the endpoint.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "gostt-live")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// DefaultModelsDir returns the default directory models are downloaded to.
func DefaultModelsDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "gostt-live", "models")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Hotkey: HotkeyConfig{
			Keys: []string{"ctrl", "shift", "r"},
			Mode: "toggle",
		},
		Audio: AudioConfig{
			SampleRate:   16000,
			Channels:     1,
			ChunkMS:      100,
			QueueSeconds: 10,
			Backpressure: "drop",
		},
		VAD: VADConfig{
			Model:       "energy",
			ModelPath:   filepath.Join(DefaultModelsDir(), "silero-vad", "silero_vad.onnx"),
			MinSpeechS:  0.25,
			MaxSpeechS:  30,
			MinSilenceS: 0.5,
			WindowSize:  512,
		},
		Transcribe: TranscribeConfig{
			Backend:           "auto",
			ModelsDir:         DefaultModelsDir(),
			Threads:           4,
			MaxTokensPerFrame: 10,
			DecodeTimeout:     10 * time.Second,
		},
		Resource: ResourceConfig{
			PollInterval:          2 * time.Second,
			WarningPercent:        80,
			CriticalPercent:       90,
			EmergencyPercent:      95,
			ShutdownPercent:       98,
			HysteresisPercent:     2,
			MaxOOMErrors:          3,
			UnifiedMemoryFraction: 0.65,
		},
		Inject: InjectConfig{
			Method: "type",
		},
		Metrics: MetricsConfig{
			Listen: "127.0.0.1:9464",
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in paths is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML config data on top of the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.VAD.ModelPath = expandTilde(cfg.VAD.ModelPath)
	cfg.Transcribe.ModelsDir = expandTilde(cfg.Transcribe.ModelsDir)
	cfg.Transcribe.ONNXRuntimeLib = expandTilde(cfg.Transcribe.ONNXRuntimeLib)

	return cfg, nil
}

// WriteDefault writes the default config to DefaultConfigPath when no file
// exists there yet. It returns the written path, or "" if a file was already
// present.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}

	header := "# gostt-live configuration\n# vad.threshold is in the VAD model's native scale; omit it to use the model default.\n"
	if err := os.WriteFile(path, append([]byte(header), data...), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if len(c.Hotkey.Keys) == 0 {
		return invalid("hotkey.keys must not be empty")
	}

	switch c.Hotkey.Mode {
	case "hold", "toggle":
	default:
		return invalid("hotkey.mode must be \"hold\" or \"toggle\", got %q", c.Hotkey.Mode)
	}

	if c.Audio.SampleRate == 0 {
		return invalid("audio.sample_rate must be > 0")
	}
	if c.Audio.Channels == 0 {
		return invalid("audio.channels must be > 0")
	}
	if c.Audio.ChunkMS <= 0 {
		return invalid("audio.chunk_ms must be > 0")
	}
	if c.Audio.QueueSeconds <= 0 {
		return invalid("audio.queue_seconds must be > 0")
	}
	switch c.Audio.Backpressure {
	case "drop", "block":
	default:
		return invalid("audio.backpressure must be \"drop\" or \"block\", got %q", c.Audio.Backpressure)
	}

	switch c.VAD.Model {
	case "energy":
	case "silero":
		if c.VAD.ModelPath == "" {
			return invalid("vad.model_path must be set for the silero model")
		}
	default:
		return invalid("vad.model must be \"energy\" or \"silero\", got %q", c.VAD.Model)
	}
	if t := c.VAD.Threshold; t != nil && (*t < 0 || *t > 1) {
		return invalid("vad.threshold must be in [0,1], got %v", *t)
	}
	if c.VAD.MinSpeechS <= 0 {
		return invalid("vad.min_speech_s must be > 0")
	}
	if c.VAD.MinSilenceS <= 0 {
		return invalid("vad.min_silence_s must be > 0")
	}
	if c.VAD.MaxSpeechS < c.VAD.MinSpeechS {
		return invalid("vad.max_speech_s (%v) must be >= vad.min_speech_s (%v)", c.VAD.MaxSpeechS, c.VAD.MinSpeechS)
	}
	if c.VAD.WindowSize <= 0 {
		return invalid("vad.window_size must be > 0")
	}

	switch c.Transcribe.Backend {
	case "auto", "cpu", "gpu-small", "gpu-large":
	default:
		return invalid("transcribe.backend must be auto, cpu, gpu-small, or gpu-large, got %q", c.Transcribe.Backend)
	}
	if c.Transcribe.ModelsDir == "" {
		return invalid("transcribe.models_dir must not be empty")
	}
	if c.Transcribe.MaxTokensPerFrame <= 0 {
		return invalid("transcribe.max_tokens_per_frame must be > 0")
	}
	if c.Transcribe.DecodeTimeout <= 0 {
		return invalid("transcribe.decode_timeout must be > 0")
	}
	if c.Transcribe.Threads < 0 {
		return invalid("transcribe.threads must be >= 0")
	}

	r := c.Resource
	if r.PollInterval <= 0 {
		return invalid("resource.poll_interval must be > 0")
	}
	if !(0 < r.WarningPercent && r.WarningPercent < r.CriticalPercent &&
		r.CriticalPercent < r.EmergencyPercent && r.EmergencyPercent < r.ShutdownPercent && r.ShutdownPercent <= 100) {
		return invalid("resource percentages must satisfy 0 < warning < critical < emergency < shutdown <= 100")
	}
	if r.HysteresisPercent < 0 {
		return invalid("resource.hysteresis_percent must be >= 0")
	}
	if r.MaxOOMErrors <= 0 {
		return invalid("resource.max_oom_errors must be > 0")
	}
	if r.UnifiedMemoryFraction <= 0 || r.UnifiedMemoryFraction > 1 {
		return invalid("resource.unified_memory_fraction must be in (0,1]")
	}

	switch c.Inject.Method {
	case "type", "paste":
	default:
		return invalid("inject.method must be \"type\" or \"paste\", got %q", c.Inject.Method)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return invalid("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
