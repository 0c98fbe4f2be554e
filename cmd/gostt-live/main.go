// Command gostt-live is a local, continuous voice dictation engine. A
// hotkey starts a session that cuts microphone audio into utterances,
// transcribes each one with a Parakeet TDT model and types the text into
// the focused application.
//
// Usage:
//
//	gostt-live [-config path]            dictate with the hotkey
//	gostt-live -wav file.wav             transcribe a file and exit
//	gostt-live -calibrate speech.wav,silence.wav
//	gostt-live -download                 fetch models interactively
//	gostt-live -init                     write the default config file
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/chaz8081/gostt-live/internal/config"
	"github.com/chaz8081/gostt-live/internal/models"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to config file (default: ~/.config/gostt-live/config.yaml)")
	wavPath := flag.String("wav", "", "transcribe a 16 kHz WAV file and exit")
	calibrate := flag.String("calibrate", "", "speech.wav,silence.wav: score both with the configured VAD and recommend a threshold")
	download := flag.Bool("download", false, "download models interactively")
	initConfig := flag.Bool("init", false, "write the default config file and exit")
	flag.Parse()

	if *initConfig {
		path, err := config.WriteDefault()
		switch {
		case err != nil:
			fmt.Fprintf(os.Stderr, "gostt-live: %v\n", err)
			os.Exit(1)
		case path == "":
			fmt.Println("Config already exists at", config.DefaultConfigPath())
		default:
			fmt.Println("Wrote", path)
		}
		return
	}

	cfg, path, err := loadConfig(*configPath)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "gostt-live: config: %v\n", err)
		os.Exit(1)
	}
	setupLogging(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case *download:
		err = models.RunInteractiveDownload(ctx, cfg.Transcribe.ModelsDir, os.Stdin, os.Stdout)
	case *calibrate != "":
		err = runCalibrate(cfg, *calibrate)
	case *wavPath != "":
		err = runWAV(ctx, cfg, *wavPath)
	default:
		printBanner(cfg, path)
		err = runDictation(ctx, cfg, path)
	}
	if err != nil {
		slog.Error("gostt-live: exiting", "err", err)
		os.Exit(1)
	}
}

// loadConfig loads the config from path, or from the default path when it
// exists, or falls back to built-in defaults. It returns the file used, if
// any.
func loadConfig(path string) (*config.Config, string, error) {
	if path != "" {
		cfg, err := config.Load(path)
		return cfg, path, err
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, "", fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return cfg, defaultPath, nil
	}
	return config.Default(), "", nil
}

func setupLogging(level string) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
}

func printBanner(cfg *config.Config, path string) {
	if path == "" {
		path = "(defaults)"
	}
	fmt.Printf("=== gostt-live %s ===\n", version)
	fmt.Printf("  Config:   %s\n", path)
	fmt.Printf("  Models:   %s\n", cfg.Transcribe.ModelsDir)
	fmt.Printf("  Backend:  %s\n", cfg.Transcribe.Backend)
	fmt.Printf("  VAD:      %s\n", cfg.VAD.Model)
	fmt.Printf("  Hotkey:   %s (%s mode)\n", strings.Join(cfg.Hotkey.Keys, "+"), cfg.Hotkey.Mode)
	fmt.Printf("  Audio:    %dHz, %dch, %s when behind\n", cfg.Audio.SampleRate, cfg.Audio.Channels, cfg.Audio.Backpressure)
	fmt.Printf("  Inject:   %s\n", cfg.Inject.Method)
	if cfg.Metrics.Listen != "" {
		fmt.Printf("  Metrics:  http://%s/metrics\n", cfg.Metrics.Listen)
	}
	fmt.Println("======================")
}
