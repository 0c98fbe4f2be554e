// Package resource picks the inference profile for the available hardware
// and degrades it under accelerator memory pressure.
package resource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

var (
	// ErrExhausted marks an out-of-memory failure that the pressure ladder
	// can recover from.
	ErrExhausted = errors.New("resource: accelerator memory exhausted")
	// ErrFatalExhaustion means memory could not be recovered; the session
	// must end.
	ErrFatalExhaustion = errors.New("resource: fatal memory exhaustion")
	// ErrNoAccelerator is returned when a GPU profile is forced on a
	// machine without one.
	ErrNoAccelerator = errors.New("resource: no accelerator available")
	// ErrUnknownOverride is returned by ParseOverride.
	ErrUnknownOverride = errors.New("resource: unknown backend override")
)

// Backend is the execution device class of a profile.
type Backend int

const (
	BackendCPU Backend = iota
	BackendGPU
)

func (b Backend) String() string {
	if b == BackendGPU {
		return "gpu"
	}
	return "cpu"
}

// Profile describes one model/backend combination and its memory needs.
type Profile struct {
	Name      string
	Backend   Backend
	Device    string
	Precision string
	// ModelSize names the model variant, e.g. "0.6b".
	ModelSize string
	// MemoryThresholdMB is the accelerator memory required to select the
	// profile: PeakUsageMB plus headroom.
	MemoryThresholdMB uint64
	PeakUsageMB       uint64
}

// GPU reports whether the profile runs on an accelerator.
func (p Profile) GPU() bool { return p.Backend == BackendGPU }

var (
	ProfileCPU = Profile{
		Name:        "cpu-0.6b",
		Backend:     BackendCPU,
		Device:      "cpu",
		Precision:   "int8",
		ModelSize:   "0.6b",
		PeakUsageMB: 960,
	}
	ProfileGPUSmall = Profile{
		Name:              "gpu-0.6b",
		Backend:           BackendGPU,
		Device:            "cuda",
		Precision:         "fp32",
		ModelSize:         "0.6b",
		MemoryThresholdMB: 1536,
		PeakUsageMB:       1200,
	}
	ProfileGPULarge = Profile{
		Name:              "gpu-1.1b",
		Backend:           BackendGPU,
		Device:            "cuda",
		Precision:         "int8",
		ModelSize:         "1.1b",
		MemoryThresholdMB: 4096,
		PeakUsageMB:       3500,
	}
)

// Profiles returns the profile table, cheapest first.
func Profiles() []Profile {
	return []Profile{ProfileCPU, ProfileGPUSmall, ProfileGPULarge}
}

// Override forces a profile instead of automatic selection.
type Override int

const (
	OverrideAuto Override = iota
	OverrideCPU
	OverrideGPUSmall
	OverrideGPULarge
)

var overrideNames = map[Override]string{
	OverrideAuto:     "auto",
	OverrideCPU:      "cpu",
	OverrideGPUSmall: "gpu-small",
	OverrideGPULarge: "gpu-large",
}

func (o Override) String() string {
	if s, ok := overrideNames[o]; ok {
		return s
	}
	return fmt.Sprintf("Override(%d)", int(o))
}

// ParseOverride parses "auto", "cpu", "gpu-small" or "gpu-large". The empty
// string means auto.
func ParseOverride(s string) (Override, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return OverrideAuto, nil
	}
	for o, name := range overrideNames {
		if name == s {
			return o, nil
		}
	}
	return OverrideAuto, fmt.Errorf("%w %q (want auto, cpu, gpu-small or gpu-large)", ErrUnknownOverride, s)
}

// SelectProfile chooses the profile for the memory probe reports. Auto
// picks the profile with the largest threshold that fits the available
// accelerator memory, preferring the lower peak on a tie, and falls back to
// CPU. Forcing a GPU profile without an accelerator is an error.
func SelectProfile(ctx context.Context, probe Probe, override Override) (Profile, error) {
	var mem Memory
	if probe != nil {
		m, err := probe.Memory(ctx)
		if err != nil {
			slog.Info("resource: accelerator probe failed, assuming none", "err", err)
		} else {
			mem = m
		}
	}

	switch override {
	case OverrideCPU:
		return ProfileCPU, nil
	case OverrideGPUSmall, OverrideGPULarge:
		if !mem.Accelerator {
			return Profile{}, fmt.Errorf("%w: backend %s", ErrNoAccelerator, override)
		}
		p := ProfileGPUSmall
		if override == OverrideGPULarge {
			p = ProfileGPULarge
		}
		if mem.AvailableMB() < p.MemoryThresholdMB {
			slog.Warn("resource: forced profile exceeds available accelerator memory",
				"profile", p.Name, "available_mb", mem.AvailableMB(), "threshold_mb", p.MemoryThresholdMB)
		}
		return p, nil
	case OverrideAuto:
	default:
		return Profile{}, fmt.Errorf("%w %d", ErrUnknownOverride, int(override))
	}

	if !mem.Accelerator {
		return ProfileCPU, nil
	}
	return pick(Profiles(), mem.AvailableMB()), nil
}

// pick returns the GPU profile with the largest threshold not above
// availableMB, or the CPU profile when none fits.
func pick(table []Profile, availableMB uint64) Profile {
	best := ProfileCPU
	found := false
	for _, p := range table {
		if !p.GPU() || p.MemoryThresholdMB > availableMB {
			continue
		}
		switch {
		case !found,
			p.MemoryThresholdMB > best.MemoryThresholdMB,
			p.MemoryThresholdMB == best.MemoryThresholdMB && p.PeakUsageMB < best.PeakUsageMB:
			best, found = p, true
		}
	}
	return best
}
