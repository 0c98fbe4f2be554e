package resource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

const mib = 1 << 20

// Memory is one memory reading in MiB.
type Memory struct {
	TotalMB uint64
	UsedMB  uint64
	// FreeMB is the memory available to the models.
	FreeMB uint64
	// Accelerator is set when the reading describes GPU (or unified)
	// memory rather than plain host RAM.
	Accelerator bool
	Device      string
}

// UsagePercent returns UsedMB as a percentage of TotalMB.
func (m Memory) UsagePercent() float64 {
	if m.TotalMB == 0 {
		return 0
	}
	return float64(m.UsedMB) / float64(m.TotalMB) * 100
}

// AvailableMB returns the memory a profile may claim.
func (m Memory) AvailableMB() uint64 { return m.FreeMB }

// Probe reads memory usage.
type Probe interface {
	Memory(ctx context.Context) (Memory, error)
}

// NvidiaSMI reads dedicated VRAM of one NVIDIA device through nvidia-smi.
type NvidiaSMI struct {
	// Binary defaults to "nvidia-smi".
	Binary string
	Index  int

	run func(ctx context.Context, name string, args ...string) ([]byte, error)
}

func execOutput(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// Memory implements Probe.
func (n NvidiaSMI) Memory(ctx context.Context) (Memory, error) {
	bin := n.Binary
	if bin == "" {
		bin = "nvidia-smi"
	}
	run := n.run
	if run == nil {
		run = execOutput
	}
	out, err := run(ctx, bin,
		"--query-gpu=memory.total,memory.used,memory.free",
		"--format=csv,noheader,nounits")
	if err != nil {
		return Memory{}, fmt.Errorf("resource: nvidia-smi: %w", err)
	}
	return parseNvidiaSMI(out, n.Index)
}

// parseNvidiaSMI parses "total, used, free" lines, one per device.
func parseNvidiaSMI(out []byte, index int) (Memory, error) {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if index < 0 || index >= len(lines) || strings.TrimSpace(lines[index]) == "" {
		return Memory{}, fmt.Errorf("resource: nvidia-smi reported no device %d", index)
	}
	fields := strings.Split(lines[index], ",")
	if len(fields) != 3 {
		return Memory{}, fmt.Errorf("resource: unexpected nvidia-smi output %q", lines[index])
	}
	var vals [3]uint64
	for i, f := range fields {
		v, err := strconv.ParseUint(strings.TrimSpace(f), 10, 64)
		if err != nil {
			return Memory{}, fmt.Errorf("resource: parsing nvidia-smi field %q: %w", f, err)
		}
		vals[i] = v
	}
	total, used, free := vals[0], vals[1], vals[2]
	if total == 0 || free > total {
		return Memory{}, fmt.Errorf("resource: implausible nvidia-smi reading total=%d free=%d", total, free)
	}
	return Memory{
		TotalMB:     total,
		UsedMB:      used,
		FreeMB:      free,
		Accelerator: true,
		Device:      fmt.Sprintf("cuda:%d", index),
	}, nil
}

// UnifiedMemory treats a share of system RAM as accelerator memory, for
// machines whose GPU has no dedicated VRAM.
type UnifiedMemory struct {
	// Fraction of total RAM usable by the models, 0.65 when zero.
	Fraction float64
}

// Memory implements Probe.
func (u UnifiedMemory) Memory(ctx context.Context) (Memory, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Memory{}, fmt.Errorf("resource: reading system memory: %w", err)
	}
	frac := u.Fraction
	if frac <= 0 || frac > 1 {
		frac = 0.65
	}
	budget := uint64(float64(vm.Total/mib) * frac)
	return Memory{
		TotalMB:     vm.Total / mib,
		UsedMB:      vm.Used / mib,
		FreeMB:      min(budget, vm.Available/mib),
		Accelerator: true,
		Device:      "unified",
	}, nil
}

// HostMemory reads plain system RAM.
type HostMemory struct{}

// Memory implements Probe.
func (HostMemory) Memory(ctx context.Context) (Memory, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Memory{}, fmt.Errorf("resource: reading system memory: %w", err)
	}
	return Memory{
		TotalMB: vm.Total / mib,
		UsedMB:  vm.Used / mib,
		FreeMB:  vm.Available / mib,
		Device:  "host",
	}, nil
}

// StaticProbe returns a fixed reading that tests can change.
type StaticProbe struct {
	mu  sync.Mutex
	mem Memory
	err error
}

// NewStaticProbe returns a probe reporting m.
func NewStaticProbe(m Memory) *StaticProbe { return &StaticProbe{mem: m} }

// Set replaces the reading.
func (s *StaticProbe) Set(m Memory) {
	s.mu.Lock()
	s.mem, s.err = m, nil
	s.mu.Unlock()
}

// SetUsage sets UsedMB to pct percent of TotalMB.
func (s *StaticProbe) SetUsage(pct float64) {
	s.mu.Lock()
	s.mem.UsedMB = uint64(float64(s.mem.TotalMB) * pct / 100)
	s.mem.FreeMB = s.mem.TotalMB - s.mem.UsedMB
	s.err = nil
	s.mu.Unlock()
}

// Fail makes the probe return err.
func (s *StaticProbe) Fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Memory implements Probe.
func (s *StaticProbe) Memory(context.Context) (Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mem, s.err
}

// DetectProbe returns the accelerator probe for this machine: nvidia-smi
// when it answers, unified memory on Apple Silicon, otherwise nil.
func DetectProbe(ctx context.Context, unifiedFraction float64) Probe {
	smi := NvidiaSMI{}
	if _, err := smi.Memory(ctx); err == nil {
		return smi
	} else if !errors.Is(err, exec.ErrNotFound) {
		slog.Debug("resource: nvidia-smi unavailable", "err", err)
	}
	if runtime.GOOS == "darwin" && runtime.GOARCH == "arm64" {
		return UnifiedMemory{Fraction: unifiedFraction}
	}
	return nil
}

// ProcessRSS returns this process's resident set size in MiB.
func ProcessRSS(ctx context.Context) (uint64, error) {
	p, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return 0, fmt.Errorf("resource: opening process: %w", err)
	}
	info, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("resource: reading process memory: %w", err)
	}
	return info.RSS / mib, nil
}

// IsOOM reports whether err is an out-of-memory failure, either wrapping
// ErrExhausted or carrying a runtime allocation failure message.
func IsOOM(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrExhausted) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range oomMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

var oomMarkers = []string{
	"out of memory",
	"cuda_error_out_of_memory",
	"failed to allocate memory",
	"bad_alloc",
}
