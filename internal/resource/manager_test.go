package resource

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestThresholdsClassify(t *testing.T) {
	th := DefaultThresholds()
	tests := []struct {
		usage float64
		want  Level
	}{
		{0, Normal},
		{79.9, Normal},
		{80, Warning},
		{89.9, Warning},
		{90, Critical},
		{95, Critical},
		{95.1, Emergency},
		{100, Emergency},
	}
	for _, tt := range tests {
		if got := th.Classify(tt.usage); got != tt.want {
			t.Errorf("Classify(%v) = %v, want %v", tt.usage, got, tt.want)
		}
	}
}

func TestThresholdsHysteresis(t *testing.T) {
	th := DefaultThresholds()
	tests := []struct {
		name  string
		cur   Level
		usage float64
		want  Level
	}{
		{"escalates immediately", Normal, 91, Critical},
		{"escalates one step", Warning, 90, Critical},
		{"holds just under bound", Critical, 89, Critical},
		{"holds inside band", Critical, 88.5, Critical},
		{"leaves below band", Critical, 87.9, Warning},
		{"drops two levels", Critical, 70, Normal},
		{"warning holds at 78.5", Warning, 78.5, Warning},
		{"warning leaves at 77.9", Warning, 77.9, Normal},
		{"emergency holds at 93.5", Emergency, 93.5, Emergency},
		{"emergency to critical", Emergency, 92.9, Critical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := th.Next(tt.cur, tt.usage); got != tt.want {
				t.Errorf("Next(%v, %v) = %v, want %v", tt.cur, tt.usage, got, tt.want)
			}
		})
	}
}

func TestThresholdsValidate(t *testing.T) {
	if err := DefaultThresholds().Validate(); err != nil {
		t.Errorf("defaults invalid: %v", err)
	}
	bad := Thresholds{Warning: 90, Critical: 80, Emergency: 95, Shutdown: 98}
	if err := bad.Validate(); err == nil {
		t.Error("unordered thresholds should fail")
	}
	neg := DefaultThresholds()
	neg.Hysteresis = -1
	if err := neg.Validate(); err == nil {
		t.Error("negative hysteresis should fail")
	}
}

// fakeReclaimer records ladder actions.
type fakeReclaimer struct {
	mu         sync.Mutex
	calls      []string
	offloadErr error
	onOffload  func()
}

func (f *fakeReclaimer) record(s string) {
	f.mu.Lock()
	f.calls = append(f.calls, s)
	f.mu.Unlock()
}

func (f *fakeReclaimer) Reclaim(_ context.Context, aggressive bool) error {
	if aggressive {
		f.record("reclaim-aggressive")
	} else {
		f.record("reclaim")
	}
	return nil
}

func (f *fakeReclaimer) ResetPeak() { f.record("reset-peak") }

// OffloadToHost moves the model to the CPU profile.
func (f *fakeReclaimer) OffloadToHost(context.Context) (Profile, error) {
	f.record("offload")
	if f.onOffload != nil {
		f.onOffload()
	}
	if f.offloadErr != nil {
		return Profile{}, f.offloadErr
	}
	return ProfileCPU, nil
}

func (f *fakeReclaimer) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newManager(t *testing.T, probe Probe, p Profile, r Reclaimer, opts Options) *Manager {
	t.Helper()
	m, err := NewManager(probe, p, r, opts)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return m
}

func poll(t *testing.T, m *Manager) Level {
	t.Helper()
	l, err := m.PollPressure(context.Background())
	if err != nil {
		t.Fatalf("PollPressure() error = %v", err)
	}
	return l
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestLadderActions(t *testing.T) {
	probe := NewStaticProbe(Memory{TotalMB: 10000, Accelerator: true})
	r := &fakeReclaimer{}
	var changes [][2]Level
	m := newManager(t, probe, ProfileGPUSmall, r, Options{
		OnChange: func(from, to Level) { changes = append(changes, [2]Level{from, to}) },
	})

	probe.SetUsage(50)
	if l := poll(t, m); l != Normal {
		t.Fatalf("level = %v, want normal", l)
	}
	probe.SetUsage(82)
	if l := poll(t, m); l != Warning {
		t.Fatalf("level = %v, want warning", l)
	}
	probe.SetUsage(92)
	if l := poll(t, m); l != Critical {
		t.Fatalf("level = %v, want critical", l)
	}
	// Still critical: no repeated actions.
	probe.SetUsage(93)
	poll(t, m)

	want := []string{"reclaim", "reclaim-aggressive", "reset-peak"}
	if got := r.Calls(); !equal(got, want) {
		t.Errorf("actions = %v, want %v", got, want)
	}
	if len(changes) != 2 || changes[1] != [2]Level{Warning, Critical} {
		t.Errorf("changes = %v", changes)
	}
	if m.Usage() != 93 {
		t.Errorf("Usage() = %v, want 93", m.Usage())
	}
}

func TestNoFlappingAroundBoundary(t *testing.T) {
	probe := NewStaticProbe(Memory{TotalMB: 10000, Accelerator: true})
	changes := 0
	m := newManager(t, probe, ProfileGPUSmall, &fakeReclaimer{}, Options{
		OnChange: func(Level, Level) { changes++ },
	})

	for _, u := range []float64{80.5, 79.5, 80.2, 79.0, 80.9, 78.5} {
		probe.SetUsage(u)
		poll(t, m)
	}
	if changes != 1 || m.Level() != Warning {
		t.Errorf("changes = %d level = %v; want a single change to warning", changes, m.Level())
	}
}

func TestEmergencyOffloadRecovers(t *testing.T) {
	probe := NewStaticProbe(Memory{TotalMB: 10000, Accelerator: true})
	host := NewStaticProbe(Memory{TotalMB: 32000})
	host.SetUsage(40)
	r := &fakeReclaimer{}
	r.onOffload = func() { probe.SetUsage(60) }
	m := newManager(t, probe, ProfileGPULarge, r, Options{HostProbe: host})

	probe.SetUsage(97)
	if l := poll(t, m); l != Emergency {
		t.Fatalf("level = %v, want emergency", l)
	}
	select {
	case <-m.Fatal():
		t.Fatalf("unexpected fatal: %v", m.Err())
	default:
	}
	if got := r.Calls(); !equal(got, []string{"offload"}) {
		t.Errorf("actions = %v, want [offload]", got)
	}
	if p := m.Profile(); p != ProfileCPU {
		t.Errorf("profile after offload = %s, want %s", p.Name, ProfileCPU.Name)
	}
	if l := poll(t, m); l != Normal {
		t.Errorf("level after offload = %v, want normal", l)
	}
}

func TestOffloadedModelIgnoresLaterAcceleratorSpikes(t *testing.T) {
	probe := NewStaticProbe(Memory{TotalMB: 10000, Accelerator: true})
	host := NewStaticProbe(Memory{TotalMB: 32000})
	host.SetUsage(40)
	r := &fakeReclaimer{}
	m := newManager(t, probe, ProfileGPUSmall, r, Options{HostProbe: host})

	probe.SetUsage(97)
	r.onOffload = func() { probe.SetUsage(50) }
	poll(t, m)
	if l := poll(t, m); l != Normal {
		t.Fatalf("level after offload = %v, want normal", l)
	}

	// Another process fills the accelerator; the model is no longer there.
	probe.SetUsage(97)
	for range 3 {
		if l := poll(t, m); l != Normal {
			t.Errorf("level = %v, want normal from host memory", l)
		}
	}
	select {
	case <-m.Fatal():
		t.Fatalf("unexpected fatal: %v", m.Err())
	default:
	}
	if got := r.Calls(); !equal(got, []string{"offload"}) {
		t.Errorf("actions = %v, want only the first offload", got)
	}

	// Host pressure still moves the level, without GPU ladder actions.
	host.SetUsage(97)
	if l := poll(t, m); l != Emergency {
		t.Errorf("level = %v, want emergency from host memory", l)
	}
	if got := r.Calls(); !equal(got, []string{"offload"}) {
		t.Errorf("actions on host profile = %v", got)
	}
	if m.Err() != nil {
		t.Errorf("unexpected fatal: %v", m.Err())
	}
}

func TestEmergencyStillFullIsFatal(t *testing.T) {
	probe := NewStaticProbe(Memory{TotalMB: 10000, Accelerator: true})
	r := &fakeReclaimer{}
	r.onOffload = func() { probe.SetUsage(99) }
	m := newManager(t, probe, ProfileGPULarge, r, Options{})

	probe.SetUsage(96)
	poll(t, m)

	select {
	case <-m.Fatal():
		if err := m.Err(); !errors.Is(err, ErrFatalExhaustion) {
			t.Errorf("fatal = %v, want ErrFatalExhaustion", err)
		}
	default:
		t.Fatal("expected fatal exhaustion")
	}
}

func TestEmergencyOffloadFailureIsFatal(t *testing.T) {
	probe := NewStaticProbe(Memory{TotalMB: 10000, Accelerator: true})
	r := &fakeReclaimer{offloadErr: errors.New("cannot move weights")}
	m := newManager(t, probe, ProfileGPULarge, r, Options{})

	probe.SetUsage(96)
	poll(t, m)

	select {
	case <-m.Fatal():
		if err := m.Err(); !errors.Is(err, ErrFatalExhaustion) {
			t.Errorf("fatal = %v, want ErrFatalExhaustion", err)
		}
	default:
		t.Fatal("expected fatal exhaustion")
	}
}

func TestCPUProfileTakesNoActions(t *testing.T) {
	host := NewStaticProbe(Memory{TotalMB: 10000})
	r := &fakeReclaimer{}
	m := newManager(t, nil, ProfileCPU, r, Options{HostProbe: host})

	host.SetUsage(97)
	if l := poll(t, m); l != Emergency {
		t.Fatalf("level = %v, want emergency", l)
	}
	if got := r.Calls(); len(got) != 0 {
		t.Errorf("actions on CPU profile = %v", got)
	}
}

func TestProbeFailureKeepsLevel(t *testing.T) {
	probe := NewStaticProbe(Memory{TotalMB: 10000, Accelerator: true})
	m := newManager(t, probe, ProfileGPUSmall, nil, Options{})
	probe.SetUsage(85)
	poll(t, m)

	probe.Fail(errors.New("nvidia-smi hung"))
	l, err := m.PollPressure(context.Background())
	if err == nil || l != Warning {
		t.Errorf("PollPressure() = %v, %v; want warning with error", l, err)
	}
}

func runManager(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestReportOOMRaisesLevelAndLatchesFallback(t *testing.T) {
	probe := NewStaticProbe(Memory{TotalMB: 10000, Accelerator: true})
	probe.SetUsage(40)
	r := &fakeReclaimer{}
	m := newManager(t, probe, ProfileGPULarge, r, Options{PollInterval: time.Hour, MaxOOMErrors: 3})
	runManager(t, m)
	ctx := context.Background()

	a, err := m.ReportOOM(ctx)
	if err != nil {
		t.Fatalf("ReportOOM() error = %v", err)
	}
	if a.Consecutive != 1 || a.Level < Warning || a.Fallback {
		t.Errorf("first OOM = %+v", a)
	}
	if m.Level() < Warning {
		t.Errorf("Level() = %v after OOM, want >= warning", m.Level())
	}

	// A success in between resets the count.
	m.ReportSuccess()
	a, _ = m.ReportOOM(ctx)
	if a.Consecutive != 1 {
		t.Errorf("Consecutive after success = %d, want 1", a.Consecutive)
	}

	a, _ = m.ReportOOM(ctx)
	if a.Fallback {
		t.Error("fallback latched after 2 consecutive errors")
	}
	a, _ = m.ReportOOM(ctx)
	if !a.Fallback || !m.FallbackLatched() {
		t.Errorf("fallback not latched after 3 consecutive errors: %+v", a)
	}

	// One-way.
	m.ReportSuccess()
	if !m.FallbackLatched() {
		t.Error("fallback unlatched after success")
	}
	p, err := m.SelectProfile(ctx, OverrideAuto)
	if err != nil || p.Name != ProfileCPU.Name {
		t.Errorf("SelectProfile() after fallback = %s, %v; want cpu", p.Name, err)
	}
	if got := r.Calls(); len(got) != 1 || got[0] != "reclaim" {
		t.Errorf("actions = %v, want a single reclaim on entering warning", got)
	}
}

func TestReportOOMHonoursContext(t *testing.T) {
	m := newManager(t, nil, ProfileCPU, nil, Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	// Run is not started, so nobody serves the request.
	if _, err := m.ReportOOM(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("ReportOOM() error = %v, want deadline exceeded", err)
	}
}

func TestRunPollsUntilCancelled(t *testing.T) {
	probe := NewStaticProbe(Memory{TotalMB: 10000, Accelerator: true})
	probe.SetUsage(85)
	m := newManager(t, probe, ProfileGPUSmall, nil, Options{PollInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for m.Level() != Warning {
		if time.Now().After(deadline) {
			t.Fatal("Run did not poll")
		}
		time.Sleep(time.Millisecond)
	}
	probe.SetUsage(20)
	for m.Level() != Normal {
		if time.Now().After(deadline) {
			t.Fatal("Run did not de-escalate")
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() = %v", err)
	}
}

func TestSubscribeDeliversChanges(t *testing.T) {
	probe := NewStaticProbe(Memory{TotalMB: 10000, Accelerator: true})
	m := newManager(t, probe, ProfileGPUSmall, &fakeReclaimer{}, Options{})
	ch, cancel := m.Subscribe(4)

	probe.SetUsage(85)
	poll(t, m)
	probe.SetUsage(50)
	poll(t, m)

	want := []Change{{From: Normal, To: Warning, Usage: 85}, {From: Warning, To: Normal, Usage: 50}}
	for i, w := range want {
		select {
		case got := <-ch:
			if got.From != w.From || got.To != w.To {
				t.Errorf("change %d = %+v, want %+v", i, got, w)
			}
		default:
			t.Fatalf("change %d not delivered", i)
		}
	}

	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Error("channel still open after cancel")
	}
	// Publishing after cancel must not panic.
	probe.SetUsage(91)
	poll(t, m)
}
