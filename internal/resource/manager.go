package resource

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chaz8081/gostt-live/internal/observe"
)

// Reclaimer is implemented by the inference engine. All methods are called
// from the manager's Run goroutine.
type Reclaimer interface {
	// Reclaim frees cached allocations; aggressive also drops warm state.
	Reclaim(ctx context.Context, aggressive bool) error
	// ResetPeak clears the recorded peak allocation.
	ResetPeak()
	// OffloadToHost moves the model weights off the accelerator and
	// returns the profile the model runs on afterwards.
	OffloadToHost(ctx context.Context) (Profile, error)
}

// Options configures a Manager. Zero values pick defaults.
type Options struct {
	Thresholds   Thresholds
	PollInterval time.Duration
	MaxOOMErrors int
	// HostProbe is polled while the active profile is CPU. Defaults to
	// HostMemory.
	HostProbe Probe
	// OnChange is called from the Run goroutine on every level change.
	OnChange func(from, to Level)
	Metrics  *observe.Metrics
}

// OOMAction reports what the manager did with an OOM report.
type OOMAction struct {
	// Consecutive is the number of OOM reports since the last success.
	Consecutive int
	Level       Level
	// Fallback is set once the CPU fallback has latched.
	Fallback bool
}

type oomRequest struct {
	reply chan OOMAction
}

// Manager watches memory pressure and runs the degradation ladder. The
// pressure level is written only by the goroutine running Run (or by a
// direct PollPressure caller when Run is not used) and read lock-free
// everywhere else.
type Manager struct {
	probe     Probe
	reclaimer Reclaimer
	opts      Options

	profile  atomic.Pointer[Profile]
	level    atomic.Int32
	usage    atomic.Uint64 // float64 bits
	oom      atomic.Int32
	fallback atomic.Bool

	oomReq    chan oomRequest
	offloaded bool

	fatal     chan struct{}
	fatalErr  error
	fatalOnce sync.Once

	subMu sync.Mutex
	subs  map[chan Change]struct{}
}

// Change is one pressure level transition.
type Change struct {
	From, To Level
	Usage    float64
}

// NewManager returns a manager for profile. probe reads accelerator memory
// and may be nil on machines without one. reclaimer may be nil.
func NewManager(probe Probe, profile Profile, reclaimer Reclaimer, opts Options) (*Manager, error) {
	if opts.Thresholds == (Thresholds{}) {
		opts.Thresholds = DefaultThresholds()
	}
	if err := opts.Thresholds.Validate(); err != nil {
		return nil, err
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.MaxOOMErrors <= 0 {
		opts.MaxOOMErrors = 3
	}
	if opts.HostProbe == nil {
		opts.HostProbe = HostMemory{}
	}
	m := &Manager{
		probe:     probe,
		reclaimer: reclaimer,
		opts:      opts,
		oomReq:    make(chan oomRequest),
		fatal:     make(chan struct{}),
		subs:      make(map[chan Change]struct{}),
	}
	m.profile.Store(&profile)
	return m, nil
}

// SetReclaimer installs the reclaimer. It must be called before Run.
func (m *Manager) SetReclaimer(r Reclaimer) { m.reclaimer = r }

// Level returns the current pressure level.
func (m *Manager) Level() Level { return Level(m.level.Load()) }

// Usage returns the last observed usage percentage.
func (m *Manager) Usage() float64 { return math.Float64frombits(m.usage.Load()) }

// Profile returns the active profile.
func (m *Manager) Profile() Profile { return *m.profile.Load() }

// SetProfile records a profile switch, e.g. after the CPU fallback.
func (m *Manager) SetProfile(p Profile) {
	prev := m.profile.Swap(&p)
	if prev.Name != p.Name {
		slog.Info("resource: profile changed", "from", prev.Name, "to", p.Name)
	}
}

// Subscribe returns a channel of level changes and a func that ends the
// subscription and closes the channel. A subscriber whose buffer is full
// misses changes.
func (m *Manager) Subscribe(buffer int) (<-chan Change, func()) {
	ch := make(chan Change, max(buffer, 1))
	m.subMu.Lock()
	m.subs[ch] = struct{}{}
	m.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs, ch)
			close(ch)
			m.subMu.Unlock()
		})
	}
}

func (m *Manager) publish(c Change) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for ch := range m.subs {
		select {
		case ch <- c:
		default:
			slog.Debug("resource: pressure subscriber behind, change dropped", "to", c.To)
		}
	}
}

// FallbackLatched reports whether repeated OOMs forced the CPU profile.
// The latch is one-way.
func (m *Manager) FallbackLatched() bool { return m.fallback.Load() }

// Fatal is closed once memory cannot be recovered. Err then returns the
// cause, which wraps ErrFatalExhaustion.
func (m *Manager) Fatal() <-chan struct{} { return m.fatal }

// Err returns the fatal error, or nil before Fatal is closed.
func (m *Manager) Err() error {
	select {
	case <-m.fatal:
		return m.fatalErr
	default:
		return nil
	}
}

// SelectProfile selects a profile as SelectProfile does, except that once
// the fallback has latched the result is always the CPU profile.
func (m *Manager) SelectProfile(ctx context.Context, override Override) (Profile, error) {
	if m.FallbackLatched() {
		return ProfileCPU, nil
	}
	return SelectProfile(ctx, m.probe, override)
}

// Run polls pressure every PollInterval and serves OOM reports until ctx
// is done.
func (m *Manager) Run(ctx context.Context) error {
	t := time.NewTicker(m.opts.PollInterval)
	defer t.Stop()

	m.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			m.poll(ctx)
		case req := <-m.oomReq:
			req.reply <- m.handleOOM(ctx)
		}
	}
}

func (m *Manager) poll(ctx context.Context) {
	if _, err := m.PollPressure(ctx); err != nil && ctx.Err() == nil {
		slog.Debug("resource: pressure poll failed", "err", err)
	}
}

// PollPressure reads memory once, moves the level and runs the actions of
// a newly entered level. It must only be called from one goroutine.
func (m *Manager) PollPressure(ctx context.Context) (Level, error) {
	mem, err := m.read(ctx)
	if err != nil {
		return m.Level(), err
	}
	usage := mem.UsagePercent()
	m.usage.Store(math.Float64bits(usage))

	cur := m.Level()
	next := m.opts.Thresholds.Next(cur, usage)
	if next == cur {
		return cur, nil
	}
	m.setLevel(ctx, cur, next, usage)
	if next > cur {
		m.act(ctx, next)
	}
	return m.Level(), nil
}

func (m *Manager) read(ctx context.Context) (Memory, error) {
	probe := m.probe
	if !m.Profile().GPU() || probe == nil {
		probe = m.opts.HostProbe
	}
	return probe.Memory(ctx)
}

func (m *Manager) setLevel(ctx context.Context, from, to Level, usage float64) {
	m.level.Store(int32(to))
	slog.Info("resource: memory pressure changed", "from", from, "to", to, "usage_percent", usage)
	m.opts.Metrics.RecordPressureChange(ctx, to.String())
	if m.opts.OnChange != nil {
		m.opts.OnChange(from, to)
	}
	m.publish(Change{From: from, To: to, Usage: usage})
}

// act runs the ladder step for level. Only GPU profiles have anything to
// reclaim.
func (m *Manager) act(ctx context.Context, level Level) {
	if !m.Profile().GPU() || m.reclaimer == nil {
		return
	}
	switch level {
	case Warning:
		if err := m.reclaimer.Reclaim(ctx, false); err != nil {
			slog.Warn("resource: reclaim failed", "err", err)
		}
	case Critical:
		if err := m.reclaimer.Reclaim(ctx, true); err != nil {
			slog.Warn("resource: aggressive reclaim failed", "err", err)
		}
		m.reclaimer.ResetPeak()
	case Emergency:
		m.emergency(ctx)
	}
}

func (m *Manager) emergency(ctx context.Context) {
	if m.offloaded {
		m.failFatal(fmt.Errorf("%w: emergency pressure after offload", ErrFatalExhaustion))
		return
	}
	m.offloaded = true
	from := m.Profile()
	to, err := m.reclaimer.OffloadToHost(ctx)
	if err != nil {
		m.failFatal(fmt.Errorf("%w: offload failed: %w", ErrFatalExhaustion, err))
		return
	}

	// The accelerator must have room again even though the model left it.
	mem, err := m.read(ctx)
	if to.Name != "" && to != from {
		m.SetProfile(to)
		m.opts.Metrics.RecordFallback(ctx, from.Name, to.Name, "offload")
	}
	if err != nil {
		slog.Warn("resource: re-reading memory after offload", "err", err)
		return
	}
	usage := mem.UsagePercent()
	m.usage.Store(math.Float64bits(usage))
	if usage > m.opts.Thresholds.Shutdown {
		m.failFatal(fmt.Errorf("%w: usage %.1f%% after offload", ErrFatalExhaustion, usage))
		return
	}
	slog.Info("resource: model offloaded to host memory", "profile", m.Profile().Name, "accelerator_usage_percent", usage)
}

func (m *Manager) failFatal(err error) {
	m.fatalOnce.Do(func() {
		slog.Error("resource: unrecoverable memory pressure", "err", err)
		m.fatalErr = err
		close(m.fatal)
	})
}

// ReportOOM records an out-of-memory failure. The manager raises the level
// to at least Warning and, after MaxOOMErrors consecutive reports, latches
// the CPU fallback. The report is applied by the Run goroutine.
func (m *Manager) ReportOOM(ctx context.Context) (OOMAction, error) {
	req := oomRequest{reply: make(chan OOMAction, 1)}
	select {
	case m.oomReq <- req:
	case <-ctx.Done():
		return OOMAction{}, ctx.Err()
	}
	select {
	case a := <-req.reply:
		return a, nil
	case <-ctx.Done():
		return OOMAction{}, ctx.Err()
	}
}

func (m *Manager) handleOOM(ctx context.Context) OOMAction {
	n := int(m.oom.Add(1))
	slog.Warn("resource: out of memory reported", "consecutive", n, "max", m.opts.MaxOOMErrors)

	if cur := m.Level(); cur < Warning {
		m.setLevel(ctx, cur, Warning, m.Usage())
		m.act(ctx, Warning)
	}
	if n >= m.opts.MaxOOMErrors && m.fallback.CompareAndSwap(false, true) {
		from := m.Profile().Name
		slog.Warn("resource: falling back to CPU after repeated OOM", "from", from, "errors", n)
		m.opts.Metrics.RecordFallback(ctx, from, ProfileCPU.Name, "oom")
	}
	return OOMAction{Consecutive: n, Level: m.Level(), Fallback: m.fallback.Load()}
}

// ReportSuccess resets the consecutive OOM counter.
func (m *Manager) ReportSuccess() { m.oom.Store(0) }
