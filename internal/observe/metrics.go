// Package observe provides OpenTelemetry metrics and tracing for the
// dictation engine, exported for Prometheus scraping via InitProvider.
//
// Record helpers accept a nil *Metrics and do nothing, so components can be
// built without instrumentation in tests.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/chaz8081/gostt-live"

// Metrics holds the metric instruments for the application.
type Metrics struct {
	meter metric.Meter

	VADChunkDuration metric.Float64Histogram
	DroppedChunks    metric.Int64Counter
	Segments         metric.Int64Counter
	SegmentAudio     metric.Float64Histogram

	// DecodeDuration uses attributes backend and status.
	DecodeDuration metric.Float64Histogram
	DecodeTokens   metric.Int64Counter
	JoinerCalls    metric.Int64Counter
	// DecodeErrors uses attribute kind (inference, timeout, oom).
	DecodeErrors metric.Int64Counter

	PressureChanges  metric.Int64Counter
	BackendFallbacks metric.Int64Counter
	ActiveSessions   metric.Int64UpDownCounter
}

// latencyBuckets are histogram boundaries in seconds for per-chunk and
// per-segment latencies.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// audioBuckets are segment lengths in seconds.
var audioBuckets = []float64{0.25, 0.5, 1, 2, 4, 8, 15, 30}

// NewMetrics creates all instruments from mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	met := &Metrics{meter: m}
	var err error

	if met.VADChunkDuration, err = m.Float64Histogram("gostt.vad.chunk.duration",
		metric.WithDescription("Time spent scoring one audio chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DroppedChunks, err = m.Int64Counter("gostt.pipeline.dropped_chunks",
		metric.WithDescription("Audio chunks dropped because the ingest queue was full."),
	); err != nil {
		return nil, err
	}
	if met.Segments, err = m.Int64Counter("gostt.vad.segments",
		metric.WithDescription("Speech segments emitted by the VAD, by forced cut."),
	); err != nil {
		return nil, err
	}
	if met.SegmentAudio, err = m.Float64Histogram("gostt.vad.segment.length",
		metric.WithDescription("Audio length of emitted segments."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(audioBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DecodeDuration, err = m.Float64Histogram("gostt.decode.duration",
		metric.WithDescription("Wall-clock time to transcribe one segment."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DecodeTokens, err = m.Int64Counter("gostt.decode.tokens",
		metric.WithDescription("Tokens emitted by the transducer."),
	); err != nil {
		return nil, err
	}
	if met.JoinerCalls, err = m.Int64Counter("gostt.decode.joiner_calls",
		metric.WithDescription("Joiner evaluations."),
	); err != nil {
		return nil, err
	}
	if met.DecodeErrors, err = m.Int64Counter("gostt.decode.errors",
		metric.WithDescription("Failed segment decodes by kind."),
	); err != nil {
		return nil, err
	}
	if met.PressureChanges, err = m.Int64Counter("gostt.memory.pressure_changes",
		metric.WithDescription("Memory pressure level transitions, by target level."),
	); err != nil {
		return nil, err
	}
	if met.BackendFallbacks, err = m.Int64Counter("gostt.backend.fallbacks",
		metric.WithDescription("Backend downgrades, by reason."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("gostt.active_sessions",
		metric.WithDescription("Number of running dictation sessions."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// ObservePressure registers gauges read at collection time. level reports
// the current pressure level as an integer; usage the used memory percent.
func (m *Metrics) ObservePressure(level func() int64, usage func() float64) error {
	if m == nil {
		return nil
	}
	if _, err := m.meter.Int64ObservableGauge("gostt.memory.pressure_level",
		metric.WithDescription("Current memory pressure level (0 normal .. 3 emergency)."),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(level())
			return nil
		}),
	); err != nil {
		return err
	}
	_, err := m.meter.Float64ObservableGauge("gostt.memory.usage_percent",
		metric.WithDescription("Used accelerator (or host) memory in percent."),
		metric.WithUnit("%"),
		metric.WithFloat64Callback(func(_ context.Context, o metric.Float64Observer) error {
			o.Observe(usage())
			return nil
		}),
	)
	return err
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns a package-level Metrics built on the global meter
// provider. Panics if instrument creation fails.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordVADChunk records the time spent scoring one chunk.
func (m *Metrics) RecordVADChunk(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.VADChunkDuration.Record(ctx, d.Seconds())
}

// RecordDroppedChunk counts one chunk lost to backpressure.
func (m *Metrics) RecordDroppedChunk(ctx context.Context) {
	if m == nil {
		return
	}
	m.DroppedChunks.Add(ctx, 1)
}

// RecordSegment counts an emitted segment and its audio length.
func (m *Metrics) RecordSegment(ctx context.Context, length time.Duration, forced bool) {
	if m == nil {
		return
	}
	m.Segments.Add(ctx, 1, metric.WithAttributes(attribute.Bool("forced", forced)))
	m.SegmentAudio.Record(ctx, length.Seconds())
}

// RecordDecode records one finished decode. status is "ok" or an error kind.
func (m *Metrics) RecordDecode(ctx context.Context, backend, status string, d time.Duration, tokens, joinerCalls int) {
	if m == nil {
		return
	}
	m.DecodeDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("status", status),
	))
	if status == "ok" {
		m.DecodeTokens.Add(ctx, int64(tokens))
	} else {
		m.DecodeErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", status)))
	}
	m.JoinerCalls.Add(ctx, int64(joinerCalls))
}

// RecordPressureChange counts a transition into level.
func (m *Metrics) RecordPressureChange(ctx context.Context, level string) {
	if m == nil {
		return
	}
	m.PressureChanges.Add(ctx, 1, metric.WithAttributes(attribute.String("level", level)))
}

// RecordFallback counts a backend downgrade.
func (m *Metrics) RecordFallback(ctx context.Context, from, to, reason string) {
	if m == nil {
		return
	}
	m.BackendFallbacks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
		attribute.String("reason", reason),
	))
}

// SessionStarted and SessionEnded track the active session gauge.
func (m *Metrics) SessionStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, 1)
}

func (m *Metrics) SessionEnded(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, -1)
}
