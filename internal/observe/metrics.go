// Package observe provides observability primitives for Auris: OpenTelemetry
// metrics and the Prometheus exporter bridge serving the admin /metrics
// endpoint.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A package-level
// default [Metrics] instance ([DefaultMetrics]) is provided for convenience;
// tests should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Auris metrics.
const meterName = "github.com/auris-project/auris"

// Metrics holds all OpenTelemetry metric instruments for the listener.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// Utterances counts finished utterances. Use with attribute:
	//   attribute.String("status", "dispatched"|"discarded")
	Utterances metric.Int64Counter

	// RecognitionDuration tracks the latency of one remote recognition call,
	// from first drained chunk to backend answer.
	RecognitionDuration metric.Float64Histogram

	// RecognitionFailures counts failed recognitions. Use with attribute:
	//   attribute.String("reason", "low_confidence"|"transport"|"malformed")
	RecognitionFailures metric.Int64Counter

	// KeywordScore tracks raw keyword-spotting scores, accepted or not.
	// Useful for calibrating the score floor per room.
	KeywordScore metric.Float64Histogram

	// Reconnects counts session reconnect attempts.
	Reconnects metric.Int64Counter

	// Connected tracks whether the server session is up (0 or 1).
	Connected metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for the
// recognition round trip.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.Utterances, err = m.Int64Counter("auris.utterances",
		metric.WithDescription("Total finished utterances by status."),
	); err != nil {
		return nil, err
	}
	if met.RecognitionDuration, err = m.Float64Histogram("auris.recognition.duration",
		metric.WithDescription("Latency of one remote recognition call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RecognitionFailures, err = m.Int64Counter("auris.recognition.failures",
		metric.WithDescription("Total failed recognitions by reason."),
	); err != nil {
		return nil, err
	}
	if met.KeywordScore, err = m.Float64Histogram("auris.keyword.score",
		metric.WithDescription("Raw keyword-spotting scores, accepted or rejected."),
	); err != nil {
		return nil, err
	}
	if met.Reconnects, err = m.Int64Counter("auris.session.reconnects",
		metric.WithDescription("Total server session reconnect attempts."),
	); err != nil {
		return nil, err
	}
	if met.Connected, err = m.Int64UpDownCounter("auris.session.connected",
		metric.WithDescription("Whether the server session is currently up."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
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

// RecordUtterance records one finished utterance with its final status.
func (m *Metrics) RecordUtterance(ctx context.Context, status string) {
	m.Utterances.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordRecognition records the duration of one recognition call.
func (m *Metrics) RecordRecognition(ctx context.Context, d time.Duration) {
	m.RecognitionDuration.Record(ctx, d.Seconds())
}

// RecordRecognitionFailure records one failed recognition by reason.
func (m *Metrics) RecordRecognitionFailure(ctx context.Context, reason string) {
	m.RecognitionFailures.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordKeywordScore records one raw spotting score.
func (m *Metrics) RecordKeywordScore(ctx context.Context, score float64) {
	m.KeywordScore.Record(ctx, score)
}

// RecordReconnect records one reconnect attempt.
func (m *Metrics) RecordReconnect(ctx context.Context) {
	m.Reconnects.Add(ctx, 1)
}

// SetConnected moves the session gauge up or down on connect/disconnect.
func (m *Metrics) SetConnected(ctx context.Context, up bool) {
	if up {
		m.Connected.Add(ctx, 1)
	} else {
		m.Connected.Add(ctx, -1)
	}
}
