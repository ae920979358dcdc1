// Package telemetry records predcache metrics with OpenTelemetry.
//
// Instruments follow the RED pattern: trigger and callback counters broken
// down by outcome, plus an oracle submission latency histogram. A nil
// *Metrics is valid and records nothing.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"

	"github.com/roach88/predcache/internal/ir"
)

// MeterName is the instrumentation scope of every predcache instrument.
const MeterName = "github.com/roach88/predcache"

// Outcome labels.
const (
	OutcomeSent             = "sent"
	OutcomeInProgress       = "in_progress"
	OutcomeSubmissionFailed = "submission_failed"
	OutcomeRejected         = "rejected"
	OutcomeApplied          = "applied"
	OutcomeStale            = "stale"
	OutcomeUnknownRequest   = "unknown_request"
)

// Metrics holds the instruments used by the bridge and the keeper.
type Metrics struct {
	triggers       metric.Int64Counter
	callbacks      metric.Int64Counter
	expired        metric.Int64Counter
	reads          metric.Int64Counter
	submitDuration metric.Float64Histogram
}

// New creates the instruments on the given provider.
func New(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(MeterName, metric.WithInstrumentationVersion(ir.ServiceVersion))

	m := &Metrics{}
	var err error
	if m.triggers, err = meter.Int64Counter("predcache.triggers",
		metric.WithDescription("Evaluation triggers by outcome"),
		metric.WithUnit("{trigger}")); err != nil {
		return nil, fmt.Errorf("create trigger counter: %w", err)
	}
	if m.callbacks, err = meter.Int64Counter("predcache.callbacks",
		metric.WithDescription("Oracle callbacks by outcome and result"),
		metric.WithUnit("{callback}")); err != nil {
		return nil, fmt.Errorf("create callback counter: %w", err)
	}
	if m.expired, err = meter.Int64Counter("predcache.requests.expired",
		metric.WithDescription("Pending requests cleared by the advisory timeout"),
		metric.WithUnit("{request}")); err != nil {
		return nil, fmt.Errorf("create expiry counter: %w", err)
	}
	if m.reads, err = meter.Int64Counter("predcache.static_reads",
		metric.WithDescription("Static-call reads by returned value"),
		metric.WithUnit("{read}")); err != nil {
		return nil, fmt.Errorf("create read counter: %w", err)
	}
	if m.submitDuration, err = meter.Float64Histogram("predcache.oracle.submit.duration",
		metric.WithDescription("Time to hand a request to the compute oracle"),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("create submit histogram: %w", err)
	}
	return m, nil
}

// Trigger records one trigger attempt.
func (m *Metrics) Trigger(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.triggers.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// Callback records one oracle callback. result is ignored unless the
// callback was applied.
func (m *Metrics) Callback(ctx context.Context, outcome string, result ir.Result) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("outcome", outcome)}
	if outcome == OutcomeApplied {
		attrs = append(attrs, attribute.String("result", result.String()))
	}
	m.callbacks.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// Expired records n requests cleared by the advisory timeout.
func (m *Metrics) Expired(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.expired.Add(ctx, int64(n))
}

// StaticRead records one static-call read returning value.
func (m *Metrics) StaticRead(ctx context.Context, value uint64) {
	if m == nil {
		return
	}
	m.reads.Add(ctx, 1, metric.WithAttributes(attribute.Int64("value", int64(value))))
}

// SubmitDuration records how long an oracle submission took.
func (m *Metrics) SubmitDuration(ctx context.Context, d time.Duration, ok bool) {
	if m == nil {
		return
	}
	m.submitDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.Bool("ok", ok)))
}

// NewProvider builds an SDK meter provider tagged with the service name and
// attaches reader to it. The caller owns Shutdown.
func NewProvider(reader sdkmetric.Reader) *sdkmetric.MeterProvider {
	res := resource.NewSchemaless(
		attribute.String("service.name", "predcache"),
		attribute.String("service.version", ir.ServiceVersion),
	)
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
}
