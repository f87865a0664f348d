// Package telemetry records session and cache metrics with the
// OpenTelemetry metric API. A nil *Metrics records nothing.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	attrOutcome   = attribute.Key("sonic.outcome")
	attrDirective = attribute.Key("sonic.directive")
	attrKind      = attribute.Key("sonic.error.kind")
	attrStore     = attribute.Key("sonic.store")
	attrBypassed  = attribute.Key("sonic.bypassed")
)

type Metrics struct {
	outcomes metric.Int64Counter
	failures metric.Int64Counter
	evicted  metric.Int64Counter
	duration metric.Float64Histogram
}

// Meter is the subset of metric.Meter used here.
type Meter interface {
	Int64Counter(name string, opts ...metric.Int64CounterOption) (metric.Int64Counter, error)
	Float64Histogram(name string, opts ...metric.Float64HistogramOption) (metric.Float64Histogram, error)
}

// New registers the instruments on m. A nil meter returns metrics that
// record nothing.
func New(m Meter) (*Metrics, error) {
	if m == nil {
		return &Metrics{}, nil
	}
	outcomes, err := m.Int64Counter("sonic.sessions.total", metric.WithDescription("Completed session exchanges by outcome."))
	if err != nil {
		return nil, err
	}
	failures, err := m.Int64Counter("sonic.failures.total", metric.WithDescription("Failed session exchanges by error kind."))
	if err != nil {
		return nil, err
	}
	evicted, err := m.Int64Counter("sonic.evicted.bytes", metric.WithDescription("Bytes released by cache trims."), metric.WithUnit("By"))
	if err != nil {
		return nil, err
	}
	duration, err := m.Float64Histogram("sonic.exchange.ms", metric.WithDescription("Session exchange duration in milliseconds."), metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	return &Metrics{
		outcomes: outcomes,
		failures: failures,
		evicted:  evicted,
		duration: duration,
	}, nil
}

func (m *Metrics) Outcome(ctx context.Context, outcome, directive string, bypassed bool) {
	if m == nil || m.outcomes == nil {
		return
	}
	m.outcomes.Add(ctx, 1, metric.WithAttributes(
		attrOutcome.String(outcome),
		attrDirective.String(directive),
		attrBypassed.Bool(bypassed),
	))
}

func (m *Metrics) Failure(ctx context.Context, kind string) {
	if m == nil || m.failures == nil {
		return
	}
	m.failures.Add(ctx, 1, metric.WithAttributes(attrKind.String(kind)))
}

func (m *Metrics) Evicted(ctx context.Context, store string, bytes int64) {
	if m == nil || m.evicted == nil || bytes <= 0 {
		return
	}
	m.evicted.Add(ctx, bytes, metric.WithAttributes(attrStore.String(store)))
}

func (m *Metrics) Exchange(ctx context.Context, d time.Duration) {
	if m == nil || m.duration == nil {
		return
	}
	m.duration.Record(ctx, float64(d.Milliseconds()))
}
