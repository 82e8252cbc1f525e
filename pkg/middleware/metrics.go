package middleware

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/wasmCloud/wascc-host/pkg/contracts"
)

// Metrics records RED metrics for every invocation that reaches it.
type Metrics struct {
	invocations metric.Int64Counter
	failures    metric.Int64Counter
	duration    metric.Float64Histogram
	inFlight    metric.Int64UpDownCounter

	starts sync.Map // invocation id -> time.Time
}

// NewMetrics registers the instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error
	if m.invocations, err = meter.Int64Counter("wascc.invocations.total",
		metric.WithDescription("Invocations that completed the pipeline")); err != nil {
		return nil, err
	}
	if m.failures, err = meter.Int64Counter("wascc.invocations.errors",
		metric.WithDescription("Invocations answered with an error")); err != nil {
		return nil, err
	}
	if m.duration, err = meter.Float64Histogram("wascc.invocation.duration",
		metric.WithDescription("Dispatch latency"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.inFlight, err = meter.Int64UpDownCounter("wascc.invocations.active",
		metric.WithDescription("Invocations currently dispatched")); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) Name() string { return "metrics" }

func targetAttrs(inv *contracts.Invocation) []attribute.KeyValue {
	target := inv.Target.CapabilityID()
	if !inv.Target.IsProvider() {
		target = string(inv.Target.Kind())
	}
	return []attribute.KeyValue{
		attribute.String("target", target),
		attribute.String("operation", inv.Operation),
	}
}

func (m *Metrics) PreInvoke(ctx context.Context, inv *contracts.Invocation) (PreResult, error) {
	m.starts.Store(inv.ID, time.Now())
	m.inFlight.Add(ctx, 1, metric.WithAttributes(targetAttrs(inv)...))
	return Continue(), nil
}

func (m *Metrics) PostInvoke(ctx context.Context, inv *contracts.Invocation, resp *contracts.InvocationResponse) (*contracts.InvocationResponse, error) {
	attrs := targetAttrs(inv)
	if v, ok := m.starts.LoadAndDelete(inv.ID); ok {
		m.inFlight.Add(ctx, -1, metric.WithAttributes(attrs...))
		m.duration.Record(ctx, time.Since(v.(time.Time)).Seconds(), metric.WithAttributes(attrs...))
	}
	outcome := "ok"
	if resp != nil && resp.Error != nil {
		outcome = string(resp.Error.Kind)
		m.failures.Add(ctx, 1, metric.WithAttributes(append(attrs, attribute.String("kind", outcome))...))
	}
	m.invocations.Add(ctx, 1, metric.WithAttributes(append(attrs, attribute.String("outcome", outcome))...))
	return resp, nil
}
