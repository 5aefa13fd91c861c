package metrics

import (
	"context"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// OTelProvider is a Provider backed by an OpenTelemetry MeterProvider. It is
// the alternate backend selected by config.Coordinator.MetricsBackend ==
// "otel".
type OTelProvider struct {
	mp    *sdkmetric.MeterProvider
	meter metric.Meter
}

// NewOTelProvider constructs a zero-config OTel-backed provider. Callers who
// need real exporters can attach readers to the returned MeterProvider.
func NewOTelProvider(serviceName string) *OTelProvider {
	mp := sdkmetric.NewMeterProvider()
	return &OTelProvider{mp: mp, meter: mp.Meter(serviceName)}
}

// MeterProvider exposes the SDK provider for exporter wiring.
func (p *OTelProvider) MeterProvider() *sdkmetric.MeterProvider { return p.mp }

func (p *OTelProvider) NewCounter(opts CounterOpts) Counter {
	inst, err := p.meter.Float64Counter(metricName(opts.CommonOpts), metric.WithDescription(opts.Help))
	if err != nil {
		return noopCounter{}
	}
	return &otelCounter{c: inst}
}

func (p *OTelProvider) NewGauge(opts GaugeOpts) Gauge {
	inst, err := p.meter.Float64UpDownCounter(metricName(opts.CommonOpts), metric.WithDescription(opts.Help))
	if err != nil {
		return noopGauge{}
	}
	return &otelGauge{g: inst}
}

func (p *OTelProvider) NewHistogram(opts HistogramOpts) Histogram {
	inst, err := p.meter.Float64Histogram(metricName(opts.CommonOpts), metric.WithDescription(opts.Help))
	if err != nil {
		return noopHistogram{}
	}
	return &otelHistogram{h: inst}
}

type otelCounter struct{ c metric.Float64Counter }

func (c *otelCounter) Inc(delta float64, _ ...string) {
	if delta > 0 {
		c.c.Add(context.Background(), delta)
	}
}

// otelGauge simulates Set semantics over an UpDownCounter by tracking the
// last value and applying the delta, since OTel has no native gauge-set API
// on the counter instruments the SDK exposes synchronously.
type otelGauge struct {
	g     metric.Float64UpDownCounter
	mu    sync.Mutex
	value atomic.Value
}

func (g *otelGauge) Set(v float64, _ ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	prev, _ := g.value.Load().(float64)
	g.value.Store(v)
	if diff := v - prev; diff != 0 {
		g.g.Add(context.Background(), diff)
	}
}

func (g *otelGauge) Add(delta float64, _ ...string) {
	if delta == 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	prev, _ := g.value.Load().(float64)
	g.value.Store(prev + delta)
	g.g.Add(context.Background(), delta)
}

type otelHistogram struct{ h metric.Float64Histogram }

func (h *otelHistogram) Observe(v float64, _ ...string) {
	h.h.Record(context.Background(), v)
}
