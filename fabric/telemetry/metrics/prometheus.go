package metrics

import (
	"sync"

	prom "github.com/prometheus/client_golang/prometheus"
)

// PrometheusProvider is a Provider backed by a Prometheus registry.
type PrometheusProvider struct {
	reg *prom.Registry

	mu         sync.Mutex
	counters   map[string]*prom.CounterVec
	gauges     map[string]*prom.GaugeVec
	histograms map[string]*prom.HistogramVec
}

// NewPrometheusProvider returns a provider registered against reg, or a
// freshly created registry when reg is nil.
func NewPrometheusProvider(reg *prom.Registry) *PrometheusProvider {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	return &PrometheusProvider{
		reg:        reg,
		counters:   make(map[string]*prom.CounterVec),
		gauges:     make(map[string]*prom.GaugeVec),
		histograms: make(map[string]*prom.HistogramVec),
	}
}

// Registry exposes the underlying registry, e.g. for promhttp.HandlerFor.
func (p *PrometheusProvider) Registry() *prom.Registry { return p.reg }

func (p *PrometheusProvider) NewCounter(opts CounterOpts) Counter {
	name := metricName(opts.CommonOpts)
	p.mu.Lock()
	defer p.mu.Unlock()
	cv, ok := p.counters[name]
	if !ok {
		cv = prom.NewCounterVec(prom.CounterOpts{Name: name, Help: opts.Help}, opts.Labels)
		_ = p.reg.Register(cv)
		p.counters[name] = cv
	}
	return &promCounter{cv: cv}
}

func (p *PrometheusProvider) NewGauge(opts GaugeOpts) Gauge {
	name := metricName(opts.CommonOpts)
	p.mu.Lock()
	defer p.mu.Unlock()
	gv, ok := p.gauges[name]
	if !ok {
		gv = prom.NewGaugeVec(prom.GaugeOpts{Name: name, Help: opts.Help}, opts.Labels)
		_ = p.reg.Register(gv)
		p.gauges[name] = gv
	}
	return &promGauge{gv: gv}
}

func (p *PrometheusProvider) NewHistogram(opts HistogramOpts) Histogram {
	name := metricName(opts.CommonOpts)
	p.mu.Lock()
	defer p.mu.Unlock()
	hv, ok := p.histograms[name]
	if !ok {
		buckets := opts.Buckets
		if len(buckets) == 0 {
			buckets = prom.DefBuckets
		}
		hv = prom.NewHistogramVec(prom.HistogramOpts{Name: name, Help: opts.Help, Buckets: buckets}, opts.Labels)
		_ = p.reg.Register(hv)
		p.histograms[name] = hv
	}
	return &promHistogram{hv: hv}
}

type promCounter struct{ cv *prom.CounterVec }

func (c *promCounter) Inc(delta float64, labelValues ...string) {
	if delta <= 0 {
		return
	}
	c.cv.WithLabelValues(labelValues...).Add(delta)
}

type promGauge struct{ gv *prom.GaugeVec }

func (g *promGauge) Set(v float64, labelValues ...string) { g.gv.WithLabelValues(labelValues...).Set(v) }
func (g *promGauge) Add(delta float64, labelValues ...string) {
	g.gv.WithLabelValues(labelValues...).Add(delta)
}

type promHistogram struct{ hv *prom.HistogramVec }

func (h *promHistogram) Observe(v float64, labelValues ...string) {
	h.hv.WithLabelValues(labelValues...).Observe(v)
}
