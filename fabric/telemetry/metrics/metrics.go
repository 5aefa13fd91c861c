// Package metrics provides a small Provider abstraction over either a
// Prometheus registry or an OpenTelemetry meter, so the fabric's business
// logic instruments itself once against an interface and the operator
// chooses the backend via configuration.
package metrics

// CommonOpts names and labels a metric instrument.
type CommonOpts struct {
	Namespace string
	Subsystem string
	Name      string
	Help      string
	Labels    []string
}

type CounterOpts struct{ CommonOpts }
type GaugeOpts struct{ CommonOpts }
type HistogramOpts struct {
	CommonOpts
	Buckets []float64
}

// Counter only ever increases.
type Counter interface {
	Inc(delta float64, labelValues ...string)
}

// Gauge can move up or down.
type Gauge interface {
	Set(v float64, labelValues ...string)
	Add(delta float64, labelValues ...string)
}

// Histogram records observations into buckets.
type Histogram interface {
	Observe(v float64, labelValues ...string)
}

// Provider constructs instruments and, where applicable, exposes an HTTP
// handler for scraping.
type Provider interface {
	NewCounter(opts CounterOpts) Counter
	NewGauge(opts GaugeOpts) Gauge
	NewHistogram(opts HistogramOpts) Histogram
}

// Noop is a Provider that discards everything; used when metrics are
// disabled so call sites never need a nil check.
type Noop struct{}

type noopCounter struct{}
type noopGauge struct{}
type noopHistogram struct{}

func (noopCounter) Inc(float64, ...string)       {}
func (noopGauge) Set(float64, ...string)         {}
func (noopGauge) Add(float64, ...string)         {}
func (noopHistogram) Observe(float64, ...string) {}

func (Noop) NewCounter(CounterOpts) Counter       { return noopCounter{} }
func (Noop) NewGauge(GaugeOpts) Gauge             { return noopGauge{} }
func (Noop) NewHistogram(HistogramOpts) Histogram { return noopHistogram{} }

func metricName(c CommonOpts) string {
	switch {
	case c.Namespace != "" && c.Subsystem != "":
		return c.Namespace + "_" + c.Subsystem + "_" + c.Name
	case c.Namespace != "":
		return c.Namespace + "_" + c.Name
	case c.Subsystem != "":
		return c.Subsystem + "_" + c.Name
	default:
		return c.Name
	}
}
