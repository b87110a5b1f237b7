// Package metrics implements ports.MetricsCollector on top of
// prometheus/client_golang, registering gauges/counters/histograms against
// a prometheus.Registerer, following spec.md §4.7 step 1's published
// gauges and the ports.MetricsCollector doc comment's naming convention.
package metrics

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/chengis/chengis/internal/ports"
)

// Collector adapts a prometheus.Registerer to ports.MetricsCollector,
// lazily creating one vector per metric name the first time it's used so
// callers never need to pre-declare every label set up front.
type Collector struct {
	reg prometheus.Registerer

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// New constructs a Collector registered against reg. Pass
// prometheus.DefaultRegisterer to use the global registry, or a fresh
// prometheus.NewRegistry() in tests to avoid collisions between runs.
func New(reg prometheus.Registerer) *Collector {
	return &Collector{
		reg:        reg,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	return names
}

func (c *Collector) counterFor(name string, labels map[string]string) *prometheus.CounterVec {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.counters[name]; ok {
		return v
	}
	v := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: name}, labelNames(labels))
	_ = c.reg.Register(v)
	c.counters[name] = v
	return v
}

func (c *Collector) gaugeFor(name string, labels map[string]string) *prometheus.GaugeVec {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.gauges[name]; ok {
		return v
	}
	v := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: name}, labelNames(labels))
	_ = c.reg.Register(v)
	c.gauges[name] = v
	return v
}

func (c *Collector) histogramFor(name string, labels map[string]string) *prometheus.HistogramVec {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.histograms[name]; ok {
		return v
	}
	v := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: name}, labelNames(labels))
	_ = c.reg.Register(v)
	c.histograms[name] = v
	return v
}

// IncCounter implements ports.MetricsCollector.
func (c *Collector) IncCounter(_ context.Context, name string, labels map[string]string) {
	c.counterFor(name, labels).With(prometheus.Labels(labels)).Inc()
}

// SetGauge implements ports.MetricsCollector.
func (c *Collector) SetGauge(_ context.Context, name string, value float64, labels map[string]string) {
	c.gaugeFor(name, labels).With(prometheus.Labels(labels)).Set(value)
}

// ObserveHistogram implements ports.MetricsCollector.
func (c *Collector) ObserveHistogram(_ context.Context, name string, value float64, labels map[string]string) {
	c.histogramFor(name, labels).With(prometheus.Labels(labels)).Observe(value)
}

var _ ports.MetricsCollector = (*Collector)(nil)

// Standard metric names published by the core (spec.md §4.7 step 1 and
// §5's concurrency model), kept here so every emitter uses the same string.
const (
	QueueDepth            = "chengis_queue_depth"
	QueueOldestPendingAge = "chengis_queue_oldest_pending_age_ms"
	QueueDeadLetterCount  = "chengis_queue_dead_letter_count"
	BreakersOpen          = "chengis_circuit_breakers_open"
	AgentsOnline          = "chengis_agents_online"
	BuildsActive          = "chengis_builds_active"
	BuildDuration         = "chengis_build_duration_seconds"
	StepDuration          = "chengis_step_duration_seconds"
)
