package telemetry

import (
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const namespace = "ballast"

// Collector lazily registers prometheus vectors the first time a metric name
// is used. The label keys seen on first use fix the label set for that name.
type Collector struct {
	mu         sync.Mutex
	reg        *prometheus.Registry
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// NewCollector creates a collector with its own registry
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	return &Collector{
		reg:        reg,
		counters:   map[string]*prometheus.CounterVec{},
		gauges:     map[string]*prometheus.GaugeVec{},
		histograms: map[string]*prometheus.HistogramVec{},
	}
}

// Registry returns the underlying registry
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// Handler serves the registry in the prometheus text format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

// Counter adds value to a counter
func (c *Collector) Counter(name string, value float64, labels map[string]string) {
	c.mu.Lock()
	vec, ok := c.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: helpFor(name)}, labelNames(labels))
		if !c.register(name, vec) {
			c.mu.Unlock()
			return
		}
		c.counters[name] = vec
	}
	c.mu.Unlock()
	if m, err := vec.GetMetricWith(labels); err == nil {
		m.Add(value)
	} else {
		log.Debug().Err(err).Str("metric", name).Msg("Dropping counter sample")
	}
}

// Gauge sets a gauge
func (c *Collector) Gauge(name string, value float64, labels map[string]string) {
	c.mu.Lock()
	vec, ok := c.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: helpFor(name)}, labelNames(labels))
		if !c.register(name, vec) {
			c.mu.Unlock()
			return
		}
		c.gauges[name] = vec
	}
	c.mu.Unlock()
	if m, err := vec.GetMetricWith(labels); err == nil {
		m.Set(value)
	} else {
		log.Debug().Err(err).Str("metric", name).Msg("Dropping gauge sample")
	}
}

// Histogram observes a value
func (c *Collector) Histogram(name string, value float64, labels map[string]string) {
	c.mu.Lock()
	vec, ok := c.histograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      name,
			Help:      helpFor(name),
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}, labelNames(labels))
		if !c.register(name, vec) {
			c.mu.Unlock()
			return
		}
		c.histograms[name] = vec
	}
	c.mu.Unlock()
	if m, err := vec.GetMetricWith(labels); err == nil {
		m.Observe(value)
	} else {
		log.Debug().Err(err).Str("metric", name).Msg("Dropping histogram sample")
	}
}

// Timer records a duration in seconds
func (c *Collector) Timer(name string, d time.Duration, labels map[string]string) {
	c.Histogram(name, d.Seconds(), labels)
}

func (c *Collector) register(name string, col prometheus.Collector) bool {
	if err := c.reg.Register(col); err != nil {
		log.Warn().Err(err).Str("metric", name).Msg("Failed to register metric")
		return false
	}
	return true
}

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func helpFor(name string) string {
	return strings.ReplaceAll(name, "_", " ")
}

var (
	globalMu        sync.RWMutex
	globalCollector = NewCollector()
)

// SetGlobal replaces the process-wide collector
func SetGlobal(c *Collector) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalCollector = c
}

// GetGlobal returns the process-wide collector
func GetGlobal() *Collector {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalCollector
}

func CounterGlobal(name string, value float64, labels map[string]string) {
	GetGlobal().Counter(name, value, labels)
}

func GaugeGlobal(name string, value float64, labels map[string]string) {
	GetGlobal().Gauge(name, value, labels)
}

func HistogramGlobal(name string, value float64, labels map[string]string) {
	GetGlobal().Histogram(name, value, labels)
}

func TimerGlobal(name string, d time.Duration, labels map[string]string) {
	GetGlobal().Timer(name, d, labels)
}
