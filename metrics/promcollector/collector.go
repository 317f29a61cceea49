// Package promcollector exports gloomstore lifecycle events as Prometheus
// metrics.
package promcollector

import (
	"time"

	"github.com/jcalabro/gloomstore"
	"github.com/prometheus/client_golang/prometheus"
)

var _ gloomstore.MetricsCollector = (*Collector)(nil)

// Collector implements gloomstore.MetricsCollector.
type Collector struct {
	opLatency  *prometheus.HistogramVec
	ops        *prometheus.CounterVec
	loadMisses *prometheus.CounterVec
	savedBytes *prometheus.CounterVec
	reseeds    *prometheus.CounterVec
	reseeded   *prometheus.CounterVec
}

// New creates a Collector and registers its metrics with reg. A nil reg uses
// prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		opLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gloomstore_operation_duration_seconds",
			Help:    "Duration of filter loads, saves and reloads",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 10),
		}, []string{"op", "status"}),
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gloomstore_operations_total",
			Help: "Filter loads, saves and reloads by filter and outcome",
		}, []string{"filter", "op", "status"}),
		loadMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gloomstore_load_misses_total",
			Help: "Loads that found no persisted data",
		}, []string{"filter"}),
		savedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gloomstore_saved_bytes_total",
			Help: "Bytes written to storage",
		}, []string{"filter"}),
		reseeds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gloomstore_reseeds_total",
			Help: "Background reseeds by cause and outcome",
		}, []string{"filter", "cause", "status"}),
		reseeded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gloomstore_reseeded_items_total",
			Help: "Items added by background reseeds",
		}, []string{"filter"}),
	}

	for _, col := range []prometheus.Collector{c.opLatency, c.ops, c.loadMisses, c.savedBytes, c.reseeds, c.reseeded} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func (c *Collector) observe(name, op string, d time.Duration, err error) {
	s := status(err)
	c.opLatency.WithLabelValues(op, s).Observe(d.Seconds())
	c.ops.WithLabelValues(name, op, s).Inc()
}

// RecordLoad implements gloomstore.MetricsCollector.
func (c *Collector) RecordLoad(name string, found bool, d time.Duration, err error) {
	c.observe(name, "load", d, err)
	if err == nil && !found {
		c.loadMisses.WithLabelValues(name).Inc()
	}
}

// RecordSave implements gloomstore.MetricsCollector.
func (c *Collector) RecordSave(name string, bytes int64, d time.Duration, err error) {
	c.observe(name, "save", d, err)
	if err == nil {
		c.savedBytes.WithLabelValues(name).Add(float64(bytes))
	}
}

// RecordReload implements gloomstore.MetricsCollector.
func (c *Collector) RecordReload(name string, d time.Duration, err error) {
	c.observe(name, "reload", d, err)
}

// RecordReseed implements gloomstore.MetricsCollector.
func (c *Collector) RecordReseed(name string, cause error, items uint64, err error) {
	c.reseeds.WithLabelValues(name, gloomstore.ErrorKind(cause), status(err)).Inc()
	c.reseeded.WithLabelValues(name).Add(float64(items))
}
