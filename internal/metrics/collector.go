// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector exposes registry and trust chain counters to Prometheus.
type Collector struct {
	registrationsTotal   prometheus.Counter
	deregistrationsTotal prometheus.Counter
	lookupsTotal         *prometheus.CounterVec
	purgedRecordsTotal   prometheus.Counter
	probesTotal          *prometheus.CounterVec
	probeDuration        prometheus.Histogram

	logger *zap.Logger
}

// NewCollector creates a collector registered against reg; a nil registerer
// falls back to the default Prometheus registry.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.registrationsTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "registrations_total",
		Help:      "Total number of agent registrations",
	})

	c.deregistrationsTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deregistrations_total",
		Help:      "Total number of agent deregistrations",
	})

	c.lookupsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "lookups_total",
		Help:      "Total number of protocol-facing lookups",
	}, []string{"result"})

	c.purgedRecordsTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "purged_records_total",
		Help:      "Total number of expired records removed by sweeps",
	})

	c.probesTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "health_probes_total",
		Help:      "Total number of endpoint health probes",
	}, []string{"outcome"})

	c.probeDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "health_probe_duration_seconds",
		Help:      "Endpoint health probe round-trip time in seconds",
		Buckets:   prometheus.DefBuckets,
	})

	return c
}

// RecordRegistration counts one agent registration.
func (c *Collector) RecordRegistration() {
	c.registrationsTotal.Inc()
}

// RecordDeregistration counts one agent deregistration.
func (c *Collector) RecordDeregistration() {
	c.deregistrationsTotal.Inc()
}

// RecordLookup counts one lookup by outcome.
func (c *Collector) RecordLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	c.lookupsTotal.WithLabelValues(result).Inc()
}

// RecordPurged counts records removed by an expiry sweep.
func (c *Collector) RecordPurged(n int) {
	c.purgedRecordsTotal.Add(float64(n))
}

// RecordProbe counts one endpoint probe and observes its round-trip time.
func (c *Collector) RecordProbe(healthy bool, rtt time.Duration) {
	outcome := "unhealthy"
	if healthy {
		outcome = "healthy"
	}
	c.probesTotal.WithLabelValues(outcome).Inc()
	c.probeDuration.Observe(rtt.Seconds())
}
