// Package metrics exports messaging metrics to Prometheus.
package metrics

import (
	"time"

	"github.com/millegrilles/messages-go/messaging"
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements messaging.MetricsCollector
type PrometheusCollector struct {
	messagesTotal       *prometheus.CounterVec
	messageDuration     *prometheus.HistogramVec
	sendsTotal          *prometheus.CounterVec
	requestsTotal       *prometheus.CounterVec
	requestDuration     *prometheus.HistogramVec
	pendingCorrelations prometheus.Gauge
	expiredTotal        prometheus.Counter
}

// NewPrometheusCollector creates the collectors and registers them on registerer.
// A nil registerer means prometheus.DefaultRegisterer.
func NewPrometheusCollector(registerer prometheus.Registerer, namespace string) (*PrometheusCollector, error) {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	c := &PrometheusCollector{
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messaging",
			Name:      "messages_total",
			Help:      "Deliveries processed, by queue and outcome",
		}, []string{"queue", "outcome"}),
		messageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "messaging",
			Name:      "message_duration_seconds",
			Help:      "Time spent processing one delivery",
			Buckets:   prometheus.DefBuckets,
		}, []string{"queue"}),
		sendsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messaging",
			Name:      "sends_total",
			Help:      "Messages published, by exchange and result",
		}, []string{"exchange", "result"}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messaging",
			Name:      "requests_total",
			Help:      "Requests waiting for a reply, by outcome",
		}, []string{"outcome"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "messaging",
			Name:      "request_duration_seconds",
			Help:      "Time between a request and its reply or failure",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 15, 30},
		}, []string{"outcome"}),
		pendingCorrelations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "messaging",
			Name:      "pending_correlations",
			Help:      "Requests currently waiting for a reply",
		}),
		expiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messaging",
			Name:      "expired_correlations_total",
			Help:      "Pending replies removed by maintenance after their deadline",
		}),
	}

	collectors := []prometheus.Collector{
		c.messagesTotal,
		c.messageDuration,
		c.sendsTotal,
		c.requestsTotal,
		c.requestDuration,
		c.pendingCorrelations,
		c.expiredTotal,
	}
	for _, collector := range collectors {
		if err := registerer.Register(collector); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// RecordMessage implements messaging.MetricsCollector
func (c *PrometheusCollector) RecordMessage(queue string, outcome string, duration time.Duration) {
	c.messagesTotal.WithLabelValues(queue, outcome).Inc()
	c.messageDuration.WithLabelValues(queue).Observe(duration.Seconds())
}

// RecordSend implements messaging.MetricsCollector
func (c *PrometheusCollector) RecordSend(exchange string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	c.sendsTotal.WithLabelValues(exchange, result).Inc()
}

// RecordRequest implements messaging.MetricsCollector
func (c *PrometheusCollector) RecordRequest(outcome string, duration time.Duration) {
	c.requestsTotal.WithLabelValues(outcome).Inc()
	c.requestDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// SetPendingCorrelations implements messaging.MetricsCollector
func (c *PrometheusCollector) SetPendingCorrelations(count int) {
	c.pendingCorrelations.Set(float64(count))
}

// RecordExpired implements messaging.MetricsCollector
func (c *PrometheusCollector) RecordExpired(count int) {
	c.expiredTotal.Add(float64(count))
}

var _ messaging.MetricsCollector = (*PrometheusCollector)(nil)
