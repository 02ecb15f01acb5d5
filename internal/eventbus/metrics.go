package eventbus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stanstork/stratum-notify/internal/models"
)

type deliveryResult string

const (
	resultSuccess deliveryResult = "success"
	resultError   deliveryResult = "error"
	resultPanic   deliveryResult = "panic"
)

// Metrics holds the Prometheus collectors the bus reports to.
type Metrics struct {
	published  *prometheus.CounterVec
	deliveries *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	queueDepth prometheus.Gauge
}

// NewMetrics creates the bus collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		published: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "notify",
				Subsystem: "eventbus",
				Name:      "events_published_total",
				Help:      "Events accepted by Publish, by event type.",
			},
			[]string{"event_type"},
		),
		deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "notify",
				Subsystem: "eventbus",
				Name:      "deliveries_total",
				Help:      "Subscriber invocations, by subscriber and result.",
			},
			[]string{"subscriber", "result"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "notify",
				Subsystem: "eventbus",
				Name:      "dispatch_duration_seconds",
				Help:      "Time spent delivering one event to all of its subscribers.",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2, 5},
			},
			[]string{"event_type"},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "notify",
				Subsystem: "eventbus",
				Name:      "queue_depth",
				Help:      "Events enqueued and not yet dispatched.",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.published, m.deliveries, m.duration, m.queueDepth)
	}
	return m
}

func (m *Metrics) recordPublish(eventType models.EventType, depth int) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(string(eventType)).Inc()
	m.queueDepth.Set(float64(depth))
}

func (m *Metrics) recordDequeue(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

func (m *Metrics) recordDelivery(subscriber string, result deliveryResult) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(subscriber, string(result)).Inc()
}

func (m *Metrics) recordDispatch(eventType models.EventType, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(string(eventType)).Observe(elapsed.Seconds())
}
