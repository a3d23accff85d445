package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the hub-level metrics shared by all components.
type Metrics struct {
	// Ingestion
	RecordsReceived *prometheus.CounterVec
	RecordsAccepted *prometheus.CounterVec
	RecordsRejected *prometheus.CounterVec

	// Entity stores
	EntityCount *prometheus.GaugeVec

	// Outbound dispatch
	DeliveriesPushed  *prometheus.CounterVec
	DeliveryDuration  *prometheus.HistogramVec
	DeliveriesSkipped *prometheus.CounterVec

	// Subscriptions
	SubscriptionsByState *prometheus.GaugeVec

	// Cluster
	LeaderStatus *prometheus.GaugeVec

	// NATS
	NATSConnected  prometheus.Gauge
	NATSReconnects prometheus.Counter
}

// NewMetrics creates the hub metric set.
func NewMetrics() *Metrics {
	return &Metrics{
		RecordsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "anshar",
				Subsystem: "records",
				Name:      "received_total",
				Help:      "Total records received from upstream deliveries",
			},
			[]string{"kind", "dataset"},
		),

		RecordsAccepted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "anshar",
				Subsystem: "records",
				Name:      "accepted_total",
				Help:      "Total records accepted into the entity stores",
			},
			[]string{"kind", "dataset"},
		),

		RecordsRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "anshar",
				Subsystem: "records",
				Name:      "rejected_total",
				Help:      "Total records rejected before storage",
			},
			[]string{"kind", "dataset", "reason"},
		),

		EntityCount: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "anshar",
				Subsystem: "store",
				Name:      "entities",
				Help:      "Current number of live entities per store",
			},
			[]string{"kind"},
		),

		DeliveriesPushed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "anshar",
				Subsystem: "outbound",
				Name:      "deliveries_total",
				Help:      "Total outbound push deliveries attempted",
			},
			[]string{"kind", "status"},
		),

		DeliveryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "anshar",
				Subsystem: "outbound",
				Name:      "delivery_duration_seconds",
				Help:      "Outbound push delivery duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"kind"},
		),

		DeliveriesSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "anshar",
				Subsystem: "outbound",
				Name:      "deliveries_skipped_total",
				Help:      "Deliveries skipped because no records matched",
			},
			[]string{"kind"},
		),

		SubscriptionsByState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "anshar",
				Subsystem: "subscriptions",
				Name:      "count",
				Help:      "Upstream subscriptions per state",
			},
			[]string{"state"},
		),

		LeaderStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "anshar",
				Subsystem: "cluster",
				Name:      "leader",
				Help:      "Leadership status per route (0=follower, 1=leader)",
			},
			[]string{"route"},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "anshar",
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),

		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "anshar",
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total number of NATS reconnections",
			},
		),
	}
}

// RecordReceived increments the received counter.
func (m *Metrics) RecordReceived(kind, dataset string, n int) {
	m.RecordsReceived.WithLabelValues(kind, dataset).Add(float64(n))
}

// RecordAccepted increments the accepted counter.
func (m *Metrics) RecordAccepted(kind, dataset string, n int) {
	m.RecordsAccepted.WithLabelValues(kind, dataset).Add(float64(n))
}

// RecordRejected increments the rejected counter for a reason.
func (m *Metrics) RecordRejected(kind, dataset, reason string) {
	m.RecordsRejected.WithLabelValues(kind, dataset, reason).Inc()
}

// SetEntityCount updates the entity gauge for a store.
func (m *Metrics) SetEntityCount(kind string, count int) {
	m.EntityCount.WithLabelValues(kind).Set(float64(count))
}

// RecordDelivery records an outbound delivery attempt and its duration.
func (m *Metrics) RecordDelivery(kind, status string, duration time.Duration) {
	m.DeliveriesPushed.WithLabelValues(kind, status).Inc()
	m.DeliveryDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordDeliverySkipped counts a delivery suppressed by the emptiness guard.
func (m *Metrics) RecordDeliverySkipped(kind string) {
	m.DeliveriesSkipped.WithLabelValues(kind).Inc()
}

// SetSubscriptionCount updates the per-state subscription gauge.
func (m *Metrics) SetSubscriptionCount(state string, count int) {
	m.SubscriptionsByState.WithLabelValues(state).Set(float64(count))
}

// SetLeaderStatus updates the leadership gauge for a route.
func (m *Metrics) SetLeaderStatus(route string, leader bool) {
	value := 0.0
	if leader {
		value = 1.0
	}
	m.LeaderStatus.WithLabelValues(route).Set(value)
}

// RecordNATSStatus updates the NATS connection gauge.
func (m *Metrics) RecordNATSStatus(connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	m.NATSConnected.Set(value)
}

// RecordNATSReconnect increments the reconnection counter.
func (m *Metrics) RecordNATSReconnect() {
	m.NATSReconnects.Inc()
}
