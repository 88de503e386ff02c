// Package metrics wires the Prometheus collectors for the telemetry daemon.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons used as label values on ReadingsDropped.
const (
	ReasonMalformed      = "malformed"
	ReasonOutOfOrder     = "out_of_order"
	ReasonUnknownChannel = "unknown_channel"
	ReasonQueueFull      = "queue_full"
)

// Metrics owns the registry and the instruments the daemon updates.
type Metrics struct {
	registry *prometheus.Registry

	ReadingsIngested *prometheus.CounterVec
	ReadingsDropped  *prometheus.CounterVec
	BucketsFinalized *prometheus.CounterVec
	StoreErrors      prometheus.Counter
	CommandsSent     *prometheus.CounterVec

	LiveValue  *prometheus.GaugeVec
	SSEClients prometheus.Gauge
	IngestLag  prometheus.Histogram
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.ReadingsIngested = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sagrada_readings_ingested_total",
		Help: "Readings accepted into a channel aggregator.",
	}, []string{"channel"})
	m.ReadingsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sagrada_readings_dropped_total",
		Help: "Readings discarded before aggregation, by reason.",
	}, []string{"reason"})
	m.BucketsFinalized = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sagrada_buckets_finalized_total",
		Help: "Minute buckets closed and appended to history.",
	}, []string{"channel"})
	m.StoreErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sagrada_store_errors_total",
		Help: "Failed bucket store operations, including breaker rejections.",
	})
	m.CommandsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sagrada_commands_published_total",
		Help: "Controller commands published to the bus.",
	}, []string{"device", "action"})

	m.LiveValue = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sagrada_live_value",
		Help: "Running average of the open minute bucket per channel.",
	}, []string{"channel"})
	m.SSEClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sagrada_sse_clients",
		Help: "Currently connected event-stream subscribers.",
	})
	m.IngestLag = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sagrada_ingest_lag_seconds",
		Help:    "Age of readings when they reach the aggregator.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	m.registry.MustRegister(
		m.ReadingsIngested,
		m.ReadingsDropped,
		m.BucketsFinalized,
		m.StoreErrors,
		m.CommandsSent,
		m.LiveValue,
		m.SSEClients,
		m.IngestLag,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
