// Package telemetry wraps engine.Client's diagnostic counters as
// Prometheus metrics (spec.md §6's named diagnostic counters, exported
// for the cmd/df1gateway HTTP server's /metrics endpoint).
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector publishes reconnect_total, messages_dropped_total,
// send_queue_depth and command_in_flight. It is a prometheus.Collector
// itself rather than a set of promauto globals, so more than one engine
// instance (e.g. one per configured PLC in a future multi-PLC gateway)
// can each register their own labelled Collector against the same
// registry without colliding.
type Collector struct {
	reconnectTotal      *prometheus.Desc
	messagesDroppedTotal *prometheus.Desc
	sendQueueDepth      *prometheus.Desc
	commandInFlight     *prometheus.Desc

	source Source
}

// Source is the subset of engine.Client a Collector scrapes. Accepting
// an interface instead of *engine.Client keeps this package from
// depending on pkg/engine, matching the dependency direction engine.Metrics
// already established: engine doesn't import telemetry, telemetry reads
// engine through a narrow seam instead.
type Source interface {
	ReconnectTotal() int64
	MessagesDroppedTotal() int64
	SendQueueDepth() int
	CommandInFlight() bool
}

// NewCollector builds a Collector scraping source, with constLabels
// attached to every metric it emits (e.g. {"plc": "line3-slc504"} in a
// multi-PLC deployment).
func NewCollector(source Source, constLabels prometheus.Labels) *Collector {
	return &Collector{
		source: source,
		reconnectTotal: prometheus.NewDesc(
			"df1_reconnect_total",
			"Number of times the transport has reconnected.",
			nil, constLabels,
		),
		messagesDroppedTotal: prometheus.NewDesc(
			"df1_messages_dropped_total",
			"Number of stale (tns-mismatched) replies dropped by the transaction engine.",
			nil, constLabels,
		),
		sendQueueDepth: prometheus.NewDesc(
			"df1_send_queue_depth",
			"Number of frames buffered in the transport's send queue.",
			nil, constLabels,
		),
		commandInFlight: prometheus.NewDesc(
			"df1_command_in_flight",
			"1 if a SendCommand call currently owns the engine, 0 otherwise.",
			nil, constLabels,
		),
	}
}

func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.reconnectTotal
	descs <- c.messagesDroppedTotal
	descs <- c.sendQueueDepth
	descs <- c.commandInFlight
}

func (c *Collector) Collect(metrics chan<- prometheus.Metric) {
	metrics <- prometheus.MustNewConstMetric(c.reconnectTotal, prometheus.CounterValue, float64(c.source.ReconnectTotal()))
	metrics <- prometheus.MustNewConstMetric(c.messagesDroppedTotal, prometheus.CounterValue, float64(c.source.MessagesDroppedTotal()))
	metrics <- prometheus.MustNewConstMetric(c.sendQueueDepth, prometheus.GaugeValue, float64(c.source.SendQueueDepth()))
	inFlight := 0.0
	if c.source.CommandInFlight() {
		inFlight = 1.0
	}
	metrics <- prometheus.MustNewConstMetric(c.commandInFlight, prometheus.GaugeValue, inFlight)
}

// RegisterOrReuse registers c with reg, returning the already-registered
// collector instead of panicking if one with the same descriptors is
// already present (e.g. across a hot reconfigure that rebuilds the
// engine but keeps the registry).
func RegisterOrReuse(reg prometheus.Registerer, c prometheus.Collector) prometheus.Collector {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
		panic(err)
	}
	return c
}
