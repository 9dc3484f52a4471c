// Package metrics registers Prometheus collectors for the tracking core.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricPrefix = "tracker_"

var (
	registerOnce sync.Once

	unitsDecoded  *prometheus.CounterVec
	decodeErrors  *prometheus.CounterVec
	unitsDropped  *prometheus.CounterVec
	storedTotal   *prometheus.CounterVec
	eventsTotal   *prometheus.CounterVec
	unknownTotal  prometheus.Counter
	commandIssued prometheus.Counter
	commandResult *prometheus.CounterVec
	dispatchTime  prometheus.Histogram
	hubConns      prometheus.Gauge
	hubDropped    prometheus.Counter
	liveConns     prometheus.Gauge
)

// Init registers all collectors with the default registry. Safe to call more
// than once.
func Init() {
	registerOnce.Do(func() {
		unitsDecoded = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "units_decoded_total",
				Help: "Wire units decoded by protocol",
			},
			[]string{"protocol"},
		)
		decodeErrors = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "decode_errors_total",
				Help: "Wire units rejected by protocol",
			},
			[]string{"protocol"},
		)
		unitsDropped = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "units_dropped_total",
				Help: "Decoded units lost after persistence retries, by protocol",
			},
			[]string{"protocol"},
		)
		storedTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "positions_stored_total",
				Help: "Positions persisted by protocol",
			},
			[]string{"protocol"},
		)
		eventsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "events_recorded_total",
				Help: "Derived events recorded by type",
			},
			[]string{"type"},
		)
		unknownTotal = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "unknown_device_contacts_total",
				Help: "Contacts from unregistered identifiers",
			},
		)
		commandIssued = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "command_requests_total",
				Help: "Total issued commands",
			},
		)
		commandResult = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "command_results_total",
				Help: "Terminal command results by status",
			},
			[]string{"status"},
		)
		dispatchTime = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "command_dispatch_seconds",
				Help:    "Time from pop to transmission result",
				Buckets: prometheus.DefBuckets,
			},
		)
		hubConns = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "hub_connections",
				Help: "Active operator connections",
			},
		)
		hubDropped = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "hub_messages_dropped_total",
				Help: "Outbound messages dropped on slow connections",
			},
		)
		liveConns = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "live_device_connections",
				Help: "Devices with an addressable transport channel",
			},
		)

		prometheus.MustRegister(
			unitsDecoded, decodeErrors, unitsDropped, storedTotal, eventsTotal,
			unknownTotal, commandIssued, commandResult, dispatchTime,
			hubConns, hubDropped, liveConns,
		)
	})
}

// IncUnitsDecoded counts a successfully decoded wire unit.
func IncUnitsDecoded(protocol string) {
	if unitsDecoded != nil {
		unitsDecoded.WithLabelValues(protocol).Inc()
	}
}

// IncDecodeErrors counts a rejected wire unit.
func IncDecodeErrors(protocol string) {
	if decodeErrors != nil {
		decodeErrors.WithLabelValues(protocol).Inc()
	}
}

// IncUnitsDropped counts a decoded unit lost after persistence retries.
func IncUnitsDropped(protocol string) {
	if unitsDropped != nil {
		unitsDropped.WithLabelValues(protocol).Inc()
	}
}

// IncPositionsStored counts a persisted position.
func IncPositionsStored(protocol string) {
	if storedTotal != nil {
		storedTotal.WithLabelValues(protocol).Inc()
	}
}

// IncEventsRecorded counts a persisted derived event.
func IncEventsRecorded(eventType string) {
	if eventsTotal != nil {
		eventsTotal.WithLabelValues(eventType).Inc()
	}
}

// IncUnknownDeviceContact counts traffic from an unregistered identifier.
func IncUnknownDeviceContact() {
	if unknownTotal != nil {
		unknownTotal.Inc()
	}
}

// IncCommandIssued counts an operator-issued command.
func IncCommandIssued() {
	if commandIssued != nil {
		commandIssued.Inc()
	}
}

// IncCommandResult counts a terminal command transition.
func IncCommandResult(status string) {
	if commandResult != nil {
		commandResult.WithLabelValues(status).Inc()
	}
}

// ObserveDispatch records the duration of one dispatch attempt.
func ObserveDispatch(elapsed time.Duration) {
	if dispatchTime != nil {
		dispatchTime.Observe(elapsed.Seconds())
	}
}

// SetHubConnections tracks the active operator connection count.
func SetHubConnections(count int) {
	if hubConns != nil {
		hubConns.Set(float64(count))
	}
}

// IncHubDropped counts an outbound message dropped on a slow connection.
func IncHubDropped() {
	if hubDropped != nil {
		hubDropped.Inc()
	}
}

// SetLiveConnections tracks devices with an addressable channel.
func SetLiveConnections(count int) {
	if liveConns != nil {
		liveConns.Set(float64(count))
	}
}
