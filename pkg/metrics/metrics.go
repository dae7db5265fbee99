// Package metrics holds the relay's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Reconnect results.
const (
	ResultSuccess   = "success"
	ResultExhausted = "exhausted"
)

var (
	MessagesForwarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "midirelay_messages_forwarded_total",
		Help: "The total number of MIDI messages forwarded to the output",
	})
	ForwardErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "midirelay_forward_errors_total",
		Help: "The total number of messages that could not be forwarded",
	})
	EnumerationErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "midirelay_enumeration_errors_total",
		Help: "The total number of failed endpoint enumerations",
	})
	DevicesChanged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "midirelay_devices_changed_total",
		Help: "The total number of detected endpoint list changes",
	})
	DevicesLost = promauto.NewCounter(prometheus.CounterOpts{
		Name: "midirelay_devices_lost_total",
		Help: "The total number of connection losses detected by the heartbeat",
	})
	Reconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "midirelay_reconnects_total",
		Help: "The total number of reconnect cycles by result",
	}, []string{"result"})
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "midirelay_events_dropped_total",
		Help: "The total number of message events dropped because observers fell behind",
	})
	Connected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "midirelay_connected",
		Help: "1 while an input/output pair is connected",
	})
	Endpoints = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "midirelay_endpoints",
		Help: "The number of enumerated endpoints by direction",
	}, []string{"direction"})
)

// SetConnected updates the connected gauge.
func SetConnected(on bool) {
	if on {
		Connected.Set(1)
		return
	}
	Connected.Set(0)
}

// SetEndpoints records the size of the latest snapshot.
func SetEndpoints(inputs, outputs int) {
	Endpoints.WithLabelValues("inputs").Set(float64(inputs))
	Endpoints.WithLabelValues("outputs").Set(float64(outputs))
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
