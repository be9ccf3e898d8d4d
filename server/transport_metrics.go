package server

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "nexusingest"

// TransportMetrics are the per-input counters shared by every transport.
// They are registered on the registry the app server owns, never on the
// global default registry.
type TransportMetrics struct {
	Messages       *prometheus.CounterVec
	Bytes          *prometheus.CounterVec
	DecodeFailures *prometheus.CounterVec
	Rejected       *prometheus.CounterVec
	Connections    *prometheus.GaugeVec
}

// NewTransportMetrics creates the counters and registers them on reg. A nil
// reg leaves them unregistered.
func NewTransportMetrics(reg prometheus.Registerer) (*TransportMetrics, error) {
	inputLabels := []string{"input", "type"}
	m := &TransportMetrics{
		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "input",
			Name:      "messages_total",
			Help:      "Envelopes handed to the input buffer",
		}, inputLabels),
		Bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "input",
			Name:      "bytes_total",
			Help:      "Payload bytes handed to the input buffer",
		}, inputLabels),
		DecodeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "input",
			Name:      "decode_failures_total",
			Help:      "Frames or packets the transport could not decode",
		}, []string{"input", "type", "reason"}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "input",
			Name:      "rejected_total",
			Help:      "Envelopes the input buffer did not accept",
		}, []string{"input", "type", "reason"}),
		Connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "input",
			Name:      "open_connections",
			Help:      "Open stream connections",
		}, inputLabels),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.Messages, m.Bytes, m.DecodeFailures, m.Rejected, m.Connections} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register transport metrics: %w", err)
		}
	}
	return m, nil
}
