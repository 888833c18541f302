package server

import "github.com/prometheus/client_golang/prometheus"

// Metrics is a small fixed set of counters/gauges exposing transmit-queue
// and command-dispatch health, registered with a caller-supplied
// registerer the way runZeroInc-sockstats wires its exporter in
// cmd/exporter_example1.
type Metrics struct {
	CommandsTotal   prometheus.Counter
	ResponsesTotal  prometheus.Counter
	ErrorsTotal     *prometheus.CounterVec
	DaqOverrunTotal prometheus.Counter
	QueueDepth      prometheus.Gauge
	Connected       prometheus.Gauge
}

// NewMetrics builds a Metrics with a constant label set and registers
// every collector against reg. Pass prometheus.NewRegistry() for an
// isolated registry in tests, or prometheus.DefaultRegisterer in
// production.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CommandsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "xcpslave",
			Name:      "commands_total",
			Help:      "CTOs received from the master.",
		}),
		ResponsesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "xcpslave",
			Name:      "responses_total",
			Help:      "Positive and negative responses sent to the master.",
		}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xcpslave",
			Name:      "errors_total",
			Help:      "Negative responses sent, labeled by XCP error code.",
		}, []string{"code"}),
		DaqOverrunTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "xcpslave",
			Name:      "daq_overrun_total",
			Help:      "Transmit-queue reservation failures recorded as DAQ overrun.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "xcpslave",
			Name:      "queue_depth",
			Help:      "1 if the transmit queue held any entry at the last transmit-loop pass, 0 otherwise.",
		}),
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "xcpslave",
			Name:      "connected",
			Help:      "1 if a master is currently connected, 0 otherwise.",
		}),
	}
	reg.MustRegister(m.CommandsTotal, m.ResponsesTotal, m.ErrorsTotal, m.DaqOverrunTotal, m.QueueDepth, m.Connected)
	return m
}
