package proxy

import (
	"github.com/prometheus/client_golang/prometheus"

	"snirelay.dev/snirelay/pkg/failure"
)

const outcomeOK = "ok"

type metrics struct {
	connections *prometheus.CounterVec
	active      *prometheus.GaugeVec
	bytes       *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "snirelay_connections_total",
			Help: "Finished client connections by server and outcome.",
		}, []string{"server", "outcome"}),
		active: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "snirelay_active_connections",
			Help: "Client connections currently holding an admission slot.",
		}, []string{"server"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "snirelay_relayed_bytes_total",
			Help: "Bytes relayed by server and direction.",
		}, []string{"server", "direction"}),
	}
	for _, c := range []prometheus.Collector{m.connections, m.active, m.bytes} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *metrics) finished(server string, err error) {
	outcome := outcomeOK
	if err != nil {
		outcome = failure.ReasonOf(err).String()
	}
	m.connections.WithLabelValues(server, outcome).Inc()
}

func (m *metrics) relayed(server string, counters *relayCounters) {
	m.bytes.WithLabelValues(server, "upstream").Add(float64(counters.up.Load()))
	m.bytes.WithLabelValues(server, "downstream").Add(float64(counters.down.Load()))
}
