package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rfratto/hostfs/internal/ipc"
)

type metrics struct {
	pending   prometheus.Gauge
	calls     *prometheus.CounterVec
	unmatched prometheus.Counter
}

func newMetrics() *metrics {
	return &metrics{
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hostfs_client_pending_calls",
			Help: "Number of calls waiting for a reply from the backend.",
		}),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hostfs_client_calls_total",
			Help: "Total calls made to the backend by command and outcome.",
		}, []string{"command", "outcome"}),
		unmatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hostfs_client_unmatched_replies_total",
			Help: "Total replies discarded because no call was waiting for them.",
		}),
	}
}

func (m *metrics) register(r prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.pending, m.calls, m.unmatched} {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *metrics) observe(cmd ipc.Command, outcome string) {
	m.calls.WithLabelValues(string(cmd), outcome).Inc()
}
