package gc

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	armed    prometheus.Gauge
	leaks    prometheus.Counter
	failures prometheus.Counter
}

func newMetrics() *metrics {
	return &metrics{
		armed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hostfs_gc_armed_finalizers",
			Help: "Number of open resources with an armed finalizer.",
		}),
		leaks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hostfs_gc_leaked_resources_total",
			Help: "Total resources that became unreachable without being closed.",
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hostfs_gc_cleanup_failures_total",
			Help: "Total leaked resources that could not be released.",
		}),
	}
}

func (m *metrics) register(r prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.armed, m.leaks, m.failures} {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}
