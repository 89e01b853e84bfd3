package kalloc

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	free     prometheus.Gauge
	shared   prometheus.Gauge
	allocs   prometheus.Counter
	frees    prometheus.Counter
	failures prometheus.Counter
}

func newMetrics() *metrics {
	return &metrics{
		free: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kshm",
			Name:      "frames_free",
			Help:      "Physical frames on the free list.",
		}),
		shared: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kshm",
			Name:      "frames_shared",
			Help:      "Physical frames referenced by more than one address space.",
		}),
		allocs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kshm",
			Name:      "frame_allocs_total",
			Help:      "Total frame allocations.",
		}),
		frees: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kshm",
			Name:      "frame_frees_total",
			Help:      "Total frames returned to the free list.",
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kshm",
			Name:      "frame_alloc_failures_total",
			Help:      "Frame allocations refused for lack of memory.",
		}),
	}
}

func (m *metrics) register(r prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.free, m.shared, m.allocs, m.frees, m.failures} {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}
