package manager

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	loads         *prometheus.CounterVec
	loadDuration  prometheus.Histogram
	evictions     prometheus.Counter
	resident      prometheus.Gauge
	activeLeases  prometheus.Gauge
	admissionWait prometheus.Histogram
	rejections    prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runnerd",
			Subsystem: "residency",
			Name:      "loads_total",
			Help:      "Model loads by result (ok, not_found, error)",
		}, []string{"result"}),
		loadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "runnerd",
			Subsystem: "residency",
			Name:      "load_duration_seconds",
			Help:      "Time spent loading a model into a backend",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "runnerd",
			Subsystem: "residency",
			Name:      "evictions_total",
			Help:      "Models evicted to stay within max_resident",
		}),
		resident: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "runnerd",
			Subsystem: "residency",
			Name:      "resident_models",
			Help:      "Models currently resident",
		}),
		activeLeases: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "runnerd",
			Subsystem: "residency",
			Name:      "active_leases",
			Help:      "Outstanding leases across all resident models",
		}),
		admissionWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "runnerd",
			Subsystem: "admission",
			Name:      "wait_seconds",
			Help:      "Time requests waited for an execution slot",
			Buckets:   prometheus.DefBuckets,
		}),
		rejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "runnerd",
			Subsystem: "admission",
			Name:      "rejections_total",
			Help:      "Requests rejected because the model queue was full or timed out",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.loads, m.loadDuration, m.evictions, m.resident, m.activeLeases, m.admissionWait, m.rejections)
	}
	return m
}
