package render

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus collectors for renderer runs.
// All methods are nil-safe.
type Metrics struct {
	Runs          *prometheus.CounterVec
	RenderSeconds prometheus.Histogram
	IoSeconds     prometheus.Histogram
}

// NewMetrics creates render metrics and registers them with reg when reg is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cellview",
			Subsystem: "render",
			Name:      "runs_total",
			Help:      "Renderer runs by outcome",
		}, []string{"result"}),
		RenderSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "cellview",
			Subsystem: "render",
			Name:      "render_seconds",
			Help:      "Wall time of a run minus its I/O time",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		IoSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "cellview",
			Subsystem: "render",
			Name:      "io_seconds",
			Help:      "I/O time spent by the rendering scope during a run",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{m.Runs, m.RenderSeconds, m.IoSeconds} {
			if err := reg.Register(c); err != nil {
				if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
					panic(err)
				}
			}
		}
	}
	return m
}

func (m *Metrics) run(complete bool, render, io time.Duration) {
	if m == nil {
		return
	}
	result := "complete"
	if !complete {
		result = "interrupted"
	}
	m.Runs.WithLabelValues(result).Inc()
	m.RenderSeconds.Observe(render.Seconds())
	m.IoSeconds.Observe(io.Seconds())
}
