package cellcache

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus collectors for a Cache.
// All methods are nil-safe: calls on a nil *Metrics are no-ops.
type Metrics struct {
	Requests     *prometheus.CounterVec
	Enqueued     prometheus.Counter
	Loads        *prometheus.CounterVec
	LoadFailures prometheus.Counter
	BudgetWait   prometheus.Histogram
	Reclaimed    prometheus.Counter
	Frames       prometheus.Counter
	Entries      prometheus.Gauge
	QueueDepth   prometheus.Gauge
}

// NewMetrics creates cache metrics and registers them with reg. If reg is
// nil, metrics are created but not registered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cellview",
			Subsystem: "cellcache",
			Name:      "requests_total",
			Help:      "Cell requests by loading strategy and whether the cell was already valid",
		}, []string{"strategy", "result"}),
		Enqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cellview",
			Subsystem: "cellcache",
			Name:      "enqueued_total",
			Help:      "Cells put on the fetch queue",
		}),
		Loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cellview",
			Subsystem: "cellcache",
			Name:      "loads_total",
			Help:      "Completed cell loads by who performed them",
		}, []string{"by"}),
		LoadFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cellview",
			Subsystem: "cellcache",
			Name:      "load_failures_total",
			Help:      "Cell loads that failed with an error other than interruption",
		}),
		BudgetWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "cellview",
			Subsystem: "cellcache",
			Name:      "budget_wait_seconds",
			Help:      "Time spent blocking on budgeted loads",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
		}),
		Reclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cellview",
			Subsystem: "cellcache",
			Name:      "reclaimed_total",
			Help:      "Entries removed from the store after their value was reclaimed",
		}),
		Frames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cellview",
			Subsystem: "cellcache",
			Name:      "frames_total",
			Help:      "Calls to PrepareNextFrame",
		}),
		Entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cellview",
			Subsystem: "cellcache",
			Name:      "entries",
			Help:      "Entries in the store at the last frame boundary",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cellview",
			Subsystem: "cellcache",
			Name:      "queue_depth",
			Help:      "Pending fetch queue keys at the last frame boundary",
		}),
	}

	if reg != nil {
		collectors := []prometheus.Collector{
			m.Requests,
			m.Enqueued,
			m.Loads,
			m.LoadFailures,
			m.BudgetWait,
			m.Reclaimed,
			m.Frames,
			m.Entries,
			m.QueueDepth,
		}
		for _, c := range collectors {
			if err := reg.Register(c); err != nil {
				if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
					panic(err)
				}
			}
		}
	}

	return m
}

func (m *Metrics) request(s Strategy, valid bool) {
	if m == nil {
		return
	}
	result := "miss"
	if valid {
		result = "hit"
	}
	m.Requests.WithLabelValues(s.String(), result).Inc()
}

func (m *Metrics) enqueued() {
	if m == nil {
		return
	}
	m.Enqueued.Inc()
}

func (m *Metrics) loaded(by string) {
	if m == nil {
		return
	}
	m.Loads.WithLabelValues(by).Inc()
}

func (m *Metrics) loadFailed() {
	if m == nil {
		return
	}
	m.LoadFailures.Inc()
}

func (m *Metrics) budgetWait(d time.Duration) {
	if m == nil {
		return
	}
	m.BudgetWait.Observe(d.Seconds())
}

func (m *Metrics) frame(entries, queued, reclaimed int) {
	if m == nil {
		return
	}
	m.Frames.Inc()
	m.Entries.Set(float64(entries))
	m.QueueDepth.Set(float64(queued))
	m.Reclaimed.Add(float64(reclaimed))
}
