package canvas

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	ActiveCanvases   prometheus.Gauge
	Subscribers      prometheus.Gauge
	RecordsAppended  prometheus.Counter
	FramesBroadcast  prometheus.Counter
	Clears           prometheus.Counter
	Loads            *prometheus.CounterVec
	PersistDuration  prometheus.Histogram
	PersistFailures  prometheus.Counter
	CapacityRejected prometheus.Counter
}

var (
	metricsOnce     sync.Once
	metricsInstance *Metrics
)

func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = &Metrics{
			ActiveCanvases: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "canvasd_canvas_active",
				Help: "Current number of live canvas sessions",
			}),
			Subscribers: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "canvasd_canvas_subscribers",
				Help: "Current number of subscribed connections across all canvases",
			}),
			RecordsAppended: promauto.NewCounter(prometheus.CounterOpts{
				Name: "canvasd_canvas_records_appended_total",
				Help: "Total number of records appended to canvas logs",
			}),
			FramesBroadcast: promauto.NewCounter(prometheus.CounterOpts{
				Name: "canvasd_canvas_frames_broadcast_total",
				Help: "Total number of data frames enqueued to subscribers",
			}),
			Clears: promauto.NewCounter(prometheus.CounterOpts{
				Name: "canvasd_canvas_clears_total",
				Help: "Total number of canvas clears",
			}),
			Loads: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "canvasd_canvas_loads_total",
				Help: "Canvas registry lookups by outcome (loaded, shared, failed)",
			}, []string{"outcome"}),
			PersistDuration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "canvasd_canvas_persist_duration_seconds",
				Help:    "Time spent writing canvas metadata and snapshots",
				Buckets: prometheus.DefBuckets,
			}),
			PersistFailures: promauto.NewCounter(prometheus.CounterOpts{
				Name: "canvasd_canvas_persist_failures_total",
				Help: "Total number of failed persist attempts",
			}),
			CapacityRejected: promauto.NewCounter(prometheus.CounterOpts{
				Name: "canvasd_canvas_capacity_rejected_total",
				Help: "Total number of users refused a compact index because the table was full",
			}),
		}
	})
	return metricsInstance
}

func (m *Metrics) canvasOpened() {
	if m == nil {
		return
	}
	m.ActiveCanvases.Inc()
}

func (m *Metrics) canvasClosed() {
	if m == nil {
		return
	}
	m.ActiveCanvases.Dec()
}

func (m *Metrics) subscriberAdded() {
	if m == nil {
		return
	}
	m.Subscribers.Inc()
}

func (m *Metrics) subscriberRemoved() {
	if m == nil {
		return
	}
	m.Subscribers.Dec()
}

func (m *Metrics) recordAppend(records, fanout int) {
	if m == nil {
		return
	}
	m.RecordsAppended.Add(float64(records))
	m.FramesBroadcast.Add(float64(fanout))
}

func (m *Metrics) recordClear() {
	if m == nil {
		return
	}
	m.Clears.Inc()
}

func (m *Metrics) recordLoad(outcome string) {
	if m == nil {
		return
	}
	m.Loads.WithLabelValues(outcome).Inc()
}

func (m *Metrics) recordPersist(start time.Time, err error) {
	if m == nil {
		return
	}
	m.PersistDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		m.PersistFailures.Inc()
	}
}

func (m *Metrics) recordCapacityRejected() {
	if m == nil {
		return
	}
	m.CapacityRejected.Inc()
}
