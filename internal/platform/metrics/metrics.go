package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jinford/dev-estimate/internal/core/estimation"
)

const namespace = "estimator"

// Metrics は見積もりオーケストレーターのメトリクスを Prometheus に記録する
type Metrics struct {
	batchesSubmitted  prometheus.Counter
	itemsSubmitted    prometheus.Counter
	itemsFinished     *prometheus.CounterVec
	stageDuration     *prometheus.HistogramVec
	activeObservers   prometheus.Gauge
	snapshotsDelivery *prometheus.CounterVec
}

// New はメトリクスを作成し reg に登録する
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		batchesSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_submitted_total",
			Help:      "Count of submitted estimation batches.",
		}),
		itemsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_submitted_total",
			Help:      "Count of submitted estimation items.",
		}),
		itemsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_finished_total",
			Help:      "Count of estimation items that reached a terminal status.",
		}, []string{"status"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of each pipeline stage in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"stage"}),
		activeObservers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "observers_active",
			Help:      "Number of attached progress observers.",
		}),
		snapshotsDelivery: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_delivered_total",
			Help:      "Count of snapshot deliveries to observers by result.",
		}, []string{"result"}),
	}

	collectors := []prometheus.Collector{
		m.batchesSubmitted,
		m.itemsSubmitted,
		m.itemsFinished,
		m.stageDuration,
		m.activeObservers,
		m.snapshotsDelivery,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// BatchSubmitted はバッチの受け付けを記録する
func (m *Metrics) BatchSubmitted(items int) {
	m.batchesSubmitted.Inc()
	m.itemsSubmitted.Add(float64(items))
}

// StageObserved はステージの所要時間を記録する
func (m *Metrics) StageObserved(stage estimation.Status, d time.Duration) {
	m.stageDuration.WithLabelValues(string(stage)).Observe(d.Seconds())
}

// ItemFinished は項目の終端状態を記録する
func (m *Metrics) ItemFinished(status estimation.Status) {
	m.itemsFinished.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) ObserverAttached() {
	m.activeObservers.Inc()
}

func (m *Metrics) ObserverDetached() {
	m.activeObservers.Dec()
}

// SnapshotDelivered はスナップショット送信の成否を記録する
func (m *Metrics) SnapshotDelivered(ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	m.snapshotsDelivery.WithLabelValues(result).Inc()
}

var _ estimation.Recorder = (*Metrics)(nil)
