package rotation

import "github.com/prometheus/client_golang/prometheus"

var (
	rotationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rekeyd_rotations_total",
		Help: "Total number of rotations by final status.",
	}, []string{"status"})

	itemsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rekeyd_reencryption_items_total",
		Help: "Total number of re-encryption queue items by result.",
	}, []string{"result"})

	rotationActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rekeyd_rotation_active",
		Help: "Whether a rotation is currently running: 0=idle, 1=active.",
	})

	batchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "rekeyd_reencryption_batch_duration_seconds",
		Help:    "Duration of one re-encryption batch in seconds.",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(rotationsTotal, itemsTotal, rotationActive, batchDuration)
}
