package escrow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks escrow transitions, rejections and commit contention
type Metrics struct {
	Transitions *prometheus.CounterVec
	Rejections  *prometheus.CounterVec
	Conflicts   prometheus.Counter
	Duration    *prometheus.HistogramVec
}

const (
	opCreate   = "create"
	opRelease  = "release"
	opRefund   = "refund"
	opPublish  = "publish"
	opTransfer = "transfer"
)

// NewMetrics creates the escrow metrics and registers them with reg. A nil
// Registerer leaves them unregistered
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_operations_total",
			Help: "Total number of committed escrow operations",
		}, []string{"operation"}),
		Rejections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_rejections_total",
			Help: "Total number of escrow operations rejected, by reason",
		}, []string{"operation", "reason"}),
		Conflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "escrow_version_conflicts_total",
			Help: "Total number of appends that lost the sequence race",
		}),
		Duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "escrow_operation_duration_seconds",
			Help:    "Duration of escrow operations",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"operation"}),
	}
}

// observe records the outcome of an operation started at start
func (m *Metrics) observe(op string, start time.Time, err error) {
	m.Duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		m.Rejections.WithLabelValues(op, reason(err)).Inc()
		return
	}
	m.Transitions.WithLabelValues(op).Inc()
}
