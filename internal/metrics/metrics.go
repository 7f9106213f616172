package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder holds the service's Prometheus collectors. A nil *Recorder is a no-op.
type Recorder struct {
	transitions   *prometheus.CounterVec
	verifications *prometheus.CounterVec
	enrollments   *prometheus.CounterVec
	storeSeconds  *prometheus.HistogramVec
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "qrattend_transitions_total",
			Help: "Check-in transition attempts by action and outcome.",
		}, []string{"action", "outcome"}),
		verifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "qrattend_verifications_total",
			Help: "Credential verifications by result.",
		}, []string{"result"}),
		enrollments: f.NewCounterVec(prometheus.CounterOpts{
			Name: "qrattend_enrollments_total",
			Help: "Enrollment rows by result.",
		}, []string{"result"}),
		storeSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "qrattend_store_seconds",
			Help:    "Record store operation latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
	}
}

func (r *Recorder) Transition(action, outcome string) {
	if r == nil {
		return
	}
	r.transitions.WithLabelValues(action, outcome).Inc()
}

func (r *Recorder) Verification(result string) {
	if r == nil {
		return
	}
	r.verifications.WithLabelValues(result).Inc()
}

func (r *Recorder) Enrollment(result string) {
	if r == nil {
		return
	}
	r.enrollments.WithLabelValues(result).Inc()
}

// ObserveStore records the time since start for op. Use with defer.
func (r *Recorder) ObserveStore(op string, start time.Time) {
	if r == nil {
		return
	}
	r.storeSeconds.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
