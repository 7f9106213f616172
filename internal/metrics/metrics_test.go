package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.Transition("in", "marked_in")
	r.Transition("in", "marked_in")
	r.Transition("out", "out_before_in")
	r.Verification("matched")
	r.Enrollment("duplicate")
	r.ObserveStore("create", time.Now())

	assert.Equal(t, 2.0, testutil.ToFloat64(r.transitions.WithLabelValues("in", "marked_in")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.transitions.WithLabelValues("out", "out_before_in")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.verifications.WithLabelValues("matched")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.enrollments.WithLabelValues("duplicate")))
	assert.Equal(t, 1, testutil.CollectAndCount(r.storeSeconds))
}

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.Transition("in", "marked_in")
		r.Verification("matched")
		r.Enrollment("created")
		r.ObserveStore("create", time.Now())
	})
}
