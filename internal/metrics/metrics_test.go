package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestHandlerExposesRegisteredMetrics(t *testing.T) {
	FencingEventsTotal.Add(0) // ensure the counter has been touched at least once
	RaftLeader.Set(1)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	require.Contains(t, body, "meridian_raft_is_leader 1")
	require.Contains(t, body, "meridian_fencing_events_total")
}

func TestTimerObserveDurationRecordsNonNegativeSeconds(t *testing.T) {
	timer := NewTimer()
	time.Sleep(time.Millisecond)
	timer.ObserveDuration(ReconciliationDuration)
	require.GreaterOrEqual(t, timer.Duration(), time.Millisecond)
}

func TestTimerObserveDurationVecUsesLabels(t *testing.T) {
	vec := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "test_observe_duration_vec_seconds", Help: "scratch"},
		[]string{"kind"},
	)
	timer := NewTimer()
	timer.ObserveDurationVec(vec, "incremental")

	m := &dto.Metric{}
	require.NoError(t, vec.WithLabelValues("incremental").(prometheus.Metric).Write(m))
	require.EqualValues(t, 1, m.GetHistogram().GetSampleCount())
}
