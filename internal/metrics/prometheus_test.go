package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRecorder_Counts(t *testing.T) {
	r := New()
	r.RecordStageFill("yahoo", 28)
	r.RecordStageFill("yahoo", 1)
	r.RecordCapture(3, 2)
	r.RecordExport("forced-final", "retry")
	r.RecordFetch("polygon", 30*time.Millisecond, errors.New("boom"))

	require.Equal(t, 29.0, testutil.ToFloat64(r.stageFills.WithLabelValues("yahoo")))
	require.Equal(t, 2.0, testutil.ToFloat64(r.staleTickers.WithLabelValues("3")))
	require.Equal(t, 1.0, testutil.ToFloat64(r.exports.WithLabelValues("forced-final", "retry")))

	// Two recorders must not collide on registration.
	_ = New()
}

func TestRecorder_Handler(t *testing.T) {
	r := New()
	r.RecordCapture(0, 0)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "dowtracker_captures_total")
}
