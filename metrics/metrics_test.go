package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCollector_CountsAndServes(t *testing.T) {
	c := NewCollector("test")
	c.Transition("open", "evaluation")
	c.Transition("open", "evaluation")
	c.AuditAppend(true, 0.001, 7)
	c.AuditAppend(false, 0, 0)
	c.Release()

	require.Equal(t, 2.0, testutil.ToFloat64(c.transitions.WithLabelValues("open", "evaluation")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.auditAppends.WithLabelValues("error")))
	require.Equal(t, 7.0, testutil.ToFloat64(c.chainHead))

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), "test_escrow_releases_total 1"))
}

func TestCollector_NilIsNoop(t *testing.T) {
	var c *Collector
	c.Transition("a", "b")
	c.AuditAppend(true, 1, 1)
	c.Dispute("pending")
	c.NotifyDropped()
	require.Nil(t, c.Registry())
}
