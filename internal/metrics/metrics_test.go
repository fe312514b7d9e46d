// ABOUTME: Tests for the metric helpers and the scrape-time agent collector.
// ABOUTME: Uses the client_golang testutil package to read counter values back.

package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct{}

func (fakeSource) CountByState() map[string]int   { return map[string]int{"alive": 2, "unknown": 1} }
func (fakeSource) ResourceCounts() map[string]int { return map[string]int{"agent-1": 12} }

func TestObserveStabilization(t *testing.T) {
	before := testutil.ToFloat64(stabilizationsTotal.WithLabelValues("Drive", "stabilized"))
	ObserveStabilization("Drive", "stabilized")
	after := testutil.ToFloat64(stabilizationsTotal.WithLabelValues("Drive", "stabilized"))
	assert.Equal(t, before+1, after)
}

func TestObserveDispatchLabelsCode(t *testing.T) {
	ObserveDispatch("addPort", -32602, time.Millisecond)
	assert.Equal(t, float64(1), testutil.ToFloat64(dispatchTotal.WithLabelValues("addPort", "-32602")))

	ObserveDispatch("addPort", 0, time.Millisecond)
	assert.Equal(t, float64(1), testutil.ToFloat64(dispatchTotal.WithLabelValues("addPort", "ok")))
}

func TestAgentCollector(t *testing.T) {
	c := NewAgentCollector(fakeSource{})
	expected := `
# HELP gami_agents Number of known agents, partitioned by session state.
# TYPE gami_agents gauge
gami_agents{state="alive"} 2
gami_agents{state="unknown"} 1
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected), "gami_agents"))
	assert.Equal(t, 3, testutil.CollectAndCount(c))
}

func TestMiddlewareRecordsStatus(t *testing.T) {
	h := Middleware("/api/agents", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/agents", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, float64(1), testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/api/agents", "418")))
}
