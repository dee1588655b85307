package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_PairingCounters(t *testing.T) {
	t.Parallel()

	m := New()

	m.SessionStarted()
	m.ActiveSessions(1)
	m.CodeIssued()
	m.ReconnectScheduled()
	m.ReconnectScheduled()
	m.ExportFinished(nil)
	m.ExportFinished(errors.New("upload"))
	m.SessionFinished("completed")
	m.ActiveSessions(-1)

	if got := testutil.ToFloat64(m.sessionsStarted); got != 1 {
		t.Fatalf("started=%v", got)
	}
	if got := testutil.ToFloat64(m.reconnects); got != 2 {
		t.Fatalf("reconnects=%v", got)
	}
	if got := testutil.ToFloat64(m.codesIssued); got != 1 {
		t.Fatalf("codes=%v", got)
	}
	if got := testutil.ToFloat64(m.sessionsActive); got != 0 {
		t.Fatalf("active=%v", got)
	}
	if got := testutil.ToFloat64(m.exports.WithLabelValues("ok")); got != 1 {
		t.Fatalf("exports ok=%v", got)
	}
	if got := testutil.ToFloat64(m.exports.WithLabelValues("error")); got != 1 {
		t.Fatalf("exports error=%v", got)
	}
	if got := testutil.ToFloat64(m.sessionsFinished.WithLabelValues("completed")); got != 1 {
		t.Fatalf("finished=%v", got)
	}
}

func TestMetrics_HandlerExposesRegistry(t *testing.T) {
	t.Parallel()

	m := New()
	m.RecordHTTPRequest(http.MethodGet, "/pair", http.StatusOK, 20*time.Millisecond)
	m.SessionFinished("rejected")

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}

	body, _ := io.ReadAll(rr.Body)
	for _, want := range []string{
		`pairlink_http_requests_total{method="GET",path="/pair",status="200"} 1`,
		`pairlink_sessions_finished_total{outcome="rejected"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}
