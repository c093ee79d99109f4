package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RoutingAttempt("t", "round_robin", true, false, time.Millisecond)
	m.QueueTransition("t", "answered")
	m.SetWaiting("t", 3)
	m.IVRStarted()
	m.IVREnded("f", "completed")
	m.IVRTransition("f", "match")
	m.SetSLA("t", 90, 5, time.Second)
	m.Webhook("twilio", "ok")
	m.VendorRequest("twilio", nil)
	m.AudioError("twilio")
	m.APIRequest("GET", "/healthz", 200, time.Millisecond)
	if m.Registry() != nil {
		t.Fatalf("expected nil registry")
	}
}

func TestRoutingOutcomes(t *testing.T) {
	m := New()
	m.RoutingAttempt("sales", "skill_based", true, false, 2*time.Millisecond)
	m.RoutingAttempt("sales", "skill_based", true, true, 2*time.Millisecond)
	m.RoutingAttempt("sales", "skill_based", false, false, 2*time.Millisecond)
	m.RoutingAttempt("sales", "skill_based", false, false, 2*time.Millisecond)

	if got := testutil.ToFloat64(m.RoutingAttemptsTotal.WithLabelValues("sales", "skill_based", "success")); got != 1 {
		t.Fatalf("expected 1 success, got %v", got)
	}
	if got := testutil.ToFloat64(m.RoutingAttemptsTotal.WithLabelValues("sales", "skill_based", "fallback")); got != 1 {
		t.Fatalf("expected 1 fallback, got %v", got)
	}
	if got := testutil.ToFloat64(m.RoutingAttemptsTotal.WithLabelValues("sales", "skill_based", "no_match")); got != 2 {
		t.Fatalf("expected 2 no_match, got %v", got)
	}
}

func TestIVRGaugeTracksActiveSessions(t *testing.T) {
	m := New()
	m.IVRStarted()
	m.IVRStarted()
	m.IVREnded("main", "completed")
	if got := testutil.ToFloat64(m.IVRSessionsActive); got != 1 {
		t.Fatalf("expected 1 active session, got %v", got)
	}
	m.VendorRequest("telnyx", errors.New("boom"))
	if got := testutil.ToFloat64(m.VendorRequestsTotal.WithLabelValues("telnyx", "error")); got != 1 {
		t.Fatalf("expected vendor error counted, got %v", got)
	}
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New()
	m.SetSLA("support", 80, 10, 12*time.Second)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `cc_sla_compliance_percent{team="support"} 80`) {
		t.Fatalf("expected sla gauge in output")
	}
}
