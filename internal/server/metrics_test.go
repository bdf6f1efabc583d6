package server

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRequestMetricsExposition(t *testing.T) {
	m := newRequestMetrics()
	m.inc("success", "acct1")
	m.inc("success", "acct1")
	m.inc("upstream_unavailable", "")

	req := httptest.NewRequest("GET", "/metrics", nil)
	rw := httptest.NewRecorder()
	m.serveHTTP(rw, req)

	body := rw.Body.String()
	if !strings.Contains(body, `qwen_gateway_requests_total{outcome="success"} 2`) {
		t.Fatalf("expected aggregate success counter, got:\n%s", body)
	}
	if !strings.Contains(body, `qwen_gateway_account_requests_total{account="acct1",outcome="success"} 2`) {
		t.Fatalf("expected per-account success counter, got:\n%s", body)
	}
	if strings.Contains(body, `account=""`) {
		t.Fatal("requests with no pinned account should not appear in per-account counters")
	}
}
