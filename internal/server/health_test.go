package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/darvell/qwen-gateway/internal/account"
)

func TestClassifyAccount(t *testing.T) {
	cases := []struct {
		name     string
		minutes  float64
		disabled bool
		want     accountStatus
	}{
		{"disabled always failed", 120, true, statusFailed},
		{"negative minutes expired", -1, false, statusExpired},
		{"within jitter window expiring soon", 10, false, statusExpiringSoon},
		{"well ahead of window healthy", 120, false, statusHealthy},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := classifyAccount(c.minutes, c.disabled); got != c.want {
				t.Fatalf("classifyAccount(%v, %v) = %v, want %v", c.minutes, c.disabled, got, c.want)
			}
		})
	}
}

func TestWorseRanksStatusesMonotonically(t *testing.T) {
	if !worse(statusFailed, statusHealthy) {
		t.Fatal("failed should be worse than healthy")
	}
	if worse(statusHealthy, statusFailed) {
		t.Fatal("healthy should never be worse than failed")
	}
	if worse(statusExpiringSoon, statusExpiringSoon) {
		t.Fatal("equal statuses are never worse than each other")
	}
}

func TestHandleHealthReportsAggregateStatus(t *testing.T) {
	pool := account.NewPool(noopStore{})
	now := time.Now()
	pool.Add("acct1", account.Credentials{AccessToken: "T1", ExpiryTimestamp: now.Add(time.Hour).UnixMilli()})

	s := New()
	s.Pool = pool
	s.StartTime = now

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rw := httptest.NewRecorder()
	s.handleHealth(rw, req)

	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rw.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rw.Body.Bytes(), &body); err != nil {
		t.Fatalf("expected valid JSON body: %v", err)
	}
	if body["status"] != string(statusHealthy) {
		t.Fatalf("expected healthy aggregate status, got %v", body["status"])
	}
}

type noopStore struct{}

func (noopStore) Load() (map[string]account.Credentials, error) { return nil, nil }
func (noopStore) Save(string, account.Credentials) error        { return nil }
func (noopStore) Delete(string) error                            { return nil }
