package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/darvell/qwen-gateway/internal/account"
)

func TestDeviceFlowHappyPath(t *testing.T) {
	pollCount := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/oauth2/device/code":
			json.NewEncoder(w).Encode(map[string]any{
				"device_code":      "DC1",
				"user_code":        "ABCD",
				"verification_uri": "https://chat.qwen.ai/device",
				"expires_in":       900,
				"interval":         0,
			})
		case "/api/v1/oauth2/token":
			pollCount++
			if pollCount < 4 {
				w.WriteHeader(http.StatusBadRequest)
				json.NewEncoder(w).Encode(map[string]any{"error": "authorization_pending"})
				return
			}
			json.NewEncoder(w).Encode(map[string]any{
				"access_token":  "T2",
				"refresh_token": "R2",
				"expires_in":    3600,
				"resource_url":  "portal.qwen.ai",
			})
		}
	}))
	defer server.Close()

	client := NewClient(server.Client(), server.URL, "test-client")
	sess, err := client.Initiate(context.Background(), "user1")
	if err != nil {
		t.Fatal(err)
	}
	if sess.UserCode != "ABCD" || sess.DeviceCode != "DC1" {
		t.Fatalf("unexpected session: %+v", sess)
	}
	// The mock's interval of 0 falls back to Initiate's 5s default, and Poll
	// answers slow_down locally to anything faster; clear it so the loop
	// below can poll back to back.
	sess.PollInterval = 0

	var result PollResult
	for i := 0; i < 4; i++ {
		result, err = client.Poll(context.Background(), sess.DeviceCode, sess.CodeVerifier)
		if err != nil {
			t.Fatal(err)
		}
		if result.Status == StatusCompleted {
			break
		}
		if result.Status != StatusPending {
			t.Fatalf("expected pending, got %s", result.Status)
		}
	}

	if result.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", result.Status)
	}
	if result.Credentials.ResourceURL != "portal.qwen.ai" {
		t.Fatalf("unexpected resource url: %s", result.Credentials.ResourceURL)
	}
	if result.Credentials.AccessToken != "T2" {
		t.Fatalf("unexpected access token: %s", result.Credentials.AccessToken)
	}
}

func TestRefreshLeavesOmittedRefreshTokenEmpty(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "NEWACCESS",
			"expires_in":   3600,
		})
	}))
	defer server.Close()

	r := NewRefresher(server.Client(), server.URL, "test-client")
	current := account.Credentials{AccessToken: "old", RefreshToken: "R1"}
	next, err := r.Refresh(context.Background(), current)
	if err != nil {
		t.Fatal(err)
	}
	if next.AccessToken != "NEWACCESS" {
		t.Fatalf("unexpected access token %s", next.AccessToken)
	}
	if next.RefreshToken != "" {
		t.Fatalf("refresher itself should not fabricate a refresh token, account.ApplyRefresh preserves it")
	}
}

func TestRefreshInvalidGrant(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{"error": "invalid_grant"})
	}))
	defer server.Close()

	r := NewRefresher(server.Client(), server.URL, "test-client")
	_, err := r.Refresh(context.Background(), account.Credentials{RefreshToken: "bad"})
	if err != ErrInvalidGrant {
		t.Fatalf("expected ErrInvalidGrant, got %v", err)
	}
}

type fakePool struct {
	accounts []*account.Account
	persisted map[string]int
}

func (f *fakePool) All() []*account.Account { return f.accounts }
func (f *fakePool) Persist(accountID string) error {
	if f.persisted == nil {
		f.persisted = map[string]int{}
	}
	f.persisted[accountID]++
	return nil
}

func TestSchedulerRefreshesExpiringSoonAccount(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "NEW",
			"refresh_token": "R2",
			"expires_in":    3600,
		})
	}))
	defer server.Close()

	now := time.Now()
	acc := account.NewAccount("acct1", account.Credentials{
		AccessToken:     "old",
		RefreshToken:    "R1",
		ExpiryTimestamp: now.Add(5 * time.Minute).UnixMilli(),
	})
	pool := &fakePool{accounts: []*account.Account{acc}}
	refresher := NewRefresher(server.Client(), server.URL, "test-client")
	sched := NewScheduler(pool, refresher, time.Hour)

	sched.runOnce(context.Background())

	snap := acc.CredentialsFor()
	if snap.Credentials.AccessToken != "NEW" {
		t.Fatalf("expected refreshed token, got %s", snap.Credentials.AccessToken)
	}
	if pool.persisted["acct1"] != 1 {
		t.Fatalf("expected persist to be called once, got %d", pool.persisted["acct1"])
	}
}

func TestSchedulerSkipsFarFromExpiry(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer server.Close()

	now := time.Now()
	acc := account.NewAccount("acct1", account.Credentials{
		AccessToken:     "old",
		RefreshToken:    "R1",
		ExpiryTimestamp: now.Add(2 * time.Hour).UnixMilli(),
	})
	pool := &fakePool{accounts: []*account.Account{acc}}
	refresher := NewRefresher(server.Client(), server.URL, "test-client")
	sched := NewScheduler(pool, refresher, time.Hour)

	// jitterThreshold always draws from [10,30] minutes; 2h (120min) always
	// exceeds it, so the account should never be selected as due.
	sched.runOnce(context.Background())

	if called {
		t.Fatal("refresh should not have been attempted for an account far from expiry")
	}
}
