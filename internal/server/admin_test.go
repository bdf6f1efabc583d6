package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/darvell/qwen-gateway/internal/account"
)

func TestHandleAdminResurrectClearsDisabledAccount(t *testing.T) {
	pool := account.NewPool(noopStore{})
	now := time.Now()
	pool.Add("acct1", account.Credentials{AccessToken: "T1", ExpiryTimestamp: now.Add(time.Hour).UnixMilli()})
	pool.Get("acct1").MarkAuthDead()

	s := New()
	s.Pool = pool

	req := httptest.NewRequest(http.MethodPost, "/admin/accounts/acct1/resurrect", nil)
	rw := httptest.NewRecorder()
	s.handleAdminResurrect(rw, req)

	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rw.Code, rw.Body.String())
	}
	if pool.Get("acct1").CredentialsFor().Disabled {
		t.Fatal("expected account to be re-enabled after resurrect")
	}
}

func TestHandleAdminResurrectUnknownAccount(t *testing.T) {
	pool := account.NewPool(noopStore{})
	s := New()
	s.Pool = pool

	req := httptest.NewRequest(http.MethodPost, "/admin/accounts/missing/resurrect", nil)
	rw := httptest.NewRecorder()
	s.handleAdminResurrect(rw, req)

	if rw.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rw.Code)
	}
}
