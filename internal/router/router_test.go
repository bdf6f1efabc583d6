package router

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/darvell/qwen-gateway/internal/account"
	"github.com/darvell/qwen-gateway/internal/apierr"
	"github.com/darvell/qwen-gateway/internal/counters"
	"github.com/darvell/qwen-gateway/internal/oauth"
)

func testCounters(t *testing.T) *counters.Counters {
	t.Helper()
	store, err := counters.NewStore(filepath.Join(t.TempDir(), "request_counts.json"))
	if err != nil {
		t.Fatal(err)
	}
	c := counters.New(store, time.Hour)
	t.Cleanup(c.Close)
	return c
}

func TestResolveBaseURL(t *testing.T) {
	cases := map[string]string{
		"":                      defaultVendorBase,
		"portal.qwen.ai":        "https://portal.qwen.ai/v1",
		"https://portal.qwen.ai": "https://portal.qwen.ai/v1",
		"https://portal.qwen.ai/v1": "https://portal.qwen.ai/v1",
	}
	for in, want := range cases {
		if got := ResolveBaseURL(in); got != want {
			t.Errorf("ResolveBaseURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestWebSearchURL(t *testing.T) {
	got := WebSearchURL("https://portal.qwen.ai/v1")
	want := "https://portal.qwen.ai/api/v1/indices/plugin/web_search"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestHappyPathChatCompletion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"id": "c1",
			"usage": map[string]any{
				"prompt_tokens": 5, "completion_tokens": 3, "total_tokens": 8,
			},
		})
	}))
	defer server.Close()

	pool := account.NewPool(testAccountStore())
	pool.Add("acct1", account.Credentials{
		AccessToken:     "T1",
		ExpiryTimestamp: time.Now().Add(time.Hour).UnixMilli(),
		ResourceURL:     server.URL,
	})

	ctrs := testCounters(t)
	rt := New(pool, server.Client(), oauth.NewRefresher(server.Client(), server.URL, "client"), ctrs, time.Second*5, time.Second*5)

	body, err := rt.ChatCompletion(context.Background(), []byte(`{"model":"qwen3-coder-plus","messages":[]}`), "")
	if err != nil {
		t.Fatal(err)
	}
	if len(body) == 0 {
		t.Fatal("expected body")
	}

	today := ctrs.GetToday("acct1")
	if today.ChatRequests != 1 || today.InputTokens != 5 || today.OutputTokens != 3 {
		t.Fatalf("unexpected counters: %+v", today)
	}
}

func TestQuotaRotation(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		account := r.Header.Get("Authorization")
		if account == "Bearer T1" {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte("Free allocated quota exceeded"))
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"id": "c1", "usage": map[string]any{"prompt_tokens": 1, "completion_tokens": 1}})
	}))
	defer server.Close()

	pool := account.NewPool(testAccountStore())
	now := time.Now()
	pool.Add("acct1", account.Credentials{AccessToken: "T1", ExpiryTimestamp: now.Add(time.Hour).UnixMilli(), ResourceURL: server.URL})
	pool.Add("acct2", account.Credentials{AccessToken: "T2", ExpiryTimestamp: now.Add(time.Hour).UnixMilli(), ResourceURL: server.URL})

	ctrs := testCounters(t)
	rt := New(pool, server.Client(), oauth.NewRefresher(server.Client(), server.URL, "client"), ctrs, 5*time.Second, 5*time.Second)

	// acct1 has the lower (zero) last-used timestamp so Pick should try it
	// first; force it to sort first by leaving acct2 untouched too - round
	// robin order is insertion order here.
	_, err := rt.ChatCompletion(context.Background(), []byte(`{}`), "")
	if err != nil {
		t.Fatalf("expected eventual success via rotation, got %v", err)
	}

	acc1 := pool.Get("acct1")
	snap := acc1.CredentialsFor()
	if snap.QuotaExhaustedUntil.IsZero() {
		t.Fatal("expected acct1 to be marked quota exhausted")
	}
}

func TestOtherClientErrorDoesNotRotate(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"bad request"}`))
	}))
	defer server.Close()

	pool := account.NewPool(testAccountStore())
	now := time.Now()
	pool.Add("acct1", account.Credentials{AccessToken: "T1", ExpiryTimestamp: now.Add(time.Hour).UnixMilli(), ResourceURL: server.URL})
	pool.Add("acct2", account.Credentials{AccessToken: "T2", ExpiryTimestamp: now.Add(time.Hour).UnixMilli(), ResourceURL: server.URL})

	rt := New(pool, server.Client(), oauth.NewRefresher(server.Client(), server.URL, "client"), testCounters(t), 5*time.Second, 5*time.Second)

	_, err := rt.ChatCompletion(context.Background(), []byte(`{}`), "")
	if err == nil {
		t.Fatal("expected error")
	}
	ae, ok := err.(*apierr.Error)
	if !ok || ae.Kind != apierr.Validation {
		t.Fatalf("expected validation_error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one upstream call (no rotation on bare 4xx), got %d", calls)
	}
}

func TestStreamingNormalizesFragmentedBytes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		parts := []string{"data: {", "\"c\":\"he\"}\n", "\n"}
		for _, p := range parts {
			io.WriteString(w, p)
			if flusher != nil {
				flusher.Flush()
			}
		}
	}))
	defer server.Close()

	pool := account.NewPool(testAccountStore())
	pool.Add("acct1", account.Credentials{AccessToken: "T1", ExpiryTimestamp: time.Now().Add(time.Hour).UnixMilli(), ResourceURL: server.URL})

	rt := New(pool, server.Client(), oauth.NewRefresher(server.Client(), server.URL, "client"), testCounters(t), 5*time.Second, 5*time.Second)

	rw := httptest.NewRecorder()
	err := rt.StreamChatCompletion(context.Background(), []byte(`{}`), "", rw, func() {})
	if err != nil {
		t.Fatal(err)
	}
	want := "data: {\"c\":\"he\"}\n\n"
	if rw.Body.String() != want {
		t.Fatalf("got %q want %q", rw.Body.String(), want)
	}
}

// testAccountStore returns an in-memory account.Store for router tests.
func testAccountStore() account.Store {
	return &memAccountStore{data: map[string]account.Credentials{}}
}

type memAccountStore struct {
	data map[string]account.Credentials
}

func (m *memAccountStore) Load() (map[string]account.Credentials, error) { return m.data, nil }
func (m *memAccountStore) Save(id string, c account.Credentials) error {
	m.data[id] = c
	return nil
}
func (m *memAccountStore) Delete(id string) error {
	delete(m.data, id)
	return nil
}
