package apikey

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"
)

type memStore struct {
	records map[string]*Record
}

func newMemStore() *memStore { return &memStore{records: map[string]*Record{}} }

func (m *memStore) Load() (map[string]*Record, error) { return m.records, nil }
func (m *memStore) Save(records map[string]*Record) error {
	m.records = records
	return nil
}

func TestCreateValidateRoundTrip(t *testing.T) {
	mgr, err := NewManager(newMemStore())
	if err != nil {
		t.Fatal(err)
	}
	raw, rec, err := mgr.Create("test", "", []Permission{PermChatCompletions}, nil)
	if err != nil {
		t.Fatal(err)
	}

	got := mgr.Validate(raw)
	if got == nil {
		t.Fatal("expected validate to succeed")
	}
	if got.KeyID != rec.KeyID {
		t.Fatalf("key id mismatch: %s != %s", got.KeyID, rec.KeyID)
	}
	if !got.HasPermission(PermChatCompletions) {
		t.Fatal("expected permission to round-trip")
	}
	if got.KeyHash == "" || got.Salt == "" {
		t.Fatal("expected hash/salt to be present internally")
	}
}

func TestValidateRejectsWrongKey(t *testing.T) {
	mgr, _ := NewManager(newMemStore())
	mgr.Create("test", "", []Permission{PermChatCompletions}, nil)
	if mgr.Validate("sk-proj-deadbeef") != nil {
		t.Fatal("expected validate to fail for unknown key")
	}
}

func TestRawKeyNeverPersisted(t *testing.T) {
	store := newMemStore()
	mgr, _ := NewManager(store)
	raw, _, _ := mgr.Create("test", "", nil, nil)

	for _, rec := range store.records {
		if rec.KeyHash == raw || rec.Salt == raw {
			t.Fatal("raw key leaked into persisted record")
		}
	}
}

func TestFullAccessBypassesPermissionMap(t *testing.T) {
	rec := &Record{Permissions: []Permission{PermFullAccess}}
	if !rec.HasPermission(PermModelsList) {
		t.Fatal("full_access should grant any permission")
	}
}

func TestValidatorRejectsMissingAuth(t *testing.T) {
	mgr, _ := NewManager(newMemStore())
	v := NewValidator(mgr, nil)
	called := false
	h := v.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)

	if called {
		t.Fatal("handler should not be called without auth")
	}
	if rw.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rw.Code)
	}
}

func TestValidatorDeniesMissingPermission(t *testing.T) {
	mgr, _ := NewManager(newMemStore())
	raw, _, _ := mgr.Create("test", "", []Permission{PermModelsList}, nil)
	v := NewValidator(mgr, nil)
	called := false
	h := v.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)

	if called {
		t.Fatal("handler should not be called without permission")
	}
	if rw.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rw.Code)
	}
}

func TestImportRegistersBootstrapKey(t *testing.T) {
	mgr, _ := NewManager(newMemStore())
	rec, err := mgr.Import("sk-proj-operatorsuppliedbootstrapkey", "bootstrap", []Permission{PermFullAccess})
	if err != nil {
		t.Fatal(err)
	}
	got := mgr.Validate("sk-proj-operatorsuppliedbootstrapkey")
	if got == nil || got.KeyID != rec.KeyID {
		t.Fatal("expected imported key to validate")
	}
}

func TestImportIsIdempotent(t *testing.T) {
	mgr, _ := NewManager(newMemStore())
	first, err := mgr.Import("sk-proj-operatorsuppliedbootstrapkey", "bootstrap", []Permission{PermFullAccess})
	if err != nil {
		t.Fatal(err)
	}
	second, err := mgr.Import("sk-proj-operatorsuppliedbootstrapkey", "bootstrap", []Permission{PermFullAccess})
	if err != nil {
		t.Fatal(err)
	}
	if first.KeyID != second.KeyID {
		t.Fatal("expected re-importing the same raw key to return the existing record")
	}
	if len(mgr.List()) != 1 {
		t.Fatalf("expected exactly one record, got %d", len(mgr.List()))
	}
}

func TestValidatorRecordsUseAfterHandlerCompletes(t *testing.T) {
	mgr, _ := NewManager(newMemStore())
	raw, rec, _ := mgr.Create("test", "", []Permission{PermModelsList}, nil)
	stats, err := NewUsageStats(filepath.Join(t.TempDir(), "key_usage_stats.json"))
	if err != nil {
		t.Fatal(err)
	}
	v := NewValidator(mgr, stats)

	var recordedBeforeHandlerRan bool
	h := v.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := mgr.List()[0]
		recordedBeforeHandlerRan = got.UsageCount > 0
		w.WriteHeader(http.StatusInternalServerError)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)

	if recordedBeforeHandlerRan {
		t.Fatal("expected RecordUse to fire after the handler completes, not before")
	}

	got := mgr.List()[0]
	if got.UsageCount != 1 {
		t.Fatalf("expected usage count 1 after the request, got %d", got.UsageCount)
	}
	if !got.LastRequestFailed {
		t.Fatal("expected a 500 response to be recorded as a failed request")
	}

	loaded, err := NewUsageStats(stats.path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.doc.KeyStats[rec.KeyID].TotalErrors != 1 {
		t.Fatalf("expected key_usage_stats.json to record 1 error, got %+v", loaded.doc.KeyStats[rec.KeyID])
	}
}

func TestValidatorAppliesRateLimit(t *testing.T) {
	mgr, _ := NewManager(newMemStore())
	raw, _, _ := mgr.Create("test", "", []Permission{PermModelsList}, &RateLimit{Max: 1, WindowMS: 60_000})
	v := NewValidator(mgr, nil)
	v.Now = func() time.Time { return time.Unix(1000, 0) }
	h := v.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	do := func() int {
		req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
		req.Header.Set("Authorization", "Bearer "+raw)
		rw := httptest.NewRecorder()
		h.ServeHTTP(rw, req)
		return rw.Code
	}

	if code := do(); code != http.StatusOK {
		t.Fatalf("first request expected 200, got %d", code)
	}
	if code := do(); code != http.StatusTooManyRequests {
		t.Fatalf("second request expected 429, got %d", code)
	}
}
