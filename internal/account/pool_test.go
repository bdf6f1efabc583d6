package account

import (
	"testing"
	"time"
)

type memStore struct {
	data map[string]Credentials
}

func newMemStore() *memStore { return &memStore{data: map[string]Credentials{}} }

func (m *memStore) Load() (map[string]Credentials, error) {
	out := make(map[string]Credentials, len(m.data))
	for k, v := range m.data {
		out[k] = v
	}
	return out, nil
}

func (m *memStore) Save(accountID string, creds Credentials) error {
	m.data[accountID] = creds
	return nil
}

func (m *memStore) Delete(accountID string) error {
	delete(m.data, accountID)
	return nil
}

func TestPickIdentityWithSingleEligibleAccount(t *testing.T) {
	p := NewPool(newMemStore())
	now := time.Now()
	if err := p.Add("acct1", Credentials{AccessToken: "T1", ExpiryTimestamp: now.Add(time.Hour).UnixMilli()}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		acc, err := p.Pick(PurposeChat, now, nil)
		if err != nil {
			t.Fatalf("pick %d: %v", i, err)
		}
		if acc.ID() != "acct1" {
			t.Fatalf("expected acct1, got %s", acc.ID())
		}
		acc.Touch(now)
	}
}

func TestPickSkipsQuotaExhausted(t *testing.T) {
	p := NewPool(newMemStore())
	now := time.Now()
	p.Add("acct1", Credentials{AccessToken: "T1", ExpiryTimestamp: now.Add(time.Hour).UnixMilli()})
	p.Add("acct2", Credentials{AccessToken: "T2", ExpiryTimestamp: now.Add(time.Hour).UnixMilli()})

	p.MarkQuotaExhausted("acct1", now)

	acc, err := p.Pick(PurposeChat, now, nil)
	if err != nil {
		t.Fatal(err)
	}
	if acc.ID() != "acct2" {
		t.Fatalf("expected acct2, got %s", acc.ID())
	}
}

func TestPickSkipsAuthErrorThreshold(t *testing.T) {
	p := NewPool(newMemStore())
	now := time.Now()
	p.Add("acct1", Credentials{AccessToken: "T1"})
	for i := 0; i < AuthErrorThreshold; i++ {
		p.MarkAuthError("acct1")
	}
	_, err := p.Pick(PurposeChat, now, nil)
	if err != ErrNoEligibleAccount {
		t.Fatalf("expected ErrNoEligibleAccount, got %v", err)
	}
}

func TestPickSkipsRefreshingAccount(t *testing.T) {
	p := NewPool(newMemStore())
	now := time.Now()
	p.Add("acct1", Credentials{AccessToken: "T1"})
	acc := p.Get("acct1")
	if !acc.TryLockForRefresh() {
		t.Fatal("expected to acquire refresh lock")
	}
	_, err := p.Pick(PurposeChat, now, nil)
	if err != ErrNoEligibleAccount {
		t.Fatalf("expected ErrNoEligibleAccount while refreshing, got %v", err)
	}
	acc.ReleaseRefresh()
	if _, err := p.Pick(PurposeChat, now, nil); err != nil {
		t.Fatalf("expected pick to succeed after release: %v", err)
	}
}

func TestTryLockForRefreshMutualExclusion(t *testing.T) {
	acc := NewAccount("acct1", Credentials{})
	if !acc.TryLockForRefresh() {
		t.Fatal("first lock should succeed")
	}
	if acc.TryLockForRefresh() {
		t.Fatal("second concurrent lock should fail")
	}
	acc.ReleaseRefresh()
	if !acc.TryLockForRefresh() {
		t.Fatal("lock should be available again after release")
	}
}

func TestApplyRefreshIncreasesExpiryAndPreservesRefreshToken(t *testing.T) {
	now := time.Now()
	acc := NewAccount("acct1", Credentials{
		AccessToken:     "old",
		RefreshToken:    "R1",
		ExpiryTimestamp: now.UnixMilli(),
	})
	pre := acc.CredentialsFor().Credentials.ExpiryTimestamp

	acc.ApplyRefresh(Credentials{
		AccessToken:     "new",
		ExpiryTimestamp: now.Add(time.Hour).UnixMilli(),
		// RefreshToken omitted, as the vendor reply may omit it.
	}, now)

	snap := acc.CredentialsFor()
	if snap.Credentials.ExpiryTimestamp <= pre {
		t.Fatalf("expiry did not advance: %d <= %d", snap.Credentials.ExpiryTimestamp, pre)
	}
	if snap.Credentials.RefreshToken != "R1" {
		t.Fatalf("refresh token not preserved: %q", snap.Credentials.RefreshToken)
	}
}

func TestResurrectClearsDisabledAndQuotaState(t *testing.T) {
	p := NewPool(newMemStore())
	now := time.Now()
	p.Add("acct1", Credentials{AccessToken: "T1", ExpiryTimestamp: now.Add(time.Hour).UnixMilli()})
	acc := p.Get("acct1")

	acc.MarkAuthDead()
	acc.MarkQuotaExhausted(now)
	if _, err := p.Pick(PurposeChat, now, nil); err != ErrNoEligibleAccount {
		t.Fatalf("expected dead account to be ineligible, got %v", err)
	}

	acc.Resurrect()
	picked, err := p.Pick(PurposeChat, now, nil)
	if err != nil {
		t.Fatalf("expected resurrected account to be eligible: %v", err)
	}
	if picked.ID() != "acct1" {
		t.Fatalf("expected acct1, got %s", picked.ID())
	}
}

func TestRemoveRollsBackOnPersistFailure(t *testing.T) {
	store := newMemStore()
	p := NewPool(store)
	p.Add("acct1", Credentials{AccessToken: "T1"})

	failing := &failingDeleteStore{memStore: store}
	p.store = failing

	if err := p.Remove("acct1"); err == nil {
		t.Fatal("expected delete error to propagate")
	}
	if p.Get("acct1") == nil {
		t.Fatal("expected account to be rolled back into pool after failed delete")
	}
}

type failingDeleteStore struct {
	*memStore
}

func (f *failingDeleteStore) Delete(accountID string) error {
	return errNotImplemented
}

var errNotImplemented = errTest("delete not implemented")

type errTest string

func (e errTest) Error() string { return string(e) }
