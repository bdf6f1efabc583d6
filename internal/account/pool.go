package account

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// ErrNoEligibleAccount is returned by Pick when no account currently
// qualifies (none unlocked, unexhausted, and below the auth-error
// threshold).
var ErrNoEligibleAccount = errors.New("no eligible account")

// AuthErrorThreshold is the consecutive_auth_errors value at which an
// account becomes ineligible until a successful refresh resets it.
const AuthErrorThreshold = 3

// Purpose narrows account selection; both purposes draw from the same
// pool today, but the parameter is kept so future per-purpose
// partitioning (e.g. search-only accounts) doesn't require an interface
// change.
type Purpose string

const (
	PurposeChat   Purpose = "chat"
	PurposeSearch Purpose = "search"
)

// Store persists account credentials: one file per account_id, grounded
// on the teacher's atomicWriteJSON read-modify-write-preserving-unknown-
// fields pattern (pool.go's saveAccount family).
type Store interface {
	Load() (map[string]Credentials, error)
	Save(accountID string, creds Credentials) error
	Delete(accountID string) error
}

// Pool maintains the loaded accounts, arbitrates concurrent use, and
// exposes Pick. All state changes go through per-account locks (in
// Account) plus a pool-wide RWMutex held only briefly for the index
// itself, per the concurrency model.
type Pool struct {
	mu       sync.RWMutex
	byID     map[string]*Account
	order    []string // stable iteration order for round robin
	rr       uint64
	store    Store
}

// NewPool constructs an empty pool backed by store.
func NewPool(store Store) *Pool {
	return &Pool{byID: make(map[string]*Account), store: store}
}

// LoadAll scans persistent account storage and hydrates the pool in
// memory. A single account file failing to parse is skipped with a
// logged warning; the pool remains usable with whatever else loaded.
func (p *Pool) LoadAll() error {
	all, err := p.store.Load()
	if err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, creds := range all {
		if _, exists := p.byID[id]; exists {
			continue
		}
		p.byID[id] = NewAccount(id, creds)
		p.order = append(p.order, id)
	}
	return nil
}

// Add registers a new account and persists its credentials. If persistence
// fails the in-memory state is rolled back.
func (p *Pool) Add(accountID string, creds Credentials) error {
	p.mu.Lock()
	if _, exists := p.byID[accountID]; exists {
		p.mu.Unlock()
		return fmt.Errorf("account %s already exists", accountID)
	}
	acc := NewAccount(accountID, creds)
	p.byID[accountID] = acc
	p.order = append(p.order, accountID)
	p.mu.Unlock()

	if err := p.store.Save(accountID, creds); err != nil {
		p.mu.Lock()
		delete(p.byID, accountID)
		p.order = removeString(p.order, accountID)
		p.mu.Unlock()
		return fmt.Errorf("persist account %s: %w", accountID, err)
	}
	return nil
}

// Remove deletes an account from the pool and its persisted credentials.
func (p *Pool) Remove(accountID string) error {
	p.mu.Lock()
	acc, exists := p.byID[accountID]
	if !exists {
		p.mu.Unlock()
		return fmt.Errorf("account %s not found", accountID)
	}
	delete(p.byID, accountID)
	p.order = removeString(p.order, accountID)
	p.mu.Unlock()

	if err := p.store.Delete(accountID); err != nil {
		p.mu.Lock()
		p.byID[accountID] = acc
		p.order = append(p.order, accountID)
		p.mu.Unlock()
		return fmt.Errorf("delete account %s: %w", accountID, err)
	}
	return nil
}

// Persist writes the account's current credential snapshot to the store.
// Used after a successful refresh, since Account.ApplyRefresh only updates
// in-memory state.
func (p *Pool) Persist(accountID string) error {
	acc := p.Get(accountID)
	if acc == nil {
		return fmt.Errorf("account %s not found", accountID)
	}
	snap := acc.CredentialsFor()
	return p.store.Save(accountID, snap.Credentials)
}

// Get returns the account by id, or nil if not present.
func (p *Pool) Get(accountID string) *Account {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.byID[accountID]
}

// All returns a stable-ordered snapshot of every loaded account (used by
// the refresh scheduler and health/status reporting).
func (p *Pool) All() []*Account {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Account, 0, len(p.order))
	for _, id := range p.order {
		if acc, ok := p.byID[id]; ok {
			out = append(out, acc)
		}
	}
	return out
}

// Pick returns an eligible account for purpose, round-robin tie-broken by
// last_used_timestamp ascending. Eligibility: not quota-exhausted, below
// the auth-error threshold, not disabled, and not currently refreshing.
func (p *Pool) Pick(purpose Purpose, now time.Time, exclude map[string]bool) (*Account, error) {
	p.mu.RLock()
	candidates := make([]*Account, 0, len(p.order))
	start := p.rr
	n := uint64(len(p.order))
	if n == 0 {
		p.mu.RUnlock()
		return nil, ErrNoEligibleAccount
	}
	for i := uint64(0); i < n; i++ {
		idx := (start + i) % n
		id := p.order[idx]
		acc, ok := p.byID[id]
		if !ok {
			continue
		}
		candidates = append(candidates, acc)
	}
	p.mu.RUnlock()

	var best *Account
	var bestLastUsed time.Time
	for _, acc := range candidates {
		if exclude[acc.ID()] {
			continue
		}
		snap := acc.CredentialsFor()
		if snap.Disabled {
			continue
		}
		if !snap.QuotaExhaustedUntil.IsZero() && snap.QuotaExhaustedUntil.After(now) {
			continue
		}
		if snap.ConsecutiveAuthErrors >= AuthErrorThreshold {
			continue
		}
		if acc.IsRefreshing() {
			continue
		}
		if best == nil || snap.LastUsedTimestamp.Before(bestLastUsed) {
			best = acc
			bestLastUsed = snap.LastUsedTimestamp
		}
	}
	if best == nil {
		return nil, ErrNoEligibleAccount
	}

	p.mu.Lock()
	p.rr++
	p.mu.Unlock()

	return best, nil
}

// MarkQuotaExhausted sets the account's quota_exhausted_until to next UTC
// midnight.
func (p *Pool) MarkQuotaExhausted(accountID string, now time.Time) {
	if acc := p.Get(accountID); acc != nil {
		acc.MarkQuotaExhausted(now)
	}
}

// MarkAuthError increments the account's auth-error counter and logs once
// it crosses the eligibility threshold.
func (p *Pool) MarkAuthError(accountID string) {
	acc := p.Get(accountID)
	if acc == nil {
		return
	}
	n := acc.MarkAuthError(AuthErrorThreshold)
	if n == AuthErrorThreshold {
		log.Printf("account %s crossed auth-error threshold, ineligible until refreshed", accountID)
	}
}

// EligibleCount returns the number of accounts currently eligible for
// purpose, used to bound attempts_max = min(3, eligible_accounts).
func (p *Pool) EligibleCount(purpose Purpose, now time.Time) int {
	p.mu.RLock()
	accs := make([]*Account, 0, len(p.order))
	for _, id := range p.order {
		if acc, ok := p.byID[id]; ok {
			accs = append(accs, acc)
		}
	}
	p.mu.RUnlock()

	n := 0
	for _, acc := range accs {
		snap := acc.CredentialsFor()
		if snap.Disabled {
			continue
		}
		if !snap.QuotaExhaustedUntil.IsZero() && snap.QuotaExhaustedUntil.After(now) {
			continue
		}
		if snap.ConsecutiveAuthErrors >= AuthErrorThreshold {
			continue
		}
		n++
	}
	return n
}

func removeString(ss []string, target string) []string {
	out := ss[:0]
	for _, s := range ss {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}
