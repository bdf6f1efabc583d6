// Package account implements the vendor-account pool: the set of OAuth
// credential bundles the gateway owns, their mutable runtime state, and the
// concurrency-safe pick/refresh-lock operations the router and scheduler
// use.
//
// Grounded on the teacher proxy's Account/poolState types (pool.go), pared
// down from a three-provider (Codex/Claude/Gemini) model to the single
// vendor this gateway fronts, and reshaped to the data model's explicit
// field names (account_id, quota_exhausted_until, consecutive_auth_errors).
package account

import (
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// Credentials is an OAuth credential bundle as persisted to disk.
type Credentials struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	// ExpiryTimestamp is absolute, millisecond resolution (UTC).
	ExpiryTimestamp int64  `json:"expiry_timestamp"`
	ResourceURL     string `json:"resource_url,omitempty"`
	CodeVerifier    string `json:"code_verifier,omitempty"`
}

// Expired reports whether the credential bundle is expired (or within skew
// of expiring) as of now.
func (c Credentials) Expired(now time.Time, skew time.Duration) bool {
	if c.ExpiryTimestamp == 0 {
		return true
	}
	expiry := time.UnixMilli(c.ExpiryTimestamp)
	return !expiry.After(now.Add(skew))
}

// Token returns c as an *oauth2.Token, the common currency the oauth
// package's device and refresh exchanges build their results in before
// narrowing down to the fields this gateway actually persists.
func (c Credentials) Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		TokenType:    c.TokenType,
		Expiry:       time.UnixMilli(c.ExpiryTimestamp),
	}
}

// CredentialsFromToken builds a Credentials bundle from an *oauth2.Token
// plus the vendor-specific resource_url field oauth2.Token has no room for.
func CredentialsFromToken(t *oauth2.Token, resourceURL string) Credentials {
	return Credentials{
		AccessToken:     t.AccessToken,
		RefreshToken:    t.RefreshToken,
		TokenType:       t.TokenType,
		ExpiryTimestamp: t.Expiry.UnixMilli(),
		ResourceURL:     resourceURL,
	}
}

// Account is one vendor identity the gateway owns OAuth credentials for.
// All mutable fields are guarded by mu; the pool's per-account critical
// section is this mutex, never touched directly outside this package.
type Account struct {
	mu sync.Mutex

	id  string
	creds Credentials

	inFlightRefresh       bool
	refreshWaiters        []chan struct{}
	consecutiveAuthErrors int
	quotaExhaustedUntil   time.Time
	lastUsedTimestamp     time.Time

	// disabled marks an account removed or terminally auth-dead
	// (invalid_grant). Disabled accounts are never returned by pick.
	disabled bool
}

// NewAccount constructs an Account in memory; it is not persisted until the
// pool's Add or a store Save call writes it out.
func NewAccount(id string, creds Credentials) *Account {
	return &Account{id: id, creds: creds}
}

func (a *Account) ID() string { return a.id }

// Snapshot is an immutable, safe-to-share copy of an account's credentials
// plus enough state for a request builder and for status reporting. It is
// never a live reference into the Account.
type Snapshot struct {
	ID                    string
	Credentials           Credentials
	ConsecutiveAuthErrors int
	QuotaExhaustedUntil   time.Time
	LastUsedTimestamp     time.Time
	Disabled              bool
}

// CredentialsFor returns a snapshot safe to use in a request builder.
// Per the invariant that after try_lock_for_refresh returns true any other
// caller sees either wholly pre-swap or wholly post-swap credentials, this
// always reads the fields under the account's mutex in one critical
// section.
func (a *Account) CredentialsFor() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

func (a *Account) snapshotLocked() Snapshot {
	return Snapshot{
		ID:                    a.id,
		Credentials:           a.creds,
		ConsecutiveAuthErrors: a.consecutiveAuthErrors,
		QuotaExhaustedUntil:   a.quotaExhaustedUntil,
		LastUsedTimestamp:     a.lastUsedTimestamp,
		Disabled:              a.disabled,
	}
}

// TryLockForRefresh returns true exactly once while the refresh lock is
// held for this account; subsequent callers get false until ReleaseRefresh
// is called. This centralizes the refresh-lock pattern the teacher proxy
// scattered across a global refreshMu and ad-hoc per-account checks.
func (a *Account) TryLockForRefresh() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.inFlightRefresh {
		return false
	}
	a.inFlightRefresh = true
	return true
}

// ReleaseRefresh releases the refresh lock acquired by TryLockForRefresh.
func (a *Account) ReleaseRefresh() {
	a.mu.Lock()
	a.inFlightRefresh = false
	waiters := a.refreshWaiters
	a.refreshWaiters = nil
	a.mu.Unlock()
	for _, w := range waiters {
		close(w)
	}
}

// IsRefreshing reports whether a refresh is currently in flight.
func (a *Account) IsRefreshing() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inFlightRefresh
}

// ApplyRefresh installs a new credential bundle after a successful refresh.
// The new resource_url (if present) replaces the stored one; refresh_token
// is preserved when absent from the incoming bundle. Callers must hold the
// refresh lock (TryLockForRefresh) before calling this.
func (a *Account) ApplyRefresh(next Credentials, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if next.RefreshToken == "" {
		next.RefreshToken = a.creds.RefreshToken
	}
	if next.ResourceURL == "" {
		next.ResourceURL = a.creds.ResourceURL
	}
	a.creds = next
	a.consecutiveAuthErrors = 0
	a.disabled = false
}

// MarkAuthError increments the consecutive-auth-error counter. Returns the
// new count.
func (a *Account) MarkAuthError(threshold int) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.consecutiveAuthErrors++
	return a.consecutiveAuthErrors
}

// MarkAuthSuccess resets the consecutive-auth-error counter, called after
// any request succeeds.
func (a *Account) MarkAuthSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.consecutiveAuthErrors = 0
}

// MarkQuotaExhausted sets quota_exhausted_until to the next UTC midnight
// after now.
func (a *Account) MarkQuotaExhausted(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.quotaExhaustedUntil = nextUTCMidnight(now)
}

// MarkAuthDead terminally disables the account after an invalid_grant
// refresh failure; it is never destroyed automatically, only flagged so
// pick() skips it until the operator re-authorizes or removes it.
func (a *Account) MarkAuthDead() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.disabled = true
}

// Resurrect clears the disabled flag, the consecutive-auth-error counter,
// and any quota exhaustion, returning the account to eligibility without
// requiring a fresh OAuth grant. Used by the operator-facing admin
// resurrect endpoint when an account was marked auth-dead in error (e.g.
// the vendor's invalid_grant was itself transient).
func (a *Account) Resurrect() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.disabled = false
	a.consecutiveAuthErrors = 0
	a.quotaExhaustedUntil = time.Time{}
}

// Touch records that the account was just used, for round-robin
// tie-breaking by last_used_timestamp.
func (a *Account) Touch(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastUsedTimestamp = now
}

// MinutesUntilExpiry returns (expiry - now) in minutes; used by the
// refresh scheduler's per-tick selection.
func (a *Account) MinutesUntilExpiry(now time.Time) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.creds.ExpiryTimestamp == 0 {
		return -1
	}
	expiry := time.UnixMilli(a.creds.ExpiryTimestamp)
	return expiry.Sub(now).Minutes()
}

func nextUTCMidnight(now time.Time) time.Time {
	u := now.UTC()
	next := time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	return next
}
