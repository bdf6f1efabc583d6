// Package apikey implements the local API-key store and validator: the
// gate every forwarded request passes through before the router ever picks
// a vendor account.
//
// The hashing scheme (PBKDF2-HMAC-SHA256) is grounded on
// golang.org/x/crypto/pbkdf2, already a transitive dependency of the
// teacher proxy (pulled in through refraction-networking/utls) and
// promoted here to a direct one. The store/validator shape — create a
// credential once, hash it, gate every request behind a lookup plus a
// status/permission check — is grounded on the teacher's PoolUserStore
// (pool_users.go), generalized from HMAC-signed bearer tokens to hashed
// opaque keys per the data model.
package apikey

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keyPrefix    = "sk-proj-"
	saltBytes    = 32
	derivedBytes = 64
	iterations   = 260_000
)

// Permission is one of the scopes an ApiKey can be granted.
type Permission string

const (
	PermChatCompletions Permission = "chat.completions"
	PermModelsList      Permission = "models.list"
	PermFullAccess      Permission = "full_access"
)

// Status is the lifecycle state of an ApiKey.
type Status string

const (
	StatusActive   Status = "active"
	StatusDisabled Status = "disabled"
	StatusRevoked  Status = "revoked"
)

// RateLimit bounds requests per sliding window for a key.
type RateLimit struct {
	Max      int   `json:"max"`
	WindowMS int64 `json:"window_ms"`
}

// Record is the persisted metadata for one API key. The raw key is never
// stored; only KeyHash plus display affixes.
type Record struct {
	KeyID       string       `json:"key_id"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	KeyHash     string       `json:"key_hash"`
	Salt        string       `json:"salt"`
	Iterations  int          `json:"iterations"`
	KeyPrefix   string       `json:"key_prefix"`
	KeySuffix   string       `json:"key_suffix"`
	Permissions []Permission `json:"permissions"`
	RateLimit   *RateLimit   `json:"rate_limit,omitempty"`
	Status      Status       `json:"status"`
	CreatedAt   time.Time    `json:"created_at"`
	LastUsedAt  time.Time    `json:"last_used_at,omitempty"`
	UsageCount  int64        `json:"usage_count"`
	// ResponseTimeMS and LastRequestFailed are the most recent request's
	// observed latency and outcome, recorded after the request completes.
	ResponseTimeMS    int64 `json:"response_time_ms,omitempty"`
	LastRequestFailed bool  `json:"last_request_failed,omitempty"`
}

// HasPermission reports whether the record grants perm, with full_access
// bypassing the permission map entirely per the operator's decision to
// treat it as an implicit grant of everything.
func (r *Record) HasPermission(perm Permission) bool {
	for _, p := range r.Permissions {
		if p == PermFullAccess || p == perm {
			return true
		}
	}
	return false
}

// generateRawKey returns a new plaintext key of the form
// "sk-proj-" + 48 hex characters (24 random bytes).
func generateRawKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate key entropy: %w", err)
	}
	return keyPrefix + hex.EncodeToString(buf), nil
}

func deriveHash(rawKey string, salt []byte, iters int) []byte {
	return pbkdf2.Key([]byte(rawKey), salt, iters, derivedBytes, sha256.New)
}

func newSalt() ([]byte, error) {
	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

func affixes(rawKey string) (prefix, suffix string) {
	if len(rawKey) <= 12 {
		return rawKey, ""
	}
	prefix = rawKey[:len(keyPrefix)+4]
	suffix = rawKey[len(rawKey)-4:]
	return
}

// verify performs PBKDF2 with the stored salt/iterations and compares in
// constant time.
func verify(rawKey string, rec *Record) bool {
	salt, err := hex.DecodeString(rec.Salt)
	if err != nil {
		return false
	}
	want, err := hex.DecodeString(rec.KeyHash)
	if err != nil {
		return false
	}
	got := deriveHash(rawKey, salt, rec.Iterations)
	return subtle.ConstantTimeCompare(got, want) == 1
}

// Store is implemented by the persistence layer (File below); kept as an
// interface boundary so tests can swap in an in-memory stand-in.
type Store interface {
	Load() (map[string]*Record, error)
	Save(records map[string]*Record) error
}

// Manager is the in-memory, RW-locked API-key table: create/list/update/
// delete/validate per §4.5, backed by Store for persistence.
type Manager struct {
	mu      sync.RWMutex
	records map[string]*Record
	store   Store
}

// NewManager loads the manager's table from store.
func NewManager(store Store) (*Manager, error) {
	records, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("load api keys: %w", err)
	}
	if records == nil {
		records = make(map[string]*Record)
	}
	return &Manager{records: records, store: store}, nil
}

func newKeyID() string {
	buf := make([]byte, 8)
	rand.Read(buf)
	return "key_" + hex.EncodeToString(buf)
}

// Create mints a new key, returning the plaintext raw key (shown to the
// caller exactly once) and its persisted metadata record.
func (m *Manager) Create(name, description string, perms []Permission, limit *RateLimit) (rawKey string, rec *Record, err error) {
	rawKey, err = generateRawKey()
	if err != nil {
		return "", nil, err
	}
	salt, err := newSalt()
	if err != nil {
		return "", nil, err
	}
	hash := deriveHash(rawKey, salt, iterations)
	prefix, suffix := affixes(rawKey)

	rec = &Record{
		KeyID:       newKeyID(),
		Name:        name,
		Description: description,
		KeyHash:     hex.EncodeToString(hash),
		Salt:        hex.EncodeToString(salt),
		Iterations:  iterations,
		KeyPrefix:   prefix,
		KeySuffix:   suffix,
		Permissions: perms,
		RateLimit:   limit,
		Status:      StatusActive,
		CreatedAt:   time.Now().UTC(),
	}

	m.mu.Lock()
	m.records[rec.KeyID] = rec
	snapshot := m.cloneLocked()
	m.mu.Unlock()

	if err := m.store.Save(snapshot); err != nil {
		m.mu.Lock()
		delete(m.records, rec.KeyID)
		m.mu.Unlock()
		return "", nil, fmt.Errorf("persist api key: %w", err)
	}
	return rawKey, rec, nil
}

// Import registers an operator-supplied raw key (e.g. from the API_KEY
// bootstrap environment variable) rather than minting a new random one,
// hashing it the same way Create does. Returns the existing record
// unchanged if a key with the same prefix/suffix affixes is already
// present, so repeated startups with the same bootstrap value are
// idempotent.
func (m *Manager) Import(rawKey, name string, perms []Permission) (*Record, error) {
	prefix, suffix := affixes(rawKey)

	m.mu.RLock()
	for _, rec := range m.records {
		if rec.KeyPrefix == prefix && rec.KeySuffix == suffix {
			m.mu.RUnlock()
			return rec, nil
		}
	}
	m.mu.RUnlock()

	salt, err := newSalt()
	if err != nil {
		return nil, err
	}
	hash := deriveHash(rawKey, salt, iterations)

	rec := &Record{
		KeyID:       newKeyID(),
		Name:        name,
		KeyHash:     hex.EncodeToString(hash),
		Salt:        hex.EncodeToString(salt),
		Iterations:  iterations,
		KeyPrefix:   prefix,
		KeySuffix:   suffix,
		Permissions: perms,
		Status:      StatusActive,
		CreatedAt:   time.Now().UTC(),
	}

	m.mu.Lock()
	m.records[rec.KeyID] = rec
	snapshot := m.cloneLocked()
	m.mu.Unlock()

	if err := m.store.Save(snapshot); err != nil {
		m.mu.Lock()
		delete(m.records, rec.KeyID)
		m.mu.Unlock()
		return nil, fmt.Errorf("persist imported api key: %w", err)
	}
	return rec, nil
}

// List returns metadata only, in creation order; never the key or hash in
// recoverable form (KeyHash/Salt are internal fields callers should strip
// before exposing a Record over the admin API).
func (m *Manager) List() []*Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Record, 0, len(m.records))
	for _, r := range m.records {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// PartialUpdate is the set of fields Update may change.
type PartialUpdate struct {
	Name        *string
	Description *string
	Permissions []Permission
	RateLimit   *RateLimit
	Status      *Status
}

// Update applies a partial update to the key identified by keyID.
func (m *Manager) Update(keyID string, patch PartialUpdate) error {
	m.mu.Lock()
	rec, ok := m.records[keyID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("api key %s not found", keyID)
	}
	prev := *rec
	if patch.Name != nil {
		rec.Name = *patch.Name
	}
	if patch.Description != nil {
		rec.Description = *patch.Description
	}
	if patch.Permissions != nil {
		rec.Permissions = patch.Permissions
	}
	if patch.RateLimit != nil {
		rec.RateLimit = patch.RateLimit
	}
	if patch.Status != nil {
		rec.Status = *patch.Status
	}
	snapshot := m.cloneLocked()
	m.mu.Unlock()

	if err := m.store.Save(snapshot); err != nil {
		m.mu.Lock()
		*rec = prev
		m.mu.Unlock()
		return fmt.Errorf("persist api key update: %w", err)
	}
	return nil
}

// Delete removes metadata (and, by extension, any associated usage stats
// a caller keys off KeyID) for keyID.
func (m *Manager) Delete(keyID string) error {
	m.mu.Lock()
	rec, ok := m.records[keyID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("api key %s not found", keyID)
	}
	delete(m.records, keyID)
	snapshot := m.cloneLocked()
	m.mu.Unlock()

	if err := m.store.Save(snapshot); err != nil {
		m.mu.Lock()
		m.records[keyID] = rec
		m.mu.Unlock()
		return fmt.Errorf("persist api key deletion: %w", err)
	}
	return nil
}

// Validate scans active keys, hashes rawKey with each candidate's stored
// salt/iterations, and compares in constant time. Returns nil if no match.
//
// Since the prefix/suffix affixes aren't enough to uniquely identify a
// record cheaply without storing a lookup index, and the key space is
// small in practice (tens to low hundreds of keys per deployment), this
// scans every active key rather than looking one up by index.
func (m *Manager) Validate(rawKey string) *Record {
	m.mu.RLock()
	candidates := make([]*Record, 0, len(m.records))
	for _, r := range m.records {
		if r.Status == StatusActive {
			candidates = append(candidates, r)
		}
	}
	m.mu.RUnlock()

	for _, rec := range candidates {
		if verify(rawKey, rec) {
			cp := *rec
			return &cp
		}
	}
	return nil
}

// RecordUse bumps last_used_at/usage_count/response_time_ms/
// last_request_failed after a request completes, per step 7 of the
// validator's numbered steps: this is called once the handler has
// finished, never before.
func (m *Manager) RecordUse(keyID string, at time.Time, responseTime time.Duration, failed bool) {
	m.mu.Lock()
	rec, ok := m.records[keyID]
	if ok {
		rec.LastUsedAt = at
		rec.UsageCount++
		rec.ResponseTimeMS = responseTime.Milliseconds()
		rec.LastRequestFailed = failed
	}
	snapshot := m.cloneLocked()
	m.mu.Unlock()
	if ok {
		_ = m.store.Save(snapshot)
	}
}

func (m *Manager) cloneLocked() map[string]*Record {
	out := make(map[string]*Record, len(m.records))
	for k, v := range m.records {
		cp := *v
		out[k] = &cp
	}
	return out
}
