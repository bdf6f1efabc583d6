package oauth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/darvell/qwen-gateway/internal/account"
)

// PollStatus is the outcome of one poll() call against a device flow.
type PollStatus string

const (
	StatusPending   PollStatus = "pending"
	StatusSlowDown  PollStatus = "slow_down"
	StatusCompleted PollStatus = "completed"
	StatusExpired   PollStatus = "expired"
	StatusDenied    PollStatus = "denied"
)

// Session is the ephemeral device-flow object keyed by device_code, per
// the data model's DeviceFlow type. Destroyed on success, failure, or
// expiry.
type Session struct {
	DeviceCode              string
	UserCode                string
	VerificationURI         string
	VerificationURIComplete string
	CodeVerifier            string
	TargetAccountID         string
	CreatedBySessionUser    string
	ExpiresAt               time.Time
	PollInterval            time.Duration

	lastPoll time.Time
}

// PollResult is returned by Poll.
type PollResult struct {
	Status      PollStatus
	Credentials account.Credentials
	AccountID   string
}

// Client drives the vendor's device-authorization-grant endpoints.
// Grounded on provider_codex.go's RefreshToken JSON-over-HTTP exchange
// pattern, adapted to RFC 8628 device-code initiation and polling.
type Client struct {
	HTTPClient *http.Client
	AuthBase   string // e.g. https://chat.qwen.ai
	ClientID   string

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewClient returns a device-flow client against authBase.
func NewClient(httpClient *http.Client, authBase, clientID string) *Client {
	return &Client{
		HTTPClient: httpClient,
		AuthBase:   authBase,
		ClientID:   clientID,
		sessions:   make(map[string]*Session),
	}
}

type deviceCodeResponse struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete"`
	ExpiresIn               int    `json:"expires_in"`
	Interval                int    `json:"interval"`
}

// Initiate generates a PKCE pair, calls the vendor's device-code endpoint,
// stores the session, and returns it. The code_verifier is returned to the
// caller (it must be fed back into Poll) and also retained server-side so
// /auth/poll does not strictly require the caller to round-trip it (the
// public endpoint still accepts it for defense in depth).
func (c *Client) Initiate(ctx context.Context, sessionUser string) (*Session, error) {
	pair, err := GeneratePKCE()
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("client_id", c.ClientID)
	form.Set("code_challenge", pair.Challenge)
	form.Set("code_challenge_method", "S256")
	form.Set("scope", "openid profile email model.completion")

	endpoint := strings.TrimRight(c.AuthBase, "/") + "/api/v1/oauth2/device/code"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build device code request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("device code request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("device code request status %s", resp.Status)
	}

	var body deviceCodeResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode device code response: %w", err)
	}

	interval := body.Interval
	if interval <= 0 {
		interval = 5
	}
	expiresIn := body.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 15 * 60
	}

	sess := &Session{
		DeviceCode:              body.DeviceCode,
		UserCode:                body.UserCode,
		VerificationURI:         body.VerificationURI,
		VerificationURIComplete: body.VerificationURIComplete,
		CodeVerifier:            pair.Verifier,
		TargetAccountID:         newAccountID(),
		CreatedBySessionUser:    sessionUser,
		ExpiresAt:               time.Now().Add(time.Duration(expiresIn) * time.Second),
		PollInterval:            time.Duration(interval) * time.Second,
	}

	c.mu.Lock()
	c.sessions[sess.DeviceCode] = sess
	c.mu.Unlock()

	return sess, nil
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	ResourceURL  string `json:"resource_url"`
	Error        string `json:"error"`
}

// Poll honors the session's interval: callers polling faster than
// PollInterval since the last call get slow_down without hitting upstream.
func (c *Client) Poll(ctx context.Context, deviceCode, codeVerifier string) (PollResult, error) {
	c.mu.Lock()
	sess, ok := c.sessions[deviceCode]
	c.mu.Unlock()
	if !ok {
		return PollResult{Status: StatusExpired}, nil
	}

	now := time.Now()
	if now.After(sess.ExpiresAt) {
		c.destroy(deviceCode)
		return PollResult{Status: StatusExpired}, nil
	}

	c.mu.Lock()
	tooSoon := !sess.lastPoll.IsZero() && now.Sub(sess.lastPoll) < sess.PollInterval
	if !tooSoon {
		sess.lastPoll = now
	}
	verifier := sess.CodeVerifier
	c.mu.Unlock()
	if tooSoon {
		return PollResult{Status: StatusSlowDown}, nil
	}

	if codeVerifier == "" {
		codeVerifier = verifier
	}

	form := url.Values{}
	form.Set("client_id", c.ClientID)
	form.Set("device_code", deviceCode)
	form.Set("grant_type", "urn:ietf:params:oauth:grant-type:device_code")
	form.Set("code_verifier", codeVerifier)

	endpoint := strings.TrimRight(c.AuthBase, "/") + "/api/v1/oauth2/token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return PollResult{}, fmt.Errorf("build poll request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return PollResult{}, fmt.Errorf("poll request: %w", err)
	}
	defer resp.Body.Close()

	var body tokenResponse
	_ = json.NewDecoder(resp.Body).Decode(&body)

	switch {
	case resp.StatusCode == http.StatusOK && body.AccessToken != "":
		tok := &oauth2.Token{
			AccessToken:  body.AccessToken,
			RefreshToken: body.RefreshToken,
			TokenType:    body.TokenType,
			Expiry:       now.Add(time.Duration(firstNonZero(body.ExpiresIn, 3600)) * time.Second),
		}
		creds := account.CredentialsFromToken(tok, body.ResourceURL)
		accountID := sess.TargetAccountID
		c.destroy(deviceCode)
		return PollResult{Status: StatusCompleted, Credentials: creds, AccountID: accountID}, nil
	case body.Error == "authorization_pending":
		return PollResult{Status: StatusPending}, nil
	case body.Error == "slow_down":
		c.mu.Lock()
		sess.PollInterval += 5 * time.Second
		c.mu.Unlock()
		return PollResult{Status: StatusSlowDown}, nil
	case body.Error == "expired_token":
		c.destroy(deviceCode)
		return PollResult{Status: StatusExpired}, nil
	case body.Error == "access_denied":
		c.destroy(deviceCode)
		return PollResult{Status: StatusDenied}, nil
	default:
		return PollResult{}, fmt.Errorf("unexpected device poll response: status=%s error=%s", resp.Status, body.Error)
	}
}

func (c *Client) destroy(deviceCode string) {
	c.mu.Lock()
	delete(c.sessions, deviceCode)
	c.mu.Unlock()
}

// Sweep removes expired sessions; intended to be called by a 1-minute
// janitor tick alongside the request-time expiry check in Poll.
func (c *Client) Sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for code, sess := range c.sessions {
		if now.After(sess.ExpiresAt) {
			delete(c.sessions, code)
		}
	}
}

func newAccountID() string {
	buf := make([]byte, 8)
	rand.Read(buf)
	return "acct_" + hex.EncodeToString(buf)
}

func firstNonZero(a, b int) int {
	if a != 0 {
		return a
	}
	return b
}
