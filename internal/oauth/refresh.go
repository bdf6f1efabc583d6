package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/darvell/qwen-gateway/internal/account"
)

// ErrInvalidGrant is returned when the vendor rejects a refresh_token as
// permanently invalid; the caller must mark the account auth-dead, never
// retry automatically.
var ErrInvalidGrant = errors.New("invalid_grant")

// Refresher exchanges a refresh_token for a new credential bundle.
// Grounded on the teacher's provider_codex.go RefreshToken: POST form-
// encoded client_id/grant_type=refresh_token/refresh_token, parse
// access_token/refresh_token/resource_url/expires_in from the JSON reply.
type Refresher struct {
	HTTPClient *http.Client
	AuthBase   string
	ClientID   string
}

func NewRefresher(httpClient *http.Client, authBase, clientID string) *Refresher {
	return &Refresher{HTTPClient: httpClient, AuthBase: authBase, ClientID: clientID}
}

// Refresh exchanges current.RefreshToken for a new bundle. On a vendor
// invalid_grant response it returns ErrInvalidGrant; the account pool
// layer is responsible for marking the account dead, this package never
// touches pool state directly.
func (r *Refresher) Refresh(ctx context.Context, current account.Credentials) (account.Credentials, error) {
	if current.RefreshToken == "" {
		return account.Credentials{}, errors.New("no refresh_token available")
	}

	form := url.Values{}
	form.Set("client_id", r.ClientID)
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", current.RefreshToken)

	endpoint := strings.TrimRight(r.AuthBase, "/") + "/api/v1/oauth2/token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return account.Credentials{}, fmt.Errorf("build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.HTTPClient.Do(req)
	if err != nil {
		return account.Credentials{}, fmt.Errorf("refresh request: %w", err)
	}
	defer resp.Body.Close()

	var body tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return account.Credentials{}, fmt.Errorf("decode refresh response: %w", err)
	}

	if body.Error == "invalid_grant" {
		return account.Credentials{}, ErrInvalidGrant
	}
	if resp.StatusCode != http.StatusOK || body.AccessToken == "" {
		return account.Credentials{}, fmt.Errorf("refresh failed: status=%s error=%s", resp.Status, body.Error)
	}

	now := time.Now()
	tok := &oauth2.Token{
		AccessToken:  body.AccessToken,
		RefreshToken: body.RefreshToken, // may be empty; Account.ApplyRefresh preserves the prior one
		TokenType:    body.TokenType,
		Expiry:       now.Add(time.Duration(firstNonZero(body.ExpiresIn, 3600)) * time.Second),
	}
	return account.CredentialsFromToken(tok, body.ResourceURL), nil
}
