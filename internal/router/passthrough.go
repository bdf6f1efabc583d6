package router

import (
	"context"
	"io"
	"net/http"

	"github.com/darvell/qwen-gateway/internal/apierr"
)

// PassthroughHeader is the explicit opt-in a caller sets to forward their
// own already-valid vendor bearer token directly upstream instead of
// drawing one from the account pool.
//
// Grounded on the teacher proxy's looksLikeProviderCredential/
// proxyPassthrough (main.go), narrowed from sniffing the token's shape
// across three vendors down to a single explicit header for the one
// vendor this gateway fronts — sniffing token shape is useful when a
// proxy fronts several unrelated credential formats, but guessing is an
// unnecessary risk when there's only one, so the caller says so directly.
const PassthroughHeader = "X-Qwen-Vendor-Token"

// PassthroughToken extracts an opted-in vendor token from r, if present.
func PassthroughToken(r *http.Request) (token string, ok bool) {
	v := r.Header.Get(PassthroughHeader)
	if v == "" {
		return "", false
	}
	return v, true
}

// ChatCompletionPassthrough sends reqBody directly to the default vendor
// base using token, bypassing the account pool entirely. No rotation, no
// usage accounting against any pool account — the caller owns the token
// and its quota.
func (r *Router) ChatCompletionPassthrough(ctx context.Context, reqBody []byte, token string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.ChatTimeout)
	defer cancel()

	req, err := buildRequest(ctx, http.MethodPost, ChatCompletionsURL(defaultVendorBase), reqBody, token)
	if err != nil {
		return nil, apierr.New(apierr.Internal, err.Error())
	}
	resp, err := r.HTTPClient.Do(req)
	if err != nil {
		return nil, apierr.New(apierr.UpstreamUnavailable, err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apierr.New(apierr.UpstreamUnavailable, "failed to read upstream response")
	}
	if Classify(resp.StatusCode, string(body)) != OutcomeSuccess {
		return nil, apierr.Newf(apierr.Validation, "", firstLine(string(body)))
	}
	return body, nil
}
