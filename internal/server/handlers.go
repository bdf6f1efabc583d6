package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/darvell/qwen-gateway/internal/apierr"
	"github.com/darvell/qwen-gateway/internal/oauth"
	"github.com/darvell/qwen-gateway/internal/router"
)

const maxRequestBody = 8 << 20 // 8MiB, generous for chat payloads with large context

// pinnedAccount resolves the account-pinning convention shared by every
// proxied endpoint: header X-Qwen-Account, then query ?account=, then a
// top-level "account" field in a JSON body (if parsed is non-nil).
func pinnedAccount(r *http.Request, parsed map[string]any) string {
	if v := r.Header.Get("X-Qwen-Account"); v != "" {
		return v
	}
	if v := r.URL.Query().Get("account"); v != "" {
		return v
	}
	if parsed != nil {
		if v, ok := parsed["account"].(string); ok {
			return v
		}
	}
	return ""
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
}

// handleChatCompletions dispatches to the buffered or streaming router path
// based on the request body's "stream" field, per §6's endpoint table.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		apierr.Write(w, apierr.Validation, "method not allowed", "")
		return
	}
	raw, err := readBody(r)
	if err != nil {
		apierr.Write(w, apierr.Validation, "failed to read request body", "")
		return
	}

	var parsed map[string]any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		apierr.Write(w, apierr.Validation, "request body must be valid JSON", "")
		return
	}
	account := pinnedAccount(r, parsed)
	streaming, _ := parsed["stream"].(bool)

	if token, ok := router.PassthroughToken(r); ok {
		body, err := s.Router.ChatCompletionPassthrough(r.Context(), raw, token)
		if err != nil {
			s.recordFailure("passthrough", err)
			apierr.WriteErr(w, err)
			return
		}
		s.metrics.inc("success", "passthrough")
		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
		return
	}

	if !streaming {
		body, err := s.Router.ChatCompletion(r.Context(), raw, account)
		if err != nil {
			s.recordFailure(account, err)
			apierr.WriteErr(w, err)
			return
		}
		s.metrics.inc("success", account)
		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}

	if err := s.Router.StreamChatCompletion(r.Context(), raw, account, w, flush); err != nil {
		s.recordFailure(account, err)
		// Headers are already committed; the only option left is an
		// in-band SSE error event, per §4.4/§7's streaming error path.
		w.Write(apierr.SSEEvent(err.Error()))
		flush()
		return
	}
	s.metrics.inc("success", account)
}

// recordFailure feeds an error into the recent-errors ring buffer and the
// metrics counters, keyed by its apierr.Kind when it carries one.
func (s *Server) recordFailure(account string, err error) {
	outcome := "error"
	if ae, ok := err.(*apierr.Error); ok {
		outcome = string(ae.Kind)
	}
	s.metrics.inc(outcome, account)
	s.recent.add(err.Error())
}

// handleModels proxies GET /v1/models, cached in the router for modelsTTL.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	account := pinnedAccount(r, nil)
	body, err := s.Router.ListModels(r.Context(), account)
	if err != nil {
		s.recordFailure(account, err)
		apierr.WriteErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

// handleWebSearch proxies POST /v1/web/search, renaming the "query" field
// to the vendor's "uq" at the router boundary.
func (s *Server) handleWebSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		apierr.Write(w, apierr.Validation, "method not allowed", "")
		return
	}
	raw, err := readBody(r)
	if err != nil {
		apierr.Write(w, apierr.Validation, "failed to read request body", "")
		return
	}

	var req struct {
		Query string `json:"query"`
		Page  int    `json:"page"`
		Rows  int    `json:"rows"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		apierr.Write(w, apierr.Validation, "request body must be valid JSON", "")
		return
	}
	if req.Query == "" {
		apierr.Write(w, apierr.Validation, "query is required", "")
		return
	}
	if req.Page <= 0 {
		req.Page = 1
	}
	if req.Rows <= 0 {
		req.Rows = 10
	}
	if req.Rows > 100 {
		apierr.Write(w, apierr.Validation, "rows must be <= 100", "")
		return
	}

	var parsed map[string]any
	json.Unmarshal(raw, &parsed)
	account := pinnedAccount(r, parsed)

	body, err := s.Router.WebSearch(r.Context(), req.Query, req.Page, req.Rows, account)
	if err != nil {
		s.recordFailure(account, err)
		apierr.WriteErr(w, err)
		return
	}
	s.metrics.inc("success", account)
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

// handleAuthInitiate starts a device-authorization-grant flow, per the
// DeviceFlow data model.
func (s *Server) handleAuthInitiate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		apierr.Write(w, apierr.Validation, "method not allowed", "")
		return
	}
	var req struct {
		SessionUser string `json:"session_user"`
	}
	if r.ContentLength != 0 {
		raw, _ := readBody(r)
		json.Unmarshal(raw, &req)
	}

	sess, err := s.DeviceClient.Initiate(r.Context(), req.SessionUser)
	if err != nil {
		apierr.Write(w, apierr.UpstreamUnavailable, err.Error(), "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"device_code":               sess.DeviceCode,
		"user_code":                 sess.UserCode,
		"verification_uri":          sess.VerificationURI,
		"verification_uri_complete": sess.VerificationURIComplete,
		"expires_at":                sess.ExpiresAt,
		"interval":                  sess.PollInterval.Seconds(),
	})
}

// handleAuthPoll polls a pending device-authorization session; on
// completion the new account is registered in the pool, per §4.3's device
// flow lifecycle.
func (s *Server) handleAuthPoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		apierr.Write(w, apierr.Validation, "method not allowed", "")
		return
	}
	raw, err := readBody(r)
	if err != nil {
		apierr.Write(w, apierr.Validation, "failed to read request body", "")
		return
	}
	var req struct {
		DeviceCode   string `json:"device_code"`
		CodeVerifier string `json:"code_verifier"`
	}
	if err := json.Unmarshal(raw, &req); err != nil || req.DeviceCode == "" {
		apierr.Write(w, apierr.Validation, "device_code is required", "")
		return
	}

	result, err := s.DeviceClient.Poll(r.Context(), req.DeviceCode, req.CodeVerifier)
	if err != nil {
		apierr.Write(w, apierr.UpstreamUnavailable, err.Error(), "")
		return
	}

	if result.Status == oauth.StatusCompleted {
		if addErr := s.Pool.Add(result.AccountID, result.Credentials); addErr != nil {
			apierr.Write(w, apierr.Internal, "account authorized but failed to persist: "+addErr.Error(), "")
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	resp := map[string]any{"status": result.Status}
	if result.Status == oauth.StatusCompleted {
		resp["account_id"] = result.AccountID
	}
	json.NewEncoder(w).Encode(resp)
}
