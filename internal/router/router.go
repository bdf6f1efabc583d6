package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/darvell/qwen-gateway/internal/account"
	"github.com/darvell/qwen-gateway/internal/apierr"
	"github.com/darvell/qwen-gateway/internal/counters"
	"github.com/darvell/qwen-gateway/internal/oauth"
	"github.com/darvell/qwen-gateway/internal/sse"
)

const refreshSkew = 60 * time.Second

// Router dispatches inbound OpenAI-shaped requests to the vendor backend
// through the account pool, per §4.2.
type Router struct {
	Pool       *account.Pool
	HTTPClient *http.Client
	Refresher  *oauth.Refresher
	Counters   *counters.Counters

	ChatTimeout   time.Duration
	SearchTimeout time.Duration

	modelsMu    sync.Mutex
	modelsCache []byte
	modelsAt    time.Time
	modelsTTL   time.Duration
}

// New constructs a Router.
func New(pool *account.Pool, httpClient *http.Client, refresher *oauth.Refresher, ctrs *counters.Counters, chatTimeout, searchTimeout time.Duration) *Router {
	return &Router{
		Pool:          pool,
		HTTPClient:    httpClient,
		Refresher:     refresher,
		Counters:      ctrs,
		ChatTimeout:   chatTimeout,
		SearchTimeout: searchTimeout,
		modelsTTL:     5 * time.Minute,
	}
}

func attemptsMax(eligible int) int {
	if eligible < 1 {
		return 1
	}
	if eligible > 3 {
		return 3
	}
	return eligible
}

// ensureFresh triggers a refresh if the account's token is within skew of
// expiring, or unconditionally when force is set. On invalid_grant it
// marks the account auth-dead and reports that the caller should move on
// to the next attempt.
func (r *Router) ensureFresh(ctx context.Context, acc *account.Account, force bool) (shouldSkip bool) {
	snap := acc.CredentialsFor()
	if !force && !snap.Credentials.Expired(time.Now(), refreshSkew) {
		return false
	}
	if !acc.TryLockForRefresh() {
		// Someone else is refreshing; treat as not-yet-ready and let the
		// caller try the next account rather than block.
		return true
	}
	defer acc.ReleaseRefresh()

	next, err := r.Refresher.Refresh(ctx, snap.Credentials)
	if err != nil {
		if err == oauth.ErrInvalidGrant {
			acc.MarkAuthDead()
			log.Printf("account %s invalid_grant on proactive refresh, marked dead", acc.ID())
		}
		return true
	}
	acc.ApplyRefresh(next, time.Now())
	_ = r.Pool.Persist(acc.ID())
	return false
}

// pickWithFreshness picks an eligible account and ensures its token is
// fresh, skipping accounts that fail proactive refresh.
func (r *Router) pickWithFreshness(ctx context.Context, purpose account.Purpose, exclude map[string]bool) (*account.Account, error) {
	for {
		acc, err := r.Pool.Pick(purpose, time.Now(), exclude)
		if err != nil {
			return nil, err
		}
		if r.ensureFresh(ctx, acc, false) {
			if exclude == nil {
				exclude = map[string]bool{}
			}
			exclude[acc.ID()] = true
			continue
		}
		return acc, nil
	}
}

// buildRequest constructs an upstream *http.Request for the given
// method/url/body, authorized with the given bearer token.
func buildRequest(ctx context.Context, method, url string, body []byte, token string) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func readSample(body io.Reader, max int) (string, io.Reader) {
	buf := make([]byte, max)
	n, _ := io.ReadFull(body, buf)
	sample := buf[:n]
	rest := io.MultiReader(bytes.NewReader(sample), body)
	return string(sample), rest
}

// ChatCompletion is the buffered chat-completion path: it returns the raw
// upstream JSON body on success, or a *apierr.Error on failure.
func (r *Router) ChatCompletion(ctx context.Context, reqBody []byte, pinnedAccount string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.ChatTimeout)
	defer cancel()
	return r.doBuffered(ctx, account.PurposeChat, pinnedAccount, func(base, token string) (*http.Request, error) {
		return buildRequest(ctx, http.MethodPost, ChatCompletionsURL(base), reqBody, token)
	})
}

// WebSearch forwards to the vendor's plugin search endpoint, renaming the
// query <-> uq field at the boundary.
func (r *Router) WebSearch(ctx context.Context, query string, page, rows int, pinnedAccount string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.SearchTimeout)
	defer cancel()

	payload, err := json.Marshal(map[string]any{"uq": query, "page": page, "rows": rows})
	if err != nil {
		return nil, apierr.New(apierr.Internal, "failed to encode search request")
	}

	result, servedBy, err := r.doBufferedTracked(ctx, account.PurposeSearch, pinnedAccount, func(base, token string) (*http.Request, error) {
		return buildRequest(ctx, http.MethodPost, WebSearchURL(base), payload, token)
	})
	if err != nil {
		return nil, err
	}

	if r.Counters != nil && servedBy != "" {
		r.Counters.IncrRequest(servedBy, counters.KindWebSearch, 1)
		if n := countSearchResults(result); n > 0 {
			r.Counters.IncrSearchResults(servedBy, int64(n))
		}
	}
	return result, nil
}

func countSearchResults(body []byte) int {
	var doc struct {
		Data []json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return 0
	}
	return len(doc.Data)
}

// doBuffered runs the attempt loop for a non-streaming call.
func (r *Router) doBuffered(ctx context.Context, purpose account.Purpose, pinnedAccount string, build func(base, token string) (*http.Request, error)) ([]byte, error) {
	body, _, err := r.doBufferedTracked(ctx, purpose, pinnedAccount, build)
	return body, err
}

// doBufferedTracked is doBuffered plus the id of the account that actually
// served the response, needed by callers (WebSearch) whose usage bookkeeping
// happens outside the response-body shape doBuffered itself understands.
func (r *Router) doBufferedTracked(ctx context.Context, purpose account.Purpose, pinnedAccount string, build func(base, token string) (*http.Request, error)) ([]byte, string, error) {
	exclude := map[string]bool{}
	eligible := r.Pool.EligibleCount(purpose, time.Now())
	max := attemptsMax(eligible)

	var lastErr error
	for attempt := 0; attempt < max; attempt++ {
		var acc *account.Account
		var err error
		if pinnedAccount != "" {
			acc = r.Pool.Get(pinnedAccount)
			if acc == nil {
				return nil, "", apierr.New(apierr.Validation, "unknown pinned account")
			}
			if attempt > 0 {
				// A pinned account that fails is not silently rotated away
				// from; the caller asked for it explicitly.
				return nil, "", lastErr
			}
		} else {
			acc, err = r.pickWithFreshness(ctx, purpose, exclude)
			if err != nil {
				return nil, "", apierr.New(apierr.UpstreamUnavailable, "no eligible vendor account")
			}
		}

		snap := acc.CredentialsFor()
		base := ResolveBaseURL(snap.Credentials.ResourceURL)
		req, err := build(base, snap.Credentials.AccessToken)
		if err != nil {
			return nil, "", apierr.New(apierr.Internal, err.Error())
		}

		resp, err := r.HTTPClient.Do(req)
		if err != nil {
			exclude[acc.ID()] = true
			lastErr = apierr.New(apierr.UpstreamUnavailable, err.Error())
			continue
		}
		bodyBytes, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		outcome := Classify(resp.StatusCode, string(bodyBytes))
		switch outcome {
		case OutcomeSuccess:
			acc.MarkAuthSuccess()
			acc.Touch(time.Now())
			r.recordUsage(acc.ID(), bodyBytes)
			return bodyBytes, acc.ID(), nil
		case OutcomeAuthError:
			r.Pool.MarkAuthError(acc.ID())
			// Single inline refresh + one retry on the same account before
			// giving up on it, per §4.2 step 4.
			if r.ensureFresh(ctx, acc, true) {
				exclude[acc.ID()] = true
				lastErr = apierr.New(apierr.Authentication, "authentication failed")
				continue
			}
			snap = acc.CredentialsFor()
			retryReq, err := build(ResolveBaseURL(snap.Credentials.ResourceURL), snap.Credentials.AccessToken)
			if err == nil {
				if retryResp, err := r.HTTPClient.Do(retryReq); err == nil {
					retryBody, _ := io.ReadAll(retryResp.Body)
					retryResp.Body.Close()
					if Classify(retryResp.StatusCode, string(retryBody)) == OutcomeSuccess {
						acc.MarkAuthSuccess()
						acc.Touch(time.Now())
						r.recordUsage(acc.ID(), retryBody)
						return retryBody, acc.ID(), nil
					}
				}
			}
			exclude[acc.ID()] = true
			lastErr = apierr.New(apierr.Authentication, "authentication failed after refresh")
			continue
		case OutcomeQuotaExceeded:
			r.Pool.MarkQuotaExhausted(acc.ID(), time.Now())
			exclude[acc.ID()] = true
			lastErr = apierr.New(apierr.QuotaExceeded, "vendor quota exceeded")
			continue
		case OutcomeServerError:
			exclude[acc.ID()] = true
			lastErr = apierr.New(apierr.UpstreamUnavailable, "vendor server error")
			continue
		default:
			// Other 4xx: return to caller immediately, do not rotate.
			return nil, "", apierr.Newf(apierr.Validation, "", firstLine(string(bodyBytes)))
		}
	}

	if lastErr == nil {
		lastErr = apierr.New(apierr.UpstreamUnavailable, "no accounts available")
	}
	return nil, "", lastErr
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	if len(s) > 500 {
		return s[:500]
	}
	if s == "" {
		return "upstream error"
	}
	return s
}

func (r *Router) recordUsage(accountID string, body []byte) {
	if r.Counters == nil {
		return
	}
	var doc struct {
		Usage struct {
			PromptTokens     int64 `json:"prompt_tokens"`
			CompletionTokens int64 `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return
	}
	r.Counters.IncrRequest(accountID, counters.KindChat, 1)
	if doc.Usage.PromptTokens != 0 || doc.Usage.CompletionTokens != 0 {
		r.Counters.IncrTokens(accountID, doc.Usage.PromptTokens, doc.Usage.CompletionTokens)
	}
}

// ListModels forwards to upstream and caches the response for modelsTTL.
func (r *Router) ListModels(ctx context.Context, pinnedAccount string) ([]byte, error) {
	r.modelsMu.Lock()
	if r.modelsCache != nil && time.Since(r.modelsAt) < r.modelsTTL {
		cached := r.modelsCache
		r.modelsMu.Unlock()
		return cached, nil
	}
	r.modelsMu.Unlock()

	result, err := r.doBuffered(ctx, account.PurposeChat, pinnedAccount, func(base, token string) (*http.Request, error) {
		return buildRequest(ctx, http.MethodGet, ModelsURL(base), nil, token)
	})
	if err != nil {
		return nil, err
	}

	r.modelsMu.Lock()
	r.modelsCache = result
	r.modelsAt = time.Now()
	r.modelsMu.Unlock()
	return result, nil
}

// StreamChatCompletion runs the attempt loop for the streaming path,
// writing well-framed SSE records to w as they arrive. Usage is recorded
// once the terminal "data: [DONE]" record or a chunk carrying usage is
// observed. On ctx cancellation (client disconnect) the upstream request
// is canceled, the normalizer is discarded, and no usage is credited.
func (r *Router) StreamChatCompletion(ctx context.Context, reqBody []byte, pinnedAccount string, w io.Writer, flush func()) error {
	ctx, cancel := context.WithTimeout(ctx, r.ChatTimeout)
	defer cancel()

	exclude := map[string]bool{}
	eligible := r.Pool.EligibleCount(account.PurposeChat, time.Now())
	max := attemptsMax(eligible)

	var lastErr error
	for attempt := 0; attempt < max; attempt++ {
		var acc *account.Account
		var err error
		if pinnedAccount != "" {
			acc = r.Pool.Get(pinnedAccount)
			if acc == nil {
				return apierr.New(apierr.Validation, "unknown pinned account")
			}
		} else {
			acc, err = r.pickWithFreshness(ctx, account.PurposeChat, exclude)
			if err != nil {
				return apierr.New(apierr.UpstreamUnavailable, "no eligible vendor account")
			}
		}

		snap := acc.CredentialsFor()
		base := ResolveBaseURL(snap.Credentials.ResourceURL)
		req, err := buildRequest(ctx, http.MethodPost, ChatCompletionsURL(base), reqBody, snap.Credentials.AccessToken)
		if err != nil {
			return apierr.New(apierr.Internal, err.Error())
		}

		resp, err := r.HTTPClient.Do(req)
		if err != nil {
			exclude[acc.ID()] = true
			lastErr = apierr.New(apierr.UpstreamUnavailable, err.Error())
			continue
		}

		if resp.StatusCode != http.StatusOK {
			sample, _ := readSample(resp.Body, 2048)
			resp.Body.Close()
			outcome := Classify(resp.StatusCode, sample)
			switch outcome {
			case OutcomeAuthError:
				r.Pool.MarkAuthError(acc.ID())
			case OutcomeQuotaExceeded:
				r.Pool.MarkQuotaExhausted(acc.ID(), time.Now())
			}
			if !outcome.Retryable() {
				return apierr.Newf(apierr.Validation, "", firstLine(sample))
			}
			exclude[acc.ID()] = true
			lastErr = apierr.New(apierr.UpstreamUnavailable, "vendor error before stream start")
			continue
		}

		acc.MarkAuthSuccess()
		acc.Touch(time.Now())
		err = r.pumpStream(ctx, acc.ID(), resp.Body, w, flush)
		resp.Body.Close()
		return err
	}

	if lastErr == nil {
		lastErr = apierr.New(apierr.UpstreamUnavailable, "no accounts available")
	}
	return lastErr
}

// pumpStream feeds upstream bytes through the SSE normalizer and writes
// well-framed records to w, recording usage once observed.
func (r *Router) pumpStream(ctx context.Context, accountID string, body io.Reader, w io.Writer, flush func()) error {
	norm := sse.New()
	var usagePrompt, usageCompletion int64
	var sawUsage, sawDone bool

	norm.OnLine = func(line []byte) {
		if sse.IsDone(line) {
			sawDone = true
			return
		}
		if payload, ok := sse.IsDataLine(line); ok {
			var doc struct {
				Usage struct {
					PromptTokens     int64 `json:"prompt_tokens"`
					CompletionTokens int64 `json:"completion_tokens"`
				} `json:"usage"`
			}
			if json.Unmarshal(payload, &doc) == nil {
				if doc.Usage.PromptTokens != 0 || doc.Usage.CompletionTokens != 0 {
					usagePrompt, usageCompletion = doc.Usage.PromptTokens, doc.Usage.CompletionTokens
					sawUsage = true
				}
			}
		}
	}

	buf := make([]byte, 32*1024)
	for {
		select {
		case <-ctx.Done():
			norm.Reset()
			return apierr.New(apierr.Streaming, "client disconnected")
		default:
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			out := norm.Feed(buf[:n])
			if len(out) > 0 {
				if _, err := w.Write(out); err != nil {
					return apierr.New(apierr.Streaming, "write to client failed")
				}
				if flush != nil {
					flush()
				}
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				if rest := norm.Flush(); len(rest) > 0 {
					w.Write(rest)
					if flush != nil {
						flush()
					}
				}
				break
			}
			return apierr.New(apierr.Streaming, "upstream read failed")
		}
	}

	if r.Counters != nil && (sawDone || sawUsage) {
		r.Counters.IncrRequest(accountID, counters.KindChat, 1)
		if sawUsage {
			r.Counters.IncrTokens(accountID, usagePrompt, usageCompletion)
		}
	}
	return nil
}
