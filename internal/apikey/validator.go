package apikey

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/darvell/qwen-gateway/internal/apierr"
)

type contextKey string

const recordContextKey contextKey = "apikey.record"

// EndpointPermission maps a forwarded endpoint to the permission it
// requires. /v1/web/search is folded under PermChatCompletions rather than
// a permission of its own: the data model closes ApiKey.permissions to
// {chat.completions, models.list, full_access}, and web search is a chat
// adjacent capability, not a separate product surface an operator would
// want to grant independently of chat.
var EndpointPermission = map[string]Permission{
	"/v1/chat/completions": PermChatCompletions,
	"/v1/models":           PermModelsList,
	"/v1/web/search":       PermChatCompletions,
}

// statusRecorder captures the status code a handler wrote, mirroring
// server/logging.go's WithLogging middleware so RecordUse can observe the
// outcome of a request it did not itself produce.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Validator is the middleware gating every forwarded endpoint, per §4.5's
// numbered steps: extract bearer, check prefix/length, validate, check
// status, check permission, apply rate limit, record usage.
type Validator struct {
	Manager    *Manager
	Limiter    Limiter
	Now        func() time.Time
	UsageStats *UsageStats
}

// NewValidator returns a Validator using the default sliding-window
// limiter and wall-clock time. stats may be nil, in which case per-key
// daily/keyStats usage is simply not persisted.
func NewValidator(m *Manager, stats *UsageStats) *Validator {
	return &Validator{Manager: m, Limiter: NewSlidingWindowLimiter(), Now: time.Now, UsageStats: stats}
}

// Wrap returns an http.Handler that validates the request before calling
// next. The required permission is looked up from EndpointPermission by
// request path; a path with no entry needs no particular permission.
func (v *Validator) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		now := v.Now()

		authz := r.Header.Get("Authorization")
		const bearerPrefix = "Bearer "
		if !strings.HasPrefix(authz, bearerPrefix) {
			apierr.Write(w, apierr.Authentication, "missing or malformed Authorization header", "missing_api_key")
			return
		}
		rawKey := strings.TrimSpace(strings.TrimPrefix(authz, bearerPrefix))

		if !strings.HasPrefix(rawKey, keyPrefix) || len(rawKey) < len(keyPrefix)+16 {
			apierr.Write(w, apierr.Authentication, "malformed API key", "invalid_api_key")
			return
		}

		rec := v.Manager.Validate(rawKey)
		if rec == nil {
			apierr.Write(w, apierr.Authentication, "invalid API key", "invalid_api_key")
			return
		}
		if rec.Status != StatusActive {
			apierr.Write(w, apierr.Authentication, "API key is not active", "inactive_api_key")
			return
		}

		if perm, needed := EndpointPermission[r.URL.Path]; needed && !rec.HasPermission(perm) {
			apierr.Write(w, apierr.Permission, "API key lacks required permission", string(perm))
			return
		}

		if rec.RateLimit != nil {
			ok, retryAfter := v.Limiter.Allow(rec.KeyID, *rec.RateLimit, now)
			if !ok {
				w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())+1))
				apierr.Write(w, apierr.RateLimitExceeded, "rate limit exceeded", "rate_limit_exceeded")
				return
			}
		}

		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		ctx := withRecord(r.Context(), rec)
		next.ServeHTTP(recorder, r.WithContext(ctx))

		elapsed := time.Since(start)
		failed := recorder.status >= 400
		v.Manager.RecordUse(rec.KeyID, now, elapsed, failed)
		if v.UsageStats != nil {
			_ = v.UsageStats.Record(rec.KeyID, now, elapsed, failed)
		}
	})
}
