package server

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"
)

// accountStatus buckets an account's credential state for the health
// report, per §6's health object.
type accountStatus string

const (
	statusHealthy      accountStatus = "healthy"
	statusExpiringSoon accountStatus = "expiring_soon"
	statusExpired      accountStatus = "expired"
	statusFailed       accountStatus = "failed"
)

// expiringSoonWindow matches the scheduler's widest jitter threshold (§4.3)
// so "expiring_soon" in the health report lines up with when the scheduler
// would actually pick the account up.
const expiringSoonWindow = 30 * time.Minute

func classifyAccount(minutesUntilExpiry float64, disabled bool) accountStatus {
	if disabled {
		return statusFailed
	}
	if minutesUntilExpiry < 0 {
		return statusExpired
	}
	if time.Duration(minutesUntilExpiry*float64(time.Minute)) < expiringSoonWindow {
		return statusExpiringSoon
	}
	return statusHealthy
}

type accountHealth struct {
	AccountID             string        `json:"account_id"`
	Status                accountStatus `json:"status"`
	ConsecutiveAuthErrors int           `json:"consecutive_auth_errors"`
	QuotaExhausted        bool          `json:"quota_exhausted"`
}

// handleHealth reports aggregate and per-account status, today's counters,
// uptime, process memory, platform, and the configured endpoint URL. Unlike
// the proxy endpoints this one is never api-key-gated — operators and
// uptime checks must be able to reach it without a key.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	accounts := s.Pool.All()

	statuses := make([]accountHealth, 0, len(accounts))
	aggregate := statusHealthy
	for _, acc := range accounts {
		snap := acc.CredentialsFor()
		st := classifyAccount(acc.MinutesUntilExpiry(now), snap.Disabled)
		statuses = append(statuses, accountHealth{
			AccountID:             acc.ID(),
			Status:                st,
			ConsecutiveAuthErrors: snap.ConsecutiveAuthErrors,
			QuotaExhausted:        !snap.QuotaExhaustedUntil.IsZero() && snap.QuotaExhaustedUntil.After(now),
		})
		if worse(st, aggregate) {
			aggregate = st
		}
	}
	if len(accounts) == 0 {
		aggregate = statusFailed
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	totals := map[string]any{}
	if s.Counters != nil {
		var chatRequests, webSearchRequests, webSearchResults, inputTokens, outputTokens int64
		for _, acc := range accounts {
			today := s.Counters.GetToday(acc.ID())
			chatRequests += today.ChatRequests
			webSearchRequests += today.WebSearchRequests
			webSearchResults += today.WebSearchResults
			inputTokens += today.InputTokens
			outputTokens += today.OutputTokens
		}
		totals = map[string]any{
			"chat_requests":       chatRequests,
			"web_search_requests": webSearchRequests,
			"web_search_results":  webSearchResults,
			"input_tokens":        inputTokens,
			"output_tokens":       outputTokens,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":          aggregate,
		"accounts":        statuses,
		"today":           totals,
		"uptime_seconds":  now.Sub(s.StartTime).Seconds(),
		"memory_rss_mb":   float64(memStats.Sys) / (1024 * 1024),
		"platform":        runtime.GOOS + "/" + runtime.GOARCH,
		"default_model":   s.DefaultModel,
		"stream_enabled":  s.StreamEnabled,
		"endpoint_url":    s.PublicEndpoint,
		"recent_errors":   s.recent.snapshot(),
	})
}

// worse reports whether candidate is a strictly worse status than current,
// for aggregate-status reduction across every loaded account.
func worse(candidate, current accountStatus) bool {
	rank := map[accountStatus]int{
		statusHealthy:      0,
		statusExpiringSoon: 1,
		statusExpired:      2,
		statusFailed:       3,
	}
	return rank[candidate] > rank[current]
}
