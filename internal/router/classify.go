package router

import (
	"net/http"
	"strings"
)

// Outcome is the router's classification of one upstream attempt, feeding
// the explicit attempt-loop state machine the design notes call for in
// place of the teacher's ad-hoc retry loop.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeAuthError
	OutcomeQuotaExceeded
	OutcomeServerError
	OutcomeOtherClientError
)

// quotaPhrases are body substrings the vendor is known to send alongside a
// 429 to indicate a quota exhaustion rather than a generic rate limit.
var quotaPhrases = []string{
	"quota",
	"Free allocated quota exceeded",
}

// Classify maps a status code and (optionally sniffed) response body onto
// an Outcome, per §4.2 step 4's classification rules: do not rotate on a
// 4xx other than 401/403/429 (the resolved open question).
func Classify(statusCode int, body string) Outcome {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return OutcomeSuccess
	case statusCode == http.StatusTooManyRequests || containsQuotaPhrase(body):
		return OutcomeQuotaExceeded
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return OutcomeAuthError
	case statusCode >= 500:
		return OutcomeServerError
	default:
		return OutcomeOtherClientError
	}
}

func containsQuotaPhrase(body string) bool {
	lower := strings.ToLower(body)
	for _, phrase := range quotaPhrases {
		if strings.Contains(lower, strings.ToLower(phrase)) {
			return true
		}
	}
	return false
}

// Retryable reports whether Outcome should trigger account rotation
// (true) or be returned to the caller immediately (false).
func (o Outcome) Retryable() bool {
	switch o {
	case OutcomeAuthError, OutcomeQuotaExceeded, OutcomeServerError:
		return true
	default:
		return false
	}
}
