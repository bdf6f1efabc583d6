// Package router implements the request router: it translates inbound
// OpenAI-shaped requests into upstream calls, picks accounts, classifies
// failures, and orchestrates rotation.
//
// Grounded on the teacher proxy's main.go (proxyRequest/tryOnce attempt
// loop, pickUpstream/mapResponsesPath/normalizePath/singleJoin) and
// provider_codex.go's per-provider URL/header construction, collapsed
// from three vendor providers onto the single Qwen backend this gateway
// fronts.
package router

import (
	"strings"
)

const defaultVendorBase = "https://portal.qwen.ai/v1"

// ResolveBaseURL implements the upstream URL policy (§4.2): given an
// account's resource_url R, fall back to the default vendor base if R is
// empty, prepend https:// if R lacks a scheme, and suffix /v1 if absent.
func ResolveBaseURL(resourceURL string) string {
	r := strings.TrimSpace(resourceURL)
	if r == "" {
		return defaultVendorBase
	}
	if !strings.Contains(r, "://") {
		r = "https://" + r
	}
	r = strings.TrimRight(r, "/")
	if !strings.HasSuffix(r, "/v1") {
		r += "/v1"
	}
	return r
}

// ChatCompletionsURL returns "{base}/chat/completions".
func ChatCompletionsURL(base string) string {
	return strings.TrimRight(base, "/") + "/chat/completions"
}

// ModelsURL returns "{base}/models".
func ModelsURL(base string) string {
	return strings.TrimRight(base, "/") + "/models"
}

// WebSearchURL returns "{base_without_/v1}/api/v1/indices/plugin/web_search".
func WebSearchURL(base string) string {
	withoutV1 := strings.TrimSuffix(strings.TrimRight(base, "/"), "/v1")
	return strings.TrimRight(withoutV1, "/") + "/api/v1/indices/plugin/web_search"
}
