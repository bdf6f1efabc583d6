// Package apierr centralizes the OpenAI-shaped error envelope the gateway
// returns to callers, replacing the scattered http.Error calls the teacher
// proxy used per endpoint.
package apierr

import (
	"encoding/json"
	"net/http"
)

// Kind is the client-visible error type string.
type Kind string

const (
	Validation          Kind = "validation_error"
	Authentication       Kind = "authentication_error"
	Permission           Kind = "permission_error"
	NotFound             Kind = "not_found"
	RateLimitExceeded    Kind = "rate_limit_error"
	QuotaExceeded        Kind = "quota_exceeded"
	UpstreamUnavailable  Kind = "upstream_unavailable"
	Streaming            Kind = "streaming_error"
	Internal             Kind = "internal_error"
)

var statusByKind = map[Kind]int{
	Validation:          http.StatusBadRequest,
	Authentication:      http.StatusUnauthorized,
	Permission:          http.StatusForbidden,
	NotFound:            http.StatusNotFound,
	RateLimitExceeded:   http.StatusTooManyRequests,
	QuotaExceeded:       http.StatusTooManyRequests,
	UpstreamUnavailable: http.StatusBadGateway,
	Streaming:           http.StatusOK, // only ever emitted mid-stream
	Internal:            http.StatusInternalServerError,
}

// Error is the Go error type carrying a client-visible kind and message.
// Handlers that want rotation/internal detail wrap this; the HTTP layer
// only ever looks at Kind/Message.
type Error struct {
	Kind    Kind
	Message string
	// Code is an optional machine-readable sub-code (e.g. "invalid_api_key").
	Code string
}

func (e *Error) Error() string { return e.Message }

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Newf(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Message: message, Code: code}
}

// StatusFor returns the HTTP status code associated with kind.
func StatusFor(kind Kind) int {
	if s, ok := statusByKind[kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

type envelope struct {
	Error envelopeBody `json:"error"`
}

type envelopeBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// Body returns the JSON-serializable OpenAI-shaped error body for kind/message/code.
func Body(kind Kind, message, code string) []byte {
	env := envelope{Error: envelopeBody{Message: message, Type: string(kind), Code: code}}
	data, err := json.Marshal(env)
	if err != nil {
		// message/kind are always valid UTF-8 strings; this cannot fail
		// in practice, but never send a broken body to a client.
		return []byte(`{"error":{"message":"internal_error","type":"internal_error"}}`)
	}
	return data
}

// Write writes the OpenAI-shaped error envelope for kind/message/code to w
// with the matching status code. This is the single place status codes and
// envelope shape are decided for client-visible errors.
func Write(w http.ResponseWriter, kind Kind, message, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(StatusFor(kind))
	w.Write(Body(kind, message, code))
}

// WriteErr writes err (a *Error, or any error treated as internal_error).
func WriteErr(w http.ResponseWriter, err error) {
	if ae, ok := err.(*Error); ok {
		Write(w, ae.Kind, ae.Message, ae.Code)
		return
	}
	Write(w, Internal, "internal error", "")
}

// SSEEvent renders the terminal mid-stream error frame: a single
// "event: error" SSE record carrying the same envelope shape.
func SSEEvent(message string) []byte {
	body := Body(Streaming, message, "")
	out := append([]byte("event: error\ndata: "), body...)
	out = append(out, '\n', '\n')
	return out
}
