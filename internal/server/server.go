// Package server wires the gateway's northbound HTTP surface: the six
// OpenAI-shaped endpoints, the api-key validator middleware, and the
// account-pinning convention shared across them.
//
// Grounded on the teacher proxy's router.go path-switch dispatcher and
// main.go's http.Server/http2.Server tuning, narrowed from the teacher's
// large admin/dashboard/multi-provider route table down to the six
// endpoints this gateway exposes.
package server

import (
	"context"
	"log"
	"net/http"
	"time"

	"golang.org/x/net/http2"

	"github.com/darvell/qwen-gateway/internal/account"
	"github.com/darvell/qwen-gateway/internal/apikey"
	"github.com/darvell/qwen-gateway/internal/counters"
	"github.com/darvell/qwen-gateway/internal/oauth"
	"github.com/darvell/qwen-gateway/internal/router"
)

// Server bundles the dependencies every handler needs.
type Server struct {
	Router       *router.Router
	Pool         *account.Pool
	DeviceClient *oauth.Client
	Counters     *counters.Counters
	Validator    *apikey.Validator

	StartTime      time.Time
	DefaultModel   string
	StreamEnabled  bool
	PublicEndpoint string

	recent  *recentErrors
	metrics *requestMetrics
}

// New constructs a Server with its supplemented-feature state (recent-
// errors ring buffer, metrics counters) initialized.
func New() *Server {
	return &Server{
		recent:  newRecentErrors(20),
		metrics: newRequestMetrics(),
	}
}

// Handler returns the fully wired http.Handler: public health check,
// api-key-gated proxy endpoints, and the device-flow endpoints (which are
// reached with a local API key too, same as every other forwarded
// endpoint).
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/metrics", s.metrics.serveHTTP)
	mux.HandleFunc("/admin/accounts/", s.handleAdminResurrect)

	protected := http.NewServeMux()
	protected.HandleFunc("/v1/chat/completions", s.handleChatCompletions)
	protected.HandleFunc("/v1/models", s.handleModels)
	protected.HandleFunc("/v1/web/search", s.handleWebSearch)
	protected.HandleFunc("/auth/initiate", s.handleAuthInitiate)
	protected.HandleFunc("/auth/poll", s.handleAuthPoll)

	mux.Handle("/v1/chat/completions", s.Validator.Wrap(protected))
	mux.Handle("/v1/models", s.Validator.Wrap(protected))
	mux.Handle("/v1/web/search", s.Validator.Wrap(protected))
	mux.Handle("/auth/initiate", s.Validator.Wrap(protected))
	mux.Handle("/auth/poll", s.Validator.Wrap(protected))

	return WithLogging(mux)
}

// NewHTTPServer builds an *http.Server tuned for a mix of buffered JSON
// calls and long-lived SSE streams, with HTTP/2 support, grounded on the
// teacher's main.go server construction.
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		// No global WriteTimeout: streaming responses must be allowed to
		// run for as long as the router's own per-request deadline permits.
	}
	if err := http2.ConfigureServer(srv, &http2.Server{
		MaxConcurrentStreams: 250,
	}); err != nil {
		log.Printf("http2 configuration failed, continuing with http/1.1 only: %v", err)
	}
	return srv
}

// Shutdown drains in-flight requests up to grace before forcing close,
// stops the refresh scheduler, and flushes counters — the SIGINT/SIGTERM
// behavior from §5.
func Shutdown(ctx context.Context, srv *http.Server, sched *oauth.Scheduler, ctrs *counters.Counters, grace time.Duration) {
	shutdownCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown incomplete, forcing close: %v", err)
		srv.Close()
	}
	if sched != nil {
		sched.Stop()
	}
	if ctrs != nil {
		ctrs.Close()
	}
}
