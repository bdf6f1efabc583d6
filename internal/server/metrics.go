package server

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
)

// requestMetrics is a hand-rolled Prometheus-text exposition counter,
// grounded on the teacher proxy's metrics.go. No Prometheus client library
// appears anywhere in the reference corpus, so this stays stdlib rather
// than pulling one in ungrounded (see DESIGN.md).
type requestMetrics struct {
	mu        sync.Mutex
	outcomes  map[string]int64
	accOutcomes map[string]map[string]int64
}

func newRequestMetrics() *requestMetrics {
	return &requestMetrics{
		outcomes:    make(map[string]int64),
		accOutcomes: make(map[string]map[string]int64),
	}
}

func (m *requestMetrics) inc(outcome, account string) {
	m.mu.Lock()
	m.outcomes[outcome]++
	if account != "" {
		acc, ok := m.accOutcomes[account]
		if !ok {
			acc = make(map[string]int64)
			m.accOutcomes[account] = acc
		}
		acc[outcome]++
	}
	m.mu.Unlock()
}

func (m *requestMetrics) serveHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	m.mu.Lock()
	defer m.mu.Unlock()

	outcomes := make([]string, 0, len(m.outcomes))
	for o := range m.outcomes {
		outcomes = append(outcomes, o)
	}
	sort.Strings(outcomes)
	for _, o := range outcomes {
		fmt.Fprintf(w, "qwen_gateway_requests_total{outcome=%q} %d\n", o, m.outcomes[o])
	}

	accounts := make([]string, 0, len(m.accOutcomes))
	for a := range m.accOutcomes {
		accounts = append(accounts, a)
	}
	sort.Strings(accounts)
	for _, a := range accounts {
		perOutcome := m.accOutcomes[a]
		outs := make([]string, 0, len(perOutcome))
		for o := range perOutcome {
			outs = append(outs, o)
		}
		sort.Strings(outs)
		for _, o := range outs {
			fmt.Fprintf(w, "qwen_gateway_account_requests_total{account=%q,outcome=%q} %d\n", a, o, perOutcome[o])
		}
	}
}
