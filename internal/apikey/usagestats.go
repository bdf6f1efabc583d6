package apikey

import (
	"sync"
	"time"

	"github.com/darvell/qwen-gateway/internal/storeutil"
)

// KeyStat is one key's running request-count/error/latency summary, the
// "keyStats" half of key_usage_stats.json.
type KeyStat struct {
	TotalRequests      int64 `json:"total_requests"`
	TotalErrors        int64 `json:"total_errors"`
	TotalResponseTimeMS int64 `json:"total_response_time_ms"`
}

type usageStatsDoc struct {
	Daily    map[string]map[string]int64 `json:"daily"`
	KeyStats map[string]KeyStat          `json:"keyStats"`
}

// UsageStats persists per-key, per-UTC-date request counts plus a
// running per-key latency/error summary to key_usage_stats.json, per the
// data model's persistence layout. Grounded on the same write-temp-then-
// rename discipline every other on-disk store in the gateway uses
// (storeutil), guarded by its own mutex since it is updated on a
// different cadence (every completed request) than the api_keys.json
// table (every CRUD call).
type UsageStats struct {
	mu   sync.Mutex
	path string
	doc  usageStatsDoc
}

// NewUsageStats loads (or initializes) the usage-stats file at path (the
// gateway passes dataDir/key_usage_stats.json).
func NewUsageStats(path string) (*UsageStats, error) {
	u := &UsageStats{path: path}
	ok, err := storeutil.ReadJSON(path, &u.doc)
	if err != nil {
		return nil, err
	}
	if !ok || u.doc.Daily == nil {
		u.doc.Daily = map[string]map[string]int64{}
	}
	if u.doc.KeyStats == nil {
		u.doc.KeyStats = map[string]KeyStat{}
	}
	return u, nil
}

// Record bumps keyID's count for at's UTC date and folds responseTime/
// failed into its running KeyStat, then persists the whole file.
func (u *UsageStats) Record(keyID string, at time.Time, responseTime time.Duration, failed bool) error {
	u.mu.Lock()
	date := at.UTC().Format("2006-01-02")
	if u.doc.Daily[date] == nil {
		u.doc.Daily[date] = map[string]int64{}
	}
	u.doc.Daily[date][keyID]++

	stat := u.doc.KeyStats[keyID]
	stat.TotalRequests++
	stat.TotalResponseTimeMS += responseTime.Milliseconds()
	if failed {
		stat.TotalErrors++
	}
	u.doc.KeyStats[keyID] = stat

	snapshot := usageStatsDoc{
		Daily:    cloneDaily(u.doc.Daily),
		KeyStats: cloneKeyStats(u.doc.KeyStats),
	}
	u.mu.Unlock()

	return storeutil.WriteJSON(u.path, snapshot)
}

// DeleteKey removes keyID's running KeyStat (but not its historical daily
// counts, which stay attributable to the date they happened on), matching
// the api-key data model's "delete(key_id) removes metadata and
// associated usage stats" for the forward-looking stat only.
func (u *UsageStats) DeleteKey(keyID string) error {
	u.mu.Lock()
	delete(u.doc.KeyStats, keyID)
	snapshot := usageStatsDoc{
		Daily:    cloneDaily(u.doc.Daily),
		KeyStats: cloneKeyStats(u.doc.KeyStats),
	}
	u.mu.Unlock()
	return storeutil.WriteJSON(u.path, snapshot)
}

func cloneDaily(in map[string]map[string]int64) map[string]map[string]int64 {
	out := make(map[string]map[string]int64, len(in))
	for date, perKey := range in {
		cp := make(map[string]int64, len(perKey))
		for k, v := range perKey {
			cp[k] = v
		}
		out[date] = cp
	}
	return out
}

func cloneKeyStats(in map[string]KeyStat) map[string]KeyStat {
	out := make(map[string]KeyStat, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
