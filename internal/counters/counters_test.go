package counters

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestCounters(t *testing.T) (*Counters, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "request_counts.json")
	store, err := NewStore(path)
	if err != nil {
		t.Fatal(err)
	}
	c := New(store, 10*time.Millisecond)
	t.Cleanup(c.Close)
	return c, path
}

func TestIncrRequestAndGetToday(t *testing.T) {
	c, _ := newTestCounters(t)
	c.IncrRequest("acct1", KindChat, 1)
	c.IncrTokens("acct1", 5, 3)

	got := c.GetToday("acct1")
	if got.ChatRequests != 1 || got.InputTokens != 5 || got.OutputTokens != 3 {
		t.Fatalf("unexpected counters: %+v", got)
	}
}

func TestCountersAccumulate(t *testing.T) {
	c, _ := newTestCounters(t)
	for i := 0; i < 5; i++ {
		c.IncrRequest("acct1", KindChat, 1)
		c.IncrTokens("acct1", 1, 1)
	}
	got := c.GetToday("acct1")
	if got.ChatRequests != 5 || got.InputTokens != 5 || got.OutputTokens != 5 {
		t.Fatalf("unexpected accumulation: %+v", got)
	}
}

func TestIncrSearchResultsRoutesThroughWriterGoroutine(t *testing.T) {
	c, _ := newTestCounters(t)
	c.IncrSearchResults("acct1", 7)
	c.IncrSearchResults("acct1", 3)

	got := c.GetToday("acct1")
	if got.WebSearchResults != 10 {
		t.Fatalf("expected 10 accumulated search results, got %d", got.WebSearchResults)
	}
}

func TestGetAllDaysRetainsOlderDates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "request_counts.json")
	store, err := NewStore(path)
	if err != nil {
		t.Fatal(err)
	}
	store.doc.Requests["acct1"] = map[string]int64{"2024-01-01": 2, "2024-01-02": 3}
	store.doc.TokenUsage["acct1"] = []tokenUsageEntry{{Date: "2024-01-01", In: 10, Out: 20}}

	c := New(store, time.Hour)
	defer c.Close()

	all := c.GetAllDays("acct1")
	if len(all) != 2 {
		t.Fatalf("expected 2 dates, got %d", len(all))
	}
	if all["2024-01-01"].ChatRequests != 2 || all["2024-01-01"].InputTokens != 10 {
		t.Fatalf("unexpected day: %+v", all["2024-01-01"])
	}
}

func TestCloseForcesFlush(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "request_counts.json")
	store, err := NewStore(path)
	if err != nil {
		t.Fatal(err)
	}
	c := New(store, time.Hour) // long flush interval; only Close should persist
	c.IncrRequest("acct1", KindChat, 1)
	c.Close()

	reloaded, err := NewStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.doc.Requests["acct1"][dateUTC(time.Now())] != 1 {
		t.Fatalf("expected flushed counter to survive reload")
	}
}
