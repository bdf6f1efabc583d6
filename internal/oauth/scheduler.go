package oauth

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/darvell/qwen-gateway/internal/account"
)

// batchSize bounds how many accounts the scheduler refreshes concurrently
// per tick, per the documented "parallel batches of up to 20".
const batchSize = 20

// jitterMinMinutes/jitterMaxMinutes bound the per-account de-synchronizing
// random threshold.
const (
	jitterMinMinutes = 10
	jitterMaxMinutes = 30
	dueMinutes       = 10
)

// Scheduler is the background refresh task, grounded on the teacher's
// startUsagePoller/refreshUsageIfStale (usage_tracking.go): run
// immediately at startup, then on a fixed tick, generalized here from a
// global proxyHandler.refreshMu throttle into the scheduler-scoped
// self-suppression flag the design notes call for.
type Scheduler struct {
	Pool      Pool
	Refresher *Refresher
	Tick      time.Duration

	running int32 // 0 or 1, guarded via atomic CAS for self-suppression
	stop    chan struct{}
	wg      sync.WaitGroup
	rand    *rand.Rand
	randMu  sync.Mutex
}

// Pool is the subset of account.Pool the scheduler needs; declared here so
// tests can substitute a stand-in.
type Pool interface {
	All() []*account.Account
	Persist(accountID string) error
}

// NewScheduler constructs a scheduler; call Start to begin its background
// goroutine.
func NewScheduler(pool Pool, refresher *Refresher, tick time.Duration) *Scheduler {
	if tick <= 0 {
		tick = 5 * time.Minute
	}
	return &Scheduler{
		Pool:      pool,
		Refresher: refresher,
		Tick:      tick,
		stop:      make(chan struct{}),
		rand:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Start runs immediately, then on every tick, until Stop is called.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runOnce(context.Background())
		ticker := time.NewTicker(s.Tick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.runOnce(context.Background())
			case <-s.stop:
				return
			}
		}
	}()
}

// Stop signals the background goroutine to exit and waits for it.
func (s *Scheduler) Stop() {
	close(s.stop)
	s.wg.Wait()
}

func (s *Scheduler) jitterThreshold() float64 {
	s.randMu.Lock()
	defer s.randMu.Unlock()
	return jitterMinMinutes + s.rand.Float64()*(jitterMaxMinutes-jitterMinMinutes)
}

// runOnce self-suppresses re-entry: if a previous tick is still running
// (e.g. a slow batch), the new tick is dropped entirely rather than
// queued.
func (s *Scheduler) runOnce(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		log.Printf("refresh scheduler: previous tick still running, skipping")
		return
	}
	defer atomic.StoreInt32(&s.running, 0)

	now := time.Now()
	due := s.selectDue(now)
	if len(due) == 0 {
		return
	}
	s.refreshBatches(ctx, due)
}

func (s *Scheduler) selectDue(now time.Time) []*account.Account {
	var due []*account.Account
	for _, acc := range s.Pool.All() {
		minutesLeft := acc.MinutesUntilExpiry(now)
		threshold := s.jitterThreshold()
		if minutesLeft <= dueMinutes || minutesLeft <= threshold {
			due = append(due, acc)
		}
	}
	return due
}

// ForceRefreshAll refreshes every account unconditionally, regardless of
// expiry, per the documented force-refresh operation.
func (s *Scheduler) ForceRefreshAll(ctx context.Context) {
	s.refreshBatches(ctx, s.Pool.All())
}

func (s *Scheduler) refreshBatches(ctx context.Context, accounts []*account.Account) {
	for start := 0; start < len(accounts); start += batchSize {
		end := start + batchSize
		if end > len(accounts) {
			end = len(accounts)
		}
		batch := accounts[start:end]

		var wg sync.WaitGroup
		for _, acc := range batch {
			wg.Add(1)
			go func(acc *account.Account) {
				defer wg.Done()
				s.refreshOne(ctx, acc)
			}(acc)
		}
		wg.Wait()
	}
}

func (s *Scheduler) refreshOne(ctx context.Context, acc *account.Account) {
	if !acc.TryLockForRefresh() {
		return
	}
	defer acc.ReleaseRefresh()

	snap := acc.CredentialsFor()
	next, err := s.Refresher.Refresh(ctx, snap.Credentials)
	if err != nil {
		if errors.Is(err, ErrInvalidGrant) {
			acc.MarkAuthDead()
			log.Printf("refresh scheduler: account %s invalid_grant, marked dead", acc.ID())
			return
		}
		log.Printf("refresh scheduler: account %s refresh failed: %v", acc.ID(), err)
		return
	}

	now := time.Now()
	acc.ApplyRefresh(next, now)
	if err := s.Pool.Persist(acc.ID()); err != nil {
		log.Printf("refresh scheduler: account %s refresh persisted failed: %v", acc.ID(), err)
	}
}
