// Package worker runs the sales ingestion cycle: claim an hour from the
// ledger, fetch its report, apply the rows, repeat until nothing is due.
package worker

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vendor-desk/internal/errors"
	"github.com/vendor-desk/internal/models"
	"github.com/vendor-desk/internal/types"
)

// LedgerStore is the hour ledger as the worker sees it
type LedgerStore interface {
	SeedMissingHours(ctx context.Context, marketplace types.MarketplaceID, lookback time.Duration) (int, error)
	SeedHourRange(ctx context.Context, marketplace types.MarketplaceID, from, to time.Time) (int, error)
	ClaimNext(ctx context.Context, marketplace types.MarketplaceID, now time.Time) (*models.HourRecord, error)
	ClaimNextInRange(ctx context.Context, marketplace types.MarketplaceID, from, to time.Time, now time.Time) (*models.HourRecord, error)
	MarkDownloaded(ctx context.Context, rec *models.HourRecord) error
	MarkFailed(ctx context.Context, rec *models.HourRecord, cause error) error
	MarkRetryable(ctx context.Context, rec *models.HourRecord) error
	MarkNotYetAvailable(ctx context.Context, rec *models.HourRecord) error
}

// LockStore is the per-marketplace worker lease
type LockStore interface {
	TryAcquire(ctx context.Context, marketplace types.MarketplaceID, owner string, now time.Time) (bool, *models.WorkerLock, error)
	Refresh(ctx context.Context, marketplace types.MarketplaceID, owner string, now time.Time) (bool, error)
	Release(ctx context.Context, marketplace types.MarketplaceID, owner string) error
}

// CooldownTracker records and reports quota cooldowns
type CooldownTracker interface {
	Active(ctx context.Context, marketplace types.MarketplaceID) (*models.QuotaCooldown, error)
	Start(ctx context.Context, marketplace types.MarketplaceID, reason models.CooldownReason) (*models.QuotaCooldown, error)
}

// ReportProvider fetches the report payload for one hour window
type ReportProvider interface {
	FetchHourRange(ctx context.Context, marketplace types.MarketplaceID, start, end time.Time) ([]byte, error)
}

// ReportParser turns a report payload into sales rows
type ReportParser func(marketplace types.MarketplaceID, payload []byte) ([]models.SalesRow, error)

// HourApplier writes an hour's rows and finalizes the ledger
type HourApplier interface {
	Apply(ctx context.Context, rec *models.HourRecord, rows []models.SalesRow) error
	Finalize(ctx context.Context, rec *models.HourRecord) (bool, error)
}

// IngestWorker drives ingestion for a set of marketplaces. The startup
// backfill, the periodic auto-sync tick, and the manual fill-day request all
// funnel into the same runCycle, so crash recovery, quota handling, and
// locking behave identically no matter what triggered the work.
type IngestWorker struct {
	owner        string
	marketplaces []types.MarketplaceID

	ledger    LedgerStore
	locks     LockStore
	cooldowns CooldownTracker
	provider  ReportProvider
	parse     ReportParser
	applier   HourApplier

	lookback         time.Duration
	availabilityLag  time.Duration
	syncInterval     time.Duration
	maxHoursPerCycle int

	running bool
	mu      sync.RWMutex
	stopCh  chan struct{}
	doneCh  chan struct{}

	lastCycleTime map[types.MarketplaceID]time.Time
}

// IngestWorkerConfig holds configuration for the ingest worker
type IngestWorkerConfig struct {
	Marketplaces []types.MarketplaceID
	Ledger       LedgerStore
	Locks        LockStore
	Cooldowns    CooldownTracker
	Provider     ReportProvider
	Parse        ReportParser
	Applier      HourApplier

	Lookback        time.Duration // default 72h
	AvailabilityLag time.Duration // default 2h
	SyncInterval    time.Duration // default 5m
	// MaxHoursPerCycle bounds one cycle so a deep backlog cannot hold the
	// lease across many refresh windows. Default: 24.
	MaxHoursPerCycle int
}

// NewIngestWorker creates a new ingest worker with a unique owner identity
func NewIngestWorker(cfg *IngestWorkerConfig) (*IngestWorker, error) {
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("ledger store cannot be nil")
	}
	if cfg.Locks == nil {
		return nil, fmt.Errorf("lock store cannot be nil")
	}
	if cfg.Cooldowns == nil {
		return nil, fmt.Errorf("cooldown tracker cannot be nil")
	}
	if cfg.Provider == nil {
		return nil, fmt.Errorf("report provider cannot be nil")
	}
	if cfg.Parse == nil {
		return nil, fmt.Errorf("report parser cannot be nil")
	}
	if cfg.Applier == nil {
		return nil, fmt.Errorf("applier cannot be nil")
	}
	if len(cfg.Marketplaces) == 0 {
		return nil, fmt.Errorf("at least one marketplace is required")
	}
	for _, mk := range cfg.Marketplaces {
		if !types.IsValidMarketplace(mk) {
			return nil, fmt.Errorf("unknown marketplace %q", mk)
		}
	}

	lookback := cfg.Lookback
	if lookback <= 0 {
		lookback = 72 * time.Hour
	}
	availabilityLag := cfg.AvailabilityLag
	if availabilityLag <= 0 {
		availabilityLag = 2 * time.Hour
	}
	syncInterval := cfg.SyncInterval
	if syncInterval <= 0 {
		syncInterval = 5 * time.Minute
	}
	maxHours := cfg.MaxHoursPerCycle
	if maxHours <= 0 {
		maxHours = 24
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown-host"
	}

	return &IngestWorker{
		owner:            fmt.Sprintf("%s:%d:%s", hostname, os.Getpid(), uuid.New().String()[:8]),
		marketplaces:     cfg.Marketplaces,
		ledger:           cfg.Ledger,
		locks:            cfg.Locks,
		cooldowns:        cfg.Cooldowns,
		provider:         cfg.Provider,
		parse:            cfg.Parse,
		applier:          cfg.Applier,
		lookback:         lookback,
		availabilityLag:  availabilityLag,
		syncInterval:     syncInterval,
		maxHoursPerCycle: maxHours,
		stopCh:           make(chan struct{}),
		doneCh:           make(chan struct{}),
		lastCycleTime:    make(map[types.MarketplaceID]time.Time),
	}, nil
}

// Owner returns the worker's lease identity
func (w *IngestWorker) Owner() string {
	return w.owner
}

// Start runs the startup backfill, then launches the auto-sync loop
func (w *IngestWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("ingest worker is already running")
	}
	w.running = true
	w.mu.Unlock()

	log.Printf("[IngestWorker] Starting as %s for %d marketplaces, sync interval %v",
		w.owner, len(w.marketplaces), w.syncInterval)

	go w.syncLoop(ctx)

	return nil
}

// Stop signals the sync loop and waits for it to finish
func (w *IngestWorker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return fmt.Errorf("ingest worker is not running")
	}
	w.mu.Unlock()

	log.Printf("[IngestWorker] Stopping %s", w.owner)
	close(w.stopCh)

	select {
	case <-w.doneCh:
		log.Printf("[IngestWorker] %s stopped gracefully", w.owner)
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(30 * time.Second):
		return fmt.Errorf("stop timeout")
	}

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	return nil
}

// syncLoop runs one immediate pass (the startup backfill), then a pass per
// tick. Each pass visits every marketplace; per-marketplace failures are
// logged and do not stop the loop.
func (w *IngestWorker) syncLoop(ctx context.Context) {
	defer close(w.doneCh)

	w.runAll(ctx)

	ticker := time.NewTicker(w.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[IngestWorker] %s: context cancelled", w.owner)
			return
		case <-w.stopCh:
			log.Printf("[IngestWorker] %s: stop signal received", w.owner)
			return
		case <-ticker.C:
			w.runAll(ctx)
		}
	}
}

func (w *IngestWorker) runAll(ctx context.Context) {
	for _, mk := range w.marketplaces {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		default:
		}

		result, err := w.RunCycle(ctx, mk)
		if err != nil {
			log.Printf("[IngestWorker] %s: cycle error for %s: %v", w.owner, mk, err)
			continue
		}
		if result.Applied > 0 || result.Failed > 0 || result.Seeded > 0 {
			log.Printf("[IngestWorker] %s: %s cycle done: seeded=%d applied=%d failed=%d deferred=%d quotaHit=%v",
				w.owner, mk, result.Seeded, result.Applied, result.Failed, result.Deferred, result.QuotaHit)
		}
	}
}

// CycleResult summarizes one ingestion cycle
type CycleResult struct {
	Marketplace types.MarketplaceID `json:"marketplace"`
	Skipped     string              `json:"skipped,omitempty"` // reason, when nothing ran
	Seeded      int                 `json:"seeded"`
	Applied     int                 `json:"applied"`
	Recovered   int                 `json:"recovered"`
	Failed      int                 `json:"failed"`
	Deferred    int                 `json:"deferred"`
	QuotaHit    bool                `json:"quota_hit"`
}

// RunCycle executes one full ingestion cycle for a marketplace: seed the
// lookback window, then claim and process hours oldest-first until no hour is
// eligible, quota is exhausted, or the per-cycle bound is reached.
func (w *IngestWorker) RunCycle(ctx context.Context, marketplace types.MarketplaceID) (*CycleResult, error) {
	return w.runCycle(ctx, marketplace, nil)
}

// RunDay executes a repair cycle restricted to one UTC calendar day. Hours
// already APPLIED are untouched; only missing or failed hours in the day are
// re-processed.
func (w *IngestWorker) RunDay(ctx context.Context, marketplace types.MarketplaceID, day time.Time) (*CycleResult, error) {
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.Add(24 * time.Hour)
	return w.runCycle(ctx, marketplace, &hourRange{from: dayStart, to: dayEnd})
}

type hourRange struct {
	from, to time.Time
}

func (w *IngestWorker) runCycle(ctx context.Context, marketplace types.MarketplaceID, window *hourRange) (*CycleResult, error) {
	result := &CycleResult{Marketplace: marketplace}
	now := time.Now().UTC()

	// Cooldown first: holding the lock while throttled would only block
	// another process that is equally unable to make calls, but skipping
	// early keeps the logs honest about why nothing is happening.
	cooldown, err := w.cooldowns.Active(ctx, marketplace)
	if err != nil {
		return nil, err
	}
	if cooldown != nil {
		log.Printf("[IngestWorker] %s: %s in quota cooldown until %s, skipping cycle",
			w.owner, marketplace, cooldown.UntilUTC.Format(time.RFC3339))
		result.Skipped = fmt.Sprintf("quota cooldown until %s", cooldown.UntilUTC.Format(time.RFC3339))
		return result, nil
	}

	acquired, lock, err := w.locks.TryAcquire(ctx, marketplace, w.owner, now)
	if err != nil {
		return nil, err
	}
	if !acquired {
		if lock != nil {
			log.Printf("[IngestWorker] %s: %s locked by %s until %s, skipping cycle",
				w.owner, marketplace, lock.Owner, lock.ExpiresAt.Format(time.RFC3339))
			result.Skipped = fmt.Sprintf("locked by %s until %s", lock.Owner, lock.ExpiresAt.Format(time.RFC3339))
		} else {
			result.Skipped = "lock unavailable"
		}
		return result, nil
	}
	if lock != nil && lock.ReplacedOwner != "" {
		log.Printf("[IngestWorker] %s: %s stale lock replaced, took over lease from %s",
			w.owner, marketplace, lock.ReplacedOwner)
	}
	defer func() {
		// Release uses a fresh context: the cycle's context may already be
		// cancelled during shutdown, and an unreleased lease blocks other
		// processes until the TTL runs out.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := w.locks.Release(releaseCtx, marketplace, w.owner); err != nil {
			log.Printf("[IngestWorker] %s: failed to release lock for %s: %v", w.owner, marketplace, err)
		}
	}()

	if window == nil {
		seeded, err := w.ledger.SeedMissingHours(ctx, marketplace, w.lookback)
		if err != nil {
			return nil, err
		}
		result.Seeded = seeded
	} else {
		to := window.to
		if latest := time.Now().UTC().Add(-w.availabilityLag); latest.Before(to) {
			to = latest
		}
		seeded, err := w.ledger.SeedHourRange(ctx, marketplace, window.from, to)
		if err != nil {
			return nil, err
		}
		result.Seeded = seeded
	}

	for processed := 0; processed < w.maxHoursPerCycle; processed++ {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-w.stopCh:
			return result, nil
		default:
		}

		now = time.Now().UTC()
		var rec *models.HourRecord
		if window == nil {
			rec, err = w.ledger.ClaimNext(ctx, marketplace, now)
		} else {
			rec, err = w.ledger.ClaimNextInRange(ctx, marketplace, window.from, window.to, now)
		}
		if err != nil {
			return result, err
		}
		if rec == nil {
			break
		}

		done, err := w.processHour(ctx, marketplace, rec, result)
		if err != nil {
			return result, err
		}
		if done {
			break
		}
	}

	w.mu.Lock()
	w.lastCycleTime[marketplace] = time.Now().UTC()
	w.mu.Unlock()

	return result, nil
}

// processHour handles one claimed hour. The bool return means the cycle must
// stop: quota exhaustion is the only normal cause.
func (w *IngestWorker) processHour(ctx context.Context, marketplace types.MarketplaceID, rec *models.HourRecord, result *CycleResult) (bool, error) {
	hourLabel := rec.HourStart.Format(time.RFC3339)

	// A claim recovered from DOWNLOADED may already have its rows written
	if rec.ClaimedFrom == types.HourDownloaded {
		applied, err := w.applier.Finalize(ctx, rec)
		if err != nil {
			return false, err
		}
		if applied {
			result.Recovered++
			result.Applied++
			return false, nil
		}
		// No rows landed before the crash, fall through to a fresh fetch
	}

	// The lease must be live before committing to a slow network exchange.
	// Losing it means another worker may already own this marketplace.
	ok, err := w.locks.Refresh(ctx, marketplace, w.owner, time.Now().UTC())
	if err != nil {
		return false, err
	}
	if !ok {
		log.Printf("[IngestWorker] %s: lost lease for %s, aborting cycle", w.owner, marketplace)
		if markErr := w.ledger.MarkRetryable(ctx, rec); markErr != nil {
			log.Printf("[IngestWorker] %s: failed to return hour %s to pool: %v", w.owner, hourLabel, markErr)
		}
		return true, errors.NewLockUnavailableError(marketplace, w.owner, time.Now().UTC())
	}

	payload, err := w.provider.FetchHourRange(ctx, marketplace, rec.HourStart, rec.HourEnd())
	if err != nil {
		return w.handleFetchError(ctx, marketplace, rec, result, err)
	}

	rows, err := w.parse(marketplace, payload)
	if err != nil {
		log.Printf("[IngestWorker] %s: unparsable report for %s hour %s: %v", w.owner, marketplace, hourLabel, err)
		if markErr := w.ledger.MarkFailed(ctx, rec, err); markErr != nil {
			return false, markErr
		}
		result.Failed++
		return false, nil
	}

	if err := w.ledger.MarkDownloaded(ctx, rec); err != nil {
		return false, err
	}

	if err := w.applier.Apply(ctx, rec, rows); err != nil {
		log.Printf("[IngestWorker] %s: failed to apply %s hour %s: %v", w.owner, marketplace, hourLabel, err)
		if markErr := w.ledger.MarkFailed(ctx, rec, err); markErr != nil {
			return false, markErr
		}
		result.Failed++
		return false, nil
	}

	result.Applied++
	return false, nil
}

func (w *IngestWorker) handleFetchError(ctx context.Context, marketplace types.MarketplaceID, rec *models.HourRecord, result *CycleResult, err error) (bool, error) {
	hourLabel := rec.HourStart.Format(time.RFC3339)

	switch {
	case errors.IsQuotaExceeded(err):
		// Hard stop: every further call this cycle would also be rejected.
		// The hour goes back to the pool with no penalty.
		cooldown, cdErr := w.cooldowns.Start(ctx, marketplace, models.CooldownReasonQuota)
		if cdErr != nil {
			log.Printf("[IngestWorker] %s: failed to persist cooldown for %s: %v", w.owner, marketplace, cdErr)
		} else {
			log.Printf("[IngestWorker] %s: quota exhausted for %s, cooling down until %s",
				w.owner, marketplace, cooldown.UntilUTC.Format(time.RFC3339))
		}
		if markErr := w.ledger.MarkRetryable(ctx, rec); markErr != nil {
			return true, markErr
		}
		result.QuotaHit = true
		return true, nil

	case errors.IsReportUnavailable(err):
		log.Printf("[IngestWorker] %s: report for %s hour %s not yet published, deferring",
			w.owner, marketplace, hourLabel)
		if markErr := w.ledger.MarkNotYetAvailable(ctx, rec); markErr != nil {
			return false, markErr
		}
		result.Deferred++
		return false, nil

	case ctx.Err() != nil:
		// Shutdown mid-fetch: return the hour so the next run picks it up
		// immediately instead of waiting out the stale-claim window.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if markErr := w.ledger.MarkRetryable(releaseCtx, rec); markErr != nil {
			log.Printf("[IngestWorker] %s: failed to return hour %s to pool: %v", w.owner, hourLabel, markErr)
		}
		return true, ctx.Err()

	default:
		log.Printf("[IngestWorker] %s: fetch failed for %s hour %s: %v", w.owner, marketplace, hourLabel, err)
		if markErr := w.ledger.MarkFailed(ctx, rec, err); markErr != nil {
			return false, markErr
		}
		result.Failed++
		return false, nil
	}
}

// LastCycleTime returns when the marketplace's last cycle completed
func (w *IngestWorker) LastCycleTime(marketplace types.MarketplaceID) (time.Time, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	t, ok := w.lastCycleTime[marketplace]
	return t, ok
}
