package storage

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/vendor-desk/internal/errors"
	"github.com/vendor-desk/internal/models"
	"github.com/vendor-desk/internal/retry"
	"github.com/vendor-desk/internal/types"
)

// LedgerRepository handles the per-hour ingestion ledger. One row exists per
// (marketplace, hour_start) once seeded; rows are never deleted. All mutation
// methods assume the caller holds the marketplace's worker lock: the
// repository enforces atomicity of the single-row claim, not mutual exclusion
// between lock holders.
type LedgerRepository struct {
	db *PostgresDB

	backoffBase      time.Duration
	backoffMax       time.Duration
	availabilityLag  time.Duration
	staleClaimAfter  time.Duration
	unavailableRetry time.Duration
}

// LedgerRepositoryConfig holds tuning for the ledger repository
type LedgerRepositoryConfig struct {
	// BackoffBase is the first retry delay after a transient failure. Default: 1m.
	BackoffBase time.Duration
	// BackoffMax caps the retry delay. Default: 4h.
	BackoffMax time.Duration
	// AvailabilityLag keeps hours too close to now out of the seeded window. Default: 2h.
	AvailabilityLag time.Duration
	// StaleClaimAfter makes REQUESTED/DOWNLOADED rows re-claimable once their
	// updated_at is older than this; no live lock holder can still be mid-flight
	// on them. Default: 15m.
	StaleClaimAfter time.Duration
	// UnavailableRetry is the re-check delay for hours whose report data is not
	// yet published upstream. Default: 30m.
	UnavailableRetry time.Duration
}

// NewLedgerRepository creates a new ledger repository
func NewLedgerRepository(db *PostgresDB, cfg *LedgerRepositoryConfig) *LedgerRepository {
	r := &LedgerRepository{
		db:               db,
		backoffBase:      time.Minute,
		backoffMax:       4 * time.Hour,
		availabilityLag:  2 * time.Hour,
		staleClaimAfter:  15 * time.Minute,
		unavailableRetry: 30 * time.Minute,
	}

	if cfg != nil {
		if cfg.BackoffBase > 0 {
			r.backoffBase = cfg.BackoffBase
		}
		if cfg.BackoffMax > 0 {
			r.backoffMax = cfg.BackoffMax
		}
		if cfg.AvailabilityLag > 0 {
			r.availabilityLag = cfg.AvailabilityLag
		}
		if cfg.StaleClaimAfter > 0 {
			r.staleClaimAfter = cfg.StaleClaimAfter
		}
		if cfg.UnavailableRetry > 0 {
			r.unavailableRetry = cfg.UnavailableRetry
		}
	}

	return r
}

// SeedMissingHours ensures every hour in [now - lookback, now - availability
// lag) has a ledger row. Existing rows are never overwritten; the operation is
// idempotent. Returns the number of rows created.
func (r *LedgerRepository) SeedMissingHours(ctx context.Context, marketplace types.MarketplaceID, lookback time.Duration) (int, error) {
	now := time.Now().UTC()
	from := types.TruncateToHour(now.Add(-lookback))
	to := types.TruncateToHour(now.Add(-r.availabilityLag))

	return r.SeedHourRange(ctx, marketplace, from, to)
}

// SeedHourRange ensures every hour in [from, to) has a ledger row. Used
// directly by the fill-day trigger, which may target days older than the
// lookback window.
func (r *LedgerRepository) SeedHourRange(ctx context.Context, marketplace types.MarketplaceID, from, to time.Time) (int, error) {
	from = types.TruncateToHour(from.UTC())
	to = types.TruncateToHour(to.UTC())
	if !from.Before(to) {
		return 0, nil
	}

	// generate_series is inclusive on both ends
	query := `
		INSERT INTO hour_ledger (marketplace_id, hour_start, status, attempts, updated_at)
		SELECT $1, gs, 'missing', 0, NOW()
		FROM generate_series($2::timestamptz, $3::timestamptz, interval '1 hour') AS gs
		ON CONFLICT (marketplace_id, hour_start) DO NOTHING
	`

	result, err := r.db.Pool().Exec(ctx, query, string(marketplace), from, to.Add(-time.Hour))
	if err != nil {
		return 0, errors.NewDatabaseError("seed hour range", err)
	}

	return int(result.RowsAffected()), nil
}

// claim query: the oldest eligible hour is selected under FOR UPDATE SKIP
// LOCKED and atomically transitioned to REQUESTED. Eligible means MISSING and
// due, FAILED and due, or stuck in REQUESTED/DOWNLOADED long enough that the
// claiming worker's lock must have expired. Oldest-first ordering makes
// backfill converge toward full coverage instead of chasing the newest hour.
const claimQuery = `
	WITH candidate AS (
		SELECT marketplace_id, hour_start, status AS prev_status
		FROM hour_ledger
		WHERE marketplace_id = $1
		  AND hour_start >= $2
		  AND hour_start < $3
		  AND (
			(status = 'missing' AND (next_retry_at IS NULL OR next_retry_at <= $4))
			OR (status = 'failed' AND next_retry_at IS NOT NULL AND next_retry_at <= $4)
			OR (status IN ('requested', 'downloaded') AND updated_at <= $5)
		  )
		ORDER BY hour_start ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	)
	UPDATE hour_ledger h
	SET status = 'requested', updated_at = $4
	FROM candidate c
	WHERE h.marketplace_id = c.marketplace_id AND h.hour_start = c.hour_start
	RETURNING h.marketplace_id, h.hour_start, h.status, h.attempts,
	          h.last_error, h.next_retry_at, h.updated_at, c.prev_status
`

// ClaimNext selects the oldest claimable hour for the marketplace and
// atomically transitions it to REQUESTED. Returns (nil, nil) when no hour is
// eligible.
func (r *LedgerRepository) ClaimNext(ctx context.Context, marketplace types.MarketplaceID, now time.Time) (*models.HourRecord, error) {
	var farFuture = now.Add(100 * 365 * 24 * time.Hour)
	return r.claim(ctx, marketplace, time.Time{}, farFuture, now)
}

// ClaimNextInRange is ClaimNext restricted to hours in [from, to); used by the
// fill-day repair trigger.
func (r *LedgerRepository) ClaimNextInRange(ctx context.Context, marketplace types.MarketplaceID, from, to time.Time, now time.Time) (*models.HourRecord, error) {
	return r.claim(ctx, marketplace, from, to, now)
}

func (r *LedgerRepository) claim(ctx context.Context, marketplace types.MarketplaceID, from, to time.Time, now time.Time) (*models.HourRecord, error) {
	now = now.UTC()
	staleCutoff := now.Add(-r.staleClaimAfter)

	var rec models.HourRecord
	var marketplaceID string

	err := r.db.Pool().QueryRow(ctx, claimQuery,
		string(marketplace), from, to, now, staleCutoff,
	).Scan(
		&marketplaceID,
		&rec.HourStart,
		&rec.Status,
		&rec.Attempts,
		&rec.LastError,
		&rec.NextRetryAt,
		&rec.UpdatedAt,
		&rec.ClaimedFrom,
	)

	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.NewDatabaseError("claim next hour", err)
	}

	rec.Marketplace = types.MarketplaceID(marketplaceID)
	rec.HourStart = rec.HourStart.UTC()
	return &rec, nil
}

// MarkDownloaded transitions a claimed hour to DOWNLOADED
func (r *LedgerRepository) MarkDownloaded(ctx context.Context, rec *models.HourRecord) error {
	return r.transition(ctx, rec, types.HourDownloaded, []types.HourStatus{types.HourRequested})
}

// MarkApplied transitions a claimed hour to its terminal APPLIED state,
// clearing any recorded error and retry schedule.
func (r *LedgerRepository) MarkApplied(ctx context.Context, rec *models.HourRecord) error {
	query := `
		UPDATE hour_ledger
		SET status = 'applied', last_error = NULL, next_retry_at = NULL, updated_at = NOW()
		WHERE marketplace_id = $1 AND hour_start = $2 AND status IN ('requested', 'downloaded')
	`

	result, err := r.db.Pool().Exec(ctx, query, string(rec.Marketplace), rec.HourStart)
	if err != nil {
		return errors.NewDatabaseError("mark applied", err)
	}
	if result.RowsAffected() == 0 {
		return errors.NewConsistencyError(rec.Marketplace, rec.HourStart, "expected requested or downloaded when marking applied")
	}

	rec.Status = types.HourApplied
	return nil
}

// MarkFailed records a transient failure: attempts is incremented and
// next_retry_at is pushed out by capped exponential backoff so the hour
// becomes re-claimable once due.
func (r *LedgerRepository) MarkFailed(ctx context.Context, rec *models.HourRecord, cause error) error {
	attempts := rec.Attempts + 1
	delay := retry.BackoffDelay(r.backoffBase, r.backoffMax, attempts)
	nextRetry := time.Now().UTC().Add(delay)
	message := cause.Error()

	query := `
		UPDATE hour_ledger
		SET status = 'failed', attempts = $3, last_error = $4, next_retry_at = $5, updated_at = NOW()
		WHERE marketplace_id = $1 AND hour_start = $2
	`

	result, err := r.db.Pool().Exec(ctx, query,
		string(rec.Marketplace), rec.HourStart, attempts, message, nextRetry,
	)
	if err != nil {
		return errors.NewDatabaseError("mark failed", err)
	}
	if result.RowsAffected() == 0 {
		return errors.NewConsistencyError(rec.Marketplace, rec.HourStart, "ledger row vanished while marking failed")
	}

	rec.Status = types.HourFailed
	rec.Attempts = attempts
	rec.LastError = &message
	rec.NextRetryAt = &nextRetry
	return nil
}

// MarkRetryable returns a claimed hour to MISSING without any backoff
// penalty. Used when a quota interruption aborts the batch: the failure is
// not the hour's fault, so it is claimable again as soon as cooldown lifts.
func (r *LedgerRepository) MarkRetryable(ctx context.Context, rec *models.HourRecord) error {
	query := `
		UPDATE hour_ledger
		SET status = 'missing', next_retry_at = NULL, updated_at = NOW()
		WHERE marketplace_id = $1 AND hour_start = $2 AND status = 'requested'
	`

	result, err := r.db.Pool().Exec(ctx, query, string(rec.Marketplace), rec.HourStart)
	if err != nil {
		return errors.NewDatabaseError("mark retryable", err)
	}
	if result.RowsAffected() == 0 {
		return errors.NewConsistencyError(rec.Marketplace, rec.HourStart, "expected requested when returning hour to pool")
	}

	rec.Status = types.HourMissing
	rec.NextRetryAt = nil
	return nil
}

// MarkNotYetAvailable returns a claimed hour to MISSING with a re-check
// delay: the upstream has not published the window yet, so claiming it again
// immediately would just burn quota.
func (r *LedgerRepository) MarkNotYetAvailable(ctx context.Context, rec *models.HourRecord) error {
	nextRetry := time.Now().UTC().Add(r.unavailableRetry)
	message := "report data not yet published upstream"

	query := `
		UPDATE hour_ledger
		SET status = 'missing', last_error = $3, next_retry_at = $4, updated_at = NOW()
		WHERE marketplace_id = $1 AND hour_start = $2 AND status = 'requested'
	`

	result, err := r.db.Pool().Exec(ctx, query,
		string(rec.Marketplace), rec.HourStart, message, nextRetry,
	)
	if err != nil {
		return errors.NewDatabaseError("mark not yet available", err)
	}
	if result.RowsAffected() == 0 {
		return errors.NewConsistencyError(rec.Marketplace, rec.HourStart, "expected requested when deferring unpublished hour")
	}

	rec.Status = types.HourMissing
	rec.LastError = &message
	rec.NextRetryAt = &nextRetry
	return nil
}

// transition performs a guarded single-status transition
func (r *LedgerRepository) transition(ctx context.Context, rec *models.HourRecord, to types.HourStatus, from []types.HourStatus) error {
	query := `
		UPDATE hour_ledger
		SET status = $3, updated_at = NOW()
		WHERE marketplace_id = $1 AND hour_start = $2 AND status = ANY($4)
	`

	fromStrs := make([]string, len(from))
	for i, s := range from {
		fromStrs[i] = string(s)
	}

	result, err := r.db.Pool().Exec(ctx, query,
		string(rec.Marketplace), rec.HourStart, string(to), fromStrs,
	)
	if err != nil {
		return errors.NewDatabaseError(fmt.Sprintf("mark %s", to), err)
	}
	if result.RowsAffected() == 0 {
		return errors.NewConsistencyError(rec.Marketplace, rec.HourStart, fmt.Sprintf("expected one of %v when marking %s", from, to))
	}

	rec.Status = to
	return nil
}

// Get retrieves a single ledger row
func (r *LedgerRepository) Get(ctx context.Context, marketplace types.MarketplaceID, hour time.Time) (*models.HourRecord, error) {
	query := `
		SELECT marketplace_id, hour_start, status, attempts, last_error, next_retry_at, updated_at
		FROM hour_ledger
		WHERE marketplace_id = $1 AND hour_start = $2
	`

	var rec models.HourRecord
	var marketplaceID string

	err := r.db.Pool().QueryRow(ctx, query, string(marketplace), types.TruncateToHour(hour)).Scan(
		&marketplaceID,
		&rec.HourStart,
		&rec.Status,
		&rec.Attempts,
		&rec.LastError,
		&rec.NextRetryAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, errors.NewNotFoundError("ledger hour", fmt.Sprintf("%s/%s", marketplace, hour.Format(time.RFC3339)))
		}
		return nil, errors.NewDatabaseError("get ledger hour", err)
	}

	rec.Marketplace = types.MarketplaceID(marketplaceID)
	rec.HourStart = rec.HourStart.UTC()
	return &rec, nil
}

// StatusCounts returns the number of ledger rows per status
func (r *LedgerRepository) StatusCounts(ctx context.Context, marketplace types.MarketplaceID) (map[types.HourStatus]int, error) {
	query := `
		SELECT status, COUNT(*)
		FROM hour_ledger
		WHERE marketplace_id = $1
		GROUP BY status
	`

	rows, err := r.db.Pool().Query(ctx, query, string(marketplace))
	if err != nil {
		return nil, errors.NewDatabaseError("status counts", err)
	}
	defer rows.Close()

	counts := make(map[types.HourStatus]int)
	for _, s := range types.AllHourStatuses {
		counts[s] = 0
	}

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, errors.NewDatabaseError("scan status counts", err)
		}
		counts[types.HourStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewDatabaseError("iterate status counts", err)
	}

	return counts, nil
}

// LatestApplied returns the most recent APPLIED hour, or nil when none exists
func (r *LedgerRepository) LatestApplied(ctx context.Context, marketplace types.MarketplaceID) (*time.Time, error) {
	query := `
		SELECT MAX(hour_start)
		FROM hour_ledger
		WHERE marketplace_id = $1 AND status = 'applied'
	`

	var latest *time.Time
	if err := r.db.Pool().QueryRow(ctx, query, string(marketplace)).Scan(&latest); err != nil {
		return nil, errors.NewDatabaseError("latest applied", err)
	}
	if latest != nil {
		utc := latest.UTC()
		latest = &utc
	}

	return latest, nil
}

// NextClaimable returns the hour the next claim would select, or nil when no
// hour is currently eligible. Read-only projection for the status endpoint.
func (r *LedgerRepository) NextClaimable(ctx context.Context, marketplace types.MarketplaceID, now time.Time) (*time.Time, error) {
	now = now.UTC()
	staleCutoff := now.Add(-r.staleClaimAfter)

	query := `
		SELECT MIN(hour_start)
		FROM hour_ledger
		WHERE marketplace_id = $1
		  AND (
			(status = 'missing' AND (next_retry_at IS NULL OR next_retry_at <= $2))
			OR (status = 'failed' AND next_retry_at IS NOT NULL AND next_retry_at <= $2)
			OR (status IN ('requested', 'downloaded') AND updated_at <= $3)
		  )
	`

	var next *time.Time
	if err := r.db.Pool().QueryRow(ctx, query, string(marketplace), now, staleCutoff).Scan(&next); err != nil {
		return nil, errors.NewDatabaseError("next claimable", err)
	}
	if next != nil {
		utc := next.UTC()
		next = &utc
	}

	return next, nil
}

// LastFailure returns the most recently updated FAILED row, or nil when none
// exists. Surfaced in the status endpoint so an operator can diagnose without
// reading logs.
func (r *LedgerRepository) LastFailure(ctx context.Context, marketplace types.MarketplaceID) (*models.HourRecord, error) {
	query := `
		SELECT marketplace_id, hour_start, status, attempts, last_error, next_retry_at, updated_at
		FROM hour_ledger
		WHERE marketplace_id = $1 AND status = 'failed'
		ORDER BY updated_at DESC
		LIMIT 1
	`

	var rec models.HourRecord
	var marketplaceID string

	err := r.db.Pool().QueryRow(ctx, query, string(marketplace)).Scan(
		&marketplaceID,
		&rec.HourStart,
		&rec.Status,
		&rec.Attempts,
		&rec.LastError,
		&rec.NextRetryAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.NewDatabaseError("last failure", err)
	}

	rec.Marketplace = types.MarketplaceID(marketplaceID)
	rec.HourStart = rec.HourStart.UTC()
	return &rec, nil
}
