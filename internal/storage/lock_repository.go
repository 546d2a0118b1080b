package storage

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/vendor-desk/internal/errors"
	"github.com/vendor-desk/internal/models"
	"github.com/vendor-desk/internal/types"
)

// LockRepository implements the per-marketplace worker lease. A lock row is a
// lease, not a mutex: it expires at expires_at regardless of what the holder
// is doing, so a crashed worker never wedges a marketplace for longer than
// the TTL.
type LockRepository struct {
	db  *PostgresDB
	ttl time.Duration
}

// NewLockRepository creates a new lock repository
func NewLockRepository(db *PostgresDB, ttl time.Duration) *LockRepository {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &LockRepository{db: db, ttl: ttl}
}

// TTL returns the lease duration granted on acquire and refresh
func (r *LockRepository) TTL() time.Duration {
	return r.ttl
}

// TryAcquire attempts to take the marketplace lease for owner. It succeeds
// when no row exists, when the existing lease has expired, or when the caller
// already holds it (re-entrant refresh). On contention it returns
// (false, holder, nil) so the caller can log who holds the lease and until
// when.
func (r *LockRepository) TryAcquire(ctx context.Context, marketplace types.MarketplaceID, owner string, now time.Time) (bool, *models.WorkerLock, error) {
	now = now.UTC()
	expiresAt := now.Add(r.ttl)

	// Single-statement compare-and-swap: the conflict branch only wins when
	// the current lease is expired or already ours. The prev CTE snapshots
	// the row before the upsert so a stale takeover can name the owner it
	// displaced.
	query := `
		WITH prev AS (
			SELECT owner FROM worker_locks WHERE marketplace_id = $1
		)
		INSERT INTO worker_locks (marketplace_id, owner, acquired_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (marketplace_id) DO UPDATE
		SET owner = EXCLUDED.owner,
		    acquired_at = CASE
				WHEN worker_locks.owner = EXCLUDED.owner AND worker_locks.expires_at > $3
					THEN worker_locks.acquired_at
				ELSE EXCLUDED.acquired_at
			END,
		    expires_at = EXCLUDED.expires_at
		WHERE worker_locks.expires_at <= $3 OR worker_locks.owner = EXCLUDED.owner
		RETURNING owner, acquired_at, expires_at, (SELECT owner FROM prev)
	`

	var lock models.WorkerLock
	var prevOwner *string
	err := r.db.Pool().QueryRow(ctx, query, string(marketplace), owner, now, expiresAt).Scan(
		&lock.Owner, &lock.AcquiredAt, &lock.ExpiresAt, &prevOwner,
	)
	if err == nil {
		lock.Marketplace = marketplace
		// A different previous owner means the conflict branch won over an
		// expired lease, not a re-entrant refresh.
		if prevOwner != nil && *prevOwner != owner {
			lock.ReplacedOwner = *prevOwner
		}
		return true, &lock, nil
	}
	if !stderrors.Is(err, pgx.ErrNoRows) {
		return false, nil, errors.NewDatabaseError("acquire worker lock", err)
	}

	// Conflict branch lost: someone else holds a live lease. Read it so the
	// caller can report the holder.
	holder, err := r.Get(ctx, marketplace)
	if err != nil {
		return false, nil, err
	}
	return false, holder, nil
}

// Refresh extends the caller's lease by the TTL. Returns false when the lease
// is no longer held by owner, whether expired, taken over, or released. A false
// return means the caller must abort its cycle immediately: another worker
// may already be processing the same marketplace.
func (r *LockRepository) Refresh(ctx context.Context, marketplace types.MarketplaceID, owner string, now time.Time) (bool, error) {
	now = now.UTC()
	expiresAt := now.Add(r.ttl)

	query := `
		UPDATE worker_locks
		SET expires_at = $4
		WHERE marketplace_id = $1 AND owner = $2 AND expires_at > $3
	`

	result, err := r.db.Pool().Exec(ctx, query, string(marketplace), owner, now, expiresAt)
	if err != nil {
		return false, errors.NewDatabaseError("refresh worker lock", err)
	}

	return result.RowsAffected() > 0, nil
}

// Release drops the lease if owner still holds it. Releasing a lease you no
// longer hold is a no-op, not an error: the TTL already handed it on.
func (r *LockRepository) Release(ctx context.Context, marketplace types.MarketplaceID, owner string) error {
	query := `
		DELETE FROM worker_locks
		WHERE marketplace_id = $1 AND owner = $2
	`

	if _, err := r.db.Pool().Exec(ctx, query, string(marketplace), owner); err != nil {
		return errors.NewDatabaseError("release worker lock", err)
	}
	return nil
}

// Get returns the current lock row for a marketplace, or nil when none exists
func (r *LockRepository) Get(ctx context.Context, marketplace types.MarketplaceID) (*models.WorkerLock, error) {
	query := `
		SELECT owner, acquired_at, expires_at
		FROM worker_locks
		WHERE marketplace_id = $1
	`

	var lock models.WorkerLock
	err := r.db.Pool().QueryRow(ctx, query, string(marketplace)).Scan(
		&lock.Owner, &lock.AcquiredAt, &lock.ExpiresAt,
	)
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.NewDatabaseError("get worker lock", err)
	}

	lock.Marketplace = marketplace
	return &lock, nil
}
