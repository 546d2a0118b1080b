package models

import (
	"time"

	"github.com/vendor-desk/internal/types"
)

// WorkerLock is the advisory lease row that serializes ingestion workers for
// a marketplace. A lock is held iff ExpiresAt is in the future; an expired
// row is stale and may be taken over by any worker. Release is best-effort:
// the TTL alone guarantees eventual reclaimability after a crash.
type WorkerLock struct {
	Marketplace types.MarketplaceID `json:"marketplace"`
	Owner       string              `json:"owner"`
	ExpiresAt   time.Time           `json:"expiresAt"`
	AcquiredAt  time.Time           `json:"acquiredAt"`

	// ReplacedOwner is the owner of the expired lease this acquisition
	// displaced. Populated only by TryAcquire when it takes over a stale
	// lock; empty on a fresh acquire or a re-entrant refresh. The caller
	// must log the takeover so a crashed worker's disappearance is visible.
	ReplacedOwner string `json:"-"`
}

// State classifies the lock relative to now
func (l *WorkerLock) State(now time.Time) types.LockState {
	if l == nil {
		return types.LockFree
	}
	if l.ExpiresAt.After(now) {
		return types.LockHeld
	}
	return types.LockStale
}

// HeldBy reports whether the lock is currently held by owner
func (l *WorkerLock) HeldBy(owner string, now time.Time) bool {
	return l != nil && l.Owner == owner && l.ExpiresAt.After(now)
}
