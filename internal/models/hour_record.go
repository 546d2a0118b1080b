package models

import (
	"time"

	"github.com/vendor-desk/internal/types"
)

// HourRecord is one row of the ingestion ledger: the state of a single
// clock hour (in UTC) for a single marketplace. Exactly one row exists per
// (marketplace, hour_start) pair once seeded; rows are never deleted.
type HourRecord struct {
	Marketplace types.MarketplaceID `json:"marketplace"`
	HourStart   time.Time           `json:"hourStart"`
	Status      types.HourStatus    `json:"status"`
	Attempts    int                 `json:"attempts"`
	LastError   *string             `json:"lastError,omitempty"`
	NextRetryAt *time.Time          `json:"nextRetryAt,omitempty"`
	UpdatedAt   time.Time           `json:"updatedAt"`

	// ClaimedFrom is the status the row held immediately before the claim
	// transitioned it to REQUESTED. Populated only by ClaimNext; a claim out
	// of DOWNLOADED routes through the finalize path instead of re-fetching.
	ClaimedFrom types.HourStatus `json:"-"`
}

// HourEnd returns the exclusive end of the record's hour window
func (r *HourRecord) HourEnd() time.Time {
	return r.HourStart.Add(time.Hour)
}

// IsTerminal reports whether the record has reached its terminal success state
func (r *HourRecord) IsTerminal() bool {
	return r.Status == types.HourApplied
}
