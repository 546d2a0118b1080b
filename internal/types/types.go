// Package types defines shared types used across the vendor desk application.
package types

import "time"

// MarketplaceID identifies a marketplace the vendor sells on
type MarketplaceID string

const (
	MarketplaceUS MarketplaceID = "US"
	MarketplaceCA MarketplaceID = "CA"
	MarketplaceMX MarketplaceID = "MX"
	MarketplaceUK MarketplaceID = "UK"
	MarketplaceDE MarketplaceID = "DE"
)

// AllMarketplaces lists every marketplace the application knows about
var AllMarketplaces = []MarketplaceID{
	MarketplaceUS,
	MarketplaceCA,
	MarketplaceMX,
	MarketplaceUK,
	MarketplaceDE,
}

// IsValidMarketplace reports whether id is a known marketplace
func IsValidMarketplace(id MarketplaceID) bool {
	for _, m := range AllMarketplaces {
		if m == id {
			return true
		}
	}
	return false
}

// HourStatus represents the ingestion state of a single clock hour
type HourStatus string

const (
	// HourMissing means the hour has been seeded but never ingested
	HourMissing HourStatus = "missing"
	// HourRequested means a worker has claimed the hour and a report is in flight
	HourRequested HourStatus = "requested"
	// HourDownloaded means the report was downloaded but not yet applied
	HourDownloaded HourStatus = "downloaded"
	// HourApplied means the hour's sales rows are written (terminal success)
	HourApplied HourStatus = "applied"
	// HourFailed means the last attempt failed; re-claimable once next_retry_at is due
	HourFailed HourStatus = "failed"
)

// AllHourStatuses lists every ledger status, in lifecycle order
var AllHourStatuses = []HourStatus{
	HourMissing,
	HourRequested,
	HourDownloaded,
	HourApplied,
	HourFailed,
}

// LockState describes the observable state of a worker lock
type LockState string

const (
	LockFree  LockState = "free"
	LockHeld  LockState = "held"
	LockStale LockState = "stale"
)

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}

// TruncateToHour truncates t to the start of its hour in UTC
func TruncateToHour(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

// HoursBetween returns every hour start in [from, to), ascending.
// Both bounds are truncated to hour boundaries first.
func HoursBetween(from, to time.Time) []time.Time {
	from = TruncateToHour(from)
	to = TruncateToHour(to)

	var hours []time.Time
	for h := from; h.Before(to); h = h.Add(time.Hour) {
		hours = append(hours, h)
	}
	return hours
}
