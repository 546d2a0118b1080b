package models

import (
	"time"

	"github.com/vendor-desk/internal/types"
)

// SalesRow is one normalized hourly sales figure: ordered units and revenue
// for a single ASIN in a single clock hour. The ingestion subsystem is the
// sole writer; summary features read it by time window and ASIN.
//
// Rows are keyed by (marketplace, asin, hour_start) and upserted
// idempotently, so re-applying a downloaded report for an already-ingested
// hour converges to the same final state.
type SalesRow struct {
	Marketplace    types.MarketplaceID `json:"marketplace"`
	ASIN           string              `json:"asin"`
	HourStart      time.Time           `json:"hourStart"`
	UnitsOrdered   int64               `json:"unitsOrdered"`
	OrderedRevenue float64             `json:"orderedRevenue"`
	Currency       string              `json:"currency"`
	UpdatedAt      time.Time           `json:"updatedAt"`
}
