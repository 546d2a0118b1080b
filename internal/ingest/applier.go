package ingest

import (
	"context"
	"log"
	"time"

	"github.com/vendor-desk/internal/models"
	"github.com/vendor-desk/internal/types"
)

// SalesWriter is the sales-side storage the applier writes to
type SalesWriter interface {
	InsertRows(ctx context.Context, rows []models.SalesRow) error
	CountForHour(ctx context.Context, marketplace types.MarketplaceID, hourStart time.Time) (uint64, error)
}

// LedgerMarker is the ledger-side transition the applier performs on success
type LedgerMarker interface {
	MarkApplied(ctx context.Context, rec *models.HourRecord) error
}

// Applier writes parsed report rows for a claimed hour and finalizes the
// ledger. The sales table replaces on (marketplace, asin, hour_start), so
// applying the same hour twice converges to the same state.
type Applier struct {
	sales  SalesWriter
	ledger LedgerMarker
}

// NewApplier creates a new applier
func NewApplier(sales SalesWriter, ledger LedgerMarker) *Applier {
	return &Applier{sales: sales, ledger: ledger}
}

// Apply writes the rows belonging to the claimed hour and marks it APPLIED.
// Rows outside the claimed hour are dropped: reports occasionally bleed a
// neighboring window, and those hours have their own ledger rows.
func (a *Applier) Apply(ctx context.Context, rec *models.HourRecord, rows []models.SalesRow) error {
	matched := make([]models.SalesRow, 0, len(rows))
	dropped := 0
	for _, row := range rows {
		if row.HourStart.Equal(rec.HourStart) {
			matched = append(matched, row)
		} else {
			dropped++
		}
	}
	if dropped > 0 {
		log.Printf("[Applier] Dropped %d rows outside hour %s for %s",
			dropped, rec.HourStart.Format(time.RFC3339), rec.Marketplace)
	}

	if err := a.sales.InsertRows(ctx, matched); err != nil {
		return err
	}

	// An empty report is a valid terminal outcome: the marketplace had no
	// sales that hour.
	return a.ledger.MarkApplied(ctx, rec)
}

// Finalize handles an hour claimed back from DOWNLOADED after a crash. When
// sales rows already landed for the hour, the previous run died between write
// and mark; marking APPLIED is all that is left. Returns false when no rows
// exist and the caller must fetch the report again.
func (a *Applier) Finalize(ctx context.Context, rec *models.HourRecord) (bool, error) {
	count, err := a.sales.CountForHour(ctx, rec.Marketplace, rec.HourStart)
	if err != nil {
		return false, err
	}
	if count == 0 {
		return false, nil
	}

	log.Printf("[Applier] Recovered %d previously written rows for %s hour %s, marking applied",
		count, rec.Marketplace, rec.HourStart.Format(time.RFC3339))

	if err := a.ledger.MarkApplied(ctx, rec); err != nil {
		return false, err
	}
	return true, nil
}
