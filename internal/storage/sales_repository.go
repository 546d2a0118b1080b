package storage

import (
	"context"
	"time"

	"github.com/vendor-desk/internal/errors"
	"github.com/vendor-desk/internal/models"
	"github.com/vendor-desk/internal/types"
)

// SalesRepository writes hourly sales rows to ClickHouse. The table is a
// ReplacingMergeTree keyed on (marketplace, asin, hour_start), so re-applying
// the same hour replaces rather than duplicates: the applier never needs a
// read-before-write.
type SalesRepository struct {
	db *ClickHouseDB
}

// NewSalesRepository creates a new sales repository
func NewSalesRepository(db *ClickHouseDB) *SalesRepository {
	return &SalesRepository{db: db}
}

// InsertRows writes a batch of sales rows
func (r *SalesRepository) InsertRows(ctx context.Context, rows []models.SalesRow) error {
	if len(rows) == 0 {
		return nil
	}

	batch, err := r.db.Conn().PrepareBatch(ctx, `
		INSERT INTO hourly_sales (
			marketplace_id, asin, hour_start,
			units_ordered, ordered_revenue, currency, updated_at
		)
	`)
	if err != nil {
		return errors.NewDatabaseError("prepare sales batch", err)
	}

	now := time.Now().UTC()
	for _, row := range rows {
		updatedAt := row.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = now
		}
		if err := batch.Append(
			string(row.Marketplace),
			row.ASIN,
			row.HourStart,
			row.UnitsOrdered,
			row.OrderedRevenue,
			row.Currency,
			updatedAt,
		); err != nil {
			return errors.NewDatabaseError("append sales row", err)
		}
	}

	if err := batch.Send(); err != nil {
		return errors.NewDatabaseError("send sales batch", err)
	}

	return nil
}

// CountForHour returns the number of sales rows recorded for one ledger hour.
// FINAL collapses ReplacingMergeTree versions so re-applied hours count once.
func (r *SalesRepository) CountForHour(ctx context.Context, marketplace types.MarketplaceID, hourStart time.Time) (uint64, error) {
	query := `
		SELECT COUNT(*)
		FROM hourly_sales FINAL
		WHERE marketplace_id = ? AND hour_start = ?
	`

	var count uint64
	err := r.db.Conn().QueryRow(ctx, query, string(marketplace), hourStart).Scan(&count)
	if err != nil {
		return 0, errors.NewDatabaseError("count sales for hour", err)
	}

	return count, nil
}

// SalesSummaryRow is one hour bucket of the sales summary projection
type SalesSummaryRow struct {
	HourStart      time.Time `json:"hour_start"`
	UnitsOrdered   int64     `json:"units_ordered"`
	OrderedRevenue float64   `json:"ordered_revenue"`
	DistinctASINs  uint64    `json:"distinct_asins"`
}

// Summary aggregates sales per hour over [from, to) for the read-side summary
// endpoint.
func (r *SalesRepository) Summary(ctx context.Context, marketplace types.MarketplaceID, from, to time.Time) ([]SalesSummaryRow, error) {
	query := `
		SELECT
			hour_start,
			SUM(units_ordered) AS units_ordered,
			SUM(ordered_revenue) AS ordered_revenue,
			COUNT(DISTINCT asin) AS distinct_asins
		FROM hourly_sales FINAL
		WHERE marketplace_id = ? AND hour_start >= ? AND hour_start < ?
		GROUP BY hour_start
		ORDER BY hour_start ASC
	`

	rows, err := r.db.Conn().Query(ctx, query, string(marketplace), from, to)
	if err != nil {
		return nil, errors.NewDatabaseError("sales summary", err)
	}
	defer rows.Close()

	var summary []SalesSummaryRow
	for rows.Next() {
		var row SalesSummaryRow
		if err := rows.Scan(&row.HourStart, &row.UnitsOrdered, &row.OrderedRevenue, &row.DistinctASINs); err != nil {
			return nil, errors.NewDatabaseError("scan sales summary", err)
		}
		row.HourStart = row.HourStart.UTC()
		summary = append(summary, row)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewDatabaseError("iterate sales summary", err)
	}

	return summary, nil
}
