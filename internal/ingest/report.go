// Package ingest parses downloaded sales reports and applies them to storage.
package ingest

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/vendor-desk/internal/errors"
	"github.com/vendor-desk/internal/models"
	"github.com/vendor-desk/internal/types"
)

// report columns, in header order
const (
	colASIN = iota
	colHourStart
	colUnitsOrdered
	colOrderedRevenue
	colCurrency
	columnCount
)

// ParseReport parses a tab-separated sales report into rows. The first line
// is a header and is validated, not trusted: a column drift upstream should
// fail loudly rather than silently misassign values.
func ParseReport(marketplace types.MarketplaceID, payload []byte) ([]models.SalesRow, error) {
	reader := csv.NewReader(bytes.NewReader(payload))
	reader.Comma = '\t'
	reader.FieldsPerRecord = columnCount

	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, errors.NewTransientError("parse report header", err)
	}
	if err := validateHeader(header); err != nil {
		return nil, err
	}

	var rows []models.SalesRow
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, errors.NewTransientError("parse report", fmt.Errorf("line %d: %w", line, err))
		}

		row, err := parseRecord(marketplace, record)
		if err != nil {
			return nil, errors.NewTransientError("parse report", fmt.Errorf("line %d: %w", line, err))
		}
		rows = append(rows, row)
	}

	return rows, nil
}

var expectedHeader = []string{"asin", "hour_start", "units_ordered", "ordered_revenue", "currency"}

func validateHeader(header []string) error {
	for i, want := range expectedHeader {
		if strings.TrimSpace(strings.ToLower(header[i])) != want {
			return errors.NewTransientError("parse report",
				fmt.Errorf("unexpected header column %d: got %q, want %q", i, header[i], want))
		}
	}
	return nil
}

func parseRecord(marketplace types.MarketplaceID, record []string) (models.SalesRow, error) {
	asin := strings.TrimSpace(record[colASIN])
	if asin == "" {
		return models.SalesRow{}, fmt.Errorf("empty asin")
	}

	hourStart, err := time.Parse(time.RFC3339, strings.TrimSpace(record[colHourStart]))
	if err != nil {
		return models.SalesRow{}, fmt.Errorf("bad hour_start %q: %w", record[colHourStart], err)
	}

	units, err := strconv.ParseInt(strings.TrimSpace(record[colUnitsOrdered]), 10, 64)
	if err != nil {
		return models.SalesRow{}, fmt.Errorf("bad units_ordered %q: %w", record[colUnitsOrdered], err)
	}
	if units < 0 {
		return models.SalesRow{}, fmt.Errorf("negative units_ordered %d", units)
	}

	revenue, err := strconv.ParseFloat(strings.TrimSpace(record[colOrderedRevenue]), 64)
	if err != nil {
		return models.SalesRow{}, fmt.Errorf("bad ordered_revenue %q: %w", record[colOrderedRevenue], err)
	}

	currency := strings.TrimSpace(record[colCurrency])
	if len(currency) != 3 {
		return models.SalesRow{}, fmt.Errorf("bad currency %q", currency)
	}

	return models.SalesRow{
		Marketplace:    marketplace,
		ASIN:           asin,
		HourStart:      types.TruncateToHour(hourStart.UTC()),
		UnitsOrdered:   units,
		OrderedRevenue: revenue,
		Currency:       strings.ToUpper(currency),
	}, nil
}
