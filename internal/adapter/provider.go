// Package adapter provides clients for the vendor reporting API.
package adapter

import (
	"context"
	"time"

	"github.com/vendor-desk/internal/types"
)

// ReportProvider defines the interface for fetching hourly sales report data
type ReportProvider interface {
	// FetchHourRange requests, waits for, and downloads the sales report
	// covering [start, end). Returns the decompressed report payload.
	//
	// Error contract: a quota rejection comes back as a quota-exceeded
	// error, an upstream cancellation (data not yet published) as a
	// report-unavailable error, and everything else as transient.
	FetchHourRange(ctx context.Context, marketplace types.MarketplaceID, start, end time.Time) ([]byte, error)
}

// Report processing statuses returned by the reporting API
const (
	StatusInQueue    = "IN_QUEUE"
	StatusInProgress = "IN_PROGRESS"
	StatusDone       = "DONE"
	StatusCancelled  = "CANCELLED"
	StatusFatal      = "FATAL"
)

// reportType is the only report this service requests
const reportType = "VENDOR_SALES_BY_HOUR"
