package adapter

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/vendor-desk/internal/errors"
	"github.com/vendor-desk/internal/retry"
	"github.com/vendor-desk/internal/types"
)

// ReportsClient talks to the vendor reporting API. Every report is fetched in
// three phases: create the report request, poll until processing finishes,
// then download the generated document. A shared token-bucket limiter paces
// all outgoing calls so polling cannot starve the create budget.
type ReportsClient struct {
	apiToken   string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter

	pollInterval time.Duration
	pollTimeout  time.Duration
}

// ReportsClientConfig configures the reports client
type ReportsClientConfig struct {
	BaseURL           string
	APIToken          string
	RequestsPerSecond float64       // upstream budget, default 0.5
	PollInterval      time.Duration // default 15s
	PollTimeout       time.Duration // default 10m
	HTTPTimeout       time.Duration // default 30s
}

// NewReportsClient creates a new reports client
func NewReportsClient(cfg *ReportsClientConfig) *ReportsClient {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 0.5
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 15 * time.Second
	}
	pollTimeout := cfg.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = 10 * time.Minute
	}
	httpTimeout := cfg.HTTPTimeout
	if httpTimeout <= 0 {
		httpTimeout = 30 * time.Second
	}

	return &ReportsClient{
		apiToken:     cfg.APIToken,
		baseURL:      cfg.BaseURL,
		httpClient:   &http.Client{Timeout: httpTimeout},
		limiter:      rate.NewLimiter(rate.Limit(rps), 1),
		pollInterval: pollInterval,
		pollTimeout:  pollTimeout,
	}
}

type createReportRequest struct {
	ReportType     string   `json:"reportType"`
	MarketplaceIDs []string `json:"marketplaceIds"`
	DataStartTime  string   `json:"dataStartTime"`
	DataEndTime    string   `json:"dataEndTime"`
}

type createReportResponse struct {
	ReportID string `json:"reportId"`
}

type reportStatusResponse struct {
	ReportID         string `json:"reportId"`
	ProcessingStatus string `json:"processingStatus"`
	DocumentID       string `json:"reportDocumentId"`
}

type documentResponse struct {
	DocumentID           string `json:"reportDocumentId"`
	URL                  string `json:"url"`
	CompressionAlgorithm string `json:"compressionAlgorithm"`
}

// FetchHourRange runs the full create/poll/download sequence for [start, end)
// and returns the decompressed report payload.
func (c *ReportsClient) FetchHourRange(ctx context.Context, marketplace types.MarketplaceID, start, end time.Time) ([]byte, error) {
	reportID, err := c.createReport(ctx, marketplace, start, end)
	if err != nil {
		return nil, err
	}

	documentID, err := c.waitForReport(ctx, marketplace, reportID, start, end)
	if err != nil {
		return nil, err
	}

	return c.downloadDocument(ctx, documentID)
}

// createReport submits the report request and returns the report ID
func (c *ReportsClient) createReport(ctx context.Context, marketplace types.MarketplaceID, start, end time.Time) (string, error) {
	payload, err := json.Marshal(createReportRequest{
		ReportType:     reportType,
		MarketplaceIDs: []string{string(marketplace)},
		DataStartTime:  start.UTC().Format(time.RFC3339),
		DataEndTime:    end.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return "", errors.NewInternalError("marshal report request", err)
	}

	var created createReportResponse
	err = c.doJSON(ctx, marketplace, http.MethodPost, c.baseURL+"/reports", payload, &created)
	if err != nil {
		return "", err
	}
	if created.ReportID == "" {
		return "", errors.NewTransientError("create report", fmt.Errorf("empty reportId in response"))
	}

	log.Printf("[Reports] Created report %s for %s [%s, %s)",
		created.ReportID, marketplace,
		start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339))

	return created.ReportID, nil
}

// waitForReport polls the report until it reaches a terminal processing
// status, returning the document ID on success.
func (c *ReportsClient) waitForReport(ctx context.Context, marketplace types.MarketplaceID, reportID string, start, end time.Time) (string, error) {
	deadline := time.Now().Add(c.pollTimeout)

	for {
		if time.Now().After(deadline) {
			return "", errors.NewTransientError("poll report",
				fmt.Errorf("report %s not ready after %s", reportID, c.pollTimeout))
		}

		var status reportStatusResponse
		err := c.doJSON(ctx, marketplace, http.MethodGet, c.baseURL+"/reports/"+reportID, nil, &status)
		if err != nil {
			return "", err
		}

		switch status.ProcessingStatus {
		case StatusDone:
			if status.DocumentID == "" {
				return "", errors.NewTransientError("poll report",
					fmt.Errorf("report %s done but no document id", reportID))
			}
			return status.DocumentID, nil
		case StatusCancelled:
			// The API cancels requests for windows it has no data for yet
			return "", errors.NewReportUnavailableError(marketplace, start, end)
		case StatusFatal:
			return "", errors.NewTransientError("poll report",
				fmt.Errorf("report %s failed upstream with FATAL", reportID))
		case StatusInQueue, StatusInProgress:
			// keep waiting
		default:
			return "", errors.NewTransientError("poll report",
				fmt.Errorf("report %s in unknown status %q", reportID, status.ProcessingStatus))
		}

		select {
		case <-time.After(c.pollInterval):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// downloadDocument fetches the document metadata, downloads the payload from
// the signed URL, and decompresses it.
func (c *ReportsClient) downloadDocument(ctx context.Context, documentID string) ([]byte, error) {
	var doc documentResponse
	err := c.doJSON(ctx, "", http.MethodGet, c.baseURL+"/documents/"+documentID, nil, &doc)
	if err != nil {
		return nil, err
	}
	if doc.URL == "" {
		return nil, errors.NewTransientError("download document",
			fmt.Errorf("document %s has no download url", documentID))
	}

	var body []byte
	err = retry.WithExponentialBackoff(ctx, retry.DefaultConfig(), func(ctx context.Context, attempt int) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, doc.URL, nil)
		if err != nil {
			return retry.Permanent(errors.NewInternalError("build download request", err))
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("download document: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("download document: status=%d", resp.StatusCode)
		}

		body, err = io.ReadAll(resp.Body)
		return err
	})
	if err != nil {
		return nil, errors.NewTransientError("download document", err)
	}

	if doc.CompressionAlgorithm == "GZIP" {
		gz, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, errors.NewTransientError("decompress document", err)
		}
		defer gz.Close()

		body, err = io.ReadAll(gz)
		if err != nil {
			return nil, errors.NewTransientError("decompress document", err)
		}
	}

	return body, nil
}

// doJSON performs one rate-limited API call with transport-level retries and
// decodes the JSON response into out. HTTP 429 short-circuits the retry loop:
// the quota budget is spent and more attempts only dig the hole deeper.
func (c *ReportsClient) doJSON(ctx context.Context, marketplace types.MarketplaceID, method, url string, payload []byte, out interface{}) error {
	err := retry.WithExponentialBackoff(ctx, retry.DefaultConfig(), func(ctx context.Context, attempt int) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return retry.Permanent(err)
		}

		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}

		req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
		if err != nil {
			return retry.Permanent(errors.NewInternalError("build API request", err))
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Api-Token", c.apiToken)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("reports API request: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read reports API response: %w", err)
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return retry.Permanent(errors.NewQuotaExceededError(marketplace,
				fmt.Errorf("reports API returned 429: %s", truncateBody(body))))
		case resp.StatusCode >= 500:
			return fmt.Errorf("reports API error: status=%d, body=%s", resp.StatusCode, truncateBody(body))
		case resp.StatusCode >= 400:
			return retry.Permanent(errors.NewTransientError("reports API",
				fmt.Errorf("status=%d, body=%s", resp.StatusCode, truncateBody(body))))
		}

		if out != nil {
			if err := json.Unmarshal(body, out); err != nil {
				return fmt.Errorf("parse reports API response: %w", err)
			}
		}
		return nil
	})
	if err == nil {
		return nil
	}

	var categorized *errors.CategorizedError
	if stderrors.As(err, &categorized) {
		return err
	}
	return errors.NewTransientError("reports API", err)
}

func truncateBody(body []byte) string {
	const max = 256
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
