package adapter

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vendor-desk/internal/errors"
	"github.com/vendor-desk/internal/types"
)

// fakeReportsAPI simulates the reporting API's three-phase exchange
type fakeReportsAPI struct {
	mux          *http.ServeMux
	server       *httptest.Server
	pollsForDone int32 // polls before DONE
	finalStatus  string
	payload      []byte
	gzipped      bool

	createCalls int32
	pollCalls   int32
}

func newFakeReportsAPI(t *testing.T) *fakeReportsAPI {
	t.Helper()

	f := &fakeReportsAPI{
		mux:         http.NewServeMux(),
		finalStatus: StatusDone,
	}

	f.mux.HandleFunc("/reports", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.createCalls, 1)
		json.NewEncoder(w).Encode(map[string]string{"reportId": "rep-1"})
	})
	f.mux.HandleFunc("/reports/rep-1", func(w http.ResponseWriter, r *http.Request) {
		polls := atomic.AddInt32(&f.pollCalls, 1)
		status := StatusInProgress
		resp := map[string]string{"reportId": "rep-1", "processingStatus": status}
		if polls > atomic.LoadInt32(&f.pollsForDone) {
			resp["processingStatus"] = f.finalStatus
			if f.finalStatus == StatusDone {
				resp["reportDocumentId"] = "doc-1"
			}
		}
		json.NewEncoder(w).Encode(resp)
	})
	f.mux.HandleFunc("/documents/doc-1", func(w http.ResponseWriter, r *http.Request) {
		compression := ""
		if f.gzipped {
			compression = "GZIP"
		}
		json.NewEncoder(w).Encode(map[string]string{
			"reportDocumentId":     "doc-1",
			"url":                  f.server.URL + "/download/doc-1",
			"compressionAlgorithm": compression,
		})
	})
	f.mux.HandleFunc("/download/doc-1", func(w http.ResponseWriter, r *http.Request) {
		w.Write(f.payload)
	})

	f.server = httptest.NewServer(f.mux)
	t.Cleanup(f.server.Close)
	return f
}

func testClient(baseURL string) *ReportsClient {
	return NewReportsClient(&ReportsClientConfig{
		BaseURL:           baseURL,
		APIToken:          "test-token",
		RequestsPerSecond: 1000, // no throttling in tests
		PollInterval:      time.Millisecond,
		PollTimeout:       time.Second,
		HTTPTimeout:       time.Second,
	})
}

func TestFetchHourRange(t *testing.T) {
	api := newFakeReportsAPI(t)
	api.pollsForDone = 2
	api.payload = []byte("asin\thour_start\tunits_ordered\tordered_revenue\tcurrency\n")

	client := testClient(api.server.URL)
	start := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)

	payload, err := client.FetchHourRange(context.Background(), types.MarketplaceUS, start, start.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, api.payload, payload)
	assert.EqualValues(t, 1, api.createCalls)
	assert.GreaterOrEqual(t, api.pollCalls, int32(3))
}

func TestFetchHourRangeGzippedDocument(t *testing.T) {
	api := newFakeReportsAPI(t)
	api.gzipped = true

	raw := []byte("asin\thour_start\tunits_ordered\tordered_revenue\tcurrency\nB001\t2026-08-29T10:00:00Z\t1\t9.99\tUSD")
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write(raw)
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	api.payload = buf.Bytes()

	client := testClient(api.server.URL)
	start := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)

	payload, err := client.FetchHourRange(context.Background(), types.MarketplaceUS, start, start.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, raw, payload)
}

func TestFetchHourRangeQuotaExceeded(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"errors":[{"code":"QuotaExceeded"}]}`))
	}))
	defer server.Close()

	client := testClient(server.URL)
	start := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)

	_, err := client.FetchHourRange(context.Background(), types.MarketplaceUS, start, start.Add(time.Hour))
	require.Error(t, err)
	assert.True(t, errors.IsQuotaExceeded(err))

	// 429 must not be retried
	assert.EqualValues(t, 1, calls)
}

func TestFetchHourRangeCancelledReport(t *testing.T) {
	api := newFakeReportsAPI(t)
	api.finalStatus = StatusCancelled

	client := testClient(api.server.URL)
	start := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)

	_, err := client.FetchHourRange(context.Background(), types.MarketplaceUS, start, start.Add(time.Hour))
	require.Error(t, err)
	assert.True(t, errors.IsReportUnavailable(err))
}

func TestFetchHourRangeFatalReport(t *testing.T) {
	api := newFakeReportsAPI(t)
	api.finalStatus = StatusFatal

	client := testClient(api.server.URL)
	start := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)

	_, err := client.FetchHourRange(context.Background(), types.MarketplaceUS, start, start.Add(time.Hour))
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.False(t, errors.IsReportUnavailable(err))
}

func TestFetchHourRangeRetriesServerErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		// Second attempt succeeds and the flow continues normally
		switch r.URL.Path {
		case "/reports":
			json.NewEncoder(w).Encode(map[string]string{"reportId": "rep-1"})
		case "/reports/rep-1":
			json.NewEncoder(w).Encode(map[string]string{
				"reportId": "rep-1", "processingStatus": StatusDone, "reportDocumentId": "doc-1",
			})
		default:
			json.NewEncoder(w).Encode(map[string]string{"reportDocumentId": "doc-1", "url": "http://" + r.Host + "/x"})
		}
	}))
	defer server.Close()

	client := testClient(server.URL)
	start := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)

	_, err := client.FetchHourRange(context.Background(), types.MarketplaceUS, start, start.Add(time.Hour))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, calls, int32(4))
}

func TestPollTimeoutIsTransient(t *testing.T) {
	api := newFakeReportsAPI(t)
	api.pollsForDone = 1 << 30 // never finishes

	client := NewReportsClient(&ReportsClientConfig{
		BaseURL:           api.server.URL,
		APIToken:          "test-token",
		RequestsPerSecond: 1000,
		PollInterval:      time.Millisecond,
		PollTimeout:       20 * time.Millisecond,
		HTTPTimeout:       time.Second,
	})

	start := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	_, err := client.FetchHourRange(context.Background(), types.MarketplaceUS, start, start.Add(time.Hour))
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}
