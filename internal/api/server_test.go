package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/vendor-desk/internal/models"
	"github.com/vendor-desk/internal/storage"
	"github.com/vendor-desk/internal/types"
	"github.com/vendor-desk/internal/worker"
)

// Mock readers for testing

type mockLedgerReader struct {
	statusCountsFunc  func(ctx context.Context, marketplace types.MarketplaceID) (map[types.HourStatus]int, error)
	latestAppliedFunc func(ctx context.Context, marketplace types.MarketplaceID) (*time.Time, error)
	lastFailureFunc   func(ctx context.Context, marketplace types.MarketplaceID) (*models.HourRecord, error)
}

func (m *mockLedgerReader) StatusCounts(ctx context.Context, marketplace types.MarketplaceID) (map[types.HourStatus]int, error) {
	if m.statusCountsFunc != nil {
		return m.statusCountsFunc(ctx, marketplace)
	}
	return map[types.HourStatus]int{
		types.HourMissing: 2,
		types.HourApplied: 70,
		types.HourFailed:  1,
	}, nil
}

func (m *mockLedgerReader) LatestApplied(ctx context.Context, marketplace types.MarketplaceID) (*time.Time, error) {
	if m.latestAppliedFunc != nil {
		return m.latestAppliedFunc(ctx, marketplace)
	}
	ts := time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)
	return &ts, nil
}

func (m *mockLedgerReader) NextClaimable(ctx context.Context, marketplace types.MarketplaceID, now time.Time) (*time.Time, error) {
	ts := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	return &ts, nil
}

func (m *mockLedgerReader) LastFailure(ctx context.Context, marketplace types.MarketplaceID) (*models.HourRecord, error) {
	if m.lastFailureFunc != nil {
		return m.lastFailureFunc(ctx, marketplace)
	}
	return nil, nil
}

type mockLockReader struct {
	getFunc func(ctx context.Context, marketplace types.MarketplaceID) (*models.WorkerLock, error)
}

func (m *mockLockReader) Get(ctx context.Context, marketplace types.MarketplaceID) (*models.WorkerLock, error) {
	if m.getFunc != nil {
		return m.getFunc(ctx, marketplace)
	}
	return nil, nil
}

type mockCooldownReader struct {
	activeFunc func(ctx context.Context, marketplace types.MarketplaceID) (*models.QuotaCooldown, error)
}

func (m *mockCooldownReader) Active(ctx context.Context, marketplace types.MarketplaceID) (*models.QuotaCooldown, error) {
	if m.activeFunc != nil {
		return m.activeFunc(ctx, marketplace)
	}
	return nil, nil
}

type mockSalesReader struct {
	summaryFunc func(ctx context.Context, marketplace types.MarketplaceID, from, to time.Time) ([]storage.SalesSummaryRow, error)
}

func (m *mockSalesReader) Summary(ctx context.Context, marketplace types.MarketplaceID, from, to time.Time) ([]storage.SalesSummaryRow, error) {
	if m.summaryFunc != nil {
		return m.summaryFunc(ctx, marketplace, from, to)
	}
	return []storage.SalesSummaryRow{
		{
			HourStart:      time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC),
			UnitsOrdered:   42,
			OrderedRevenue: 199.50,
			DistinctASINs:  7,
		},
	}, nil
}

type mockDayFiller struct {
	calls chan types.MarketplaceID
}

func (m *mockDayFiller) RunDay(ctx context.Context, marketplace types.MarketplaceID, day time.Time) (*worker.CycleResult, error) {
	if m.calls != nil {
		m.calls <- marketplace
	}
	return &worker.CycleResult{Marketplace: marketplace, Applied: 24}, nil
}

func createTestServer() *Server {
	return createTestServerWith(&mockLedgerReader{}, &mockLockReader{}, &mockCooldownReader{}, &mockSalesReader{}, &mockDayFiller{})
}

func createTestServerWith(ledger LedgerReader, locks LockReader, cooldowns CooldownReader, sales SalesReader, filler DayFiller) *Server {
	config := &ServerConfig{
		Host:           "localhost",
		Port:           "8080",
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    60 * time.Second,
		RequestsPerSec: 1000,
		Burst:          1000,
	}

	server := &Server{
		router:    mux.NewRouter(),
		ledger:    ledger,
		locks:     locks,
		cooldowns: cooldowns,
		sales:     sales,
		filler:    filler,
		config:    config,
	}
	server.setupRouter()
	return server
}

// TestHealthEndpoint tests the health check endpoint
func TestHealthEndpoint(t *testing.T) {
	server := createTestServer()

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	server.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var response map[string]string
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if response["status"] != "healthy" {
		t.Errorf("Expected healthy status, got %s", response["status"])
	}
}

// TestListMarketplaces tests the marketplace listing endpoint
func TestListMarketplaces(t *testing.T) {
	server := createTestServer()

	req := httptest.NewRequest("GET", "/api/marketplaces", nil)
	w := httptest.NewRecorder()

	server.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var response struct {
		Marketplaces []types.MarketplaceID `json:"marketplaces"`
	}
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(response.Marketplaces) != len(types.AllMarketplaces) {
		t.Errorf("Expected %d marketplaces, got %d", len(types.AllMarketplaces), len(response.Marketplaces))
	}
}

// TestIngestionStatus_Defaults tests the status payload with no lock,
// cooldown, or failure present
func TestIngestionStatus_Defaults(t *testing.T) {
	server := createTestServer()

	req := httptest.NewRequest("GET", "/api/marketplaces/US/ingestion/status", nil)
	w := httptest.NewRecorder()

	server.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var response IngestionStatusResponse
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if response.Marketplace != types.MarketplaceUS {
		t.Errorf("Expected marketplace US, got %s", response.Marketplace)
	}
	if response.Counts[types.HourApplied] != 70 {
		t.Errorf("Expected 70 applied hours, got %d", response.Counts[types.HourApplied])
	}
	if response.Lock == nil || response.Lock.State != types.LockFree {
		t.Errorf("Expected free lock, got %+v", response.Lock)
	}
	if response.Cooldown != nil {
		t.Errorf("Expected no cooldown, got %+v", response.Cooldown)
	}
	if response.LastFailure != nil {
		t.Errorf("Expected no failure, got %+v", response.LastFailure)
	}
	if response.LatestApplied == nil {
		t.Error("Expected latest_applied to be set")
	}
}

// TestIngestionStatus_HeldLockAndCooldown tests that the status endpoint
// surfaces an active lock, cooldown, and last failure
func TestIngestionStatus_HeldLockAndCooldown(t *testing.T) {
	now := time.Now().UTC()
	errMsg := "report download failed"
	locks := &mockLockReader{
		getFunc: func(ctx context.Context, marketplace types.MarketplaceID) (*models.WorkerLock, error) {
			return &models.WorkerLock{
				Marketplace: marketplace,
				Owner:       "host-1:42:abcd1234",
				AcquiredAt:  now.Add(-time.Minute),
				ExpiresAt:   now.Add(14 * time.Minute),
			}, nil
		},
	}
	cooldowns := &mockCooldownReader{
		activeFunc: func(ctx context.Context, marketplace types.MarketplaceID) (*models.QuotaCooldown, error) {
			return &models.QuotaCooldown{
				Marketplace: marketplace,
				UntilUTC:    now.Add(25 * time.Minute),
				Reason:      models.CooldownReasonQuota,
			}, nil
		},
	}
	nextRetry := now.Add(4 * time.Minute)
	ledger := &mockLedgerReader{
		lastFailureFunc: func(ctx context.Context, marketplace types.MarketplaceID) (*models.HourRecord, error) {
			return &models.HourRecord{
				Marketplace: marketplace,
				HourStart:   time.Date(2026, 1, 15, 7, 0, 0, 0, time.UTC),
				Status:      types.HourFailed,
				Attempts:    3,
				LastError:   &errMsg,
				NextRetryAt: &nextRetry,
			}, nil
		},
	}
	server := createTestServerWith(ledger, locks, cooldowns, &mockSalesReader{}, &mockDayFiller{})

	req := httptest.NewRequest("GET", "/api/marketplaces/DE/ingestion/status", nil)
	w := httptest.NewRecorder()

	server.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var response IngestionStatusResponse
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if response.Lock.State != types.LockHeld {
		t.Errorf("Expected held lock, got %s", response.Lock.State)
	}
	if response.Lock.Owner != "host-1:42:abcd1234" {
		t.Errorf("Unexpected lock owner: %s", response.Lock.Owner)
	}
	if response.Cooldown == nil {
		t.Fatal("Expected an active cooldown")
	}
	if response.Cooldown.Reason != string(models.CooldownReasonQuota) {
		t.Errorf("Unexpected cooldown reason: %s", response.Cooldown.Reason)
	}
	if response.LastFailure == nil {
		t.Fatal("Expected a last failure")
	}
	if response.LastFailure.Attempts != 3 || response.LastFailure.LastError != errMsg {
		t.Errorf("Unexpected failure payload: %+v", response.LastFailure)
	}
}

// TestIngestionStatus_UnknownMarketplace tests rejection of unknown IDs
func TestIngestionStatus_UnknownMarketplace(t *testing.T) {
	server := createTestServer()

	req := httptest.NewRequest("GET", "/api/marketplaces/XX/ingestion/status", nil)
	w := httptest.NewRecorder()

	server.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
}

// TestFillDay_Accepted tests that a valid fill-day request is accepted and
// eventually reaches the worker
func TestFillDay_Accepted(t *testing.T) {
	filler := &mockDayFiller{calls: make(chan types.MarketplaceID, 1)}
	server := createTestServerWith(&mockLedgerReader{}, &mockLockReader{}, &mockCooldownReader{}, &mockSalesReader{}, filler)

	body, _ := json.Marshal(FillDayRequest{Date: "2026-01-15"})
	req := httptest.NewRequest("POST", "/api/marketplaces/US/ingestion/fill-day", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	server.router.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d: %s", w.Code, w.Body.String())
	}

	select {
	case marketplace := <-filler.calls:
		if marketplace != types.MarketplaceUS {
			t.Errorf("Expected fill-day for US, got %s", marketplace)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Fill-day cycle was never started")
	}
}

// TestFillDay_Validation tests rejection of malformed fill-day requests
func TestFillDay_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "invalid json", body: "not json"},
		{name: "missing date", body: `{}`},
		{name: "bad date format", body: `{"date": "15/01/2026"}`},
		{name: "timestamp instead of date", body: `{"date": "2026-01-15T10:00:00Z"}`},
		{name: "future date", body: `{"date": "2099-01-01"}`},
		{name: "unknown field", body: `{"date": "2026-01-15", "force": true}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			filler := &mockDayFiller{calls: make(chan types.MarketplaceID, 1)}
			server := createTestServerWith(&mockLedgerReader{}, &mockLockReader{}, &mockCooldownReader{}, &mockSalesReader{}, filler)

			req := httptest.NewRequest("POST", "/api/marketplaces/US/ingestion/fill-day", bytes.NewReader([]byte(tt.body)))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()

			server.router.ServeHTTP(w, req)

			if w.Code != http.StatusBadRequest {
				t.Errorf("Expected status 400, got %d: %s", w.Code, w.Body.String())
			}
			select {
			case <-filler.calls:
				t.Error("Invalid request must not start a cycle")
			case <-time.After(50 * time.Millisecond):
			}
		})
	}
}

// TestSalesSummary tests the summary endpoint with explicit window bounds
func TestSalesSummary(t *testing.T) {
	var gotFrom, gotTo time.Time
	sales := &mockSalesReader{
		summaryFunc: func(ctx context.Context, marketplace types.MarketplaceID, from, to time.Time) ([]storage.SalesSummaryRow, error) {
			gotFrom, gotTo = from, to
			return []storage.SalesSummaryRow{
				{HourStart: from, UnitsOrdered: 5, OrderedRevenue: 25.0, DistinctASINs: 2},
			}, nil
		},
	}
	server := createTestServerWith(&mockLedgerReader{}, &mockLockReader{}, &mockCooldownReader{}, sales, &mockDayFiller{})

	req := httptest.NewRequest("GET", "/api/marketplaces/UK/sales/summary?from=2026-01-15T06:30:00Z&to=2026-01-15T12:00:00Z", nil)
	w := httptest.NewRecorder()

	server.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	// Bounds are truncated to the hour
	if !gotFrom.Equal(time.Date(2026, 1, 15, 6, 0, 0, 0, time.UTC)) {
		t.Errorf("Unexpected from bound: %v", gotFrom)
	}
	if !gotTo.Equal(time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("Unexpected to bound: %v", gotTo)
	}

	var response SalesSummaryResponse
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(response.Hours) != 1 || response.Hours[0].UnitsOrdered != 5 {
		t.Errorf("Unexpected summary rows: %+v", response.Hours)
	}
}

// TestSalesSummary_EmptyWindow tests that an empty result serializes as []
func TestSalesSummary_EmptyWindow(t *testing.T) {
	sales := &mockSalesReader{
		summaryFunc: func(ctx context.Context, marketplace types.MarketplaceID, from, to time.Time) ([]storage.SalesSummaryRow, error) {
			return nil, nil
		},
	}
	server := createTestServerWith(&mockLedgerReader{}, &mockLockReader{}, &mockCooldownReader{}, sales, &mockDayFiller{})

	req := httptest.NewRequest("GET", "/api/marketplaces/US/sales/summary", nil)
	w := httptest.NewRecorder()

	server.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var response struct {
		Hours []storage.SalesSummaryRow `json:"hours"`
	}
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if response.Hours == nil {
		t.Error("Expected hours to be [], not null")
	}
}

// TestSalesSummary_InvalidWindows tests window validation
func TestSalesSummary_InvalidWindows(t *testing.T) {
	tests := []struct {
		name  string
		query string
	}{
		{name: "bad from", query: "?from=yesterday"},
		{name: "bad to", query: "?to=15-01-2026"},
		{name: "inverted window", query: "?from=2026-01-15T12:00:00Z&to=2026-01-15T06:00:00Z"},
		{name: "window too wide", query: "?from=2026-01-01T00:00:00Z&to=2026-03-01T00:00:00Z"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := createTestServer()

			req := httptest.NewRequest("GET", "/api/marketplaces/US/sales/summary"+tt.query, nil)
			w := httptest.NewRecorder()

			server.router.ServeHTTP(w, req)

			if w.Code != http.StatusBadRequest {
				t.Errorf("Expected status 400, got %d: %s", w.Code, w.Body.String())
			}
		})
	}
}

// TestMethodNotAllowed tests that the router rejects wrong methods
func TestMethodNotAllowed(t *testing.T) {
	server := createTestServer()

	req := httptest.NewRequest("DELETE", "/api/marketplaces/US/ingestion/fill-day", nil)
	w := httptest.NewRecorder()

	server.router.ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Code)
	}
}
