// Package api provides the HTTP API server for the vendor desk service.
package api

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/vendor-desk/internal/models"
	"github.com/vendor-desk/internal/storage"
	"github.com/vendor-desk/internal/types"
	"github.com/vendor-desk/internal/worker"
)

// Storage interfaces for dependency injection and testing

// LedgerReader exposes the ledger projections the status endpoint needs
type LedgerReader interface {
	StatusCounts(ctx context.Context, marketplace types.MarketplaceID) (map[types.HourStatus]int, error)
	LatestApplied(ctx context.Context, marketplace types.MarketplaceID) (*time.Time, error)
	NextClaimable(ctx context.Context, marketplace types.MarketplaceID, now time.Time) (*time.Time, error)
	LastFailure(ctx context.Context, marketplace types.MarketplaceID) (*models.HourRecord, error)
}

// LockReader exposes the current worker lock
type LockReader interface {
	Get(ctx context.Context, marketplace types.MarketplaceID) (*models.WorkerLock, error)
}

// CooldownReader exposes the active quota cooldown
type CooldownReader interface {
	Active(ctx context.Context, marketplace types.MarketplaceID) (*models.QuotaCooldown, error)
}

// SalesReader exposes the sales summary projection
type SalesReader interface {
	Summary(ctx context.Context, marketplace types.MarketplaceID, from, to time.Time) ([]storage.SalesSummaryRow, error)
}

// DayFiller runs a repair cycle for one calendar day
type DayFiller interface {
	RunDay(ctx context.Context, marketplace types.MarketplaceID, day time.Time) (*worker.CycleResult, error)
}

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	ledger     LedgerReader
	locks      LockReader
	cooldowns  CooldownReader
	sales      SalesReader
	filler     DayFiller
	config     *ServerConfig
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	RequestsPerSec  int
	Burst           int
}

// NewServer creates a new API server instance.
func NewServer(
	config *ServerConfig,
	ledger LedgerReader,
	locks LockReader,
	cooldowns CooldownReader,
	sales SalesReader,
	filler DayFiller,
) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		ledger:    ledger,
		locks:     locks,
		cooldowns: cooldowns,
		sales:     sales,
		filler:    filler,
		config:    config,
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	rateLimiter := NewRateLimiter(s.config.RequestsPerSec, s.config.Burst)

	// Middleware order matters: logging sees every request, rate limiting
	// runs after CORS so preflights are never throttled.
	s.router.Use(LoggingMiddleware)
	s.router.Use(RecoveryMiddleware)
	s.router.Use(CORSMiddleware)
	s.router.Use(RateLimitMiddleware(rateLimiter))
	s.router.Use(CompressionMiddleware)

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	// mux subrouters return 404 for method mismatches unless told otherwise
	methodNotAllowed := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed: "+r.Method, nil)
	})
	s.router.MethodNotAllowedHandler = methodNotAllowed

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()
	api.MethodNotAllowedHandler = methodNotAllowed

	api.HandleFunc("/marketplaces", s.handleListMarketplaces).Methods("GET")
	api.HandleFunc("/marketplaces/{id}/ingestion/status", s.handleIngestionStatus).Methods("GET")
	api.HandleFunc("/marketplaces/{id}/ingestion/fill-day", s.handleFillDay).Methods("POST")
	api.HandleFunc("/marketplaces/{id}/sales/summary", s.handleSalesSummary).Methods("GET")
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "vendor-desk",
	})
}

// handleListMarketplaces returns the marketplaces the service knows about.
func (s *Server) handleListMarketplaces(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"marketplaces": types.AllMarketplaces,
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	log.Printf("Starting API server on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("Shutting down API server...")
	return s.httpServer.Shutdown(ctx)
}

// Router exposes the underlying router for tests.
func (s *Server) Router() http.Handler {
	return s.router
}
