package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/vendor-desk/internal/logging"
	"github.com/vendor-desk/internal/types"
)

// IngestionStatusResponse is the status endpoint payload
type IngestionStatusResponse struct {
	Marketplace   types.MarketplaceID      `json:"marketplace"`
	Counts        map[types.HourStatus]int `json:"counts"`
	LatestApplied *time.Time               `json:"latest_applied,omitempty"`
	NextClaimable *time.Time               `json:"next_claimable,omitempty"`
	Lock          *LockStatus              `json:"lock"`
	Cooldown      *CooldownStatus          `json:"cooldown,omitempty"`
	LastFailure   *FailureStatus           `json:"last_failure,omitempty"`
}

// LockStatus describes the marketplace's worker lock
type LockStatus struct {
	State     types.LockState `json:"state"`
	Owner     string          `json:"owner,omitempty"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
}

// CooldownStatus describes an active quota cooldown
type CooldownStatus struct {
	UntilUTC time.Time `json:"until_utc"`
	Reason   string    `json:"reason"`
}

// FailureStatus describes the most recent failed hour
type FailureStatus struct {
	HourStart   time.Time  `json:"hour_start"`
	Attempts    int        `json:"attempts"`
	LastError   string     `json:"last_error,omitempty"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
}

// handleIngestionStatus reports ledger coverage, lock, and cooldown state for
// one marketplace. Strictly read-only: it never claims, locks, or mutates.
func (s *Server) handleIngestionStatus(w http.ResponseWriter, r *http.Request) {
	marketplace, ok := marketplaceFromRequest(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	now := time.Now().UTC()

	counts, err := s.ledger.StatusCounts(ctx, marketplace)
	if err != nil {
		respondCategorized(w, err)
		return
	}

	latestApplied, err := s.ledger.LatestApplied(ctx, marketplace)
	if err != nil {
		respondCategorized(w, err)
		return
	}

	nextClaimable, err := s.ledger.NextClaimable(ctx, marketplace, now)
	if err != nil {
		respondCategorized(w, err)
		return
	}

	lock, err := s.locks.Get(ctx, marketplace)
	if err != nil {
		respondCategorized(w, err)
		return
	}
	lockStatus := &LockStatus{State: types.LockFree}
	if lock != nil {
		lockStatus.State = lock.State(now)
		lockStatus.Owner = lock.Owner
		expiresAt := lock.ExpiresAt.UTC()
		lockStatus.ExpiresAt = &expiresAt
	}

	resp := &IngestionStatusResponse{
		Marketplace:   marketplace,
		Counts:        counts,
		LatestApplied: latestApplied,
		NextClaimable: nextClaimable,
		Lock:          lockStatus,
	}

	cooldown, err := s.cooldowns.Active(ctx, marketplace)
	if err != nil {
		respondCategorized(w, err)
		return
	}
	if cooldown != nil {
		resp.Cooldown = &CooldownStatus{
			UntilUTC: cooldown.UntilUTC,
			Reason:   string(cooldown.Reason),
		}
	}

	failure, err := s.ledger.LastFailure(ctx, marketplace)
	if err != nil {
		respondCategorized(w, err)
		return
	}
	if failure != nil {
		fs := &FailureStatus{
			HourStart:   failure.HourStart,
			Attempts:    failure.Attempts,
			NextRetryAt: failure.NextRetryAt,
		}
		if failure.LastError != nil {
			fs.LastError = *failure.LastError
		}
		resp.LastFailure = fs
	}

	respondJSON(w, http.StatusOK, resp)
}

// FillDayRequest is the fill-day trigger payload
type FillDayRequest struct {
	Date string `json:"date"` // UTC calendar day, YYYY-MM-DD
}

// handleFillDay triggers a repair cycle for one UTC calendar day. The cycle
// runs in the background; progress shows up in the status endpoint. Already
// applied hours in the day are left alone.
func (s *Server) handleFillDay(w http.ResponseWriter, r *http.Request) {
	marketplace, ok := marketplaceFromRequest(w, r)
	if !ok {
		return
	}

	var req FillDayRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_INPUT", "Invalid request body: "+err.Error(), nil)
		return
	}

	day, err := time.Parse("2006-01-02", req.Date)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_INPUT", "date must be formatted YYYY-MM-DD", nil)
		return
	}
	if !day.Before(time.Now().UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)) {
		respondError(w, http.StatusBadRequest, "INVALID_INPUT", "date must not be in the future", nil)
		return
	}

	go func() {
		// Independent context: the repair outlives the HTTP request
		ctx, cancel := context.WithTimeout(context.Background(), time.Hour)
		defer cancel()
		result, err := s.filler.RunDay(ctx, marketplace, day)
		if err != nil {
			logging.GetGlobalLogger().WithError(err).WithField("marketplace", string(marketplace)).
				Error("Fill-day cycle failed")
			return
		}
		logging.GetGlobalLogger().WithFields(map[string]interface{}{
			"marketplace": marketplace,
			"date":        req.Date,
			"applied":     result.Applied,
			"failed":      result.Failed,
			"skipped":     result.Skipped,
		}).Info("Fill-day cycle finished")
	}()

	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":      "accepted",
		"marketplace": marketplace,
		"date":        req.Date,
	})
}

// marketplaceFromRequest extracts and validates the marketplace path variable
func marketplaceFromRequest(w http.ResponseWriter, r *http.Request) (types.MarketplaceID, bool) {
	id := types.MarketplaceID(mux.Vars(r)["id"])
	if !types.IsValidMarketplace(id) {
		respondError(w, http.StatusBadRequest, "INVALID_INPUT", "Unknown marketplace: "+string(id), nil)
		return "", false
	}
	return id, true
}
