package api

import (
	"net/http"
	"time"

	"github.com/vendor-desk/internal/storage"
	"github.com/vendor-desk/internal/types"
)

// SalesSummaryResponse is the sales summary payload
type SalesSummaryResponse struct {
	Marketplace types.MarketplaceID       `json:"marketplace"`
	From        time.Time                 `json:"from"`
	To          time.Time                 `json:"to"`
	Hours       []storage.SalesSummaryRow `json:"hours"`
}

// handleSalesSummary returns per-hour sales aggregates over a window. The
// window defaults to the last 24 hours and is capped at 31 days.
func (s *Server) handleSalesSummary(w http.ResponseWriter, r *http.Request) {
	marketplace, ok := marketplaceFromRequest(w, r)
	if !ok {
		return
	}

	now := time.Now().UTC()
	from := types.TruncateToHour(now.Add(-24 * time.Hour))
	to := types.TruncateToHour(now).Add(time.Hour)

	query := r.URL.Query()
	if raw := query.Get("from"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_INPUT", "from must be RFC3339", nil)
			return
		}
		from = types.TruncateToHour(parsed.UTC())
	}
	if raw := query.Get("to"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_INPUT", "to must be RFC3339", nil)
			return
		}
		to = types.TruncateToHour(parsed.UTC())
	}

	if !from.Before(to) {
		respondError(w, http.StatusBadRequest, "INVALID_INPUT", "from must be before to", nil)
		return
	}
	if to.Sub(from) > 31*24*time.Hour {
		respondError(w, http.StatusBadRequest, "INVALID_INPUT", "window must not exceed 31 days", nil)
		return
	}

	hours, err := s.sales.Summary(r.Context(), marketplace, from, to)
	if err != nil {
		respondCategorized(w, err)
		return
	}
	if hours == nil {
		hours = []storage.SalesSummaryRow{}
	}

	respondJSON(w, http.StatusOK, &SalesSummaryResponse{
		Marketplace: marketplace,
		From:        from,
		To:          to,
		Hours:       hours,
	})
}
