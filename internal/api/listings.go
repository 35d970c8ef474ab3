package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/JakeFAU/jobstream/internal/listing"
)

const (
	defaultListingLimit = 50
	maxListingLimit     = 500
)

// recentListings handles GET /v1/listings?limit=. It returns {"listings": [...]} newest first, 400 for
// a bad limit, 503 when no store is wired or 500 if the store fails.
func (s *Server) recentListings(w http.ResponseWriter, r *http.Request) {
	if s.deps.Listings == nil {
		s.writeError(w, http.StatusServiceUnavailable, "listing store unavailable")
		return
	}
	limit, err := parseLimit(r, defaultListingLimit, maxListingLimit)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()

	jobs, err := s.deps.Listings.Recent(ctx, limit)
	if err != nil {
		s.logger.Error("list recent listings failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list listings")
		return
	}
	if jobs == nil {
		jobs = []listing.RawJobListing{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"listings": jobs, "count": len(jobs)})
}

func parseLimit(r *http.Request, def, maxLimit int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val <= 0 {
		return 0, errors.New("invalid limit")
	}
	if val > maxLimit {
		val = maxLimit
	}
	return val, nil
}
