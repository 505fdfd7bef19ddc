package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/wareflow-io/wareflow/internal/api/middleware"
	"github.com/wareflow-io/wareflow/internal/cache"
	"github.com/wareflow-io/wareflow/internal/storage"
)

// handleGetMovement serves GET /api/movements/{movement_id}.
//
// Cache-aside: a cached view is served as-is; on a miss the database view is
// cached before returning. Cache failures are silent fallbacks to the
// database, never errors.
//
// Response codes:
//   - 200 OK: movement found (possibly with only one half processed)
//   - 404 Not Found: no event for this movement has been processed
//   - 500 Internal Server Error: database failure
func (s *Server) handleGetMovement(w http.ResponseWriter, r *http.Request) {
	movementID := r.PathValue("movement_id")
	key := cache.MovementKey(movementID)

	if s.cache != nil {
		var cached storage.MovementView
		if s.cache.Get(r.Context(), key, &cached) {
			s.writeJSON(w, r, http.StatusOK, &cached)

			return
		}
	}

	movement, err := s.store.GetMovement(r.Context(), movementID)
	if errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "Movement not found")

		return
	}

	if err != nil {
		s.logger.Error("Failed to load movement",
			slog.String("movement_id", movementID),
			slog.String("request_id", middleware.GetRequestID(r.Context())),
			slog.String("error", err.Error()),
		)

		s.writeError(w, http.StatusInternalServerError, "Failed to load movement")

		return
	}

	if s.cache != nil {
		s.cache.Set(r.Context(), key, movement)
	}

	s.writeJSON(w, r, http.StatusOK, movement)
}
