package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/wareflow-io/wareflow/internal/storage"
)

type (
	// ReadStore is the slice of the warehouse store the API depends on.
	// Defined here so the server can be tested against a fake.
	ReadStore interface {
		// GetStock returns the stock view for a (warehouse, product) pair.
		// Returns storage.ErrNotFound if the pair has never been stocked.
		GetStock(ctx context.Context, warehouseID, productID string) (*storage.StockView, error)

		// GetMovement returns the movement view by id.
		// Returns storage.ErrNotFound if no event for the movement exists.
		GetMovement(ctx context.Context, movementID string) (*storage.MovementView, error)

		// HealthCheck verifies the backing database is reachable.
		HealthCheck(ctx context.Context) error
	}

	// ViewCache is the read-through cache used by the handlers.
	// A nil ViewCache disables caching; every read goes to the database.
	ViewCache interface {
		// Get loads the entry at key into dest, reporting whether it was a hit.
		Get(ctx context.Context, key string, dest any) bool

		// Set stores value at key with the configured TTL.
		Set(ctx context.Context, key string, value any)
	}

	// HealthStatus represents the health check response structure.
	HealthStatus struct {
		Status      string `json:"status"`
		ServiceName string `json:"serviceName"`
		Uptime      string `json:"uptime,omitempty"`
	}

	// ErrorResponse is the JSON error body shape used by all endpoints.
	ErrorResponse struct {
		Detail string `json:"detail"`
	}
)

// writeJSON marshals v and writes it with the given status code.
// Marshal failures become a 500 with the standard error shape.
func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("Failed to encode response",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)

		s.writeError(w, http.StatusInternalServerError, "Failed to encode response")

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if _, err := w.Write(data); err != nil {
		s.logger.Error("Failed to write response",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
}

// writeError writes the standard JSON error body with the given status code.
func (s *Server) writeError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(ErrorResponse{Detail: detail}); err != nil {
		s.logger.Error("Failed to encode error response", slog.String("error", err.Error()))
	}
}
