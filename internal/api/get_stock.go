package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/wareflow-io/wareflow/internal/api/middleware"
	"github.com/wareflow-io/wareflow/internal/cache"
	"github.com/wareflow-io/wareflow/internal/storage"
)

// handleGetStock serves GET /api/warehouses/{warehouse_id}/products/{product_id}.
//
// Response codes:
//   - 200 OK: stock row exists (quantity may be zero)
//   - 404 Not Found: the pair has never been touched by any event
//   - 500 Internal Server Error: database failure
func (s *Server) handleGetStock(w http.ResponseWriter, r *http.Request) {
	warehouseID := r.PathValue("warehouse_id")
	productID := r.PathValue("product_id")
	key := cache.StockKey(warehouseID, productID)

	if s.cache != nil {
		var cached storage.StockView
		if s.cache.Get(r.Context(), key, &cached) {
			s.writeJSON(w, r, http.StatusOK, &cached)

			return
		}
	}

	stock, err := s.store.GetStock(r.Context(), warehouseID, productID)
	if errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "Stock not found")

		return
	}

	if err != nil {
		s.logger.Error("Failed to load stock",
			slog.String("warehouse_id", warehouseID),
			slog.String("product_id", productID),
			slog.String("request_id", middleware.GetRequestID(r.Context())),
			slog.String("error", err.Error()),
		)

		s.writeError(w, http.StatusInternalServerError, "Failed to load stock")

		return
	}

	if s.cache != nil {
		s.cache.Set(r.Context(), key, stock)
	}

	s.writeJSON(w, r, http.StatusOK, stock)
}
