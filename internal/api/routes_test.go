package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/wareflow-io/wareflow/internal/api/middleware"
	"github.com/wareflow-io/wareflow/internal/cache"
	"github.com/wareflow-io/wareflow/internal/storage"
)

// fakeStore serves canned views and records whether it was hit.
type fakeStore struct {
	stocks    map[string]*storage.StockView
	movements map[string]*storage.MovementView
	healthErr error
	hits      int
}

func (f *fakeStore) GetStock(_ context.Context, warehouseID, productID string) (*storage.StockView, error) {
	f.hits++

	if stock, ok := f.stocks[warehouseID+"/"+productID]; ok {
		return stock, nil
	}

	return nil, storage.ErrNotFound
}

func (f *fakeStore) GetMovement(_ context.Context, movementID string) (*storage.MovementView, error) {
	f.hits++

	if movement, ok := f.movements[movementID]; ok {
		return movement, nil
	}

	return nil, storage.ErrNotFound
}

func (f *fakeStore) HealthCheck(_ context.Context) error { return f.healthErr }

// fakeCache is an in-memory ViewCache.
type fakeCache struct {
	entries map[string][]byte
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[string][]byte)}
}

func (f *fakeCache) Get(_ context.Context, key string, dest any) bool {
	raw, ok := f.entries[key]
	if !ok {
		return false
	}

	return json.Unmarshal(raw, dest) == nil
}

func (f *fakeCache) Set(_ context.Context, key string, value any) {
	raw, err := json.Marshal(value)
	if err != nil {
		return
	}

	f.entries[key] = raw
}

func newTestServer(store ReadStore, viewCache ViewCache) *Server {
	cfg := &ServerConfig{
		Port:            8080,
		Host:            "127.0.0.1",
		ReadTimeout:     time.Second,
		WriteTimeout:    time.Second,
		ShutdownTimeout: time.Second,
		LogLevel:        slog.LevelError,
	}

	return NewServer(cfg, store, viewCache, nil)
}

func doRequest(t *testing.T, s *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	return rec
}

func TestGetStock(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := &fakeStore{stocks: map[string]*storage.StockView{
		"wh-1/prod-1": {WarehouseID: "wh-1", ProductID: "prod-1", Quantity: 42},
	}}

	s := newTestServer(store, nil)

	rec := doRequest(t, s, http.MethodGet, "/api/warehouses/wh-1/products/prod-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var got storage.StockView
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}

	if got.Quantity != 42 {
		t.Errorf("quantity = %d, want 42", got.Quantity)
	}
}

func TestGetStock_NotFound(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	s := newTestServer(&fakeStore{}, nil)

	rec := doRequest(t, s, http.MethodGet, "/api/warehouses/wh-x/products/prod-x")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}

	var got ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}

	if got.Detail == "" {
		t.Error("error response missing detail")
	}
}

func TestGetMovement(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	transfer := 3600.0
	store := &fakeStore{movements: map[string]*storage.MovementView{
		"mov-1": {
			MovementID:          "mov-1",
			ProductID:           "prod-1",
			TransferTimeSeconds: &transfer,
			IsComplete:          true,
		},
	}}

	s := newTestServer(store, nil)

	rec := doRequest(t, s, http.MethodGet, "/api/movements/mov-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var got storage.MovementView
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}

	if !got.IsComplete || got.TransferTimeSeconds == nil || *got.TransferTimeSeconds != 3600.0 {
		t.Errorf("movement = %+v, want complete with transfer time 3600", got)
	}
}

func TestGetMovement_NotFound(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	s := newTestServer(&fakeStore{}, nil)

	rec := doRequest(t, s, http.MethodGet, "/api/movements/absent")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestGetStock_CacheAside(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := &fakeStore{stocks: map[string]*storage.StockView{
		"wh-1/prod-1": {WarehouseID: "wh-1", ProductID: "prod-1", Quantity: 7},
	}}
	viewCache := newFakeCache()

	s := newTestServer(store, viewCache)

	// First read populates the cache from the database.
	rec := doRequest(t, s, http.MethodGet, "/api/warehouses/wh-1/products/prod-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	if store.hits != 1 {
		t.Fatalf("store hits = %d, want 1", store.hits)
	}

	if _, ok := viewCache.entries[cache.StockKey("wh-1", "prod-1")]; !ok {
		t.Fatal("first read did not populate the cache")
	}

	// Second read is served from the cache.
	rec = doRequest(t, s, http.MethodGet, "/api/warehouses/wh-1/products/prod-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	if store.hits != 1 {
		t.Errorf("store hits = %d after cached read, want 1", store.hits)
	}
}

func TestHealthEndpoints(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	s := newTestServer(&fakeStore{}, nil)

	rec := doRequest(t, s, http.MethodGet, "/ping")
	if rec.Code != http.StatusOK || rec.Body.String() != "pong" {
		t.Errorf("ping = (%d, %q), want (200, pong)", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, s, http.MethodGet, "/ready")
	if rec.Code != http.StatusOK {
		t.Errorf("ready status = %d, want 200", rec.Code)
	}

	rec = doRequest(t, s, http.MethodGet, "/health")
	if rec.Code != http.StatusOK {
		t.Errorf("health status = %d, want 200", rec.Code)
	}

	var health HealthStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("failed to decode health body: %v", err)
	}

	if health.Status != "healthy" || health.ServiceName != "wareflow" {
		t.Errorf("health = %+v", health)
	}
}

func TestReady_DatabaseDown(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	s := newTestServer(&fakeStore{healthErr: errors.New("connection refused")}, nil)

	rec := doRequest(t, s, http.MethodGet, "/ready")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("ready status = %d, want 503", rec.Code)
	}
}

func TestNotFoundRoute(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	s := newTestServer(&fakeStore{}, nil)

	rec := doRequest(t, s, http.MethodGet, "/nope")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestRequestIDHeader(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	s := newTestServer(&fakeStore{}, nil)

	rec := doRequest(t, s, http.MethodGet, "/ping")
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("response missing X-Request-ID header")
	}

	// A provided id is echoed back.
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("X-Request-ID", "abc-123")

	echo := httptest.NewRecorder()
	s.Handler().ServeHTTP(echo, req)

	if got := echo.Header().Get("X-Request-ID"); got != "abc-123" {
		t.Errorf("X-Request-ID = %q, want abc-123", got)
	}
}

func TestRateLimiting(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cfg := &ServerConfig{
		Port:            8080,
		Host:            "127.0.0.1",
		ReadTimeout:     time.Second,
		WriteTimeout:    time.Second,
		ShutdownTimeout: time.Second,
		LogLevel:        slog.LevelError,
	}

	limiter := middleware.NewInMemoryRateLimiter(&middleware.RateLimitConfig{RPS: 1, Burst: 2})
	s := NewServer(cfg, &fakeStore{}, nil, limiter)

	var limited bool

	for range 10 {
		rec := doRequest(t, s, http.MethodGet, "/ping")
		if rec.Code == http.StatusTooManyRequests {
			limited = true

			break
		}
	}

	if !limited {
		t.Error("no request was rate limited after exhausting the burst")
	}
}
