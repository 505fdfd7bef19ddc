package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/lib/pq"

	"github.com/wareflow-io/wareflow/internal/config"
	"github.com/wareflow-io/wareflow/internal/event"
)

// Sentinel errors for movement event processing.
var (
	// ErrStoreFailed is returned when an event-processing operation fails.
	ErrStoreFailed = errors.New("warehouse store failed")

	// ErrNegativeStock is returned when applying a stock delta would violate
	// the non-negativity invariant. The transaction rolls back and the offset
	// must not advance: the condition usually means out-of-order delivery or
	// upstream data corruption, and the operator decides what to do.
	ErrNegativeStock = errors.New("stock cannot go below zero")

	// WarehouseStore implements event.Processor (the write path of the pipeline).
	_ event.Processor = (*WarehouseStore)(nil)
)

type (
	// CacheInvalidator deletes cache entries made stale by a committed event.
	//
	// The store defines this interface to specify what it needs without
	// depending on the concrete Redis implementation in internal/cache.
	// Invalidation is best-effort: implementations swallow failures to
	// warnings, and the cache TTL is the backstop.
	CacheInvalidator interface {
		// Invalidate deletes the stock view for (warehouseID, productID) and
		// the movement view for movementID. The two deletions are independent.
		Invalidate(ctx context.Context, warehouseID, productID, movementID string)
	}

	// WarehouseStore implements event.Processor with a PostgreSQL backend.
	//
	// Each event is applied as a single transaction covering:
	//   - Idempotency: the movement_events journal keyed by message id
	//   - Stock: per-(warehouse, product) quantities under row-level locks
	//   - Pairing: the movements record assembled from up to two half-events
	//
	// Cache invalidation runs only after the transaction commits. If it ran
	// before, a concurrent read could repopulate the cache with the pre-commit
	// value and serve it until TTL.
	WarehouseStore struct {
		conn        *Connection
		logger      *slog.Logger
		invalidator CacheInvalidator
	}

	// WarehouseStoreOption configures optional WarehouseStore behavior.
	WarehouseStoreOption func(*WarehouseStore)

	// movementState holds the current halves of an existing movement fetched
	// with a row lock.
	movementState struct {
		exists               bool
		sourceWarehouseID    sql.NullString
		departureTimestamp   sql.NullTime
		departureQuantity    sql.NullInt64
		destinationWarehouse sql.NullString
		arrivalTimestamp     sql.NullTime
		arrivalQuantity      sql.NullInt64
	}
)

// WithCacheInvalidator sets the cache invalidator called after each commit.
// If not set, no invalidation is performed (reads rely on the cache TTL).
//
// Example:
//
//	manager, err := cache.NewManager(ctx, cache.LoadConfig())
//	store, err := storage.NewWarehouseStore(conn,
//	    storage.WithCacheInvalidator(manager))
func WithCacheInvalidator(inv CacheInvalidator) WarehouseStoreOption {
	return func(s *WarehouseStore) {
		s.invalidator = inv
	}
}

// NewWarehouseStore creates a PostgreSQL-backed movement event processor.
// Returns ErrNoDatabaseConnection if conn is nil.
func NewWarehouseStore(conn *Connection, opts ...WarehouseStoreOption) (*WarehouseStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	store := &WarehouseStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}

	for _, opt := range opts {
		opt(store)
	}

	return store, nil
}

// HealthCheck verifies the database connection is healthy and ready.
func (s *WarehouseStore) HealthCheck(ctx context.Context) error {
	if s.conn == nil {
		return ErrNoDatabaseConnection
	}

	return s.conn.HealthCheck(ctx)
}

// ProcessEvent implements event.Processor.
// Applies a single movement event with idempotency, row-locked stock updates,
// and order-insensitive movement pairing.
//
// Returns three values: (processed, duplicate, error)
//   - (true, false, nil)  → event applied, transaction committed
//   - (false, true, nil)  → duplicate message (journal hit), no side effects
//   - (false, false, err) → transaction rolled back, event must be retried
//
// The function performs the following operations in one transaction:
//  1. Checks the movement_events journal for the message id
//  2. Ensures Product and Warehouse rows exist (insert-if-absent)
//  3. Applies the signed stock delta under SELECT ... FOR UPDATE
//  4. Upserts the movement half and recomputes derived fields
//  5. Records the processed event in the journal
//  6. Commits, then invalidates cache entries (best-effort, after commit only)
//
// A negative resulting stock rolls the transaction back with ErrNegativeStock.
// Concurrent duplicates of the same message are resolved by the primary key
// on movement_events: the loser's transaction fails, and its retry
// short-circuits on the journal check.
func (s *WarehouseStore) ProcessEvent(ctx context.Context, e *event.NormalizedEvent) (bool, bool, error) {
	if err := e.Validate(); err != nil {
		return false, false, fmt.Errorf("%w: %w", ErrStoreFailed, err)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return false, false, fmt.Errorf("%w: failed to begin transaction: %w", ErrStoreFailed, err)
	}

	defer func() {
		_ = tx.Rollback() // Safe to call even after commit
	}()

	// 1. Idempotency gate
	processed, err := isEventProcessed(ctx, tx, e.MessageID)
	if err != nil {
		return false, false, fmt.Errorf("%w: idempotency check failed: %w", ErrStoreFailed, err)
	}

	if processed {
		s.logger.Debug("duplicate message detected",
			slog.String("message_id", e.MessageID),
			slog.String("movement_id", e.MovementID),
		)

		return false, true, nil
	}

	// 2. Reference entities are auto-created on first use
	if err := ensureEntity(ctx, tx, "products", e.ProductID); err != nil {
		return false, false, fmt.Errorf("%w: %w", ErrStoreFailed, err)
	}

	if err := ensureEntity(ctx, tx, "warehouses", e.WarehouseID); err != nil {
		return false, false, fmt.Errorf("%w: %w", ErrStoreFailed, err)
	}

	// 3. Stock ledger under row lock
	if err := applyStockDelta(ctx, tx, e.WarehouseID, e.ProductID, e.SignedQuantity()); err != nil {
		return false, false, err
	}

	// 4. Movement pairing (order-insensitive across halves)
	if err := upsertMovementHalf(ctx, tx, e); err != nil {
		return false, false, fmt.Errorf("%w: %w", ErrStoreFailed, err)
	}

	// 5. Journal
	if err := recordEvent(ctx, tx, e); err != nil {
		return false, false, fmt.Errorf("%w: %w", ErrStoreFailed, err)
	}

	// 6. Commit, then invalidate
	if err := tx.Commit(); err != nil {
		return false, false, fmt.Errorf("%w: commit failed: %w", ErrStoreFailed, err)
	}

	if s.invalidator != nil {
		s.invalidator.Invalidate(ctx, e.WarehouseID, e.ProductID, e.MovementID)
	}

	s.logger.Info("movement event processed",
		slog.String("message_id", e.MessageID),
		slog.String("movement_id", e.MovementID),
		slog.String("event_kind", e.Kind.String()),
		slog.Int("quantity", e.Quantity),
	)

	return true, false, nil
}

// isEventProcessed checks the journal for the given message id.
// Runs inside the event's transaction so the check and the insert in
// recordEvent are atomic with respect to the commit.
func isEventProcessed(ctx context.Context, tx *sql.Tx, messageID string) (bool, error) {
	query := `
		SELECT 1 FROM movement_events
		WHERE id = $1
		LIMIT 1
	`

	var exists int

	err := tx.QueryRowContext(ctx, query, messageID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("failed to query journal: %w", err)
	}

	return true, nil
}

// ensureEntity inserts an id-only reference row (products, warehouses) if it
// does not already exist. The per-row unique constraint resolves concurrent
// inserts; no lock is needed.
func ensureEntity(ctx context.Context, tx *sql.Tx, table, id string) error {
	//nolint: gosec // table is one of two compile-time constants, never user input
	query := fmt.Sprintf(`INSERT INTO %s (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, table)

	if _, err := tx.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to ensure %s row %s: %w", table, id, err)
	}

	return nil
}

// applyStockDelta updates the (warehouse, product) stock row by delta.
//
// The FOR UPDATE clause locks the stock row for the duration of the
// transaction, so two concurrent events touching the same pair serialize and
// the second sees the first's committed delta. Only one row is ever locked
// per apply, so unrelated pairs cannot deadlock.
//
// Failure on a negative result is deliberate: a departure that would drive
// stock below zero means either out-of-order delivery (the seeding arrival
// has not been processed yet) or corrupt upstream data. Surfacing it as a
// transactional error keeps the offset in place until the operator decides.
func applyStockDelta(ctx context.Context, tx *sql.Tx, warehouseID, productID string, delta int) error {
	query := `
		SELECT quantity FROM warehouse_stocks
		WHERE warehouse_id = $1 AND product_id = $2
		FOR UPDATE
	`

	var current int

	err := tx.QueryRowContext(ctx, query, warehouseID, productID).Scan(&current)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		// Lazily create the row on first touch; it can only be initialized
		// with a non-negative quantity.
		if delta < 0 {
			return fmt.Errorf(
				"%w: cannot initialize stock with negative quantity for warehouse %s and product %s (delta %d)",
				ErrNegativeStock, warehouseID, productID, delta,
			)
		}

		insert := `
			INSERT INTO warehouse_stocks (warehouse_id, product_id, quantity)
			VALUES ($1, $2, $3)
		`
		if _, err := tx.ExecContext(ctx, insert, warehouseID, productID, delta); err != nil {
			return fmt.Errorf("%w: failed to insert stock row: %w", ErrStoreFailed, err)
		}

		return nil

	case err != nil:
		return fmt.Errorf("%w: failed to lock stock row: %w", ErrStoreFailed, err)
	}

	updated := current + delta
	if updated < 0 {
		return fmt.Errorf(
			"%w: warehouse %s, product %s: current stock %d, attempted change %d",
			ErrNegativeStock, warehouseID, productID, current, delta,
		)
	}

	update := `
		UPDATE warehouse_stocks SET quantity = $3
		WHERE warehouse_id = $1 AND product_id = $2
	`
	if _, err := tx.ExecContext(ctx, update, warehouseID, productID, updated); err != nil {
		return fmt.Errorf("%w: failed to update stock row: %w", ErrStoreFailed, err)
	}

	return nil
}

// fetchMovementState retrieves the current halves of a movement with a row lock.
// Returns movementState with exists=false if the movement doesn't exist.
//
// The lock serializes concurrent half-events for the same movement_id (which
// may arrive on different partitions), so the read-modify-write of the halves
// and the derived fields cannot lose an update.
func fetchMovementState(ctx context.Context, tx *sql.Tx, movementID string) (movementState, error) {
	var state movementState

	query := `
		SELECT source_warehouse_id, departure_timestamp, departure_quantity,
		       destination_warehouse_id, arrival_timestamp, arrival_quantity
		FROM movements
		WHERE id = $1
		FOR UPDATE
	`

	err := tx.QueryRowContext(ctx, query, movementID).Scan(
		&state.sourceWarehouseID,
		&state.departureTimestamp,
		&state.departureQuantity,
		&state.destinationWarehouse,
		&state.arrivalTimestamp,
		&state.arrivalQuantity,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return movementState{exists: false}, nil
	}

	if err != nil {
		return state, fmt.Errorf("failed to fetch movement state: %w", err)
	}

	state.exists = true

	return state, nil
}

// upsertMovementHalf sets the half of the movement this event carries and
// recomputes the derived fields.
//
// Halves are symmetric: arrival and departure may be applied in either order.
// A repeated half overwrites the previous values for that half only
// (last-write-wins per half); the other half and product_id are untouched.
// The first event for a movement fixes product_id.
func upsertMovementHalf(ctx context.Context, tx *sql.Tx, e *event.NormalizedEvent) error {
	state, err := fetchMovementState(ctx, tx, e.MovementID)
	if err != nil {
		return err
	}

	if !state.exists {
		// FOR UPDATE locks nothing when the row is absent, so two
		// transactions racing on a new movement both see exists=false.
		// ON CONFLICT lets the loser proceed; the re-select then blocks on
		// the winner's row lock and observes its committed half.
		insert := `INSERT INTO movements (id, product_id) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`
		if _, err := tx.ExecContext(ctx, insert, e.MovementID, e.ProductID); err != nil {
			return fmt.Errorf("failed to insert movement: %w", err)
		}

		if state, err = fetchMovementState(ctx, tx, e.MovementID); err != nil {
			return err
		}

		if !state.exists {
			return fmt.Errorf("%w: movement %s missing after insert", ErrStoreFailed, e.MovementID)
		}
	}

	switch e.Kind {
	case event.KindDeparture:
		state.sourceWarehouseID = sql.NullString{String: e.WarehouseID, Valid: true}
		state.departureTimestamp = sql.NullTime{Time: e.Timestamp, Valid: true}
		state.departureQuantity = sql.NullInt64{Int64: int64(e.Quantity), Valid: true}
	case event.KindArrival:
		state.destinationWarehouse = sql.NullString{String: e.WarehouseID, Valid: true}
		state.arrivalTimestamp = sql.NullTime{Time: e.Timestamp, Valid: true}
		state.arrivalQuantity = sql.NullInt64{Int64: int64(e.Quantity), Valid: true}
	default:
		return fmt.Errorf("%w: %q", event.ErrInvalidKind, e.Kind)
	}

	transferTime, quantityDifference := deriveMovementFields(state)

	update := `
		UPDATE movements SET
			source_warehouse_id = $2,
			departure_timestamp = $3,
			departure_quantity = $4,
			destination_warehouse_id = $5,
			arrival_timestamp = $6,
			arrival_quantity = $7,
			transfer_time = $8,
			quantity_difference = $9,
			updated_at = NOW()
		WHERE id = $1
	`

	_, err = tx.ExecContext(ctx, update,
		e.MovementID,
		state.sourceWarehouseID,
		state.departureTimestamp,
		state.departureQuantity,
		state.destinationWarehouse,
		state.arrivalTimestamp,
		state.arrivalQuantity,
		transferTime,
		quantityDifference,
	)
	if err != nil {
		return fmt.Errorf("failed to update movement: %w", err)
	}

	return nil
}

// deriveMovementFields computes transfer_time and quantity_difference from
// the movement halves. Both derived fields stay NULL until both halves are
// present. An arrival earlier than the departure is an upstream anomaly:
// transfer_time stays NULL rather than going negative, and the halves are
// preserved as delivered.
func deriveMovementFields(state movementState) (sql.NullFloat64, sql.NullInt64) {
	var (
		transferTime       sql.NullFloat64
		quantityDifference sql.NullInt64
	)

	if !state.departureTimestamp.Valid || !state.arrivalTimestamp.Valid {
		return transferTime, quantityDifference
	}

	if !state.arrivalTimestamp.Time.Before(state.departureTimestamp.Time) {
		transferTime = sql.NullFloat64{
			Float64: state.arrivalTimestamp.Time.Sub(state.departureTimestamp.Time).Seconds(),
			Valid:   true,
		}
	}

	if state.departureQuantity.Valid && state.arrivalQuantity.Valid {
		quantityDifference = sql.NullInt64{
			Int64: state.arrivalQuantity.Int64 - state.departureQuantity.Int64,
			Valid: true,
		}
	}

	return transferTime, quantityDifference
}

// recordEvent inserts the processed-event journal row. The row is immutable
// once written; its existence means "this message's effects are committed".
// The denormalized payload columns exist for audit.
func recordEvent(ctx context.Context, tx *sql.Tx, e *event.NormalizedEvent) error {
	query := `
		INSERT INTO movement_events (
			id, movement_id, warehouse_id, event_type, timestamp,
			product_id, quantity, processed_at,
			message_id, message_source, message_time
		) VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), $8, $9, $10)
	`

	_, err := tx.ExecContext(ctx, query,
		e.MessageID,
		e.MovementID,
		e.WarehouseID,
		e.Kind.String(),
		e.Timestamp,
		e.ProductID,
		e.Quantity,
		e.MessageID,
		e.MessageSource,
		e.MessageTime,
	)
	if err != nil {
		return fmt.Errorf("failed to record processed event: %w", err)
	}

	return nil
}

// IsTransient reports whether an error from ProcessEvent is a transient I/O
// failure (retry with backoff) rather than a domain rejection such as
// ErrNegativeStock. Both keep the offset in place; only logging differs.
func IsTransient(err error) bool {
	return err != nil && !errors.Is(err, ErrNegativeStock)
}

// isConnectionError checks if an error indicates database connection failure.
// Uses PostgreSQL error codes (Class 08 = Connection Exception) and standard
// database/sql errors for robust detection.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return strings.HasPrefix(string(pqErr.Code), "08")
	}

	return errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn)
}
