package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a requested stock or movement row does
	// not exist. API handlers translate it to a 404.
	ErrNotFound = errors.New("not found")

	// ErrDatabaseUnavailable wraps connection-class failures so callers can
	// distinguish "row missing" from "database down" (503 vs 404).
	ErrDatabaseUnavailable = errors.New("database unavailable")
)

type (
	// StockView is the read model for a (warehouse, product) stock level.
	StockView struct {
		WarehouseID string `json:"warehouse_id"`
		ProductID   string `json:"product_id"`
		Quantity    int    `json:"quantity"`
	}

	// MovementView is the read model for a movement, including both halves
	// (either of which may still be missing) and the derived fields.
	//
	// Pointer fields render as JSON null while the corresponding half has
	// not been processed yet.
	MovementView struct {
		MovementID             string     `json:"movement_id"`
		ProductID              string     `json:"product_id"`
		SourceWarehouseID      *string    `json:"source_warehouse_id"`
		DepartureTimestamp     *time.Time `json:"departure_timestamp"`
		DepartureQuantity      *int       `json:"departure_quantity"`
		DestinationWarehouseID *string    `json:"destination_warehouse_id"`
		ArrivalTimestamp       *time.Time `json:"arrival_timestamp"`
		ArrivalQuantity        *int       `json:"arrival_quantity"`
		TransferTimeSeconds    *float64   `json:"transfer_time_seconds"`
		QuantityDifference     *int       `json:"quantity_difference"`
		IsComplete             bool       `json:"is_complete"`
	}
)

// GetStock returns the current stock level for a (warehouse, product) pair.
// Returns ErrNotFound if the pair has never been touched by any event.
func (s *WarehouseStore) GetStock(ctx context.Context, warehouseID, productID string) (*StockView, error) {
	query := `
		SELECT quantity FROM warehouse_stocks
		WHERE warehouse_id = $1 AND product_id = $2
	`

	view := &StockView{WarehouseID: warehouseID, ProductID: productID}

	err := s.conn.QueryRowContext(ctx, query, warehouseID, productID).Scan(&view.Quantity)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: stock for warehouse %s, product %s", ErrNotFound, warehouseID, productID)
	}

	if err != nil {
		return nil, classifyReadError("failed to query stock", err)
	}

	return view, nil
}

// GetMovement returns the movement with both halves and derived fields.
// Returns ErrNotFound if no event for the movement has been processed.
func (s *WarehouseStore) GetMovement(ctx context.Context, movementID string) (*MovementView, error) {
	query := `
		SELECT product_id,
		       source_warehouse_id, departure_timestamp, departure_quantity,
		       destination_warehouse_id, arrival_timestamp, arrival_quantity,
		       transfer_time, quantity_difference
		FROM movements
		WHERE id = $1
	`

	var (
		source     sql.NullString
		depTime    sql.NullTime
		depQty     sql.NullInt64
		dest       sql.NullString
		arrTime    sql.NullTime
		arrQty     sql.NullInt64
		transfer   sql.NullFloat64
		difference sql.NullInt64
	)

	view := &MovementView{MovementID: movementID}

	err := s.conn.QueryRowContext(ctx, query, movementID).Scan(
		&view.ProductID,
		&source, &depTime, &depQty,
		&dest, &arrTime, &arrQty,
		&transfer, &difference,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: movement %s", ErrNotFound, movementID)
	}

	if err != nil {
		return nil, classifyReadError("failed to query movement", err)
	}

	view.SourceWarehouseID = nullableString(source)
	view.DepartureTimestamp = nullableTime(depTime)
	view.DepartureQuantity = nullableInt(depQty)
	view.DestinationWarehouseID = nullableString(dest)
	view.ArrivalTimestamp = nullableTime(arrTime)
	view.ArrivalQuantity = nullableInt(arrQty)

	if transfer.Valid {
		view.TransferTimeSeconds = &transfer.Float64
	}

	view.QuantityDifference = nullableInt(difference)
	view.IsComplete = depTime.Valid && arrTime.Valid

	return view, nil
}

// classifyReadError wraps a read failure, tagging connection-class errors
// with ErrDatabaseUnavailable.
func classifyReadError(msg string, err error) error {
	if isConnectionError(err) {
		return fmt.Errorf("%w: %s: %w", ErrDatabaseUnavailable, msg, err)
	}

	return fmt.Errorf("%s: %w", msg, err)
}

func nullableString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}

	return &v.String
}

func nullableTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}

	t := v.Time.UTC()

	return &t
}

func nullableInt(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}

	n := int(v.Int64)

	return &n
}
