// Package event provides the domain model for warehouse movement events and
// the interfaces the processing pipeline needs for persistence.
//
// A movement is a single physical transfer of a product, modeled as a pair of
// half-events (departure, arrival) tied together by a movement_id. Halves may
// arrive in either order, on the same or different partitions, or not at all.
package event

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

type (
	// Kind represents the two halves of a movement.
	Kind string

	// NormalizedEvent is a validated, typed movement event - Domain Model.
	//
	// This is a pure domain model without JSON tags. The consumer layer decodes
	// the wire envelope (see Normalizer) and maps it to this type; everything
	// downstream of the Normalizer works with NormalizedEvent only.
	NormalizedEvent struct {
		// MessageID is the unique identifier of the source message. It keys the
		// processed-event journal: replaying a message with the same MessageID
		// any number of times produces the same committed state as processing
		// it exactly once.
		MessageID string

		// MessageSource is the producer tag from the message envelope.
		MessageSource string

		// MessageTime is the envelope timestamp (milliseconds since epoch on
		// the wire), in UTC.
		MessageTime time.Time

		// MovementID ties this half-event to its counterpart.
		MovementID string

		// WarehouseID is the warehouse where this half occurred: the source
		// warehouse for a departure, the destination for an arrival.
		WarehouseID string

		// ProductID identifies the moved product. The first event for a
		// movement fixes the movement's product; it is immutable afterwards.
		ProductID string

		// Kind is arrival or departure.
		Kind Kind

		// Timestamp is when the half-event occurred (UTC), taken from the
		// message data, not from arrival time.
		Timestamp time.Time

		// Quantity is the quantity carried by this half. Sign semantics are
		// applied by the coordinator, not here.
		Quantity int
	}
)

const (
	// KindArrival indicates goods arriving at a warehouse. Stock delta: +quantity.
	KindArrival Kind = "arrival"

	// KindDeparture indicates goods leaving a warehouse. Stock delta: -quantity.
	KindDeparture Kind = "departure"
)

// Validation errors for event kinds and normalized events.
var (
	// ErrInvalidKind indicates an unknown event kind.
	ErrInvalidKind = errors.New("invalid event kind")

	// ErrNilEvent indicates a nil event passed to a component boundary.
	ErrNilEvent = errors.New("event cannot be nil")

	// ErrMissingMessageID indicates the message id is empty.
	ErrMissingMessageID = errors.New("message id is required")

	// ErrMissingMovementID indicates the movement id is empty.
	ErrMissingMovementID = errors.New("movement id is required")

	// ErrMissingWarehouseID indicates the warehouse id is empty.
	ErrMissingWarehouseID = errors.New("warehouse id is required")

	// ErrMissingProductID indicates the product id is empty.
	ErrMissingProductID = errors.New("product id is required")

	// ErrMissingTimestamp indicates the event timestamp is the zero value.
	ErrMissingTimestamp = errors.New("event timestamp is required")
)

// ParseKind parses an event kind string, case-insensitively.
// The stored form is always lowercase.
func ParseKind(s string) (Kind, error) {
	kind := Kind(strings.ToLower(strings.TrimSpace(s)))
	if !kind.IsValid() {
		return "", fmt.Errorf("%w: %q (valid: arrival, departure)", ErrInvalidKind, s)
	}

	return kind, nil
}

// IsValid checks if the Kind is a valid event kind.
func (k Kind) IsValid() bool {
	return k == KindArrival || k == KindDeparture
}

// String returns the string representation of the Kind.
func (k Kind) String() string {
	return string(k)
}

// SignedQuantity returns the stock delta this event applies:
// +Quantity for an arrival, -Quantity for a departure.
func (e *NormalizedEvent) SignedQuantity() int {
	if e.Kind == KindDeparture {
		return -e.Quantity
	}

	return e.Quantity
}

// Validate performs defensive validation of a NormalizedEvent before it
// crosses a component boundary. The Normalizer produces only valid events;
// this protects the storage layer against hand-built ones.
func (e *NormalizedEvent) Validate() error {
	if e == nil {
		return ErrNilEvent
	}

	if e.MessageID == "" {
		return ErrMissingMessageID
	}

	if e.MovementID == "" {
		return ErrMissingMovementID
	}

	if e.WarehouseID == "" {
		return ErrMissingWarehouseID
	}

	if e.ProductID == "" {
		return ErrMissingProductID
	}

	if !e.Kind.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidKind, e.Kind)
	}

	if e.Timestamp.IsZero() {
		return ErrMissingTimestamp
	}

	return nil
}

// Processor defines the interface for applying one normalized event.
//
// The domain package defines this interface to specify what the consumer loop
// needs, without depending on concrete implementations. The PostgreSQL
// implementation lives in internal/storage.
//
// Implementations must apply the event as one atomic transaction covering the
// idempotency journal, the stock ledger, and the movement pairing record, and
// must invalidate stale cache entries only after the transaction commits.
type Processor interface {
	// ProcessEvent applies a single event with idempotency checking.
	//
	// Returns (processed, duplicate, error) where:
	//   - processed=true: the event's transaction committed
	//   - duplicate=true: the message was already processed (journal hit);
	//     this is success-with-no-effect, never an error
	//   - error: the transaction rolled back; the event must be retried and
	//     the consumer must not advance the offset past it
	ProcessEvent(ctx context.Context, e *NormalizedEvent) (processed bool, duplicate bool, err error)

	// HealthCheck verifies the backing store is healthy and ready.
	HealthCheck(ctx context.Context) error
}
