// Package event provides wire-format decoding and validation for movement
// messages.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Malformed-message errors. Every failure in Normalize wraps
// ErrMalformedMessage so callers can classify with a single errors.Is check.
// Malformed messages are terminal: retrying one would waste the partition
// indefinitely, so the consumer logs it and advances the offset. A production
// extension would route these to a DLQ; that seam is the consumer loop.
var (
	// ErrMalformedMessage is the root of the terminal-rejection taxonomy.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrInvalidJSON indicates the payload is not valid UTF-8 JSON.
	ErrInvalidJSON = fmt.Errorf("%w: invalid JSON payload", ErrMalformedMessage)

	// ErrMissingEnvelopeField indicates a required envelope field is absent.
	ErrMissingEnvelopeField = fmt.Errorf("%w: missing envelope field", ErrMalformedMessage)

	// ErrNegativeMessageTime indicates the envelope time is negative.
	ErrNegativeMessageTime = fmt.Errorf("%w: envelope time must be >= 0", ErrMalformedMessage)

	// ErrMissingDataField indicates a required data field is absent.
	ErrMissingDataField = fmt.Errorf("%w: missing data field", ErrMalformedMessage)

	// ErrInvalidTimestamp indicates data.timestamp is not ISO-8601.
	ErrInvalidTimestamp = fmt.Errorf("%w: invalid timestamp format", ErrMalformedMessage)

	// ErrInvalidEventKind indicates data.event is neither arrival nor departure.
	ErrInvalidEventKind = fmt.Errorf("%w: invalid event kind", ErrMalformedMessage)
)

type (
	// Normalizer decodes a raw message payload into a validated NormalizedEvent.
	//
	// Validation strategy is semantic (unmarshal + field rules) rather than
	// formal JSON schema validation. Required fields are modeled as pointers so
	// that a missing field is distinguishable from a zero value.
	Normalizer struct{}

	// envelope is the wire format of a movement message.
	envelope struct {
		ID              *string      `json:"id"`
		Source          *string      `json:"source"`
		SpecVersion     *string      `json:"specversion"`
		Type            *string      `json:"type"`
		DataContentType *string      `json:"datacontenttype"`
		DataSchema      *string      `json:"dataschema"`
		Time            *int64       `json:"time"`
		Subject         *string      `json:"subject"`
		Destination     *string      `json:"destination"`
		Data            *payloadData `json:"data"`
	}

	// payloadData is the domain payload carried in the envelope's data field.
	payloadData struct {
		MovementID  *string `json:"movement_id"`  //nolint: tagliatelle
		WarehouseID *string `json:"warehouse_id"` //nolint: tagliatelle
		Timestamp   *string `json:"timestamp"`
		Event       *string `json:"event"`
		ProductID   *string `json:"product_id"` //nolint: tagliatelle
		Quantity    *int    `json:"quantity"`
	}
)

// timestampLayouts are the accepted ISO-8601 shapes for data.timestamp,
// tried in order. Layouts without a zone are interpreted as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

// NewNormalizer creates a new Normalizer instance.
func NewNormalizer() *Normalizer {
	return &Normalizer{}
}

// Normalize decodes and validates a raw message payload.
//
// Any decoding, structural, or schema violation is terminal: the returned
// error wraps ErrMalformedMessage and the caller is expected to skip the
// message (advance the offset) rather than retry it.
//
// Validation rules:
//   - payload must be UTF-8 JSON with all envelope fields present
//   - time must be a non-negative integer (milliseconds since epoch)
//   - data must contain movement_id, warehouse_id, timestamp, event,
//     product_id, quantity
//   - data.timestamp must parse as ISO-8601; a missing timezone means UTC
//   - data.event must be "arrival" or "departure" (case-insensitive)
func (n *Normalizer) Normalize(raw []byte) (*NormalizedEvent, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidJSON, err)
	}

	if err := validateEnvelope(&env); err != nil {
		return nil, err
	}

	if err := validatePayload(env.Data); err != nil {
		return nil, err
	}

	timestamp, err := parseEventTimestamp(*env.Data.Timestamp)
	if err != nil {
		return nil, err
	}

	kind, err := ParseKind(*env.Data.Event)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEventKind, err)
	}

	return &NormalizedEvent{
		MessageID:     *env.ID,
		MessageSource: *env.Source,
		MessageTime:   time.UnixMilli(*env.Time).UTC(),
		MovementID:    *env.Data.MovementID,
		WarehouseID:   *env.Data.WarehouseID,
		ProductID:     *env.Data.ProductID,
		Kind:          kind,
		Timestamp:     timestamp,
		Quantity:      *env.Data.Quantity,
	}, nil
}

// validateEnvelope checks that every envelope field is present and that the
// message time is non-negative.
func validateEnvelope(env *envelope) error {
	required := map[string]bool{
		"id":              env.ID != nil,
		"source":          env.Source != nil,
		"specversion":     env.SpecVersion != nil,
		"type":            env.Type != nil,
		"datacontenttype": env.DataContentType != nil,
		"dataschema":      env.DataSchema != nil,
		"time":            env.Time != nil,
		"subject":         env.Subject != nil,
		"destination":     env.Destination != nil,
		"data":            env.Data != nil,
	}

	for field, present := range required {
		if !present {
			return fmt.Errorf("%w: %s", ErrMissingEnvelopeField, field)
		}
	}

	if *env.Time < 0 {
		return fmt.Errorf("%w: got %d", ErrNegativeMessageTime, *env.Time)
	}

	return nil
}

// validatePayload checks that every data field is present.
func validatePayload(data *payloadData) error {
	required := map[string]bool{
		"movement_id":  data.MovementID != nil,
		"warehouse_id": data.WarehouseID != nil,
		"timestamp":    data.Timestamp != nil,
		"event":        data.Event != nil,
		"product_id":   data.ProductID != nil,
		"quantity":     data.Quantity != nil,
	}

	for field, present := range required {
		if !present {
			return fmt.Errorf("%w: data.%s", ErrMissingDataField, field)
		}
	}

	return nil
}

// parseEventTimestamp parses an ISO-8601 timestamp. A trailing "Z" is
// equivalent to "+00:00"; a timestamp without a timezone is interpreted
// as UTC. The result is always in UTC.
func parseEventTimestamp(value string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		// Layouts without a zone parse as UTC, which is exactly the
		// missing-timezone rule.
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTimestamp, value)
}
