package storage_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/wareflow-io/wareflow/internal/config"
	"github.com/wareflow-io/wareflow/internal/event"
	"github.com/wareflow-io/wareflow/internal/storage"
)

// recordingInvalidator captures post-commit invalidation calls.
type recordingInvalidator struct {
	mu    sync.Mutex
	calls [][3]string
}

func (r *recordingInvalidator) Invalidate(_ context.Context, warehouseID, productID, movementID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls = append(r.calls, [3]string{warehouseID, productID, movementID})
}

func setupStore(t *testing.T) (*storage.WarehouseStore, *recordingInvalidator) {
	t.Helper()

	ctx := context.Background()
	testDB := config.SetupTestDatabase(ctx, t)

	t.Cleanup(func() {
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	invalidator := &recordingInvalidator{}

	store, err := storage.NewWarehouseStore(
		storage.WrapDB(testDB.Connection),
		storage.WithCacheInvalidator(invalidator),
	)
	require.NoError(t, err, "Failed to create warehouse store")

	return store, invalidator
}

// newEvent builds a normalized event with fresh identifiers. Mutate the
// returned value to shape the scenario.
func newEvent(kind event.Kind) *event.NormalizedEvent {
	return &event.NormalizedEvent{
		MessageID:     uuid.New().String(),
		MessageSource: "WH-3322",
		MessageTime:   time.Now().UTC().Truncate(time.Millisecond),
		MovementID:    uuid.New().String(),
		WarehouseID:   uuid.New().String(),
		ProductID:     uuid.New().String(),
		Kind:          kind,
		Timestamp:     time.Date(2025, 2, 18, 14, 34, 56, 0, time.UTC),
		Quantity:      100,
	}
}

func TestWarehouseStore_ArrivalCreatesStock(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store, invalidator := setupStore(t)
	ctx := context.Background()

	e := newEvent(event.KindArrival)

	processed, duplicate, err := store.ProcessEvent(ctx, e)
	require.NoError(t, err)
	assert.True(t, processed)
	assert.False(t, duplicate)

	stock, err := store.GetStock(ctx, e.WarehouseID, e.ProductID)
	require.NoError(t, err)
	assert.Equal(t, 100, stock.Quantity)

	movement, err := store.GetMovement(ctx, e.MovementID)
	require.NoError(t, err)
	assert.False(t, movement.IsComplete)
	assert.Nil(t, movement.TransferTimeSeconds)
	require.NotNil(t, movement.DestinationWarehouseID)
	assert.Equal(t, e.WarehouseID, *movement.DestinationWarehouseID)
	assert.Nil(t, movement.SourceWarehouseID)

	require.Len(t, invalidator.calls, 1)
	assert.Equal(t, [3]string{e.WarehouseID, e.ProductID, e.MovementID}, invalidator.calls[0])
}

func TestWarehouseStore_PairedMovementDerivesFields(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store, _ := setupStore(t)
	ctx := context.Background()

	// Seed the source warehouse so the departure has stock to draw from.
	seed := newEvent(event.KindArrival)
	seed.Quantity = 500

	_, _, err := store.ProcessEvent(ctx, seed)
	require.NoError(t, err)

	departure := newEvent(event.KindDeparture)
	departure.WarehouseID = seed.WarehouseID
	departure.ProductID = seed.ProductID
	departure.Quantity = 100
	departure.Timestamp = time.Date(2025, 2, 18, 13, 34, 56, 0, time.UTC)

	arrival := newEvent(event.KindArrival)
	arrival.MovementID = departure.MovementID
	arrival.ProductID = seed.ProductID
	arrival.Quantity = 98
	arrival.Timestamp = departure.Timestamp.Add(time.Hour)

	_, _, err = store.ProcessEvent(ctx, departure)
	require.NoError(t, err)

	_, _, err = store.ProcessEvent(ctx, arrival)
	require.NoError(t, err)

	movement, err := store.GetMovement(ctx, departure.MovementID)
	require.NoError(t, err)

	assert.True(t, movement.IsComplete)
	require.NotNil(t, movement.TransferTimeSeconds)
	assert.InDelta(t, 3600.0, *movement.TransferTimeSeconds, 0.001)
	require.NotNil(t, movement.QuantityDifference)
	assert.Equal(t, -2, *movement.QuantityDifference)

	sourceStock, err := store.GetStock(ctx, seed.WarehouseID, seed.ProductID)
	require.NoError(t, err)
	assert.Equal(t, 400, sourceStock.Quantity)

	destStock, err := store.GetStock(ctx, arrival.WarehouseID, arrival.ProductID)
	require.NoError(t, err)
	assert.Equal(t, 98, destStock.Quantity)
}

func TestWarehouseStore_OutOfOrderPairing(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store, _ := setupStore(t)
	ctx := context.Background()

	// Arrival is processed before the departure that started the movement.
	arrival := newEvent(event.KindArrival)
	arrival.Quantity = 98
	arrival.Timestamp = time.Date(2025, 2, 18, 14, 34, 56, 0, time.UTC)

	_, _, err := store.ProcessEvent(ctx, arrival)
	require.NoError(t, err)

	movement, err := store.GetMovement(ctx, arrival.MovementID)
	require.NoError(t, err)
	assert.False(t, movement.IsComplete)
	assert.Nil(t, movement.TransferTimeSeconds)

	// Seed the source warehouse, then the late departure completes the pair.
	seed := newEvent(event.KindArrival)
	seed.ProductID = arrival.ProductID
	seed.Quantity = 200

	_, _, err = store.ProcessEvent(ctx, seed)
	require.NoError(t, err)

	departure := newEvent(event.KindDeparture)
	departure.MovementID = arrival.MovementID
	departure.WarehouseID = seed.WarehouseID
	departure.ProductID = arrival.ProductID
	departure.Quantity = 100
	departure.Timestamp = arrival.Timestamp.Add(-time.Hour)

	_, _, err = store.ProcessEvent(ctx, departure)
	require.NoError(t, err)

	movement, err = store.GetMovement(ctx, arrival.MovementID)
	require.NoError(t, err)
	assert.True(t, movement.IsComplete)
	require.NotNil(t, movement.TransferTimeSeconds)
	assert.InDelta(t, 3600.0, *movement.TransferTimeSeconds, 0.001)
	require.NotNil(t, movement.QuantityDifference)
	assert.Equal(t, -2, *movement.QuantityDifference)
}

func TestWarehouseStore_DuplicateDeliveryHasNoEffect(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store, invalidator := setupStore(t)
	ctx := context.Background()

	e := newEvent(event.KindArrival)

	processed, duplicate, err := store.ProcessEvent(ctx, e)
	require.NoError(t, err)
	assert.True(t, processed)
	assert.False(t, duplicate)

	// Redelivery of the exact same message.
	processed, duplicate, err = store.ProcessEvent(ctx, e)
	require.NoError(t, err)
	assert.False(t, processed)
	assert.True(t, duplicate)

	stock, err := store.GetStock(ctx, e.WarehouseID, e.ProductID)
	require.NoError(t, err)
	assert.Equal(t, 100, stock.Quantity, "duplicate must not double-apply the stock delta")

	assert.Len(t, invalidator.calls, 1, "duplicate must not invalidate the cache")
}

func TestWarehouseStore_RepeatedHalfOverwrites(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store, _ := setupStore(t)
	ctx := context.Background()

	first := newEvent(event.KindArrival)
	first.Quantity = 90

	_, _, err := store.ProcessEvent(ctx, first)
	require.NoError(t, err)

	// A distinct message carrying a corrected arrival for the same movement.
	corrected := newEvent(event.KindArrival)
	corrected.MovementID = first.MovementID
	corrected.WarehouseID = first.WarehouseID
	corrected.ProductID = first.ProductID
	corrected.Quantity = 95
	corrected.Timestamp = first.Timestamp.Add(time.Minute)

	_, _, err = store.ProcessEvent(ctx, corrected)
	require.NoError(t, err)

	movement, err := store.GetMovement(ctx, first.MovementID)
	require.NoError(t, err)
	require.NotNil(t, movement.ArrivalQuantity)
	assert.Equal(t, 95, *movement.ArrivalQuantity, "later half overwrites the earlier one")
	require.NotNil(t, movement.ArrivalTimestamp)
	assert.True(t, movement.ArrivalTimestamp.Equal(corrected.Timestamp))

	// Both messages applied their stock deltas; overwrite semantics are for
	// the movement record only.
	stock, err := store.GetStock(ctx, first.WarehouseID, first.ProductID)
	require.NoError(t, err)
	assert.Equal(t, 185, stock.Quantity)
}

func TestWarehouseStore_NegativeStockRejected(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store, invalidator := setupStore(t)
	ctx := context.Background()

	seed := newEvent(event.KindArrival)
	seed.Quantity = 10

	_, _, err := store.ProcessEvent(ctx, seed)
	require.NoError(t, err)

	departure := newEvent(event.KindDeparture)
	departure.WarehouseID = seed.WarehouseID
	departure.ProductID = seed.ProductID
	departure.Quantity = 30

	processed, duplicate, err := store.ProcessEvent(ctx, departure)
	require.ErrorIs(t, err, storage.ErrNegativeStock)
	assert.False(t, processed)
	assert.False(t, duplicate)

	// The rejected transaction must leave no trace.
	stock, err := store.GetStock(ctx, seed.WarehouseID, seed.ProductID)
	require.NoError(t, err)
	assert.Equal(t, 10, stock.Quantity)

	_, err = store.GetMovement(ctx, departure.MovementID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	assert.Len(t, invalidator.calls, 1, "rejected event must not invalidate the cache")

	// A retry of the same message keeps failing rather than turning into a
	// duplicate, because nothing was journaled.
	_, _, err = store.ProcessEvent(ctx, departure)
	require.ErrorIs(t, err, storage.ErrNegativeStock)
}

// Races several departures against one stock row. The row lock serializes
// them, so the invariant must hold no matter the interleaving: exactly the
// withdrawals the stock can cover succeed, the rest are rejected.
func TestWarehouseStore_ConcurrentDeparturesSerialize(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store, _ := setupStore(t)
	ctx := context.Background()

	seed := newEvent(event.KindArrival)
	seed.Quantity = 100

	_, _, err := store.ProcessEvent(ctx, seed)
	require.NoError(t, err)

	// Four withdrawals of 30 against a stock of 100: exactly one must lose.
	const workers = 4

	var (
		start = make(chan struct{})
		wg    sync.WaitGroup
		errs  = make([]error, workers)
	)

	for i := range workers {
		departure := newEvent(event.KindDeparture)
		departure.WarehouseID = seed.WarehouseID
		departure.ProductID = seed.ProductID
		departure.Quantity = 30

		wg.Add(1)

		go func() {
			defer wg.Done()
			<-start

			_, _, errs[i] = store.ProcessEvent(ctx, departure)
		}()
	}

	close(start)
	wg.Wait()

	rejected := 0

	for _, err := range errs {
		if err != nil {
			require.ErrorIs(t, err, storage.ErrNegativeStock)

			rejected++
		}
	}

	assert.Equal(t, 1, rejected, "exactly one departure must exceed the stock")

	stock, err := store.GetStock(ctx, seed.WarehouseID, seed.ProductID)
	require.NoError(t, err)
	assert.Equal(t, 10, stock.Quantity)
}

// Both halves of a brand-new movement land at the same time. Neither sees an
// existing row, so both take the insert path; both transactions must still
// commit and the paired fields must reflect both halves.
func TestWarehouseStore_ConcurrentHalvesOfNewMovement(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store, _ := setupStore(t)
	ctx := context.Background()

	seed := newEvent(event.KindArrival)
	seed.Quantity = 200

	_, _, err := store.ProcessEvent(ctx, seed)
	require.NoError(t, err)

	departure := newEvent(event.KindDeparture)
	departure.WarehouseID = seed.WarehouseID
	departure.ProductID = seed.ProductID
	departure.Quantity = 100
	departure.Timestamp = time.Date(2025, 2, 18, 13, 34, 56, 0, time.UTC)

	arrival := newEvent(event.KindArrival)
	arrival.MovementID = departure.MovementID
	arrival.ProductID = seed.ProductID
	arrival.Quantity = 98
	arrival.Timestamp = departure.Timestamp.Add(time.Hour)

	var (
		start = make(chan struct{})
		wg    sync.WaitGroup
		errs  = make([]error, 2)
	)

	for i, e := range []*event.NormalizedEvent{departure, arrival} {
		wg.Add(1)

		go func() {
			defer wg.Done()
			<-start

			_, _, errs[i] = store.ProcessEvent(ctx, e)
		}()
	}

	close(start)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	movement, err := store.GetMovement(ctx, departure.MovementID)
	require.NoError(t, err)
	assert.True(t, movement.IsComplete)
	require.NotNil(t, movement.TransferTimeSeconds)
	assert.InDelta(t, 3600.0, *movement.TransferTimeSeconds, 0.001)
	require.NotNil(t, movement.QuantityDifference)
	assert.Equal(t, -2, *movement.QuantityDifference)
}

func TestWarehouseStore_ReadMissingRows(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store, _ := setupStore(t)
	ctx := context.Background()

	_, err := store.GetStock(ctx, uuid.New().String(), uuid.New().String())
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = store.GetMovement(ctx, uuid.New().String())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestWarehouseStore_HealthCheck(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store, _ := setupStore(t)

	err := store.HealthCheck(context.Background())
	assert.NoError(t, err)
}

func TestWarehouseStore_ErrorClassification(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	assert.False(t, storage.IsTransient(nil))
	assert.False(t, storage.IsTransient(storage.ErrNegativeStock))
	assert.True(t, storage.IsTransient(errors.New("connection reset")))
}
