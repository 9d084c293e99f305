package consolidation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdempotencyKeyStable(t *testing.T) {
	item := testItem("itm_1", "work", "note")
	assert.Equal(t, IdempotencyKey(item), IdempotencyKey(item))

	other := testItem("itm_2", "work", "note")
	assert.NotEqual(t, IdempotencyKey(item), IdempotencyKey(other))

	// Same item id in a different scope is a different dispatch.
	moved := item
	moved.Scope = "research"
	assert.NotEqual(t, IdempotencyKey(item), IdempotencyKey(moved))
}

func TestNewSQLiteStoreRejectsUnknownLayer(t *testing.T) {
	_, err := NewSQLiteStore(testDB(t), Layer("short_term"), newFakeClock())
	assert.Error(t, err)
}

func TestSQLiteStoreAcceptIdempotent(t *testing.T) {
	store, err := NewSQLiteStore(testDB(t), LayerEpisodic, newFakeClock())
	require.NoError(t, err)

	ctx := context.Background()
	item := testItem("itm_1", "work", "the deploy happened yesterday")
	key := IdempotencyKey(item)

	first, err := store.Accept(ctx, item, key)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	// A duplicate dispatch is success, returning the existing record.
	second, err := store.Accept(ctx, item, key)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	n, err := store.Count(ctx, "work")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLiteStoresPartitionByLayer(t *testing.T) {
	db := testDB(t)
	stores, err := NewLayerStores(db, newFakeClock())
	require.NoError(t, err)
	require.Len(t, stores, 4)

	ctx := context.Background()
	for _, layer := range ValidLayers() {
		require.Equal(t, layer, stores[layer].Layer())
		item := testItem("itm_"+string(layer), "work", "note")
		_, err := stores[layer].Accept(ctx, item, IdempotencyKey(item))
		require.NoError(t, err)
	}

	for _, layer := range ValidLayers() {
		n, err := stores[layer].(*SQLiteStore).Count(ctx, "work")
		require.NoError(t, err)
		assert.Equal(t, 1, n, "layer %s", layer)
	}
}

func TestSQLiteStoreConsolidationTimestampFromClock(t *testing.T) {
	db := testDB(t)
	clock := newFakeClock()
	store, err := NewSQLiteStore(db, LayerEpisodic, clock)
	require.NoError(t, err)

	ctx := context.Background()
	item := testItem("itm_1", "work", "note")
	id, err := store.Accept(ctx, item, IdempotencyKey(item))
	require.NoError(t, err)

	var consolidatedAt string
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT consolidated_at FROM long_term_memories WHERE id = ?`, id).
		Scan(&consolidatedAt))
	assert.Equal(t, clock.Now().Format(time.RFC3339), consolidatedAt)
}

func TestSQLiteStoreCountScoped(t *testing.T) {
	store, err := NewSQLiteStore(testDB(t), LayerSemantic, newFakeClock())
	require.NoError(t, err)

	ctx := context.Background()
	a := testItem("itm_a", "alpha", "fact")
	b := testItem("itm_b", "beta", "fact")
	_, err = store.Accept(ctx, a, IdempotencyKey(a))
	require.NoError(t, err)
	_, err = store.Accept(ctx, b, IdempotencyKey(b))
	require.NoError(t, err)

	n, err := store.Count(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
