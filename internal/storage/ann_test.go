package storage

import (
	"math"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unitVec(angle float64) []float32 {
	return []float32{float32(math.Cos(angle)), float32(math.Sin(angle)), 0, 0}
}

func TestANNIndexNearest(t *testing.T) {
	idx := newANNIndex(4)

	near := uuid.New()
	mid := uuid.New()
	far := uuid.New()
	idx.insert(near, unitVec(0.05))
	idx.insert(mid, unitVec(0.8))
	idx.insert(far, unitVec(2.5))

	got := idx.search(unitVec(0), 2)
	require.Len(t, got, 2)
	assert.Equal(t, near, got[0])
	assert.Equal(t, mid, got[1])
}

func TestANNIndexRemoveFilters(t *testing.T) {
	idx := newANNIndex(4)
	keep := uuid.New()
	gone := uuid.New()
	idx.insert(keep, unitVec(0.1))
	idx.insert(gone, unitVec(0.2))

	idx.remove(gone)
	got := idx.search(unitVec(0.2), 2)
	require.Len(t, got, 1)
	assert.Equal(t, keep, got[0])
}

func TestANNIndexDimensionGuard(t *testing.T) {
	idx := newANNIndex(4)
	good := uuid.New()
	idx.insert(good, unitVec(0.3))
	idx.insert(uuid.New(), []float32{1, 0}) // wrong dimension, dropped

	got := idx.search(unitVec(0.3), 2)
	require.Len(t, got, 1)
	assert.Equal(t, good, got[0])
	assert.Nil(t, idx.search([]float32{1, 0}, 1))
}

func TestANNIndexRebuildAfterChurn(t *testing.T) {
	idx := newANNIndex(4)

	ids := make([]uuid.UUID, 0, 70)
	for i := 0; i < 70; i++ {
		id := uuid.New()
		ids = append(ids, id)
		idx.insert(id, unitVec(float64(i)*0.02))
	}
	// Removing nearly everything pushes tombstones past the rebuild
	// threshold; the survivors must still be searchable afterwards.
	for _, id := range ids[4:] {
		idx.remove(id)
	}
	// The rebuild fires once tombstones outnumber live entries; only the
	// removals after it remain tombstoned.
	assert.Len(t, idx.tombstone, 1)

	got := idx.search(unitVec(0), 4)
	require.Len(t, got, 4)
	assert.ElementsMatch(t, ids[:4], got)
}
