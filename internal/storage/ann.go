package storage

import (
	"sync"

	"github.com/fogfish/hnsw"
	"github.com/google/uuid"
	hnswvector "github.com/kshard/vector"
)

// annNode carries the row id alongside its vector so index hits map
// straight back to memories without a reverse vector lookup.
type annNode struct {
	id  uuid.UUID
	vec []float32
}

// annIndex wraps a fogfish/hnsw graph with a cosine surface. The graph
// cannot delete nodes, so removals are tracked in a tombstone set and the
// index is rebuilt once tombstones outnumber live entries.
type annIndex struct {
	mu        sync.RWMutex
	index     *hnsw.HNSW[annNode]
	dim       int
	efSearch  int
	live      map[uuid.UUID][]float32
	tombstone map[uuid.UUID]bool
}

func newANNIndex(dim int) *annIndex {
	a := &annIndex{
		dim:       dim,
		efSearch:  100,
		live:      make(map[uuid.UUID][]float32),
		tombstone: make(map[uuid.UUID]bool),
	}
	a.index = a.newGraph()
	return a
}

// nodeSurface projects nodes onto the cosine surface while keeping
// identity on the row id, so re-embedded rows never compare equal to
// their stale graph entries.
type nodeSurface struct {
	cosine hnswvector.Surface[hnswvector.F32]
}

func (s nodeSurface) Distance(x, y annNode) float32 {
	return s.cosine.Distance(hnswvector.F32(x.vec), hnswvector.F32(y.vec))
}

func (s nodeSurface) Equal(x, y annNode) bool { return x.id == y.id }

func (a *annIndex) newGraph() *hnsw.HNSW[annNode] {
	return hnsw.New[annNode](
		nodeSurface{cosine: hnswvector.Cosine()},
		hnsw.WithM(16),
		hnsw.WithM0(32),
		hnsw.WithEfConstruction(200),
	)
}

func (a *annIndex) insert(id uuid.UUID, vec []float32) {
	if len(vec) != a.dim {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	cp := append([]float32(nil), vec...)
	if _, exists := a.live[id]; exists {
		// Re-embedding: the old node stays in the graph as a tombstone.
		a.tombstone[id] = true
	}
	a.live[id] = cp
	delete(a.tombstone, id)
	a.index.Insert(annNode{id: id, vec: cp})
}

func (a *annIndex) remove(id uuid.UUID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.live[id]; !ok {
		return
	}
	delete(a.live, id)
	a.tombstone[id] = true
	if len(a.tombstone) > len(a.live) && len(a.tombstone) > 64 {
		a.rebuildLocked()
	}
}

func (a *annIndex) rebuildLocked() {
	a.index = a.newGraph()
	for id, vec := range a.live {
		a.index.Insert(annNode{id: id, vec: vec})
	}
	a.tombstone = make(map[uuid.UUID]bool)
}

// search returns up to k live candidate ids nearest to query.
func (a *annIndex) search(query []float32, k int) []uuid.UUID {
	if len(query) != a.dim || k <= 0 {
		return nil
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	// Ask for extra neighbours to absorb tombstoned hits.
	fetch := k + len(a.tombstone)
	neighbours := a.index.Search(annNode{vec: query}, fetch, a.efSearch)
	out := make([]uuid.UUID, 0, k)
	for _, n := range neighbours {
		if a.tombstone[n.id] {
			continue
		}
		if _, ok := a.live[n.id]; !ok {
			continue
		}
		out = append(out, n.id)
		if len(out) == k {
			break
		}
	}
	return out
}
