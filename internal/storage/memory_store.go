package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trinitas-lab/tmws/internal/embedding"
	"github.com/trinitas-lab/tmws/pkg/types"
)

// MemoryStore is the in-memory backend used in development mode and by
// most of the test suite. It honours the exact Store contract, including
// the search tie-break, backed by an HNSW index for large row counts.
type MemoryStore struct {
	mu       sync.RWMutex
	txMu     sync.Mutex
	agents   map[string]*types.Agent
	memories map[uuid.UUID]*types.Memory
	index    *annIndex
	dim      int
}

// bruteForceThreshold is the row count below which search scans exactly
// instead of consulting the ANN index. Exact scans keep small-corpus
// results fully deterministic.
const bruteForceThreshold = 2048

// NewMemoryStore creates an empty in-memory store for vectors of the
// given dimension.
func NewMemoryStore(dim int) *MemoryStore {
	if dim <= 0 {
		dim = types.DefaultDim
	}
	return &MemoryStore{
		agents:   make(map[string]*types.Agent),
		memories: make(map[uuid.UUID]*types.Memory),
		index:    newANNIndex(dim),
		dim:      dim,
	}
}

func (s *MemoryStore) UpsertAgent(_ context.Context, a *types.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[a.AgentID] = a.Clone()
	return nil
}

func (s *MemoryStore) GetAgent(_ context.Context, agentID string) (*types.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[agentID]
	if !ok {
		return nil, types.E(types.KindNotFound, "agent %q not found", agentID)
	}
	return a.Clone(), nil
}

func (s *MemoryStore) ListAgents(_ context.Context, f types.AgentFilter) ([]*types.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		if f.Namespace != "" && a.Namespace != f.Namespace {
			continue
		}
		if f.AgentType != "" && a.AgentType != f.AgentType {
			continue
		}
		out = append(out, a.Clone())
	}
	sortAgents(out)
	return out, nil
}

func (s *MemoryStore) DeactivateAgent(_ context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[agentID]
	if !ok {
		return types.E(types.KindNotFound, "agent %q not found", agentID)
	}
	a.IsActive = false
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) InsertMemory(_ context.Context, m *types.Memory) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := m.Clone()
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	now := time.Now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = cp.CreatedAt
	cp.LastAccessedAt = cp.CreatedAt
	s.memories[cp.ID] = cp
	if len(cp.Embedding) == s.dim && !embedding.IsZero(cp.Embedding) {
		s.index.insert(cp.ID, cp.Embedding)
	}
	return cp.ID, nil
}

func (s *MemoryStore) GetMemory(_ context.Context, id uuid.UUID) (*types.Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.memories[id]
	if !ok {
		return nil, types.E(types.KindNotFound, "memory not found")
	}
	return m.Clone(), nil
}

func (s *MemoryStore) UpdateMemory(_ context.Context, id uuid.UUID, patch *types.MemoryPatch) (*types.Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memories[id]
	if !ok {
		return nil, types.E(types.KindNotFound, "memory not found")
	}
	applyPatch(m, patch)
	if patch.Embedding != nil {
		s.index.insert(m.ID, m.Embedding)
	}
	return m.Clone(), nil
}

func (s *MemoryStore) ReplaceShares(_ context.Context, id uuid.UUID, level, prior string, shares map[string]types.Permission) (*types.Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memories[id]
	if !ok {
		return nil, types.E(types.KindNotFound, "memory not found")
	}
	m.AccessLevel = level
	m.PriorAccessLevel = prior
	m.SharedWith = make(map[string]types.Permission, len(shares))
	for k, v := range shares {
		m.SharedWith[k] = v
	}
	m.UpdatedAt = time.Now().UTC()
	return m.Clone(), nil
}

func (s *MemoryStore) ArchiveMemory(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memories[id]
	if !ok {
		return types.E(types.KindNotFound, "memory not found")
	}
	m.IsArchived = true
	m.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) DeleteMemory(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.memories[id]; !ok {
		return types.E(types.KindNotFound, "memory not found")
	}
	delete(s.memories, id)
	s.index.remove(id)
	return nil
}

func (s *MemoryStore) Search(ctx context.Context, query []float32, f types.SearchFilters, k int, minSim float64) ([]*types.ScoredMemory, error) {
	if err := ctx.Err(); err != nil {
		return nil, types.Wrap(types.KindTimeout, err, "search cancelled")
	}
	if k <= 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var candidates []*types.Memory
	if len(s.memories) <= bruteForceThreshold {
		for _, m := range s.memories {
			candidates = append(candidates, m)
		}
	} else {
		// Over-fetch from the ANN index; filters discard part of the
		// candidate set afterwards.
		for _, id := range s.index.search(query, k*8) {
			if m, ok := s.memories[id]; ok {
				candidates = append(candidates, m)
			}
		}
	}

	scored := make([]*types.ScoredMemory, 0, len(candidates))
	for _, m := range candidates {
		if !matchesFilters(m, f) {
			continue
		}
		if len(m.Embedding) != len(query) || embedding.IsZero(m.Embedding) {
			continue
		}
		sim := embedding.Cosine(query, m.Embedding)
		if sim < minSim {
			continue
		}
		scored = append(scored, &types.ScoredMemory{Memory: m.Clone(), Similarity: sim})
	}
	sortScored(scored)
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

func (s *MemoryStore) Recall(ctx context.Context, f types.SearchFilters, order types.RecallOrder, limit, offset int) ([]*types.Memory, error) {
	if err := ctx.Err(); err != nil {
		return nil, types.Wrap(types.KindTimeout, err, "recall cancelled")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var rows []*types.Memory
	for _, m := range s.memories {
		if matchesFilters(m, f) {
			rows = append(rows, m.Clone())
		}
	}
	sortRecall(rows, order)
	if offset >= len(rows) {
		return nil, nil
	}
	rows = rows[offset:]
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (s *MemoryStore) BumpAccess(_ context.Context, ids []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for _, id := range ids {
		if m, ok := s.memories[id]; ok {
			m.AccessCount++
			m.LastAccessedAt = now
		}
	}
	return nil
}

func (s *MemoryStore) MemoryStats(_ context.Context, ownerID string) (*OwnerStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := &OwnerStats{ByAccessLevel: make(map[string]int64)}
	for _, m := range s.memories {
		if m.OwnerID != ownerID {
			continue
		}
		if m.IsArchived {
			stats.Archived++
			continue
		}
		stats.Total++
		stats.ByAccessLevel[m.AccessLevel]++
		stats.TotalAccesses += m.AccessCount
	}
	return stats, nil
}

// RunInTx serialises multi-step mutations against each other. The memory
// backend has no rollback; callers relying on rollback semantics use the
// Postgres backend.
func (s *MemoryStore) RunInTx(ctx context.Context, fn func(tx Store) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	if err := ctx.Err(); err != nil {
		return types.Wrap(types.KindTimeout, err, "transaction cancelled")
	}
	return fn(s)
}

func (s *MemoryStore) Close() error { return nil }

// applyPatch mutates m in place, last-writer-wins on scalars.
func applyPatch(m *types.Memory, patch *types.MemoryPatch) {
	if patch.Content != nil {
		m.Content = *patch.Content
	}
	if patch.Embedding != nil {
		m.Embedding = append([]float32(nil), patch.Embedding...)
	}
	if patch.Importance != nil {
		m.Importance = *patch.Importance
	}
	if patch.AccessLevel != nil {
		m.AccessLevel = *patch.AccessLevel
	}
	if patch.Tags != nil {
		m.Tags = append([]string(nil), patch.Tags...)
	}
	for _, t := range patch.AddTags {
		if !m.HasTag(t) {
			m.Tags = append(m.Tags, t)
		}
	}
	for _, t := range patch.RemoveTags {
		for i, have := range m.Tags {
			if have == t {
				m.Tags = append(m.Tags[:i], m.Tags[i+1:]...)
				break
			}
		}
	}
	m.UpdatedAt = time.Now().UTC()
}

func sortAgents(agents []*types.Agent) {
	sort.Slice(agents, func(i, j int) bool { return agents[i].AgentID < agents[j].AgentID })
}
