// Package storage owns all persistence for agents and memories. It exposes
// typed operations only; callers never hand it raw query fragments.
package storage

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/trinitas-lab/tmws/pkg/types"
)

// Store is the persistence contract shared by the Postgres and in-memory
// backends. Every operation runs inside one transaction.
type Store interface {
	// Agents.
	UpsertAgent(ctx context.Context, a *types.Agent) error
	GetAgent(ctx context.Context, agentID string) (*types.Agent, error)
	ListAgents(ctx context.Context, f types.AgentFilter) ([]*types.Agent, error)
	DeactivateAgent(ctx context.Context, agentID string) error

	// Memories.
	InsertMemory(ctx context.Context, m *types.Memory) (uuid.UUID, error)
	GetMemory(ctx context.Context, id uuid.UUID) (*types.Memory, error)
	UpdateMemory(ctx context.Context, id uuid.UUID, patch *types.MemoryPatch) (*types.Memory, error)
	ReplaceShares(ctx context.Context, id uuid.UUID, level string, prior string, shares map[string]types.Permission) (*types.Memory, error)
	ArchiveMemory(ctx context.Context, id uuid.UUID) error
	DeleteMemory(ctx context.Context, id uuid.UUID) error

	// Search returns the top-k rows by cosine similarity among rows
	// passing the filters, with similarity >= minSim. Ties break by
	// (importance DESC, updated_at DESC, id ASC).
	Search(ctx context.Context, query []float32, f types.SearchFilters, k int, minSim float64) ([]*types.ScoredMemory, error)

	// Recall is the non-semantic paged listing.
	Recall(ctx context.Context, f types.SearchFilters, order types.RecallOrder, limit, offset int) ([]*types.Memory, error)

	// BumpAccess increments access_count and refreshes last_accessed_at
	// without touching updated_at.
	BumpAccess(ctx context.Context, ids []uuid.UUID) error

	// MemoryStats returns per-access-level counts and the total access
	// count for one owner.
	MemoryStats(ctx context.Context, ownerID string) (*OwnerStats, error)

	UnitOfWork
	Close() error
}

// UnitOfWork lets callers compose multi-step mutations atomically.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(tx Store) error) error
}

// OwnerStats summarises one agent's memories.
type OwnerStats struct {
	Total         int64            `json:"total"`
	ByAccessLevel map[string]int64 `json:"by_access_level"`
	TotalAccesses int64            `json:"total_accesses"`
	Archived      int64            `json:"archived"`
}

// matchesFilters applies the shared filter predicate. Both backends use it
// so the Postgres WHERE clause and the in-memory scan cannot drift apart
// in tests.
func matchesFilters(m *types.Memory, f types.SearchFilters) bool {
	if !f.IncludeArchived && m.IsArchived {
		return false
	}
	if f.OwnerID != "" && m.OwnerID != f.OwnerID {
		return false
	}
	if f.Namespace != "" && m.Namespace != f.Namespace {
		return false
	}
	if len(f.AccessIn) > 0 {
		ok := false
		for _, lvl := range f.AccessIn {
			if m.AccessLevel == lvl {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	for _, tag := range f.Tags {
		if !m.HasTag(tag) {
			return false
		}
	}
	if f.Principal != "" && !visibleTo(m, f.Principal, f.PrincipalNamespace) {
		return false
	}
	return true
}

// visibleTo is the coarse storage-level visibility cut. The service layer
// re-checks every row through the access engine; this only trims the
// candidate set.
func visibleTo(m *types.Memory, principal, principalNS string) bool {
	if m.OwnerID == principal {
		return true
	}
	switch m.AccessLevel {
	case types.MemoryPublic, types.MemorySystem:
		return true
	case types.MemoryTeam:
		return principalNS != "" && m.Namespace == principalNS
	case types.MemoryShared:
		_, ok := m.SharedWith[principal]
		return ok
	}
	return false
}

// lessScored is the fixed result ordering: similarity DESC, importance
// DESC, updated_at DESC, id ASC.
func lessScored(a, b *types.ScoredMemory) bool {
	if a.Similarity != b.Similarity {
		return a.Similarity > b.Similarity
	}
	if a.Memory.Importance != b.Memory.Importance {
		return a.Memory.Importance > b.Memory.Importance
	}
	if !a.Memory.UpdatedAt.Equal(b.Memory.UpdatedAt) {
		return a.Memory.UpdatedAt.After(b.Memory.UpdatedAt)
	}
	return a.Memory.ID.String() < b.Memory.ID.String()
}

func sortScored(rows []*types.ScoredMemory) {
	sort.SliceStable(rows, func(i, j int) bool { return lessScored(rows[i], rows[j]) })
}

func sortRecall(rows []*types.Memory, order types.RecallOrder) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		switch order {
		case types.OrderImportanceDesc:
			if a.Importance != b.Importance {
				return a.Importance > b.Importance
			}
		case types.OrderUpdatedDesc:
			if !a.UpdatedAt.Equal(b.UpdatedAt) {
				return a.UpdatedAt.After(b.UpdatedAt)
			}
		default:
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.After(b.CreatedAt)
			}
		}
		return a.ID.String() < b.ID.String()
	})
}
