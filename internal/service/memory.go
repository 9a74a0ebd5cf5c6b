// Package service is the façade tool handlers call. It owns the
// cross-cutting invariants: principal resolution, validation, access
// checks, rate classes, and the shared_with/access_level coupling.
package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trinitas-lab/tmws/internal/access"
	"github.com/trinitas-lab/tmws/internal/embedding"
	"github.com/trinitas-lab/tmws/internal/registry"
	"github.com/trinitas-lab/tmws/internal/storage"
	"github.com/trinitas-lab/tmws/internal/validate"
	"github.com/trinitas-lab/tmws/pkg/types"
)

// Search over-fetch bounds: the access re-check may discard candidate
// rows, so the storage query asks for more than the caller's limit.
const (
	overfetchFactor = 4
	overfetchCap    = 256
	maxAncestors    = 64
)

// Service wires storage, the registry, the embedding gateway, and the
// access engine behind the tool surface.
type Service struct {
	store    storage.Store
	registry *registry.Registry
	gateway  *embedding.Gateway
	limiter  access.Limiter
	logger   *zap.Logger
}

// New builds the service façade.
func New(store storage.Store, reg *registry.Registry, gw *embedding.Gateway, limiter access.Limiter, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, registry: reg, gateway: gw, limiter: limiter, logger: logger}
}

// CreateMemoryInput carries the create_memory tool arguments.
type CreateMemoryInput struct {
	Content     string
	Tags        []string
	Importance  *float64
	AccessLevel string
	ShareWith   map[string]types.Permission
	AsAgent     string
	ParentID    *uuid.UUID
	// AllowUnembedded persists with a zero vector when the embedder is
	// down instead of failing the call.
	AllowUnembedded bool
}

// CreateMemory validates, embeds, and persists one memory owned by the
// resolved principal.
func (s *Service) CreateMemory(ctx context.Context, principal *types.Agent, in CreateMemoryInput) (*types.Memory, error) {
	owner, err := s.actingPrincipal(principal, in.AsAgent)
	if err != nil {
		return nil, err
	}
	if err := validate.Content(in.Content); err != nil {
		return nil, err
	}
	tags, err := validate.Tags(in.Tags)
	if err != nil {
		return nil, err
	}
	importance := 0.5
	if in.Importance != nil {
		if err := validate.Importance(*in.Importance); err != nil {
			return nil, err
		}
		importance = *in.Importance
	}
	level := in.AccessLevel
	if level == "" {
		level = types.MemoryPrivate
	}
	if !types.ValidMemoryAccessLevel(level) {
		return nil, types.E(types.KindValidation, "unknown access level %q", level)
	}
	if len(in.ShareWith) > 0 {
		if level != types.MemoryPrivate && level != types.MemoryShared {
			return nil, types.E(types.KindValidation, "share_with requires a private or shared access level")
		}
		for grantee, perm := range in.ShareWith {
			if !types.ValidPermission(perm) {
				return nil, types.E(types.KindValidation, "unknown permission %q", perm)
			}
			if _, err := s.registry.Resolve(grantee); err != nil {
				return nil, err
			}
		}
	} else if level == types.MemoryShared {
		return nil, types.E(types.KindValidation, "shared access level requires a non-empty share_with")
	}
	if d := access.CanWriteNamespace(owner, owner.Namespace); !d.Allowed {
		return nil, types.E(types.KindPermission, "%s", d.Reason)
	}
	if err := s.limiter.Allow(ctx, owner.AgentID, access.ClassWrite); err != nil {
		return nil, err
	}
	if in.ParentID != nil {
		if err := s.checkAncestry(ctx, *in.ParentID); err != nil {
			return nil, err
		}
	}

	vec, err := s.gateway.Embed(ctx, in.Content)
	if err != nil {
		if !types.IsKind(err, types.KindEmbedder) || !in.AllowUnembedded {
			return nil, err
		}
		s.logger.Warn("persisting memory without embedding",
			zap.String("owner", owner.AgentID))
	}

	m := &types.Memory{
		Content:     in.Content,
		Embedding:   vec,
		OwnerID:     owner.AgentID,
		Namespace:   owner.Namespace,
		AccessLevel: level,
		Tags:        tags,
		Importance:  importance,
		ParentID:    in.ParentID,
	}
	if len(in.ShareWith) > 0 {
		m.AccessLevel = types.MemoryShared
		m.PriorAccessLevel = level
		if level == types.MemoryShared {
			m.PriorAccessLevel = types.MemoryPrivate
		}
		m.SharedWith = in.ShareWith
	}

	id, err := s.store.InsertMemory(ctx, m)
	if err != nil {
		return nil, err
	}
	return s.store.GetMemory(ctx, id)
}

// SearchInput carries the search_memories tool arguments.
type SearchInput struct {
	Query         string
	Limit         int
	MinSimilarity float64
	IncludeShared bool
	Namespace     string
	Tags          []string
	AccessFilter  []string
}

// SearchMemories embeds the query, over-fetches candidates, re-checks
// every row through the access engine, and bumps access counters on the
// returned rows.
func (s *Service) SearchMemories(ctx context.Context, principal *types.Agent, in SearchInput) ([]*types.ScoredMemory, error) {
	if err := s.limiter.Allow(ctx, principal.AgentID, access.ClassSearch); err != nil {
		return nil, err
	}
	if in.Query == "" {
		return nil, types.E(types.KindValidation, "query is empty")
	}
	limit := in.Limit
	if limit <= 0 {
		limit = 10
	}
	if in.MinSimilarity < 0 || in.MinSimilarity > 1 {
		return nil, types.E(types.KindValidation, "min_similarity must be in [0,1]")
	}
	for _, lvl := range in.AccessFilter {
		if !types.ValidMemoryAccessLevel(lvl) {
			return nil, types.E(types.KindValidation, "unknown access level %q", lvl)
		}
	}
	tags, err := validate.Tags(in.Tags)
	if err != nil {
		return nil, err
	}

	qvec, err := s.gateway.Embed(ctx, in.Query)
	if err != nil {
		return nil, err
	}

	k := limit * overfetchFactor
	if k > overfetchCap {
		k = overfetchCap
	}
	candidates, err := s.store.Search(ctx, qvec, types.SearchFilters{
		Namespace:          in.Namespace,
		AccessIn:           in.AccessFilter,
		Tags:               tags,
		Principal:          principal.AgentID,
		PrincipalNamespace: principal.Namespace,
	}, k, in.MinSimilarity)
	if err != nil {
		return nil, err
	}

	out := make([]*types.ScoredMemory, 0, limit)
	ids := make([]uuid.UUID, 0, limit)
	for _, c := range candidates {
		if !in.IncludeShared &&
			c.Memory.OwnerID != principal.AgentID &&
			c.Memory.AccessLevel == types.MemoryShared {
			continue
		}
		if !access.Decide(principal, access.OpRead, c.Memory).Allowed {
			continue
		}
		out = append(out, c)
		ids = append(ids, c.Memory.ID)
		if len(out) == limit {
			break
		}
	}
	if len(ids) > 0 {
		if err := s.store.BumpAccess(ctx, ids); err != nil {
			s.logger.Warn("access counter bump failed", zap.Error(err))
		}
	}
	return out, nil
}

// ShareMemory replaces a memory's grant set. Only the owner or an admin
// may share. A non-empty grant set flips the level to shared; clearing
// the set restores the remembered prior level.
func (s *Service) ShareMemory(ctx context.Context, principal *types.Agent, id uuid.UUID, grantees []string, perm types.Permission) (*types.Memory, error) {
	if err := s.limiter.Allow(ctx, principal.AgentID, access.ClassWrite); err != nil {
		return nil, err
	}
	if len(grantees) > 0 && !types.ValidPermission(perm) {
		return nil, types.E(types.KindValidation, "unknown permission %q", perm)
	}
	m, err := s.store.GetMemory(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.OwnerID != principal.AgentID && !principal.HasAccessAtLeast(types.AccessAdmin) {
		return nil, types.E(types.KindPermission, "only the owner may share this memory")
	}

	shares := make(map[string]types.Permission, len(grantees))
	for _, g := range grantees {
		resolved, err := s.registry.Resolve(g)
		if err != nil {
			return nil, err
		}
		if resolved.AgentID == m.OwnerID {
			continue // owners already hold every permission
		}
		shares[resolved.AgentID] = perm
	}

	level := m.AccessLevel
	prior := m.PriorAccessLevel
	if len(shares) > 0 {
		if m.AccessLevel != types.MemoryShared {
			prior = m.AccessLevel
		}
		level = types.MemoryShared
	} else if m.AccessLevel == types.MemoryShared {
		level = m.PriorAccessLevel
		if level == "" {
			level = types.MemoryPrivate
		}
		prior = ""
	}
	return s.store.ReplaceShares(ctx, id, level, prior, shares)
}

// UpdateMemory applies a partial update after the write access check.
// A content change re-embeds before persisting.
func (s *Service) UpdateMemory(ctx context.Context, principal *types.Agent, id uuid.UUID, patch *types.MemoryPatch) (*types.Memory, error) {
	if err := s.limiter.Allow(ctx, principal.AgentID, access.ClassWrite); err != nil {
		return nil, err
	}
	if patch == nil {
		return nil, types.E(types.KindValidation, "empty patch")
	}
	if patch.Content != nil {
		if err := validate.Content(*patch.Content); err != nil {
			return nil, err
		}
	}
	if patch.Importance != nil {
		if err := validate.Importance(*patch.Importance); err != nil {
			return nil, err
		}
	}
	if patch.AccessLevel != nil {
		if !types.ValidMemoryAccessLevel(*patch.AccessLevel) {
			return nil, types.E(types.KindValidation, "unknown access level %q", *patch.AccessLevel)
		}
		if *patch.AccessLevel == types.MemoryShared {
			return nil, types.E(types.KindValidation, "use share_memory to manage the shared level")
		}
	}
	// Sanitised tag sets go back into the patch so what persists is what
	// search filters match. A nil set stays nil: it means "no change".
	for _, set := range []*[]string{&patch.Tags, &patch.AddTags, &patch.RemoveTags} {
		if *set == nil {
			continue
		}
		clean, err := validate.Tags(*set)
		if err != nil {
			return nil, err
		}
		*set = clean
	}

	m, err := s.store.GetMemory(ctx, id)
	if err != nil {
		return nil, err
	}
	if d := access.Decide(principal, access.OpWrite, m); !d.Allowed {
		return nil, types.E(types.KindPermission, "%s", d.Reason)
	}
	if patch.Content != nil && *patch.Content != m.Content {
		vec, err := s.gateway.Embed(ctx, *patch.Content)
		if err != nil {
			return nil, err
		}
		patch.Embedding = vec
	}
	return s.store.UpdateMemory(ctx, id, patch)
}

// DeleteMemory archives a memory. A hard delete removes the row and is
// restricted to admin-or-better principals.
func (s *Service) DeleteMemory(ctx context.Context, principal *types.Agent, id uuid.UUID, hard bool) error {
	if err := s.limiter.Allow(ctx, principal.AgentID, access.ClassWrite); err != nil {
		return err
	}
	m, err := s.store.GetMemory(ctx, id)
	if err != nil {
		return err
	}
	if d := access.Decide(principal, access.OpDelete, m); !d.Allowed {
		return types.E(types.KindPermission, "%s", d.Reason)
	}
	if hard {
		if !principal.HasAccessAtLeast(types.AccessAdmin) {
			return types.E(types.KindPermission, "hard delete requires admin access")
		}
		return s.store.DeleteMemory(ctx, id)
	}
	return s.store.ArchiveMemory(ctx, id)
}

// RecallInput carries the recall_memories tool arguments.
type RecallInput struct {
	AgentID   string
	Namespace string
	Tags      []string
	Limit     int
	Offset    int
	Order     types.RecallOrder
}

// Recall is the non-semantic paged listing, access-checked per row.
func (s *Service) Recall(ctx context.Context, principal *types.Agent, in RecallInput) ([]*types.Memory, error) {
	limit := in.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	if in.Offset < 0 {
		return nil, types.E(types.KindValidation, "offset must be non-negative")
	}
	tags, err := validate.Tags(in.Tags)
	if err != nil {
		return nil, err
	}
	order := in.Order
	if order == "" {
		order = types.OrderCreatedDesc
	}

	rows, err := s.store.Recall(ctx, types.SearchFilters{
		OwnerID:            in.AgentID,
		Namespace:          in.Namespace,
		Tags:               tags,
		Principal:          principal.AgentID,
		PrincipalNamespace: principal.Namespace,
	}, order, limit, in.Offset)
	if err != nil {
		return nil, err
	}
	out := make([]*types.Memory, 0, len(rows))
	for _, m := range rows {
		if access.Decide(principal, access.OpRead, m).Allowed {
			out = append(out, m)
		}
	}
	return out, nil
}

// Statistics summarises one agent's memories. Agents read their own
// stats; reading another agent's requires elevated access.
func (s *Service) Statistics(ctx context.Context, principal *types.Agent, agentID string) (*AgentStatistics, error) {
	target := principal
	if agentID != "" && agentID != principal.AgentID {
		if !principal.HasAccessAtLeast(types.AccessElevated) {
			return nil, types.E(types.KindPermission, "reading another agent's statistics requires elevated access")
		}
		resolved, err := s.registry.Resolve(agentID)
		if err != nil {
			return nil, err
		}
		target = resolved
	}
	stats, err := s.store.MemoryStats(ctx, target.AgentID)
	if err != nil {
		return nil, err
	}
	out := &AgentStatistics{
		AgentID:       target.AgentID,
		Namespace:     target.Namespace,
		TotalMemories: stats.Total,
		ByAccessLevel: stats.ByAccessLevel,
		TotalAccesses: stats.TotalAccesses,
		Archived:      stats.Archived,
		LastActivity:  target.LastActivity,
		EmbedderCache: s.gateway.CacheStats(),
	}
	return out, nil
}

// AgentStatistics is the get_agent_statistics payload.
type AgentStatistics struct {
	AgentID       string               `json:"agent_id"`
	Namespace     string               `json:"namespace"`
	TotalMemories int64                `json:"total_memories"`
	ByAccessLevel map[string]int64     `json:"by_access_level"`
	TotalAccesses int64                `json:"total_accesses"`
	Archived      int64                `json:"archived"`
	LastActivity  *time.Time           `json:"last_activity,omitempty"`
	EmbedderCache embedding.CacheStats `json:"embedder_cache"`
}

// actingPrincipal resolves the as_agent override. Acting for another
// agent requires elevated access.
func (s *Service) actingPrincipal(principal *types.Agent, asAgent string) (*types.Agent, error) {
	if asAgent == "" {
		return principal, nil
	}
	acting, err := s.registry.Resolve(asAgent)
	if err != nil {
		return nil, err
	}
	if acting.AgentID == principal.AgentID {
		return principal, nil
	}
	if !principal.HasAccessAtLeast(types.AccessElevated) {
		return nil, types.E(types.KindPermission, "acting as another agent requires elevated access")
	}
	if !acting.IsActive {
		return nil, types.E(types.KindUnknownAgent, "agent %q is inactive", asAgent)
	}
	return acting, nil
}

// checkAncestry verifies the parent exists and its ancestor chain is
// bounded, which rules out cycles.
func (s *Service) checkAncestry(ctx context.Context, parentID uuid.UUID) error {
	seen := make(map[uuid.UUID]bool, 8)
	cur := parentID
	for depth := 0; depth < maxAncestors; depth++ {
		if seen[cur] {
			return types.E(types.KindValidation, "parent_memory_id forms a cycle")
		}
		seen[cur] = true
		m, err := s.store.GetMemory(ctx, cur)
		if err != nil {
			if types.IsKind(err, types.KindNotFound) && depth == 0 {
				return types.E(types.KindValidation, "parent memory does not exist")
			}
			return err
		}
		if m.ParentID == nil {
			return nil
		}
		cur = *m.ParentID
	}
	return types.E(types.KindValidation, "parent chain exceeds %d ancestors", maxAncestors)
}
