package session

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trinitas-lab/tmws/internal/access"
	"github.com/trinitas-lab/tmws/internal/metrics"
	"github.com/trinitas-lab/tmws/internal/registry"
	"github.com/trinitas-lab/tmws/internal/service"
	"github.com/trinitas-lab/tmws/internal/validate"
	"github.com/trinitas-lab/tmws/pkg/types"
)

// handler executes one tool call for a session.
type handler func(ctx context.Context, s *Session, params json.RawMessage) (any, error)

// Router holds the static tool table. The table is built once at
// startup and never mutated, so dispatch takes no lock.
type Router struct {
	svc       *service.Service
	registry  *registry.Registry
	limiter   access.Limiter
	allowlist *validate.PathAllowlist
	loader    *registry.Loader
	logger    *zap.Logger
	metrics   metrics.Metrics
	tools     map[string]handler
}

// NewRouter builds the router and its tool table.
func NewRouter(svc *service.Service, reg *registry.Registry, limiter access.Limiter, allowlist *validate.PathAllowlist, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Router{
		svc:       svc,
		registry:  reg,
		limiter:   limiter,
		allowlist: allowlist,
		loader:    registry.NewLoader(reg, logger),
		logger:    logger,
		metrics:   metrics.Nop{},
	}
	r.tools = map[string]handler{
		"get_agent_info":       r.getAgentInfo,
		"switch_agent":         r.switchAgent,
		"get_current_agent":    r.getCurrentAgent,
		"execute_as_agent":     r.executeAsAgent,
		"list_trinitas_agents": r.listTrinitasAgents,
		"register_agent":       r.registerAgent,
		"unregister_agent":     r.unregisterAgent,
		"create_memory":        r.createMemory,
		"search_memories":      r.searchMemories,
		"share_memory":         r.shareMemory,
		"update_memory":        r.updateMemory,
		"delete_memory":        r.deleteMemory,
		"recall_memories":      r.recallMemories,
		"get_agent_statistics": r.getAgentStatistics,
		"list_agents":          r.listAgents,
		"save_agent_profiles":  r.saveAgentProfiles,
		"load_agent_profiles":  r.loadAgentProfiles,
	}
	return r
}

// WithMetrics replaces the default no-op metrics sink.
func (r *Router) WithMetrics(m metrics.Metrics) *Router {
	r.metrics = m
	return r
}

// Tools returns the tool names, for discovery surfaces.
func (r *Router) Tools() []string {
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	return out
}

// Dispatch runs one request: request-class rate limit, tool lookup,
// handler execution, and error mapping onto the wire taxonomy. Every
// caller, owners and system agents included, passes the rate limiter
// before any resource is resolved.
func (r *Router) Dispatch(ctx context.Context, s *Session, req *Request) Response {
	start := time.Now()
	current := s.agents.Current()
	if err := r.limiter.Allow(ctx, current.AgentID, access.ClassRequest); err != nil {
		r.metrics.RecordRateLimited(string(access.ClassRequest))
		return errResponse(req.ID, err)
	}
	h, ok := r.tools[req.Tool]
	if !ok {
		return errResponse(req.ID, types.E(types.KindUnknownTool, "unknown tool %q", req.Tool))
	}
	result, err := h(ctx, s, req.Params)
	if err != nil {
		if ctx.Err() != nil && !types.IsKind(err, types.KindTimeout) {
			err = types.Wrap(types.KindTimeout, ctx.Err(), "request deadline exceeded")
		}
		if types.IsKind(err, types.KindRateLimited) {
			r.metrics.RecordRateLimited(req.Tool)
		}
		r.metrics.RecordToolCall(req.Tool, string(types.KindOf(err)), time.Since(start))
		return errResponse(req.ID, err)
	}
	r.metrics.RecordToolCall(req.Tool, "ok", time.Since(start))
	return okResponse(req.ID, result)
}

func decodeParams[T any](params json.RawMessage) (*T, error) {
	var v T
	if len(params) == 0 {
		return &v, nil
	}
	if err := json.Unmarshal(params, &v); err != nil {
		return nil, types.E(types.KindValidation, "invalid tool parameters")
	}
	return &v, nil
}

func (r *Router) getAgentInfo(_ context.Context, s *Session, _ json.RawMessage) (any, error) {
	return s.agents.Current(), nil
}

type switchParams struct {
	Name string `json:"name"`
}

func (r *Router) switchAgent(_ context.Context, s *Session, params json.RawMessage) (any, error) {
	p, err := decodeParams[switchParams](params)
	if err != nil {
		return nil, err
	}
	if p.Name == "" {
		return nil, types.E(types.KindValidation, "name is required")
	}
	return s.agents.Switch(p.Name)
}

type currentAgentResult struct {
	Agent   *types.Agent `json:"agent"`
	History []string     `json:"history"`
}

func (r *Router) getCurrentAgent(_ context.Context, s *Session, _ json.RawMessage) (any, error) {
	return currentAgentResult{
		Agent:   s.agents.Current(),
		History: s.agents.History(5),
	}, nil
}

type executeAsParams struct {
	Name   string          `json:"name"`
	Action string          `json:"action"`
	Params json.RawMessage `json:"params,omitempty"`
}

func (r *Router) executeAsAgent(ctx context.Context, s *Session, params json.RawMessage) (any, error) {
	p, err := decodeParams[executeAsParams](params)
	if err != nil {
		return nil, err
	}
	if p.Name == "" || p.Action == "" {
		return nil, types.E(types.KindValidation, "name and action are required")
	}
	if p.Action == "execute_as_agent" {
		return nil, types.E(types.KindValidation, "execute_as_agent cannot nest")
	}
	h, ok := r.tools[p.Action]
	if !ok {
		return nil, types.E(types.KindUnknownTool, "unknown tool %q", p.Action)
	}
	var result any
	err = s.agents.ExecuteAs(p.Name, func(*types.Agent) error {
		var innerErr error
		result, innerErr = h(ctx, s, p.Params)
		return innerErr
	})
	return result, err
}

type listTrinitasResult struct {
	Builtins   []*types.Agent `json:"builtins"`
	Registered []*types.Agent `json:"registered"`
}

func (r *Router) listTrinitasAgents(_ context.Context, _ *Session, _ json.RawMessage) (any, error) {
	builtins := r.registry.Builtins()
	all := r.registry.List(types.AgentFilter{})
	registered := make([]*types.Agent, 0, len(all)-len(builtins))
	for _, a := range all {
		if !a.BuiltIn {
			registered = append(registered, a)
		}
	}
	return listTrinitasResult{Builtins: builtins, Registered: registered}, nil
}

type registerParams struct {
	types.AgentSpec
	Persist bool `json:"persist"`
}

func (r *Router) registerAgent(ctx context.Context, _ *Session, params json.RawMessage) (any, error) {
	p, err := decodeParams[registerParams](params)
	if err != nil {
		return nil, err
	}
	return r.registry.Register(ctx, p.AgentSpec, p.Persist)
}

type unregisterParams struct {
	Name string `json:"name"`
}

func (r *Router) unregisterAgent(ctx context.Context, s *Session, params json.RawMessage) (any, error) {
	p, err := decodeParams[unregisterParams](params)
	if err != nil {
		return nil, err
	}
	if p.Name == "" {
		return nil, types.E(types.KindValidation, "name is required")
	}
	if err := r.registry.Unregister(ctx, p.Name); err != nil {
		return nil, err
	}
	return map[string]any{"unregistered": p.Name}, nil
}

type createMemoryParams struct {
	Content         string                      `json:"content"`
	Tags            []string                    `json:"tags,omitempty"`
	Importance      *float64                    `json:"importance,omitempty"`
	AccessLevel     string                      `json:"access_level,omitempty"`
	ShareWith       map[string]types.Permission `json:"share_with,omitempty"`
	AsAgent         string                      `json:"as_agent,omitempty"`
	ParentMemoryID  *uuid.UUID                  `json:"parent_memory_id,omitempty"`
	AllowUnembedded bool                        `json:"allow_unembedded,omitempty"`
}

func (r *Router) createMemory(ctx context.Context, s *Session, params json.RawMessage) (any, error) {
	p, err := decodeParams[createMemoryParams](params)
	if err != nil {
		return nil, err
	}
	return r.svc.CreateMemory(ctx, s.agents.Current(), service.CreateMemoryInput{
		Content:         p.Content,
		Tags:            p.Tags,
		Importance:      p.Importance,
		AccessLevel:     p.AccessLevel,
		ShareWith:       p.ShareWith,
		AsAgent:         p.AsAgent,
		ParentID:        p.ParentMemoryID,
		AllowUnembedded: p.AllowUnembedded,
	})
}

type searchParams struct {
	Query         string   `json:"query"`
	Limit         int      `json:"limit,omitempty"`
	MinSimilarity float64  `json:"min_similarity,omitempty"`
	IncludeShared *bool    `json:"include_shared,omitempty"`
	Namespace     string   `json:"namespace,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	AccessFilter  []string `json:"access_filter,omitempty"`
}

func (r *Router) searchMemories(ctx context.Context, s *Session, params json.RawMessage) (any, error) {
	p, err := decodeParams[searchParams](params)
	if err != nil {
		return nil, err
	}
	includeShared := true
	if p.IncludeShared != nil {
		includeShared = *p.IncludeShared
	}
	return r.svc.SearchMemories(ctx, s.agents.Current(), service.SearchInput{
		Query:         p.Query,
		Limit:         p.Limit,
		MinSimilarity: p.MinSimilarity,
		IncludeShared: includeShared,
		Namespace:     p.Namespace,
		Tags:          p.Tags,
		AccessFilter:  p.AccessFilter,
	})
}

type shareParams struct {
	MemoryID   uuid.UUID        `json:"memory_id"`
	Grantees   []string         `json:"grantees"`
	Permission types.Permission `json:"permission,omitempty"`
}

func (r *Router) shareMemory(ctx context.Context, s *Session, params json.RawMessage) (any, error) {
	p, err := decodeParams[shareParams](params)
	if err != nil {
		return nil, err
	}
	if p.MemoryID == uuid.Nil {
		return nil, types.E(types.KindValidation, "memory_id is required")
	}
	return r.svc.ShareMemory(ctx, s.agents.Current(), p.MemoryID, p.Grantees, p.Permission)
}

type updateParams struct {
	MemoryID uuid.UUID `json:"memory_id"`
	types.MemoryPatch
}

func (r *Router) updateMemory(ctx context.Context, s *Session, params json.RawMessage) (any, error) {
	p, err := decodeParams[updateParams](params)
	if err != nil {
		return nil, err
	}
	if p.MemoryID == uuid.Nil {
		return nil, types.E(types.KindValidation, "memory_id is required")
	}
	return r.svc.UpdateMemory(ctx, s.agents.Current(), p.MemoryID, &p.MemoryPatch)
}

type deleteParams struct {
	MemoryID uuid.UUID `json:"memory_id"`
	Hard     bool      `json:"hard,omitempty"`
}

func (r *Router) deleteMemory(ctx context.Context, s *Session, params json.RawMessage) (any, error) {
	p, err := decodeParams[deleteParams](params)
	if err != nil {
		return nil, err
	}
	if p.MemoryID == uuid.Nil {
		return nil, types.E(types.KindValidation, "memory_id is required")
	}
	if err := r.svc.DeleteMemory(ctx, s.agents.Current(), p.MemoryID, p.Hard); err != nil {
		return nil, err
	}
	return map[string]any{"deleted": p.MemoryID, "hard": p.Hard}, nil
}

type recallParams struct {
	AgentID   string            `json:"agent_id,omitempty"`
	Namespace string            `json:"namespace,omitempty"`
	Tags      []string          `json:"tags,omitempty"`
	Limit     int               `json:"limit,omitempty"`
	Offset    int               `json:"offset,omitempty"`
	Order     types.RecallOrder `json:"order,omitempty"`
}

func (r *Router) recallMemories(ctx context.Context, s *Session, params json.RawMessage) (any, error) {
	p, err := decodeParams[recallParams](params)
	if err != nil {
		return nil, err
	}
	return r.svc.Recall(ctx, s.agents.Current(), service.RecallInput{
		AgentID:   p.AgentID,
		Namespace: p.Namespace,
		Tags:      p.Tags,
		Limit:     p.Limit,
		Offset:    p.Offset,
		Order:     p.Order,
	})
}

type statsParams struct {
	AgentID string `json:"agent_id,omitempty"`
}

func (r *Router) getAgentStatistics(ctx context.Context, s *Session, params json.RawMessage) (any, error) {
	p, err := decodeParams[statsParams](params)
	if err != nil {
		return nil, err
	}
	return r.svc.Statistics(ctx, s.agents.Current(), p.AgentID)
}

type listAgentsParams struct {
	Namespace string `json:"namespace,omitempty"`
	AgentType string `json:"agent_type,omitempty"`
}

func (r *Router) listAgents(_ context.Context, _ *Session, params json.RawMessage) (any, error) {
	p, err := decodeParams[listAgentsParams](params)
	if err != nil {
		return nil, err
	}
	return r.registry.List(types.AgentFilter{Namespace: p.Namespace, AgentType: p.AgentType}), nil
}

type profileParams struct {
	Path string `json:"path"`
}

// saveAgentProfiles writes the non-builtin agents as a custom-agents
// document. The path must fall inside the configured allowlist.
func (r *Router) saveAgentProfiles(_ context.Context, s *Session, params json.RawMessage) (any, error) {
	p, err := decodeParams[profileParams](params)
	if err != nil {
		return nil, err
	}
	resolved, err := r.allowlist.FilePath(p.Path)
	if err != nil {
		return nil, err
	}
	if !s.agents.Current().HasAccessAtLeast(types.AccessStandard) {
		return nil, types.E(types.KindPermission, "profile export requires standard access")
	}

	doc := validate.ConfigDocument{Version: "1.0"}
	for _, a := range r.registry.List(types.AgentFilter{}) {
		if a.BuiltIn {
			continue
		}
		caps := make([]string, 0, len(a.Capabilities))
		for c := range a.Capabilities {
			caps = append(caps, c)
		}
		doc.CustomAgents = append(doc.CustomAgents, validate.ConfigAgent{
			Name:         a.AgentID,
			FullID:       a.AgentID,
			Namespace:    a.Namespace,
			DisplayName:  a.DisplayName,
			AccessLevel:  a.AccessLevel,
			Capabilities: caps,
			Metadata:     a.Config,
		})
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, types.E(types.KindInternal, "profile serialization failed")
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o700); err != nil {
		return nil, types.E(types.KindInternal, "profile directory is not writable")
	}
	if err := os.WriteFile(resolved, raw, 0o600); err != nil {
		return nil, types.E(types.KindInternal, "profile file is not writable")
	}
	return map[string]any{"saved": len(doc.CustomAgents)}, nil
}

// loadAgentProfiles loads a custom-agents document from an allowlisted
// path, replacing the current file-loaded set.
func (r *Router) loadAgentProfiles(_ context.Context, s *Session, params json.RawMessage) (any, error) {
	p, err := decodeParams[profileParams](params)
	if err != nil {
		return nil, err
	}
	resolved, err := r.allowlist.FilePath(p.Path)
	if err != nil {
		return nil, err
	}
	if !s.agents.Current().HasAccessAtLeast(types.AccessStandard) {
		return nil, types.E(types.KindPermission, "profile import requires standard access")
	}
	if err := r.loader.LoadFile(resolved); err != nil {
		return nil, err
	}
	return map[string]any{"loaded": resolved != ""}, nil
}
