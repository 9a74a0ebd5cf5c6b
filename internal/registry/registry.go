package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/trinitas-lab/tmws/internal/storage"
	"github.com/trinitas-lab/tmws/internal/validate"
	"github.com/trinitas-lab/tmws/pkg/types"
)

// Registry is the shared agent cache. Reads take the read lock; every
// mutation funnels through the write lock and fans out an invalidation
// event, so policy evaluation always sees a coherent record.
type Registry struct {
	store  storage.Store
	logger *zap.Logger

	mu       sync.RWMutex
	builtins map[string]*types.Agent // keyed by full id
	aliases  map[string]string       // short name -> full id
	agents   map[string]*types.Agent // persisted + runtime registrations
	fromFile map[string]bool         // ids loaded from custom_agents.json

	subs []chan string
}

// New builds a registry seeded with the Trinitas catalogue and loads
// persisted agents from the store.
func New(ctx context.Context, store storage.Store, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	now := time.Now().UTC()
	r := &Registry{
		store:    store,
		logger:   logger,
		builtins: make(map[string]*types.Agent, len(trinitasCatalogue)),
		aliases:  make(map[string]string, len(trinitasCatalogue)),
		agents:   make(map[string]*types.Agent),
		fromFile: make(map[string]bool),
	}
	for _, b := range trinitasCatalogue {
		r.builtins[b.fullID] = b.agent(now)
		r.aliases[b.alias] = b.fullID
	}

	persisted, err := store.ListAgents(ctx, types.AgentFilter{})
	if err != nil {
		return nil, types.Wrap(types.KindStorage, err, "loading persisted agents")
	}
	for _, a := range persisted {
		if _, builtin := r.builtins[a.AgentID]; builtin {
			continue
		}
		r.agents[a.AgentID] = a.Clone()
	}
	logger.Info("agent registry ready",
		zap.Int("builtins", len(r.builtins)),
		zap.Int("persisted", len(r.agents)),
	)
	return r, nil
}

// Resolve accepts a short alias or a full agent id. Aliases win when a
// name is both.
func (r *Registry) Resolve(name string) (*types.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if full, ok := r.aliases[name]; ok {
		return r.builtins[full].Clone(), nil
	}
	if a, ok := r.builtins[name]; ok {
		return a.Clone(), nil
	}
	if a, ok := r.agents[name]; ok {
		return a.Clone(), nil
	}
	return nil, types.E(types.KindUnknownAgent, "no agent named %q", name)
}

// Register adds a runtime agent. With persist it also writes the record
// through to storage, surviving restarts.
func (r *Registry) Register(ctx context.Context, spec types.AgentSpec, persist bool) (*types.Agent, error) {
	if err := validate.AgentID(spec.AgentID); err != nil {
		return nil, err
	}
	ns := spec.Namespace
	if ns == "" {
		ns = types.DefaultNamespace
	}
	if err := validate.Namespace(ns); err != nil {
		return nil, err
	}
	if validate.IsReservedNamespace(ns) {
		return nil, types.E(types.KindPermission, "namespace %q is reserved", ns)
	}
	level := spec.AccessLevel
	if level == "" {
		level = types.AccessStandard
	}
	if !types.ValidAccessLevel(level) {
		return nil, types.E(types.KindValidation, "unknown access level %q", level)
	}
	agentType := spec.AgentType
	if agentType == "" {
		agentType = types.AgentTypeCustom
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.aliases[spec.AgentID]; ok {
		return nil, types.E(types.KindNameConflict, "%q is a reserved built-in name", spec.AgentID)
	}
	if _, ok := r.builtins[spec.AgentID]; ok {
		return nil, types.E(types.KindNameConflict, "%q is a reserved built-in name", spec.AgentID)
	}
	if _, ok := r.agents[spec.AgentID]; ok {
		return nil, types.E(types.KindDuplicateID, "agent %q already registered", spec.AgentID)
	}

	now := time.Now().UTC()
	a := &types.Agent{
		AgentID:      spec.AgentID,
		DisplayName:  spec.DisplayName,
		AgentType:    agentType,
		Namespace:    ns,
		Capabilities: spec.Capabilities,
		AccessLevel:  level,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if a.DisplayName == "" {
		a.DisplayName = a.AgentID
	}
	if persist {
		if err := r.store.UpsertAgent(ctx, a); err != nil {
			return nil, err
		}
	}
	r.agents[a.AgentID] = a.Clone()
	r.broadcastLocked(a.AgentID)
	r.logger.Info("agent registered",
		zap.String("agent_id", a.AgentID),
		zap.String("namespace", a.Namespace),
		zap.Bool("persisted", persist),
	)
	return a, nil
}

// Unregister archives an agent. Built-ins are refused; owned memories
// are left in place.
func (r *Registry) Unregister(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := name
	if full, ok := r.aliases[name]; ok {
		id = full
	}
	if _, ok := r.builtins[id]; ok {
		return types.E(types.KindPermission, "built-in agents cannot be unregistered")
	}
	a, ok := r.agents[id]
	if !ok {
		return types.E(types.KindUnknownAgent, "no agent named %q", name)
	}
	if err := r.store.DeactivateAgent(ctx, id); err != nil && types.KindOf(err) != types.KindNotFound {
		return err
	}
	a.IsActive = false
	a.UpdatedAt = time.Now().UTC()
	r.broadcastLocked(id)
	r.logger.Info("agent unregistered", zap.String("agent_id", id))
	return nil
}

// List returns built-ins plus registered agents matching the filter,
// ordered by agent_id ascending.
func (r *Registry) List(f types.AgentFilter) []*types.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*types.Agent, 0, len(r.builtins)+len(r.agents))
	appendMatch := func(a *types.Agent) {
		if f.Namespace != "" && a.Namespace != f.Namespace {
			return
		}
		if f.AgentType != "" && a.AgentType != f.AgentType {
			return
		}
		out = append(out, a.Clone())
	}
	for _, a := range r.builtins {
		appendMatch(a)
	}
	for _, a := range r.agents {
		appendMatch(a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Builtins returns the Trinitas catalogue ordered by agent_id.
func (r *Registry) Builtins() []*types.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.Agent, 0, len(r.builtins))
	for _, a := range r.builtins {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// ApplyConfig replaces the file-loaded agent set atomically. Entries
// clashing with built-ins or with registered agents reject the whole
// document; a failed apply leaves the previous set intact.
func (r *Registry) ApplyConfig(agents []*types.Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	incoming := make(map[string]*types.Agent, len(agents))
	for _, a := range agents {
		if validate.IsReservedNamespace(a.Namespace) {
			return types.E(types.KindValidation, "config entry %q uses a reserved namespace", a.AgentID)
		}
		if _, ok := r.aliases[a.AgentID]; ok {
			return types.E(types.KindValidation, "config entry %q collides with a built-in", a.AgentID)
		}
		if _, ok := r.builtins[a.AgentID]; ok {
			return types.E(types.KindValidation, "config entry %q collides with a built-in", a.AgentID)
		}
		if existing, ok := r.agents[a.AgentID]; ok && !r.fromFile[existing.AgentID] {
			return types.E(types.KindValidation, "config entry %q collides with a registered agent", a.AgentID)
		}
		if _, dup := incoming[a.AgentID]; dup {
			return types.E(types.KindValidation, "config lists %q twice", a.AgentID)
		}
		incoming[a.AgentID] = a.Clone()
	}

	for id := range r.fromFile {
		delete(r.agents, id)
		delete(r.fromFile, id)
		r.broadcastLocked(id)
	}
	for id, a := range incoming {
		r.agents[id] = a
		r.fromFile[id] = true
		r.broadcastLocked(id)
	}
	r.logger.Info("custom agents applied", zap.Int("count", len(incoming)))
	return nil
}

// Invalidations returns a channel delivering the agent id of every
// mutated record. Slow consumers drop events rather than block writers.
func (r *Registry) Invalidations() <-chan string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan string, 64)
	r.subs = append(r.subs, ch)
	return ch
}

func (r *Registry) broadcastLocked(agentID string) {
	for _, ch := range r.subs {
		select {
		case ch <- agentID:
		default:
		}
	}
}
