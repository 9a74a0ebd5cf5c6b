package types

import (
	"time"

	"github.com/google/uuid"
)

// Memory access levels.
const (
	MemoryPrivate = "private"
	MemoryTeam    = "team"
	MemoryShared  = "shared"
	MemoryPublic  = "public"
	MemorySystem  = "system"
)

// ValidMemoryAccessLevel reports whether s is a known memory access level.
func ValidMemoryAccessLevel(s string) bool {
	switch s {
	case MemoryPrivate, MemoryTeam, MemoryShared, MemoryPublic, MemorySystem:
		return true
	}
	return false
}

// Permission granted through a share edge.
type Permission string

const (
	PermRead   Permission = "read"
	PermWrite  Permission = "write"
	PermDelete Permission = "delete"
)

// ValidPermission reports whether p is a known share permission.
func ValidPermission(p Permission) bool {
	switch p {
	case PermRead, PermWrite, PermDelete:
		return true
	}
	return false
}

// Covers reports whether holding p satisfies a requirement of req.
// delete implies write implies read.
func (p Permission) Covers(req Permission) bool {
	rank := map[Permission]int{PermRead: 0, PermWrite: 1, PermDelete: 2}
	pr, ok1 := rank[p]
	rr, ok2 := rank[req]
	return ok1 && ok2 && pr >= rr
}

// Content bounds for a single memory.
const (
	MaxContentBytes = 65535
	MaxTags         = 32
	MaxTagBytes     = 32
	DefaultDim      = 384
)

// Memory is one unit of stored knowledge.
type Memory struct {
	ID         uuid.UUID `json:"id"`
	Content    string    `json:"content"`
	Embedding  []float32 `json:"-"`
	OwnerID    string    `json:"owner_agent_id"`
	Namespace  string    `json:"namespace"`
	AccessLevel string   `json:"access_level"`
	// PriorAccessLevel remembers the level to restore when a share grant
	// set empties again.
	PriorAccessLevel string                `json:"-"`
	Tags             []string              `json:"tags"`
	Importance       float64               `json:"importance"`
	SharedWith       map[string]Permission `json:"shared_with,omitempty"`
	ParentID         *uuid.UUID            `json:"parent_memory_id,omitempty"`
	IsArchived       bool                  `json:"is_archived"`
	AccessCount      int64                 `json:"access_count"`
	CreatedAt        time.Time             `json:"created_at"`
	UpdatedAt        time.Time             `json:"updated_at"`
	LastAccessedAt   time.Time             `json:"last_accessed_at"`
}

// Clone returns a deep copy of the memory.
func (m *Memory) Clone() *Memory {
	cp := *m
	if m.Embedding != nil {
		cp.Embedding = append([]float32(nil), m.Embedding...)
	}
	if m.Tags != nil {
		cp.Tags = append([]string(nil), m.Tags...)
	}
	if m.SharedWith != nil {
		cp.SharedWith = make(map[string]Permission, len(m.SharedWith))
		for k, v := range m.SharedWith {
			cp.SharedWith[k] = v
		}
	}
	if m.ParentID != nil {
		id := *m.ParentID
		cp.ParentID = &id
	}
	return &cp
}

// HasTag reports whether the memory carries the tag.
func (m *Memory) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// SharedPermission returns the permission granted to agentID, if any.
func (m *Memory) SharedPermission(agentID string) (Permission, bool) {
	p, ok := m.SharedWith[agentID]
	return p, ok
}

// ScoredMemory pairs a memory with its similarity to a query vector.
type ScoredMemory struct {
	Memory     *Memory `json:"memory"`
	Similarity float64 `json:"similarity"`
}

// MemoryPatch is a partial update. Nil fields are left untouched;
// set-valued fields may be replaced wholesale or diffed.
type MemoryPatch struct {
	Content     *string  `json:"content,omitempty"`
	Importance  *float64 `json:"importance,omitempty"`
	AccessLevel *string  `json:"access_level,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	AddTags     []string `json:"add_tags,omitempty"`
	RemoveTags  []string `json:"remove_tags,omitempty"`
	// Embedding is set by the service when Content changes.
	Embedding []float32 `json:"-"`
}

// SearchFilters narrow a vector search or a recall listing.
type SearchFilters struct {
	OwnerID    string
	Namespace  string
	AccessIn   []string
	Tags       []string
	// Principal widens visibility: rows shared with or readable by this
	// agent id pass the filter even when other predicates miss.
	Principal          string
	PrincipalNamespace string
	IncludeArchived    bool
}

// RecallOrder fixes the sort for non-semantic listings.
type RecallOrder string

const (
	OrderCreatedDesc    RecallOrder = "created_desc"
	OrderUpdatedDesc    RecallOrder = "updated_desc"
	OrderImportanceDesc RecallOrder = "importance_desc"
)
