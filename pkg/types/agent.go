package types

import (
	"time"
)

// Agent access levels, ordered from least to most privileged.
const (
	AccessReadonly = "readonly"
	AccessStandard = "standard"
	AccessElevated = "elevated"
	AccessAdmin    = "admin"
	AccessSystem   = "system"
)

// Agent type tags. The vocabulary is open; these are the well-known values.
const (
	AgentTypeAnthropic = "anthropic_llm"
	AgentTypeOpenAI    = "openai_llm"
	AgentTypeGoogle    = "google_llm"
	AgentTypeMeta      = "meta_llm"
	AgentTypeCustom    = "custom_agent"
	AgentTypeSystem    = "system_agent"
)

// DefaultNamespace is assigned to agents registered without one.
const DefaultNamespace = "default"

// accessRank orders access levels for >= comparisons.
var accessRank = map[string]int{
	AccessReadonly: 0,
	AccessStandard: 1,
	AccessElevated: 2,
	AccessAdmin:    3,
	AccessSystem:   4,
}

// AccessRank returns the privilege rank of an access level, -1 if unknown.
func AccessRank(level string) int {
	if r, ok := accessRank[level]; ok {
		return r
	}
	return -1
}

// ValidAccessLevel reports whether s is a known agent access level.
func ValidAccessLevel(s string) bool {
	return AccessRank(s) >= 0
}

// Agent is the identity of a calling principal.
type Agent struct {
	AgentID      string         `json:"agent_id"`
	DisplayName  string         `json:"display_name"`
	AgentType    string         `json:"agent_type"`
	Namespace    string         `json:"namespace"`
	Capabilities map[string]any `json:"capabilities"`
	Config       map[string]any `json:"config,omitempty"`
	AccessLevel  string         `json:"access_level"`
	IsActive     bool           `json:"is_active"`
	// BuiltIn marks the immutable Trinitas catalogue entries.
	BuiltIn       bool       `json:"built_in,omitempty"`
	TotalMemories int64      `json:"total_memories"`
	LastActivity  *time.Time `json:"last_activity,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// HasAccessAtLeast reports whether the agent's access level meets min.
func (a *Agent) HasAccessAtLeast(min string) bool {
	return AccessRank(a.AccessLevel) >= AccessRank(min)
}

// Clone returns a deep copy so cached registry entries cannot be mutated
// by callers.
func (a *Agent) Clone() *Agent {
	cp := *a
	if a.Capabilities != nil {
		cp.Capabilities = make(map[string]any, len(a.Capabilities))
		for k, v := range a.Capabilities {
			cp.Capabilities[k] = v
		}
	}
	if a.Config != nil {
		cp.Config = make(map[string]any, len(a.Config))
		for k, v := range a.Config {
			cp.Config[k] = v
		}
	}
	if a.LastActivity != nil {
		t := *a.LastActivity
		cp.LastActivity = &t
	}
	return &cp
}

// Touch updates the activity timestamp.
func (a *Agent) Touch(now time.Time) {
	t := now
	a.LastActivity = &t
}

// AgentSpec is the caller-supplied shape for dynamic registration.
type AgentSpec struct {
	AgentID      string         `json:"agent_id"`
	DisplayName  string         `json:"display_name"`
	AgentType    string         `json:"agent_type"`
	Namespace    string         `json:"namespace"`
	Capabilities map[string]any `json:"capabilities"`
	AccessLevel  string         `json:"access_level"`
}

// AgentFilter narrows registry listings.
type AgentFilter struct {
	Namespace string
	AgentType string
}
