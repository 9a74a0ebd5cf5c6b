// Package registry resolves agent identities: the immutable Trinitas
// catalogue, persisted agents, and runtime registrations share one
// lookup surface with a single-writer mutation rule.
package registry

import (
	"time"

	"github.com/trinitas-lab/tmws/pkg/types"
)

// builtinSpec is one compile-time catalogue entry.
type builtinSpec struct {
	alias        string
	fullID       string
	displayName  string
	accessLevel  string
	capabilities []string
}

// trinitasCatalogue is the fixed set of built-in agents. Entries are
// cloned on every lookup; nothing hands out a pointer into this table.
var trinitasCatalogue = []builtinSpec{
	{
		alias:       "athena",
		fullID:      "athena-conductor",
		displayName: "Athena - Harmonious Conductor",
		accessLevel: types.AccessSystem,
		capabilities: []string{
			"orchestration", "workflow_automation", "resource_optimization",
			"parallel_execution", "task_delegation", "system_coordination",
		},
	},
	{
		alias:       "artemis",
		fullID:      "artemis-optimizer",
		displayName: "Artemis - Technical Perfectionist",
		accessLevel: types.AccessElevated,
		capabilities: []string{
			"performance_optimization", "code_quality", "technical_excellence",
			"algorithm_design", "efficiency_improvement", "best_practices",
		},
	},
	{
		alias:       "hestia",
		fullID:      "hestia-auditor",
		displayName: "Hestia - Security Guardian",
		accessLevel: types.AccessSystem,
		capabilities: []string{
			"security_analysis", "vulnerability_assessment", "risk_management",
			"threat_modeling", "compliance_verification", "audit_logging",
		},
	},
	{
		alias:       "eris",
		fullID:      "eris-coordinator",
		displayName: "Eris - Tactical Coordinator",
		accessLevel: types.AccessElevated,
		capabilities: []string{
			"tactical_planning", "team_coordination", "conflict_resolution",
			"workflow_orchestration", "collaboration", "balance_adjustment",
		},
	},
	{
		alias:       "hera",
		fullID:      "hera-strategist",
		displayName: "Hera - Strategic Commander",
		accessLevel: types.AccessElevated,
		capabilities: []string{
			"strategic_planning", "architecture_design", "long_term_vision",
			"roadmap_development", "stakeholder_management", "user_experience",
		},
	},
	{
		alias:       "muses",
		fullID:      "muses-documenter",
		displayName: "Muses - Knowledge Architect",
		accessLevel: types.AccessStandard,
		capabilities: []string{
			"documentation", "knowledge_management", "specification_writing",
			"api_documentation", "archive_management", "content_structuring",
		},
	},
}

// TrinitasNamespace holds every built-in agent.
const TrinitasNamespace = "trinitas"

// capabilitySet converts the catalogue's capability list to the agent
// record's map form.
func capabilitySet(caps []string) map[string]any {
	m := make(map[string]any, len(caps))
	for _, c := range caps {
		m[c] = true
	}
	return m
}

func (b builtinSpec) agent(now time.Time) *types.Agent {
	return &types.Agent{
		AgentID:      b.fullID,
		DisplayName:  b.displayName,
		AgentType:    types.AgentTypeSystem,
		Namespace:    TrinitasNamespace,
		Capabilities: capabilitySet(b.capabilities),
		AccessLevel:  b.accessLevel,
		IsActive:     true,
		BuiltIn:      true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// BuiltinAliases returns the short names of the Trinitas agents in
// catalogue order.
func BuiltinAliases() []string {
	out := make([]string, len(trinitasCatalogue))
	for i, b := range trinitasCatalogue {
		out[i] = b.alias
	}
	return out
}
