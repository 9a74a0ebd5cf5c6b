// Package access evaluates every read and write against the resource
// policy order and enforces per-agent rate limits.
package access

import (
	"github.com/trinitas-lab/tmws/internal/validate"
	"github.com/trinitas-lab/tmws/pkg/types"
)

// Operation is the action being evaluated against a memory.
type Operation string

const (
	OpRead   Operation = "read"
	OpWrite  Operation = "write"
	OpDelete Operation = "delete"
	OpShare  Operation = "share"
)

// permissionFor maps an operation to the share permission it requires.
func permissionFor(op Operation) types.Permission {
	switch op {
	case OpWrite:
		return types.PermWrite
	case OpDelete, OpShare:
		return types.PermDelete
	default:
		return types.PermRead
	}
}

// Decision is the outcome of a policy evaluation.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision             { return Decision{Allowed: true} }
func deny(reason string) Decision { return Decision{Allowed: false, Reason: reason} }

// Decide evaluates (principal, op, memory) through the fixed policy
// order: self-access, privileged override, access-level gates, namespace
// reservation, default deny. Rate limits are enforced separately at the
// request boundary, before any resource is resolved.
func Decide(principal *types.Agent, op Operation, mem *types.Memory) Decision {
	if principal == nil || mem == nil {
		return deny("no principal or resource")
	}
	if !principal.IsActive {
		return deny("principal is inactive")
	}

	// 1. Self-access: owners hold every permission on their memories.
	if principal.AgentID == mem.OwnerID {
		return allow()
	}

	// 2. Privileged override.
	switch {
	case principal.AccessLevel == types.AccessSystem:
		if op == OpRead || op == OpWrite {
			return allow()
		}
	case principal.HasAccessAtLeast(types.AccessElevated):
		if op == OpRead {
			return allow()
		}
		if op == OpWrite &&
			(mem.Namespace == principal.Namespace || principal.HasAccessAtLeast(types.AccessAdmin)) {
			return allow()
		}
	}

	// 3. Access-level gates on the resource.
	if d, final := gate(principal, op, mem); final {
		return d
	}

	// 5. Namespace reservation for writes (reached only by non-elevated
	// principals; elevated and above matched rule 2).
	if op != OpRead && validate.IsReservedNamespace(mem.Namespace) {
		return deny("namespace is reserved")
	}

	// 6. Default deny.
	return deny("no policy allows this operation")
}

// gate applies the per-access-level rules. final=false falls through to
// the remaining policy steps.
func gate(principal *types.Agent, op Operation, mem *types.Memory) (Decision, bool) {
	switch mem.AccessLevel {
	case types.MemoryPrivate:
		return deny("memory is private"), true

	case types.MemoryTeam:
		if mem.Namespace != principal.Namespace {
			return deny("memory belongs to another namespace"), true
		}
		if op == OpRead || op == OpWrite {
			return allow(), true
		}
		return deny("only the owner may delete or share a team memory"), true

	case types.MemoryShared:
		granted, ok := mem.SharedPermission(principal.AgentID)
		if !ok {
			return deny("memory is not shared with this agent"), true
		}
		if !granted.Covers(permissionFor(op)) {
			return deny("granted permission does not cover this operation"), true
		}
		return allow(), true

	case types.MemoryPublic:
		if op == OpRead {
			return allow(), true
		}
		return deny("public memories are writable only by their owner"), true

	case types.MemorySystem:
		if op == OpRead && principal.HasAccessAtLeast(types.AccessElevated) {
			return allow(), true
		}
		if (op == OpWrite || op == OpDelete) && principal.AccessLevel == types.AccessSystem {
			return allow(), true
		}
		return deny("system memories require elevated access"), true
	}
	return Decision{}, false
}

// CanWriteNamespace gates creation into a namespace. Reserved namespaces
// accept writes from their own residents and from elevated principals.
func CanWriteNamespace(principal *types.Agent, ns string) Decision {
	if !validate.IsReservedNamespace(ns) {
		return allow()
	}
	if principal.Namespace == ns || principal.HasAccessAtLeast(types.AccessElevated) {
		return allow()
	}
	return deny("namespace is reserved")
}
