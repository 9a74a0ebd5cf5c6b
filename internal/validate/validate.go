// Package validate sanitises every externally supplied string before it
// reaches persistence or the filesystem. All functions are pure and reject
// with KindValidation.
package validate

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/trinitas-lab/tmws/pkg/types"
)

// agentIDPattern matches the full identifier charset: leading letter, then
// letters, digits, underscore, dot, dash, 3-64 chars total.
var agentIDPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_.-]{2,63}$`)

// Reserved namespaces require elevated principals for writes.
var reservedNamespaces = map[string]bool{
	"system":   true,
	"trinitas": true,
}

// Config document limits.
const (
	MaxConfigBytes  = 1 << 20 // 1 MiB
	MaxConfigAgents = 1000
)

// AgentID validates an agent identifier.
func AgentID(s string) error {
	if err := identifier(s, "agent_id"); err != nil {
		return err
	}
	return nil
}

// Namespace validates a namespace name. Reservation is not checked here;
// the access layer gates writes into reserved namespaces.
func Namespace(s string) error {
	return identifier(s, "namespace")
}

// IsReservedNamespace reports whether ns requires elevated write access.
func IsReservedNamespace(ns string) bool {
	return reservedNamespaces[ns]
}

func identifier(s, field string) error {
	for _, r := range s {
		if r == 0 || unicode.IsControl(r) {
			return types.E(types.KindValidation, "%s contains control characters", field)
		}
	}
	if !agentIDPattern.MatchString(s) {
		return types.E(types.KindValidation, "%s must match ^[A-Za-z][A-Za-z0-9_.-]{2,63}$", field)
	}
	// "a..b" passes the charset check but could collapse as a path
	// element downstream, so any ".." run is rejected outright.
	if strings.Contains(s, "..") {
		return types.E(types.KindValidation, "%s must not contain '..'", field)
	}
	return nil
}

// Tag normalises a tag to NFC, trims outer whitespace, and enforces the
// per-tag byte budget. Returns the sanitised tag.
func Tag(s string) (string, error) {
	t := strings.TrimSpace(norm.NFC.String(s))
	if t == "" {
		return "", types.E(types.KindValidation, "tag is empty")
	}
	if len(t) > types.MaxTagBytes {
		return "", types.E(types.KindValidation, "tag exceeds %d bytes", types.MaxTagBytes)
	}
	for _, r := range t {
		if r == 0 || unicode.IsControl(r) {
			return "", types.E(types.KindValidation, "tag contains control characters")
		}
	}
	return t, nil
}

// Tags sanitises a tag list, deduplicating while preserving first-seen
// order, and enforces the set budget.
func Tags(in []string) ([]string, error) {
	if len(in) > types.MaxTags {
		return nil, types.E(types.KindValidation, "at most %d tags allowed", types.MaxTags)
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, raw := range in {
		t, err := Tag(raw)
		if err != nil {
			return nil, err
		}
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out, nil
}

// Importance checks the [0,1] budget.
func Importance(f float64) error {
	if f < 0 || f > 1 || f != f {
		return types.E(types.KindValidation, "importance must be in [0,1]")
	}
	return nil
}

// Content checks the memory content byte budget.
func Content(s string) error {
	if len(s) == 0 {
		return types.E(types.KindValidation, "content is empty")
	}
	if len(s) > types.MaxContentBytes {
		return types.E(types.KindValidation, "content exceeds %d bytes", types.MaxContentBytes)
	}
	if strings.ContainsRune(s, 0) {
		return types.E(types.KindValidation, "content contains a null byte")
	}
	return nil
}

// PathAllowlist is the set of canonical directory prefixes file operations
// may touch.
type PathAllowlist struct {
	prefixes []string
}

// DefaultAllowlist builds the standard allowlist rooted at the user's home
// directory, plus any explicitly configured extra directories.
func DefaultAllowlist(extra ...string) (*PathAllowlist, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, types.Wrap(types.KindInternal, err, "home directory unavailable")
	}
	dirs := []string{
		filepath.Join(home, ".claude"),
		filepath.Join(home, ".config", "claude"),
		filepath.Join(home, ".mcp"),
		filepath.Join(home, ".tmws"),
	}
	dirs = append(dirs, extra...)
	return NewAllowlist(dirs...)
}

// NewAllowlist canonicalises each prefix. Prefixes that do not exist yet
// are kept in cleaned absolute form.
func NewAllowlist(dirs ...string) (*PathAllowlist, error) {
	al := &PathAllowlist{}
	for _, d := range dirs {
		abs, err := filepath.Abs(d)
		if err != nil {
			return nil, types.E(types.KindValidation, "allowlist entry is not a valid path")
		}
		if resolved, err := filepath.EvalSymlinks(abs); err == nil {
			abs = resolved
		}
		al.prefixes = append(al.prefixes, filepath.Clean(abs))
	}
	return al, nil
}

// FilePath canonicalises p (resolving symlinks and collapsing "..") and
// accepts it only when the result falls under an allowlisted prefix. The
// error message never echoes the supplied path.
func (al *PathAllowlist) FilePath(p string) (string, error) {
	if p == "" || strings.ContainsRune(p, 0) {
		return "", types.E(types.KindValidation, "path is empty or malformed")
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", types.E(types.KindValidation, "path cannot be canonicalised")
	}
	abs = filepath.Clean(abs)
	// Resolve the deepest existing ancestor so symlinked parents cannot
	// smuggle the target outside the allowlist.
	resolved, err := resolveExisting(abs)
	if err != nil {
		return "", types.E(types.KindValidation, "path cannot be canonicalised")
	}
	for _, prefix := range al.prefixes {
		if resolved == prefix || strings.HasPrefix(resolved, prefix+string(filepath.Separator)) {
			return resolved, nil
		}
	}
	return "", types.E(types.KindValidation, "path is outside the allowed directories")
}

// resolveExisting walks up from p to the deepest existing ancestor,
// resolves its symlinks, then reattaches the non-existing suffix.
func resolveExisting(p string) (string, error) {
	var suffix []string
	cur := p
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			for i := len(suffix) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, suffix[i])
			}
			return filepath.Clean(resolved), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", err
		}
		suffix = append(suffix, filepath.Base(cur))
		cur = parent
	}
}

// ConfigDocument mirrors the custom_agents.json schema. Unknown fields are
// ignored by design.
type ConfigDocument struct {
	Version      string        `json:"version"`
	CustomAgents []ConfigAgent `json:"custom_agents"`
}

// ConfigAgent is one custom agent entry.
type ConfigAgent struct {
	Name         string         `json:"name"`
	FullID       string         `json:"full_id"`
	Namespace    string         `json:"namespace"`
	DisplayName  string         `json:"display_name"`
	AccessLevel  string         `json:"access_level"`
	Capabilities []string       `json:"capabilities"`
	Metadata     map[string]any `json:"metadata"`
}

// configAccessLevels maps the config-file vocabulary onto agent access
// levels. "team" is the documented spelling for standard access.
var configAccessLevels = map[string]string{
	"team": types.AccessStandard,
}

// ConfigContent parses and validates a custom-agents document. A single
// invalid entry rejects the whole file. Access levels are normalised to
// the agent vocabulary.
func ConfigContent(raw []byte) (*ConfigDocument, error) {
	if len(raw) > MaxConfigBytes {
		return nil, types.E(types.KindValidation, "config file exceeds %d bytes", MaxConfigBytes)
	}
	var doc ConfigDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, types.E(types.KindValidation, "config file is not valid JSON")
	}
	if len(doc.CustomAgents) > MaxConfigAgents {
		return nil, types.E(types.KindValidation, "config file lists more than %d agents", MaxConfigAgents)
	}
	for i := range doc.CustomAgents {
		a := &doc.CustomAgents[i]
		if err := AgentID(a.Name); err != nil {
			return nil, types.E(types.KindValidation, "custom_agents[%d].name invalid", i)
		}
		id := a.FullID
		if id == "" {
			id = a.Name
		}
		if err := AgentID(id); err != nil {
			return nil, types.E(types.KindValidation, "custom_agents[%d].full_id invalid", i)
		}
		if a.DisplayName == "" {
			return nil, types.E(types.KindValidation, "custom_agents[%d].display_name missing", i)
		}
		if a.Namespace != "" {
			if err := Namespace(a.Namespace); err != nil {
				return nil, types.E(types.KindValidation, "custom_agents[%d].namespace invalid", i)
			}
		}
		if a.AccessLevel != "" {
			if mapped, ok := configAccessLevels[a.AccessLevel]; ok {
				a.AccessLevel = mapped
			} else if !types.ValidAccessLevel(a.AccessLevel) {
				return nil, types.E(types.KindValidation, "custom_agents[%d].access_level invalid", i)
			}
		}
	}
	return &doc, nil
}
