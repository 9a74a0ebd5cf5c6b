package registry

import (
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/trinitas-lab/tmws/internal/validate"
	"github.com/trinitas-lab/tmws/pkg/types"
)

// ConfigFileName is the custom-agents document the loader searches for.
const ConfigFileName = "custom_agents.json"

// Loader reads custom_agents.json and feeds the parsed agents into the
// registry. One invalid entry rejects the whole file.
type Loader struct {
	registry *Registry
	logger   *zap.Logger
}

// NewLoader builds a loader bound to a registry.
func NewLoader(reg *Registry, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{registry: reg, logger: logger}
}

// SearchPaths returns the candidate config locations in priority order:
// working directory, then the user's ~/.tmws, then /etc/tmws.
func SearchPaths() []string {
	paths := []string{ConfigFileName}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".tmws", ConfigFileName))
	}
	paths = append(paths, filepath.Join("/etc/tmws", ConfigFileName))
	return paths
}

// Load finds the first existing config file on the search path and
// applies it. A missing file is not an error; a malformed one is.
func (l *Loader) Load() (string, error) {
	for _, p := range SearchPaths() {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		return p, l.LoadFile(p)
	}
	l.logger.Debug("no custom agents file found")
	return "", nil
}

// LoadFile parses and applies one config file.
func (l *Loader) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return types.Wrap(types.KindValidation, err, "reading custom agents file")
	}
	doc, err := validate.ConfigContent(raw)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	agents := make([]*types.Agent, 0, len(doc.CustomAgents))
	for _, ca := range doc.CustomAgents {
		id := ca.FullID
		if id == "" {
			id = ca.Name
		}
		ns := ca.Namespace
		if ns == "" {
			ns = types.DefaultNamespace
		}
		level := ca.AccessLevel
		if level == "" {
			level = types.AccessStandard
		}
		caps := make(map[string]any, len(ca.Capabilities))
		for _, c := range ca.Capabilities {
			caps[c] = true
		}
		agents = append(agents, &types.Agent{
			AgentID:      id,
			DisplayName:  ca.DisplayName,
			AgentType:    types.AgentTypeCustom,
			Namespace:    ns,
			Capabilities: caps,
			Config:       ca.Metadata,
			AccessLevel:  level,
			IsActive:     true,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
	}
	if err := l.registry.ApplyConfig(agents); err != nil {
		return err
	}
	l.logger.Info("custom agents loaded",
		zap.String("file", path),
		zap.Int("count", len(agents)),
	)
	return nil
}
