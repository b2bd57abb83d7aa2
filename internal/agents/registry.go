// Package agents manages agent configurations: persisted registration,
// YAML loading and hot reload.
package agents

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xiaot623/conductor/internal/domain"
	"github.com/xiaot623/conductor/internal/log"
)

// Store persists agent configurations.
type Store interface {
	UpsertAgent(ctx context.Context, agent *domain.AgentConfig) error
	GetAgent(ctx context.Context, agentID string) (*domain.AgentConfig, error)
	ListAgents(ctx context.Context) ([]domain.AgentConfig, error)
	DeleteAgent(ctx context.Context, agentID string) error
}

// ChangeFunc is called after an agent is created, updated or removed.
type ChangeFunc func(agentID string)

// Registry is the source of agent configurations.
type Registry struct {
	store    Store
	onChange ChangeFunc
	now      func() time.Time
}

// NewRegistry creates a registry over store. onChange may be nil.
func NewRegistry(store Store, onChange ChangeFunc) *Registry {
	return &Registry{store: store, onChange: onChange, now: time.Now}
}

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// Validate checks an agent configuration for registration.
func Validate(cfg *domain.AgentConfig) error {
	if cfg.ID == "" {
		return fmt.Errorf("agent id is required")
	}
	if !idPattern.MatchString(cfg.ID) {
		return fmt.Errorf("invalid agent id %q", cfg.ID)
	}
	if !cfg.CanDelegate && len(cfg.Delegates) > 0 {
		return fmt.Errorf("agent %s lists delegates but cannot delegate", cfg.ID)
	}
	return nil
}

// Register creates or replaces an agent.
func (r *Registry) Register(ctx context.Context, cfg domain.AgentConfig) (*domain.AgentConfig, error) {
	cfg.Normalize()
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	cfg.UpdatedAt = r.now()
	if err := r.store.UpsertAgent(ctx, &cfg); err != nil {
		return nil, fmt.Errorf("failed to save agent: %w", err)
	}
	r.changed(cfg.ID)
	return &cfg, nil
}

// Get retrieves an agent.
func (r *Registry) Get(ctx context.Context, agentID string) (*domain.AgentConfig, error) {
	return r.store.GetAgent(ctx, agentID)
}

// List returns every agent.
func (r *Registry) List(ctx context.Context) ([]domain.AgentConfig, error) {
	return r.store.ListAgents(ctx)
}

// Delete removes an agent.
func (r *Registry) Delete(ctx context.Context, agentID string) error {
	if err := r.store.DeleteAgent(ctx, agentID); err != nil {
		return err
	}
	r.changed(agentID)
	return nil
}

func (r *Registry) changed(agentID string) {
	if r.onChange != nil {
		r.onChange(agentID)
	}
}

type agentsFile struct {
	Agents []domain.AgentConfig `yaml:"agents"`
}

// ParseFile reads agent configurations from a YAML document.
func ParseFile(path string) ([]domain.AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read agents file: %w", err)
	}
	var file agentsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse agents file %s: %w", path, err)
	}
	seen := make(map[string]struct{}, len(file.Agents))
	for i := range file.Agents {
		file.Agents[i].Normalize()
		if err := Validate(&file.Agents[i]); err != nil {
			return nil, fmt.Errorf("agents file %s entry %d: %w", path, i, err)
		}
		if _, dup := seen[file.Agents[i].ID]; dup {
			return nil, fmt.Errorf("agents file %s: duplicate agent %s", path, file.Agents[i].ID)
		}
		seen[file.Agents[i].ID] = struct{}{}
	}
	return file.Agents, nil
}

// LoadFile registers every agent in path. Agents whose configuration is
// unchanged are skipped so their cached plans survive.
func (r *Registry) LoadFile(ctx context.Context, path string) (int, error) {
	cfgs, err := ParseFile(path)
	if err != nil {
		return 0, err
	}
	changed := 0
	for _, cfg := range cfgs {
		existing, err := r.store.GetAgent(ctx, cfg.ID)
		if err != nil && !errors.Is(err, domain.ErrAgentNotFound) {
			return changed, err
		}
		if existing != nil && sameConfig(*existing, cfg) {
			continue
		}
		if _, err := r.Register(ctx, cfg); err != nil {
			return changed, err
		}
		changed++
	}
	log.Infof("loaded %d agents from %s (%d changed)", len(cfgs), path, changed)
	return changed, nil
}

func sameConfig(a, b domain.AgentConfig) bool {
	a.Normalize()
	b.Normalize()
	a.UpdatedAt, b.UpdatedAt = time.Time{}, time.Time{}
	return a.ID == b.ID &&
		a.Name == b.Name &&
		a.Description == b.Description &&
		a.PromptTemplate == b.PromptTemplate &&
		a.CanDelegate == b.CanDelegate &&
		a.Model == b.Model &&
		equalStrings(a.ToolNames, b.ToolNames) &&
		equalStrings(a.Delegates, b.Delegates) &&
		equalStrings(a.Keywords, b.Keywords)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
