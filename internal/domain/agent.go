package domain

import (
	"sort"
	"time"
)

// AgentConfig is the resolved configuration of an agent. The orchestrator
// only branches on its capability flags, never on the agent id.
type AgentConfig struct {
	ID             string    `json:"id" yaml:"id"`
	Name           string    `json:"name" yaml:"name"`
	Description    string    `json:"description,omitempty" yaml:"description"`
	PromptTemplate string    `json:"prompt_template" yaml:"prompt_template"`
	ToolNames      []string  `json:"tool_names,omitempty" yaml:"tools"`
	CanDelegate    bool      `json:"can_delegate" yaml:"can_delegate"`
	Delegates      []string  `json:"delegates,omitempty" yaml:"delegates"`
	Keywords       []string  `json:"keywords,omitempty" yaml:"keywords"`
	Model          string    `json:"model,omitempty" yaml:"model"`
	UpdatedAt      time.Time `json:"updated_at" yaml:"-"`
}

// ToolSet returns the agent's tool names as a set.
func (a *AgentConfig) ToolSet() map[string]struct{} {
	set := make(map[string]struct{}, len(a.ToolNames))
	for _, name := range a.ToolNames {
		set[name] = struct{}{}
	}
	return set
}

// Normalize sorts and deduplicates list fields so equal configs compare equal.
func (a *AgentConfig) Normalize() {
	a.ToolNames = dedupe(a.ToolNames)
	a.Delegates = dedupe(a.Delegates)
	if a.Name == "" {
		a.Name = a.ID
	}
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
