// Package plan compiles an agent configuration into an executable plan.
package plan

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/xiaot623/conductor/internal/domain"
)

// AgentSource resolves agent configurations.
type AgentSource interface {
	Get(ctx context.Context, agentID string) (*domain.AgentConfig, error)
}

// ToolSource resolves tool specs by name.
type ToolSource interface {
	Spec(toolName string) (domain.ToolSpec, bool)
}

// Delegate is what a plan knows about an agent it may hand tasks to.
type Delegate struct {
	ID          string
	Name        string
	Description string
	Keywords    []string
}

// Plan is the compiled, immutable form of an agent.
type Plan struct {
	Agent      domain.AgentConfig
	Tools      []domain.ToolSpec
	Delegates  []Delegate
	CompiledAt time.Time

	prompt *template.Template
	tools  map[string]domain.ToolSpec
}

// PromptData is passed to an agent's prompt template.
type PromptData struct {
	AgentID   string
	AgentName string
	Task      string
	Context   map[string]string
	Tools     []domain.ToolSpec
	Delegates []Delegate
	Depth     int
}

var funcs = template.FuncMap{
	"join":  strings.Join,
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
}

// Compiler builds plans from agent and tool sources.
type Compiler struct {
	agents AgentSource
	tools  ToolSource
	now    func() time.Time
}

// NewCompiler creates a compiler.
func NewCompiler(agents AgentSource, tools ToolSource) *Compiler {
	return &Compiler{agents: agents, tools: tools, now: time.Now}
}

// Compile resolves agentID into a plan. Unknown tools or delegates and
// malformed prompt templates are errors.
func (c *Compiler) Compile(ctx context.Context, agentID string) (*Plan, error) {
	agent, err := c.agents.Get(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load agent: %w", err)
	}
	cfg := *agent
	cfg.Normalize()

	tmpl, err := template.New(cfg.ID).Funcs(funcs).Option("missingkey=zero").Parse(cfg.PromptTemplate)
	if err != nil {
		return nil, fmt.Errorf("invalid prompt template: %w", err)
	}

	p := &Plan{
		Agent:      cfg,
		CompiledAt: c.now(),
		prompt:     tmpl,
		tools:      make(map[string]domain.ToolSpec, len(cfg.ToolNames)),
	}
	for _, name := range cfg.ToolNames {
		spec, ok := c.tools.Spec(name)
		if !ok {
			return nil, fmt.Errorf("unknown tool %q", name)
		}
		p.Tools = append(p.Tools, spec)
		p.tools[name] = spec
	}

	if cfg.CanDelegate {
		for _, id := range cfg.Delegates {
			if id == cfg.ID {
				return nil, fmt.Errorf("agent cannot delegate to itself")
			}
			target, err := c.agents.Get(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("failed to resolve delegate %q: %w", id, err)
			}
			name := target.Name
			if name == "" {
				name = target.ID
			}
			p.Delegates = append(p.Delegates, Delegate{
				ID:          target.ID,
				Name:        name,
				Description: target.Description,
				Keywords:    target.Keywords,
			})
		}
	}
	return p, nil
}

// AgentID returns the id of the compiled agent.
func (p *Plan) AgentID() string {
	return p.Agent.ID
}

// CanDelegate reports whether the plan may delegate at all.
func (p *Plan) CanDelegate() bool {
	return p.Agent.CanDelegate && len(p.Delegates) > 0
}

// Tool returns the spec of an allowed tool.
func (p *Plan) Tool(name string) (domain.ToolSpec, bool) {
	spec, ok := p.tools[name]
	return spec, ok
}

// Delegate returns a delegate target by id.
func (p *Plan) Delegate(id string) (Delegate, bool) {
	for _, d := range p.Delegates {
		if d.ID == id {
			return d, true
		}
	}
	return Delegate{}, false
}

// SystemPrompt renders the agent's prompt.
func (p *Plan) SystemPrompt(data PromptData) (string, error) {
	data.AgentID = p.Agent.ID
	data.AgentName = p.Agent.Name
	data.Tools = p.Tools
	data.Delegates = p.Delegates
	var buf bytes.Buffer
	if err := p.prompt.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render prompt for %s: %w", p.Agent.ID, err)
	}
	return buf.String(), nil
}
