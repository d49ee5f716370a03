package domain

import (
	"slices"
	"time"
)

// Agent is a named capability bundle. A base agent comes from the catalogue;
// an effective agent is the same value after plugin composition and is only
// ever built for a single run.
type Agent struct {
	ID       string     `json:"id" yaml:"id"`
	Tools    []ToolKind `json:"tools" yaml:"tools"`
	Triggers []string   `json:"triggers" yaml:"triggers"`
	Model    string     `json:"stateModel,omitempty" yaml:"model,omitempty"`

	// Set only on effective agents.
	PromptTemplates []string `json:"promptTemplates,omitempty" yaml:"-"`
	Plugins         []Plugin `json:"plugins,omitempty" yaml:"-"`
}

// Can reports whether the agent may invoke the given tool.
func (a *Agent) Can(kind ToolKind) bool {
	if a == nil {
		return false
	}
	return slices.Contains(a.Tools, kind)
}

// Composed reports whether plugins were applied to produce this agent.
func (a *Agent) Composed() bool {
	return a != nil && len(a.Plugins) > 0
}

// Plugin is a team-scoped capability overlay persisted in the record store.
type Plugin struct {
	ID             string     `json:"id"`
	TeamID         string     `json:"team_id"`
	Name           string     `json:"name"`
	Niche          string     `json:"niche,omitempty"`
	Tools          []ToolKind `json:"tools"`
	PromptTemplate string     `json:"prompt_template,omitempty"`
	Active         bool       `json:"active"`
	CreatedAt      time.Time  `json:"created_at"`
}
