package agent

import (
	"log/slog"
	"slices"
	"strings"
	"sync"

	"alfred/internal/domain"
)

// SalesAgentID is the id of the built-in sales agent.
const SalesAgentID = "alfred-sales"

// BuiltinAgents returns the default catalogue. Each call returns fresh values.
func BuiltinAgents() []domain.Agent {
	return []domain.Agent{
		{
			ID: SalesAgentID,
			Tools: []domain.ToolKind{
				domain.ToolSendMessage,
				domain.ToolCreateTask,
				domain.ToolGetLead,
				domain.ToolSuggestReply,
				domain.ToolCreateFlow,
				domain.ToolPredictConversion,
			},
			Triggers: []string{"cold-lead", "sentiment-negative", "whatsapp", "inbound", "manual"},
			Model:    "gpt-4o-mini",
		},
	}
}

// SelectAgent picks the agent for a trigger or, absent one, a channel: exact
// trigger match, then the first agent with a trigger the key contains, then
// the first agent. It returns nil only for an empty catalogue.
func SelectAgent(agents []domain.Agent, trigger, channel string) *domain.Agent {
	if len(agents) == 0 {
		return nil
	}
	key := trigger
	if key == "" {
		key = channel
	}
	if key == "" {
		return &agents[0]
	}
	for i := range agents {
		if slices.Contains(agents[i].Triggers, key) {
			return &agents[i]
		}
	}
	for i := range agents {
		for _, entry := range agents[i].Triggers {
			if strings.Contains(key, entry) {
				return &agents[i]
			}
		}
	}
	return &agents[0]
}

// Registry is the static agent catalogue.
type Registry struct {
	mu     sync.RWMutex
	agents []domain.Agent
	logger *slog.Logger
}

func NewRegistry(agents []domain.Agent, logger *slog.Logger) *Registry {
	return &Registry{agents: cloneAgents(agents), logger: logger}
}

// Select returns a copy of the agent chosen for trigger/channel, or nil when
// the catalogue is empty.
func (r *Registry) Select(trigger, channel string) *domain.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a := SelectAgent(r.agents, trigger, channel)
	if a == nil {
		return nil
	}
	c := cloneAgent(*a)
	r.logger.Debug("agent selected", "agent", c.ID, "trigger", trigger, "channel", channel)
	return &c
}

// Agents returns a copy of the catalogue.
func (r *Registry) Agents() []domain.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneAgents(r.agents)
}

// Replace swaps the catalogue, e.g. after reloading the catalogue file.
func (r *Registry) Replace(agents []domain.Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents = cloneAgents(agents)
}

func cloneAgent(a domain.Agent) domain.Agent {
	a.Tools = slices.Clone(a.Tools)
	a.Triggers = slices.Clone(a.Triggers)
	a.PromptTemplates = slices.Clone(a.PromptTemplates)
	a.Plugins = slices.Clone(a.Plugins)
	return a
}

func cloneAgents(agents []domain.Agent) []domain.Agent {
	out := make([]domain.Agent, len(agents))
	for i, a := range agents {
		out[i] = cloneAgent(a)
	}
	return out
}
