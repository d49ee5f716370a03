package agent

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"alfred/internal/domain"
)

// PluginInput is a request to register a plugin for a team.
type PluginInput struct {
	Name           string            `json:"name"`
	Niche          string            `json:"niche,omitempty"`
	Tools          []domain.ToolKind `json:"tools,omitempty"`
	PromptTemplate string            `json:"prompt_template,omitempty"`
	Active         *bool             `json:"active,omitempty"`
}

// PluginComposer reads and writes team plugins and overlays them on agents.
type PluginComposer struct {
	store  domain.PluginStore
	logger *slog.Logger
}

func NewPluginComposer(store domain.PluginStore, logger *slog.Logger) *PluginComposer {
	return &PluginComposer{store: store, logger: logger}
}

// ListPlugins returns the team's active plugins. Without a team no plugins apply.
func (pc *PluginComposer) ListPlugins(ctx context.Context, teamID string) ([]domain.Plugin, error) {
	if teamID == "" {
		return nil, nil
	}
	plugins, err := pc.store.ListActivePlugins(ctx, teamID)
	if err != nil {
		return nil, asStoreError("select", "agent_plugins", err)
	}
	return plugins, nil
}

// CreatePlugin persists a plugin for the team. Plugins are active unless the
// input says otherwise.
func (pc *PluginComposer) CreatePlugin(ctx context.Context, teamID string, in PluginInput) (*domain.Plugin, error) {
	if teamID == "" {
		return nil, errors.New("team id is required")
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, errors.New("plugin name is required")
	}
	active := true
	if in.Active != nil {
		active = *in.Active
	}
	tools := in.Tools
	if tools == nil {
		tools = []domain.ToolKind{}
	}
	p, err := pc.store.CreatePlugin(ctx, domain.Plugin{
		TeamID:         teamID,
		Name:           name,
		Niche:          in.Niche,
		Tools:          tools,
		PromptTemplate: in.PromptTemplate,
		Active:         active,
	})
	if err != nil {
		return nil, asStoreError("insert", "agent_plugins", err)
	}
	pc.logger.Info("plugin created", "team", teamID, "plugin", p.ID, "name", p.Name, "tools", len(p.Tools))
	return p, nil
}

// ApplyPlugins overlays plugins on a base agent. With no plugins the base
// agent itself is returned. Otherwise the result is a new agent whose tools
// are the base tools followed by first-seen plugin tools, without duplicates.
func ApplyPlugins(base *domain.Agent, plugins []domain.Plugin) *domain.Agent {
	if base == nil || len(plugins) == 0 {
		return base
	}

	seen := make(map[domain.ToolKind]bool, len(base.Tools))
	tools := make([]domain.ToolKind, 0, len(base.Tools))
	add := func(k domain.ToolKind) {
		if !seen[k] {
			seen[k] = true
			tools = append(tools, k)
		}
	}
	for _, k := range base.Tools {
		add(k)
	}
	var templates []string
	for _, p := range plugins {
		for _, k := range p.Tools {
			add(k)
		}
		if p.PromptTemplate != "" {
			templates = append(templates, p.PromptTemplate)
		}
	}

	effective := cloneAgent(*base)
	effective.Tools = tools
	effective.PromptTemplates = templates
	effective.Plugins = append([]domain.Plugin(nil), plugins...)
	return &effective
}

// asStoreError keeps typed store errors and wraps anything else.
func asStoreError(op, table string, err error) error {
	var se *domain.StoreError
	if errors.As(err, &se) {
		return err
	}
	return &domain.StoreError{Op: op, Table: table, Err: err}
}
