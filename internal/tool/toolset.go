package tool

import (
	"log/slog"

	"alfred/internal/domain"
)

// Toolset builds the per-run dispatcher: the CRM tools with the caller's auth
// bound in, then any local overrides registered over them.
type Toolset struct {
	crm       *CRMClient
	overrides []domain.Tool
	logger    *slog.Logger
}

func NewToolset(crm *CRMClient, logger *slog.Logger, overrides ...domain.Tool) *Toolset {
	return &Toolset{crm: crm, overrides: overrides, logger: logger}
}

func (ts *Toolset) Dispatcher(authHeader string) domain.Dispatcher {
	reg := NewRegistry(ts.logger)
	if ts.crm != nil {
		for _, t := range ts.crm.Tools(authHeader) {
			reg.Register(t)
		}
	}
	for _, t := range ts.overrides {
		reg.Register(t)
	}
	return reg
}
