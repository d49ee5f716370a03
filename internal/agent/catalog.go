package agent

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"alfred/internal/domain"
)

// catalogFile is the on-disk agent catalogue:
//
//	agents:
//	  - id: alfred-sales
//	    model: gpt-4o-mini
//	    tools: [getLead, suggestReply, sendMessage]
//	    triggers: [cold-lead, whatsapp]
type catalogFile struct {
	Agents []domain.Agent `yaml:"agents"`
}

// LoadCatalog reads an agent catalogue from a YAML file, or from every
// .yaml/.yml file of a directory in name order. A missing path yields the
// built-in catalogue.
func LoadCatalog(path string, logger *slog.Logger) ([]domain.Agent, error) {
	if path == "" {
		return BuiltinAgents(), nil
	}
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		logger.Debug("agent catalogue not found, using built-in agents", "path", path)
		return BuiltinAgents(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat catalogue: %w", err)
	}

	var files []string
	if info.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, fmt.Errorf("read catalogue dir: %w", err)
		}
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || !(strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")) {
				continue
			}
			files = append(files, filepath.Join(path, name))
		}
	} else {
		files = []string{path}
	}

	var agents []domain.Agent
	seen := make(map[string]bool)
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read catalogue %s: %w", file, err)
		}
		parsed, err := ParseCatalog(data)
		if err != nil {
			return nil, fmt.Errorf("parse catalogue %s: %w", file, err)
		}
		for _, a := range parsed {
			if seen[a.ID] {
				return nil, fmt.Errorf("catalogue %s: duplicate agent id %q", file, a.ID)
			}
			seen[a.ID] = true
			agents = append(agents, a)
		}
		logger.Info("loaded agent catalogue", "path", file, "agents", len(parsed))
	}
	if len(agents) == 0 {
		logger.Warn("agent catalogue is empty, every run will report no-agent", "path", path)
	}
	return agents, nil
}

// ParseCatalog decodes and validates catalogue YAML.
func ParseCatalog(data []byte) ([]domain.Agent, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	for i, a := range f.Agents {
		if a.ID == "" {
			return nil, fmt.Errorf("agent #%d: missing id", i+1)
		}
		for _, kind := range a.Tools {
			if !kind.Known() {
				return nil, fmt.Errorf("agent %s: unknown tool %q", a.ID, kind)
			}
		}
	}
	return f.Agents, nil
}
