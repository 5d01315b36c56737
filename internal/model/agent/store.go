package agent

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Store exposes agent retrieval for webhooks and the operator API.
type Store interface {
	List() []Agent
	FindByID(id string) (Agent, bool)
}

// MemoryStore implements Store with an in-memory slice.
type MemoryStore struct {
	items []Agent
}

// NewMemoryStore returns a MemoryStore preloaded with the supplied agents.
func NewMemoryStore(items []Agent) *MemoryStore {
	return &MemoryStore{items: append([]Agent(nil), items...)}
}

// List returns the configured agents.
func (s *MemoryStore) List() []Agent {
	return append([]Agent(nil), s.items...)
}

// FindByID looks up an agent by identifier.
func (s *MemoryStore) FindByID(id string) (Agent, bool) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Agent{}, false
	}
	for _, item := range s.items {
		if item.ID == id {
			return item, true
		}
	}
	return Agent{}, false
}

type fileLayout struct {
	Agents []Agent `yaml:"agents"`
}

// LoadFile reads agent profiles from a YAML document of the form
//
//	agents:
//	  - id: "1"
//	    name: Sarah
func LoadFile(path string) ([]Agent, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agents file: %w", err)
	}

	var layout fileLayout
	if err := yaml.Unmarshal(raw, &layout); err != nil {
		return nil, fmt.Errorf("parse agents file %s: %w", path, err)
	}

	seen := make(map[string]struct{}, len(layout.Agents))
	for i, item := range layout.Agents {
		if strings.TrimSpace(item.ID) == "" {
			return nil, fmt.Errorf("agents file %s: entry %d has no id", path, i)
		}
		if strings.TrimSpace(item.Name) == "" {
			return nil, fmt.Errorf("agents file %s: agent %q has no name", path, item.ID)
		}
		if _, dup := seen[item.ID]; dup {
			return nil, fmt.Errorf("agents file %s: duplicate id %q", path, item.ID)
		}
		seen[item.ID] = struct{}{}
	}

	return layout.Agents, nil
}
