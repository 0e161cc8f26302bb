// Package registry holds the catalog of agent types with their priority
// weights and expiration policies.
package registry

import (
	"fmt"
	"os"
	"sort"

	"github.com/cheatcode/arbiter/internal/domain"
	"gopkg.in/yaml.v3"
)

// HelpModeFloor is the priority customer_service receives while help mode is
// open, unless another type is configured at or above it.
const HelpModeFloor = 10

// IndefiniteDays approximates "never expires" (about 100 years).
const IndefiniteDays = 36500

// DefaultDaysActive applies to product agents assigned without an explicit window.
const DefaultDaysActive = 60

var defaultTypes = []domain.AgentType{
	{ID: domain.AgentTypeCustomerService, BasePriority: 10, ExpirationDays: IndefiniteDays},
	{ID: domain.AgentTypeSales, BasePriority: 5, ExpirationDays: DefaultDaysActive},
	{ID: domain.AgentTypeWebinar, BasePriority: 3, ExpirationDays: DefaultDaysActive},
	{ID: domain.AgentTypeTextbook, BasePriority: 3, ExpirationDays: DefaultDaysActive},
	{ID: domain.AgentTypeFlashcards, BasePriority: 3, ExpirationDays: DefaultDaysActive},
	{ID: domain.AgentTypeAlgoMonthly, BasePriority: 3, ExpirationDays: DefaultDaysActive},
	{ID: domain.AgentTypeCCTA, BasePriority: 3, ExpirationDays: DefaultDaysActive},
	{ID: domain.AgentTypeInfluencerOutreach, BasePriority: 3, ExpirationDays: DefaultDaysActive},
	{ID: domain.AgentTypeLeadNurture, BasePriority: 1, ExpirationDays: DefaultDaysActive},
}

// Registry is an immutable lookup of agent types.
type Registry struct {
	types map[domain.AgentTypeID]domain.AgentType
}

// Default returns the built-in registry.
func Default() *Registry {
	r, err := New(defaultTypes)
	if err != nil {
		panic(err)
	}
	return r
}

// New builds a registry from the given entries.
func New(types []domain.AgentType) (*Registry, error) {
	r := &Registry{types: make(map[domain.AgentTypeID]domain.AgentType, len(types))}
	for _, t := range types {
		if t.ID == "" {
			return nil, fmt.Errorf("agent type with empty id")
		}
		if t.ExpirationDays <= 0 || t.ExpirationDays > IndefiniteDays {
			return nil, fmt.Errorf("agent type %s: expiration_days must be between 1 and %d", t.ID, IndefiniteDays)
		}
		if _, dup := r.types[t.ID]; dup {
			return nil, fmt.Errorf("agent type %s declared twice", t.ID)
		}
		r.types[t.ID] = t
	}
	return r, nil
}

type overlayFile struct {
	AgentTypes []overlayEntry `yaml:"agent_types"`
}

type overlayEntry struct {
	ID             domain.AgentTypeID `yaml:"id"`
	BasePriority   *int               `yaml:"base_priority"`
	ExpirationDays *int               `yaml:"expiration_days"`
}

// Load returns the default registry with the YAML overlay at path applied.
// An empty path yields the defaults. The overlay may only reconfigure known
// types; omitted fields keep their defaults.
func Load(path string) (*Registry, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agent registry: %w", err)
	}
	var f overlayFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse agent registry %s: %w", path, err)
	}

	byID := make(map[domain.AgentTypeID]domain.AgentType, len(defaultTypes))
	for _, t := range defaultTypes {
		byID[t.ID] = t
	}
	for _, e := range f.AgentTypes {
		t, ok := byID[e.ID]
		if !ok {
			return nil, fmt.Errorf("agent registry %s: unknown agent type %q", path, e.ID)
		}
		if e.BasePriority != nil {
			t.BasePriority = *e.BasePriority
		}
		if e.ExpirationDays != nil {
			t.ExpirationDays = *e.ExpirationDays
		}
		byID[e.ID] = t
	}

	types := make([]domain.AgentType, 0, len(byID))
	for _, t := range byID {
		types = append(types, t)
	}
	return New(types)
}

// Lookup returns the agent type for id.
func (r *Registry) Lookup(id domain.AgentTypeID) (domain.AgentType, bool) {
	t, ok := r.types[id]
	return t, ok
}

// BasePriority returns the configured priority for id, or 0 for unknown types.
func (r *Registry) BasePriority(id domain.AgentTypeID) int {
	return r.types[id].BasePriority
}

// HelpModePriority is the priority forced onto customer_service during help
// mode. It stays strictly above every other configured type.
func (r *Registry) HelpModePriority() int {
	p := HelpModeFloor
	for id, t := range r.types {
		if id == domain.AgentTypeCustomerService {
			continue
		}
		if t.BasePriority >= p {
			p = t.BasePriority + 1
		}
	}
	return p
}

// Types returns all entries ordered by descending priority, then id.
func (r *Registry) Types() []domain.AgentType {
	out := make([]domain.AgentType, 0, len(r.types))
	for _, t := range r.types {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BasePriority != out[j].BasePriority {
			return out[i].BasePriority > out[j].BasePriority
		}
		return out[i].ID < out[j].ID
	})
	return out
}
