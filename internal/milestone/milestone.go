package milestone

import (
	"fmt"
	"sort"

	"milemark/internal/config"
)

// Milestone is one catalog entry on the fixed progress scale.
type Milestone struct {
	Value       int
	Label       string
	Description string
	Automatic   bool
	Next        []int
}

// Registry is the immutable milestone catalog and transition graph.
// It is built once at startup and injected; it never changes afterwards.
type Registry struct {
	byValue map[int]Milestone
	values  []int
}

// NewRegistry builds a registry from a validated config catalog.
func NewRegistry(cfg *config.Config) (*Registry, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	byValue := make(map[int]Milestone, len(cfg.Milestones.Catalog))
	for value, spec := range cfg.Milestones.Catalog {
		next := append([]int(nil), spec.Next...)
		sort.Ints(next)
		byValue[value] = Milestone{
			Value:       value,
			Label:       spec.Label,
			Description: spec.Description,
			Automatic:   spec.Automatic,
			Next:        next,
		}
	}
	return &Registry{byValue: byValue, values: cfg.Values()}, nil
}

// DefaultRegistry builds the registry from the built-in schedule.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(config.Default())
	if err != nil {
		panic(fmt.Sprintf("default milestone catalog invalid: %v", err))
	}
	return r
}

// IsValid reports whether value is a member of the milestone set.
func (r *Registry) IsValid(value int) bool {
	_, ok := r.byValue[value]
	return ok
}

// Get returns the catalog entry for value.
func (r *Registry) Get(value int) (Milestone, bool) {
	m, ok := r.byValue[value]
	return m, ok
}

// Label returns the label for value, empty when unknown.
func (r *Registry) Label(value int) string {
	return r.byValue[value].Label
}

// Description returns the description for value, empty when unknown.
func (r *Registry) Description(value int) string {
	return r.byValue[value].Description
}

// Values returns all milestone values in ascending order.
func (r *Registry) Values() []int {
	return append([]int(nil), r.values...)
}

// Initial returns the lowest milestone, the value new engagements start at.
func (r *Registry) Initial() int {
	return r.values[0]
}

// Terminal returns the highest milestone.
func (r *Registry) Terminal() int {
	return r.values[len(r.values)-1]
}

// Penultimate returns the single milestone allowed to reach the terminal one.
func (r *Registry) Penultimate() int {
	return r.values[len(r.values)-2]
}

// AllowedNext returns the declared outgoing transitions for current,
// ascending. Unknown or terminal milestones have none.
func (r *Registry) AllowedNext(current int) []int {
	m, ok := r.byValue[current]
	if !ok {
		return nil
	}
	return append([]int(nil), m.Next...)
}

// NextRecommended returns the smallest allowed next milestone, ok=false when
// current is terminal or unknown.
func (r *Registry) NextRecommended(current int) (int, bool) {
	next := r.AllowedNext(current)
	if len(next) == 0 {
		return 0, false
	}
	return next[0], true
}

// greaterThan returns all catalog values strictly greater than current.
func (r *Registry) greaterThan(current int) []int {
	var out []int
	for _, v := range r.values {
		if v > current {
			out = append(out, v)
		}
	}
	return out
}
