// Package registry holds the static backend table loaded once at startup.
//
// A Registry is immutable after construction: the admission and lifecycle
// code only ever reads from it. Deployers define the table (registry.yaml,
// loaded through internal/config) because which model runs on which GPU,
// with which strategy, is an external contract, not something the router
// discovers on its own.
package registry

import "fmt"

// Kind classifies what a backend serves.
type Kind string

const (
	KindChat       Kind = "chat"
	KindEmbeddings Kind = "embeddings"
	KindRerank     Kind = "rerank"
)

// Strategy distinguishes the two chat deployment profiles.
type Strategy string

const (
	StrategyLong       Strategy = "long"
	StrategyThroughput Strategy = "throughput"
)

// Backend is one static entry: a model pinned to one GPU.
type Backend struct {
	// ID is the composite "<model>@<gpu>" identifier.
	ID string

	Model     string
	Kind      Kind
	GPU       string // "0" or "1"
	Strategy  Strategy
	BaseURL   string
	Container string
}

// Spec is the deployer-facing shape (registry.yaml), before IDs are derived.
type Spec struct {
	Model     string `mapstructure:"model" yaml:"model"`
	Kind      string `mapstructure:"kind" yaml:"kind"`
	GPU       string `mapstructure:"gpu" yaml:"gpu"`
	Strategy  string `mapstructure:"strategy" yaml:"strategy"`
	BaseURL   string `mapstructure:"base_url" yaml:"base_url"`
	Container string `mapstructure:"container" yaml:"container"`
}

// Registry is the immutable backend table plus the derived model index.
type Registry struct {
	backends map[string]Backend
	byModel  map[string][]string
	order    []string
}

// New validates specs and builds the immutable Registry plus its derived
// model → backend-ids index. GPU must be "0" or "1"; kind must be one of
// chat/embeddings/rerank; backend ids (model@gpu) must be unique.
func New(specs []Spec) (*Registry, error) {
	r := &Registry{
		backends: make(map[string]Backend, len(specs)),
		byModel:  make(map[string][]string),
	}

	for i, s := range specs {
		if s.Model == "" {
			return nil, fmt.Errorf("registry: entry %d: model is required", i)
		}
		if s.GPU != "0" && s.GPU != "1" {
			return nil, fmt.Errorf("registry: entry %d (%s): gpu must be \"0\" or \"1\", got %q", i, s.Model, s.GPU)
		}
		kind := Kind(s.Kind)
		switch kind {
		case KindChat, KindEmbeddings, KindRerank:
		default:
			return nil, fmt.Errorf("registry: entry %d (%s): invalid kind %q", i, s.Model, s.Kind)
		}
		if s.BaseURL == "" {
			return nil, fmt.Errorf("registry: entry %d (%s): base_url is required", i, s.Model)
		}
		if s.Container == "" {
			return nil, fmt.Errorf("registry: entry %d (%s): container is required", i, s.Model)
		}

		strategy := Strategy(s.Strategy)
		if kind == KindChat {
			if strategy != StrategyLong && strategy != StrategyThroughput {
				return nil, fmt.Errorf("registry: entry %d (%s): chat backends require strategy long|throughput, got %q", i, s.Model, s.Strategy)
			}
		}

		id := s.Model + "@" + s.GPU
		if _, exists := r.backends[id]; exists {
			return nil, fmt.Errorf("registry: duplicate backend id %q", id)
		}

		b := Backend{
			ID:        id,
			Model:     s.Model,
			Kind:      kind,
			GPU:       s.GPU,
			Strategy:  strategy,
			BaseURL:   s.BaseURL,
			Container: s.Container,
		}
		r.backends[id] = b
		r.byModel[s.Model] = append(r.byModel[s.Model], id)
		r.order = append(r.order, id)
	}

	return r, nil
}

// Backend looks up a backend by its composite id.
func (r *Registry) Backend(id string) (Backend, bool) {
	b, ok := r.backends[id]
	return b, ok
}

// ModelBackends returns the ordered backend ids serving model, or false if
// the model is not in the registry.
func (r *Registry) ModelBackends(model string) ([]string, bool) {
	ids, ok := r.byModel[model]
	return ids, ok
}

// All returns every backend in registry insertion order.
func (r *Registry) All() []Backend {
	out := make([]Backend, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.backends[id])
	}
	return out
}

// Models returns the sorted-by-registration list of distinct model names.
func (r *Registry) Models() []string {
	seen := make(map[string]struct{}, len(r.byModel))
	out := make([]string, 0, len(r.byModel))
	for _, id := range r.order {
		m := r.backends[id].Model
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}
