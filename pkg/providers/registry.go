package providers

import (
	"fmt"

	"github.com/dialogtree/dialog/pkg/registry"
)

// Registry is the name-addressed catalog of models and the providers that
// serve them. Providers are registered once at startup; the model catalog
// may additionally be replaced wholesale on configuration reload. Readers
// take no locks beyond the embedded registries.
type Registry struct {
	models    *registry.BaseRegistry[*ModelInfo]
	providers *registry.BaseRegistry[Provider]
}

func NewRegistry() *Registry {
	return &Registry{
		models:    registry.NewBaseRegistry[*ModelInfo](),
		providers: registry.NewBaseRegistry[Provider](),
	}
}

// RegisterModel adds a model descriptor to the catalog.
func (r *Registry) RegisterModel(model *ModelInfo) error {
	if model == nil {
		return fmt.Errorf("model cannot be nil")
	}
	if model.Name == "" {
		return fmt.Errorf("model name cannot be empty")
	}
	if model.Provider == "" {
		return fmt.Errorf("model '%s' has no provider", model.Name)
	}
	model.SetDefaults()
	return r.models.Register(model.Name, model)
}

// RegisterProvider adds a provider implementation under its name.
func (r *Registry) RegisterProvider(provider Provider) error {
	if provider == nil {
		return fmt.Errorf("provider cannot be nil")
	}
	return r.providers.Register(provider.Name(), provider)
}

// ReplaceModels swaps the model catalog for the given descriptors.
// Provider registrations are untouched. Requests racing the swap may see
// a partially rebuilt catalog; callers reload during quiet configuration
// changes, not under sustained failure.
func (r *Registry) ReplaceModels(models []*ModelInfo) error {
	r.models.Clear()
	for _, m := range models {
		if err := r.RegisterModel(m); err != nil {
			return err
		}
	}
	return nil
}

// Lookup returns the descriptor for a model name.
func (r *Registry) Lookup(name string) (*ModelInfo, bool) {
	return r.models.Get(name)
}

// ProviderFor resolves the provider implementation serving a model.
func (r *Registry) ProviderFor(model *ModelInfo) (Provider, error) {
	p, ok := r.providers.Get(model.Provider)
	if !ok {
		return nil, fmt.Errorf("no provider registered for '%s' (model %s)", model.Provider, model.Name)
	}
	return p, nil
}

// Candidates returns all active models offering the capability, in
// registration order.
func (r *Registry) Candidates(c Capability) []*ModelInfo {
	var out []*ModelInfo
	for _, m := range r.models.List() {
		if m.Active && m.HasCapability(c) {
			out = append(out, m)
		}
	}
	return out
}

// FallbackChain returns the deterministic model sequence starting at name.
// The walk follows each descriptor's fallback list in order, skipping
// inactive and already-visited entries, and stops at the first descriptor
// with no remaining usable fallback. A model appears at most once per chain.
func (r *Registry) FallbackChain(name string) []*ModelInfo {
	start, ok := r.models.Get(name)
	if !ok {
		return nil
	}

	visited := map[string]bool{start.Name: true}
	chain := []*ModelInfo{start}

	current := start
	for {
		var next *ModelInfo
		for _, fbName := range current.Fallbacks {
			if visited[fbName] {
				continue
			}
			fb, ok := r.models.Get(fbName)
			if !ok || !fb.Active {
				continue
			}
			next = fb
			break
		}
		if next == nil {
			return chain
		}
		visited[next.Name] = true
		chain = append(chain, next)
		current = next
	}
}

// ModelNames returns all registered model names in registration order.
func (r *Registry) ModelNames() []string {
	return r.models.Names()
}
