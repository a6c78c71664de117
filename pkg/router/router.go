// Package router resolves a generation model alias to the ordered provider
// targets tried for it.
package router

import (
	"errors"
	"fmt"

	"github.com/dwellwise/dwellwise/pkg/config"
)

// ErrNoProviders is returned when nothing is configured to generate with.
var ErrNoProviders = errors.New("no providers configured")

// Route is one provider and model to try.
type Route struct {
	Provider config.ProviderConfig
	Model    string
}

// String returns "provider/model".
func (r Route) String() string {
	return r.Provider.Name + "/" + r.Model
}

// Type returns the provider wire format, "openai" unless configured otherwise.
func (r Route) Type() string {
	if r.Provider.Type == "" {
		return "openai"
	}
	return r.Provider.Type
}

// Router resolves model aliases to fallback chains.
type Router struct {
	providers []config.ProviderConfig
	byName    map[string]config.ProviderConfig
	routes    map[string][]config.RouteTarget
	fallback  string
}

// New creates a Router from the given configuration.
func New(cfg *config.Config) *Router {
	r := &Router{
		providers: cfg.Providers,
		byName:    make(map[string]config.ProviderConfig, len(cfg.Providers)),
		routes:    make(map[string][]config.RouteTarget, len(cfg.Router.Routes)),
		fallback:  cfg.Generation.Model,
	}
	for _, p := range cfg.Providers {
		r.byName[p.Name] = p
	}
	for _, rt := range cfg.Router.Routes {
		if _, dup := r.routes[rt.Model]; !dup {
			r.routes[rt.Model] = rt.Targets
		}
	}
	return r
}

// Resolve returns the ordered routes for model. An empty model means the
// configured generation model. A configured route yields its known targets;
// otherwise every provider is tried in configuration order with model as-is.
func (r *Router) Resolve(model string) ([]Route, error) {
	if len(r.providers) == 0 {
		return nil, ErrNoProviders
	}
	if model == "" {
		model = r.fallback
	}

	if targets, ok := r.routes[model]; ok {
		var out []Route
		for _, t := range targets {
			p, ok := r.byName[t.Provider]
			if !ok {
				continue
			}
			m := t.Model
			if m == "" {
				m = model
			}
			out = append(out, Route{Provider: p, Model: m})
		}
		if len(out) == 0 {
			return nil, fmt.Errorf("route %q: all providers unknown", model)
		}
		return out, nil
	}

	out := make([]Route, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, Route{Provider: p, Model: model})
	}
	return out, nil
}
