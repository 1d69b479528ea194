package router

import (
	"fmt"

	"github.com/pario-ai/tokengate/pkg/config"
	"github.com/pario-ai/tokengate/pkg/models"
)

// Target is a resolved upstream provider and the model name to send it.
type Target struct {
	Provider config.ProviderConfig
	Model    string
}

// Router maps requested model names to ordered fallback chains.
type Router struct {
	providers map[string]config.ProviderConfig
	routes    map[string][]config.RouteTarget
	defaults  map[models.Format]config.ProviderConfig
}

// New indexes the providers and routes of cfg.
func New(cfg *config.Config) *Router {
	r := &Router{
		providers: make(map[string]config.ProviderConfig, len(cfg.Providers)),
		routes:    make(map[string][]config.RouteTarget, len(cfg.Router.Routes)),
		defaults:  make(map[models.Format]config.ProviderConfig),
	}
	for _, p := range cfg.Providers {
		r.providers[p.Name] = p
		if _, ok := r.defaults[p.Format()]; !ok {
			r.defaults[p.Format()] = p
		}
	}
	for _, route := range cfg.Router.Routes {
		if _, dup := r.routes[route.Model]; !dup {
			r.routes[route.Model] = route.Targets
		}
	}
	return r
}

// Resolve returns the targets to try, in order, for a request in the given
// wire format. Targets whose provider is unknown or speaks another format
// are skipped. Without a matching route the first provider of that format
// receives the model name unchanged.
func (r *Router) Resolve(requestedModel string, format models.Format) ([]Target, error) {
	if targets, ok := r.routes[requestedModel]; ok {
		var out []Target
		for _, t := range targets {
			provider, ok := r.providers[t.Provider]
			if !ok || provider.Format() != format {
				continue
			}
			model := t.Model
			if model == "" {
				model = requestedModel
			}
			out = append(out, Target{Provider: provider, Model: model})
		}
		if len(out) == 0 {
			return nil, fmt.Errorf("route %q: no %s providers available", requestedModel, format)
		}
		return out, nil
	}

	provider, ok := r.defaults[format]
	if !ok {
		return nil, fmt.Errorf("no %s providers configured", format)
	}
	return []Target{{Provider: provider, Model: requestedModel}}, nil
}
