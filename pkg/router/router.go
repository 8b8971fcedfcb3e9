package router

import (
	"fmt"

	"github.com/pario-ai/insight/pkg/config"
)

// Router resolves operation names to the endpoint that serves them.
type Router struct {
	endpoints map[string]config.EndpointConfig
	routes    map[string]string
	fallback  config.EndpointConfig
	empty     bool
}

// New creates a Router from the given configuration. Operations without a
// configured route go to the first endpoint.
func New(cfg *config.Config) *Router {
	r := &Router{
		endpoints: make(map[string]config.EndpointConfig, len(cfg.Endpoints)),
		routes:    make(map[string]string, len(cfg.Routes)),
		empty:     len(cfg.Endpoints) == 0,
	}
	for _, e := range cfg.Endpoints {
		r.endpoints[e.Name] = e
	}
	for _, rt := range cfg.Routes {
		r.routes[rt.Operation] = rt.Endpoint
	}
	if !r.empty {
		r.fallback = cfg.Endpoints[0]
	}
	return r
}

// Resolve returns the endpoint for an operation.
func (r *Router) Resolve(operation string) (config.EndpointConfig, error) {
	if r.empty {
		return config.EndpointConfig{}, fmt.Errorf("no endpoints configured")
	}
	name, ok := r.routes[operation]
	if !ok {
		return r.fallback, nil
	}
	e, ok := r.endpoints[name]
	if !ok {
		return config.EndpointConfig{}, fmt.Errorf("route %q: unknown endpoint %q", operation, name)
	}
	return e, nil
}
