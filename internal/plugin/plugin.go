// Package plugin defines the application-level module interface the
// worker configures after init (§4.5). Plugins themselves are out of
// scope for this core; this package only specifies the contract and a
// small registry workers use to apply configuration concurrently.
package plugin

import "context"

// Config is an opaque payload handed to a plugin's ApplyConfig; its
// shape is owned entirely by the plugin.
type Config any

// Plugin is the application-level module interface loaded by a worker.
type Plugin interface {
	Name() string
	ApplyConfig(ctx context.Context, cfg Config) error
}

// Registered is one plugin paired with the configuration it should be
// applied with.
type Registered struct {
	Plugin Plugin
	Config Config
}

// Registry is an ordered collection of plugins a worker configures at
// startup.
type Registry struct {
	modules []Registered
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a plugin with its configuration.
func (r *Registry) Register(p Plugin, cfg Config) {
	r.modules = append(r.modules, Registered{Plugin: p, Config: cfg})
}

// All returns the registered modules in registration order.
func (r *Registry) All() []Registered {
	return r.modules
}
