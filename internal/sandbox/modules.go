package sandbox

import (
	"fmt"
	"sort"
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// Module is a host library that guest code loads with require(name) when
// the plugin's manifest names it in security.allowedModules.
type Module interface {
	// Name returns the name guests pass to require (e.g. "json").
	Name() string

	// Load builds the module's export value in the given state. It is
	// called at most once per isolate; the isolate caches the result.
	Load(L *lua.LState, b *Bridge) lua.LValue
}

// Registry holds the host modules available to the engine. Whether a
// particular execution may load a registered module is decided per call
// by the manifest's allow-list, not by the registry.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]Module
}

// NewRegistry creates an empty module registry.
func NewRegistry() *Registry {
	return &Registry{modules: make(map[string]Module)}
}

// Register adds a module to the registry.
func (r *Registry) Register(mod Module) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.modules[mod.Name()]; exists {
		return fmt.Errorf("module %q already registered", mod.Name())
	}

	r.modules[mod.Name()] = mod
	return nil
}

// Get returns a module by name.
func (r *Registry) Get(name string) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	mod, ok := r.modules[name]
	return mod, ok
}

// List returns all registered module names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.modules))
	for name := range r.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry creates a registry with all standard host modules
// registered. Returns an error only on a programming error (duplicate
// module names).
func DefaultRegistry() (*Registry, error) {
	r := NewRegistry()

	modules := []Module{
		jsonModule{},
		base64Module{},
		timeModule{},
		stringsModule{},
		regexModule{},
		mathExtraModule{},
	}

	for _, mod := range modules {
		if err := r.Register(mod); err != nil {
			return nil, fmt.Errorf("failed to register module %q: %w", mod.Name(), err)
		}
	}

	return r, nil
}
