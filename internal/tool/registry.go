package tool

import (
	"sort"
	"sync"

	"womflow/internal/womerror"
)

// Registry maps dotted tool identifiers to implementations. It is
// thread-safe and supports registration at runtime; user code registers its
// wrappers at startup and the binder only resolves.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates a new empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool under its identifier. Registering a duplicate
// identifier, a nil tool, or a tool with malformed declarations is a
// ToolContract error.
func (r *Registry) Register(identifier string, t Tool) error {
	if err := validate(identifier, t); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[identifier]; exists {
		return womerror.Newf(womerror.ToolContract, "tool %q already registered", identifier)
	}
	r.tools[identifier] = t
	return nil
}

// MustRegister registers a tool and panics on error. For init-time use.
func (r *Registry) MustRegister(identifier string, t Tool) {
	if err := r.Register(identifier, t); err != nil {
		panic(err)
	}
}

// Resolve returns the tool registered under the identifier.
func (r *Registry) Resolve(identifier string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[identifier]
	if !ok {
		return nil, womerror.Newf(womerror.ToolNotFound, "the tool %q is not registered", identifier)
	}
	return t, nil
}

// Has reports whether an identifier is registered.
func (r *Registry) Has(identifier string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[identifier]
	return ok
}

// Names returns the registered identifiers, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

func validate(identifier string, t Tool) error {
	if identifier == "" {
		return womerror.New(womerror.ToolContract, "tool identifier cannot be empty")
	}
	if t == nil {
		return womerror.Newf(womerror.ToolContract, "tool %q is nil", identifier)
	}
	for _, decl := range [][]string{
		t.DeclaredInputFiles(), t.DeclaredOutputFiles(),
		t.DeclaredInputTables(), t.DeclaredOutputTables(),
	} {
		seen := make(map[string]bool, len(decl))
		for _, name := range decl {
			if name == "" {
				return womerror.Newf(womerror.ToolContract, "tool %q declares an empty name", identifier)
			}
			if seen[name] {
				return womerror.Newf(womerror.ToolContract, "tool %q declares %q twice", identifier, name)
			}
			seen[name] = true
		}
	}
	if _, err := ParseSpecs(t); err != nil {
		return err
	}
	return nil
}

// Global registry instance for convenience.
var globalRegistry = NewRegistry()

// Global returns the global tool registry.
func Global() *Registry {
	return globalRegistry
}

// Register adds a tool to the global registry.
func Register(identifier string, t Tool) error {
	return globalRegistry.Register(identifier, t)
}

// MustRegisterGlobal registers in the global registry, panicking on error.
func MustRegisterGlobal(identifier string, t Tool) {
	globalRegistry.MustRegister(identifier, t)
}
