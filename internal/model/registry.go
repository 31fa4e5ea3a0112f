package model

import (
	"sort"
	"sync"

	"womflow/internal/womerror"
)

// TableModel describes a user table reachable from rule bodies. The
// identifier is the opaque dotted string used in definition files; the
// schema is executed at bind time so that declared tables exist before
// any rule runs.
type TableModel struct {
	// Identifier is the dotted name used in `tables:` blocks.
	Identifier string

	// TableName is the physical table name.
	TableName string

	// Schema is a CREATE TABLE IF NOT EXISTS statement for the table.
	Schema string
}

// Registry maps model identifiers to table models. Thread-safe; user code
// registers models at startup, the binder only reads.
type Registry struct {
	mu     sync.RWMutex
	models map[string]TableModel
}

// NewRegistry creates an empty table-model registry.
func NewRegistry() *Registry {
	return &Registry{models: make(map[string]TableModel)}
}

// Register adds a table model. Registering the same identifier twice or an
// incomplete model is a ToolContract error.
func (r *Registry) Register(m TableModel) error {
	if m.Identifier == "" || m.TableName == "" {
		return womerror.New(womerror.ToolContract, "table model needs an identifier and a table name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.models[m.Identifier]; ok {
		return womerror.Newf(womerror.ToolContract, "table model %q already registered", m.Identifier)
	}
	r.models[m.Identifier] = m
	return nil
}

// MustRegister registers a model and panics on error. For init-time use.
func (r *Registry) MustRegister(m TableModel) {
	if err := r.Register(m); err != nil {
		panic(err)
	}
}

// Get resolves a model identifier.
func (r *Registry) Get(identifier string) (TableModel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[identifier]
	if !ok {
		return TableModel{}, womerror.Newf(womerror.ToolNotFound, "table model %q not registered", identifier)
	}
	return m, nil
}

// Names returns the registered identifiers, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.models))
	for name := range r.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var globalModels = NewRegistry()

// GlobalModels returns the process-wide model registry the CLI binds
// against. Embedding programs typically register from init functions.
func GlobalModels() *Registry { return globalModels }

// RegisterModel adds a model to the global registry.
func RegisterModel(m TableModel) error { return globalModels.Register(m) }

// MustRegisterModel adds a model to the global registry, panicking on error.
func MustRegisterModel(m TableModel) { globalModels.MustRegister(m) }
