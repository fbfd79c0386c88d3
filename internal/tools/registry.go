package tools

import (
	"fmt"
	"sort"
	"sync"

	"github.com/normanking/intentrouter/pkg/types"
)

// Registry holds built-in tool definitions. It is built at startup and
// read concurrently afterwards.
type Registry struct {
	mu   sync.RWMutex
	defs map[types.ToolID]Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[types.ToolID]Definition)}
}

// Register adds a definition. Duplicate ids, ids in the remote naming
// convention, and definitions without exactly one builder are rejected.
func (r *Registry) Register(def Definition) error {
	if def.ID == "" {
		return fmt.Errorf("tool definition has no id")
	}
	if (def.Initialize == nil) == (def.Construct == nil) {
		return fmt.Errorf("tool %s must set exactly one of Initialize or Construct", def.ID)
	}
	if _, _, remote := ParseRemoteID(def.ID); remote {
		return fmt.Errorf("tool %s uses the remote provider naming convention", def.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.defs[def.ID]; exists {
		return fmt.Errorf("tool %s already registered", def.ID)
	}
	r.defs[def.ID] = def
	return nil
}

// MustRegister is Register that panics on error, for startup wiring.
func (r *Registry) MustRegister(defs ...Definition) *Registry {
	for _, d := range defs {
		if err := r.Register(d); err != nil {
			panic(err)
		}
	}
	return r
}

// Lookup returns the definition for id.
func (r *Registry) Lookup(id types.ToolID) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.defs[id]
	return def, ok
}

// IDs returns the registered ids, sorted.
func (r *Registry) IDs() []types.ToolID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]types.ToolID, 0, len(r.defs))
	for id := range r.defs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
