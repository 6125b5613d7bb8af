package jobs

import (
	"fmt"
	"sort"
	"sync"
)

// Definition describes a job type known to the process.
type Definition struct {
	Type string
	// Steps, when set, lets handlers report progress per named step.
	Steps []string
	// Narrative marks types that write a narrative log and accept narrative streams.
	Narrative bool
	Handler   Handler
}

// Registry maps job types to definitions. Both API and worker processes build
// the same registry at start-up.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// Register adds def, rejecting empty or duplicate types.
func (r *Registry) Register(def Definition) error {
	if def.Type == "" {
		return fmt.Errorf("register job type: empty type")
	}
	if def.Handler == nil {
		return fmt.Errorf("register job type %q: nil handler", def.Type)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Type]; exists {
		return fmt.Errorf("register job type %q: already registered", def.Type)
	}
	r.defs[def.Type] = def
	return nil
}

func (r *Registry) MustRegister(def Definition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

func (r *Registry) Lookup(jobType string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[jobType]
	return def, ok
}

// Types lists registered types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.defs))
	for t := range r.defs {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
