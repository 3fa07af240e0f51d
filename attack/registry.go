package attack

import (
	"sort"
	"sync"

	"github.com/fgsect/EM-Fault-It-Yourself/errors"
)

// Registry maps attack names to units. Registration happens during startup;
// a duplicate name is a configuration fault and must abort the process, so
// Register returns a fatal error rather than overwriting.
type Registry struct {
	mu    sync.RWMutex
	units map[string]Unit
}

// NewRegistry creates an empty attack registry
func NewRegistry() *Registry {
	return &Registry{units: make(map[string]Unit)}
}

// Register adds a unit under its own name. Registering two units with the
// same name is a fatal configuration error.
func (r *Registry) Register(u Unit) error {
	name := u.Name()
	if name == "" {
		return errors.WrapFatal(errors.ErrInvalidConfig, "Registry", "Register", "register unnamed unit")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.units[name]; exists {
		return errors.WrapFatal(errors.ErrDuplicateName, "Registry", "Register", "register "+name)
	}
	r.units[name] = u
	return nil
}

// Lookup returns the unit registered under name
func (r *Registry) Lookup(name string) (Unit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.units[name]
	if !ok {
		return nil, errors.WrapRejected(errors.ErrUnknownAttack, "Registry", "Lookup", "look up "+name)
	}
	return u, nil
}

// Names returns all registered attack names, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.units))
	for name := range r.units {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
