package dispatcher

import "fmt"

// Registry holds the activity handlers registered with a worker, keyed by
// activity type name (spec.md §4.3 "registers activity handlers").
type Registry struct {
	activities map[string]Registration
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{activities: make(map[string]Registration)}
}

// Register adds reg, panicking on a duplicate name the same way the
// teacher's RegisterActivity does for a programmer error caught at
// worker-startup time rather than at run time.
func (r *Registry) Register(reg Registration) {
	if reg.Name == "" {
		panic("dispatcher: activity registered with empty name")
	}
	if _, exists := r.activities[reg.Name]; exists {
		panic(fmt.Sprintf("dispatcher: activity %q already registered", reg.Name))
	}
	r.activities[reg.Name] = reg
}

// Lookup returns the Registration for name, if any.
func (r *Registry) Lookup(name string) (Registration, bool) {
	reg, ok := r.activities[name]
	return reg, ok
}
