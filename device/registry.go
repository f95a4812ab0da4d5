package device

import (
	"sort"
	"sync"
	"time"
)

// Registry is the shared set of known devices. Discovery replaces entries
// wholesale while routing and dispatch read concurrently; readers always
// observe either the old or the fully-replaced descriptor.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]Descriptor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{devices: make(map[string]Descriptor)}
}

// Put inserts or replaces the descriptor for its id and reports whether the
// device was previously unknown.
func (r *Registry) Put(d Descriptor) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, known := r.devices[d.ID]
	r.devices[d.ID] = d
	return !known
}

// Get returns a copy of the descriptor for id.
func (r *Registry) Get(id string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	return d, ok
}

// Touch refreshes the LastSeen timestamp for id.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.devices[id]; ok {
		d.LastSeen = time.Now()
		r.devices[id] = d
	}
}

// Remove deletes the descriptor for id and reports whether it existed.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.devices[id]
	delete(r.devices, id)
	return ok
}

// List returns copies of all descriptors, sorted by id for stable output.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := make([]Descriptor, 0, len(r.devices))
	for _, d := range r.devices {
		list = append(list, d)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

// Len returns the number of known devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}
