package wlanif

import (
	"sync"
	"sync/atomic"
)

// MaxInterfaces is the number of interfaces a Registry holds, one per Role.
const MaxInterfaces = 4

// Registry is the list of registered interfaces. Lookups read an immutable
// snapshot and never block, so they may run in the radio's receive context
// while interfaces are being added or removed.
type Registry struct {
	mu   sync.Mutex // serializes writers.
	list atomic.Pointer[[]*NetIf]
}

// Add registers ifc. Only one interface per role may be registered.
func (r *Registry) Add(ifc *NetIf) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.All()
	if len(old) >= MaxInterfaces {
		return ErrNoInterface
	}
	for _, existing := range old {
		if existing.role == ifc.role {
			return ErrDuplicateRole
		}
	}
	list := make([]*NetIf, len(old), len(old)+1)
	copy(list, old)
	list = append(list, ifc)
	r.list.Store(&list)
	return nil
}

// Remove unregisters ifc. Frames arriving afterwards for its role are dropped.
func (r *Registry) Remove(ifc *NetIf) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.All()
	list := make([]*NetIf, 0, len(old))
	for _, existing := range old {
		if existing != ifc {
			list = append(list, existing)
		}
	}
	if len(list) == len(old) {
		return ErrNoInterface
	}
	r.list.Store(&list)
	return nil
}

// FindByRole returns the interface registered for role.
func (r *Registry) FindByRole(role Role) (*NetIf, bool) {
	for _, ifc := range r.All() {
		if ifc.role == role {
			return ifc, true
		}
	}
	return nil, false
}

// All returns the registered interfaces. The returned slice must not be modified.
func (r *Registry) All() []*NetIf {
	p := r.list.Load()
	if p == nil {
		return nil
	}
	return *p
}

// Len returns the number of registered interfaces.
func (r *Registry) Len() int { return len(r.All()) }
