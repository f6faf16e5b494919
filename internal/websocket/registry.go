package websocket

import "sync"

// StateListener receives connection state changes.
type StateListener func(StateEvent)

// Registry holds state listeners keyed by subscription id.
// ARCHITECTURAL DISCOVERY: listeners are invoked outside the lock so a listener
// may subscribe, unsubscribe or call back into the manager without deadlock
type Registry struct {
	mu        sync.RWMutex
	nextID    uint64
	listeners map[uint64]StateListener
	order     []uint64
}

// NewRegistry creates an empty listener registry
func NewRegistry() *Registry {
	return &Registry{listeners: make(map[uint64]StateListener)}
}

// Subscribe adds a listener and returns its unsubscribe function.
// Unsubscribe is idempotent.
func (r *Registry) Subscribe(l StateListener) func() {
	if l == nil {
		return func() {}
	}
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.listeners[id] = l
	r.order = append(r.order, id)
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(id) })
	}
}

func (r *Registry) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.listeners, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Publish delivers ev to every listener in subscription order.
func (r *Registry) Publish(ev StateEvent) {
	r.mu.RLock()
	snapshot := make([]StateListener, 0, len(r.order))
	for _, id := range r.order {
		snapshot = append(snapshot, r.listeners[id])
	}
	r.mu.RUnlock()

	for _, l := range snapshot {
		l(ev)
	}
}

// Len returns the number of active listeners
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners)
}
