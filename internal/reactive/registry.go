package reactive

import (
	"sync"

	"github.com/zoravur/crossview/internal/selection"
)

// entry is the coordinator's per-client bookkeeping.
type entry struct {
	client Client

	mu       sync.Mutex
	state    State
	gen      uint64
	inflight bool
	dirty    bool
	lastSQL  string
	tables   []string
	unsub    func()

	// needFields is set while the client's fields round trip has not
	// succeeded.
	needFields bool
}

// Registry is the coordinator's dispatch table.
type Registry struct {
	mu   sync.RWMutex
	data map[selection.Source]*entry
}

func NewRegistry() *Registry {
	return &Registry{data: make(map[selection.Source]*entry)}
}

// register adds c. It returns false if a client with the same ID exists.
func (r *Registry) register(c Client) (*entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.data[c.ID()]; exists {
		return nil, false
	}
	e := &entry{client: c, state: Connected}
	r.data[c.ID()] = e
	return e, true
}

func (r *Registry) unregister(id selection.Source) (*entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.data[id]
	delete(r.data, id)
	return e, ok
}

func (r *Registry) get(id selection.Source) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.data[id]
	return e, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.data)
}

// snapshot returns the current entries.
func (r *Registry) snapshot() []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*entry, 0, len(r.data))
	for _, e := range r.data {
		out = append(out, e)
	}
	return out
}

// ClientView is a JSON friendly description of a connected client.
type ClientView struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"`
	State   string `json:"state"`
	LastSQL string `json:"lastSql,omitempty"`
}

func (r *Registry) SnapshotView() []ClientView {
	entries := r.snapshot()
	out := make([]ClientView, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, ClientView{
			ID:      string(e.client.ID()),
			Kind:    e.client.Kind().String(),
			State:   e.state.String(),
			LastSQL: e.lastSQL,
		})
		e.mu.Unlock()
	}
	return out
}
