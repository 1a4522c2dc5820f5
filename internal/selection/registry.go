package selection

import "sync"

// Registry tracks the selections owned by a view so they can be reset
// together. Registration is scoped: call the returned function on unmount.
type Registry struct {
	mu   sync.Mutex
	sels map[*Selection]int
}

func NewRegistry() *Registry {
	return &Registry{sels: map[*Selection]int{}}
}

// Register adds s and returns its unregister function. Registering the
// same selection twice requires two unregisters.
func (r *Registry) Register(s *Selection) func() {
	r.mu.Lock()
	r.sels[s]++
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if r.sels[s] <= 1 {
				delete(r.sels, s)
				return
			}
			r.sels[s]--
		})
	}
}

// RegisterGraph registers every selection of g.
func (r *Registry) RegisterGraph(g Graph) func() {
	var undo []func()
	for _, name := range g.Names() {
		undo = append(undo, r.Register(g[name]))
	}
	return func() {
		for _, u := range undo {
			u()
		}
	}
}

// ResetAll clears every registered selection.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	sels := make([]*Selection, 0, len(r.sels))
	for s := range r.sels {
		sels = append(sels, s)
	}
	r.mu.Unlock()
	for _, s := range sels {
		s.Reset()
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sels)
}
