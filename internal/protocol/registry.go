package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
)

var (
	ErrUnknownView   = errors.New("unknown view")
	ErrUnknownAction = errors.New("unknown action")
)

// View is a client exposed to UI sessions.
type View interface {
	ID() string
	Kind() string
	// Snapshot returns the render state and the view's current error.
	Snapshot() (any, error)
	// Subscribe registers fn to run after every state change.
	Subscribe(fn func()) func()
	// Do applies a user action.
	Do(ctx context.Context, action string, args json.RawMessage) error
}

// ViewInfo describes a registered view.
type ViewInfo struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
}

type Registry struct {
	mu    sync.RWMutex
	views map[string]View
}

func NewRegistry() *Registry {
	return &Registry{views: make(map[string]View)}
}

func (r *Registry) Add(v View) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.views[v.ID()] = v
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.views, id)
}

func (r *Registry) Get(id string) (View, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.views[id]
	return v, ok
}

// List returns the views sorted by id.
func (r *Registry) List() []ViewInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ViewInfo, 0, len(r.views))
	for _, v := range r.views {
		out = append(out, ViewInfo{ID: v.ID(), Kind: v.Kind()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
