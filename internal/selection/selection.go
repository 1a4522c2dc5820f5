// Package selection implements named, composable filter state shared by
// clients, and the builder that turns declarative definitions into a graph
// of live selections.
package selection

import (
	"fmt"
	"sync"

	"github.com/zoravur/crossview/internal/sqlexpr"
)

// Source identifies who wrote a clause.
type Source string

// Mode controls how clauses resolve into one predicate.
type Mode string

const (
	Intersect   Mode = "intersect"
	Union       Mode = "union"
	Single      Mode = "single"
	Crossfilter Mode = "crossfilter"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case Intersect, Union, Single, Crossfilter:
		return m, nil
	case "":
		return Intersect, nil
	}
	return "", fmt.Errorf("unknown selection type %q", s)
}

// Clause is one source's contribution. A nil Predicate removes the clause.
type Clause struct {
	Source Source
	// Owner is the client excluded under crossfilter resolution. Empty means Source.
	Owner     Source
	Value     any
	Predicate sqlexpr.Expr
}

func (c Clause) owner() Source {
	if c.Owner != "" {
		return c.Owner
	}
	return c.Source
}

// Event is delivered to listeners after every mutation.
type Event struct {
	Selection *Selection
	Source    Source
	Value     any
	// Predicate is the resolved predicate with no requester exclusion.
	Predicate sqlexpr.Expr
}

// Options configure a Selection.
type Options struct {
	// Empty resolves to FALSE while no clause is active.
	Empty bool
	// Include folds other selections' clauses into this one.
	Include []*Selection
	// Cross turns intersect resolution into crossfilter resolution.
	Cross bool
}

// Selection is a named unit of shared filter state.
type Selection struct {
	name    string
	mode    Mode
	empty   bool
	include []*Selection

	mu        sync.RWMutex
	clauses   []Clause
	value     any
	listeners map[int]func(Event)
	nextID    int
	unsubs    []func()
}

// New creates a selection. Included selections forward their change events.
func New(name string, mode Mode, opts Options) *Selection {
	if mode == Intersect && opts.Cross {
		mode = Crossfilter
	}
	s := &Selection{
		name:      name,
		mode:      mode,
		empty:     opts.Empty,
		include:   append([]*Selection(nil), opts.Include...),
		listeners: map[int]func(Event){},
	}
	for _, inc := range s.include {
		s.unsubs = append(s.unsubs, inc.OnChange(func(ev Event) {
			s.emit(ev.Source, ev.Value)
		}))
	}
	return s
}

func NewIntersect(name string) *Selection   { return New(name, Intersect, Options{}) }
func NewUnion(name string) *Selection       { return New(name, Union, Options{}) }
func NewSingle(name string) *Selection      { return New(name, Single, Options{}) }
func NewCrossfilter(name string) *Selection { return New(name, Crossfilter, Options{}) }

func (s *Selection) Name() string { return s.name }
func (s *Selection) Mode() Mode   { return s.mode }
func (s *Selection) Empty() bool  { return s.empty }

// Includes returns the included selections.
func (s *Selection) Includes() []*Selection {
	return append([]*Selection(nil), s.include...)
}

// Update stores or replaces the clause for c.Source and notifies listeners.
// Single mode evicts every other source's clause.
func (s *Selection) Update(c Clause) {
	s.mu.Lock()
	kept := s.clauses[:0:0]
	if s.mode != Single {
		for _, old := range s.clauses {
			if old.Source != c.Source {
				kept = append(kept, old)
			}
		}
	}
	if c.Predicate != nil {
		kept = append(kept, c)
	}
	s.clauses = kept
	s.value = c.Value
	s.mu.Unlock()

	s.emit(c.Source, c.Value)
}

// Clear removes the clause written by source.
func (s *Selection) Clear(source Source) {
	s.Update(Clause{Source: source})
}

// Reset removes every clause with a single notification.
func (s *Selection) Reset() {
	s.mu.Lock()
	s.clauses = nil
	s.value = nil
	s.mu.Unlock()
	s.emit("", nil)
}

// Value returns the value of the most recent update.
func (s *Selection) Value() any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.value
}

// Clauses returns the active clauses, own clauses first, then included ones.
func (s *Selection) Clauses() []Clause {
	s.mu.RLock()
	out := append([]Clause(nil), s.clauses...)
	s.mu.RUnlock()
	for _, inc := range s.include {
		out = append(out, inc.Clauses()...)
	}
	return out
}

// Active reports whether any clause is present.
func (s *Selection) Active() bool { return len(s.Clauses()) > 0 }

// Predicate resolves the effective predicate for requester. Under crossfilter
// resolution clauses owned by requester are skipped. An empty requester
// excludes nothing.
func (s *Selection) Predicate(requester Source) sqlexpr.Expr {
	return s.resolve(requester, "")
}

// PredicateWithout resolves like Predicate but leaves out the clause written
// by source in every mode. A writer that also reads the selection uses it to
// keep its own clause out of its input.
func (s *Selection) PredicateWithout(requester, source Source) sqlexpr.Expr {
	return s.resolve(requester, source)
}

func (s *Selection) resolve(requester, skip Source) sqlexpr.Expr {
	clauses := s.Clauses()
	if skip != "" {
		kept := clauses[:0]
		for _, c := range clauses {
			if c.Source != skip {
				kept = append(kept, c)
			}
		}
		clauses = kept
	}
	if len(clauses) == 0 {
		if s.empty {
			return sqlexpr.False()
		}
		return nil
	}
	// single mode holds at most one own clause, so it resolves like intersect
	preds := make([]sqlexpr.Expr, 0, len(clauses))
	for _, c := range clauses {
		if s.mode == Crossfilter && requester != "" && c.owner() == requester {
			continue
		}
		preds = append(preds, c.Predicate)
	}
	if s.mode == Union {
		return sqlexpr.Or(preds...)
	}
	return sqlexpr.And(preds...)
}

// OnChange registers fn and returns a function that removes it.
func (s *Selection) OnChange(fn func(Event)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

// Detach stops forwarding events from included selections.
func (s *Selection) Detach() {
	for _, u := range s.unsubs {
		u()
	}
	s.unsubs = nil
}

func (s *Selection) emit(source Source, value any) {
	s.mu.RLock()
	fns := make([]func(Event), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()
	if len(fns) == 0 {
		return
	}

	ev := Event{
		Selection: s,
		Source:    source,
		Value:     value,
		Predicate: s.Predicate(""),
	}
	for _, fn := range fns {
		fn(ev)
	}
}

func (s *Selection) String() string {
	return fmt.Sprintf("selection(%s, %s)", s.name, s.mode)
}
