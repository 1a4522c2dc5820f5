package selection

import (
	"fmt"
	"sort"
	"strings"
)

// InitSource writes the initial null clause into empty selections.
const InitSource Source = "__init__"

// Definition is one entry of the declarative selection graph.
type Definition struct {
	Name    string            `json:"name" yaml:"name"`
	Type    string            `json:"type" yaml:"type"`
	Options DefinitionOptions `json:"options,omitempty" yaml:"options,omitempty"`
}

type DefinitionOptions struct {
	Empty   bool     `json:"empty,omitempty" yaml:"empty,omitempty"`
	Include []string `json:"include,omitempty" yaml:"include,omitempty"`
	Cross   bool     `json:"cross,omitempty" yaml:"cross,omitempty"`
}

// ConfigError is a fatal selection graph error.
type ConfigError struct {
	// Unresolved lists definitions whose includes never resolved.
	Unresolved []string
	Reason     string
}

func (e *ConfigError) Error() string {
	if len(e.Unresolved) > 0 {
		return fmt.Sprintf("selection graph: unresolved dependencies for %s", strings.Join(e.Unresolved, ", "))
	}
	return "selection graph: " + e.Reason
}

// Graph maps names to live selections.
type Graph map[string]*Selection

// Names returns the selection names in sorted order.
func (g Graph) Names() []string {
	out := make([]string, 0, len(g))
	for k := range g {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// BuildGraph instantiates definitions in dependency order. A definition is
// built once every name it includes exists; passes repeat until nothing is
// left or a pass makes no progress.
func BuildGraph(defs []Definition) (Graph, error) {
	seen := map[string]bool{}
	for _, d := range defs {
		if d.Name == "" {
			return nil, &ConfigError{Reason: "definition without a name"}
		}
		if seen[d.Name] {
			return nil, &ConfigError{Reason: fmt.Sprintf("duplicate selection %q", d.Name)}
		}
		seen[d.Name] = true
		if _, err := ParseMode(d.Type); err != nil {
			return nil, &ConfigError{Reason: fmt.Sprintf("%s: %v", d.Name, err)}
		}
	}

	g := Graph{}
	remaining := append([]Definition(nil), defs...)
	for len(remaining) > 0 {
		var next []Definition
		for _, d := range remaining {
			inc, ok := resolveIncludes(g, d.Options.Include)
			if !ok {
				next = append(next, d)
				continue
			}
			mode, _ := ParseMode(d.Type)
			g[d.Name] = New(d.Name, mode, Options{
				Empty:   d.Options.Empty,
				Include: inc,
				Cross:   d.Options.Cross,
			})
		}
		if len(next) == len(remaining) {
			names := make([]string, len(next))
			for i, d := range next {
				names[i] = d.Name
			}
			return nil, &ConfigError{Unresolved: names}
		}
		remaining = next
	}

	// fire once so clients start from FALSE instead of an unfiltered query
	for _, d := range defs {
		if d.Options.Empty {
			g[d.Name].Update(Clause{Source: InitSource})
		}
	}
	return g, nil
}

func resolveIncludes(g Graph, names []string) ([]*Selection, bool) {
	out := make([]*Selection, 0, len(names))
	for _, n := range names {
		s, ok := g[n]
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}
