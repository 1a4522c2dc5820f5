// Package config loads the server's YAML (or JSON) configuration: the
// engine connection, the selection graph and the views bound to it.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zoravur/crossview/internal/selection"
)

const (
	DefaultListen       = ":8080"
	DefaultCacheSize    = 256
	DefaultQueryTimeout = 30 * time.Second
)

type Config struct {
	Listen     string                 `yaml:"listen"`
	Engine     Engine                 `yaml:"engine"`
	Cache      Cache                  `yaml:"cache"`
	WAL        WAL                    `yaml:"wal"`
	Selections []selection.Definition `yaml:"selections"`
	Views      []View                 `yaml:"views"`
	Bridges    []Bridge               `yaml:"bridges"`
}

type Engine struct {
	// Driver is one of sqlite, postgres, pgx or pgxpool.
	Driver   string `yaml:"driver"`
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"maxConns"`
	// Timeout bounds each query, e.g. "30s". Zero disables the bound.
	Timeout string `yaml:"timeout"`

	timeout time.Duration
}

func (e Engine) QueryTimeout() time.Duration { return e.timeout }

type Cache struct {
	// Size is the number of cached results. Negative disables the cache.
	Size int `yaml:"size"`
}

// WAL configures the logical replication change feed.
type WAL struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
	Slot    string `yaml:"slot"`
	Plugin  string `yaml:"plugin"`
}

type ViewKind string

const (
	ViewTable     ViewKind = "table"
	ViewFacet     ViewKind = "facet"
	ViewHistogram ViewKind = "histogram"
	ViewGrouped   ViewKind = "grouped"
)

type Column struct {
	ID        string `yaml:"id"`
	Expr      string `yaml:"expr,omitempty"`
	Aggregate bool   `yaml:"aggregate,omitempty"`
}

type Metric struct {
	Name string `yaml:"name"`
	Expr string `yaml:"expr"`
}

type Leaf struct {
	Limit     int      `yaml:"limit,omitempty"`
	SelectAll bool     `yaml:"selectAll,omitempty"`
	Columns   []string `yaml:"columns,omitempty"`
}

// View declares one client. Fields apply per kind; unused ones are ignored.
type View struct {
	ID       string   `yaml:"id"`
	Kind     ViewKind `yaml:"kind"`
	From     string   `yaml:"from"`
	FilterBy string   `yaml:"filterBy,omitempty"`

	// table
	Columns        []Column `yaml:"columns,omitempty"`
	PrimaryKey     []string `yaml:"primaryKey,omitempty"`
	Grouping       []string `yaml:"grouping,omitempty"`
	PageSize       int      `yaml:"pageSize,omitempty"`
	RowSelection   bool     `yaml:"rowSelection,omitempty"`
	GlobalColumns  []string `yaml:"globalFilterColumns,omitempty"`
	InternalFilter string   `yaml:"internalFilter,omitempty"`
	SelectionOut   string   `yaml:"rowSelectionOutput,omitempty"`
	Hover          string   `yaml:"hover,omitempty"`
	Click          string   `yaml:"click,omitempty"`

	// facet and histogram
	Column   string  `yaml:"column,omitempty"`
	Output   string  `yaml:"output,omitempty"`
	Array    bool    `yaml:"array,omitempty"`
	Limit    int     `yaml:"limit,omitempty"`
	Deferred bool    `yaml:"deferred,omitempty"`
	Debounce string  `yaml:"debounce,omitempty"`
	Step     float64 `yaml:"step,omitempty"`
	Bins     int     `yaml:"bins,omitempty"`

	// grouped
	GroupBy       []string `yaml:"groupBy,omitempty"`
	Metrics       []Metric `yaml:"metrics,omitempty"`
	PrimaryMetric string   `yaml:"primaryMetric,omitempty"`
	RowLimit      int      `yaml:"rowLimit,omitempty"`
	Leaf          Leaf     `yaml:"leaf,omitempty"`

	debounce time.Duration
}

func (v View) DebounceInterval() time.Duration { return v.debounce }

// Bridge converts a HAVING-level input selection into a key IN (...)
// predicate on Output.
type Bridge struct {
	Input   string `yaml:"input"`
	Context string `yaml:"context,omitempty"`
	Output  string `yaml:"output"`
	Table   string `yaml:"table"`
	Key     string `yaml:"key"`
}

// Load reads path. JSON files parse as YAML.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

func Parse(b []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate fills defaults and checks cross references. It does not build
// the selection graph.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	switch c.Engine.Driver {
	case "":
		c.Engine.Driver = "sqlite"
	case "sqlite", "postgres", "pgx", "pgxpool":
	default:
		return fmt.Errorf("engine: unknown driver %q", c.Engine.Driver)
	}
	if c.Engine.DSN == "" && c.Engine.Driver == "sqlite" {
		c.Engine.DSN = ":memory:"
	}
	if c.Engine.DSN == "" {
		return errors.New("engine: empty dsn")
	}
	c.Engine.timeout = DefaultQueryTimeout
	if c.Engine.Timeout != "" {
		d, err := time.ParseDuration(c.Engine.Timeout)
		if err != nil {
			return fmt.Errorf("engine timeout: %w", err)
		}
		c.Engine.timeout = d
	}
	if c.Cache.Size == 0 {
		c.Cache.Size = DefaultCacheSize
	} else if c.Cache.Size < 0 {
		c.Cache.Size = 0
	}
	if c.WAL.Enabled {
		if c.WAL.DSN == "" {
			c.WAL.DSN = c.Engine.DSN
		}
		if c.WAL.Slot == "" {
			c.WAL.Slot = "crossview"
		}
		if c.WAL.Plugin == "" {
			c.WAL.Plugin = "wal2json"
		}
	}

	sels := map[string]bool{}
	for _, d := range c.Selections {
		sels[d.Name] = true
	}
	ref := func(where, name string) error {
		if name != "" && !sels[name] {
			return fmt.Errorf("%s: unknown selection %q", where, name)
		}
		return nil
	}

	ids := map[string]bool{}
	for i := range c.Views {
		v := &c.Views[i]
		if v.ID == "" {
			return fmt.Errorf("view %d: empty id", i)
		}
		if ids[v.ID] {
			return fmt.Errorf("duplicate view %q", v.ID)
		}
		ids[v.ID] = true
		if v.From == "" {
			return fmt.Errorf("view %s: empty from", v.ID)
		}
		switch v.Kind {
		case ViewTable:
			if len(v.Columns) == 0 {
				return fmt.Errorf("view %s: no columns", v.ID)
			}
		case ViewFacet, ViewHistogram:
			if v.Column == "" {
				return fmt.Errorf("view %s: empty column", v.ID)
			}
		case ViewGrouped:
			if len(v.GroupBy) == 0 {
				return fmt.Errorf("view %s: empty groupBy", v.ID)
			}
		default:
			return fmt.Errorf("view %s: unknown kind %q", v.ID, v.Kind)
		}
		if v.Debounce != "" {
			d, err := time.ParseDuration(v.Debounce)
			if err != nil {
				return fmt.Errorf("view %s debounce: %w", v.ID, err)
			}
			v.debounce = d
		}
		for _, r := range []string{v.FilterBy, v.InternalFilter, v.SelectionOut, v.Hover, v.Click, v.Output} {
			if err := ref("view "+v.ID, r); err != nil {
				return err
			}
		}
	}
	for i, b := range c.Bridges {
		if b.Input == "" || b.Output == "" || b.Table == "" || b.Key == "" {
			return fmt.Errorf("bridge %d: input, output, table and key are required", i)
		}
		for _, r := range []string{b.Input, b.Context, b.Output} {
			if err := ref(fmt.Sprintf("bridge %d", i), r); err != nil {
				return err
			}
		}
	}
	return nil
}
