// Package catalog loads table and column metadata from PostgreSQL's
// information_schema and answers lookups by qualified name.
package catalog

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/lib/pq"
)

type Column struct {
	Name     string `json:"name"`
	Ordinal  int    `json:"ordinal"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

type Table struct {
	Schema  string   `json:"schema"`
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
	PK      []string `json:"primaryKey,omitempty"`
}

func (t Table) Qualified() string { return t.Schema + "." + t.Name }

// Catalog is safe for concurrent use. Refresh swaps the whole table set.
type Catalog struct {
	schemas []string

	mu       sync.RWMutex
	tables   map[string]*Table
	checksum string
}

// New builds a catalog from known tables.
func New(tables ...Table) *Catalog {
	c := &Catalog{}
	c.set(tables)
	return c
}

// Load reads every table of schemas (all user schemas when empty).
func Load(ctx context.Context, db *sql.DB, schemas ...string) (*Catalog, error) {
	c := &Catalog{schemas: schemas}
	if err := c.Refresh(ctx, db); err != nil {
		return nil, err
	}
	return c, nil
}

const columnsQuery = `
	SELECT table_schema, table_name, column_name, ordinal_position, data_type, is_nullable = 'YES'
	FROM information_schema.columns
	WHERE table_schema NOT IN ('pg_catalog', 'information_schema')
	  AND (cardinality($1::text[]) = 0 OR table_schema = ANY($1::text[]))
	ORDER BY table_schema, table_name, ordinal_position`

const primaryKeysQuery = `
	SELECT kcu.table_schema, kcu.table_name, kcu.column_name
	FROM information_schema.table_constraints tc
	JOIN information_schema.key_column_usage kcu
	  ON kcu.constraint_name = tc.constraint_name
	 AND kcu.constraint_schema = tc.constraint_schema
	WHERE tc.constraint_type = 'PRIMARY KEY'
	  AND (cardinality($1::text[]) = 0 OR kcu.table_schema = ANY($1::text[]))
	ORDER BY kcu.table_schema, kcu.table_name, kcu.ordinal_position`

// Refresh reloads the catalog from db.
func (c *Catalog) Refresh(ctx context.Context, db *sql.DB) error {
	schemas := pq.Array(append([]string{}, c.schemas...))

	rows, err := db.QueryContext(ctx, columnsQuery, schemas)
	if err != nil {
		return fmt.Errorf("query information_schema: %w", err)
	}
	byName := map[string]*Table{}
	var order []string
	for rows.Next() {
		var schema, tbl string
		var col Column
		if err := rows.Scan(&schema, &tbl, &col.Name, &col.Ordinal, &col.Type, &col.Nullable); err != nil {
			rows.Close()
			return fmt.Errorf("scan: %w", err)
		}
		key := schema + "." + tbl
		t, ok := byName[key]
		if !ok {
			t = &Table{Schema: schema, Name: tbl}
			byName[key] = t
			order = append(order, key)
		}
		t.Columns = append(t.Columns, col)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("row iteration: %w", err)
	}
	rows.Close()

	pkRows, err := db.QueryContext(ctx, primaryKeysQuery, schemas)
	if err != nil {
		return fmt.Errorf("query primary keys: %w", err)
	}
	defer pkRows.Close()
	for pkRows.Next() {
		var schema, tbl, col string
		if err := pkRows.Scan(&schema, &tbl, &col); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		if t, ok := byName[schema+"."+tbl]; ok {
			t.PK = append(t.PK, col)
		}
	}
	if err := pkRows.Err(); err != nil {
		return fmt.Errorf("row iteration: %w", err)
	}

	tables := make([]Table, 0, len(order))
	for _, k := range order {
		tables = append(tables, *byName[k])
	}
	c.set(tables)
	return nil
}

func (c *Catalog) set(tables []Table) {
	m := make(map[string]*Table, len(tables))
	for i := range tables {
		t := tables[i]
		sort.Slice(t.Columns, func(a, b int) bool { return t.Columns[a].Ordinal < t.Columns[b].Ordinal })
		m[qual(t.Qualified())] = &t
	}
	sorted := make([]Table, 0, len(m))
	for _, k := range sortedKeys(m) {
		sorted = append(sorted, *m[k])
	}
	b, _ := json.Marshal(sorted)
	sum := sha256.Sum256(b)

	c.mu.Lock()
	c.tables = m
	c.checksum = hex.EncodeToString(sum[:])
	c.mu.Unlock()
}

// Table looks up a table. Unqualified names match any schema, public first.
func (c *Catalog) Table(name string) (Table, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if t, ok := c.tables[qual(name)]; ok {
		return *t, true
	}
	if !strings.Contains(name, ".") {
		for _, k := range sortedKeys(c.tables) {
			if strings.HasSuffix(k, "."+strings.ToLower(name)) {
				return *c.tables[k], true
			}
		}
	}
	return Table{}, false
}

func (c *Catalog) Columns(name string) ([]Column, bool) {
	t, ok := c.Table(name)
	return t.Columns, ok
}

func (c *Catalog) PrimaryKeys(name string) ([]string, bool) {
	t, ok := c.Table(name)
	if !ok || len(t.PK) == 0 {
		return nil, false
	}
	return t.PK, true
}

// Tables returns the sorted qualified names.
func (c *Catalog) Tables() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return sortedKeys(c.tables)
}

// Checksum identifies the current table set.
func (c *Catalog) Checksum() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.checksum
}

// ExportJSON dumps the catalog to path.
func (c *Catalog) ExportJSON(path string) error {
	c.mu.RLock()
	tables := make([]Table, 0, len(c.tables))
	for _, k := range sortedKeys(c.tables) {
		tables = append(tables, *c.tables[k])
	}
	c.mu.RUnlock()
	b, err := json.MarshalIndent(tables, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal catalog: %w", err)
	}
	return os.WriteFile(path, b, 0o644)
}

// LoadJSON reads a catalog written by ExportJSON.
func LoadJSON(path string) (*Catalog, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog json: %w", err)
	}
	var tables []Table
	if err := json.Unmarshal(b, &tables); err != nil {
		return nil, fmt.Errorf("unmarshal catalog json: %w", err)
	}
	return New(tables...), nil
}

func qual(s string) string {
	s = strings.ToLower(s)
	if strings.Contains(s, ".") {
		return s
	}
	return "public." + s
}

func sortedKeys(m map[string]*Table) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
