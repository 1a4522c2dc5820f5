package reactive

import (
	"database/sql"
	"time"
)

// Row is one result row keyed by column name.
type Row map[string]any

// Table is a tabular query result.
type Table struct {
	Columns []string
	Rows    []Row
}

func (t *Table) NumRows() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// Get returns row i, or nil when out of range.
func (t *Table) Get(i int) Row {
	if t == nil || i < 0 || i >= len(t.Rows) {
		return nil
	}
	return t.Rows[i]
}

// Column returns every value of the named column.
func (t *Table) Column(name string) []any {
	if t == nil {
		return nil
	}
	out := make([]any, len(t.Rows))
	for i, r := range t.Rows {
		out[i] = r[name]
	}
	return out
}

// ScanRows drains rows into a Table, normalising driver values.
func ScanRows(rows *sql.Rows) (*Table, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	out := &Table{Columns: cols, Rows: []Row{}}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		out.Rows = append(out.Rows, MakeRow(cols, values))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// MakeRow zips column names with driver values.
func MakeRow(cols []string, values []any) Row {
	row := make(Row, len(cols))
	for i, c := range cols {
		row[c] = deref(values[i])
	}
	return row
}

func deref(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case time.Time:
		return t.UTC()
	default:
		return t
	}
}
