package reactive

import (
	"context"

	"github.com/zoravur/crossview/internal/selection"
	"github.com/zoravur/crossview/internal/sqlexpr"
)

// Kind tags the client variants the coordinator knows about.
type Kind int

const (
	KindCustom Kind = iota
	KindTable
	KindFacet
	KindHistogram
)

func (k Kind) String() string {
	switch k {
	case KindTable:
		return "table"
	case KindFacet:
		return "facet"
	case KindHistogram:
		return "histogram"
	}
	return "custom"
}

// wantsFields reports whether the coordinator runs the metadata round trip
// before the first query.
func (k Kind) wantsFields() bool {
	return k == KindHistogram || k == KindCustom
}

// Client is anything that queries the engine and reacts to selection changes.
// The coordinator calls these from its own goroutines; implementations guard
// their state and never call Selection.Update while holding their lock.
type Client interface {
	ID() selection.Source
	Kind() Kind
	// FilterBy is the selection whose predicate feeds Query; nil for none.
	FilterBy() *selection.Selection
	Fields() []FieldRequest
	FieldInfo(info []FieldInfo)
	// Query builds the statement for filter. A nil query skips the round trip.
	Query(filter sqlexpr.Expr) *sqlexpr.Query
	QueryPending()
	QueryResult(t *Table)
	QueryError(err error)
}

// FieldRequest asks for metadata about a column.
type FieldRequest struct {
	Table  string
	Column string
	// Stats requests min/max/distinct aggregates.
	Stats bool
}

// FieldInfo answers a FieldRequest.
type FieldInfo struct {
	Table    string
	Column   string
	Type     string
	Nullable bool
	Min      any
	Max      any
	Distinct int64
}

// ColumnInfo is the engine's description of one column.
type ColumnInfo struct {
	Name     string
	Type     string
	Nullable bool
}

// Connector is the transport to the analytical engine.
type Connector interface {
	Query(ctx context.Context, sql string) (*Table, error)
	Describe(ctx context.Context, table string) ([]ColumnInfo, error)
	Close() error
}

// State is a client's connection state.
type State int

const (
	Unconnected State = iota
	Connected
	Pending
	Idle
	Disconnected
)

func (s State) String() string {
	return [...]string{"unconnected", "connected", "pending", "idle", "disconnected"}[s]
}
