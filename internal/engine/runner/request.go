// Package runner executes data operations against a workspace's
// compiled schema. Every request carries a logical object name, a
// filter tree, and an operation payload; the runner validates the
// request against metadata and permissions, generates SQL, and emits
// change events after commit.
package runner

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// OperationKind identifies the requested operation
type OperationKind int

const (
	OpFindOne OperationKind = iota
	OpFindMany
	OpCreateOne
	OpCreateMany
	OpUpdateOne
	OpUpdateMany
	OpDeleteOne
	OpDeleteMany
	OpDestroyOne
	OpDestroyMany
	OpRestoreOne
	OpRestoreMany
	OpAggregate
)

// String returns the wire name of the operation
func (k OperationKind) String() string {
	switch k {
	case OpFindOne:
		return "findOne"
	case OpFindMany:
		return "findMany"
	case OpCreateOne:
		return "createOne"
	case OpCreateMany:
		return "createMany"
	case OpUpdateOne:
		return "updateOne"
	case OpUpdateMany:
		return "updateMany"
	case OpDeleteOne:
		return "deleteOne"
	case OpDeleteMany:
		return "deleteMany"
	case OpDestroyOne:
		return "destroyOne"
	case OpDestroyMany:
		return "destroyMany"
	case OpRestoreOne:
		return "restoreOne"
	case OpRestoreMany:
		return "restoreMany"
	case OpAggregate:
		return "aggregate"
	default:
		return "unknown"
	}
}

// ParseOperationKind converts a wire name to an OperationKind
func ParseOperationKind(s string) (OperationKind, error) {
	for k := OpFindOne; k <= OpAggregate; k++ {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown operation: %s", s)
}

// IsWrite reports whether the operation mutates records
func (k OperationKind) IsWrite() bool {
	switch k {
	case OpFindOne, OpFindMany, OpAggregate:
		return false
	default:
		return true
	}
}

// Comparator is the wire name of a filter comparison
type Comparator string

const (
	CmpEq         Comparator = "eq"
	CmpNeq        Comparator = "neq"
	CmpGt         Comparator = "gt"
	CmpGte        Comparator = "gte"
	CmpLt         Comparator = "lt"
	CmpLte        Comparator = "lte"
	CmpIn         Comparator = "in"
	CmpLike       Comparator = "like"
	CmpILike      Comparator = "ilike"
	CmpStartsWith Comparator = "startsWith"
	CmpIsNull     Comparator = "is"
)

// Filter is one node of the boolean filter tree. Exactly one of the
// connective slices (And, Or, Not) or the leaf triple (Field,
// Comparator, Value) is populated. Field may be a dotted relation
// path.
type Filter struct {
	And []*Filter `json:"and,omitempty"`
	Or  []*Filter `json:"or,omitempty"`
	Not *Filter   `json:"not,omitempty"`

	Field      string     `json:"field,omitempty"`
	Comparator Comparator `json:"comparator,omitempty"`
	Value      any        `json:"value,omitempty"`
}

// IsLeaf reports whether the node is a comparison rather than a connective
func (f *Filter) IsLeaf() bool {
	return len(f.And) == 0 && len(f.Or) == 0 && f.Not == nil
}

// SortDirection orders a sort key
type SortDirection string

const (
	SortAsc  SortDirection = "ASC"
	SortDesc SortDirection = "DESC"
)

// Sort is one ordering key. Keys apply in declaration order; the
// record id is always appended as the final tie-break.
type Sort struct {
	Field     string        `json:"field"`
	Direction SortDirection `json:"direction"`
}

// AggregateFunc names an aggregation
type AggregateFunc string

const (
	AggCount AggregateFunc = "count"
	AggSum   AggregateFunc = "sum"
	AggAvg   AggregateFunc = "avg"
	AggMin   AggregateFunc = "min"
	AggMax   AggregateFunc = "max"
)

// Aggregation requests one aggregate value. Field is empty for count.
type Aggregation struct {
	Func  AggregateFunc `json:"func"`
	Field string        `json:"field,omitempty"`
}

// Request is the operation envelope. ObjectName accepts the singular
// or plural logical name. Records carries the payload for writes, one
// entry per row for batch operations.
type Request struct {
	ObjectName string        `json:"objectName"`
	Operation  OperationKind `json:"-"`

	Filter    *Filter  `json:"filter,omitempty"`
	Selection []string `json:"selection,omitempty"`
	Sort      []Sort   `json:"sort,omitempty"`

	Limit  int    `json:"limit,omitempty"`
	Cursor string `json:"cursor,omitempty"`

	// IncludeSoftDeleted widens reads to soft-deleted records
	IncludeSoftDeleted bool `json:"includeSoftDeleted,omitempty"`

	Records []map[string]any `json:"records,omitempty"`

	Aggregations []Aggregation `json:"aggregations,omitempty"`
}

// Result is the operation outcome. Records holds logical records with
// composite fields folded back into nested values. EndCursor is set
// when a findMany page has more rows.
type Result struct {
	Records    []map[string]any `json:"records,omitempty"`
	Aggregates map[string]any   `json:"aggregates,omitempty"`
	EndCursor  string           `json:"endCursor,omitempty"`
	HasMore    bool             `json:"hasMore,omitempty"`
	// Affected counts rows touched by delete, destroy, and restore
	Affected int `json:"affected,omitempty"`
}

const (
	defaultPageSize = 60
	maxPageSize     = 500
)

// cursor is the keyset position of the last row of a page: the values
// of the sort keys followed by the record id.
type cursor struct {
	Keys []any  `json:"k"`
	ID   string `json:"id"`
}

func encodeCursor(c cursor) string {
	raw, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeCursor(s string) (cursor, error) {
	var c cursor
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return c, fmt.Errorf("malformed cursor: %w", err)
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("malformed cursor: %w", err)
	}
	return c, nil
}
