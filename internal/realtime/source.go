// Package realtime keeps live in-memory mirrors of backend table slices: an
// initial snapshot merged with the row changes that follow it.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnknownTable indicates the table is not registered for realtime use.
	ErrUnknownTable = errors.New("realtime: unknown table")
	// ErrUnknownColumn indicates a filter or order column the table does not allow.
	ErrUnknownColumn = errors.New("realtime: unknown column")
)

// ChangeType is the kind of row change.
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// Condition is an equality predicate on one column.
type Condition struct {
	Column string
	Value  string
}

// Query selects a table slice.
type Query struct {
	Table      string
	Filter     []Condition
	OrderBy    string
	Descending bool
}

// Validate checks the query against the table registry.
func (q Query) Validate() error {
	table, ok := Lookup(q.Table)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTable, q.Table)
	}
	for _, cond := range q.Filter {
		if !table.CanFilter(cond.Column) {
			return fmt.Errorf("%w: %s.%s", ErrUnknownColumn, q.Table, cond.Column)
		}
	}
	if q.OrderBy != "" && !table.HasColumn(q.OrderBy) {
		return fmt.Errorf("%w: %s.%s", ErrUnknownColumn, q.Table, q.OrderBy)
	}
	return nil
}

// WithCondition returns a copy of the query whose filter forces column = value,
// replacing any caller-supplied condition on the same column.
func (q Query) WithCondition(column, value string) Query {
	out := q
	out.Filter = make([]Condition, 0, len(q.Filter)+1)
	for _, cond := range q.Filter {
		if cond.Column != column {
			out.Filter = append(out.Filter, cond)
		}
	}
	out.Filter = append(out.Filter, Condition{Column: column, Value: value})
	return out
}

// Change is one row event of the change stream.
type Change struct {
	Table     string          `json:"table"`
	Type      ChangeType      `json:"type"`
	Record    json.RawMessage `json:"record,omitempty"`
	OldRecord json.RawMessage `json:"old_record,omitempty"`
}

// Row returns the record the change is about: the new row, or the old one for deletes.
func (c Change) Row() json.RawMessage {
	if c.Type == ChangeDelete || len(c.Record) == 0 || string(c.Record) == "null" {
		return c.OldRecord
	}
	return c.Record
}

// Matches reports whether the changed row satisfies every condition.
func (c Change) Matches(filter []Condition) bool {
	return matches(c.Row(), filter)
}

// For returns the change as a subscriber with the given filter sees it. An
// update that moves a row out of the filter becomes a delete of the old row.
func (c Change) For(filter []Condition) (Change, bool) {
	if c.Type != ChangeUpdate || matches(c.Record, filter) {
		return c, c.Matches(filter)
	}
	if len(c.OldRecord) == 0 || !matches(c.OldRecord, filter) {
		return c, false
	}
	return Change{Table: c.Table, Type: ChangeDelete, OldRecord: c.OldRecord}, true
}

func matches(row json.RawMessage, filter []Condition) bool {
	if len(filter) == 0 {
		return true
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(row, &fields); err != nil {
		return false
	}
	for _, cond := range filter {
		raw, ok := fields[cond.Column]
		if !ok || scalar(raw) != cond.Value {
			return false
		}
	}
	return true
}

func scalar(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

// Source is the backend side of a projection.
type Source interface {
	// Snapshot returns the rows matching the query, ordered as requested.
	Snapshot(ctx context.Context, q Query) ([]json.RawMessage, error)
	// Changes streams matching row changes until ctx is done, then closes the channel.
	Changes(ctx context.Context, q Query) (<-chan Change, error)
}
