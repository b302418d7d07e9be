// Package events defines the change-feed envelope shared by the relay and subscribers.
package events

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind is the row operation carried by a change.
type Kind string

const (
	Insert Kind = "INSERT"
	Update Kind = "UPDATE"
	Delete Kind = "DELETE"
	// Any matches every kind in a Filter.
	Any Kind = "*"
)

// SchemaPublic is the default schema for captured tables.
const SchemaPublic = "public"

// Tables captured by the change relay.
const (
	TablePosts     = "posts"
	TableLikes     = "likes"
	TableStories   = "stories"
	TableFollowers = "followers"
	TableProducts  = "products"
)

// ErrInvalidPredicate is returned for column filters not in the column=eq.value form.
var ErrInvalidPredicate = errors.New("invalid column predicate")

// Change is one row change captured from the row store.
type Change struct {
	Schema     string         `json:"schema"`
	Table      string         `json:"table"`
	Kind       Kind           `json:"type"`
	Record     map[string]any `json:"record,omitempty"`
	OldRecord  map[string]any `json:"old_record,omitempty"`
	CommitTime time.Time      `json:"commit_timestamp"`
}

// Field returns a column of the new row, falling back to the old row for deletes.
func (c Change) Field(column string) (string, bool) {
	if v, ok := c.Record[column]; ok && v != nil {
		return fmt.Sprint(v), true
	}
	if v, ok := c.OldRecord[column]; ok && v != nil {
		return fmt.Sprint(v), true
	}
	return "", false
}

// TimeField parses a timestamp column.
func (c Change) TimeField(column string) (time.Time, bool) {
	raw, ok := c.Field(column)
	if !ok {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// Filter selects changes for a subscription.
type Filter struct {
	Schema string
	Table  string
	Kind   Kind
	Column string
	Value  string
}

// WithPredicate returns a copy of f restricted by an expression such as following_id=eq.42.
func (f Filter) WithPredicate(expr string) (Filter, error) {
	column, rest, ok := strings.Cut(expr, "=")
	if !ok || column == "" {
		return f, fmt.Errorf("%w: %q", ErrInvalidPredicate, expr)
	}
	value, ok := strings.CutPrefix(rest, "eq.")
	if !ok || value == "" {
		return f, fmt.Errorf("%w: %q", ErrInvalidPredicate, expr)
	}
	f.Column = column
	f.Value = value
	return f, nil
}

// Matches reports whether the change is selected by the filter.
func (f Filter) Matches(c Change) bool {
	schema := f.Schema
	if schema == "" {
		schema = SchemaPublic
	}
	if c.Schema != "" && c.Schema != schema {
		return false
	}
	if c.Table != f.Table {
		return false
	}
	if f.Kind != "" && f.Kind != Any && f.Kind != c.Kind {
		return false
	}
	if f.Column != "" {
		value, ok := c.Field(f.Column)
		if !ok || value != f.Value {
			return false
		}
	}
	return true
}

// Topic names the Kafka topic carrying changes for a table.
func Topic(prefix, table string) string {
	if prefix == "" {
		return table
	}
	return prefix + "." + table
}
