// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sqlorm

import (
	"github.com/canonical/sqlorm/sqlexpr"
)

// rowColumns indexes the result columns of a statement by name.
type rowColumns struct {
	names []string
	index map[string]int
	// plain is set for statements not written by the query, whose columns
	// may carry bare column names instead of labels.
	plain bool
}

func newRowColumns(names []string, plain bool) *rowColumns {
	rc := &rowColumns{names: names, index: make(map[string]int, len(names)), plain: plain}
	for i, name := range names {
		if _, ok := rc.index[name]; !ok {
			rc.index[name] = i
		}
	}
	return rc
}

// Row is one result row of a query.
type Row struct {
	values  []any
	columns *rowColumns
}

// Get returns the value of col in the row. Columns are found by label.
func (r *Row) Get(col *sqlexpr.Column) (any, bool) {
	if col == nil {
		return nil, false
	}
	if i, ok := r.columns.index[col.Label()]; ok {
		return r.values[i], true
	}
	if r.columns.plain {
		if _, ok := col.Table().(*sqlexpr.Table); ok {
			if i, ok := r.columns.index[col.Name]; ok {
				return r.values[i], true
			}
		}
	}
	return nil, false
}

// Lookup returns the value of the result column called name.
func (r *Row) Lookup(name string) (any, bool) {
	i, ok := r.columns.index[name]
	if !ok {
		return nil, false
	}
	return r.values[i], true
}

// Value returns the value of the i-th result column.
func (r *Row) Value(i int) any {
	return r.values[i]
}

// Len returns the number of result columns.
func (r *Row) Len() int {
	return len(r.values)
}

// normalizeValue converts driver values to the values stored in
// attributes. Text read as bytes becomes a string.
func normalizeValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
