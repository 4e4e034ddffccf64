// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sqlexpr

import (
	"fmt"

	"github.com/canonical/sqlorm/internal/parse"
)

// Statement is a complete SQL statement.
type Statement interface {
	Node
	statement()
}

// LockMode is the row locking requested by a select.
type LockMode string

const (
	LockNone         LockMode = ""
	LockRead         LockMode = "read"
	LockUpdate       LockMode = "update"
	LockUpdateNowait LockMode = "update_nowait"
)

// Select is a SELECT statement.
type Select struct {
	Columns []Expr
	// From lists explicit from-clauses. Tables referenced by columns of the
	// statement and not covered by From are added when compiling.
	From     []FromClause
	Where    Expr
	GroupBy  []Expr
	Having   Expr
	OrderBy  []Expr
	Limit    *int
	Offset   *int
	Distinct bool
	Lock     LockMode
	// UseLabels gives every column in the columns clause a "table_column"
	// label.
	UseLabels bool
	// Correlate lists enclosing from-clauses that are omitted from the FROM
	// clause of a nested select. When empty, every enclosing from-clause is
	// correlated.
	Correlate []FromClause
}

func (*Select) node()      {}
func (*Select) statement() {}

// Copy returns a shallow copy of s with its own slices.
func (s *Select) Copy() *Select {
	c := *s
	c.Columns = append([]Expr(nil), s.Columns...)
	c.From = append([]FromClause(nil), s.From...)
	c.GroupBy = append([]Expr(nil), s.GroupBy...)
	c.OrderBy = append([]Expr(nil), s.OrderBy...)
	c.Correlate = append([]FromClause(nil), s.Correlate...)
	return &c
}

// AppendFrom adds from-clauses that are not already present.
func (s *Select) AppendFrom(froms ...FromClause) {
	for _, f := range froms {
		found := false
		for _, existing := range s.From {
			if existing == f {
				found = true
				break
			}
		}
		if !found {
			s.From = append(s.From, f)
		}
	}
}

// AppendWhere ANDs e onto the WHERE clause.
func (s *Select) AppendWhere(e Expr) {
	s.Where = And(s.Where, e)
}

// Alias returns the select as a named subquery.
func (s *Select) Alias(name string) *Alias {
	return NewAlias(s, name)
}

func (s *Select) exported() []*Column {
	var cols []*Column
	for i, e := range s.Columns {
		col := &Column{}
		switch e := e.(type) {
		case *Column:
			col.proxy = e
			if s.UseLabels {
				col.Name = e.Label()
			} else {
				col.Name = e.Name
			}
		case *Label:
			col.Name = e.Name
			if inner, ok := e.Elem.(*Column); ok {
				col.proxy = inner
			}
		default:
			col.Name = fmt.Sprintf("col_%d", i+1)
		}
		if col.proxy != nil {
			col.primaryKey = col.proxy.primaryKey
			col.references = col.proxy.references
		}
		cols = append(cols, col)
	}
	return cols
}

// IntPtr returns a pointer to n, for Limit and Offset.
func IntPtr(n int) *int {
	return &n
}

// Assignment is one "column = value" of an UPDATE.
type Assignment struct {
	Column *Column
	Value  Expr
}

// Update is an UPDATE statement.
type Update struct {
	Table  *Table
	Values []Assignment
	Where  Expr
}

func (*Update) node()      {}
func (*Update) statement() {}

// Delete is a DELETE statement.
type Delete struct {
	Table *Table
	Where Expr
}

func (*Delete) node()      {}
func (*Delete) statement() {}

// Insert is an INSERT of a single row.
type Insert struct {
	Table  *Table
	Values []Assignment
}

func (*Insert) node()      {}
func (*Insert) statement() {}

// TextStatement is a literal SQL statement with positional arguments.
type TextStatement struct {
	SQL  string
	Args []any
}

func (*TextStatement) node()      {}
func (*TextStatement) statement() {}

// StatementText returns a literal statement.
func StatementText(sql string, args ...any) *TextStatement {
	return &TextStatement{SQL: sql, Args: args}
}

// ParseText returns a literal statement whose named parameters, written
// :name, become keyed bind parameters. Their values are supplied at
// execution.
func ParseText(sql string) (*TextStatement, error) {
	pt, err := parse.NewParser().Parse(sql)
	if err != nil {
		return nil, err
	}
	stmt := &TextStatement{SQL: pt.SQL()}
	for _, name := range pt.Params() {
		stmt.Args = append(stmt.Args, Param(name))
	}
	return stmt, nil
}
