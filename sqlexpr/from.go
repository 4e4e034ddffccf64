// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sqlexpr

import (
	"fmt"
)

// FromClause is anything that can appear in a FROM clause.
type FromClause interface {
	Node
	// Name is the name the from-clause is referred to by in SQL. Joins are
	// unnamed.
	Name() string
	// Columns returns the columns exported by the from-clause.
	Columns() []*Column
	// C returns the named column, or nil.
	C(name string) *Column
	// PrimaryKey returns the primary key columns.
	PrimaryKey() []*Column
	// Corresponding returns the column of this from-clause derived from col,
	// or nil when there is none.
	Corresponding(col *Column) *Column
	fromClause()
}

// Column is a column of a table, alias or subquery.
type Column struct {
	Name string

	table      FromClause
	primaryKey bool
	references *Column
	// proxy is the column this column was derived from, for columns of an
	// alias.
	proxy *Column
}

func (*Column) node() {}
func (*Column) expr() {}

// Table returns the from-clause the column belongs to.
func (c *Column) Table() FromClause {
	return c.table
}

// IsPrimaryKey reports whether the column is part of its table's primary key.
func (c *Column) IsPrimaryKey() bool {
	return c.primaryKey
}

// References returns the column referenced by a foreign key on c, or nil.
func (c *Column) References() *Column {
	return c.references
}

// Label is the name the column is given in a labelled columns clause.
func (c *Column) Label() string {
	if c.table == nil || c.table.Name() == "" {
		return c.Name
	}
	return c.table.Name() + "_" + c.Name
}

// Proxies returns c followed by every column it was derived from.
func (c *Column) Proxies() []*Column {
	var chain []*Column
	for p := c; p != nil; p = p.proxy {
		chain = append(chain, p)
	}
	return chain
}

// Base returns the column at the root of the proxy chain.
func (c *Column) Base() *Column {
	p := c
	for p.proxy != nil {
		p = p.proxy
	}
	return p
}

// Shares reports whether c and other derive from the same base column.
func (c *Column) Shares(other *Column) bool {
	if c == nil || other == nil {
		return false
	}
	return c.Base() == other.Base()
}

// DerivesFrom reports whether other is c or appears in its proxy chain.
func (c *Column) DerivesFrom(other *Column) bool {
	for p := c; p != nil; p = p.proxy {
		if p == other {
			return true
		}
	}
	return false
}

func (c *Column) String() string {
	if c.table == nil || c.table.Name() == "" {
		return c.Name
	}
	return c.table.Name() + "." + c.Name
}

// Table is a database table.
type Table struct {
	name    string
	columns []*Column
	byName  map[string]*Column
	pk      []*Column
}

// NewTable returns a table with the named columns.
func NewTable(name string, columns ...string) *Table {
	t := &Table{name: name, byName: map[string]*Column{}}
	for _, c := range columns {
		col := &Column{Name: c, table: t}
		t.columns = append(t.columns, col)
		t.byName[c] = col
	}
	return t
}

// WithPrimaryKey marks the named columns as the primary key of t.
func (t *Table) WithPrimaryKey(names ...string) *Table {
	t.pk = nil
	for _, n := range names {
		col := t.mustC(n)
		col.primaryKey = true
		t.pk = append(t.pk, col)
	}
	return t
}

// WithForeignKey records that the named column of t references ref.
func (t *Table) WithForeignKey(name string, ref *Column) *Table {
	t.mustC(name).references = ref
	return t
}

func (t *Table) mustC(name string) *Column {
	col, ok := t.byName[name]
	if !ok {
		panic(fmt.Sprintf("table %q has no column %q", t.name, name))
	}
	return col
}

func (*Table) node()       {}
func (*Table) fromClause() {}

func (t *Table) Name() string          { return t.name }
func (t *Table) Columns() []*Column    { return t.columns }
func (t *Table) C(name string) *Column { return t.byName[name] }
func (t *Table) PrimaryKey() []*Column { return t.pk }

func (t *Table) Corresponding(col *Column) *Column {
	for _, own := range t.columns {
		if col.DerivesFrom(own) {
			return own
		}
	}
	return nil
}

// ForeignKeys returns the columns of t that reference a column of other.
func (t *Table) ForeignKeys(other FromClause) []*Column {
	var fks []*Column
	for _, c := range t.columns {
		if c.references == nil {
			continue
		}
		if other.Corresponding(c.references) != nil {
			fks = append(fks, c)
		}
	}
	return fks
}

// Aliasable is a node that can be given an alias.
type Aliasable interface {
	Node
	exported() []*Column
}

func (t *Table) exported() []*Column {
	return t.columns
}

// Alias is a named copy of a table or a subquery.
type Alias struct {
	name     string
	original Aliasable
	columns  []*Column
	byName   map[string]*Column
	pk       []*Column
}

// NewAlias returns an alias of a table or a select.
func NewAlias(original Aliasable, name string) *Alias {
	a := &Alias{name: name, original: original, byName: map[string]*Column{}}
	for _, src := range original.exported() {
		col := &Column{
			Name:       src.Name,
			table:      a,
			primaryKey: src.primaryKey,
			references: src.references,
			proxy:      src.proxy,
		}
		// Columns exported from a select are placeholders whose proxy is
		// the selected column; table columns are proxied directly.
		if _, ok := original.(*Table); ok {
			col.proxy = src
		}
		a.columns = append(a.columns, col)
		a.byName[col.Name] = col
		if col.primaryKey {
			a.pk = append(a.pk, col)
		}
	}
	return a
}

func (*Alias) node()       {}
func (*Alias) fromClause() {}

func (a *Alias) Name() string          { return a.name }
func (a *Alias) Columns() []*Column    { return a.columns }
func (a *Alias) C(name string) *Column { return a.byName[name] }
func (a *Alias) PrimaryKey() []*Column { return a.pk }

// Original returns the aliased table or select.
func (a *Alias) Original() Aliasable {
	return a.original
}

func (a *Alias) Corresponding(col *Column) *Column {
	for _, own := range a.columns {
		if own.DerivesFrom(col) || col.DerivesFrom(own) {
			return own
		}
	}
	return nil
}

// Join is a join of two from-clauses.
type Join struct {
	Left  FromClause
	Right FromClause
	On    Expr
	Outer bool
}

// NewJoin joins left to right on the given condition.
func NewJoin(left, right FromClause, on Expr, outer bool) *Join {
	return &Join{Left: left, Right: right, On: on, Outer: outer}
}

func (*Join) node()       {}
func (*Join) fromClause() {}

func (j *Join) Name() string { return "" }

func (j *Join) Columns() []*Column {
	cols := append([]*Column{}, j.Left.Columns()...)
	return append(cols, j.Right.Columns()...)
}

func (j *Join) C(name string) *Column {
	if c := j.Left.C(name); c != nil {
		return c
	}
	return j.Right.C(name)
}

func (j *Join) PrimaryKey() []*Column {
	return j.Left.PrimaryKey()
}

func (j *Join) Corresponding(col *Column) *Column {
	if c := j.Left.Corresponding(col); c != nil {
		return c
	}
	return j.Right.Corresponding(col)
}

// Contains reports whether target is from or one of the from-clauses joined
// within it.
func Contains(from, target FromClause) bool {
	if from == target {
		return true
	}
	if j, ok := from.(*Join); ok {
		return Contains(j.Left, target) || Contains(j.Right, target)
	}
	return false
}

// Leaves returns the non-join from-clauses within from, left to right.
func Leaves(from FromClause) []FromClause {
	if j, ok := from.(*Join); ok {
		return append(Leaves(j.Left), Leaves(j.Right)...)
	}
	return []FromClause{from}
}

// IsDerivedFrom reports whether from is target or an alias of it.
func IsDerivedFrom(from, target FromClause) bool {
	if from == target {
		return true
	}
	if a, ok := from.(*Alias); ok {
		if orig, ok := a.original.(FromClause); ok {
			return IsDerivedFrom(orig, target)
		}
	}
	return false
}
