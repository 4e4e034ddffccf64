// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sqlexpr

// ClauseAdapter rewrites expressions written against tables so that they
// refer to the corresponding columns of an alias, subquery or join.
// A nil *ClauseAdapter adapts nothing.
type ClauseAdapter struct {
	selectable FromClause
	// exclude lists columns that are never adapted.
	exclude map[*Column]bool
	// next is applied to the result of this adapter.
	next *ClauseAdapter
}

// NewClauseAdapter returns an adapter onto selectable.
func NewClauseAdapter(selectable FromClause) *ClauseAdapter {
	return &ClauseAdapter{selectable: selectable}
}

// Selectable returns the from-clause the adapter targets.
func (a *ClauseAdapter) Selectable() FromClause {
	if a == nil {
		return nil
	}
	return a.selectable
}

// Exclude returns a copy of the adapter that leaves cols untouched.
func (a *ClauseAdapter) Exclude(cols ...*Column) *ClauseAdapter {
	if a == nil {
		return nil
	}
	c := *a
	c.exclude = map[*Column]bool{}
	for col := range a.exclude {
		c.exclude[col] = true
	}
	for _, col := range cols {
		c.exclude[col] = true
	}
	return &c
}

// Wrap returns an adapter that applies a and then other.
func (a *ClauseAdapter) Wrap(other *ClauseAdapter) *ClauseAdapter {
	if a == nil {
		return other
	}
	if other == nil {
		return a
	}
	c := *a
	c.next = c.next.Wrap(other)
	return &c
}

// AdaptColumn returns the column of the target corresponding to col, or col
// itself when there is none.
func (a *ClauseAdapter) AdaptColumn(col *Column) *Column {
	if a == nil || col == nil {
		return col
	}
	adapted := col
	if !a.exclude[col] {
		if c := a.selectable.Corresponding(col); c != nil {
			adapted = c
		}
	}
	return a.next.AdaptColumn(adapted)
}

// AdaptColumns adapts each column.
func (a *ClauseAdapter) AdaptColumns(cols []*Column) []*Column {
	out := make([]*Column, len(cols))
	for i, c := range cols {
		out[i] = a.AdaptColumn(c)
	}
	return out
}

// Adapt returns a copy of e with its columns adapted. Tables aliased by the
// target are replaced with the alias.
func (a *ClauseAdapter) Adapt(e Expr) Expr {
	if a == nil || e == nil {
		return e
	}
	return Replace(e, a.replacer())
}

// AdaptList adapts each expression.
func (a *ClauseAdapter) AdaptList(es []Expr) []Expr {
	if a == nil {
		return es
	}
	out := make([]Expr, len(es))
	for i, e := range es {
		out[i] = a.Adapt(e)
	}
	return out
}

// AdaptFrom adapts a from-clause.
func (a *ClauseAdapter) AdaptFrom(f FromClause) FromClause {
	if a == nil || f == nil {
		return f
	}
	return ReplaceFrom(f, a.replacer())
}

func (a *ClauseAdapter) replacer() Replacer {
	return func(n Node) Node {
		switch n := n.(type) {
		case *Column:
			return a.AdaptColumn(n)
		case *Table:
			if alias, ok := a.selectable.(*Alias); ok && alias.original == Aliasable(n) {
				return a.next.adaptFromNode(alias)
			}
		}
		return nil
	}
}

func (a *ClauseAdapter) adaptFromNode(f FromClause) FromClause {
	if a == nil {
		return f
	}
	return a.AdaptFrom(f)
}
