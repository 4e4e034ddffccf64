// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sqlexpr

// Walk traverses the tree rooted at n in depth first order, calling visit for
// each node. The children of a node are skipped when visit returns false.
// Aliases and tables are leaves.
func Walk(n Node, visit func(Node) bool) {
	if isNilNode(n) || !visit(n) {
		return
	}
	switch n := n.(type) {
	case *Binary:
		Walk(n.Left, visit)
		Walk(n.Right, visit)
	case *BoolClause:
		for _, c := range n.Clauses {
			Walk(c, visit)
		}
	case *Unary:
		Walk(n.Elem, visit)
	case *Func:
		for _, a := range n.Args {
			Walk(a, visit)
		}
	case *InList:
		Walk(n.Elem, visit)
		for _, v := range n.Values {
			Walk(v, visit)
		}
	case *Between:
		Walk(n.Elem, visit)
		Walk(n.Lower, visit)
		Walk(n.Upper, visit)
	case *Label:
		Walk(n.Elem, visit)
	case *Exists:
		Walk(n.Select, visit)
	case *Join:
		Walk(n.Left, visit)
		Walk(n.Right, visit)
		Walk(n.On, visit)
	case *Select:
		for _, c := range n.Columns {
			Walk(c, visit)
		}
		for _, f := range n.From {
			Walk(f, visit)
		}
		Walk(n.Where, visit)
		for _, g := range n.GroupBy {
			Walk(g, visit)
		}
		Walk(n.Having, visit)
		for _, o := range n.OrderBy {
			Walk(o, visit)
		}
	case *Update:
		for _, a := range n.Values {
			Walk(a.Column, visit)
			Walk(a.Value, visit)
		}
		Walk(n.Where, visit)
	case *Delete:
		Walk(n.Where, visit)
	}
}

func isNilNode(n Node) bool {
	if n == nil {
		return true
	}
	if s, ok := n.(*Select); ok {
		return s == nil
	}
	return false
}

// ColumnsIn returns the distinct columns referenced by n, including those of
// nested selects, in the order they are first met.
func ColumnsIn(n Node) []*Column {
	return collectColumns(n, true)
}

// ShallowColumnsIn is like [ColumnsIn] but does not descend into nested
// selects.
func ShallowColumnsIn(n Node) []*Column {
	return collectColumns(n, false)
}

func collectColumns(n Node, deep bool) []*Column {
	var cols []*Column
	seen := map[*Column]bool{}
	Walk(n, func(n Node) bool {
		switch n := n.(type) {
		case *Column:
			if !seen[n] {
				seen[n] = true
				cols = append(cols, n)
			}
		case *Exists:
			return deep
		}
		return true
	})
	return cols
}

// Replacer returns a substitute for a node, or nil to keep copying the node
// and its children.
type Replacer func(Node) Node

// Replace returns a copy of e in which every node for which replace returns
// a substitute has been swapped for it. Children of a substituted node are
// not visited.
func Replace(e Expr, replace Replacer) Expr {
	if e == nil {
		return nil
	}
	return replaceNode(e, replace).(Expr)
}

// ReplaceFrom is [Replace] for from-clauses.
func ReplaceFrom(f FromClause, replace Replacer) FromClause {
	if f == nil {
		return nil
	}
	return replaceNode(f, replace).(FromClause)
}

// ReplaceSelect is [Replace] for selects.
func ReplaceSelect(s *Select, replace Replacer) *Select {
	if s == nil {
		return nil
	}
	return replaceNode(s, replace).(*Select)
}

func replaceExprs(es []Expr, replace Replacer) []Expr {
	if es == nil {
		return nil
	}
	out := make([]Expr, len(es))
	for i, e := range es {
		out[i] = Replace(e, replace)
	}
	return out
}

func replaceNode(n Node, replace Replacer) Node {
	if r := replace(n); r != nil {
		return r
	}
	switch n := n.(type) {
	case *Binary:
		return &Binary{Left: Replace(n.Left, replace), Op: n.Op, Right: Replace(n.Right, replace)}
	case *BoolClause:
		return &BoolClause{Op: n.Op, Clauses: replaceExprs(n.Clauses, replace)}
	case *Unary:
		return &Unary{Op: n.Op, Elem: Replace(n.Elem, replace)}
	case *Func:
		return &Func{Name: n.Name, Args: replaceExprs(n.Args, replace)}
	case *InList:
		return &InList{Elem: Replace(n.Elem, replace), Values: replaceExprs(n.Values, replace), Negate: n.Negate}
	case *Between:
		return &Between{Elem: Replace(n.Elem, replace), Lower: Replace(n.Lower, replace), Upper: Replace(n.Upper, replace)}
	case *Label:
		return &Label{Name: n.Name, Elem: Replace(n.Elem, replace)}
	case *Exists:
		return &Exists{Select: ReplaceSelect(n.Select, replace)}
	case *Join:
		return &Join{
			Left:  ReplaceFrom(n.Left, replace),
			Right: ReplaceFrom(n.Right, replace),
			On:    Replace(n.On, replace),
			Outer: n.Outer,
		}
	case *Select:
		s := n.Copy()
		s.Columns = replaceExprs(n.Columns, replace)
		for i, f := range n.From {
			s.From[i] = ReplaceFrom(f, replace)
		}
		s.Where = Replace(n.Where, replace)
		s.GroupBy = replaceExprs(n.GroupBy, replace)
		s.Having = Replace(n.Having, replace)
		s.OrderBy = replaceExprs(n.OrderBy, replace)
		return s
	}
	return n
}
