// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sqlexpr

import (
	"bytes"
	"fmt"
	"strconv"
)

// Compile renders stmt as SQL text with question mark placeholders. Keyed
// bind parameters without a value are looked up in params.
func Compile(stmt Statement, params map[string]any) (string, []any, error) {
	c := &compiler{params: params}
	c.statement(stmt)
	if c.err != nil {
		return "", nil, c.err
	}
	return c.buf.String(), c.args, nil
}

// MustCompile is like [Compile] but panics on error. It returns only the SQL.
func MustCompile(stmt Statement) string {
	sql, _, err := Compile(stmt, nil)
	if err != nil {
		panic(err)
	}
	return sql
}

// compiler accumulates the generated SQL and its arguments.
type compiler struct {
	buf    bytes.Buffer
	args   []any
	params map[string]any
	err    error
	// enclosing holds the from-clauses of the selects currently being
	// compiled, innermost last. Nested selects correlate against them.
	enclosing [][]FromClause
}

func (c *compiler) write(s string) {
	c.buf.WriteString(s)
}

func (c *compiler) fail(format string, args ...any) {
	if c.err == nil {
		c.err = fmt.Errorf("cannot compile statement: "+format, args...)
	}
}

func (c *compiler) statement(stmt Statement) {
	switch s := stmt.(type) {
	case *Select:
		c.selectStmt(s)
	case *Update:
		c.write("UPDATE " + s.Table.Name() + " SET ")
		for i, a := range s.Values {
			if i > 0 {
				c.write(", ")
			}
			c.write(a.Column.Name + "=")
			c.expr(a.Value)
		}
		c.where(s.Where)
	case *Delete:
		c.write("DELETE FROM " + s.Table.Name())
		c.where(s.Where)
	case *Insert:
		c.write("INSERT INTO " + s.Table.Name() + " (")
		for i, a := range s.Values {
			if i > 0 {
				c.write(", ")
			}
			c.write(a.Column.Name)
		}
		c.write(") VALUES (")
		for i, a := range s.Values {
			if i > 0 {
				c.write(", ")
			}
			c.expr(a.Value)
		}
		c.write(")")
	case *TextStatement:
		c.write(s.SQL)
		for _, arg := range s.Args {
			if bp, ok := arg.(*BindParam); ok {
				arg = c.bindValue(bp)
			}
			c.args = append(c.args, arg)
		}
	default:
		c.fail("unsupported statement %T", stmt)
	}
}

func (c *compiler) where(e Expr) {
	if e != nil {
		c.write(" WHERE ")
		c.clause(e)
	}
}

// froms returns the explicit from-clauses of s followed by the tables its
// columns refer to that are neither covered by an explicit from-clause nor
// correlated to an enclosing select.
func (c *compiler) froms(s *Select) []FromClause {
	froms := append([]FromClause(nil), s.From...)
	covered := func(t FromClause) bool {
		for _, f := range froms {
			if Contains(f, t) {
				return true
			}
		}
		return false
	}
	correlated := func(t FromClause) bool {
		if len(c.enclosing) == 0 {
			return false
		}
		if len(s.Correlate) > 0 {
			for _, f := range s.Correlate {
				if Contains(f, t) {
					return true
				}
			}
			return false
		}
		for _, level := range c.enclosing {
			for _, f := range level {
				if Contains(f, t) {
					return true
				}
			}
		}
		return false
	}
	var nodes []Node
	for _, col := range s.Columns {
		nodes = append(nodes, col)
	}
	if s.Where != nil {
		nodes = append(nodes, s.Where)
	}
	for _, n := range nodes {
		for _, col := range ShallowColumnsIn(n) {
			t := col.Table()
			if t == nil || covered(t) || correlated(t) {
				continue
			}
			froms = append(froms, t)
		}
	}
	return froms
}

func (c *compiler) selectStmt(s *Select) {
	froms := c.froms(s)
	c.enclosing = append(c.enclosing, froms)
	defer func() {
		c.enclosing = c.enclosing[:len(c.enclosing)-1]
	}()

	c.write("SELECT ")
	if s.Distinct {
		c.write("DISTINCT ")
	}
	for i, col := range s.Columns {
		if i > 0 {
			c.write(", ")
		}
		c.column(col, s.UseLabels)
	}
	if len(froms) > 0 {
		c.write(" FROM ")
		for i, f := range froms {
			if i > 0 {
				c.write(", ")
			}
			c.from(f)
		}
	}
	c.where(s.Where)
	if len(s.GroupBy) > 0 {
		c.write(" GROUP BY ")
		c.list(s.GroupBy)
	}
	if s.Having != nil {
		c.write(" HAVING ")
		c.clause(s.Having)
	}
	if len(s.OrderBy) > 0 {
		c.write(" ORDER BY ")
		c.list(s.OrderBy)
	}
	if s.Limit != nil {
		c.write(" LIMIT " + strconv.Itoa(*s.Limit))
	}
	if s.Offset != nil {
		if s.Limit == nil {
			c.write(" LIMIT -1")
		}
		c.write(" OFFSET " + strconv.Itoa(*s.Offset))
	}
	switch s.Lock {
	case LockNone:
	case LockRead:
		c.write(" FOR SHARE")
	case LockUpdate:
		c.write(" FOR UPDATE")
	case LockUpdateNowait:
		c.write(" FOR UPDATE NOWAIT")
	default:
		c.fail("unknown lock mode %q", s.Lock)
	}
}

func (c *compiler) column(e Expr, labels bool) {
	switch e := e.(type) {
	case *Column:
		c.expr(e)
		if labels && e.table != nil && e.table.Name() != "" {
			c.write(" AS " + e.Label())
		}
	case *Label:
		c.expr(e.Elem)
		c.write(" AS " + e.Name)
	default:
		c.expr(e)
	}
}

func (c *compiler) from(f FromClause) {
	switch f := f.(type) {
	case *Table:
		c.write(f.name)
	case *Alias:
		switch orig := f.original.(type) {
		case *Table:
			c.write(orig.name + " AS " + f.name)
		case *Select:
			// A subquery in the FROM clause is never correlated.
			saved := c.enclosing
			c.enclosing = nil
			c.write("(")
			c.selectStmt(orig)
			c.write(") AS " + f.name)
			c.enclosing = saved
		default:
			c.fail("cannot alias %T", orig)
		}
	case *Join:
		c.from(f.Left)
		if f.Outer {
			c.write(" LEFT OUTER JOIN ")
		} else {
			c.write(" JOIN ")
		}
		c.from(f.Right)
		c.write(" ON ")
		c.clause(f.On)
	default:
		c.fail("unsupported from-clause %T", f)
	}
}

func (c *compiler) list(es []Expr) {
	for i, e := range es {
		if i > 0 {
			c.write(", ")
		}
		c.expr(e)
	}
}

// clause renders a top level boolean clause without surrounding parentheses.
func (c *compiler) clause(e Expr) {
	if bc, ok := e.(*BoolClause); ok {
		c.boolClause(bc)
		return
	}
	c.expr(e)
}

func (c *compiler) boolClause(bc *BoolClause) {
	for i, cl := range bc.Clauses {
		if i > 0 {
			c.write(" " + bc.Op.String() + " ")
		}
		c.expr(cl)
	}
}

// operand renders e, grouping compound expressions in parentheses.
func (c *compiler) operand(e Expr) {
	switch e.(type) {
	case *Binary, *BoolClause:
		c.write("(")
		c.clause(e)
		c.write(")")
	default:
		c.expr(e)
	}
}

func (c *compiler) bindValue(bp *BindParam) any {
	if bp.HasValue {
		return bp.Value
	}
	v, ok := c.params[bp.Key]
	if !ok {
		c.fail("no value for bind parameter %q", bp.Key)
	}
	return v
}

func (c *compiler) expr(e Expr) {
	switch e := e.(type) {
	case nil:
		c.fail("missing expression")
	case *Column:
		c.write(e.String())
	case *BindParam:
		c.write("?")
		c.args = append(c.args, c.bindValue(e))
	case *Literal:
		c.write("?")
		c.args = append(c.args, e.Value)
	case *Null:
		c.write("NULL")
	case *Raw:
		c.write(e.SQL)
	case *Binary:
		c.operand(e.Left)
		c.write(" " + e.Op.String() + " ")
		c.operand(e.Right)
	case *BoolClause:
		c.write("(")
		c.boolClause(e)
		c.write(")")
	case *Unary:
		switch e.Op {
		case UnaryNot:
			c.write("NOT ")
			c.operand(e.Elem)
		case UnaryNeg:
			c.write("-")
			c.operand(e.Elem)
		case UnaryAsc:
			c.expr(e.Elem)
			c.write(" ASC")
		case UnaryDesc:
			c.expr(e.Elem)
			c.write(" DESC")
		}
	case *Func:
		c.write(e.Name + "(")
		c.list(e.Args)
		c.write(")")
	case *InList:
		if len(e.Values) == 0 {
			// An empty IN list is false, an empty NOT IN list is true.
			op := " != "
			if e.Negate {
				op = " = "
			}
			c.write("(")
			c.expr(e.Elem)
			c.write(op)
			c.expr(e.Elem)
			c.write(")")
			return
		}
		c.operand(e.Elem)
		if e.Negate {
			c.write(" NOT")
		}
		c.write(" IN (")
		c.list(e.Values)
		c.write(")")
	case *Between:
		c.operand(e.Elem)
		c.write(" BETWEEN ")
		c.operand(e.Lower)
		c.write(" AND ")
		c.operand(e.Upper)
	case *Label:
		c.expr(e.Elem)
	case *Exists:
		c.write("EXISTS (")
		c.selectStmt(e.Select)
		c.write(")")
	default:
		c.fail("unsupported expression %T", e)
	}
}
