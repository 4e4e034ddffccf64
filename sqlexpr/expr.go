// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sqlexpr

import (
	"fmt"
)

// Node is any element of a statement tree.
type Node interface {
	node()
}

// Expr is a column level expression.
type Expr interface {
	Node
	expr()
}

// Operator is a binary or boolean operator.
type Operator int

const (
	OpEq Operator = iota
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
	OpIs
	OpIsNot
	OpLike
	OpNotLike
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpMod
	OpConcat
	OpAnd
	OpOr
)

var operatorSQL = map[Operator]string{
	OpEq:      "=",
	OpNe:      "!=",
	OpLt:      "<",
	OpLe:      "<=",
	OpGt:      ">",
	OpGe:      ">=",
	OpIs:      "IS",
	OpIsNot:   "IS NOT",
	OpLike:    "LIKE",
	OpNotLike: "NOT LIKE",
	OpAdd:     "+",
	OpSub:     "-",
	OpMul:     "*",
	OpDiv:     "/",
	OpMod:     "%",
	OpConcat:  "||",
	OpAnd:     "AND",
	OpOr:      "OR",
}

func (op Operator) String() string {
	if s, ok := operatorSQL[op]; ok {
		return s
	}
	return fmt.Sprintf("Operator(%d)", int(op))
}

// UnaryOperator is an operator applied to a single expression.
type UnaryOperator int

const (
	UnaryNot UnaryOperator = iota
	UnaryAsc
	UnaryDesc
	UnaryNeg
)

// BindParam is a query parameter. Anonymous parameters carry their value;
// keyed parameters without a value are resolved from the params passed to
// [Compile].
type BindParam struct {
	Key      string
	Value    any
	HasValue bool
}

// Literal is a constant value. It is passed to the database as an argument.
type Literal struct {
	Value any
}

// Null is the SQL NULL keyword.
type Null struct{}

// Binary is a binary operation such as a comparison or an arithmetic
// operation.
type Binary struct {
	Left  Expr
	Op    Operator
	Right Expr
}

// BoolClause joins clauses with AND or OR.
type BoolClause struct {
	Op      Operator
	Clauses []Expr
}

// Unary applies a prefix or postfix operator to an expression.
type Unary struct {
	Op   UnaryOperator
	Elem Expr
}

// Func is an SQL function call.
type Func struct {
	Name string
	Args []Expr
}

// InList is "elem IN (values...)".
type InList struct {
	Elem   Expr
	Values []Expr
	Negate bool
}

// Between is "elem BETWEEN lower AND upper".
type Between struct {
	Elem  Expr
	Lower Expr
	Upper Expr
}

// Label names an expression in a columns clause.
type Label struct {
	Name string
	Elem Expr
}

// Exists is a correlated EXISTS subquery.
type Exists struct {
	Select *Select
}

// Raw is a fragment of SQL text used verbatim.
type Raw struct {
	SQL string
}

func (*BindParam) node()  {}
func (*Literal) node()    {}
func (*Null) node()       {}
func (*Binary) node()     {}
func (*BoolClause) node() {}
func (*Unary) node()      {}
func (*Func) node()       {}
func (*InList) node()     {}
func (*Between) node()    {}
func (*Label) node()      {}
func (*Exists) node()     {}
func (*Raw) node()        {}

func (*BindParam) expr()  {}
func (*Literal) expr()    {}
func (*Null) expr()       {}
func (*Binary) expr()     {}
func (*BoolClause) expr() {}
func (*Unary) expr()      {}
func (*Func) expr()       {}
func (*InList) expr()     {}
func (*Between) expr()    {}
func (*Label) expr()      {}
func (*Exists) expr()     {}
func (*Raw) expr()        {}

// Value turns a Go value into an expression. Expressions are returned as they
// are, nil becomes NULL and anything else an anonymous bind parameter.
func Value(v any) Expr {
	switch v := v.(type) {
	case nil:
		return &Null{}
	case Expr:
		return v
	default:
		return &Bind{Value: v, HasValue: true}
	}
}

// Bind is a short name for a bind parameter.
type Bind = BindParam

// Param returns a keyed bind parameter whose value is supplied at execution.
func Param(key string) *BindParam {
	return &BindParam{Key: key}
}

func isNull(e Expr) bool {
	_, ok := e.(*Null)
	return ok
}

func binary(left any, op Operator, right any) *Binary {
	return &Binary{Left: Value(left), Op: op, Right: Value(right)}
}

// Eq is "left = right". Comparing with nil yields "left IS NULL".
func Eq(left Expr, right any) Expr {
	r := Value(right)
	if isNull(r) {
		return &Binary{Left: left, Op: OpIs, Right: r}
	}
	return &Binary{Left: left, Op: OpEq, Right: r}
}

// Ne is "left != right". Comparing with nil yields "left IS NOT NULL".
func Ne(left Expr, right any) Expr {
	r := Value(right)
	if isNull(r) {
		return &Binary{Left: left, Op: OpIsNot, Right: r}
	}
	return &Binary{Left: left, Op: OpNe, Right: r}
}

func Lt(left Expr, right any) Expr { return binary(left, OpLt, right) }
func Le(left Expr, right any) Expr { return binary(left, OpLe, right) }
func Gt(left Expr, right any) Expr { return binary(left, OpGt, right) }
func Ge(left Expr, right any) Expr { return binary(left, OpGe, right) }

func Is(left Expr, right any) Expr    { return binary(left, OpIs, right) }
func IsNot(left Expr, right any) Expr { return binary(left, OpIsNot, right) }

func Like(left Expr, pattern any) Expr    { return binary(left, OpLike, pattern) }
func NotLike(left Expr, pattern any) Expr { return binary(left, OpNotLike, pattern) }

func Add(left Expr, right any) Expr    { return binary(left, OpAdd, right) }
func Sub(left Expr, right any) Expr    { return binary(left, OpSub, right) }
func Mul(left Expr, right any) Expr    { return binary(left, OpMul, right) }
func Div(left Expr, right any) Expr    { return binary(left, OpDiv, right) }
func Mod(left Expr, right any) Expr    { return binary(left, OpMod, right) }
func Concat(left Expr, right any) Expr { return binary(left, OpConcat, right) }

// And joins clauses with AND. Nil clauses are ignored and nested AND clauses
// are flattened. A single clause is returned as is; no clauses yields nil.
func And(clauses ...Expr) Expr {
	return boolClause(OpAnd, clauses)
}

// Or joins clauses with OR following the same rules as [And].
func Or(clauses ...Expr) Expr {
	return boolClause(OpOr, clauses)
}

func boolClause(op Operator, clauses []Expr) Expr {
	var flat []Expr
	for _, c := range clauses {
		if c == nil {
			continue
		}
		if bc, ok := c.(*BoolClause); ok && bc.Op == op {
			flat = append(flat, bc.Clauses...)
			continue
		}
		flat = append(flat, c)
	}
	switch len(flat) {
	case 0:
		return nil
	case 1:
		return flat[0]
	}
	return &BoolClause{Op: op, Clauses: flat}
}

// Not negates a clause.
func Not(e Expr) Expr {
	return &Unary{Op: UnaryNot, Elem: e}
}

// Asc marks an ORDER BY expression as ascending.
func Asc(e Expr) Expr {
	return &Unary{Op: UnaryAsc, Elem: e}
}

// Desc marks an ORDER BY expression as descending.
func Desc(e Expr) Expr {
	return &Unary{Op: UnaryDesc, Elem: e}
}

// In is "e IN (values...)".
func In(e Expr, values ...any) Expr {
	in := &InList{Elem: e}
	for _, v := range values {
		in.Values = append(in.Values, Value(v))
	}
	return in
}

// NotIn is "e NOT IN (values...)".
func NotIn(e Expr, values ...any) Expr {
	in := In(e, values...).(*InList)
	in.Negate = true
	return in
}

// InRange is "e BETWEEN lower AND upper".
func InRange(e Expr, lower, upper any) Expr {
	return &Between{Elem: e, Lower: Value(lower), Upper: Value(upper)}
}

// Fn is a call to the SQL function name.
func Fn(name string, args ...Expr) *Func {
	return &Func{Name: name, Args: args}
}

// Count is count(e). A nil expression counts rows.
func Count(e Expr) *Func {
	if e == nil {
		e = &Raw{SQL: "*"}
	}
	return Fn("count", e)
}

func Min(e Expr) *Func { return Fn("min", e) }
func Max(e Expr) *Func { return Fn("max", e) }
func Sum(e Expr) *Func { return Fn("sum", e) }
func Avg(e Expr) *Func { return Fn("avg", e) }

// As labels an expression.
func As(e Expr, name string) *Label {
	return &Label{Name: name, Elem: e}
}

// Lit returns a literal expression.
func Lit(v any) *Literal {
	return &Literal{Value: v}
}

// Text returns a raw SQL fragment.
func Text(sql string) *Raw {
	return &Raw{SQL: sql}
}

// ExistsIn wraps a select in EXISTS.
func ExistsIn(sel *Select) *Exists {
	return &Exists{Select: sel}
}
