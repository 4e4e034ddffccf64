// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package evaluator evaluates filter criteria against objects in memory so
// that bulk updates and deletes can be applied to loaded instances without
// querying the database.
//
// Only a fixed set of constructs is supported: columns of the target entity,
// bind parameters, literals, NULL, the arithmetic operators + - * / %, the
// comparisons = != < <= > >=, IS, IS NOT, AND, OR and NOT. AND, OR and NOT
// follow SQL three valued logic with nil standing for NULL. Anything else
// yields an *UnevaluatableError.
package evaluator

import (
	"bytes"
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"

	"github.com/canonical/sqlorm/sqlexpr"
)

// UnevaluatableError is returned when an expression cannot be evaluated in
// memory.
type UnevaluatableError struct {
	Reason string
}

func (e *UnevaluatableError) Error() string {
	return "cannot evaluate expression in memory: " + e.Reason
}

func unevaluatable(format string, args ...any) error {
	return &UnevaluatableError{Reason: fmt.Sprintf(format, args...)}
}

// Getter returns the value of an attribute of the object being evaluated.
type Getter func(key string) (any, error)

// Evaluator evaluates a compiled expression against one object.
type Evaluator func(get Getter) (any, error)

// Compiler turns expressions into evaluators.
type Compiler struct {
	// Attribute returns the attribute key mapped to a column of the target
	// entity, or false when the column does not belong to it.
	Attribute func(col *sqlexpr.Column) (string, bool)
	// Params supplies keyed bind parameters.
	Params map[string]any
}

// Compile returns an evaluator for e.
func (c *Compiler) Compile(e sqlexpr.Expr) (Evaluator, error) {
	switch e := e.(type) {
	case nil:
		return func(Getter) (any, error) { return true, nil }, nil
	case *sqlexpr.Column:
		key, ok := c.Attribute(e)
		if !ok {
			return nil, unevaluatable("column %s does not belong to the target entity", e)
		}
		return func(get Getter) (any, error) { return get(key) }, nil
	case *sqlexpr.BindParam:
		v := e.Value
		if !e.HasValue {
			var ok bool
			if v, ok = c.Params[e.Key]; !ok {
				return nil, unevaluatable("no value for bind parameter %q", e.Key)
			}
		}
		return constant(v), nil
	case *sqlexpr.Literal:
		return constant(e.Value), nil
	case *sqlexpr.Null:
		return constant(nil), nil
	case *sqlexpr.BoolClause:
		return c.boolClause(e)
	case *sqlexpr.Unary:
		return c.unary(e)
	case *sqlexpr.Binary:
		return c.binary(e)
	}
	return nil, unevaluatable("%T is not supported", e)
}

func constant(v any) Evaluator {
	return func(Getter) (any, error) { return v, nil }
}

func (c *Compiler) compileAll(es []sqlexpr.Expr) ([]Evaluator, error) {
	evals := make([]Evaluator, len(es))
	for i, e := range es {
		ev, err := c.Compile(e)
		if err != nil {
			return nil, err
		}
		evals[i] = ev
	}
	return evals, nil
}

func (c *Compiler) boolClause(e *sqlexpr.BoolClause) (Evaluator, error) {
	evals, err := c.compileAll(e.Clauses)
	if err != nil {
		return nil, err
	}
	switch e.Op {
	case sqlexpr.OpAnd:
		return func(get Getter) (any, error) {
			hasNull := false
			for _, ev := range evals {
				v, err := ev(get)
				if err != nil {
					return nil, err
				}
				if v == nil {
					hasNull = true
				} else if !Truthy(v) {
					return false, nil
				}
			}
			if hasNull {
				return nil, nil
			}
			return true, nil
		}, nil
	case sqlexpr.OpOr:
		return func(get Getter) (any, error) {
			hasNull := false
			for _, ev := range evals {
				v, err := ev(get)
				if err != nil {
					return nil, err
				}
				if v == nil {
					hasNull = true
				} else if Truthy(v) {
					return true, nil
				}
			}
			if hasNull {
				return nil, nil
			}
			return false, nil
		}, nil
	}
	return nil, unevaluatable("boolean operator %s is not supported", e.Op)
}

func (c *Compiler) unary(e *sqlexpr.Unary) (Evaluator, error) {
	elem, err := c.Compile(e.Elem)
	if err != nil {
		return nil, err
	}
	switch e.Op {
	case sqlexpr.UnaryNot:
		return func(get Getter) (any, error) {
			v, err := elem(get)
			if err != nil || v == nil {
				return nil, err
			}
			return !Truthy(v), nil
		}, nil
	case sqlexpr.UnaryNeg:
		return func(get Getter) (any, error) {
			v, err := elem(get)
			if err != nil || v == nil {
				return nil, err
			}
			return arithmetic(sqlexpr.OpSub, int64(0), v)
		}, nil
	}
	return nil, unevaluatable("unary operator %d is not supported", e.Op)
}

func (c *Compiler) binary(e *sqlexpr.Binary) (Evaluator, error) {
	switch e.Op {
	case sqlexpr.OpEq, sqlexpr.OpNe, sqlexpr.OpLt, sqlexpr.OpLe, sqlexpr.OpGt, sqlexpr.OpGe,
		sqlexpr.OpIs, sqlexpr.OpIsNot,
		sqlexpr.OpAdd, sqlexpr.OpSub, sqlexpr.OpMul, sqlexpr.OpDiv, sqlexpr.OpMod:
	default:
		return nil, unevaluatable("operator %s is not supported", e.Op)
	}
	left, err := c.Compile(e.Left)
	if err != nil {
		return nil, err
	}
	right, err := c.Compile(e.Right)
	if err != nil {
		return nil, err
	}
	op := e.Op
	return func(get Getter) (any, error) {
		l, err := left(get)
		if err != nil {
			return nil, err
		}
		r, err := right(get)
		if err != nil {
			return nil, err
		}
		switch op {
		case sqlexpr.OpIs:
			return Equal(l, r), nil
		case sqlexpr.OpIsNot:
			return !Equal(l, r), nil
		}
		if l == nil || r == nil {
			return nil, nil
		}
		switch op {
		case sqlexpr.OpEq:
			return Equal(l, r), nil
		case sqlexpr.OpNe:
			return !Equal(l, r), nil
		case sqlexpr.OpLt, sqlexpr.OpLe, sqlexpr.OpGt, sqlexpr.OpGe:
			cmp, err := Compare(l, r)
			if err != nil {
				return nil, err
			}
			switch op {
			case sqlexpr.OpLt:
				return cmp < 0, nil
			case sqlexpr.OpLe:
				return cmp <= 0, nil
			case sqlexpr.OpGt:
				return cmp > 0, nil
			default:
				return cmp >= 0, nil
			}
		}
		return arithmetic(op, l, r)
	}, nil
}

// Truthy reports whether v counts as true. NULL, represented by nil, does
// not.
func Truthy(v any) bool {
	switch v := v.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return v != ""
	}
	if f, ok := toFloat(v); ok {
		return f != 0
	}
	return true
}

type number struct {
	i       int64
	f       float64
	isFloat bool
}

func toNumber(v any) (number, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return number{i: rv.Int()}, true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return number{i: int64(rv.Uint())}, true
	case reflect.Float32, reflect.Float64:
		return number{f: rv.Float(), isFloat: true}, true
	case reflect.Bool:
		if rv.Bool() {
			return number{i: 1}, true
		}
		return number{}, true
	}
	return number{}, false
}

func toFloat(v any) (float64, bool) {
	n, ok := toNumber(v)
	if !ok {
		return 0, false
	}
	if n.isFloat {
		return n.f, true
	}
	return float64(n.i), true
}

func arithmetic(op sqlexpr.Operator, l, r any) (any, error) {
	a, okA := toNumber(l)
	b, okB := toNumber(r)
	if !okA || !okB {
		return nil, fmt.Errorf("cannot apply %s to %T and %T", op, l, r)
	}
	if !a.isFloat && !b.isFloat {
		switch op {
		case sqlexpr.OpAdd:
			return a.i + b.i, nil
		case sqlexpr.OpSub:
			return a.i - b.i, nil
		case sqlexpr.OpMul:
			return a.i * b.i, nil
		case sqlexpr.OpDiv:
			if b.i == 0 {
				return nil, nil
			}
			return a.i / b.i, nil
		case sqlexpr.OpMod:
			if b.i == 0 {
				return nil, nil
			}
			return a.i % b.i, nil
		}
	}
	x, _ := toFloat(l)
	y, _ := toFloat(r)
	switch op {
	case sqlexpr.OpAdd:
		return x + y, nil
	case sqlexpr.OpSub:
		return x - y, nil
	case sqlexpr.OpMul:
		return x * y, nil
	case sqlexpr.OpDiv:
		if y == 0 {
			return nil, nil
		}
		return x / y, nil
	case sqlexpr.OpMod:
		if y == 0 {
			return nil, nil
		}
		return math.Mod(x, y), nil
	}
	return nil, fmt.Errorf("cannot apply %s", op)
}

// Equal compares two values, treating numbers of different types as equal
// when they have the same value. Nil equals only nil.
func Equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if x, ok := toFloat(a); ok {
		if y, ok := toFloat(b); ok {
			return x == y
		}
	}
	if cmp, err := Compare(a, b); err == nil {
		return cmp == 0
	}
	return reflect.DeepEqual(a, b)
}

// Compare orders two non-nil values of compatible types.
func Compare(a, b any) (int, error) {
	if x, ok := toFloat(a); ok {
		if y, ok := toFloat(b); ok {
			switch {
			case x < y:
				return -1, nil
			case x > y:
				return 1, nil
			}
			return 0, nil
		}
	}
	switch x := a.(type) {
	case string:
		if y, ok := b.(string); ok {
			return strings.Compare(x, y), nil
		}
	case []byte:
		if y, ok := b.([]byte); ok {
			return bytes.Compare(x, y), nil
		}
	case time.Time:
		if y, ok := b.(time.Time); ok {
			return x.Compare(y), nil
		}
	}
	return 0, fmt.Errorf("cannot compare %T with %T", a, b)
}
