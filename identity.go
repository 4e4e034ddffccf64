// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sqlorm

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// identityKey identifies a persistent instance within a session.
type identityKey struct {
	mapper *Mapper
	ident  string
}

func (k identityKey) String() string {
	return k.mapper.Name() + "(" + k.ident + ")"
}

// identString normalises primary key values so that the same row yields the
// same key whatever integer type the values arrive as.
func identString(values []any) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = identPart(v)
	}
	return strings.Join(parts, ",")
}

func identPart(v any) string {
	if v == nil {
		return "NULL"
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer:
		if rv.IsNil() {
			return "NULL"
		}
		return identPart(rv.Elem().Interface())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(rv.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(rv.Uint(), 10)
	case reflect.String:
		return strconv.Quote(rv.String())
	case reflect.Slice:
		if b, ok := v.([]byte); ok {
			return strconv.Quote(string(b))
		}
	}
	return fmt.Sprintf("%v", v)
}

func hasNil(values []any) bool {
	for _, v := range values {
		if v == nil {
			return true
		}
	}
	return false
}

// tupleKey identifies a result tuple by the identity of its members.
func tupleKey(row []any) string {
	var b strings.Builder
	for i, v := range row {
		if i > 0 {
			b.WriteByte('|')
		}
		rv := reflect.ValueOf(v)
		if v != nil && rv.Kind() == reflect.Pointer {
			fmt.Fprintf(&b, "%p", v)
			continue
		}
		b.WriteString(identPart(v))
	}
	return b.String()
}
