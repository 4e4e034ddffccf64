// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package attributes

import (
	"reflect"
)

// Dict stores the attribute values of one instance. A key that was never
// stored is absent, which is distinct from a key holding nil.
type Dict interface {
	Get(key string) (any, bool)
	Set(key string, value any) error
	Delete(key string)
}

// MapDict is a Dict backed by a map.
type MapDict map[string]any

func (d MapDict) Get(key string) (any, bool) {
	v, ok := d[key]
	return v, ok
}

func (d MapDict) Set(key string, value any) error {
	d[key] = value
	return nil
}

func (d MapDict) Delete(key string) {
	delete(d, key)
}

// isCollectionValue reports whether v is a list of items rather than a
// single value.
func isCollectionValue(v any) bool {
	if v == nil {
		return false
	}
	t := reflect.TypeOf(v)
	switch t.Kind() {
	case reflect.Slice:
		return t.Elem().Kind() != reflect.Uint8
	case reflect.Array:
		return true
	}
	return false
}

// ToItems converts a slice of any element type to a slice of items.
func ToItems(v any) ([]any, error) {
	if v == nil {
		return nil, nil
	}
	if items, ok := v.([]any); ok {
		return append([]any(nil), items...), nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, &TypeMismatchError{Expected: "collection", Value: v}
	}
	if rv.Kind() == reflect.Slice && rv.IsNil() {
		return nil, nil
	}
	items := make([]any, rv.Len())
	for i := range items {
		items[i] = rv.Index(i).Interface()
	}
	return items, nil
}
