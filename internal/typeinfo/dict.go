// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package typeinfo

import (
	"fmt"
	"reflect"
)

// StructDict stores attribute values in the "db" tagged fields of a struct.
// It records which tags hold a value so that a field left at its zero value
// is distinguished from one that was never set. Keys that do not match a
// field are kept aside.
type StructDict struct {
	value   reflect.Value
	info    *Info
	present map[string]bool
	extra   map[string]any
}

// NewStructDict returns a dict over the struct pointed to by ptr.
func NewStructDict(ptr any) (*StructDict, error) {
	v := reflect.ValueOf(ptr)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return nil, fmt.Errorf("need pointer to struct, got %T", ptr)
	}
	info, err := GetTypeInfo(ptr)
	if err != nil {
		return nil, err
	}
	return &StructDict{
		value:   v.Elem(),
		info:    info,
		present: map[string]bool{},
		extra:   map[string]any{},
	}, nil
}

// Get returns the value of key. Nil pointers, maps and slices are returned as
// nil and pointers to non-struct values are dereferenced.
func (d *StructDict) Get(key string) (any, bool) {
	field, ok := d.info.TagToField[key]
	if !ok {
		v, ok := d.extra[key]
		return v, ok
	}
	if !d.present[key] {
		return nil, false
	}
	return fieldValue(d.value.Field(field.Index)), true
}

func fieldValue(fv reflect.Value) any {
	switch fv.Kind() {
	case reflect.Pointer:
		if fv.IsNil() {
			return nil
		}
		if fv.Elem().Kind() != reflect.Struct {
			return fv.Elem().Interface()
		}
	case reflect.Map, reflect.Interface:
		if fv.IsNil() {
			return nil
		}
	}
	return fv.Interface()
}

// Set stores value under key, converting it to the field type.
func (d *StructDict) Set(key string, value any) error {
	field, ok := d.info.TagToField[key]
	if !ok {
		d.extra[key] = value
		return nil
	}
	if err := Assign(d.value.Field(field.Index), value); err != nil {
		return fmt.Errorf("cannot set %s.%s: %w", d.info.Type.Name(), field.Name, err)
	}
	d.present[key] = true
	return nil
}

// Delete zeroes the field of key and marks it absent.
func (d *StructDict) Delete(key string) {
	field, ok := d.info.TagToField[key]
	if !ok {
		delete(d.extra, key)
		return
	}
	fv := d.value.Field(field.Index)
	fv.Set(reflect.Zero(fv.Type()))
	delete(d.present, key)
}

// MarkPresent records the current field values of keys as set. It is used
// for instances constructed by the application.
func (d *StructDict) MarkPresent(keys ...string) {
	for _, k := range keys {
		if _, ok := d.info.TagToField[k]; ok {
			d.present[k] = true
		}
	}
}

// IsZero reports whether the field of key holds its zero value.
func (d *StructDict) IsZero(key string) bool {
	field, ok := d.info.TagToField[key]
	if !ok {
		return d.extra[key] == nil
	}
	return d.value.Field(field.Index).IsZero()
}

// Info returns the reflected type information of the struct.
func (d *StructDict) Info() *Info {
	return d.info
}
