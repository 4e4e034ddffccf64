// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package typeinfo

import (
	"database/sql"
	"fmt"
	"reflect"
)

var scannerType = reflect.TypeOf((*sql.Scanner)(nil)).Elem()

// Assign stores v into the settable value dst, converting between the types
// returned by database drivers and the field type where that is lossless.
// A nil v sets dst to its zero value.
func Assign(dst reflect.Value, v any) error {
	if v == nil {
		if reflect.PointerTo(dst.Type()).Implements(scannerType) && dst.CanAddr() {
			return dst.Addr().Interface().(sql.Scanner).Scan(nil)
		}
		dst.Set(reflect.Zero(dst.Type()))
		return nil
	}
	src := reflect.ValueOf(v)
	dt := dst.Type()

	if src.Type().AssignableTo(dt) {
		dst.Set(src)
		return nil
	}
	if dst.CanAddr() && reflect.PointerTo(dt).Implements(scannerType) {
		return dst.Addr().Interface().(sql.Scanner).Scan(v)
	}

	switch dt.Kind() {
	case reflect.Pointer:
		if src.Kind() == reflect.Pointer {
			break
		}
		elem := reflect.New(dt.Elem())
		if err := Assign(elem.Elem(), v); err != nil {
			return err
		}
		dst.Set(elem)
		return nil
	case reflect.Interface:
		if src.Type().Implements(dt) {
			dst.Set(src)
			return nil
		}
	case reflect.Bool:
		if isInt(src.Kind()) {
			dst.SetBool(src.Int() != 0)
			return nil
		}
	case reflect.String:
		if src.Kind() == reflect.Slice && src.Type().Elem().Kind() == reflect.Uint8 {
			dst.SetString(string(src.Bytes()))
			return nil
		}
		if src.Kind() == reflect.String {
			dst.SetString(src.String())
			return nil
		}
	case reflect.Slice:
		if dt.Elem().Kind() == reflect.Uint8 && src.Kind() == reflect.String {
			dst.SetBytes([]byte(src.String()))
			return nil
		}
		if src.Kind() == reflect.Slice || src.Kind() == reflect.Array {
			out := reflect.MakeSlice(dt, src.Len(), src.Len())
			for i := 0; i < src.Len(); i++ {
				if err := Assign(out.Index(i), src.Index(i).Interface()); err != nil {
					return err
				}
			}
			dst.Set(out)
			return nil
		}
	default:
		if isNumeric(dt.Kind()) && isNumeric(src.Kind()) {
			dst.Set(src.Convert(dt))
			return nil
		}
	}
	if src.Kind() == reflect.Pointer && !src.IsNil() {
		return Assign(dst, src.Elem().Interface())
	}
	return fmt.Errorf("cannot assign %T to %s", v, dt)
}

func isInt(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return true
	}
	return false
}

func isNumeric(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}
