// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package attributes

import (
	"fmt"
)

// AttributeNotFoundError is returned when reading an attribute that has no
// value, no history and no loader.
type AttributeNotFoundError struct {
	Key string
}

func (e *AttributeNotFoundError) Error() string {
	return fmt.Sprintf("cannot get attribute %q: attribute not set", e.Key)
}

// TypeMismatchError is returned when a value of the wrong shape is assigned,
// such as a list to a scalar attribute.
type TypeMismatchError struct {
	Key      string
	Expected string
	Value    any
}

func (e *TypeMismatchError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("cannot assign %T: expected %s", e.Value, e.Expected)
	}
	return fmt.Sprintf("cannot assign %T to attribute %q: expected %s", e.Value, e.Key, e.Expected)
}
