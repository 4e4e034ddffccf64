// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package attributes

import (
	"reflect"
)

// History tracks the changes made to one attribute of one instance since it
// was last committed.
//
// Trackers are not safe for concurrent use; an instance has a single owner.
type History interface {
	// Value returns the current value.
	Value() any
	// IsModified reports whether the attribute changed since the last
	// commit.
	IsModified() bool
	// Commit accepts the current value as the new baseline.
	Commit()
	// Rollback restores the baseline.
	Rollback() error
	// AddedItems returns the items added since the last commit.
	AddedItems() []any
	// DeletedItems returns the items removed since the last commit.
	DeletedItems() []any
	// UnchangedItems returns the items present at the last commit that are
	// still present.
	UnchangedItems() []any
}

// ScalarHistory tracks a single valued attribute.
type ScalarHistory struct {
	dict Dict
	key  string
	// original holds the value before the first write since the last
	// commit. It is only meaningful when modified is true.
	original    any
	hadOriginal bool
	modified    bool
	deleted     bool
	compare     func(a, b any) bool
}

// NewScalarHistory returns a clean tracker over the key of dict.
func NewScalarHistory(dict Dict, key string, compare func(a, b any) bool) *ScalarHistory {
	return &ScalarHistory{dict: dict, key: key, compare: compare}
}

func (h *ScalarHistory) Value() any {
	v, _ := h.dict.Get(h.key)
	return v
}

// Set stores v, remembering the previous value if this is the first write
// since the last commit.
func (h *ScalarHistory) Set(v any) error {
	if isCollectionValue(v) {
		return &TypeMismatchError{Key: h.key, Expected: "scalar value", Value: v}
	}
	prev, ok := h.dict.Get(h.key)
	if err := h.dict.Set(h.key, v); err != nil {
		return err
	}
	if !h.modified {
		h.original, h.hadOriginal = prev, ok
		h.modified = true
	}
	h.deleted = false
	return nil
}

// Delete sets the value to nil and marks the attribute deleted.
func (h *ScalarHistory) Delete() error {
	if err := h.Set(nil); err != nil {
		return err
	}
	h.deleted = true
	return nil
}

// IsDeleted reports whether the last change was a delete.
func (h *ScalarHistory) IsDeleted() bool {
	return h.deleted
}

func (h *ScalarHistory) IsModified() bool {
	return h.modified
}

// Changed reports whether the current value differs from the original.
func (h *ScalarHistory) Changed() bool {
	if !h.modified {
		return false
	}
	if !h.hadOriginal {
		return true
	}
	compare := h.compare
	if compare == nil {
		compare = reflect.DeepEqual
	}
	return !compare(h.original, h.Value())
}

// Original returns the committed value and whether it was present.
func (h *ScalarHistory) Original() (any, bool) {
	if h.modified {
		return h.original, h.hadOriginal
	}
	return h.dict.Get(h.key)
}

func (h *ScalarHistory) Commit() {
	h.original, h.hadOriginal = nil, false
	h.modified = false
	h.deleted = false
}

func (h *ScalarHistory) Rollback() error {
	if h.modified {
		if h.hadOriginal {
			if err := h.dict.Set(h.key, h.original); err != nil {
				return err
			}
		} else {
			h.dict.Delete(h.key)
		}
	}
	h.Commit()
	return nil
}

// wasAbsent reports whether a rollback would leave the key absent.
func (h *ScalarHistory) wasAbsent() bool {
	return h.modified && !h.hadOriginal
}

func (h *ScalarHistory) AddedItems() []any {
	if h.modified {
		return []any{h.Value()}
	}
	return nil
}

func (h *ScalarHistory) DeletedItems() []any {
	if h.modified && h.original != nil {
		return []any{h.original}
	}
	return nil
}

func (h *ScalarHistory) UnchangedItems() []any {
	if !h.modified {
		return []any{h.Value()}
	}
	return nil
}
