// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package attributes

// CollectionHistory tracks a list valued attribute with set semantics: an
// item appears at most once. Relative to the last commit every item is
// exactly one of added, removed or unchanged.
//
// Items must be comparable; mapped instances are pointers.
//
// Every change stores a new slice under the key. A slice read from the
// dict before a change is a snapshot: it keeps its length and does not see
// items added later, so callers read the attribute again after changing it.
type CollectionHistory struct {
	dict Dict
	key  string

	items   []any
	present map[any]bool

	baseline      []any
	baselineItems map[any]bool

	onChange func(item any, isDelete bool)
}

// NewCollectionHistory returns a clean tracker over the key of dict. Items
// already stored under the key are adopted as the committed baseline.
func NewCollectionHistory(dict Dict, key string, onChange func(item any, isDelete bool)) (*CollectionHistory, error) {
	h := &CollectionHistory{
		dict:     dict,
		key:      key,
		present:  map[any]bool{},
		onChange: onChange,
	}
	if v, ok := dict.Get(key); ok {
		items, err := ToItems(v)
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			if !h.present[item] {
				h.present[item] = true
				h.items = append(h.items, item)
			}
		}
	}
	h.Commit()
	if err := h.store(); err != nil {
		return nil, err
	}
	return h, nil
}

// store writes a copy of the current items back to the dict.
func (h *CollectionHistory) store() error {
	return h.dict.Set(h.key, append([]any{}, h.items...))
}

func (h *CollectionHistory) fire(item any, isDelete bool) {
	if h.onChange != nil {
		h.onChange(item, isDelete)
	}
}

// Value returns the collection as stored in the dict.
func (h *CollectionHistory) Value() any {
	v, _ := h.dict.Get(h.key)
	return v
}

// Items returns the current items in order.
func (h *CollectionHistory) Items() []any {
	return append([]any(nil), h.items...)
}

func (h *CollectionHistory) Len() int {
	return len(h.items)
}

func (h *CollectionHistory) Contains(item any) bool {
	return h.present[item]
}

// Add appends item. Adding an item that is already present does nothing and
// returns false.
func (h *CollectionHistory) Add(item any) (bool, error) {
	if h.present[item] {
		return false, nil
	}
	h.present[item] = true
	h.items = append(h.items, item)
	if err := h.store(); err != nil {
		return false, err
	}
	h.fire(item, false)
	return true, nil
}

// Remove removes item, returning false if it was not present.
func (h *CollectionHistory) Remove(item any) (bool, error) {
	if !h.present[item] {
		return false, nil
	}
	delete(h.present, item)
	for i, existing := range h.items {
		if existing == item {
			h.items = append(h.items[:i:i], h.items[i+1:]...)
			break
		}
	}
	if err := h.store(); err != nil {
		return false, err
	}
	h.fire(item, true)
	return true, nil
}

// Set replaces the membership with items, firing events for the difference.
func (h *CollectionHistory) Set(items []any) error {
	want := map[any]bool{}
	for _, item := range items {
		want[item] = true
	}
	for _, existing := range h.Items() {
		if !want[existing] {
			if _, err := h.Remove(existing); err != nil {
				return err
			}
		}
	}
	for _, item := range items {
		if _, err := h.Add(item); err != nil {
			return err
		}
	}
	return nil
}

// AppendCommitted adds item as part of the committed baseline without
// firing events. It is used while loading.
func (h *CollectionHistory) AppendCommitted(item any) error {
	if h.present[item] {
		return nil
	}
	h.present[item] = true
	h.items = append(h.items, item)
	h.baselineItems[item] = true
	h.baseline = append(h.baseline, item)
	return h.store()
}

func (h *CollectionHistory) IsModified() bool {
	return len(h.AddedItems()) > 0 || len(h.DeletedItems()) > 0
}

func (h *CollectionHistory) Commit() {
	h.baseline = append([]any(nil), h.items...)
	h.baselineItems = map[any]bool{}
	for _, item := range h.items {
		h.baselineItems[item] = true
	}
}

func (h *CollectionHistory) Rollback() error {
	h.items = append([]any(nil), h.baseline...)
	h.present = map[any]bool{}
	for _, item := range h.items {
		h.present[item] = true
	}
	return h.store()
}

func (h *CollectionHistory) AddedItems() []any {
	var added []any
	for _, item := range h.items {
		if !h.baselineItems[item] {
			added = append(added, item)
		}
	}
	return added
}

func (h *CollectionHistory) DeletedItems() []any {
	var deleted []any
	for _, item := range h.baseline {
		if !h.present[item] {
			deleted = append(deleted, item)
		}
	}
	return deleted
}

func (h *CollectionHistory) UnchangedItems() []any {
	var unchanged []any
	for _, item := range h.items {
		if h.baselineItems[item] {
			unchanged = append(unchanged, item)
		}
	}
	return unchanged
}
