// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package attributes

import (
	"reflect"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// Options configure a registered attribute.
type Options struct {
	// Callable returns the class level loader for an instance, or nil when
	// the attribute has nothing to load for it.
	Callable func(inst Instance) Loader
	// OnChange is called for every item added to or removed from a
	// collection attribute.
	OnChange func(inst Instance, key string, item any, isDelete bool)
	// Compare reports whether two scalar values are equal. It defaults to
	// reflect.DeepEqual.
	Compare func(a, b any) bool
}

// Attribute is a registered attribute of a class.
type Attribute struct {
	Key        string
	Collection bool
	Options
}

// Registry dispatches attribute access to history trackers and loaders.
// It holds class level definitions only; per instance state is kept in the
// InstanceState of each instance.
type Registry struct {
	mu      sync.RWMutex
	classes map[reflect.Type]map[string]*Attribute
	newDict func(Instance) Dict
}

// NewRegistry returns an empty registry. newDict creates the value storage
// of instances that do not have state yet; when nil a MapDict is used.
func NewRegistry(newDict func(Instance) Dict) *Registry {
	if newDict == nil {
		newDict = func(Instance) Dict { return MapDict{} }
	}
	return &Registry{
		classes: map[reflect.Type]map[string]*Attribute{},
		newDict: newDict,
	}
}

// Register declares the attribute key of class.
func (r *Registry) Register(class reflect.Type, key string, collection bool, opts Options) *Attribute {
	r.mu.Lock()
	defer r.mu.Unlock()
	attrs, ok := r.classes[class]
	if !ok {
		attrs = map[string]*Attribute{}
		r.classes[class] = attrs
	}
	attr := &Attribute{Key: key, Collection: collection, Options: opts}
	attrs[key] = attr
	return attr
}

// Unregister removes the attribute key of class.
func (r *Registry) Unregister(class reflect.Type, key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.classes[class], key)
}

// Attribute returns the attribute key of class.
func (r *Registry) Attribute(class reflect.Type, key string) (*Attribute, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	attr, ok := r.classes[class][key]
	return attr, ok
}

// Keys returns the registered attribute keys of class, sorted.
func (r *Registry) Keys(class reflect.Type) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var keys []string
	for k := range r.classes[class] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (r *Registry) attribute(inst Instance, key string) *Attribute {
	attr, _ := r.Attribute(reflect.TypeOf(inst), key)
	return attr
}

// State returns the state of inst, creating it if needed.
func (r *Registry) State(inst Instance) *InstanceState {
	s := inst.AttributeState()
	if s == nil {
		s = NewInstanceState(r.newDict(inst))
		inst.SetAttributeState(s)
	}
	return s
}

func (r *Registry) newHistory(inst Instance, s *InstanceState, attr *Attribute, key string) (History, error) {
	if attr != nil && attr.Collection {
		var onChange func(item any, isDelete bool)
		if attr.OnChange != nil {
			onChange = func(item any, isDelete bool) {
				attr.OnChange(inst, key, item, isDelete)
			}
		}
		return NewCollectionHistory(s.dict, key, onChange)
	}
	var compare func(a, b any) bool
	if attr != nil {
		compare = attr.Compare
	}
	return NewScalarHistory(s.dict, key, compare), nil
}

// Get returns the value of key on inst. An unloaded attribute is resolved by
// its instance level loader, then by the class level one. The loader runs
// once; its result becomes the committed value.
func (r *Registry) Get(inst Instance, key string) (any, error) {
	s := r.State(inst)
	attr := r.attribute(inst, key)
	a := s.attr(key)

	switch a.state {
	case Loaded:
		return a.history.Value(), nil
	case Loading:
		return nil, errors.Errorf("cannot get attribute %q: load already in progress", key)
	}

	if v, ok := s.dict.Get(key); ok && a.state != Expired {
		// A collection that already has items does not need loading.
		if attr == nil || !attr.Collection || a.loader == nil || !isEmptyCollection(v) {
			if err := r.install(inst, s, a, attr, key); err != nil {
				return nil, err
			}
			return a.history.Value(), nil
		}
	}

	loader := a.loader
	if loader == nil && attr != nil && attr.Callable != nil {
		loader = attr.Callable(inst)
	}
	if loader != nil {
		return r.resolve(inst, s, a, attr, key, loader)
	}
	if attr != nil && attr.Collection {
		if err := r.install(inst, s, a, attr, key); err != nil {
			return nil, err
		}
		return a.history.Value(), nil
	}
	return nil, &AttributeNotFoundError{Key: key}
}

func isEmptyCollection(v any) bool {
	items, err := ToItems(v)
	return err == nil && len(items) == 0
}

// install attaches a clean tracker over the current dict value.
func (r *Registry) install(inst Instance, s *InstanceState, a *attrState, attr *Attribute, key string) error {
	h, err := r.newHistory(inst, s, attr, key)
	if err != nil {
		return err
	}
	a.history = h
	a.state = Loaded
	return nil
}

// resolve runs loader and installs its result as the committed value. On
// failure the attribute keeps its previous state.
func (r *Registry) resolve(inst Instance, s *InstanceState, a *attrState, attr *Attribute, key string, loader Loader) (any, error) {
	prev := a.state
	a.state = Loading
	v, err := loader()
	if err != nil {
		a.state = prev
		return nil, err
	}
	// The loader may have installed the value itself.
	if a.state == Loaded {
		return a.history.Value(), nil
	}
	if err := r.setCommitted(inst, s, a, attr, key, v); err != nil {
		a.state = prev
		return nil, err
	}
	return a.history.Value(), nil
}

func (r *Registry) setCommitted(inst Instance, s *InstanceState, a *attrState, attr *Attribute, key string, v any) error {
	if attr != nil && attr.Collection {
		items, err := ToItems(v)
		if err != nil {
			return err
		}
		v = items
	} else if isCollectionValue(v) {
		return &TypeMismatchError{Key: key, Expected: "scalar value", Value: v}
	}
	if err := s.dict.Set(key, v); err != nil {
		return err
	}
	a.loader = nil
	return r.install(inst, s, a, attr, key)
}

// SetCommitted stores v as the committed value of key, bypassing history.
// Any loader installed for key is discarded.
func (r *Registry) SetCommitted(inst Instance, key string, v any) error {
	s := r.State(inst)
	return r.setCommitted(inst, s, s.attr(key), r.attribute(inst, key), key, v)
}

// InitCollection installs an empty committed collection for key and returns
// its tracker.
func (r *Registry) InitCollection(inst Instance, key string) (*CollectionHistory, error) {
	s := r.State(inst)
	a := s.attr(key)
	if err := s.dict.Set(key, []any{}); err != nil {
		return nil, err
	}
	a.loader = nil
	h, err := NewCollectionHistory(s.dict, key, nil)
	if err != nil {
		return nil, err
	}
	if attr := r.attribute(inst, key); attr != nil && attr.OnChange != nil {
		h.onChange = func(item any, isDelete bool) {
			attr.OnChange(inst, key, item, isDelete)
		}
	}
	a.history = h
	a.state = Loaded
	return h, nil
}

// Set assigns v to key, recording history.
func (r *Registry) Set(inst Instance, key string, v any) error {
	s := r.State(inst)
	attr := r.attribute(inst, key)
	if attr != nil && attr.Collection {
		h, err := r.Collection(inst, key)
		if err != nil {
			return err
		}
		items, err := ToItems(v)
		if err != nil {
			return &TypeMismatchError{Key: key, Expected: "collection", Value: v}
		}
		return h.Set(items)
	}
	a := s.attr(key)
	if a.state != Loaded {
		// The previous value, if any, is not loaded to record history.
		a.history = NewScalarHistory(s.dict, key, compareOf(attr))
		a.state = Loaded
	}
	h, ok := a.history.(*ScalarHistory)
	if !ok {
		return &TypeMismatchError{Key: key, Expected: "collection", Value: v}
	}
	return h.Set(v)
}

func compareOf(attr *Attribute) func(a, b any) bool {
	if attr == nil {
		return nil
	}
	return attr.Compare
}

// Delete deletes the value of key. Collections are emptied.
func (r *Registry) Delete(inst Instance, key string) error {
	attr := r.attribute(inst, key)
	if attr != nil && attr.Collection {
		h, err := r.Collection(inst, key)
		if err != nil {
			return err
		}
		return h.Set(nil)
	}
	s := r.State(inst)
	a := s.attr(key)
	if a.state != Loaded {
		a.history = NewScalarHistory(s.dict, key, compareOf(attr))
		a.state = Loaded
	}
	return a.history.(*ScalarHistory).Delete()
}

// Collection returns the tracker of the collection key, loading it first.
func (r *Registry) Collection(inst Instance, key string) (*CollectionHistory, error) {
	if _, err := r.Get(inst, key); err != nil {
		return nil, err
	}
	a := r.State(inst).attr(key)
	h, ok := a.history.(*CollectionHistory)
	if !ok {
		return nil, errors.Errorf("cannot get collection %q: attribute is not a collection", key)
	}
	return h, nil
}

// History returns the tracker of key without loading it.
func (r *Registry) History(inst Instance, key string) (History, bool) {
	s := inst.AttributeState()
	if s == nil {
		return nil, false
	}
	a, ok := s.attrs[key]
	if !ok || a.history == nil {
		return nil, false
	}
	return a.history, true
}

// SetCallable installs an instance level loader for key, discarding any
// current value. An expired attribute stays expired.
func (r *Registry) SetCallable(inst Instance, key string, loader Loader) {
	s := r.State(inst)
	a := s.attr(key)
	s.dict.Delete(key)
	a.history = nil
	a.loader = loader
	if a.state != Expired {
		a.state = Unloaded
	}
}

// Reset discards the value, history and instance level loader of key so the
// class level definition applies again.
func (r *Registry) Reset(inst Instance, key string) {
	s := r.State(inst)
	s.dict.Delete(key)
	delete(s.attrs, key)
}

// Expire discards the committed values of keys. Attributes with changes
// that were not committed keep them. It returns the keys that were expired.
func (r *Registry) Expire(inst Instance, keys ...string) []string {
	return r.expire(inst, false, keys)
}

// Invalidate expires keys, discarding changes that were not committed.
func (r *Registry) Invalidate(inst Instance, keys ...string) {
	r.expire(inst, true, keys)
}

func (r *Registry) expire(inst Instance, force bool, keys []string) []string {
	s := r.State(inst)
	var expired []string
	for _, key := range keys {
		a := s.attr(key)
		if !force && a.history != nil && a.history.IsModified() {
			continue
		}
		s.dict.Delete(key)
		a.history = nil
		a.loader = nil
		a.state = Expired
		expired = append(expired, key)
	}
	return expired
}

// IsModified reports whether any attribute of inst has changed since the
// last commit.
func (r *Registry) IsModified(inst Instance) bool {
	return len(r.ModifiedKeys(inst)) > 0
}

// ModifiedKeys returns the keys of inst changed since the last commit,
// sorted.
func (r *Registry) ModifiedKeys(inst Instance) []string {
	s := inst.AttributeState()
	if s == nil {
		return nil
	}
	var keys []string
	for key, a := range s.attrs {
		if a.history != nil && a.history.IsModified() {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Commit accepts the current values of insts as committed. Instances without
// tracked attributes are ignored.
func (r *Registry) Commit(insts ...Instance) {
	for _, inst := range insts {
		s := inst.AttributeState()
		if s == nil {
			continue
		}
		for _, a := range s.attrs {
			if a.history != nil {
				a.history.Commit()
			}
		}
	}
}

// Rollback restores the committed values of insts. Instances without tracked
// attributes are ignored.
func (r *Registry) Rollback(insts ...Instance) error {
	for _, inst := range insts {
		s := inst.AttributeState()
		if s == nil {
			continue
		}
		for _, a := range s.attrs {
			if a.history == nil {
				continue
			}
			absent := false
			if sh, ok := a.history.(*ScalarHistory); ok {
				absent = sh.wasAbsent()
			}
			if err := a.history.Rollback(); err != nil {
				return err
			}
			if absent {
				// Never loaded before the change; the loader applies again.
				a.history = nil
				a.state = Unloaded
			}
		}
	}
	return nil
}
