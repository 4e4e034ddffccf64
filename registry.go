// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sqlorm

import (
	"reflect"
	"sync"

	"github.com/pkg/errors"

	"github.com/canonical/sqlorm/internal/attributes"
	"github.com/canonical/sqlorm/internal/typeinfo"
	"github.com/canonical/sqlorm/sqlexpr"
)

// Base gives a struct the attribute state needed to be mapped. Embed it in
// every mapped struct.
type Base = attributes.Base

var instanceType = reflect.TypeOf((*attributes.Instance)(nil)).Elem()

// Registry holds the mappers of a set of classes. A class is a pointer to a
// struct type embedding [Base].
type Registry struct {
	attrs *attributes.Registry

	mu         sync.RWMutex
	mappers    map[reflect.Type]*Mapper
	ordered    []*Mapper
	configured bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	r := &Registry{mappers: map[reflect.Type]*Mapper{}}
	r.attrs = attributes.NewRegistry(newInstanceDict)
	return r
}

func newInstanceDict(inst attributes.Instance) attributes.Dict {
	d, err := typeinfo.NewStructDict(inst)
	if err != nil {
		return attributes.MapDict{}
	}
	return d
}

// classOf returns the pointer type of a sample value or type.
func classOf(v any) (reflect.Type, error) {
	var t reflect.Type
	switch v := v.(type) {
	case reflect.Type:
		t = v
	default:
		t = reflect.TypeOf(v)
	}
	if t == nil {
		return nil, argumentError("cannot map nil class")
	}
	if t.Kind() == reflect.Struct {
		t = reflect.PointerTo(t)
	}
	if t.Kind() != reflect.Pointer || t.Elem().Kind() != reflect.Struct {
		return nil, argumentError("cannot map %s: need struct or pointer to struct", t)
	}
	if !t.Implements(instanceType) {
		return nil, argumentError("cannot map %s: struct does not embed sqlorm.Base", t.Elem())
	}
	return t, nil
}

// Map maps the class of sample onto table. For single table inheritance
// subclasses table may be nil, in which case the table of the parent is
// used.
func (r *Registry) Map(sample any, table *sqlexpr.Table, opts ...MapOption) (*Mapper, error) {
	class, err := classOf(sample)
	if err != nil {
		return nil, err
	}
	cfg := &mapConfig{
		columns:   map[string]*sqlexpr.Column{},
		relations: map[string]*relationConfig{},
		deferred:  map[string]string{},
	}
	for _, opt := range opts {
		opt(cfg)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.mappers[class]; ok {
		return nil, argumentError("cannot map %s: class already mapped", class.Elem())
	}
	m, err := newMapper(r, class, table, cfg)
	if err != nil {
		return nil, err
	}
	r.mappers[class] = m
	r.ordered = append(r.ordered, m)
	r.configured = false
	return m, nil
}

// MustMap is like [Registry.Map] but panics on error.
func (r *Registry) MustMap(sample any, table *sqlexpr.Table, opts ...MapOption) *Mapper {
	m, err := r.Map(sample, table, opts...)
	if err != nil {
		panic(err)
	}
	return m
}

// Mapper returns the mapper of v, which may be a *Mapper, an instance or
// sample of a mapped class, or its reflect.Type.
func (r *Registry) Mapper(v any) (*Mapper, error) {
	switch v := v.(type) {
	case *Mapper:
		return v, nil
	case *AliasedMapper:
		return v.mapper, nil
	}
	class, err := classOf(v)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	m, ok := r.mappers[class]
	r.mu.RUnlock()
	if !ok {
		return nil, argumentError("class %s is not mapped", class.Elem())
	}
	return m, nil
}

// Configure resolves the relations of every mapper and registers their
// attributes. It is called by [NewEngine] and is a no-op once every mapper
// is configured.
func (r *Registry) Configure() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.configured {
		return nil
	}
	for _, m := range r.ordered {
		if m.configured {
			continue
		}
		if err := m.configure(); err != nil {
			return errors.Wrapf(err, "cannot configure mapper %s", m.Name())
		}
	}
	for _, m := range r.ordered {
		if !m.configured {
			m.registerAttributes()
			m.configured = true
		}
	}
	r.configured = true
	return nil
}

// lookup returns the mapper of v without locking. It is used while
// configuring.
func (r *Registry) lookup(v any) (*Mapper, error) {
	switch v := v.(type) {
	case *Mapper:
		return v, nil
	case *AliasedMapper:
		return v.mapper, nil
	}
	class, err := classOf(v)
	if err != nil {
		return nil, err
	}
	m, ok := r.mappers[class]
	if !ok {
		return nil, argumentError("class %s is not mapped", class.Elem())
	}
	return m, nil
}

// instanceMapper returns the mapper of the class of inst.
func (r *Registry) instanceMapper(obj any) (*Mapper, attributes.Instance, error) {
	inst, ok := obj.(attributes.Instance)
	if !ok || obj == nil || reflect.ValueOf(obj).Kind() != reflect.Pointer {
		return nil, nil, argumentError("cannot use %T: not a mapped instance", obj)
	}
	r.mu.RLock()
	m, ok := r.mappers[reflect.TypeOf(obj)]
	r.mu.RUnlock()
	if !ok {
		return nil, nil, argumentError("cannot use %T: class is not mapped", obj)
	}
	return m, inst, nil
}
