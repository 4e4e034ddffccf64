// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package attributes

import (
	"sort"
)

// LoadState is the load state of one attribute of one instance.
type LoadState int

const (
	// Unloaded attributes have no value yet. Reading them runs the loader,
	// if there is one.
	Unloaded LoadState = iota
	// Loading attributes are being resolved by their loader.
	Loading
	// Loaded attributes have a value and a history tracker.
	Loaded
	// Expired attributes had a value that was discarded. Reading them
	// loads a fresh value.
	Expired
)

func (s LoadState) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	case Expired:
		return "expired"
	}
	return "unknown"
}

// Loader produces the value of an attribute on first access. It is invoked
// at most once per installation.
type Loader func() (any, error)

// Instance is an object whose attributes are tracked. Its per attribute
// state lives in an InstanceState owned by the instance.
type Instance interface {
	AttributeState() *InstanceState
	SetAttributeState(*InstanceState)
}

// Base implements Instance. Embed it in mapped structs.
type Base struct {
	state *InstanceState
}

func (b *Base) AttributeState() *InstanceState {
	return b.state
}

func (b *Base) SetAttributeState(s *InstanceState) {
	b.state = s
}

// attrState is the state of one attribute of one instance.
type attrState struct {
	state LoadState
	// loader is an instance level loader. It takes precedence over the
	// class level one.
	loader  Loader
	history History
}

// InstanceState holds the attribute values and histories of one instance.
type InstanceState struct {
	dict  Dict
	attrs map[string]*attrState
	// Owner is reserved for the object mapper, which records the session
	// and identity of the instance there.
	Owner any
}

// NewInstanceState returns the state of an instance storing its values in
// dict.
func NewInstanceState(dict Dict) *InstanceState {
	return &InstanceState{dict: dict, attrs: map[string]*attrState{}}
}

// Dict returns the storage of the instance values.
func (s *InstanceState) Dict() Dict {
	return s.dict
}

func (s *InstanceState) attr(key string) *attrState {
	a, ok := s.attrs[key]
	if !ok {
		a = &attrState{}
		s.attrs[key] = a
	}
	return a
}

// LoadState returns the load state of key.
func (s *InstanceState) LoadState(key string) LoadState {
	if a, ok := s.attrs[key]; ok {
		return a.state
	}
	if _, ok := s.dict.Get(key); ok {
		return Loaded
	}
	return Unloaded
}

// HasLoader reports whether an instance level loader is installed for key.
func (s *InstanceState) HasLoader(key string) bool {
	a, ok := s.attrs[key]
	return ok && a.loader != nil
}

// ExpiredKeys returns the expired attribute keys, sorted.
func (s *InstanceState) ExpiredKeys() []string {
	var keys []string
	for k, a := range s.attrs {
		if a.state == Expired {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// UnloadedKeys returns the keys among candidates that have no value.
func (s *InstanceState) UnloadedKeys(candidates []string) []string {
	var keys []string
	for _, k := range candidates {
		switch s.LoadState(k) {
		case Unloaded, Expired:
			keys = append(keys, k)
		}
	}
	return keys
}
