// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sqlorm

import (
	"strings"
)

type strategyKind int

const (
	strategyColumn strategyKind = iota
	strategyDeferred
	strategyLazy
	strategyEager
	strategyNoLoad
)

func (k strategyKind) String() string {
	switch k {
	case strategyColumn:
		return "column"
	case strategyDeferred:
		return "deferred"
	case strategyLazy:
		return "lazy"
	case strategyEager:
		return "eager"
	case strategyNoLoad:
		return "noload"
	}
	return "unknown"
}

func (k strategyKind) forColumns() bool {
	return k == strategyColumn || k == strategyDeferred
}

// Option changes how a query loads the attributes of its entities. Paths
// are dotted attribute keys starting from the queried class, e.g.
// "orders.items".
type Option struct {
	path []string
	kind strategyKind
	// chained options apply to every attribute along the path, not only
	// the last one.
	chained bool
	group   string
}

func newOption(path string, kind strategyKind, chained bool) Option {
	return Option{path: strings.Split(path, "."), kind: kind, chained: chained}
}

// Eager loads the relation at path with a LEFT OUTER JOIN.
func Eager(path string) Option {
	return newOption(path, strategyEager, false)
}

// EagerAll eagerly loads every relation along path.
func EagerAll(path string) Option {
	return newOption(path, strategyEager, true)
}

// Lazy loads the relation at path on first access.
func Lazy(path string) Option {
	return newOption(path, strategyLazy, false)
}

// NoLoad never loads the relation at path.
func NoLoad(path string) Option {
	return newOption(path, strategyNoLoad, false)
}

// Defer defers the column attribute at path until it is first read.
func Defer(path string) Option {
	return newOption(path, strategyDeferred, false)
}

// Undefer loads the deferred column attribute at path with its entity.
func Undefer(path string) Option {
	return newOption(path, strategyColumn, false)
}

// UndeferGroup loads the deferred columns of group with their entity.
func UndeferGroup(group string) Option {
	return Option{kind: strategyColumn, group: group}
}

// matches reports whether o applies to the attribute key reached through
// the relation keys in parents.
func (o Option) matches(parents []string, key string) bool {
	if o.group != "" {
		return false
	}
	n := len(parents) + 1
	if n > len(o.path) || (!o.chained && n != len(o.path)) {
		return false
	}
	for i, p := range parents {
		if o.path[i] != p {
			return false
		}
	}
	return o.path[n-1] == key
}

// below returns o relative to the attribute reached through prefix, or
// false when o does not apply beneath it.
func (o Option) below(prefix []string) (Option, bool) {
	if o.group != "" || len(o.path) <= len(prefix) {
		return Option{}, false
	}
	for i, p := range prefix {
		if o.path[i] != p {
			return Option{}, false
		}
	}
	o.path = o.path[len(prefix):]
	return o, true
}

// optionsBelow returns the options applying beneath prefix, relative to it.
func optionsBelow(opts []Option, prefix []string) []Option {
	var out []Option
	for _, o := range opts {
		if rel, ok := o.below(prefix); ok {
			out = append(out, rel)
		}
	}
	return out
}
