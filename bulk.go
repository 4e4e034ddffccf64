// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sqlorm

import (
	"fmt"
	"sort"

	"github.com/canonical/sqlorm/internal/attributes"
	"github.com/canonical/sqlorm/internal/evaluator"
	"github.com/canonical/sqlorm/sqlexpr"
)

// SyncStrategy selects how a bulk update or delete brings the instances in
// the session in line with the rows it changed.
type SyncStrategy string

const (
	// SyncEvaluate evaluates the criteria against the instances in the
	// session. Criteria that cannot be evaluated fall back to SyncFetch.
	SyncEvaluate SyncStrategy = "evaluate"
	// SyncFetch selects the primary keys of the matched rows first.
	SyncFetch SyncStrategy = "fetch"
	// SyncNone leaves the session alone.
	SyncNone SyncStrategy = "none"
)

func (s SyncStrategy) validate() error {
	switch s {
	case SyncEvaluate, SyncFetch, SyncNone:
		return nil
	}
	return argumentError("Valid strategies for session synchronization are 'evaluate', 'fetch', 'none'")
}

// bulkTarget returns the mapper of a query usable for a bulk operation and
// its complete criterion.
func (q *Query) bulkTarget(meth string) (*Mapper, sqlexpr.Expr, error) {
	if q.err != nil {
		return nil, nil, q.err
	}
	if len(q.entities) != 1 || q.fromObj != nil || q.statement != nil {
		return nil, nil, invalidRequest("cannot call Query.%s: query must select a single mapped class from its table", meth)
	}
	ent, ok := q.entities[0].(*mapperEntity)
	if !ok || ent.adapter != nil {
		return nil, nil, invalidRequest("cannot call Query.%s: query must select a single mapped class from its table", meth)
	}
	m := ent.mapper
	return m, sqlexpr.And(q.criterion, m.singleTableCriterion()), nil
}

// matchInstances returns the instances of m in the session matching
// criterion, evaluated in memory.
func (q *Query) matchInstances(m *Mapper, criterion sqlexpr.Expr) ([]attributes.Instance, error) {
	compiler := evaluator.Compiler{Attribute: m.columnKey, Params: q.params}
	eval, err := compiler.Compile(criterion)
	if err != nil {
		return nil, err
	}
	var matched []attributes.Instance
	for _, inst := range q.session.persistent {
		if !ownerOf(inst).mapper.isa(m) {
			continue
		}
		v, err := eval(loadedGetter(q.session, inst))
		if err != nil {
			return nil, err
		}
		if evaluator.Truthy(v) {
			matched = append(matched, inst)
		}
	}
	return matched, nil
}

// loadedGetter reads the loaded values of inst without loading anything.
// An attribute that is not loaded cannot be evaluated.
func loadedGetter(s *Session, inst attributes.Instance) evaluator.Getter {
	dict := s.registry.attrs.State(inst).Dict()
	return func(key string) (any, error) {
		v, ok := dict.Get(key)
		if !ok {
			return nil, &evaluator.UnevaluatableError{
				Reason: fmt.Sprintf("attribute %q of %T is not loaded", key, inst),
			}
		}
		return v, nil
	}
}

// fetchIdentities returns the instances in the session whose rows match
// criterion.
func (q *Query) fetchIdentities(m *Mapper, criterion sqlexpr.Expr) ([]attributes.Instance, error) {
	sel := &sqlexpr.Select{Where: criterion}
	for _, col := range m.primaryKey {
		sel.Columns = append(sel.Columns, col)
	}
	rows, err := q.session.queryRows(q.ctx, "select", sel, q.params)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var matched []attributes.Instance
	for rows.Next() {
		ident, err := scanValues(rows, len(m.primaryKey))
		if err != nil {
			return nil, err
		}
		key := identityKey{mapper: m.base(), ident: identString(ident)}
		if inst, ok := q.session.identity[key]; ok {
			matched = append(matched, inst)
		}
	}
	return matched, rows.Err()
}

// Update sets the columns of the rows matched by the query, as a single
// UPDATE. values maps attribute keys to values or expressions. The
// instances in the session are synchronized as sync says. It returns the
// number of rows updated.
func (q *Query) Update(values map[string]any, sync SyncStrategy) (int64, error) {
	if err := sync.validate(); err != nil {
		return 0, err
	}
	m, criterion, err := q.bulkTarget("Update")
	if err != nil {
		return 0, err
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	stmt := &sqlexpr.Update{Table: m.table, Where: criterion}
	for _, k := range keys {
		col := m.C(k)
		if col == nil {
			return 0, argumentError("cannot call Query.Update: %s has no column attribute %q", m.Name(), k)
		}
		stmt.Values = append(stmt.Values, sqlexpr.Assignment{Column: col, Value: sqlexpr.Value(values[k])})
	}

	var matched []attributes.Instance
	var valueEvals map[string]evaluator.Evaluator
	if sync == SyncEvaluate {
		matched, err = q.matchInstances(m, criterion)
		if err == nil {
			valueEvals, err = q.valueEvaluators(m, stmt.Values, keys)
		}
		if isUnevaluatable(err) {
			q.session.logger.Debug("criteria cannot be evaluated, fetching instead", "err", err)
			sync = SyncFetch
		} else if err != nil {
			return 0, err
		}
	}
	if sync == SyncFetch {
		if matched, err = q.fetchIdentities(m, criterion); err != nil {
			return 0, err
		}
	}

	res, err := q.session.exec(q.ctx, "update", stmt, q.params)
	if err != nil {
		return 0, err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	attrs := q.session.registry.attrs
	switch sync {
	case SyncEvaluate:
		for _, inst := range matched {
			modified := map[string]bool{}
			for _, k := range attrs.ModifiedKeys(inst) {
				modified[k] = true
			}
			get := loadedGetter(q.session, inst)
			newValues := map[string]any{}
			for _, k := range keys {
				if modified[k] {
					continue
				}
				v, err := valueEvals[k](get)
				if isUnevaluatable(err) {
					modified[k] = true
					continue
				} else if err != nil {
					return count, err
				}
				newValues[k] = v
			}
			for _, k := range keys {
				if modified[k] {
					// Changes that were not flushed are overwritten by the
					// update. They and values depending on unloaded
					// attributes are read from the row on next access.
					attrs.Invalidate(inst, k)
					continue
				}
				if err := attrs.SetCommitted(inst, k, newValues[k]); err != nil {
					return count, err
				}
			}
		}
	case SyncFetch:
		for _, inst := range matched {
			attrs.Invalidate(inst, keys...)
		}
	}
	return count, nil
}

func (q *Query) valueEvaluators(m *Mapper, values []sqlexpr.Assignment, keys []string) (map[string]evaluator.Evaluator, error) {
	compiler := evaluator.Compiler{Attribute: m.columnKey, Params: q.params}
	evals := make(map[string]evaluator.Evaluator, len(values))
	for i, a := range values {
		eval, err := compiler.Compile(a.Value)
		if err != nil {
			return nil, err
		}
		evals[keys[i]] = eval
	}
	return evals, nil
}

// Delete deletes the rows matched by the query, as a single DELETE. The
// instances in the session are synchronized as sync says: deleted
// instances are removed from it. It returns the number of rows deleted.
func (q *Query) Delete(sync SyncStrategy) (int64, error) {
	if err := sync.validate(); err != nil {
		return 0, err
	}
	m, criterion, err := q.bulkTarget("Delete")
	if err != nil {
		return 0, err
	}

	var matched []attributes.Instance
	if sync == SyncEvaluate {
		matched, err = q.matchInstances(m, criterion)
		if isUnevaluatable(err) {
			q.session.logger.Debug("criteria cannot be evaluated, fetching instead", "err", err)
			sync = SyncFetch
		} else if err != nil {
			return 0, err
		}
	}
	if sync == SyncFetch {
		if matched, err = q.fetchIdentities(m, criterion); err != nil {
			return 0, err
		}
	}

	stmt := &sqlexpr.Delete{Table: m.table, Where: criterion}
	res, err := q.session.exec(q.ctx, "delete", stmt, q.params)
	if err != nil {
		return 0, err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	for _, inst := range matched {
		info := ownerOf(inst)
		q.session.detach(inst)
		info.deleted = true
	}
	return count, nil
}
