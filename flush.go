// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sqlorm

import (
	"github.com/pkg/errors"

	"github.com/canonical/sqlorm/internal/attributes"
	"github.com/canonical/sqlorm/internal/typeinfo"
	"github.com/canonical/sqlorm/sqlexpr"
)

// Add makes obj pending in the session. It is inserted by the next flush. A
// detached persistent instance is attached again.
func (s *Session) Add(obj any) error {
	if s.closed {
		return ErrTXDone
	}
	m, inst, err := s.registry.instanceMapper(obj)
	if err != nil {
		return err
	}
	info := ownerOf(inst)
	switch {
	case info != nil && info.session == s:
		return nil
	case info != nil && info.session != nil:
		return invalidRequest("instance %T is already attached to another session", obj)
	case info != nil && info.ident != nil && !info.deleted:
		if other, ok := s.identity[info.key]; ok && other != inst {
			return invalidRequest("cannot attach instance %s: another instance with the same identity is present", info.key)
		}
		s.attach(inst, info.mapper, info.ident)
		return nil
	}

	state := s.registry.attrs.State(inst)
	if d, ok := state.Dict().(*typeinfo.StructDict); ok {
		keys := make([]string, 0, len(m.props))
		for _, cp := range m.columnProperties() {
			keys = append(keys, cp.key)
		}
		d.MarkPresent(keys...)
	}
	state.Owner = &instanceInfo{session: s, mapper: m}
	s.pending = append(s.pending, inst)
	return nil
}

// AddAll adds each of objs.
func (s *Session) AddAll(objs ...any) error {
	for _, obj := range objs {
		if err := s.Add(obj); err != nil {
			return err
		}
	}
	return nil
}

// Delete marks obj for deletion by the next flush. A pending instance is
// simply removed from the session.
func (s *Session) Delete(obj any) error {
	_, inst, err := s.registry.instanceMapper(obj)
	if err != nil {
		return err
	}
	info := ownerOf(inst)
	if info == nil || info.session != s {
		return invalidRequest("instance %T is not present in this session", obj)
	}
	if info.ident == nil {
		s.detach(inst)
		return nil
	}
	if !s.deleted[inst] {
		s.deleted[inst] = true
		s.deletedOrder = append(s.deletedOrder, inst)
	}
	return nil
}

// dirty reports whether a flush would write anything.
func (s *Session) dirty() bool {
	if len(s.pending) > 0 || len(s.deletedOrder) > 0 {
		return true
	}
	for _, inst := range s.persistent {
		if s.registry.attrs.IsModified(inst) {
			return true
		}
	}
	return false
}

func (s *Session) autoflushIfNeeded() error {
	if !s.autoflush || s.flushing || !s.dirty() {
		return nil
	}
	s.logger.Debug("autoflush")
	return s.Flush()
}

func (s *Session) autoflushFor(q *Query) error {
	if !q.autoflush {
		return nil
	}
	return s.autoflushIfNeeded()
}

// Flush writes the pending changes of the session: deletes, then inserts of
// pending instances, then updates of modified column attributes. Relation
// changes are not written.
func (s *Session) Flush() error {
	if s.flushing || s.closed {
		return nil
	}
	s.flushing = true
	defer func() { s.flushing = false }()

	for len(s.deletedOrder) > 0 {
		inst := s.deletedOrder[0]
		if err := s.flushDelete(inst); err != nil {
			return err
		}
	}
	for len(s.pending) > 0 {
		inst := s.pending[0]
		if err := s.flushInsert(inst); err != nil {
			return err
		}
	}
	var updated []attributes.Instance
	for _, inst := range s.persistent {
		ok, err := s.flushUpdate(inst)
		if err != nil {
			return err
		}
		if ok {
			updated = append(updated, inst)
		}
	}
	s.registry.attrs.Commit(updated...)
	return nil
}

func (s *Session) flushDelete(inst attributes.Instance) error {
	info := ownerOf(inst)
	m := info.mapper
	stmt := &sqlexpr.Delete{Table: m.table, Where: identCriterion(m, info.ident)}
	if _, err := s.exec(s.ctx, "delete", stmt, nil); err != nil {
		return errors.Wrapf(err, "cannot delete %s", info.key)
	}
	s.detach(inst)
	info.deleted = true
	return nil
}

func identCriterion(m *Mapper, ident []any) sqlexpr.Expr {
	var clauses []sqlexpr.Expr
	for i, col := range m.primaryKey {
		clauses = append(clauses, sqlexpr.Eq(col, ident[i]))
	}
	return sqlexpr.And(clauses...)
}

type zeroChecker interface {
	IsZero(key string) bool
}

func (s *Session) flushInsert(inst attributes.Instance) error {
	info := ownerOf(inst)
	m := info.mapper
	attrs := s.registry.attrs
	dict := attrs.State(inst).Dict()

	if m.polymorphicOn != nil && m.hasIdentity {
		if key, ok := m.columnKey(m.polymorphicOn); ok {
			if v, ok := dict.Get(key); !ok || v == nil || isZeroKey(dict, key) {
				if err := attrs.Set(inst, key, m.polymorphicIdentity); err != nil {
					return err
				}
			}
		}
	}

	// A single column primary key left at its zero value is generated by
	// the database.
	autoKey := ""
	if len(m.primaryKey) == 1 {
		if key := m.columnProps[m.primaryKey[0]].key; isZeroKey(dict, key) {
			autoKey = key
		}
	}

	stmt := &sqlexpr.Insert{Table: m.table}
	for _, cp := range m.columnProperties() {
		v, ok := dict.Get(cp.key)
		if !ok || cp.key == autoKey || (cp.omitEmpty && isZeroKey(dict, cp.key)) {
			continue
		}
		stmt.Values = append(stmt.Values, sqlexpr.Assignment{Column: cp.column, Value: sqlexpr.Value(v)})
	}
	res, err := s.exec(s.ctx, "insert", stmt, nil)
	if err != nil {
		return errors.Wrapf(err, "cannot insert %s", m.Name())
	}

	if autoKey != "" {
		id, err := res.LastInsertId()
		if err != nil {
			return errors.Wrapf(err, "cannot get primary key of inserted %s", m.Name())
		}
		if err := attrs.SetCommitted(inst, autoKey, id); err != nil {
			return err
		}
	}
	ident := m.identityOf(inst)
	if hasNil(ident) {
		return invalidRequest("cannot insert %s: primary key is NULL after insert", m.Name())
	}

	s.pending = removeInstance(s.pending, inst)
	key := identityKey{mapper: m.base(), ident: identString(ident)}
	if other, ok := s.identity[key]; ok && other != inst {
		return invalidRequest("cannot insert instance %s: another instance with the same identity is present", key)
	}
	s.attach(inst, m, ident)
	if n := len(s.levels); n > 0 {
		s.levels[n-1].inserted = append(s.levels[n-1].inserted, inst)
	}
	attrs.Commit(inst)
	return nil
}

func isZeroKey(dict attributes.Dict, key string) bool {
	if zc, ok := dict.(zeroChecker); ok {
		return zc.IsZero(key)
	}
	v, ok := dict.Get(key)
	return !ok || v == nil
}

// flushUpdate writes the modified column attributes of inst. It reports
// whether inst had changes to commit.
func (s *Session) flushUpdate(inst attributes.Instance) (bool, error) {
	info := ownerOf(inst)
	m := info.mapper
	attrs := s.registry.attrs
	modified := attrs.ModifiedKeys(inst)
	if len(modified) == 0 {
		return false, nil
	}
	stmt := &sqlexpr.Update{Table: m.table, Where: identCriterion(m, info.ident)}
	for _, key := range modified {
		cp, ok := m.propsByKey[key].(*ColumnProperty)
		if !ok {
			continue
		}
		v, _ := attrs.State(inst).Dict().Get(key)
		stmt.Values = append(stmt.Values, sqlexpr.Assignment{Column: cp.column, Value: sqlexpr.Value(v)})
	}
	if len(stmt.Values) == 0 {
		// Only relations changed. Their changes are accepted as they are.
		return true, nil
	}
	res, err := s.exec(s.ctx, "update", stmt, nil)
	if err != nil {
		return false, errors.Wrapf(err, "cannot update %s", info.key)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return false, &ObjectDeletedError{Class: m.Name(), Key: identString(info.ident)}
	}
	ident := m.identityOf(inst)
	if key := (identityKey{mapper: m.base(), ident: identString(ident)}); key != info.key {
		delete(s.identity, info.key)
		info.key = key
		info.ident = ident
		s.identity[key] = inst
	}
	return true, nil
}
