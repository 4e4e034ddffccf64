// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sqlorm

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/canonical/sqlorm/internal/attributes"
	"github.com/canonical/sqlorm/sqlexpr"
)

// LoadState is the load state of an attribute of an instance.
type LoadState = attributes.LoadState

const (
	Unloaded     = attributes.Unloaded
	LoadingState = attributes.Loading
	Loaded       = attributes.Loaded
	Expired      = attributes.Expired
)

// instanceInfo records the session and identity of a mapped instance. It is
// stored as the owner of the attribute state of the instance.
type instanceInfo struct {
	session *Session
	mapper  *Mapper
	key     identityKey
	// ident is the primary key the instance was loaded or inserted with.
	// It is nil for pending instances.
	ident   []any
	deleted bool
}

func ownerOf(inst attributes.Instance) *instanceInfo {
	state := inst.AttributeState()
	if state == nil {
		return nil
	}
	info, _ := state.Owner.(*instanceInfo)
	return info
}

// txLevel is the transaction or a savepoint within it.
type txLevel struct {
	savepoint string
	// inserted lists the instances inserted at this level. They are
	// expunged when it is rolled back.
	inserted []attributes.Instance
}

// Session tracks the instances loaded and added through it and writes their
// changes to the database. A Session is not safe for concurrent use.
type Session struct {
	engine    *Engine
	registry  *Registry
	ctx       context.Context
	id        uuid.UUID
	logger    *slog.Logger
	autoflush bool

	identity map[identityKey]attributes.Instance
	// persistent lists the instances of the identity map in the order they
	// entered it.
	persistent   []attributes.Instance
	pending      []attributes.Instance
	deleted      map[attributes.Instance]bool
	deletedOrder []attributes.Instance

	tx     *sql.Tx
	levels []*txLevel

	aliasCounter     int
	runCounter       int
	savepointCounter int
	flushing         bool
	closed           bool
}

// ID returns the unique id of the session, which is attached to its log
// records.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// Engine returns the engine the session belongs to.
func (s *Session) Engine() *Engine {
	return s.engine
}

func (s *Session) anonName(base string) string {
	s.aliasCounter++
	return fmt.Sprintf("%s_%d", base, s.aliasCounter)
}

func (s *Session) nextRunID() int {
	s.runCounter++
	return s.runCounter
}

// executor is the part of sql.DB and sql.Tx statements are run on.
type executor interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Session) executor() executor {
	if s.tx != nil {
		return s.tx
	}
	return s.engine.db
}

// prepare returns the cached prepared statement for query, bound to the
// transaction when there is one.
func (s *Session) prepare(ctx context.Context, query string) (*sql.Stmt, error) {
	stmt, err := s.engine.stmts.prepareStmt(ctx, s.engine.db, query)
	if err != nil {
		return nil, err
	}
	if s.tx != nil {
		// The statement returned by StmtContext is closed by the
		// transaction.
		stmt = s.tx.StmtContext(ctx, stmt)
	}
	return stmt, nil
}

func (s *Session) compile(kind string, stmt sqlexpr.Statement, params map[string]any) (string, []any, error) {
	if s.closed {
		return "", nil, ErrTXDone
	}
	query, args, err := sqlexpr.Compile(stmt, params)
	if err != nil {
		return "", nil, errors.Wrapf(err, "cannot compile %s statement", kind)
	}
	s.engine.logStatement(s.logger, kind, query, args)
	s.engine.metrics.statement(kind)
	return query, args, nil
}

// queryRows runs a statement returning rows.
func (s *Session) queryRows(ctx context.Context, kind string, stmt sqlexpr.Statement, params map[string]any) (*sql.Rows, error) {
	query, args, err := s.compile(kind, stmt, params)
	if err != nil {
		return nil, err
	}
	if s.engine.prepare {
		pstmt, err := s.prepare(ctx, query)
		if err != nil {
			return nil, err
		}
		return pstmt.QueryContext(ctx, args...)
	}
	return s.executor().QueryContext(ctx, query, args...)
}

// exec runs a statement not returning rows.
func (s *Session) exec(ctx context.Context, kind string, stmt sqlexpr.Statement, params map[string]any) (sql.Result, error) {
	query, args, err := s.compile(kind, stmt, params)
	if err != nil {
		return nil, err
	}
	if s.engine.prepare {
		pstmt, err := s.prepare(ctx, query)
		if err != nil {
			return nil, err
		}
		return pstmt.ExecContext(ctx, args...)
	}
	return s.executor().ExecContext(ctx, query, args...)
}

// Execute runs stmt in the transaction of the session.
func (s *Session) Execute(stmt sqlexpr.Statement, params map[string]any) (sql.Result, error) {
	if err := s.autoflushIfNeeded(); err != nil {
		return nil, err
	}
	return s.exec(s.ctx, "execute", stmt, params)
}

// attach records inst as persistent with the given identity.
func (s *Session) attach(inst attributes.Instance, m *Mapper, ident []any) *instanceInfo {
	key := identityKey{mapper: m.base(), ident: identString(ident)}
	info := ownerOf(inst)
	if info == nil {
		info = &instanceInfo{}
		s.registry.attrs.State(inst).Owner = info
	}
	info.session = s
	info.mapper = m
	info.key = key
	info.ident = ident
	info.deleted = false
	s.identity[key] = inst
	s.persistent = append(s.persistent, inst)
	return info
}

func removeInstance(list []attributes.Instance, inst attributes.Instance) []attributes.Instance {
	for i, x := range list {
		if x == inst {
			return append(list[:i:i], list[i+1:]...)
		}
	}
	return list
}

// detach forgets inst. Its attributes stay as they are.
func (s *Session) detach(inst attributes.Instance) {
	info := ownerOf(inst)
	if info == nil || info.session != s {
		return
	}
	if info.ident != nil && s.identity[info.key] == inst {
		delete(s.identity, info.key)
	}
	s.persistent = removeInstance(s.persistent, inst)
	s.pending = removeInstance(s.pending, inst)
	if s.deleted[inst] {
		delete(s.deleted, inst)
		s.deletedOrder = removeInstance(s.deletedOrder, inst)
	}
	info.session = nil
}

// owned returns the mapper and info of obj, which must be persistent in the
// session.
func (s *Session) owned(obj any) (*Mapper, attributes.Instance, *instanceInfo, error) {
	m, inst, err := s.registry.instanceMapper(obj)
	if err != nil {
		return nil, nil, nil, err
	}
	info := ownerOf(inst)
	if info == nil || info.session != s || info.ident == nil {
		return nil, nil, nil, invalidRequest("instance %T is not persistent within this session", obj)
	}
	return m, inst, info, nil
}

// checkIdentity returns inst found in the identity map for a query of m. It
// loads the expired columns of inst first. nil is returned when inst is not
// an m or its row is gone.
func (s *Session) checkIdentity(inst attributes.Instance, m *Mapper) (any, error) {
	info := ownerOf(inst)
	if !info.mapper.isa(m) {
		return nil, nil
	}
	state := s.registry.attrs.State(inst)
	for _, key := range state.ExpiredKeys() {
		if _, ok := info.mapper.propsByKey[key].(*ColumnProperty); !ok {
			continue
		}
		if _, err := s.registry.attrs.Get(inst, key); err != nil {
			var deleted *ObjectDeletedError
			if errors.As(err, &deleted) {
				s.detach(inst)
				return nil, nil
			}
			return nil, err
		}
		break
	}
	return inst, nil
}

// loadColumns loads the column p of inst together with the other unloaded
// columns it is loaded with: its deferred group, or every unloaded
// non-deferred column.
func (s *Session) loadColumns(inst attributes.Instance, info *instanceInfo, p *ColumnProperty) (any, error) {
	m := info.mapper
	state := s.registry.attrs.State(inst)
	loader := "expired"
	if p.deferred {
		loader = "deferred"
	}
	props := []*ColumnProperty{p}
	for _, cp := range m.columnProperties() {
		if cp == p {
			continue
		}
		if p.deferred {
			if p.group == "" || cp.group != p.group {
				continue
			}
		} else if cp.deferred {
			continue
		}
		switch state.LoadState(cp.key) {
		case attributes.Unloaded, attributes.Expired:
			props = append(props, cp)
		}
	}
	sel := &sqlexpr.Select{}
	for _, cp := range props {
		sel.Columns = append(sel.Columns, cp.column)
	}
	var where []sqlexpr.Expr
	for i, col := range m.primaryKey {
		where = append(where, sqlexpr.Eq(col, info.ident[i]))
	}
	sel.Where = sqlexpr.And(where...)
	s.engine.metrics.load(loader)

	rows, err := s.queryRows(s.ctx, "select", sel, nil)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, &ObjectDeletedError{Class: m.Name(), Key: identString(info.ident)}
	}
	values, err := scanValues(rows, len(props))
	if err != nil {
		return nil, err
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	for i, cp := range props[1:] {
		if err := s.registry.attrs.SetCommitted(inst, cp.key, values[i+1]); err != nil {
			return nil, err
		}
	}
	return values[0], nil
}

func scanValues(rows *sql.Rows, n int) ([]any, error) {
	values := make([]any, n)
	ptrs := make([]any, n)
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	for i, v := range values {
		values[i] = normalizeValue(v)
	}
	return values, nil
}

// Attr returns the attribute key of obj, loading it if needed.
func (s *Session) Attr(obj any, key string) (any, error) {
	_, inst, err := s.registry.instanceMapper(obj)
	if err != nil {
		return nil, err
	}
	return s.registry.attrs.Get(inst, key)
}

// Set assigns v to the attribute key of obj, recording the change.
func (s *Session) Set(obj any, key string, v any) error {
	_, inst, err := s.registry.instanceMapper(obj)
	if err != nil {
		return err
	}
	return s.registry.attrs.Set(inst, key, v)
}

// Append adds item to the collection key of obj.
func (s *Session) Append(obj any, key string, item any) error {
	_, inst, err := s.registry.instanceMapper(obj)
	if err != nil {
		return err
	}
	h, err := s.registry.attrs.Collection(inst, key)
	if err != nil {
		return err
	}
	_, err = h.Add(item)
	return err
}

// Remove removes item from the collection key of obj.
func (s *Session) Remove(obj any, key string, item any) error {
	_, inst, err := s.registry.instanceMapper(obj)
	if err != nil {
		return err
	}
	h, err := s.registry.attrs.Collection(inst, key)
	if err != nil {
		return err
	}
	_, err = h.Remove(item)
	return err
}

// History is the change history of an attribute since it was last
// committed.
type History struct {
	Added     []any
	Unchanged []any
	Deleted   []any
}

// History returns the change history of the attribute key of obj. An
// attribute without a value has an empty history.
func (s *Session) History(obj any, key string) (History, error) {
	_, inst, err := s.registry.instanceMapper(obj)
	if err != nil {
		return History{}, err
	}
	h, ok := s.registry.attrs.History(inst, key)
	if !ok {
		return History{}, nil
	}
	return History{Added: h.AddedItems(), Unchanged: h.UnchangedItems(), Deleted: h.DeletedItems()}, nil
}

// LoadState returns the load state of the attribute key of obj.
func (s *Session) LoadState(obj any, key string) (LoadState, error) {
	_, inst, err := s.registry.instanceMapper(obj)
	if err != nil {
		return Unloaded, err
	}
	return s.registry.attrs.State(inst).LoadState(key), nil
}

// IsModified reports whether obj has changes that were not flushed.
func (s *Session) IsModified(obj any) bool {
	_, inst, err := s.registry.instanceMapper(obj)
	if err != nil {
		return false
	}
	return s.registry.attrs.IsModified(inst)
}

// Contains reports whether obj is pending or persistent in the session.
func (s *Session) Contains(obj any) bool {
	_, inst, err := s.registry.instanceMapper(obj)
	if err != nil {
		return false
	}
	info := ownerOf(inst)
	return info != nil && info.session == s
}

// Expire discards the loaded values of the keys of obj, or of all its
// attributes when none are given, so that they are loaded again on next
// access. Attributes with changes that were not flushed keep them.
func (s *Session) Expire(obj any, keys ...string) error {
	m, inst, _, err := s.owned(obj)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		keys = propertyKeys(m)
	}
	s.registry.attrs.Expire(inst, keys...)
	return nil
}

// ExpireAll expires every persistent instance of the session.
func (s *Session) ExpireAll() {
	for _, inst := range s.persistent {
		s.registry.attrs.Expire(inst, propertyKeys(ownerOf(inst).mapper)...)
	}
}

func propertyKeys(m *Mapper) []string {
	keys := make([]string, len(m.props))
	for i, p := range m.props {
		keys[i] = p.Key()
	}
	return keys
}

// Refresh reloads the keys of obj, or all its attributes when none are
// given, from the database. Changes that were not flushed are discarded.
func (s *Session) Refresh(obj any, keys ...string) error {
	m, inst, info, err := s.owned(obj)
	if err != nil {
		return err
	}
	all := keys
	if len(all) == 0 {
		all = propertyKeys(m)
	}
	s.registry.attrs.Invalidate(inst, all...)
	found, err := s.Query(m).Autoflush(false).refresh(inst, info.ident, keys)
	if err != nil {
		return err
	}
	if found == nil {
		return &ObjectDeletedError{Class: m.Name(), Key: identString(info.ident)}
	}
	return nil
}

// Expunge removes obj from the session.
func (s *Session) Expunge(obj any) error {
	_, inst, err := s.registry.instanceMapper(obj)
	if err != nil {
		return err
	}
	info := ownerOf(inst)
	if info == nil || info.session != s {
		return invalidRequest("instance %T is not present in this session", obj)
	}
	s.detach(inst)
	return nil
}

// ExpungeAll removes every instance from the session.
func (s *Session) ExpungeAll() {
	for _, list := range [][]attributes.Instance{s.persistent, s.pending} {
		for _, inst := range append([]attributes.Instance(nil), list...) {
			s.detach(inst)
		}
	}
}

// Begin starts a transaction. Statements of the session run in it until
// Commit or Rollback.
func (s *Session) Begin() error {
	if s.closed {
		return ErrTXDone
	}
	if s.tx != nil {
		return invalidRequest("a transaction is already begun; use BeginNested for a savepoint")
	}
	tx, err := s.engine.db.BeginTx(s.ctx, nil)
	if err != nil {
		return errors.Wrap(err, "cannot begin transaction")
	}
	s.tx = tx
	s.levels = []*txLevel{{}}
	s.logger.Debug("begin transaction")
	return nil
}

// BeginNested flushes the session and starts a savepoint, beginning a
// transaction first when there is none.
func (s *Session) BeginNested() error {
	if s.tx == nil {
		if err := s.Begin(); err != nil {
			return err
		}
	}
	if err := s.Flush(); err != nil {
		return err
	}
	s.savepointCounter++
	name := fmt.Sprintf("sp_%d", s.savepointCounter)
	if _, err := s.exec(s.ctx, "savepoint", sqlexpr.StatementText("SAVEPOINT "+name), nil); err != nil {
		return err
	}
	s.levels = append(s.levels, &txLevel{savepoint: name})
	return nil
}

// Commit flushes the session and commits the innermost savepoint or the
// transaction.
func (s *Session) Commit() error {
	if s.closed {
		return ErrTXDone
	}
	if err := s.Flush(); err != nil {
		return err
	}
	if n := len(s.levels); n > 1 {
		top := s.levels[n-1]
		if _, err := s.exec(s.ctx, "savepoint", sqlexpr.StatementText("RELEASE SAVEPOINT "+top.savepoint), nil); err != nil {
			return err
		}
		s.levels = s.levels[:n-1]
		parent := s.levels[n-2]
		parent.inserted = append(parent.inserted, top.inserted...)
		return nil
	}
	if s.tx != nil {
		err := s.tx.Commit()
		s.tx = nil
		s.levels = nil
		if err != nil {
			return errors.Wrap(err, "cannot commit transaction")
		}
		s.logger.Debug("commit transaction")
	}
	s.registry.attrs.Commit(s.persistent...)
	return nil
}

// Rollback discards the changes of the session that were not flushed and
// rolls back the innermost savepoint or the transaction. Instances inserted
// in the rolled back scope are expunged and every persistent instance is
// expired.
func (s *Session) Rollback() error {
	if s.closed {
		return ErrTXDone
	}
	var level *txLevel
	if n := len(s.levels); n > 1 {
		level = s.levels[n-1]
		if _, err := s.exec(s.ctx, "savepoint", sqlexpr.StatementText("ROLLBACK TO SAVEPOINT "+level.savepoint), nil); err != nil {
			return err
		}
		s.levels = s.levels[:n-1]
	} else if s.tx != nil {
		level = s.levels[0]
		err := s.tx.Rollback()
		s.tx = nil
		s.levels = nil
		if err != nil {
			return errors.Wrap(err, "cannot roll back transaction")
		}
		s.logger.Debug("roll back transaction")
	}

	for _, inst := range append([]attributes.Instance(nil), s.pending...) {
		s.detach(inst)
	}
	for _, inst := range s.deletedOrder {
		delete(s.deleted, inst)
	}
	s.deletedOrder = nil
	if err := s.registry.attrs.Rollback(s.persistent...); err != nil {
		return err
	}
	if level != nil {
		for _, inst := range level.inserted {
			s.detach(inst)
		}
		s.ExpireAll()
	}
	return nil
}

// Close rolls back any transaction and expunges every instance. The session
// cannot be used afterwards.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	var err error
	if s.tx != nil {
		err = s.tx.Rollback()
		s.tx = nil
		s.levels = nil
	}
	s.ExpungeAll()
	s.closed = true
	return err
}
