// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sqlorm

import (
	"database/sql"
	"fmt"

	"github.com/canonical/sqlorm/internal/attributes"
	"github.com/canonical/sqlorm/sqlexpr"
)

// instance returns the instance of m identified by row, reading the row
// through adapter. The instance is taken from the identity map or created
// and attached to the session. It is populated from the row the first time
// it is met in the run when it is new, refreshed or expired. nil is
// returned when the row has no primary key.
func (ctx *queryContext) instance(m *Mapper, path loadPath, adapter *sqlexpr.ClauseAdapter, row *Row) (attributes.Instance, error) {
	ident, ok := m.identityFromRow(row, adapter)
	if !ok || hasNil(ident) {
		return nil, nil
	}
	s := ctx.session
	key := identityKey{mapper: m.base(), ident: identString(ident)}

	var only []string
	isNew := false
	inst, exists := s.identity[key]
	concrete := m
	switch {
	case !exists:
		if m.polymorphicOn != nil {
			if v, ok := row.Get(adapter.AdaptColumn(m.polymorphicOn)); ok {
				c, err := m.concreteMapper(v)
				if err != nil {
					return nil, err
				}
				concrete = c
			}
		}
		inst = concrete.newInstance()
		s.attach(inst, concrete, ident)
		isNew = true
	case ctx.progress[inst]:
		concrete = ownerOf(inst).mapper
	case inst == ctx.refreshInstance:
		concrete = ownerOf(inst).mapper
		isNew = true
		only = ctx.query.onlyLoadProps
	case ctx.populateExisting:
		concrete = ownerOf(inst).mapper
		isNew = true
	default:
		concrete = ownerOf(inst).mapper
		state := ctx.attrs().State(inst)
		if len(state.ExpiredKeys()) > 0 {
			isNew = true
			only = state.UnloadedKeys(propertyKeys(concrete))
			ctx.partials[inst] = only
		}
	}

	if isNew && !ctx.progress[inst] {
		ctx.progress[inst] = true
		return inst, ctx.populate(concrete, path, adapter, inst, row, true, only)
	}
	if ctx.progress[inst] {
		// Later rows of an instance add to its eagerly loaded collections.
		return inst, ctx.populate(concrete, path, adapter, inst, row, false, ctx.partials[inst])
	}
	return inst, nil
}

// populate runs the row processors of the properties of m on inst. When
// only is not nil the other properties are left alone.
func (ctx *queryContext) populate(m *Mapper, path loadPath, adapter *sqlexpr.ClauseAdapter, inst attributes.Instance, row *Row, isNew bool, only []string) error {
	var keep map[string]bool
	if only != nil {
		keep = make(map[string]bool, len(only))
		for _, k := range only {
			keep[k] = true
		}
	}
	for _, p := range m.props {
		if keep != nil && !keep[p.Key()] {
			continue
		}
		if err := ctx.strategyFor(path, p).processRow(ctx, path, adapter, inst, row, isNew); err != nil {
			return fmt.Errorf("cannot populate %s.%s: %w", m.Name(), p.Key(), err)
		}
	}
	return nil
}

// finishBatch discards the scratch state of the rows processed so far.
// Populated values are stored committed, so nothing is left to commit.
// Collections are not appended to by rows of later batches.
func (ctx *queryContext) finishBatch() {
	ctx.partials = map[attributes.Instance][]string{}
	ctx.collections = map[scratchKey]*attributes.CollectionHistory{}
}

// Iterator iterates over the results of a query. [Iterator.Close] must be
// called once iteration is finished.
type Iterator struct {
	query      *Query
	ctx        *queryContext
	rows       *sql.Rows
	columns    *rowColumns
	processors []func(*Row) (any, error)
	single     bool
	dedup      bool
	seen       map[any]bool
	buffer     []any
	current    any
	exhausted  bool
	err        error
}

// Iter runs the query and returns an iterator over its results. A query of
// one entity yields its values. A query of several entities yields []any
// tuples.
func (q *Query) Iter() *Iterator {
	if q.err != nil {
		return &Iterator{err: q.err}
	}
	if err := q.session.autoflushFor(q); err != nil {
		return &Iterator{err: err}
	}
	ctx, err := q.compile()
	if err != nil {
		return &Iterator{err: err}
	}
	rows, err := q.session.queryRows(q.ctx, "select", ctx.statement, q.params)
	if err != nil {
		return &Iterator{err: err}
	}
	names, err := rows.Columns()
	if err != nil {
		rows.Close()
		return &Iterator{err: err}
	}
	ctx.runID = q.session.nextRunID()
	it := &Iterator{
		query:   q,
		ctx:     ctx,
		rows:    rows,
		columns: newRowColumns(names, q.statement != nil),
		single:  len(q.entities) == 1 && !q.tuples,
		seen:    map[any]bool{},
	}
	for _, ent := range q.entities {
		it.processors = append(it.processors, ent.rowProcessor(ctx))
		if _, ok := ent.(*mapperEntity); ok {
			it.dedup = true
		}
	}
	q.session.logger.Debug("running query", "run", ctx.runID, "columns", len(names))
	return it
}

// Next advances to the next result. It returns false when the results are
// exhausted or an error occurred, which is then returned by
// [Iterator.Close].
func (it *Iterator) Next() bool {
	if it.err != nil {
		return false
	}
	for len(it.buffer) == 0 {
		if it.exhausted || it.rows == nil {
			return false
		}
		if err := it.fetch(); err != nil {
			it.err = err
			it.closeRows()
			return false
		}
	}
	it.current = it.buffer[0]
	it.buffer = it.buffer[1:]
	return true
}

// Value returns the result the last call to [Iterator.Next] advanced to.
func (it *Iterator) Value() any {
	return it.current
}

// Err returns the error that stopped the iteration, if any.
func (it *Iterator) Err() error {
	return it.err
}

// fetch reads a batch of rows and turns them into results. Without a batch
// size every row is read first and the cursor closed before any instance is
// populated, so loaders run by population never interleave with the
// cursor.
func (it *Iterator) fetch() error {
	batch := it.query.yieldPer
	var rows []*Row
	for batch <= 0 || len(rows) < batch {
		if !it.rows.Next() {
			it.exhausted = true
			break
		}
		values, err := scanValues(it.rows, len(it.columns.names))
		if err != nil {
			return err
		}
		rows = append(rows, &Row{values: values, columns: it.columns})
	}
	if it.exhausted {
		if err := it.rows.Err(); err != nil {
			return err
		}
		if err := it.closeRows(); err != nil {
			return err
		}
	}
	it.query.session.engine.metrics.Rows.Add(float64(len(rows)))

	for _, row := range rows {
		result, err := it.process(row)
		if err != nil {
			return err
		}
		if result == nil && it.single && it.dedup {
			// The row of a single mapped entity has no primary key. Column
			// entities yield NULL values as they are.
			continue
		}
		if it.dedup {
			key := any(result)
			if tuple, ok := result.([]any); ok {
				key = tupleKey(tuple)
			}
			if it.seen[key] {
				continue
			}
			it.seen[key] = true
		}
		it.buffer = append(it.buffer, result)
	}
	it.ctx.finishBatch()
	return nil
}

func (it *Iterator) process(row *Row) (any, error) {
	if it.single {
		return it.processors[0](row)
	}
	tuple := make([]any, len(it.processors))
	for i, proc := range it.processors {
		v, err := proc(row)
		if err != nil {
			return nil, err
		}
		tuple[i] = v
	}
	return tuple, nil
}

func (it *Iterator) closeRows() error {
	if it.rows == nil {
		return nil
	}
	err := it.rows.Close()
	it.rows = nil
	return err
}

// Close finishes the iteration and returns any error encountered. Close can
// be called multiple times and returns the same error.
func (it *Iterator) Close() error {
	err := it.closeRows()
	it.buffer = nil
	if it.err != nil {
		return it.err
	}
	return err
}
