// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sqlorm

import (
	"github.com/canonical/sqlorm/internal/attributes"
	"github.com/canonical/sqlorm/sqlexpr"
)

// queryEntity is something a query selects: a mapped class or a column
// expression.
type queryEntity interface {
	// setupContext adds the columns of the entity to the statement.
	setupContext(ctx *queryContext)
	// rowProcessor returns the function producing the value of the entity
	// for each result row.
	rowProcessor(ctx *queryContext) func(row *Row) (any, error)
}

// mapperEntity selects instances of a mapped class.
type mapperEntity struct {
	mapper     *Mapper
	selectable sqlexpr.FromClause
	// adapter adapts the table of the mapper to selectable. It is nil when
	// selecting from the table.
	adapter         *sqlexpr.ClauseAdapter
	withPolymorphic []*Mapper
	// polymorphic is set when selectable is a polymorphic selectable
	// standing in for the table.
	polymorphic bool
}

func newMapperEntity(m *Mapper, selectable sqlexpr.FromClause, poly []*Mapper) *mapperEntity {
	e := &mapperEntity{mapper: m, selectable: m.table, withPolymorphic: poly}
	if selectable == nil {
		selectable = m.polymorphicSelectable
	}
	if selectable != nil {
		e.selectable = selectable
		e.adapter = sqlexpr.NewClauseAdapter(selectable)
		e.polymorphic = true
	}
	return e
}

func (e *mapperEntity) setupContext(ctx *queryContext) {
	adapter := e.adapter.Wrap(ctx.query.fromObjAlias)
	ctx.setupMapper(e.mapper, e.withPolymorphic, loadPath{entity: e}, adapter, nil, &ctx.primaryColumns)
}

func (e *mapperEntity) rowProcessor(ctx *queryContext) func(row *Row) (any, error) {
	adapter := e.adapter.Wrap(ctx.query.fromObjAlias).Wrap(ctx.nestedAdapter)
	path := loadPath{entity: e}
	return func(row *Row) (any, error) {
		inst, err := ctx.instance(e.mapper, path, adapter, row)
		if err != nil || inst == nil {
			return nil, err
		}
		return inst, nil
	}
}

// columnEntity selects the value of an expression.
type columnEntity struct {
	expr sqlexpr.Expr
}

func (e *columnEntity) setupContext(ctx *queryContext) {
	expr := ctx.query.adaptClause(e.expr)
	ctx.columnIndex[e] = len(ctx.primaryColumns)
	ctx.columnExprs[e] = expr
	ctx.primaryColumns = append(ctx.primaryColumns, expr)
}

func (e *columnEntity) rowProcessor(ctx *queryContext) func(row *Row) (any, error) {
	expr := ctx.columnExprs[e]
	index := ctx.columnIndex[e]
	return func(row *Row) (any, error) {
		switch expr := expr.(type) {
		case *sqlexpr.Column:
			if v, ok := row.Get(ctx.nestedAdapter.AdaptColumn(expr)); ok {
				return v, nil
			}
		case *sqlexpr.Label:
			if v, ok := row.Lookup(expr.Name); ok {
				return v, nil
			}
		}
		if index < row.Len() {
			return row.Value(index), nil
		}
		return nil, invalidRequest("cannot find column %d of the result", index)
	}
}

// scratchKey identifies a collection being populated by a query run.
type scratchKey struct {
	inst attributes.Instance
	key  string
}

// queryContext holds the state of one compilation and run of a query.
type queryContext struct {
	query   *Query
	session *Session
	runID   int

	options          []Option
	undeferGroups    map[string]bool
	onlyLoad         map[string]bool
	enableEager      bool
	populateExisting bool
	refreshInstance  attributes.Instance

	primaryColumns   []sqlexpr.Expr
	secondaryColumns []sqlexpr.Expr
	columnIndex      map[*columnEntity]int
	columnExprs      map[*columnEntity]sqlexpr.Expr

	// eagerJoins maps the from-clause eager joins start from to the chain
	// of joins built on it.
	eagerJoins    map[sqlexpr.FromClause]sqlexpr.FromClause
	eagerRoots    []sqlexpr.FromClause
	eagerAdapters map[eagerKey]*sqlexpr.ClauseAdapter
	eagerOrderBy  []sqlexpr.Expr
	// nestedAdapter adapts to the subquery wrapping a limited query that
	// has eager joins.
	nestedAdapter *sqlexpr.ClauseAdapter
	statement     sqlexpr.Statement

	collections map[scratchKey]*attributes.CollectionHistory
	// progress records the instances populated by the current run.
	progress map[attributes.Instance]bool
	// partials records the keys populated for instances loaded partially.
	partials map[attributes.Instance][]string
}

func newQueryContext(q *Query) *queryContext {
	ctx := &queryContext{
		query:            q,
		session:          q.session,
		options:          q.options,
		undeferGroups:    map[string]bool{},
		enableEager:      q.enableEager,
		populateExisting: q.populateExisting,
		refreshInstance:  q.refreshInstance,
		columnIndex:      map[*columnEntity]int{},
		columnExprs:      map[*columnEntity]sqlexpr.Expr{},
		eagerJoins:       map[sqlexpr.FromClause]sqlexpr.FromClause{},
		eagerAdapters:    map[eagerKey]*sqlexpr.ClauseAdapter{},
		collections:      map[scratchKey]*attributes.CollectionHistory{},
		progress:         map[attributes.Instance]bool{},
		partials:         map[attributes.Instance][]string{},
	}
	for _, o := range q.options {
		if o.group != "" {
			ctx.undeferGroups[o.group] = true
		}
	}
	if len(q.onlyLoadProps) > 0 {
		ctx.onlyLoad = map[string]bool{}
		for _, k := range q.onlyLoadProps {
			ctx.onlyLoad[k] = true
		}
	}
	return ctx
}

func (ctx *queryContext) attrs() *attributes.Registry {
	return ctx.session.registry.attrs
}

func (ctx *queryContext) anonName(base string) string {
	return ctx.session.anonName(base)
}

// eagerRoot returns the from-clause the eager joins of ent are built on.
func (ctx *queryContext) eagerRoot(ent *mapperEntity) sqlexpr.FromClause {
	if ctx.query.fromObj != nil {
		return ctx.query.fromObj
	}
	return ent.selectable
}

func (ctx *queryContext) setEagerJoin(root, join sqlexpr.FromClause) {
	if _, ok := ctx.eagerJoins[root]; !ok {
		ctx.eagerRoots = append(ctx.eagerRoots, root)
	}
	ctx.eagerJoins[root] = join
}

// strategyFor returns the loader strategy of p at path, as chosen by the
// options of the query.
func (ctx *queryContext) strategyFor(path loadPath, p property) loaderStrategy {
	kind := p.defaultStrategy()
	_, isColumn := p.(*ColumnProperty)
	for _, o := range ctx.options {
		if o.kind.forColumns() == isColumn && o.matches(path.keys, p.Key()) {
			kind = o.kind
		}
	}
	switch p := p.(type) {
	case *ColumnProperty:
		if p.group != "" && ctx.undeferGroups[p.group] {
			kind = strategyColumn
		}
		if len(path.keys) == 0 && ctx.onlyLoad[p.key] {
			kind = strategyColumn
		}
	case *RelationProperty:
		if kind == strategyEager && (!ctx.enableEager || ctx.query.statement != nil) {
			kind = strategyLazy
		}
	}
	return newStrategy(p, kind)
}

// setupMapper adds the properties of m, and the columns of the subclasses
// in poly, to the statement.
func (ctx *queryContext) setupMapper(m *Mapper, poly []*Mapper, path loadPath, adapter *sqlexpr.ClauseAdapter, visited *visitSet, columns *[]sqlexpr.Expr) {
	for _, p := range m.props {
		if len(path.keys) == 0 && ctx.onlyLoad != nil && !ctx.onlyLoad[p.Key()] {
			continue
		}
		ctx.strategyFor(path, p).setupQuery(ctx, path, adapter, visited, columns)
	}
	for _, sub := range poly {
		for _, p := range sub.props {
			cp, ok := p.(*ColumnProperty)
			if !ok {
				continue
			}
			if _, ok := m.columnProps[cp.column]; ok {
				continue
			}
			if _, ok := ctx.strategyFor(path, cp).(columnLoader); ok {
				appendColumn(columns, adapter.AdaptColumn(cp.column))
			}
		}
	}
	for _, col := range m.primaryKey {
		appendColumn(columns, adapter.AdaptColumn(col))
	}
	if m.polymorphicOn != nil {
		appendColumn(columns, adapter.AdaptColumn(m.polymorphicOn))
	}
}

// baseFroms returns the from-clauses of the query before eager joins.
func (ctx *queryContext) baseFroms() []sqlexpr.FromClause {
	q := ctx.query
	var froms []sqlexpr.FromClause
	add := func(f sqlexpr.FromClause) {
		for _, existing := range froms {
			if existing == f || sqlexpr.Contains(existing, f) {
				return
			}
		}
		froms = append(froms, f)
	}
	if q.fromObj != nil {
		add(q.fromObj)
	}
	if q.fromObjAlias == nil {
		for _, ent := range q.entities {
			if me, ok := ent.(*mapperEntity); ok {
				add(me.selectable)
			}
		}
	}
	return froms
}

// compile builds the statement of q.
func (q *Query) compile() (*queryContext, error) {
	if q.err != nil {
		return nil, q.err
	}
	ctx := newQueryContext(q)
	for _, ent := range q.entities {
		ent.setupContext(ctx)
	}
	if q.statement != nil {
		ctx.statement = q.statement
		return ctx, nil
	}

	where := q.criterion
	var order []sqlexpr.Expr
	for _, ent := range q.entities {
		me, ok := ent.(*mapperEntity)
		if !ok {
			continue
		}
		adapter := me.adapter.Wrap(q.fromObjAlias)
		if crit := me.mapper.singleTableCriterion(); crit != nil {
			where = sqlexpr.And(where, adapter.Adapt(crit))
		}
		if !q.orderSet && order == nil && len(me.mapper.orderBy) > 0 {
			order = adapter.AdaptList(me.mapper.orderBy)
		}
	}
	if q.orderSet {
		order = q.orderBy
	}
	froms := ctx.baseFroms()

	if len(ctx.eagerJoins) > 0 && (q.limit != nil || q.offset != nil || q.distinct) {
		ctx.statement = ctx.nestedStatement(froms, where, order)
		return ctx, nil
	}

	for i, f := range froms {
		if chain, ok := ctx.eagerJoins[f]; ok {
			froms[i] = chain
		}
	}
	ctx.statement = &sqlexpr.Select{
		Columns:   appendExprs(ctx.primaryColumns, ctx.secondaryColumns...),
		From:      froms,
		Where:     where,
		GroupBy:   q.groupBy,
		Having:    q.having,
		OrderBy:   appendExprs(order, ctx.eagerOrderBy...),
		Limit:     q.limit,
		Offset:    q.offset,
		Distinct:  q.distinct,
		Lock:      q.lockMode,
		UseLabels: true,
		Correlate: q.correlate,
	}
	return ctx, nil
}

// nestedStatement wraps the limited query in a subquery and applies the
// eager joins to it, so that the limit counts parent rows.
func (ctx *queryContext) nestedStatement(froms []sqlexpr.FromClause, where sqlexpr.Expr, order []sqlexpr.Expr) sqlexpr.Statement {
	q := ctx.query
	innerColumns := append([]sqlexpr.Expr(nil), ctx.primaryColumns...)
	if q.distinct {
		// DISTINCT requires the ordering columns to be selected.
		for _, o := range order {
			if u, ok := o.(*sqlexpr.Unary); ok {
				o = u.Elem
			}
			if col, ok := o.(*sqlexpr.Column); ok {
				found := false
				for _, c := range innerColumns {
					if c == sqlexpr.Expr(col) {
						found = true
						break
					}
				}
				if !found {
					innerColumns = append(innerColumns, col)
				}
			}
		}
	}
	inner := &sqlexpr.Select{
		Columns:   innerColumns,
		From:      froms,
		Where:     where,
		GroupBy:   q.groupBy,
		Having:    q.having,
		OrderBy:   order,
		Limit:     q.limit,
		Offset:    q.offset,
		Distinct:  q.distinct,
		UseLabels: true,
		Correlate: q.correlate,
	}
	alias := inner.Alias(ctx.anonName("anon"))
	adapter := sqlexpr.NewClauseAdapter(alias)
	ctx.nestedAdapter = adapter

	outer := sqlexpr.FromClause(alias)
	for _, root := range ctx.eagerRoots {
		outer = splice(ctx.eagerJoins[root], root, outer, adapter)
	}
	return &sqlexpr.Select{
		Columns:   appendExprs(adapter.AdaptList(ctx.primaryColumns), ctx.secondaryColumns...),
		From:      []sqlexpr.FromClause{outer},
		OrderBy:   appendExprs(adapter.AdaptList(order), ctx.eagerOrderBy...),
		Lock:      q.lockMode,
		UseLabels: true,
	}
}

// splice rebuilds the join chain f with root replaced by replacement. The
// join conditions are adapted by adapter.
func splice(f, root, replacement sqlexpr.FromClause, adapter *sqlexpr.ClauseAdapter) sqlexpr.FromClause {
	if f == root {
		return replacement
	}
	j, ok := f.(*sqlexpr.Join)
	if !ok {
		return f
	}
	return sqlexpr.NewJoin(
		splice(j.Left, root, replacement, adapter),
		splice(j.Right, root, replacement, adapter),
		adapter.Adapt(j.On),
		j.Outer,
	)
}
