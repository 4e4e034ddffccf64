// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sqlorm

import (
	"context"
	"database/sql"
	"sort"

	"github.com/pkg/errors"

	"github.com/canonical/sqlorm/internal/attributes"
	"github.com/canonical/sqlorm/sqlexpr"
)

// Query builds a SELECT over mapped classes and columns. Every method
// returns a new Query and leaves the receiver untouched, so a query can be
// shared and refined.
//
// A method called in a state where it does not apply returns a query
// holding the error. The error is reported by [Query.Err] and by every
// method running the query.
type Query struct {
	session *Session
	ctx     context.Context
	err     error

	entities  []queryEntity
	criterion sqlexpr.Expr
	orderBy   []sqlexpr.Expr
	// orderSet is true once OrderBy has been called, which disables the
	// default ordering of the mapper.
	orderSet  bool
	groupBy   []sqlexpr.Expr
	having    sqlexpr.Expr
	limit     *int
	offset    *int
	distinct  bool
	statement sqlexpr.Statement
	params    map[string]any
	options   []Option
	lockMode  sqlexpr.LockMode
	correlate []sqlexpr.FromClause

	yieldPer         int
	populateExisting bool
	autoflush        bool
	enableEager      bool
	// tuples makes single entity queries return one element tuples.
	tuples bool

	fromObj      sqlexpr.FromClause
	fromObjAlias *sqlexpr.ClauseAdapter
	// filterAliases adapts criteria to the alias of the last aliased join.
	filterAliases *sqlexpr.ClauseAdapter
	polyAdapters  []*sqlexpr.ClauseAdapter
	joinpoint     *joinPoint
	joined        map[*RelationProperty]bool

	refreshInstance attributes.Instance
	onlyLoadProps   []string
}

// Query returns a query for the given entities. An entity is a *Mapper, an
// *AliasedMapper, a sample of a mapped class or a column expression.
func (s *Session) Query(entities ...any) *Query {
	q := &Query{
		session:     s,
		ctx:         s.ctx,
		autoflush:   true,
		enableEager: true,
		yieldPer:    s.engine.yieldPer,
	}
	if len(entities) == 0 {
		return q.fail(argumentError("cannot create query: no entities"))
	}
	for _, e := range entities {
		ent, err := q.newEntity(e)
		if err != nil {
			return q.fail(err)
		}
		q.addEntity(ent)
	}
	return q
}

func (q *Query) newEntity(e any) (queryEntity, error) {
	switch e := e.(type) {
	case *AliasedMapper:
		return &mapperEntity{mapper: e.mapper, selectable: e.alias, adapter: e.adapter, withPolymorphic: e.mapper.withPolymorphic}, nil
	case sqlexpr.Expr:
		return &columnEntity{expr: e}, nil
	}
	m, err := q.session.registry.Mapper(e)
	if err != nil {
		return nil, err
	}
	return newMapperEntity(m, nil, m.withPolymorphic), nil
}

func (q *Query) addEntity(ent queryEntity) {
	q.entities = append(q.entities[:len(q.entities):len(q.entities)], ent)
	if me, ok := ent.(*mapperEntity); ok && me.polymorphic {
		q.polyAdapters = append(q.polyAdapters[:len(q.polyAdapters):len(q.polyAdapters)], me.adapter)
	}
}

func (q *Query) clone() *Query {
	c := *q
	return &c
}

// fail returns a query holding err and nothing else.
func (q *Query) fail(err error) *Query {
	return &Query{session: q.session, ctx: q.ctx, err: err}
}

// Err returns the error recorded while building the query.
func (q *Query) Err() error {
	return q.err
}

func (q *Query) noLimitOffset(meth string) error {
	if q.limit != nil || q.offset != nil {
		return invalidRequest("cannot call Query.%s: query has LIMIT or OFFSET applied; call FromSelf first", meth)
	}
	return nil
}

func (q *Query) noStatement(meth string) error {
	if q.statement != nil {
		return invalidRequest("cannot call Query.%s: query has a full statement; criteria cannot be applied", meth)
	}
	return nil
}

func (q *Query) noCriterion(meth string) error {
	if q.criterion != nil || q.statement != nil || q.fromObj != nil || q.limit != nil || q.offset != nil ||
		len(q.groupBy) > 0 || len(q.orderBy) > 0 || q.distinct {
		return invalidRequest("cannot call Query.%s: query has existing criterion", meth)
	}
	return nil
}

func (q *Query) check(meth string, guards ...func(string) error) error {
	for _, g := range guards {
		if err := g(meth); err != nil {
			return err
		}
	}
	return nil
}

func appendExprs(base []sqlexpr.Expr, more ...sqlexpr.Expr) []sqlexpr.Expr {
	out := make([]sqlexpr.Expr, 0, len(base)+len(more))
	return append(append(out, base...), more...)
}

// primaryEntity returns the first mapped entity of the query.
func (q *Query) primaryEntity() *mapperEntity {
	for _, ent := range q.entities {
		if me, ok := ent.(*mapperEntity); ok {
			return me
		}
	}
	return nil
}

// adaptClause adapts criteria written against tables to the aliases the
// query selects from.
func (q *Query) adaptClause(e sqlexpr.Expr) sqlexpr.Expr {
	e = q.filterAliases.Adapt(e)
	for _, a := range q.polyAdapters {
		e = a.Adapt(e)
	}
	return q.fromObjAlias.Adapt(e)
}

// WithContext returns the query running with ctx.
func (q *Query) WithContext(ctx context.Context) *Query {
	c := q.clone()
	c.ctx = ctx
	return c
}

// Filter restricts the query by criterion, ANDed to existing criteria.
func (q *Query) Filter(criterion sqlexpr.Expr) *Query {
	if q.err != nil {
		return q
	}
	if err := q.check("Filter", q.noStatement, q.noLimitOffset); err != nil {
		return q.fail(err)
	}
	c := q.clone()
	c.criterion = sqlexpr.And(c.criterion, c.adaptClause(criterion))
	return c
}

// FilterBy restricts the query by equality on attributes of the entity
// last joined to, or of the primary entity.
func (q *Query) FilterBy(values map[string]any) *Query {
	if q.err != nil {
		return q
	}
	if err := q.check("FilterBy", q.noStatement, q.noLimitOffset); err != nil {
		return q.fail(err)
	}
	var m *Mapper
	if q.joinpoint != nil {
		m = q.joinpoint.mapper
	} else if ent := q.primaryEntity(); ent != nil {
		m = ent.mapper
	}
	if m == nil {
		return q.fail(invalidRequest("cannot call Query.FilterBy: no entity to filter"))
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var clauses []sqlexpr.Expr
	for _, k := range keys {
		col := m.C(k)
		if col == nil {
			return q.fail(argumentError("cannot call Query.FilterBy: %s has no column attribute %q", m.Name(), k))
		}
		clauses = append(clauses, sqlexpr.Eq(col, values[k]))
	}
	return q.Filter(sqlexpr.And(clauses...))
}

// WithParent restricts the query to the targets of the relation key of
// parent. When key is empty the first relation of parent targeting the
// queried class is used.
func (q *Query) WithParent(parent any, key string) *Query {
	if q.err != nil {
		return q
	}
	m, inst, err := q.session.registry.instanceMapper(parent)
	if err != nil {
		return q.fail(err)
	}
	var prop *RelationProperty
	if key != "" {
		if prop, err = m.relation(key); err != nil {
			return q.fail(err)
		}
	} else if ent := q.primaryEntity(); ent != nil {
		for _, p := range m.props {
			if rp, ok := p.(*RelationProperty); ok && ent.mapper.isa(rp.target) {
				prop = rp
				break
			}
		}
	}
	if prop == nil {
		return q.fail(invalidRequest("cannot call Query.WithParent: %s has no relation to the queried class", m.Name()))
	}
	params, err := prop.lazyParams(q.session, inst)
	if err != nil {
		return q.fail(err)
	}
	if params == nil {
		// A NULL local column relates to nothing.
		return q.Filter(sqlexpr.In(prop.target.primaryKey[0]))
	}
	return q.Filter(bindValues(prop.lazyClause, params))
}

// OrderBy appends ordering expressions. Calling it without arguments
// removes any ordering, including the default ordering of the mapper.
func (q *Query) OrderBy(exprs ...sqlexpr.Expr) *Query {
	if q.err != nil {
		return q
	}
	if err := q.check("OrderBy", q.noStatement, q.noLimitOffset); err != nil {
		return q.fail(err)
	}
	c := q.clone()
	c.orderSet = true
	if len(exprs) == 0 || exprs[0] == nil {
		c.orderBy = nil
		return c
	}
	for _, e := range exprs {
		c.orderBy = appendExprs(c.orderBy, c.adaptClause(e))
	}
	return c
}

// GroupBy appends grouping expressions.
func (q *Query) GroupBy(exprs ...sqlexpr.Expr) *Query {
	if q.err != nil {
		return q
	}
	if err := q.check("GroupBy", q.noStatement, q.noLimitOffset); err != nil {
		return q.fail(err)
	}
	c := q.clone()
	for _, e := range exprs {
		c.groupBy = appendExprs(c.groupBy, c.adaptClause(e))
	}
	return c
}

// Having restricts groups by criterion.
func (q *Query) Having(criterion sqlexpr.Expr) *Query {
	if q.err != nil {
		return q
	}
	if err := q.check("Having", q.noStatement, q.noLimitOffset); err != nil {
		return q.fail(err)
	}
	c := q.clone()
	c.having = sqlexpr.And(c.having, c.adaptClause(criterion))
	return c
}

// Limit limits the number of rows.
func (q *Query) Limit(n int) *Query {
	if q.err != nil {
		return q
	}
	c := q.clone()
	c.limit = sqlexpr.IntPtr(n)
	return c
}

// Offset skips the first n rows.
func (q *Query) Offset(n int) *Query {
	if q.err != nil {
		return q
	}
	c := q.clone()
	c.offset = sqlexpr.IntPtr(n)
	return c
}

// Slice selects the rows from start up to, but not including, stop,
// relative to any offset already applied.
func (q *Query) Slice(start, stop int) *Query {
	if q.err != nil {
		return q
	}
	if start < 0 || stop < start {
		return q.fail(argumentError("cannot slice query: invalid range [%d:%d]", start, stop))
	}
	c := q.clone()
	if c.offset != nil {
		start += *c.offset
		stop += *c.offset
	}
	if start > 0 {
		c.offset = sqlexpr.IntPtr(start)
	} else {
		c.offset = nil
	}
	c.limit = sqlexpr.IntPtr(stop - start)
	return c
}

// Distinct selects distinct rows.
func (q *Query) Distinct() *Query {
	if q.err != nil {
		return q
	}
	if err := q.noStatement("Distinct"); err != nil {
		return q.fail(err)
	}
	c := q.clone()
	c.distinct = true
	return c
}

// Options returns the query loading attributes as opts say.
func (q *Query) Options(opts ...Option) *Query {
	if q.err != nil || len(opts) == 0 {
		return q
	}
	c := q.clone()
	c.options = append(c.options[:len(c.options):len(c.options)], opts...)
	return c
}

// Params supplies values for keyed bind parameters.
func (q *Query) Params(params map[string]any) *Query {
	if q.err != nil {
		return q
	}
	c := q.clone()
	c.params = make(map[string]any, len(q.params)+len(params))
	for k, v := range q.params {
		c.params[k] = v
	}
	for k, v := range params {
		c.params[k] = v
	}
	return c
}

// WithLockMode locks the selected rows. mode is "read", "update",
// "update_nowait" or empty for no locking.
func (q *Query) WithLockMode(mode string) *Query {
	if q.err != nil {
		return q
	}
	lock := sqlexpr.LockMode(mode)
	switch lock {
	case sqlexpr.LockNone, sqlexpr.LockRead, sqlexpr.LockUpdate, sqlexpr.LockUpdateNowait:
	default:
		return q.fail(argumentError("unknown lock mode %q", mode))
	}
	c := q.clone()
	c.lockMode = lock
	return c
}

// PopulateExisting overwrites the attributes of instances already in the
// session with the loaded rows.
func (q *Query) PopulateExisting() *Query {
	if q.err != nil {
		return q
	}
	c := q.clone()
	c.populateExisting = true
	return c
}

// Autoflush sets whether the session is flushed before the query runs.
func (q *Query) Autoflush(autoflush bool) *Query {
	if q.err != nil {
		return q
	}
	c := q.clone()
	c.autoflush = autoflush
	return c
}

// YieldPer processes rows in batches of n instead of reading all of them
// first.
func (q *Query) YieldPer(n int) *Query {
	if q.err != nil {
		return q
	}
	c := q.clone()
	c.yieldPer = n
	return c
}

// EnableEagerloads sets whether eager relations are joined. When disabled
// they are loaded lazily.
func (q *Query) EnableEagerloads(enable bool) *Query {
	if q.err != nil {
		return q
	}
	c := q.clone()
	c.enableEager = enable
	return c
}

// Correlate sets the enclosing from-clauses the query correlates to when
// used as a subquery.
func (q *Query) Correlate(froms ...sqlexpr.FromClause) *Query {
	if q.err != nil {
		return q
	}
	c := q.clone()
	c.correlate = append([]sqlexpr.FromClause(nil), froms...)
	return c
}

// WithPolymorphic loads the columns of the given subclasses of the primary
// entity, or of every subclass when none are given. When selectable is not
// nil rows are selected from it.
func (q *Query) WithPolymorphic(selectable sqlexpr.FromClause, classes ...any) *Query {
	if q.err != nil {
		return q
	}
	if err := q.noCriterion("WithPolymorphic"); err != nil {
		return q.fail(err)
	}
	ent := q.primaryEntity()
	if ent == nil {
		return q.fail(invalidRequest("cannot call Query.WithPolymorphic: no mapped entity"))
	}
	subs := ent.mapper.descendants()
	if len(classes) > 0 {
		subs = nil
		for _, cls := range classes {
			m, err := q.session.registry.Mapper(cls)
			if err != nil {
				return q.fail(err)
			}
			if !m.isa(ent.mapper) {
				return q.fail(argumentError("cannot call Query.WithPolymorphic: %s is not a subclass of %s", m.Name(), ent.mapper.Name()))
			}
			subs = append(subs, m)
		}
	}
	c := q.clone()
	c.entities = nil
	c.polyAdapters = nil
	for _, e := range q.entities {
		if e == queryEntity(ent) {
			e = newMapperEntity(ent.mapper, selectable, subs)
		}
		c.addEntity(e)
	}
	return c
}

// SelectFrom selects from the given from-clause instead of the tables of
// the entities. An alias or subquery is adapted to: criteria and entity
// columns written against the tables refer to its columns.
func (q *Query) SelectFrom(from sqlexpr.FromClause) *Query {
	if q.err != nil {
		return q
	}
	if err := q.noCriterion("SelectFrom"); err != nil {
		return q.fail(err)
	}
	c := q.clone()
	c.fromObj = from
	if alias, ok := from.(*sqlexpr.Alias); ok {
		c.fromObjAlias = sqlexpr.NewClauseAdapter(alias)
	}
	return c
}

// FromSelf returns a query selecting from this query as a subquery. With
// no entities the entities of this query are selected.
func (q *Query) FromSelf(entities ...any) *Query {
	if q.err != nil {
		return q
	}
	inner := q.clone()
	inner.enableEager = false
	sel, err := inner.selectStatement()
	if err != nil {
		return q.fail(err)
	}
	alias := sel.Alias(q.session.anonName("anon"))
	c := &Query{
		session:          q.session,
		ctx:              q.ctx,
		params:           q.params,
		options:          q.options,
		yieldPer:         q.yieldPer,
		populateExisting: q.populateExisting,
		autoflush:        q.autoflush,
		enableEager:      q.enableEager,
		lockMode:         q.lockMode,
		fromObj:          alias,
		fromObjAlias:     sqlexpr.NewClauseAdapter(alias),
	}
	if len(entities) == 0 {
		for _, ent := range q.entities {
			c.addEntity(ent)
		}
		return c
	}
	for _, e := range entities {
		ent, err := c.newEntity(e)
		if err != nil {
			return q.fail(err)
		}
		c.addEntity(ent)
	}
	return c
}

// FromStatement runs stmt instead of a generated SELECT. The entities are
// loaded from its result columns by name.
func (q *Query) FromStatement(stmt sqlexpr.Statement) *Query {
	if q.err != nil {
		return q
	}
	if err := q.noCriterion("FromStatement"); err != nil {
		return q.fail(err)
	}
	c := q.clone()
	c.statement = stmt
	return c
}

// AddColumn adds a column expression to the selected entities.
func (q *Query) AddColumn(e sqlexpr.Expr) *Query {
	if q.err != nil {
		return q
	}
	c := q.clone()
	c.addEntity(&columnEntity{expr: e})
	return c
}

// AddEntity adds a mapped entity to the selected entities.
func (q *Query) AddEntity(e any) *Query {
	if q.err != nil {
		return q
	}
	ent, err := q.newEntity(e)
	if err != nil {
		return q.fail(err)
	}
	c := q.clone()
	c.addEntity(ent)
	return c
}

// Values runs the query selecting only the given expressions and returns
// an iterator over the result tuples, each a []any.
func (q *Query) Values(exprs ...sqlexpr.Expr) *Iterator {
	if q.err != nil {
		return &Iterator{err: q.err}
	}
	c := q.clone()
	c.entities = nil
	c.polyAdapters = nil
	for _, e := range exprs {
		c.addEntity(&columnEntity{expr: e})
	}
	c.tuples = true
	return c.Iter()
}

// Statement returns the statement the query runs.
func (q *Query) Statement() (sqlexpr.Statement, error) {
	if q.err != nil {
		return nil, q.err
	}
	ctx, err := q.compile()
	if err != nil {
		return nil, err
	}
	return ctx.statement, nil
}

// Subquery returns the statement of the query as a named subquery.
func (q *Query) Subquery(name string) (*sqlexpr.Alias, error) {
	if q.err != nil {
		return nil, q.err
	}
	sel, err := q.selectStatement()
	if err != nil {
		return nil, err
	}
	return sel.Alias(name), nil
}

func (q *Query) selectStatement() (*sqlexpr.Select, error) {
	ctx, err := q.compile()
	if err != nil {
		return nil, err
	}
	sel, ok := ctx.statement.(*sqlexpr.Select)
	if !ok {
		return nil, invalidRequest("cannot use query as a subquery: statement is %T", ctx.statement)
	}
	return sel, nil
}

// All runs the query and returns every result.
func (q *Query) All() ([]any, error) {
	it := q.Iter()
	var results []any
	for it.Next() {
		results = append(results, it.Value())
	}
	if err := it.Close(); err != nil {
		return nil, err
	}
	return results, nil
}

// withLimit returns the query limited to at most n rows.
func (q *Query) withLimit(n int) *Query {
	if q.statement != nil || (q.limit != nil && *q.limit <= n) {
		return q
	}
	c := q.clone()
	c.limit = sqlexpr.IntPtr(n)
	return c
}

// First runs the query and returns its first result, or nil.
func (q *Query) First() (any, error) {
	if q.err != nil {
		return nil, q.err
	}
	it := q.withLimit(1).Iter()
	var first any
	if it.Next() {
		first = it.Value()
	}
	if err := it.Close(); err != nil {
		return nil, err
	}
	return first, nil
}

// One runs the query and returns its only result. It returns
// ErrNoResultFound when there is none and ErrMultipleResultsFound when
// there is more than one.
func (q *Query) One() (any, error) {
	if q.err != nil {
		return nil, q.err
	}
	results, err := q.withLimit(2).All()
	if err != nil {
		return nil, err
	}
	switch len(results) {
	case 0:
		return nil, ErrNoResultFound
	case 1:
		return results[0], nil
	}
	return nil, ErrMultipleResultsFound
}

// Get returns the instance of the primary entity with the given primary
// key values, or nil when there is none. An instance already in the session
// is returned without running a query.
func (q *Query) Get(ident ...any) (any, error) {
	if q.err != nil {
		return nil, q.err
	}
	if err := q.noCriterion("Get"); err != nil {
		return nil, err
	}
	ent := q.primaryEntity()
	if ent == nil {
		return nil, invalidRequest("cannot call Query.Get: no mapped entity")
	}
	m := ent.mapper
	if len(ident) != len(m.primaryKey) {
		return nil, argumentError("incorrect number of values in identifier: expected %d, got %d", len(m.primaryKey), len(ident))
	}
	if !q.populateExisting && q.refreshInstance == nil {
		key := identityKey{mapper: m.base(), ident: identString(ident)}
		if inst, ok := q.session.identity[key]; ok {
			return q.session.checkIdentity(inst, m)
		}
	}
	return q.loadOnIdent(ent, ident)
}

// Load is like Get but always queries, overwriting the instance in the
// session. It fails when there is no such row.
func (q *Query) Load(ident ...any) (any, error) {
	obj, err := q.PopulateExisting().Get(ident...)
	if err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, invalidRequest("no instance found for identity %v", ident)
	}
	return obj, nil
}

func (q *Query) loadOnIdent(ent *mapperEntity, ident []any) (any, error) {
	c := q.clone()
	adapter := ent.adapter.Wrap(c.fromObjAlias)
	var clauses []sqlexpr.Expr
	for i, col := range ent.mapper.primaryKey {
		clauses = append(clauses, sqlexpr.Eq(adapter.AdaptColumn(col), ident[i]))
	}
	c.criterion = sqlexpr.And(clauses...)
	results, err := c.All()
	if err != nil {
		return nil, err
	}
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	}
	return nil, ErrMultipleResultsFound
}

// refresh reloads the keys of inst, or all its attributes when keys is
// empty.
func (q *Query) refresh(inst attributes.Instance, ident []any, keys []string) (any, error) {
	c := q.clone()
	c.refreshInstance = inst
	c.onlyLoadProps = keys
	ent := c.primaryEntity()
	return c.loadOnIdent(ent, ident)
}

// Count returns the number of rows the query selects.
func (q *Query) Count() (int64, error) {
	v, err := q.aggregate("Count", nil, func(sqlexpr.Expr) sqlexpr.Expr { return sqlexpr.Count(nil) })
	if err != nil {
		return 0, err
	}
	var n sql.NullInt64
	if err := n.Scan(v); err != nil {
		return 0, errors.Wrap(err, "cannot read count")
	}
	return n.Int64, nil
}

// Min returns the smallest value of e over the selected rows.
func (q *Query) Min(e sqlexpr.Expr) (any, error) {
	return q.aggregate("Min", e, func(e sqlexpr.Expr) sqlexpr.Expr { return sqlexpr.Min(e) })
}

// Max returns the largest value of e over the selected rows.
func (q *Query) Max(e sqlexpr.Expr) (any, error) {
	return q.aggregate("Max", e, func(e sqlexpr.Expr) sqlexpr.Expr { return sqlexpr.Max(e) })
}

// Sum returns the sum of e over the selected rows.
func (q *Query) Sum(e sqlexpr.Expr) (any, error) {
	return q.aggregate("Sum", e, func(e sqlexpr.Expr) sqlexpr.Expr { return sqlexpr.Sum(e) })
}

// Avg returns the average of e over the selected rows.
func (q *Query) Avg(e sqlexpr.Expr) (any, error) {
	return q.aggregate("Avg", e, func(e sqlexpr.Expr) sqlexpr.Expr { return sqlexpr.Avg(e) })
}

// aggregate selects fn of e over the rows of the query. A limited or
// distinct query is aggregated as a subquery.
func (q *Query) aggregate(meth string, e sqlexpr.Expr, fn func(sqlexpr.Expr) sqlexpr.Expr) (any, error) {
	if q.err != nil {
		return nil, q.err
	}
	if q.statement != nil {
		return nil, invalidRequest("cannot call Query.%s: query has a full statement", meth)
	}
	if err := q.session.autoflushFor(q); err != nil {
		return nil, err
	}
	c := q.clone()
	c.enableEager = false
	sel, err := c.selectStatement()
	if err != nil {
		return nil, err
	}
	if e != nil {
		e = c.adaptClause(e)
	}
	var stmt *sqlexpr.Select
	if q.limit != nil || q.offset != nil || q.distinct {
		if e != nil {
			sel.Columns = []sqlexpr.Expr{sqlexpr.As(e, "value")}
		}
		alias := sel.Alias(q.session.anonName("anon"))
		if e != nil {
			e = alias.C("value")
		}
		stmt = &sqlexpr.Select{Columns: []sqlexpr.Expr{fn(e)}, From: []sqlexpr.FromClause{alias}}
	} else {
		stmt = sel.Copy()
		stmt.Columns = []sqlexpr.Expr{fn(e)}
		stmt.OrderBy = nil
		stmt.UseLabels = false
	}
	rows, err := q.session.queryRows(q.ctx, "select", stmt, q.params)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var v any
	if rows.Next() {
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return normalizeValue(v), nil
}

// AllOf runs q and returns its results as values of type T.
func AllOf[T any](q *Query) ([]T, error) {
	results, err := q.All()
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(results))
	for _, r := range results {
		v, ok := r.(T)
		if !ok {
			var zero T
			return nil, errors.Errorf("cannot convert result %T to %T", r, zero)
		}
		out = append(out, v)
	}
	return out, nil
}

func convertResult[T any](r any, err error) (T, error) {
	var zero T
	if err != nil || r == nil {
		return zero, err
	}
	v, ok := r.(T)
	if !ok {
		return zero, errors.Errorf("cannot convert result %T to %T", r, zero)
	}
	return v, nil
}

// OneOf is [Query.One] returning a T.
func OneOf[T any](q *Query) (T, error) {
	return convertResult[T](q.One())
}

// FirstOf is [Query.First] returning a T. The zero T is returned when there
// are no results.
func FirstOf[T any](q *Query) (T, error) {
	return convertResult[T](q.First())
}

// GetOf is [Query.Get] returning a T. The zero T is returned when there is
// no such instance.
func GetOf[T any](q *Query, ident ...any) (T, error) {
	return convertResult[T](q.Get(ident...))
}
