// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sqlorm

import (
	"github.com/canonical/sqlorm/internal/attributes"
	"github.com/canonical/sqlorm/sqlexpr"
)

// loaderStrategy decides how one property is selected by a query, how it is
// populated from result rows and what its class level loader is.
type loaderStrategy interface {
	// initClassAttribute registers the attribute with the class level
	// loader of the strategy.
	initClassAttribute(m *Mapper)
	// setupQuery adds what the property needs to the statement being
	// compiled. Selected columns are appended to columns.
	setupQuery(ctx *queryContext, path loadPath, adapter *sqlexpr.ClauseAdapter, visited *visitSet, columns *[]sqlexpr.Expr)
	// processRow populates the property of inst from row. isNew is set
	// the first time inst is populated in the current run.
	processRow(ctx *queryContext, path loadPath, adapter *sqlexpr.ClauseAdapter, inst attributes.Instance, row *Row, isNew bool) error
}

func newStrategy(p property, kind strategyKind) loaderStrategy {
	switch p := p.(type) {
	case *ColumnProperty:
		if kind == strategyDeferred {
			return deferredColumnLoader{prop: p}
		}
		return columnLoader{prop: p}
	case *RelationProperty:
		switch kind {
		case strategyEager:
			return eagerLoader{prop: p}
		case strategyNoLoad:
			return noLoader{prop: p}
		}
		return lazyLoader{prop: p}
	}
	panic("internal error: unknown property type")
}

// loadPath locates a property within the entities of a query.
type loadPath struct {
	entity *mapperEntity
	keys   []string
}

func (p loadPath) child(key string) loadPath {
	keys := make([]string, len(p.keys), len(p.keys)+1)
	copy(keys, p.keys)
	return loadPath{entity: p.entity, keys: append(keys, key)}
}

// eagerKey identifies the eager join made for a relation path.
type eagerKey struct {
	entity *mapperEntity
	path   string
}

func (p loadPath) eagerKey() eagerKey {
	k := eagerKey{entity: p.entity}
	for i, key := range p.keys {
		if i > 0 {
			k.path += "."
		}
		k.path += key
	}
	return k
}

// visitSet is the immutable set of relations already eagerly joined along
// the current path.
type visitSet struct {
	parent *visitSet
	prop   *RelationProperty
}

func (v *visitSet) contains(p *RelationProperty) bool {
	for ; v != nil; v = v.parent {
		if v.prop == p {
			return true
		}
	}
	return false
}

func (v *visitSet) with(p *RelationProperty) *visitSet {
	return &visitSet{parent: v, prop: p}
}

func appendColumn(columns *[]sqlexpr.Expr, col *sqlexpr.Column) {
	for _, c := range *columns {
		if c == sqlexpr.Expr(col) {
			return
		}
	}
	*columns = append(*columns, col)
}

// columnLoader selects the column with its entity.
type columnLoader struct {
	prop *ColumnProperty
}

func (l columnLoader) initClassAttribute(m *Mapper) {
	m.registry.attrs.Register(m.class, l.prop.key, false, attributes.Options{Callable: l.prop.loaderFor})
}

func (l columnLoader) setupQuery(ctx *queryContext, path loadPath, adapter *sqlexpr.ClauseAdapter, visited *visitSet, columns *[]sqlexpr.Expr) {
	appendColumn(columns, adapter.AdaptColumn(l.prop.column))
}

func (l columnLoader) processRow(ctx *queryContext, path loadPath, adapter *sqlexpr.ClauseAdapter, inst attributes.Instance, row *Row, isNew bool) error {
	if !isNew {
		return nil
	}
	if v, ok := row.Get(adapter.AdaptColumn(l.prop.column)); ok {
		return ctx.attrs().SetCommitted(inst, l.prop.key, v)
	}
	// A subclass column not selected by a polymorphic query is loaded on
	// first access.
	ctx.attrs().Reset(inst, l.prop.key)
	return nil
}

// deferredColumnLoader leaves the column out of the query. It is loaded by
// primary key on first access, together with its group.
type deferredColumnLoader struct {
	prop *ColumnProperty
}

func (l deferredColumnLoader) initClassAttribute(m *Mapper) {
	m.registry.attrs.Register(m.class, l.prop.key, false, attributes.Options{Callable: l.prop.loaderFor})
}

func (l deferredColumnLoader) setupQuery(*queryContext, loadPath, *sqlexpr.ClauseAdapter, *visitSet, *[]sqlexpr.Expr) {
}

func (l deferredColumnLoader) processRow(ctx *queryContext, path loadPath, adapter *sqlexpr.ClauseAdapter, inst attributes.Instance, row *Row, isNew bool) error {
	if !isNew {
		return nil
	}
	if v, ok := row.Get(adapter.AdaptColumn(l.prop.column)); ok {
		return ctx.attrs().SetCommitted(inst, l.prop.key, v)
	}
	ctx.attrs().Reset(inst, l.prop.key)
	return nil
}

// noLoader never loads the relation.
type noLoader struct {
	prop *RelationProperty
}

func (l noLoader) initClassAttribute(m *Mapper) {
	m.registry.attrs.Register(m.class, l.prop.key, l.prop.useList, attributes.Options{
		Callable: func(attributes.Instance) attributes.Loader { return l.prop.emptyLoader() },
	})
}

func (l noLoader) setupQuery(*queryContext, loadPath, *sqlexpr.ClauseAdapter, *visitSet, *[]sqlexpr.Expr) {
}

func (l noLoader) processRow(ctx *queryContext, path loadPath, adapter *sqlexpr.ClauseAdapter, inst attributes.Instance, row *Row, isNew bool) error {
	if !isNew {
		return nil
	}
	if l.prop.useList {
		_, err := ctx.attrs().InitCollection(inst, l.prop.key)
		return err
	}
	return ctx.attrs().SetCommitted(inst, l.prop.key, nil)
}

// lazyLoader loads the relation with its own query on first access.
type lazyLoader struct {
	prop *RelationProperty
}

func (l lazyLoader) initClassAttribute(m *Mapper) {
	m.registry.attrs.Register(m.class, l.prop.key, l.prop.useList, attributes.Options{Callable: l.prop.loaderFor})
}

func (l lazyLoader) setupQuery(*queryContext, loadPath, *sqlexpr.ClauseAdapter, *visitSet, *[]sqlexpr.Expr) {
}

func (l lazyLoader) processRow(ctx *queryContext, path loadPath, adapter *sqlexpr.ClauseAdapter, inst attributes.Instance, row *Row, isNew bool) error {
	if !isNew {
		return nil
	}
	child := path.child(l.prop.key)
	if opts := optionsBelow(ctx.options, child.keys); len(opts) > 0 {
		ctx.session.logger.Debug("set instance-level lazy loader", "relation", l.prop.String())
		ctx.attrs().SetCallable(inst, l.prop.key, l.prop.lazyLoader(ctx.session, inst, opts))
		return nil
	}
	ctx.attrs().Reset(inst, l.prop.key)
	return nil
}

// lazyLoader returns a loader querying the targets related to inst. opts
// are applied to the query.
func (p *RelationProperty) lazyLoader(s *Session, inst attributes.Instance, opts []Option) attributes.Loader {
	return func() (any, error) {
		params, err := p.lazyParams(s, inst)
		if err != nil {
			return nil, err
		}
		if params == nil {
			return p.emptyLoader()()
		}
		q := s.Query(p.target).Options(opts...)
		if p.useGet {
			s.engine.metrics.load("get")
			ident := make([]any, len(p.getKeys))
			for i, key := range p.getKeys {
				ident[i] = params[key]
			}
			return q.Get(ident...)
		}
		s.engine.metrics.load("lazy")
		q = q.Filter(p.lazyClause).Params(params)
		if len(p.orderBy) > 0 {
			q = q.OrderBy(p.orderBy...)
		}
		results, err := q.All()
		if err != nil {
			return nil, err
		}
		if p.useList {
			return results, nil
		}
		if len(results) == 0 {
			return nil, nil
		}
		return results[0], nil
	}
}

// eagerLoader loads the relation in the query of its parent with an
// aliased LEFT OUTER JOIN.
type eagerLoader struct {
	prop *RelationProperty
}

func (l eagerLoader) initClassAttribute(m *Mapper) {
	// Instances loaded without the join fall back to lazy loading.
	lazyLoader{prop: l.prop}.initClassAttribute(m)
}

func (l eagerLoader) setupQuery(ctx *queryContext, path loadPath, adapter *sqlexpr.ClauseAdapter, visited *visitSet, columns *[]sqlexpr.Expr) {
	p := l.prop
	if visited.contains(p) || ctx.query.statement != nil {
		return
	}
	root := ctx.eagerRoot(path.entity)
	towrap, ok := ctx.eagerJoins[root]
	if !ok {
		towrap = root
	}
	target := sqlexpr.NewAlias(p.target.table, ctx.anonName(p.target.table.Name()))
	var secondary sqlexpr.FromClause
	if p.secondary != nil {
		secondary = sqlexpr.NewAlias(p.secondary, ctx.anonName(p.secondary.Name()))
	}
	ctx.setEagerJoin(root, p.joinTo(towrap, adapter, secondary, target, true))

	targetAdapter := sqlexpr.NewClauseAdapter(target)
	child := path.child(p.key)
	ctx.eagerAdapters[child.eagerKey()] = targetAdapter
	if len(p.orderBy) > 0 {
		ctx.eagerOrderBy = append(ctx.eagerOrderBy, targetAdapter.AdaptList(p.orderBy)...)
	}
	ctx.setupMapper(p.target, nil, child, targetAdapter, visited.with(p), &ctx.secondaryColumns)
}

func (l eagerLoader) processRow(ctx *queryContext, path loadPath, adapter *sqlexpr.ClauseAdapter, inst attributes.Instance, row *Row, isNew bool) error {
	p := l.prop
	child := path.child(p.key)
	targetAdapter, ok := ctx.eagerAdapters[child.eagerKey()]
	if ok {
		_, ok = p.target.identityFromRow(row, targetAdapter)
	}
	if !ok {
		ctx.session.logger.Debug("degrade to lazy loader", "relation", p.String())
		return lazyLoader{prop: p}.processRow(ctx, path, adapter, inst, row, isNew)
	}

	if !p.useList {
		target, err := ctx.instance(p.target, child, targetAdapter, row)
		if err != nil || !isNew {
			return err
		}
		var v any
		if target != nil {
			v = target
		}
		return ctx.attrs().SetCommitted(inst, p.key, v)
	}

	sk := scratchKey{inst: inst, key: p.key}
	if isNew {
		h, err := ctx.attrs().InitCollection(inst, p.key)
		if err != nil {
			return err
		}
		ctx.collections[sk] = h
	}
	target, err := ctx.instance(p.target, child, targetAdapter, row)
	if err != nil {
		return err
	}
	if h, ok := ctx.collections[sk]; ok && target != nil && !h.Contains(target) {
		return h.AppendCommitted(target)
	}
	return nil
}
