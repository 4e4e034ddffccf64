// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sqlorm

import (
	"strings"

	"github.com/canonical/sqlorm/sqlexpr"
)

// JoinFlag modifies how [Query.Join] joins its targets.
type JoinFlag int

const (
	// Aliased joins each target through a new alias. Criteria given to
	// Filter and FilterBy after the join are adapted to the last alias.
	Aliased JoinFlag = iota + 1
	// FromJoinPoint continues from the entity the previous join ended at
	// instead of the primary entity.
	FromJoinPoint
)

// JoinOn joins Target, a mapped class or from-clause, on an explicit
// condition.
type JoinOn struct {
	Target any
	On     sqlexpr.Expr
}

// joinPoint is the entity the last join ended at.
type joinPoint struct {
	mapper  *Mapper
	adapter *sqlexpr.ClauseAdapter
}

// Join joins the primary entity along the given targets, each a relation
// key (dotted keys join a chain), a *RelationAttr, a JoinOn, or a mapped
// class related to the entity before it. JoinFlag values modify the join.
func (q *Query) Join(targets ...any) *Query {
	return q.join("Join", targets, false)
}

// OuterJoin is like Join but makes LEFT OUTER JOINs.
func (q *Query) OuterJoin(targets ...any) *Query {
	return q.join("OuterJoin", targets, true)
}

// ResetJoinPoint makes FilterBy and later joins start from the primary
// entity again.
func (q *Query) ResetJoinPoint() *Query {
	if q.err != nil {
		return q
	}
	c := q.clone()
	c.joinpoint = nil
	c.filterAliases = nil
	return c
}

func (q *Query) join(meth string, targets []any, outer bool) *Query {
	if q.err != nil {
		return q
	}
	if err := q.check(meth, q.noStatement, q.noLimitOffset); err != nil {
		return q.fail(err)
	}
	aliased, fromJoinPoint := false, false
	var items []any
	for _, t := range targets {
		switch t := t.(type) {
		case JoinFlag:
			switch t {
			case Aliased:
				aliased = true
			case FromJoinPoint:
				fromJoinPoint = true
			}
		case string:
			for _, key := range strings.Split(t, ".") {
				items = append(items, key)
			}
		default:
			items = append(items, t)
		}
	}
	if len(items) == 0 {
		return q.fail(argumentError("cannot call Query.%s: no join target", meth))
	}

	c := q.clone()
	if !fromJoinPoint {
		c.joinpoint = nil
		c.filterAliases = nil
	}
	var m *Mapper
	var adapter *sqlexpr.ClauseAdapter
	if c.joinpoint != nil {
		m, adapter = c.joinpoint.mapper, c.joinpoint.adapter
	} else if ent := c.primaryEntity(); ent != nil {
		m, adapter = ent.mapper, ent.adapter.Wrap(c.fromObjAlias)
	}
	left := c.fromObj
	if left == nil {
		ent := c.primaryEntity()
		if ent == nil {
			return q.fail(invalidRequest("cannot call Query.%s: no entity to join from", meth))
		}
		left = ent.selectable
	}

	for _, item := range items {
		var err error
		switch t := item.(type) {
		case string:
			if m == nil {
				return q.fail(invalidRequest("cannot call Query.%s: no entity to join %q from", meth, t))
			}
			prop, perr := m.relation(t)
			if perr != nil {
				return q.fail(perr)
			}
			left, m, adapter, err = c.joinRelation(left, prop, adapter, aliased, outer)
		case *RelationAttr:
			parent := t.adapter
			if parent == nil && m != nil && m.base() == t.prop.parent.base() {
				parent = adapter
			}
			left, m, adapter, err = c.joinRelation(left, t.prop, parent, aliased, outer)
		case JoinOn:
			left, m, adapter, err = c.joinOn(left, t, outer)
		default:
			left, m, adapter, err = c.joinEntity(left, t, m, adapter, aliased, outer)
		}
		if err != nil {
			return q.fail(err)
		}
	}
	c.fromObj = left
	c.joinpoint = &joinPoint{mapper: m, adapter: adapter}
	return c
}

// joinRelation joins left to the target of prop. A relation already joined
// along the same path is not joined again.
func (q *Query) joinRelation(left sqlexpr.FromClause, prop *RelationProperty, parent *sqlexpr.ClauseAdapter, aliased, outer bool) (sqlexpr.FromClause, *Mapper, *sqlexpr.ClauseAdapter, error) {
	target := prop.target
	if !aliased {
		if q.joined[prop] {
			return left, target, nil, nil
		}
		if sqlexpr.Contains(left, target.table) {
			if prop.secondary != nil && !sqlexpr.Contains(left, prop.secondary) {
				return nil, nil, nil, invalidRequest("cannot join to relation %s: a path to table %q along a different secondary table already exists; use an aliased join",
					prop, target.table.Name())
			}
			return left, target, nil, nil
		}
	}

	var targetSel, secondary sqlexpr.FromClause = target.table, nil
	if prop.secondary != nil {
		secondary = prop.secondary
	}
	var targetAdapter *sqlexpr.ClauseAdapter
	if aliased {
		alias := sqlexpr.NewAlias(target.table, q.session.anonName(target.table.Name()))
		targetSel = alias
		targetAdapter = sqlexpr.NewClauseAdapter(alias)
		if prop.secondary != nil {
			secondary = sqlexpr.NewAlias(prop.secondary, q.session.anonName(prop.secondary.Name()))
		}
		q.filterAliases = targetAdapter
	}
	joined := prop.joinTo(left, parent, secondary, targetSel, outer)

	marks := make(map[*RelationProperty]bool, len(q.joined)+1)
	for p := range q.joined {
		marks[p] = true
	}
	if !aliased {
		marks[prop] = true
	}
	q.joined = marks
	return joined, target, targetAdapter, nil
}

// joinTarget resolves the target of a join to its from-clause and mapper.
// The mapper is nil for plain from-clauses.
func (q *Query) joinTarget(target any) (sqlexpr.FromClause, *Mapper, *sqlexpr.ClauseAdapter, error) {
	switch t := target.(type) {
	case *AliasedMapper:
		return t.alias, t.mapper, t.adapter, nil
	case sqlexpr.FromClause:
		return t, nil, nil, nil
	}
	m, err := q.session.registry.Mapper(target)
	if err != nil {
		return nil, nil, nil, err
	}
	return m.table, m, nil, nil
}

func (q *Query) joinOn(left sqlexpr.FromClause, on JoinOn, outer bool) (sqlexpr.FromClause, *Mapper, *sqlexpr.ClauseAdapter, error) {
	sel, m, adapter, err := q.joinTarget(on.Target)
	if err != nil {
		return nil, nil, nil, err
	}
	if on.On == nil {
		return nil, nil, nil, argumentError("cannot join to %s: no join condition", sel.Name())
	}
	return sqlexpr.NewJoin(left, sel, on.On, outer), m, adapter, nil
}

// joinEntity joins to a mapped class through the first relation of the
// current entity targeting it.
func (q *Query) joinEntity(left sqlexpr.FromClause, target any, from *Mapper, fromAdapter *sqlexpr.ClauseAdapter, aliased, outer bool) (sqlexpr.FromClause, *Mapper, *sqlexpr.ClauseAdapter, error) {
	_, m, _, err := q.joinTarget(target)
	if err != nil {
		return nil, nil, nil, err
	}
	if m == nil {
		return nil, nil, nil, argumentError("cannot join to %T without a join condition", target)
	}
	if from != nil {
		for _, p := range from.props {
			if rp, ok := p.(*RelationProperty); ok && m.isa(rp.target) {
				return q.joinRelation(left, rp, fromAdapter, aliased, outer)
			}
		}
	}
	return nil, nil, nil, invalidRequest("cannot join to %s: no relation leads to it", m.Name())
}
