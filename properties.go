// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sqlorm

import (
	"github.com/canonical/sqlorm/internal/attributes"
	"github.com/canonical/sqlorm/sqlexpr"
)

// property is a mapped attribute of a class.
type property interface {
	Key() string
	// defaultStrategy returns the loader strategy used when no query
	// option applies.
	defaultStrategy() strategyKind
}

// ColumnProperty maps an attribute to a column.
type ColumnProperty struct {
	key       string
	parent    *Mapper
	column    *sqlexpr.Column
	deferred  bool
	group     string
	omitEmpty bool
}

func (p *ColumnProperty) Key() string { return p.key }

// Column returns the mapped column.
func (p *ColumnProperty) Column() *sqlexpr.Column { return p.column }

func (p *ColumnProperty) defaultStrategy() strategyKind {
	if p.deferred {
		return strategyDeferred
	}
	return strategyColumn
}

// loaderFor returns the class level loader of the column for inst. It loads
// the column with the other unloaded columns it is grouped with.
func (p *ColumnProperty) loaderFor(inst attributes.Instance) attributes.Loader {
	info := ownerOf(inst)
	if info == nil || info.session == nil || info.ident == nil {
		return nil
	}
	return func() (any, error) {
		return info.session.loadColumns(inst, info, p)
	}
}

// LoadStrategy selects how a relation is loaded by default.
type LoadStrategy int

const (
	// LoadSelect loads the relation with a separate query on first access.
	LoadSelect LoadStrategy = iota
	// LoadJoined loads the relation in the same query as its parent with
	// a LEFT OUTER JOIN.
	LoadJoined
	// LoadNoop never loads the relation. It reads as empty.
	LoadNoop
)

type direction int

const (
	oneToMany direction = iota
	manyToOne
	manyToMany
)

func (d direction) String() string {
	switch d {
	case oneToMany:
		return "one-to-many"
	case manyToOne:
		return "many-to-one"
	}
	return "many-to-many"
}

// relationConfig collects the options given to [WithRelation].
type relationConfig struct {
	target        any
	secondary     *sqlexpr.Table
	primaryJoin   sqlexpr.Expr
	secondaryJoin sqlexpr.Expr
	foreignKeys   []*sqlexpr.Column
	remoteSide    []*sqlexpr.Column
	orderBy       []sqlexpr.Expr
	loading       LoadStrategy
	// useList is -1 when derived from the direction.
	useList int
}

// RelationOption configures a relation.
type RelationOption func(*relationConfig)

// Secondary relates the classes through an association table.
func Secondary(table *sqlexpr.Table) RelationOption {
	return func(c *relationConfig) { c.secondary = table }
}

// PrimaryJoin sets the condition joining the parent table to the target,
// or to the secondary table.
func PrimaryJoin(on sqlexpr.Expr) RelationOption {
	return func(c *relationConfig) { c.primaryJoin = on }
}

// SecondaryJoin sets the condition joining the secondary table to the
// target.
func SecondaryJoin(on sqlexpr.Expr) RelationOption {
	return func(c *relationConfig) { c.secondaryJoin = on }
}

// ForeignKeys designates the foreign key columns of the join condition when
// the tables do not declare them.
func ForeignKeys(cols ...*sqlexpr.Column) RelationOption {
	return func(c *relationConfig) { c.foreignKeys = cols }
}

// RemoteSide designates the columns on the target side of a self
// referential relation. Naming the primary key makes it many-to-one.
func RemoteSide(cols ...*sqlexpr.Column) RelationOption {
	return func(c *relationConfig) { c.remoteSide = cols }
}

// RelationOrderBy orders the items of a collection.
func RelationOrderBy(exprs ...sqlexpr.Expr) RelationOption {
	return func(c *relationConfig) { c.orderBy = exprs }
}

// Loading sets the default load strategy of the relation.
func Loading(s LoadStrategy) RelationOption {
	return func(c *relationConfig) { c.loading = s }
}

// UseList sets whether the relation holds a collection.
func UseList(useList bool) RelationOption {
	return func(c *relationConfig) {
		c.useList = 0
		if useList {
			c.useList = 1
		}
	}
}

// lazyBind binds a local column to a parameter of the lazy clause.
type lazyBind struct {
	column *sqlexpr.Column
	key    string
}

// RelationProperty maps an attribute to related instances.
type RelationProperty struct {
	key    string
	parent *Mapper
	target *Mapper
	cfg    *relationConfig

	secondary     *sqlexpr.Table
	primaryJoin   sqlexpr.Expr
	secondaryJoin sqlexpr.Expr
	direction     direction
	useList       bool
	orderBy       []sqlexpr.Expr

	// local holds the columns of primaryJoin on the parent side.
	local map[*sqlexpr.Column]bool
	// lazyClause is primaryJoin, and secondaryJoin, with the local columns
	// replaced by bind parameters.
	lazyClause sqlexpr.Expr
	lazyBinds  []lazyBind
	// useGet is set when lazyClause is a primary key lookup of the target;
	// getKeys then holds the bind keys in primary key order.
	useGet  bool
	getKeys []string
}

func (p *RelationProperty) Key() string { return p.key }

// Target returns the mapper of the related class.
func (p *RelationProperty) Target() *Mapper { return p.target }

// UseList reports whether the relation holds a collection.
func (p *RelationProperty) UseList() bool { return p.useList }

func (p *RelationProperty) defaultStrategy() strategyKind {
	switch p.cfg.loading {
	case LoadJoined:
		return strategyEager
	case LoadNoop:
		return strategyNoLoad
	}
	return strategyLazy
}

func (p *RelationProperty) String() string {
	return p.parent.Name() + "." + p.key
}

func (p *RelationProperty) configure() error {
	target, err := p.parent.registry.lookup(p.cfg.target)
	if err != nil {
		return argumentError("cannot configure relation %s: %v", p, err)
	}
	p.target = target
	p.secondary = p.cfg.secondary
	p.primaryJoin = p.cfg.primaryJoin
	p.secondaryJoin = p.cfg.secondaryJoin
	p.orderBy = p.cfg.orderBy

	if p.secondary != nil {
		if err := p.configureSecondary(); err != nil {
			return err
		}
	} else if err := p.configureDirect(); err != nil {
		return err
	}

	switch p.cfg.useList {
	case -1:
		p.useList = p.direction != manyToOne
	default:
		p.useList = p.cfg.useList == 1
	}
	p.computeLazyClause()
	return nil
}

func (p *RelationProperty) configureSecondary() error {
	parentTable, targetTable := p.parent.table, p.target.table
	if p.primaryJoin == nil {
		p.primaryJoin = foreignKeyJoin(p.secondary, parentTable, p.cfg.foreignKeys)
		if p.primaryJoin == nil {
			return argumentError("cannot configure relation %s: no foreign key from %s to %s",
				p, p.secondary.Name(), parentTable.Name())
		}
	}
	if p.secondaryJoin == nil {
		p.secondaryJoin = foreignKeyJoin(p.secondary, targetTable, p.cfg.foreignKeys)
		if p.secondaryJoin == nil {
			return argumentError("cannot configure relation %s: no foreign key from %s to %s",
				p, p.secondary.Name(), targetTable.Name())
		}
	}
	p.direction = manyToMany
	p.local = map[*sqlexpr.Column]bool{}
	for _, col := range sqlexpr.ColumnsIn(p.primaryJoin) {
		if col.Table() == sqlexpr.FromClause(parentTable) {
			p.local[col] = true
		}
	}
	return nil
}

// foreignKeyJoin returns the condition joining the foreign keys of from
// that reference to. When fks is not empty only those columns are used.
func foreignKeyJoin(from, to *sqlexpr.Table, fks []*sqlexpr.Column) sqlexpr.Expr {
	var clauses []sqlexpr.Expr
	for _, fk := range from.ForeignKeys(to) {
		if len(fks) > 0 && !containsColumn(fks, fk) {
			continue
		}
		clauses = append(clauses, sqlexpr.Eq(fk.References(), fk))
	}
	return sqlexpr.And(clauses...)
}

func containsColumn(cols []*sqlexpr.Column, col *sqlexpr.Column) bool {
	for _, c := range cols {
		if c == col {
			return true
		}
	}
	return false
}

func (p *RelationProperty) configureDirect() error {
	parentTable, targetTable := p.parent.table, p.target.table
	selfRef := parentTable == targetTable

	fks := p.cfg.foreignKeys
	if len(fks) == 0 {
		if p.primaryJoin != nil {
			for _, col := range sqlexpr.ColumnsIn(p.primaryJoin) {
				if col.References() != nil && !containsColumn(fks, col) {
					fks = append(fks, col)
				}
			}
		} else if selfRef {
			fks = parentTable.ForeignKeys(parentTable)
		} else {
			fks = append(targetTable.ForeignKeys(parentTable), parentTable.ForeignKeys(targetTable)...)
		}
	}
	if len(fks) == 0 {
		return argumentError("cannot configure relation %s: cannot determine join condition between %s and %s; specify ForeignKeys",
			p, parentTable.Name(), targetTable.Name())
	}

	inParent, inTarget := false, false
	for _, fk := range fks {
		if fk.Table() == sqlexpr.FromClause(parentTable) {
			inParent = true
		}
		if fk.Table() == sqlexpr.FromClause(targetTable) {
			inTarget = true
		}
	}
	switch {
	case selfRef:
		p.direction = oneToMany
		for _, col := range p.cfg.remoteSide {
			if !containsColumn(fks, col) {
				p.direction = manyToOne
			}
		}
	case inTarget && !inParent:
		p.direction = oneToMany
	case inParent && !inTarget:
		p.direction = manyToOne
	default:
		return argumentError("cannot configure relation %s: foreign keys in both %s and %s; specify ForeignKeys",
			p, parentTable.Name(), targetTable.Name())
	}

	if p.primaryJoin == nil {
		var clauses []sqlexpr.Expr
		for _, fk := range fks {
			if fk.References() == nil {
				return argumentError("cannot configure relation %s: column %s references nothing; specify PrimaryJoin", p, fk)
			}
			if p.direction == manyToOne {
				clauses = append(clauses, sqlexpr.Eq(fk, fk.References()))
			} else {
				clauses = append(clauses, sqlexpr.Eq(fk.References(), fk))
			}
		}
		p.primaryJoin = sqlexpr.And(clauses...)
	}

	p.local = map[*sqlexpr.Column]bool{}
	for _, col := range sqlexpr.ColumnsIn(p.primaryJoin) {
		isFK := containsColumn(fks, col)
		switch {
		case selfRef && p.direction == manyToOne:
			p.local[col] = isFK
		case selfRef:
			p.local[col] = !isFK
		default:
			p.local[col] = col.Table() == sqlexpr.FromClause(parentTable)
		}
	}
	return nil
}

func (p *RelationProperty) computeLazyClause() {
	keys := map[*sqlexpr.Column]string{}
	p.lazyBinds = nil
	clause := sqlexpr.Replace(p.primaryJoin, func(n sqlexpr.Node) sqlexpr.Node {
		col, ok := n.(*sqlexpr.Column)
		if !ok || !p.local[col] {
			return nil
		}
		key, ok := keys[col]
		if !ok {
			key = col.Label()
			keys[col] = key
			p.lazyBinds = append(p.lazyBinds, lazyBind{column: col, key: key})
		}
		return &sqlexpr.BindParam{Key: key}
	})
	if p.secondary != nil {
		clause = sqlexpr.And(clause, p.secondaryJoin)
	}
	p.lazyClause = clause

	p.useGet, p.getKeys = false, nil
	if p.useList || p.secondary != nil {
		return
	}
	terms := []sqlexpr.Expr{clause}
	if bc, ok := clause.(*sqlexpr.BoolClause); ok && bc.Op == sqlexpr.OpAnd {
		terms = bc.Clauses
	}
	byColumn := map[*sqlexpr.Column]string{}
	for _, term := range terms {
		b, ok := term.(*sqlexpr.Binary)
		if !ok || b.Op != sqlexpr.OpEq {
			return
		}
		col, bind := pkBind(b.Left, b.Right)
		if col == nil {
			col, bind = pkBind(b.Right, b.Left)
		}
		if col == nil || !containsColumn(p.target.primaryKey, col) {
			return
		}
		byColumn[col] = bind.Key
	}
	if len(byColumn) != len(p.target.primaryKey) {
		return
	}
	for _, col := range p.target.primaryKey {
		p.getKeys = append(p.getKeys, byColumn[col])
	}
	p.useGet = true
}

func pkBind(a, b sqlexpr.Expr) (*sqlexpr.Column, *sqlexpr.BindParam) {
	col, ok := a.(*sqlexpr.Column)
	if !ok {
		return nil, nil
	}
	bind, ok := b.(*sqlexpr.BindParam)
	if !ok {
		return nil, nil
	}
	return col, bind
}

// joinCondition returns primaryJoin and secondaryJoin with the parent side
// columns adapted by parent, the secondary table columns by secondary and
// the target columns by target. Roles are assigned by column so that self
// referential relations are adapted correctly.
func (p *RelationProperty) joinCondition(parent, secondary, target *sqlexpr.ClauseAdapter) (sqlexpr.Expr, sqlexpr.Expr) {
	primary := sqlexpr.Replace(p.primaryJoin, func(n sqlexpr.Node) sqlexpr.Node {
		col, ok := n.(*sqlexpr.Column)
		if !ok {
			return nil
		}
		switch {
		case p.local[col]:
			return parent.AdaptColumn(col)
		case p.secondary != nil:
			return secondary.AdaptColumn(col)
		}
		return target.AdaptColumn(col)
	})
	if p.secondary == nil {
		return primary, nil
	}
	second := sqlexpr.Replace(p.secondaryJoin, func(n sqlexpr.Node) sqlexpr.Node {
		col, ok := n.(*sqlexpr.Column)
		if !ok {
			return nil
		}
		if col.Table() == sqlexpr.FromClause(p.secondary) {
			return secondary.AdaptColumn(col)
		}
		return target.AdaptColumn(col)
	})
	return primary, second
}

// joinTo joins the parent from-clause left to the target selectable. left
// is adapted to by parent.
func (p *RelationProperty) joinTo(left sqlexpr.FromClause, parent *sqlexpr.ClauseAdapter,
	secondary sqlexpr.FromClause, target sqlexpr.FromClause, outer bool) sqlexpr.FromClause {
	var secondaryAdapter *sqlexpr.ClauseAdapter
	if secondary != nil && secondary != sqlexpr.FromClause(p.secondary) {
		secondaryAdapter = sqlexpr.NewClauseAdapter(secondary)
	}
	var targetAdapter *sqlexpr.ClauseAdapter
	if target != sqlexpr.FromClause(p.target.table) {
		targetAdapter = sqlexpr.NewClauseAdapter(target)
	}
	on, secondOn := p.joinCondition(parent, secondaryAdapter, targetAdapter)
	if crit := p.target.singleTableCriterion(); crit != nil {
		if p.secondary == nil {
			on = sqlexpr.And(on, targetAdapter.Adapt(crit))
		} else {
			secondOn = sqlexpr.And(secondOn, targetAdapter.Adapt(crit))
		}
	}
	if p.secondary == nil {
		return sqlexpr.NewJoin(left, target, on, outer)
	}
	return sqlexpr.NewJoin(sqlexpr.NewJoin(left, secondary, on, outer), target, secondOn, outer)
}

// criterionFor returns the condition selecting the targets related to
// inst, with the local columns replaced by the values of inst.
func (p *RelationProperty) criterionFor(s *Session, inst attributes.Instance) (sqlexpr.Expr, error) {
	params, err := p.lazyParams(s, inst)
	if err != nil {
		return nil, err
	}
	return bindValues(p.lazyClause, params), nil
}

// lazyParams returns the values of the local columns of inst keyed by bind
// key. A nil map is returned when a value is NULL.
func (p *RelationProperty) lazyParams(s *Session, inst attributes.Instance) (map[string]any, error) {
	params := map[string]any{}
	for _, b := range p.lazyBinds {
		key, ok := p.parent.columnKey(b.column)
		if !ok {
			return nil, invalidRequest("cannot load relation %s: column %s is not mapped", p, b.column)
		}
		v, err := s.registry.attrs.Get(inst, key)
		if err != nil {
			return nil, err
		}
		if v == nil {
			return nil, nil
		}
		params[b.key] = v
	}
	return params, nil
}

// bindValues replaces the keyed bind parameters of e by their values.
func bindValues(e sqlexpr.Expr, params map[string]any) sqlexpr.Expr {
	return sqlexpr.Replace(e, func(n sqlexpr.Node) sqlexpr.Node {
		bp, ok := n.(*sqlexpr.BindParam)
		if !ok || bp.HasValue {
			return nil
		}
		if v, ok := params[bp.Key]; ok {
			return sqlexpr.Value(v)
		}
		return nil
	})
}

// loaderFor returns the class level loader of the relation for inst.
func (p *RelationProperty) loaderFor(inst attributes.Instance) attributes.Loader {
	info := ownerOf(inst)
	if info == nil {
		return nil
	}
	if info.session == nil {
		return func() (any, error) {
			return nil, invalidRequest("cannot load relation %s: parent instance is not bound to a session", p)
		}
	}
	if info.ident == nil {
		return p.emptyLoader()
	}
	return p.lazyLoader(info.session, inst, nil)
}

func (p *RelationProperty) emptyLoader() attributes.Loader {
	return func() (any, error) {
		if p.useList {
			return []any{}, nil
		}
		return nil, nil
	}
}

// RelationAttr is a relation used as a join target or in criteria.
type RelationAttr struct {
	prop *RelationProperty
	// adapter adapts the parent side when the relation is reached through
	// an aliased mapper.
	adapter *sqlexpr.ClauseAdapter
}

// Property returns the relation.
func (a *RelationAttr) Property() *RelationProperty {
	return a.prop
}

// exists returns a correlated EXISTS selecting the targets related to the
// parent row and matching criterion.
func (a *RelationAttr) exists(criterion sqlexpr.Expr) sqlexpr.Expr {
	p := a.prop
	on, secondOn := p.joinCondition(a.adapter, nil, nil)
	where := sqlexpr.And(on, secondOn, p.target.singleTableCriterion(), criterion)
	sel := &sqlexpr.Select{
		Columns: []sqlexpr.Expr{sqlexpr.Lit(1)},
		From:    []sqlexpr.FromClause{p.target.table},
		Where:   where,
	}
	if p.secondary != nil {
		sel.From = append(sel.From, p.secondary)
	}
	return sqlexpr.ExistsIn(sel)
}

// Any returns a criterion true when any item of a collection relation
// matches criterion, which may be nil.
func (a *RelationAttr) Any(criterion sqlexpr.Expr) sqlexpr.Expr {
	return a.exists(criterion)
}

// Has returns a criterion true when the target of a scalar relation
// matches criterion, which may be nil.
func (a *RelationAttr) Has(criterion sqlexpr.Expr) sqlexpr.Expr {
	return a.exists(criterion)
}

// Contains returns a criterion true for parents whose collection contains
// target, which must be persistent in s.
func (a *RelationAttr) Contains(s *Session, target any) (sqlexpr.Expr, error) {
	return a.compareTo(s, target)
}

// Is returns a criterion true for parents whose scalar relation refers to
// target. A nil target matches parents referring to nothing.
func (a *RelationAttr) Is(s *Session, target any) (sqlexpr.Expr, error) {
	if target == nil {
		p := a.prop
		if p.direction != manyToOne {
			return sqlexpr.Not(a.exists(nil)), nil
		}
		var clauses []sqlexpr.Expr
		for _, col := range sqlexpr.ColumnsIn(p.primaryJoin) {
			if p.local[col] {
				clauses = append(clauses, sqlexpr.Eq(a.adapter.AdaptColumn(col), nil))
			}
		}
		return sqlexpr.And(clauses...), nil
	}
	return a.compareTo(s, target)
}

// compareTo replaces the target side of the relation by the values of
// target. Many-to-many relations compare through an EXISTS on the
// secondary table.
func (a *RelationAttr) compareTo(s *Session, target any) (sqlexpr.Expr, error) {
	p := a.prop
	m, inst, err := s.registry.instanceMapper(target)
	if err != nil {
		return nil, err
	}
	if !m.isa(p.target) {
		return nil, argumentError("cannot compare relation %s with %s", p, m.Name())
	}
	if p.secondary != nil {
		var clauses []sqlexpr.Expr
		values := m.identityOf(inst)
		for i, col := range p.target.primaryKey {
			clauses = append(clauses, sqlexpr.Eq(col, values[i]))
		}
		return a.exists(sqlexpr.And(clauses...)), nil
	}
	var replaceErr error
	e := sqlexpr.Replace(p.primaryJoin, func(n sqlexpr.Node) sqlexpr.Node {
		col, ok := n.(*sqlexpr.Column)
		if !ok {
			return nil
		}
		if p.local[col] {
			return a.adapter.AdaptColumn(col)
		}
		key, ok := m.columnKey(col)
		if !ok {
			replaceErr = argumentError("cannot compare relation %s: column %s is not mapped", p, col)
			return nil
		}
		v, err := s.registry.attrs.Get(inst, key)
		if err != nil {
			replaceErr = err
			return nil
		}
		return sqlexpr.Value(v)
	})
	if replaceErr != nil {
		return nil, replaceErr
	}
	return e, nil
}
