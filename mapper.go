// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sqlorm

import (
	"reflect"

	"github.com/canonical/sqlorm/internal/attributes"
	"github.com/canonical/sqlorm/internal/typeinfo"
	"github.com/canonical/sqlorm/sqlexpr"
)

// mapConfig collects the options given to [Registry.Map].
type mapConfig struct {
	columns        map[string]*sqlexpr.Column
	relations      map[string]*relationConfig
	relationOrder  []string
	deferred       map[string]string
	inherits       *Mapper
	polymorphicOn  *sqlexpr.Column
	identity       any
	hasIdentity    bool
	polySelectable sqlexpr.FromClause
	polyClasses    []any
	polyAll        bool
	orderBy        []sqlexpr.Expr
	primaryKey     []*sqlexpr.Column
}

// MapOption configures a mapper.
type MapOption func(*mapConfig)

// WithColumn maps the attribute key to col instead of the column of the
// same name.
func WithColumn(key string, col *sqlexpr.Column) MapOption {
	return func(c *mapConfig) { c.columns[key] = col }
}

// WithRelation maps the attribute key to a relation with the class of
// target, given as a *Mapper or a sample of the class. The target does not
// need to be mapped until the registry is configured.
func WithRelation(key string, target any, opts ...RelationOption) MapOption {
	return func(c *mapConfig) {
		rc := &relationConfig{target: target, useList: -1}
		for _, opt := range opts {
			opt(rc)
		}
		if _, ok := c.relations[key]; !ok {
			c.relationOrder = append(c.relationOrder, key)
		}
		c.relations[key] = rc
	}
}

// Deferred defers the loading of the column attributes keys until they are
// first read.
func Deferred(keys ...string) MapOption {
	return DeferredGroup("", keys...)
}

// DeferredGroup defers the column attributes keys as a group: reading any
// of them loads all of them.
func DeferredGroup(group string, keys ...string) MapOption {
	return func(c *mapConfig) {
		for _, k := range keys {
			c.deferred[k] = group
		}
	}
}

// Inherits makes the class a single table inheritance subclass of parent.
func Inherits(parent *Mapper) MapOption {
	return func(c *mapConfig) { c.inherits = parent }
}

// PolymorphicOn sets the discriminator column of an inheritance hierarchy.
func PolymorphicOn(col *sqlexpr.Column) MapOption {
	return func(c *mapConfig) { c.polymorphicOn = col }
}

// PolymorphicIdentity sets the discriminator value of the class.
func PolymorphicIdentity(v any) MapOption {
	return func(c *mapConfig) {
		c.identity = v
		c.hasIdentity = true
	}
}

// PolymorphicLoading makes queries against the class load the columns of
// the given subclasses too, or of every subclass when none are given. When
// selectable is not nil rows are selected from it instead of the table.
func PolymorphicLoading(selectable sqlexpr.FromClause, classes ...any) MapOption {
	return func(c *mapConfig) {
		c.polySelectable = selectable
		c.polyClasses = classes
		c.polyAll = len(classes) == 0
	}
}

// DefaultOrderBy sets the ordering of queries that do not specify one.
func DefaultOrderBy(exprs ...sqlexpr.Expr) MapOption {
	return func(c *mapConfig) { c.orderBy = exprs }
}

// PrimaryKey overrides the primary key of the table.
func PrimaryKey(cols ...*sqlexpr.Column) MapOption {
	return func(c *mapConfig) { c.primaryKey = cols }
}

// Mapper maps a class onto a table.
type Mapper struct {
	registry *Registry
	class    reflect.Type
	info     *typeinfo.Info
	table    *sqlexpr.Table
	cfg      *mapConfig

	inherits            *Mapper
	subclasses          []*Mapper
	polymorphicOn       *sqlexpr.Column
	polymorphicIdentity any
	hasIdentity         bool
	// polymorphicMap is shared by every mapper of a hierarchy.
	polymorphicMap map[string]*Mapper

	withPolymorphic       []*Mapper
	polymorphicSelectable sqlexpr.FromClause

	orderBy    []sqlexpr.Expr
	primaryKey []*sqlexpr.Column

	props       []property
	propsByKey  map[string]property
	columnProps map[*sqlexpr.Column]*ColumnProperty

	configured bool
}

func newMapper(r *Registry, class reflect.Type, table *sqlexpr.Table, cfg *mapConfig) (*Mapper, error) {
	info, err := typeinfo.TypeInfoOf(class.Elem())
	if err != nil {
		return nil, argumentError("cannot map %s: %v", class.Elem(), err)
	}
	m := &Mapper{
		registry:    r,
		class:       class,
		info:        info,
		table:       table,
		cfg:         cfg,
		inherits:    cfg.inherits,
		orderBy:     cfg.orderBy,
		propsByKey:  map[string]property{},
		columnProps: map[*sqlexpr.Column]*ColumnProperty{},
	}
	if p := m.inherits; p != nil {
		if m.table == nil {
			m.table = p.table
		} else if m.table != p.table {
			return nil, argumentError("cannot map %s: only single table inheritance is supported", m.Name())
		}
		m.polymorphicOn = p.polymorphicOn
		m.polymorphicMap = p.polymorphicMap
		if m.orderBy == nil {
			m.orderBy = p.orderBy
		}
	}
	if m.table == nil {
		return nil, argumentError("cannot map %s: no table", m.Name())
	}
	if cfg.polymorphicOn != nil {
		m.polymorphicOn = cfg.polymorphicOn
	}
	if m.polymorphicOn != nil && m.polymorphicMap == nil {
		m.polymorphicMap = map[string]*Mapper{}
	}

	for _, tag := range info.Tags {
		if rc, ok := cfg.relations[tag]; ok {
			m.addProperty(&RelationProperty{key: tag, parent: m, cfg: rc})
			continue
		}
		if m.inherits != nil {
			if prop, ok := m.inherits.propsByKey[tag].(*RelationProperty); ok {
				m.addProperty(&RelationProperty{key: tag, parent: m, cfg: prop.cfg})
				continue
			}
		}
		col := cfg.columns[tag]
		if col == nil {
			col = m.table.C(tag)
		}
		if col == nil {
			return nil, argumentError("cannot map %s.%s: table %q has no column %q",
				m.Name(), info.TagToField[tag].Name, m.table.Name(), tag)
		}
		group, deferred := cfg.deferred[tag]
		if !deferred && m.inherits != nil {
			if parentProp, ok := m.inherits.propsByKey[tag].(*ColumnProperty); ok {
				deferred, group = parentProp.deferred, parentProp.group
			}
		}
		prop := &ColumnProperty{
			key:       tag,
			parent:    m,
			column:    col,
			deferred:  deferred,
			group:     group,
			omitEmpty: info.TagToField[tag].OmitEmpty,
		}
		m.addProperty(prop)
		m.columnProps[col] = prop
	}
	for _, key := range cfg.relationOrder {
		if _, ok := m.propsByKey[key]; !ok {
			return nil, argumentError("cannot map relation %s.%s: no field tagged %q", m.Name(), key, key)
		}
	}

	m.primaryKey = cfg.primaryKey
	if m.primaryKey == nil {
		m.primaryKey = m.table.PrimaryKey()
	}
	if len(m.primaryKey) == 0 {
		return nil, argumentError("cannot map %s: table %q has no primary key", m.Name(), m.table.Name())
	}
	for _, col := range m.primaryKey {
		if _, ok := m.columnProps[col]; !ok {
			return nil, argumentError("cannot map %s: primary key column %s is not mapped", m.Name(), col)
		}
	}

	if cfg.hasIdentity {
		if m.polymorphicOn == nil {
			return nil, argumentError("cannot map %s: polymorphic identity without discriminator column", m.Name())
		}
		key := identPart(cfg.identity)
		if other, ok := m.polymorphicMap[key]; ok {
			return nil, argumentError("cannot map %s: polymorphic identity %v already used by %s", m.Name(), cfg.identity, other.Name())
		}
		m.polymorphicIdentity = cfg.identity
		m.hasIdentity = true
		m.polymorphicMap[key] = m
	}
	if m.inherits != nil {
		m.inherits.subclasses = append(m.inherits.subclasses, m)
	}
	return m, nil
}

func (m *Mapper) addProperty(p property) {
	m.props = append(m.props, p)
	m.propsByKey[p.Key()] = p
}

// Name returns the name of the mapped struct type.
func (m *Mapper) Name() string {
	return m.class.Elem().Name()
}

// Class returns the mapped pointer type.
func (m *Mapper) Class() reflect.Type {
	return m.class
}

// Table returns the mapped table.
func (m *Mapper) Table() *sqlexpr.Table {
	return m.table
}

// PrimaryKey returns the primary key columns.
func (m *Mapper) PrimaryKey() []*sqlexpr.Column {
	return m.primaryKey
}

// C returns the column mapped to the attribute key, or nil.
func (m *Mapper) C(key string) *sqlexpr.Column {
	if p, ok := m.propsByKey[key].(*ColumnProperty); ok {
		return p.column
	}
	return nil
}

// Rel returns the relation attribute key, for use as a join target or in
// comparisons. It returns nil when key is not a relation.
func (m *Mapper) Rel(key string) *RelationAttr {
	p, ok := m.propsByKey[key].(*RelationProperty)
	if !ok {
		return nil
	}
	return &RelationAttr{prop: p}
}

// Alias returns the class mapped onto an alias of its table. Queries and
// joins against the aliased mapper select from the alias.
func (m *Mapper) Alias(name string) *AliasedMapper {
	alias := sqlexpr.NewAlias(m.table, name)
	return &AliasedMapper{mapper: m, alias: alias, adapter: sqlexpr.NewClauseAdapter(alias)}
}

// Inherits returns the parent mapper of a subclass, or nil.
func (m *Mapper) Inherits() *Mapper {
	return m.inherits
}

func (m *Mapper) base() *Mapper {
	for m.inherits != nil {
		m = m.inherits
	}
	return m
}

// isa reports whether m is other or one of its subclasses.
func (m *Mapper) isa(other *Mapper) bool {
	for ; m != nil; m = m.inherits {
		if m == other {
			return true
		}
	}
	return false
}

// descendants returns the subclasses of m, recursively.
func (m *Mapper) descendants() []*Mapper {
	var out []*Mapper
	for _, sub := range m.subclasses {
		out = append(out, sub)
		out = append(out, sub.descendants()...)
	}
	return out
}

// polymorphicIdentities returns the discriminator values of m and its
// subclasses.
func (m *Mapper) polymorphicIdentities() []any {
	var ids []any
	for _, sub := range append([]*Mapper{m}, m.descendants()...) {
		if sub.hasIdentity {
			ids = append(ids, sub.polymorphicIdentity)
		}
	}
	return ids
}

// singleTableCriterion returns the discriminator filter restricting rows of
// the shared table to m and its subclasses.
func (m *Mapper) singleTableCriterion() sqlexpr.Expr {
	if m.inherits == nil || m.polymorphicOn == nil {
		return nil
	}
	return sqlexpr.In(m.polymorphicOn, m.polymorphicIdentities()...)
}

// concreteMapper returns the subclass identified by the discriminator value.
func (m *Mapper) concreteMapper(discriminator any) (*Mapper, error) {
	if m.polymorphicMap == nil || discriminator == nil {
		return m, nil
	}
	sub, ok := m.polymorphicMap[identPart(discriminator)]
	if !ok {
		return nil, argumentError("no mapper of %s has polymorphic identity %v", m.base().Name(), discriminator)
	}
	return sub, nil
}

func (m *Mapper) property(key string) (property, bool) {
	p, ok := m.propsByKey[key]
	return p, ok
}

func (m *Mapper) relation(key string) (*RelationProperty, error) {
	p, ok := m.propsByKey[key].(*RelationProperty)
	if !ok {
		return nil, argumentError("%s has no relation %q", m.Name(), key)
	}
	return p, nil
}

// columnProperties returns the column properties in field order.
func (m *Mapper) columnProperties() []*ColumnProperty {
	var cols []*ColumnProperty
	for _, p := range m.props {
		if cp, ok := p.(*ColumnProperty); ok {
			cols = append(cols, cp)
		}
	}
	return cols
}

// columnKey returns the attribute key of a mapped column of m, looking
// through aliases.
func (m *Mapper) columnKey(col *sqlexpr.Column) (string, bool) {
	if p, ok := m.columnProps[col]; ok {
		return p.key, true
	}
	if c := m.table.Corresponding(col); c != nil {
		if p, ok := m.columnProps[c]; ok {
			return p.key, true
		}
	}
	return "", false
}

// configure resolves the relations of m.
func (m *Mapper) configure() error {
	cfg := m.cfg
	if len(cfg.polyClasses) > 0 || cfg.polyAll {
		if cfg.polyAll {
			m.withPolymorphic = m.descendants()
		}
		for _, c := range cfg.polyClasses {
			sub, err := m.registry.lookup(c)
			if err != nil {
				return err
			}
			if !sub.isa(m) {
				return argumentError("%s is not a subclass of %s", sub.Name(), m.Name())
			}
			m.withPolymorphic = append(m.withPolymorphic, sub)
		}
		m.polymorphicSelectable = cfg.polySelectable
	}
	for _, p := range m.props {
		if rp, ok := p.(*RelationProperty); ok {
			if err := rp.configure(); err != nil {
				return err
			}
		}
	}
	return nil
}

// registerAttributes declares the attributes of m with the class level
// loaders of their default strategies.
func (m *Mapper) registerAttributes() {
	for _, p := range m.props {
		newStrategy(p, p.defaultStrategy()).initClassAttribute(m)
	}
}

func (m *Mapper) newInstance() attributes.Instance {
	return reflect.New(m.class.Elem()).Interface().(attributes.Instance)
}

// identityOf returns the primary key values of inst as currently stored.
func (m *Mapper) identityOf(inst attributes.Instance) []any {
	dict := m.registry.attrs.State(inst).Dict()
	values := make([]any, len(m.primaryKey))
	for i, col := range m.primaryKey {
		values[i], _ = dict.Get(m.columnProps[col].key)
	}
	return values
}

// identityFromRow returns the primary key values of the row, reading the
// columns through adapter. It reports false when a primary key column is
// not in the row.
func (m *Mapper) identityFromRow(row *Row, adapter *sqlexpr.ClauseAdapter) ([]any, bool) {
	values := make([]any, len(m.primaryKey))
	for i, col := range m.primaryKey {
		v, ok := row.Get(adapter.AdaptColumn(col))
		if !ok {
			return nil, false
		}
		values[i] = v
	}
	return values, true
}

// AliasedMapper is a mapper selecting from an alias of its table.
type AliasedMapper struct {
	mapper  *Mapper
	alias   *sqlexpr.Alias
	adapter *sqlexpr.ClauseAdapter
}

// Mapper returns the mapper being aliased.
func (a *AliasedMapper) Mapper() *Mapper {
	return a.mapper
}

// Selectable returns the alias.
func (a *AliasedMapper) Selectable() *sqlexpr.Alias {
	return a.alias
}

// C returns the column of the alias mapped to the attribute key, or nil.
func (a *AliasedMapper) C(key string) *sqlexpr.Column {
	return a.adapter.AdaptColumn(a.mapper.C(key))
}

// Rel returns the relation attribute key from the alias.
func (a *AliasedMapper) Rel(key string) *RelationAttr {
	attr := a.mapper.Rel(key)
	if attr != nil {
		attr.adapter = a.adapter
	}
	return attr
}
