// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sqlexpr_test

import (
	. "gopkg.in/check.v1"

	"github.com/canonical/sqlorm/sqlexpr"
)

type AdapterSuite struct{}

var _ = Suite(&AdapterSuite{})

func (s *AdapterSuite) TestAdaptToTableAlias(c *C) {
	users, addresses := testTables()
	alias := sqlexpr.NewAlias(users, "users_1")
	adapter := sqlexpr.NewClauseAdapter(alias)

	c.Assert(adapter.AdaptColumn(users.C("id")), Equals, alias.C("id"))
	// Columns of other tables are left alone.
	c.Assert(adapter.AdaptColumn(addresses.C("id")), Equals, addresses.C("id"))

	adapted := adapter.Adapt(sqlexpr.Eq(users.C("id"), addresses.C("user_id")))
	sql, _, err := sqlexpr.Compile(&sqlexpr.Select{Columns: []sqlexpr.Expr{addresses.C("id")}, Where: adapted}, nil)
	c.Assert(err, IsNil)
	c.Assert(sql, Equals, "SELECT addresses.id FROM addresses, users AS users_1 WHERE users_1.id = addresses.user_id")
}

func (s *AdapterSuite) TestDistinctAliasesAreNotConflated(c *C) {
	users, _ := testTables()
	a1 := sqlexpr.NewAlias(users, "users_1")
	a2 := sqlexpr.NewAlias(users, "users_2")
	c.Assert(a1.Corresponding(a2.C("id")), IsNil)
	c.Assert(a1.Corresponding(users.C("id")), Equals, a1.C("id"))
	c.Assert(users.Corresponding(a2.C("name")), Equals, users.C("name"))
}

func (s *AdapterSuite) TestAdaptThroughNestedSubqueries(c *C) {
	users, _ := testTables()
	inner := &sqlexpr.Select{Columns: []sqlexpr.Expr{users.C("id"), users.C("name")}, UseLabels: true}
	anon1 := inner.Alias("anon_1")
	outer := &sqlexpr.Select{Columns: []sqlexpr.Expr{anon1.C("users_id"), anon1.C("users_name")}, UseLabels: true}
	anon2 := outer.Alias("anon_2")

	c.Assert(anon1.C("users_id").IsPrimaryKey(), Equals, true)
	c.Assert(sqlexpr.NewClauseAdapter(anon1).AdaptColumn(users.C("name")), Equals, anon1.C("users_name"))
	c.Assert(sqlexpr.NewClauseAdapter(anon2).AdaptColumn(users.C("name")), Equals, anon2.C("anon_1_users_name"))
}

func (s *AdapterSuite) TestWrap(c *C) {
	users, _ := testTables()
	alias := sqlexpr.NewAlias(users, "users_1")
	inner := &sqlexpr.Select{Columns: []sqlexpr.Expr{alias.C("id")}, UseLabels: true}
	anon := inner.Alias("anon_1")

	adapter := sqlexpr.NewClauseAdapter(alias).Wrap(sqlexpr.NewClauseAdapter(anon))
	c.Assert(adapter.AdaptColumn(users.C("id")), Equals, anon.C("users_1_id"))

	var nilAdapter *sqlexpr.ClauseAdapter
	c.Assert(nilAdapter.AdaptColumn(users.C("id")), Equals, users.C("id"))
	c.Assert(nilAdapter.Wrap(adapter), Equals, adapter)
}

func (s *AdapterSuite) TestExclude(c *C) {
	users, _ := testTables()
	alias := sqlexpr.NewAlias(users, "users_1")
	adapter := sqlexpr.NewClauseAdapter(alias).Exclude(users.C("name"))
	c.Assert(adapter.AdaptColumn(users.C("id")), Equals, alias.C("id"))
	c.Assert(adapter.AdaptColumn(users.C("name")), Equals, users.C("name"))
}

func (s *AdapterSuite) TestColumnsIn(c *C) {
	users, addresses := testTables()
	e := sqlexpr.And(
		sqlexpr.Eq(users.C("id"), addresses.C("user_id")),
		sqlexpr.Eq(users.C("id"), 3),
		sqlexpr.ExistsIn(&sqlexpr.Select{Columns: []sqlexpr.Expr{addresses.C("email")}}),
	)
	c.Assert(sqlexpr.ColumnsIn(e), DeepEquals, []*sqlexpr.Column{users.C("id"), addresses.C("user_id"), addresses.C("email")})
	c.Assert(sqlexpr.ShallowColumnsIn(e), DeepEquals, []*sqlexpr.Column{users.C("id"), addresses.C("user_id")})
}

func (s *AdapterSuite) TestReplaceCopies(c *C) {
	users, _ := testTables()
	orig := sqlexpr.Eq(users.C("id"), 1)
	replaced := sqlexpr.Replace(orig, func(n sqlexpr.Node) sqlexpr.Node {
		if _, ok := n.(*sqlexpr.BindParam); ok {
			return sqlexpr.Param("id")
		}
		return nil
	})
	c.Assert(replaced, Not(Equals), orig)
	sql, args, err := sqlexpr.Compile(&sqlexpr.Select{Columns: []sqlexpr.Expr{users.C("name")}, Where: replaced}, map[string]any{"id": 9})
	c.Assert(err, IsNil)
	c.Assert(sql, Equals, "SELECT users.name FROM users WHERE users.id = ?")
	c.Assert(args, DeepEquals, []any{9})

	// The original still carries its own value.
	_, args, err = sqlexpr.Compile(&sqlexpr.Select{Columns: []sqlexpr.Expr{users.C("name")}, Where: orig}, nil)
	c.Assert(err, IsNil)
	c.Assert(args, DeepEquals, []any{1})
}
