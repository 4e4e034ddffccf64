// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

/*
Package sqlexpr is a small SQL statement tree used by the object mapper.

A statement is built from [Table], [Alias] and [Join] from-clauses and from
column level expressions ([Column], [BindParam], [Binary], [BoolClause] and
friends). The tree can be walked with [Walk], copied and rewritten with
[Replace], re-targeted onto an alias with a [ClauseAdapter] and finally turned
into SQL text plus positional arguments with [Compile].

	users := sqlexpr.NewTable("users", "id", "name").WithPrimaryKey("id")
	sel := &sqlexpr.Select{
		Columns:   []sqlexpr.Expr{users.C("id"), users.C("name")},
		Where:     sqlexpr.Eq(users.C("name"), "fred"),
		UseLabels: true,
	}
	query, args, err := sqlexpr.Compile(sel, nil)
	// SELECT users.id AS users_id, users.name AS users_name FROM users WHERE users.name = ?

The rendering is generic: question mark placeholders, table qualified column
names and "table_column" result labels.
*/
package sqlexpr
