/*
Sqlorm maps Go structs to relational tables and loads them through queries that are built in Go, not written as SQL text.

A mapped struct embeds sqlorm.Base and tags its fields with `db` tags.
Column attributes are tagged with the name of their column.
Relation attributes are slices or pointers of other mapped structs, tagged with the key of the relation.

	type User struct {
		sqlorm.Base
		ID        int        `db:"id"`
		Name      string     `db:"name"`
		Addresses []*Address `db:"addresses"`
	}

	type Address struct {
		sqlorm.Base
		ID     int    `db:"id"`
		UserID int    `db:"user_id"`
		Email  string `db:"email"`
	}

# Mapping

Tables are described with the sqlexpr package and structs are mapped onto them in a Registry:

	users := sqlexpr.NewTable("users", "id", "name").WithPrimaryKey("id")
	addresses := sqlexpr.NewTable("addresses", "id", "user_id", "email").
		WithPrimaryKey("id").
		WithForeignKey("user_id", users.C("id"))

	reg := sqlorm.NewRegistry()
	reg.MustMap(&User{}, users, sqlorm.WithRelation("addresses", &Address{}))
	reg.MustMap(&Address{}, addresses)

Relations are joined along the foreign keys between the tables unless a join condition is given.
Many-to-many relations go through a secondary table.
Classes inheriting from a mapped class share its table and are told apart by a discriminator column.

# Sessions

An Engine holds the database and the configured registry.
Work is done in a Session, which keeps one instance per primary key (the identity map) and tracks the changes made to them:

	engine, err := sqlorm.NewEngine(db, reg)
	sess := engine.Session(ctx)
	defer sess.Close()

	users, err := sqlorm.AllOf[*User](sess.Query(&User{}).
		Filter(sqlexpr.Like(users.C("name"), "e%")).
		OrderBy(users.C("id")))

Attributes are read and written through the session so that unloaded attributes are loaded and changes are recorded:

	addrs, err := sess.Attr(users[0], "addresses")
	err = sess.Set(users[0], "name", "eddie")
	err = sess.Commit()

Flush writes deletes, then inserts, then updates.
Relations load lazily on first access unless a query asks for them eagerly with Eager, which joins them into the same statement.

# Queries

Query values are immutable: every method returns a new query.
Misuse, such as filtering a query that already has a LIMIT, is recorded on the query and returned when it runs.
Bulk Update and Delete run a single statement and bring the instances of the session in line according to a SyncStrategy.
*/
package sqlorm
