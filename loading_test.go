// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sqlorm_test

import (
	"github.com/prometheus/client_golang/prometheus/testutil"
	. "gopkg.in/check.v1"

	"github.com/canonical/sqlorm"
	"github.com/canonical/sqlorm/sqlexpr"
)

func emails(addresses []*Address) []string {
	out := make([]string, len(addresses))
	for i, a := range addresses {
		out[i] = a.Email
	}
	return out
}

func keywordNames(keywords []*Keyword) []string {
	out := make([]string, len(keywords))
	for i, k := range keywords {
		out[i] = k.Name
	}
	return out
}

func (s *PackageSuite) TestLazyLoading(c *C) {
	f := s.newFixture(c)
	sess := f.session()
	defer sess.Close()
	users := f.allUsers(c, sess)
	selects := f.selects()

	state, err := sess.LoadState(users[1], "addresses")
	c.Assert(err, IsNil)
	c.Assert(state, Equals, sqlorm.Unloaded)

	v, err := sess.Attr(users[1], "addresses")
	c.Assert(err, IsNil)
	c.Assert(emails(v.([]*Address)), DeepEquals, []string{"ed@wood.com", "ed@bettyboop.com", "ed@lala.com"})
	c.Assert(emails(users[1].Addresses), DeepEquals, []string{"ed@wood.com", "ed@bettyboop.com", "ed@lala.com"})
	c.Assert(f.selects(), Equals, selects+1)

	// The relation is loaded once.
	_, err = sess.Attr(users[1], "addresses")
	c.Assert(err, IsNil)
	c.Assert(f.selects(), Equals, selects+1)

	v, err = sess.Attr(users[3], "addresses")
	c.Assert(err, IsNil)
	c.Assert(v, HasLen, 0)

	// The many-to-one side is found in the identity map.
	selects = f.selects()
	addr := users[1].Addresses[0]
	owner, err := sess.Attr(addr, "user")
	c.Assert(err, IsNil)
	c.Assert(owner, Equals, users[1])
	c.Assert(f.selects(), Equals, selects)
	c.Assert(testutil.ToFloat64(f.engine.Metrics().Loads.WithLabelValues("get")), Equals, float64(1))
	c.Assert(testutil.ToFloat64(f.engine.Metrics().Loads.WithLabelValues("lazy")), Equals, float64(2))
}

func (s *PackageSuite) TestManyToOneLoadsByPrimaryKey(c *C) {
	f := s.newFixture(c)
	sess := f.session()
	defer sess.Close()

	addr, err := sqlorm.GetOf[*Address](sess.Query(f.address), 5)
	c.Assert(err, IsNil)
	selects := f.selects()
	owner, err := sess.Attr(addr, "user")
	c.Assert(err, IsNil)
	c.Assert(owner.(*User).Name, Equals, "fred")
	c.Assert(addr.User, Equals, owner)
	c.Assert(f.selects(), Equals, selects+1)
}

func (s *PackageSuite) TestEagerLoading(c *C) {
	f := s.newFixture(c)
	sess := f.session()
	defer sess.Close()

	users, err := sqlorm.AllOf[*User](sess.Query(f.user).
		Options(sqlorm.Eager("addresses")).
		OrderBy(f.users.C("id")))
	c.Assert(err, IsNil)
	c.Assert(userNames(users), DeepEquals, []string{"jack", "ed", "fred", "chuck"})
	selects := f.selects()
	c.Assert(selects, Equals, float64(1))

	expected := [][]string{
		{"jack@bean.com"},
		{"ed@wood.com", "ed@bettyboop.com", "ed@lala.com"},
		{"fred@fred.com"},
		{},
	}
	for i, u := range users {
		state, err := sess.LoadState(u, "addresses")
		c.Assert(err, IsNil)
		c.Check(state, Equals, sqlorm.Loaded)
		v, err := sess.Attr(u, "addresses")
		c.Assert(err, IsNil)
		c.Check(emails(v.([]*Address)), DeepEquals, expected[i])
	}
	c.Assert(f.selects(), Equals, selects)
}

func (s *PackageSuite) TestEagerLoadingByDefault(c *C) {
	f := s.newFixture(c, sqlorm.Loading(sqlorm.LoadJoined))
	sess := f.session()
	defer sess.Close()

	users := f.allUsers(c, sess)
	c.Assert(emails(users[1].Addresses), DeepEquals, []string{"ed@wood.com", "ed@bettyboop.com", "ed@lala.com"})

	// Eager loading can be turned off per query.
	other := f.session()
	defer other.Close()
	lazy, err := sqlorm.AllOf[*User](other.Query(f.user).Options(sqlorm.Lazy("addresses")).OrderBy(f.users.C("id")))
	c.Assert(err, IsNil)
	state, err := other.LoadState(lazy[1], "addresses")
	c.Assert(err, IsNil)
	c.Assert(state, Equals, sqlorm.Unloaded)

	disabled, err := sqlorm.AllOf[*User](f.session().Query(f.user).EnableEagerloads(false))
	c.Assert(err, IsNil)
	c.Assert(disabled, HasLen, 4)
	c.Assert(disabled[0].Addresses, IsNil)
}

func (s *PackageSuite) TestEagerLoadingWithLimit(c *C) {
	f := s.newFixture(c)
	sess := f.session()
	defer sess.Close()

	// The limit counts users, not joined rows.
	users, err := sqlorm.AllOf[*User](sess.Query(f.user).
		Options(sqlorm.Eager("addresses")).
		OrderBy(f.users.C("id")).
		Limit(2))
	c.Assert(err, IsNil)
	c.Assert(userNames(users), DeepEquals, []string{"jack", "ed"})
	c.Assert(emails(users[1].Addresses), DeepEquals, []string{"ed@wood.com", "ed@bettyboop.com", "ed@lala.com"})
	c.Assert(f.selects(), Equals, float64(1))

	users, err = sqlorm.AllOf[*User](f.session().Query(f.user).
		Options(sqlorm.Eager("addresses")).
		OrderBy(f.users.C("id")).
		Slice(1, 3))
	c.Assert(err, IsNil)
	c.Assert(userNames(users), DeepEquals, []string{"ed", "fred"})
	c.Assert(users[1].Addresses, HasLen, 1)

	first, err := sqlorm.FirstOf[*User](f.session().Query(f.user).
		Options(sqlorm.Eager("addresses")).
		Filter(sqlexpr.Eq(f.users.C("name"), "ed")))
	c.Assert(err, IsNil)
	c.Assert(first.Addresses, HasLen, 3)
}

func (s *PackageSuite) TestEagerChain(c *C) {
	f := s.newFixture(c)
	sess := f.session()
	defer sess.Close()

	addresses, err := sqlorm.AllOf[*Address](sess.Query(f.address).
		Options(sqlorm.EagerAll("user.keywords")).
		OrderBy(f.addresses.C("id")))
	c.Assert(err, IsNil)
	c.Assert(addresses, HasLen, 5)
	c.Assert(f.selects(), Equals, float64(1))

	c.Assert(addresses[0].User.Name, Equals, "jack")
	c.Assert(keywordNames(addresses[0].User.Keywords), DeepEquals, []string{"blue", "red"})
	c.Assert(addresses[1].User, Equals, addresses[2].User)
	c.Assert(keywordNames(addresses[1].User.Keywords), DeepEquals, []string{"red"})
	c.Assert(keywordNames(addresses[4].User.Keywords), DeepEquals, []string{"green"})
	c.Assert(f.selects(), Equals, float64(1))
}

func (s *PackageSuite) TestLazyLoaderOptions(c *C) {
	f := s.newFixture(c)
	sess := f.session()
	defer sess.Close()

	// Options below a lazy relation apply to the query loading it.
	users, err := sqlorm.AllOf[*User](sess.Query(f.user).
		Options(sqlorm.Eager("addresses.user")).
		OrderBy(f.users.C("id")))
	c.Assert(err, IsNil)
	c.Assert(users[1].Addresses, IsNil)

	v, err := sess.Attr(users[1], "addresses")
	c.Assert(err, IsNil)
	addresses := v.([]*Address)
	c.Assert(addresses, HasLen, 3)
	state, err := sess.LoadState(addresses[0], "user")
	c.Assert(err, IsNil)
	c.Assert(state, Equals, sqlorm.Loaded)
	c.Assert(addresses[0].User, Equals, users[1])
}

func (s *PackageSuite) TestNoLoad(c *C) {
	f := s.newFixture(c)
	sess := f.session()
	defer sess.Close()

	users, err := sqlorm.AllOf[*User](sess.Query(f.user).Options(sqlorm.NoLoad("addresses")).OrderBy(f.users.C("id")))
	c.Assert(err, IsNil)
	selects := f.selects()
	v, err := sess.Attr(users[1], "addresses")
	c.Assert(err, IsNil)
	c.Assert(v, HasLen, 0)
	c.Assert(f.selects(), Equals, selects)
}

func (s *PackageSuite) TestManyToMany(c *C) {
	f := s.newFixture(c)
	sess := f.session()
	defer sess.Close()
	users := f.allUsers(c, sess)

	v, err := sess.Attr(users[0], "keywords")
	c.Assert(err, IsNil)
	c.Assert(keywordNames(v.([]*Keyword)), DeepEquals, []string{"blue", "red"})

	v, err = sess.Attr(users[3], "keywords")
	c.Assert(err, IsNil)
	c.Assert(v, HasLen, 0)

	eager, err := sqlorm.AllOf[*User](f.session().Query(f.user).
		Options(sqlorm.Eager("keywords")).
		OrderBy(f.users.C("id")))
	c.Assert(err, IsNil)
	c.Assert(keywordNames(eager[0].Keywords), DeepEquals, []string{"blue", "red"})
	c.Assert(keywordNames(eager[1].Keywords), DeepEquals, []string{"red"})
	c.Assert(keywordNames(eager[2].Keywords), DeepEquals, []string{"green"})
	c.Assert(eager[3].Keywords, HasLen, 0)
}

func (s *PackageSuite) TestDeferredColumns(c *C) {
	f := s.newFixture(c)
	sess := f.session()
	defer sess.Close()
	users := f.allUsers(c, sess)

	c.Assert(users[0].Bio, Equals, "")
	state, err := sess.LoadState(users[0], "bio")
	c.Assert(err, IsNil)
	c.Assert(state, Equals, sqlorm.Unloaded)

	bio, err := sess.Attr(users[0], "bio")
	c.Assert(err, IsNil)
	c.Assert(bio, Equals, "jack bio")
	c.Assert(users[0].Bio, Equals, "jack bio")
	c.Assert(testutil.ToFloat64(f.engine.Metrics().Loads.WithLabelValues("deferred")), Equals, float64(1))

	undeferred, err := sqlorm.AllOf[*User](f.session().Query(f.user).Options(sqlorm.Undefer("bio")).OrderBy(f.users.C("id")))
	c.Assert(err, IsNil)
	c.Assert(undeferred[1].Bio, Equals, "ed bio")
	c.Assert(testutil.ToFloat64(f.engine.Metrics().Loads.WithLabelValues("deferred")), Equals, float64(1))

	// Columns can be deferred per query too.
	deferred, err := sqlorm.AllOf[*User](f.session().Query(f.user).Options(sqlorm.Defer("name")).OrderBy(f.users.C("id")))
	c.Assert(err, IsNil)
	c.Assert(deferred[2].Name, Equals, "")
	c.Assert(deferred[2].ID, Equals, 9)
}

func (s *PackageSuite) TestDeferredGroup(c *C) {
	f := &fixture{registry: sqlorm.NewRegistry()}
	newTables(f)
	f.user = f.registry.MustMap(&User{}, f.users,
		sqlorm.WithRelation("addresses", &Address{}),
		sqlorm.WithRelation("keywords", &Keyword{}, sqlorm.Secondary(f.userKeywords)),
		sqlorm.DeferredGroup("text", "name", "bio"),
	)
	f.registry.MustMap(&Address{}, f.addresses, sqlorm.WithRelation("user", &User{}))
	f.registry.MustMap(&Keyword{}, f.keywords)
	engine, err := sqlorm.NewEngine(s.db, f.registry)
	c.Assert(err, IsNil)
	f.engine = engine
	sess := f.session()
	defer sess.Close()

	u, err := sqlorm.GetOf[*User](sess.Query(f.user), 9)
	c.Assert(err, IsNil)
	c.Assert(u.Name, Equals, "")
	selects := f.selects()

	name, err := sess.Attr(u, "name")
	c.Assert(err, IsNil)
	c.Assert(name, Equals, "fred")
	// The whole group was loaded.
	c.Assert(u.Bio, Equals, "fred bio")
	state, err := sess.LoadState(u, "bio")
	c.Assert(err, IsNil)
	c.Assert(state, Equals, sqlorm.Loaded)
	c.Assert(f.selects(), Equals, selects+1)

	grouped, err := sqlorm.GetOf[*User](f.session().Query(f.user).Options(sqlorm.UndeferGroup("text")), 8)
	c.Assert(err, IsNil)
	c.Assert(grouped.Name, Equals, "ed")
	c.Assert(grouped.Bio, Equals, "ed bio")
}

func (s *PackageSuite) TestPolymorphicLoading(c *C) {
	f := s.newFixture(c)
	sess := f.session()
	defer sess.Close()

	people, err := sess.Query(f.person).OrderBy(f.people.C("id")).All()
	c.Assert(err, IsNil)
	c.Assert(people, HasLen, 4)
	dilbert, ok := people[0].(*Engineer)
	c.Assert(ok, Equals, true)
	c.Assert(dilbert.Name, Equals, "dilbert")
	c.Assert(people[1], FitsTypeOf, &Engineer{})
	c.Assert(people[2], FitsTypeOf, &Manager{})
	c.Assert(people[3], FitsTypeOf, &Person{})

	// Subclass columns are loaded on access.
	state, err := sess.LoadState(dilbert, "language")
	c.Assert(err, IsNil)
	c.Assert(state, Equals, sqlorm.Unloaded)
	lang, err := sess.Attr(dilbert, "language")
	c.Assert(err, IsNil)
	c.Assert(lang, Equals, "java")

	engineers, err := sqlorm.AllOf[*Engineer](sess.Query(f.engineer).OrderBy(f.people.C("id")))
	c.Assert(err, IsNil)
	c.Assert(engineers, HasLen, 2)
	c.Assert(engineers[0], Equals, dilbert)

	n, err := sess.Query(f.manager).Count()
	c.Assert(err, IsNil)
	c.Assert(n, Equals, int64(1))

	// A subclass instance is found through its base class identity.
	got, err := sess.Query(f.person).Get(3)
	c.Assert(err, IsNil)
	c.Assert(got, Equals, people[2])
	got, err = sess.Query(f.engineer).Get(3)
	c.Assert(err, IsNil)
	c.Assert(got, IsNil)
}

func (s *PackageSuite) TestWithPolymorphic(c *C) {
	f := s.newFixture(c)
	sess := f.session()
	defer sess.Close()

	people, err := sess.Query(f.person).WithPolymorphic(nil).OrderBy(f.people.C("id")).All()
	c.Assert(err, IsNil)
	c.Assert(people, HasLen, 4)
	selects := f.selects()
	c.Assert(people[1].(*Engineer).Language, Equals, "c")
	c.Assert(people[2].(*Manager).Status, Equals, "boss")
	state, err := sess.LoadState(people[1], "language")
	c.Assert(err, IsNil)
	c.Assert(state, Equals, sqlorm.Loaded)
	c.Assert(f.selects(), Equals, selects)

	_, err = sess.Query(f.person).WithPolymorphic(nil, &Keyword{}).All()
	c.Assert(err, ErrorMatches, "cannot call Query.WithPolymorphic: Keyword is not a subclass of Person")
}

func (s *PackageSuite) TestPolymorphicInsert(c *C) {
	f := s.newFixture(c)
	sess := f.session()
	defer sess.Close()

	alice := &Engineer{Name: "alice", Language: "go"}
	c.Assert(sess.Add(alice), IsNil)
	c.Assert(sess.Flush(), IsNil)
	c.Assert(alice.ID, Equals, 5)
	c.Assert(alice.Type, Equals, "engineer")

	var typ, lang string
	err := s.db.QueryRow("SELECT type, language FROM people WHERE name = 'alice'").Scan(&typ, &lang)
	c.Assert(err, IsNil)
	c.Assert(typ, Equals, "engineer")
	c.Assert(lang, Equals, "go")

	other := f.session()
	defer other.Close()
	found, err := other.Query(f.person).Filter(sqlexpr.Eq(f.people.C("name"), "alice")).One()
	c.Assert(err, IsNil)
	c.Assert(found, FitsTypeOf, &Engineer{})
}

func (s *PackageSuite) TestJoins(c *C) {
	f := s.newFixture(c)
	sess := f.session()
	defer sess.Close()
	email := f.addresses.C("email")

	users, err := sqlorm.AllOf[*User](sess.Query(f.user).Join("addresses").Filter(sqlexpr.Eq(email, "ed@wood.com")))
	c.Assert(err, IsNil)
	c.Assert(userNames(users), DeepEquals, []string{"ed"})

	// Users joined to several addresses are returned once.
	users, err = sqlorm.AllOf[*User](sess.Query(f.user).Join(f.user.Rel("addresses")).OrderBy(f.users.C("id")))
	c.Assert(err, IsNil)
	c.Assert(userNames(users), DeepEquals, []string{"jack", "ed", "fred"})

	users, err = sqlorm.AllOf[*User](sess.Query(f.user).OuterJoin("addresses").OrderBy(f.users.C("id")))
	c.Assert(err, IsNil)
	c.Assert(userNames(users), DeepEquals, []string{"jack", "ed", "fred", "chuck"})

	users, err = sqlorm.AllOf[*User](sess.Query(f.user).Join(&Keyword{}).
		Filter(sqlexpr.Eq(f.keywords.C("name"), "red")).
		OrderBy(f.users.C("id")))
	c.Assert(err, IsNil)
	c.Assert(userNames(users), DeepEquals, []string{"jack", "ed"})

	addresses, err := sqlorm.AllOf[*Address](sess.Query(f.address).
		Join("user.keywords").
		FilterBy(map[string]any{"name": "green"}))
	c.Assert(err, IsNil)
	c.Assert(emails(addresses), DeepEquals, []string{"fred@fred.com"})

	_, err = sess.Query(f.user).Join("friends").All()
	c.Assert(err, ErrorMatches, `User has no relation "friends"`)
}

func (s *PackageSuite) TestAliasedJoins(c *C) {
	f := s.newFixture(c)
	sess := f.session()
	defer sess.Close()
	email := f.addresses.C("email")

	users, err := sqlorm.AllOf[*User](sess.Query(f.user).
		Join("addresses", sqlorm.Aliased).Filter(sqlexpr.Eq(email, "ed@wood.com")).
		Join("addresses", sqlorm.Aliased).Filter(sqlexpr.Eq(email, "ed@lala.com")))
	c.Assert(err, IsNil)
	c.Assert(userNames(users), DeepEquals, []string{"ed"})

	users, err = sqlorm.AllOf[*User](sess.Query(f.user).
		Join("addresses", sqlorm.Aliased).Filter(sqlexpr.Eq(email, "ed@wood.com")).
		Join("addresses", sqlorm.Aliased).Filter(sqlexpr.Eq(email, "jack@bean.com")))
	c.Assert(err, IsNil)
	c.Assert(users, HasLen, 0)

	// An aliased mapper selects from its own alias.
	a1, a2 := f.address.Alias("a1"), f.address.Alias("a2")
	pairs, err := sess.Query(a1, a2).
		Filter(sqlexpr.Eq(a1.C("user_id"), a2.C("user_id"))).
		Filter(sqlexpr.Lt(a1.C("id"), a2.C("id"))).
		OrderBy(a1.C("id"), a2.C("id")).
		All()
	c.Assert(err, IsNil)
	c.Assert(pairs, HasLen, 3)
	first := pairs[0].([]any)
	c.Assert(first[0].(*Address).ID, Equals, 2)
	c.Assert(first[1].(*Address).ID, Equals, 3)
}

func (s *PackageSuite) TestRelationCriteria(c *C) {
	f := s.newFixture(c)
	sess := f.session()
	defer sess.Close()

	users, err := sqlorm.AllOf[*User](sess.Query(f.user).
		Filter(f.user.Rel("addresses").Any(sqlexpr.Like(f.addresses.C("email"), "%bettyboop%"))))
	c.Assert(err, IsNil)
	c.Assert(userNames(users), DeepEquals, []string{"ed"})

	users, err = sqlorm.AllOf[*User](sess.Query(f.user).
		Filter(sqlexpr.Not(f.user.Rel("addresses").Any(nil))))
	c.Assert(err, IsNil)
	c.Assert(userNames(users), DeepEquals, []string{"chuck"})

	n, err := sess.Query(f.address).
		Filter(f.address.Rel("user").Has(sqlexpr.Eq(f.users.C("name"), "ed"))).
		Count()
	c.Assert(err, IsNil)
	c.Assert(n, Equals, int64(3))

	red, err := sess.Query(f.keyword).Get(2)
	c.Assert(err, IsNil)
	contains, err := f.user.Rel("keywords").Contains(sess, red)
	c.Assert(err, IsNil)
	users, err = sqlorm.AllOf[*User](sess.Query(f.user).Filter(contains).OrderBy(f.users.C("id")))
	c.Assert(err, IsNil)
	c.Assert(userNames(users), DeepEquals, []string{"jack", "ed"})

	fred, err := sess.Query(f.user).Get(9)
	c.Assert(err, IsNil)
	is, err := f.address.Rel("user").Is(sess, fred)
	c.Assert(err, IsNil)
	addresses, err := sqlorm.AllOf[*Address](sess.Query(f.address).Filter(is))
	c.Assert(err, IsNil)
	c.Assert(emails(addresses), DeepEquals, []string{"fred@fred.com"})

	addresses, err = sqlorm.AllOf[*Address](sess.Query(f.address).WithParent(users[1], "addresses"))
	c.Assert(err, IsNil)
	c.Assert(emails(addresses), DeepEquals, []string{"ed@wood.com", "ed@bettyboop.com", "ed@lala.com"})

	_, err = f.address.Rel("user").Is(sess, red)
	c.Assert(err, ErrorMatches, "cannot compare relation Address.user with Keyword")
}
