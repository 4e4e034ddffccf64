// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sqlorm_test

import (
	. "gopkg.in/check.v1"

	"github.com/canonical/sqlorm"
	"github.com/canonical/sqlorm/sqlexpr"
)

func (s *PackageSuite) TestBulkUpdateEvaluate(c *C) {
	f := s.newFixture(c)
	sess := f.session()
	defer sess.Close()
	users := f.allUsers(c, sess)
	selects := f.selects()

	n, err := sess.Query(f.user).
		Filter(sqlexpr.Eq(f.users.C("name"), "jack")).
		Update(map[string]any{"name": "jacky"}, sqlorm.SyncEvaluate)
	c.Assert(err, IsNil)
	c.Assert(n, Equals, int64(1))
	c.Assert(users[0].Name, Equals, "jacky")
	c.Assert(users[1].Name, Equals, "ed")
	c.Assert(sess.IsModified(users[0]), Equals, false)
	c.Assert(f.selects(), Equals, selects)
	c.Assert(s.userName(c, 7), Equals, "jacky")

	// Values computed from the row are evaluated too.
	addresses, err := sqlorm.AllOf[*Address](sess.Query(f.address).OrderBy(f.addresses.C("id")))
	c.Assert(err, IsNil)
	n, err = sess.Query(f.address).
		Filter(sqlexpr.Eq(f.addresses.C("user_id"), sqlexpr.Param("owner"))).
		Params(map[string]any{"owner": 9}).
		Update(map[string]any{"user_id": sqlexpr.Add(f.addresses.C("user_id"), 1)}, sqlorm.SyncEvaluate)
	c.Assert(err, IsNil)
	c.Assert(n, Equals, int64(1))
	c.Assert(addresses[4].UserID, Equals, 10)
	c.Assert(addresses[0].UserID, Equals, 7)
}

func (s *PackageSuite) TestBulkUpdateNullCriterion(c *C) {
	f := s.newFixture(c)
	sess := f.session()
	defer sess.Close()
	users := f.allUsers(c, sess)
	addresses, err := sqlorm.AllOf[*Address](sess.Query(f.address).OrderBy(f.addresses.C("id")))
	c.Assert(err, IsNil)

	// A comparison with NULL matches no row and no instance.
	n, err := sess.Query(f.user).
		Filter(sqlexpr.Eq(f.users.C("name"), sqlexpr.Param("who"))).
		Params(map[string]any{"who": nil}).
		Update(map[string]any{"name": "nobody"}, sqlorm.SyncEvaluate)
	c.Assert(err, IsNil)
	c.Assert(n, Equals, int64(0))
	c.Assert(userNames(users), DeepEquals, []string{"jack", "ed", "fred", "chuck"})

	n, err = sess.Query(f.address).
		Filter(sqlexpr.Eq(f.addresses.C("user_id"), sqlexpr.Param("owner"))).
		Params(map[string]any{"owner": nil}).
		Delete(sqlorm.SyncEvaluate)
	c.Assert(err, IsNil)
	c.Assert(n, Equals, int64(0))
	for _, a := range addresses {
		c.Check(sess.Contains(a), Equals, true)
	}
}

func (s *PackageSuite) TestBulkUpdateUnloadedCriterion(c *C) {
	f := s.newFixture(c)
	sess := f.session()
	defer sess.Close()
	users := f.allUsers(c, sess)
	selects := f.selects()

	// The deferred bio is not loaded, so the matched rows are fetched.
	n, err := sess.Query(f.user).
		Filter(sqlexpr.Eq(f.users.C("bio"), "jack bio")).
		Update(map[string]any{"name": "J"}, sqlorm.SyncEvaluate)
	c.Assert(err, IsNil)
	c.Assert(n, Equals, int64(1))
	c.Assert(f.selects(), Equals, selects+1)

	for i, want := range []string{"J", "ed", "fred", "chuck"} {
		name, err := sess.Attr(users[i], "name")
		c.Assert(err, IsNil)
		c.Check(name, Equals, want)
		c.Check(s.userName(c, users[i].ID), Equals, want)
	}

	// Values computed from attributes that are not loaded are read back
	// from the row.
	addresses, err := sqlorm.AllOf[*Address](sess.Query(f.address).OrderBy(f.addresses.C("id")))
	c.Assert(err, IsNil)
	c.Assert(sess.Expire(addresses[0], "user_id"), IsNil)
	n, err = sess.Query(f.address).
		Filter(sqlexpr.Eq(f.addresses.C("id"), 1)).
		Update(map[string]any{"user_id": sqlexpr.Add(f.addresses.C("user_id"), 1)}, sqlorm.SyncEvaluate)
	c.Assert(err, IsNil)
	c.Assert(n, Equals, int64(1))
	state, err := sess.LoadState(addresses[0], "user_id")
	c.Assert(err, IsNil)
	c.Assert(state, Equals, sqlorm.Expired)
	userID, err := sess.Attr(addresses[0], "user_id")
	c.Assert(err, IsNil)
	c.Assert(userID, Equals, 8)
}

func (s *PackageSuite) TestBulkUpdateOverwritesPendingChanges(c *C) {
	f := s.newFixture(c)
	sess := f.session()
	defer sess.Close()
	users := f.allUsers(c, sess)
	ed := users[1]

	c.Assert(sess.Set(ed, "name", "eddie"), IsNil)
	_, err := sess.Query(f.user).
		Filter(sqlexpr.Eq(f.users.C("id"), 8)).
		Autoflush(false).
		Update(map[string]any{"name": "edward"}, sqlorm.SyncEvaluate)
	c.Assert(err, IsNil)

	state, err := sess.LoadState(ed, "name")
	c.Assert(err, IsNil)
	c.Assert(state, Equals, sqlorm.Expired)
	name, err := sess.Attr(ed, "name")
	c.Assert(err, IsNil)
	c.Assert(name, Equals, "edward")
	c.Assert(sess.IsModified(ed), Equals, false)
}

func (s *PackageSuite) TestBulkUpdateFetch(c *C) {
	f := s.newFixture(c)
	sess := f.session()
	defer sess.Close()
	users := f.allUsers(c, sess)
	fred := users[2]

	// Concatenation cannot be evaluated, so the matched rows are fetched.
	n, err := sess.Query(f.user).
		Filter(sqlexpr.Eq(f.users.C("id"), 9)).
		Update(map[string]any{"name": sqlexpr.Concat(f.users.C("name"), "!")}, sqlorm.SyncEvaluate)
	c.Assert(err, IsNil)
	c.Assert(n, Equals, int64(1))
	state, err := sess.LoadState(fred, "name")
	c.Assert(err, IsNil)
	c.Assert(state, Equals, sqlorm.Expired)
	name, err := sess.Attr(fred, "name")
	c.Assert(err, IsNil)
	c.Assert(name, Equals, "fred!")

	n, err = sess.Query(f.user).
		Filter(sqlexpr.In(f.users.C("id"), 7, 8)).
		Update(map[string]any{"name": "twin"}, sqlorm.SyncFetch)
	c.Assert(err, IsNil)
	c.Assert(n, Equals, int64(2))
	c.Assert(users[0].Name, Equals, "")
	name, err = sess.Attr(users[1], "name")
	c.Assert(err, IsNil)
	c.Assert(name, Equals, "twin")
}

func (s *PackageSuite) TestBulkUpdateNone(c *C) {
	f := s.newFixture(c)
	sess := f.session()
	defer sess.Close()
	users := f.allUsers(c, sess)

	n, err := sess.Query(f.user).Update(map[string]any{"name": "anon"}, sqlorm.SyncNone)
	c.Assert(err, IsNil)
	c.Assert(n, Equals, int64(4))
	c.Assert(users[0].Name, Equals, "jack")
	c.Assert(s.userName(c, 7), Equals, "anon")
}

func (s *PackageSuite) TestBulkDelete(c *C) {
	f := s.newFixture(c)
	sess := f.session()
	defer sess.Close()
	addresses, err := sqlorm.AllOf[*Address](sess.Query(f.address).OrderBy(f.addresses.C("id")))
	c.Assert(err, IsNil)

	n, err := sess.Query(f.address).
		Filter(sqlexpr.Eq(f.addresses.C("user_id"), 8)).
		Delete(sqlorm.SyncEvaluate)
	c.Assert(err, IsNil)
	c.Assert(n, Equals, int64(3))
	c.Assert(sess.Contains(addresses[0]), Equals, true)
	for _, a := range addresses[1:4] {
		c.Check(sess.Contains(a), Equals, false)
	}
	remaining, err := sess.Query(f.address).Count()
	c.Assert(err, IsNil)
	c.Assert(remaining, Equals, int64(2))

	n, err = sess.Query(f.address).
		Filter(sqlexpr.Like(f.addresses.C("email"), "%@fred.com")).
		Delete(sqlorm.SyncFetch)
	c.Assert(err, IsNil)
	c.Assert(n, Equals, int64(1))
	c.Assert(sess.Contains(addresses[4]), Equals, false)
}

func (s *PackageSuite) TestBulkErrors(c *C) {
	f := s.newFixture(c)
	sess := f.session()
	defer sess.Close()

	_, err := sess.Query(f.user).Update(map[string]any{"name": "x"}, "later")
	c.Assert(err, ErrorMatches, "Valid strategies for session synchronization are 'evaluate', 'fetch', 'none'")
	_, err = sess.Query(f.user).Delete("later")
	c.Assert(err, ErrorMatches, "Valid strategies for session synchronization are 'evaluate', 'fetch', 'none'")

	_, err = sess.Query(f.user).Join("addresses").Update(map[string]any{"name": "x"}, sqlorm.SyncEvaluate)
	c.Assert(err, ErrorMatches, "cannot call Query.Update: query must select a single mapped class from its table")
	_, err = sess.Query(f.user, f.address).Delete(sqlorm.SyncNone)
	c.Assert(err, ErrorMatches, "cannot call Query.Delete: query must select a single mapped class from its table")

	_, err = sess.Query(f.user).Update(map[string]any{"colour": "red"}, sqlorm.SyncNone)
	c.Assert(err, ErrorMatches, `cannot call Query.Update: User has no column attribute "colour"`)

	n, err := sess.Query(f.user).Count()
	c.Assert(err, IsNil)
	c.Assert(n, Equals, int64(4))
}

func (s *PackageSuite) TestBulkUpdateSubclass(c *C) {
	f := s.newFixture(c)
	sess := f.session()
	defer sess.Close()

	// Only the rows of the subclass are updated.
	n, err := sess.Query(f.engineer).Update(map[string]any{"language": "go"}, sqlorm.SyncEvaluate)
	c.Assert(err, IsNil)
	c.Assert(n, Equals, int64(2))

	var count int
	err = s.db.QueryRow("SELECT count(*) FROM people WHERE language = 'go'").Scan(&count)
	c.Assert(err, IsNil)
	c.Assert(count, Equals, 2)
}
