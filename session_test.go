// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sqlorm_test

import (
	"context"

	"github.com/prometheus/client_golang/prometheus/testutil"
	. "gopkg.in/check.v1"

	"github.com/canonical/sqlorm"
	"github.com/canonical/sqlorm/sqlexpr"
)

func (s *PackageSuite) userName(c *C, id int) string {
	var name string
	err := s.db.QueryRow("SELECT name FROM users WHERE id = ?", id).Scan(&name)
	c.Assert(err, IsNil)
	return name
}

func (s *PackageSuite) TestSetAndFlush(c *C) {
	f := s.newFixture(c)
	sess := f.session()
	defer sess.Close()
	users := f.allUsers(c, sess)
	jack := users[0]

	c.Assert(sess.IsModified(jack), Equals, false)
	c.Assert(sess.Set(jack, "name", "jacky"), IsNil)
	c.Assert(jack.Name, Equals, "jacky")
	c.Assert(sess.IsModified(jack), Equals, true)

	h, err := sess.History(jack, "name")
	c.Assert(err, IsNil)
	c.Assert(h, DeepEquals, sqlorm.History{Added: []any{"jacky"}, Deleted: []any{"jack"}})

	c.Assert(sess.Flush(), IsNil)
	c.Assert(sess.IsModified(jack), Equals, false)
	c.Assert(s.userName(c, 7), Equals, "jacky")
	c.Assert(testutil.ToFloat64(f.engine.Metrics().Statements.WithLabelValues("update")), Equals, float64(1))

	h, err = sess.History(jack, "name")
	c.Assert(err, IsNil)
	c.Assert(h.Unchanged, DeepEquals, []any{"jacky"})

	// A flush without changes writes nothing.
	c.Assert(sess.Flush(), IsNil)
	c.Assert(testutil.ToFloat64(f.engine.Metrics().Statements.WithLabelValues("update")), Equals, float64(1))
}

func (s *PackageSuite) TestCollectionHistory(c *C) {
	f := s.newFixture(c)
	sess := f.session()
	defer sess.Close()
	users := f.allUsers(c, sess)
	chuck := users[3]

	addr := &Address{ID: 6, UserID: 10, Email: "chuck@norris.com"}
	c.Assert(sess.Append(chuck, "addresses", addr), IsNil)
	c.Assert(chuck.Addresses, DeepEquals, []*Address{addr})
	h, err := sess.History(chuck, "addresses")
	c.Assert(err, IsNil)
	c.Assert(h.Added, DeepEquals, []any{addr})

	// Items appear once.
	c.Assert(sess.Append(chuck, "addresses", addr), IsNil)
	c.Assert(chuck.Addresses, HasLen, 1)

	c.Assert(sess.Remove(chuck, "addresses", addr), IsNil)
	c.Assert(chuck.Addresses, HasLen, 0)
	c.Assert(sess.IsModified(chuck), Equals, false)

	ed := users[1]
	v, err := sess.Attr(ed, "addresses")
	c.Assert(err, IsNil)
	first := v.([]*Address)[0]
	c.Assert(sess.Remove(ed, "addresses", first), IsNil)
	h, err = sess.History(ed, "addresses")
	c.Assert(err, IsNil)
	c.Assert(h.Deleted, DeepEquals, []any{first})
	c.Assert(h.Unchanged, HasLen, 2)
}

func (s *PackageSuite) TestExpire(c *C) {
	f := s.newFixture(c)
	sess := f.session()
	defer sess.Close()
	users := f.allUsers(c, sess)
	jack, ed := users[0], users[1]

	_, err := s.db.Exec("UPDATE users SET name = 'eddie' WHERE id = 8")
	c.Assert(err, IsNil)
	c.Assert(ed.Name, Equals, "ed")

	c.Assert(sess.Expire(ed), IsNil)
	state, err := sess.LoadState(ed, "name")
	c.Assert(err, IsNil)
	c.Assert(state, Equals, sqlorm.Expired)
	name, err := sess.Attr(ed, "name")
	c.Assert(err, IsNil)
	c.Assert(name, Equals, "eddie")
	c.Assert(ed.Name, Equals, "eddie")
	c.Assert(testutil.ToFloat64(f.engine.Metrics().Loads.WithLabelValues("expired")), Equals, float64(1))

	// Changes that were not flushed survive expiry.
	c.Assert(sess.Set(jack, "name", "jackie"), IsNil)
	c.Assert(sess.Expire(jack), IsNil)
	state, err = sess.LoadState(jack, "name")
	c.Assert(err, IsNil)
	c.Assert(state, Equals, sqlorm.Loaded)
	c.Assert(jack.Name, Equals, "jackie")

	// A query brings back expired instances.
	sess.ExpireAll()
	all := f.allUsers(c, sess)
	c.Assert(all[1], Equals, ed)
	c.Assert(ed.Name, Equals, "eddie")
	c.Assert(all[0].Name, Equals, "jackie")
}

func (s *PackageSuite) TestRefresh(c *C) {
	f := s.newFixture(c)
	sess := f.session()
	defer sess.Close()
	users := f.allUsers(c, sess)
	fred := users[2]

	c.Assert(sess.Set(fred, "name", "freddy"), IsNil)
	c.Assert(sess.Refresh(fred), IsNil)
	c.Assert(fred.Name, Equals, "fred")
	c.Assert(sess.IsModified(fred), Equals, false)

	_, err := s.db.Exec("DELETE FROM users WHERE id = 9")
	c.Assert(err, IsNil)
	err = sess.Refresh(fred)
	c.Assert(err, ErrorMatches, `cannot load instance User\(9\): row has been deleted`)
	var deleted *sqlorm.ObjectDeletedError
	c.Assert(err, FitsTypeOf, deleted)
}

func (s *PackageSuite) TestGetDeletedExpiredInstance(c *C) {
	f := s.newFixture(c)
	sess := f.session()
	defer sess.Close()
	users := f.allUsers(c, sess)
	chuck := users[3]

	c.Assert(sess.Expire(chuck), IsNil)
	_, err := s.db.Exec("DELETE FROM users WHERE id = 10")
	c.Assert(err, IsNil)

	got, err := sess.Query(f.user).Get(10)
	c.Assert(err, IsNil)
	c.Assert(got, IsNil)
	c.Assert(sess.Contains(chuck), Equals, false)
}

func (s *PackageSuite) TestAddAndCommit(c *C) {
	f := s.newFixture(c)
	sess := f.session()
	defer sess.Close()

	wendy := &User{Name: "wendy", Bio: "wendy bio"}
	c.Assert(sess.Add(wendy), IsNil)
	c.Assert(sess.Contains(wendy), Equals, true)
	c.Assert(sess.Commit(), IsNil)
	c.Assert(wendy.ID, Equals, 11)
	c.Assert(s.userName(c, 11), Equals, "wendy")

	got, err := sess.Query(f.user).Get(11)
	c.Assert(err, IsNil)
	c.Assert(got, Equals, wendy)

	// An explicit primary key is inserted as given.
	fixed := &Keyword{ID: 20, Name: "yellow"}
	c.Assert(sess.Add(fixed), IsNil)
	c.Assert(sess.Flush(), IsNil)
	n, err := sess.Query(f.keyword).Filter(sqlexpr.Eq(f.keywords.C("id"), 20)).Count()
	c.Assert(err, IsNil)
	c.Assert(n, Equals, int64(1))

	// A second instance with the same identity is rejected.
	c.Assert(sess.Add(&Keyword{ID: 20, Name: "orange"}), IsNil)
	c.Assert(sess.Flush(), ErrorMatches, `cannot insert Keyword: .*`)
}

func (s *PackageSuite) TestAutoflush(c *C) {
	f := s.newFixture(c)
	sess := f.session()
	defer sess.Close()

	c.Assert(sess.Add(&User{Name: "wendy"}), IsNil)
	n, err := sess.Query(f.user).Autoflush(false).Count()
	c.Assert(err, IsNil)
	c.Assert(n, Equals, int64(4))
	n, err = sess.Query(f.user).Count()
	c.Assert(err, IsNil)
	c.Assert(n, Equals, int64(5))

	engine, err := sqlorm.NewEngine(s.db, f.registry, sqlorm.WithAutoflush(false))
	c.Assert(err, IsNil)
	manual := engine.Session(context.Background())
	defer manual.Close()
	c.Assert(manual.Add(&User{Name: "vince"}), IsNil)
	n, err = manual.Query(f.user).Count()
	c.Assert(err, IsNil)
	c.Assert(n, Equals, int64(5))
	c.Assert(manual.Flush(), IsNil)
	n, err = manual.Query(f.user).Count()
	c.Assert(err, IsNil)
	c.Assert(n, Equals, int64(6))
}

func (s *PackageSuite) TestDelete(c *C) {
	f := s.newFixture(c)
	sess := f.session()
	defer sess.Close()
	users := f.allUsers(c, sess)
	chuck := users[3]

	c.Assert(sess.Delete(chuck), IsNil)
	c.Assert(sess.Contains(chuck), Equals, true)
	c.Assert(sess.Flush(), IsNil)
	c.Assert(sess.Contains(chuck), Equals, false)

	n, err := sess.Query(f.user).Count()
	c.Assert(err, IsNil)
	c.Assert(n, Equals, int64(3))
	got, err := sess.Query(f.user).Get(10)
	c.Assert(err, IsNil)
	c.Assert(got, IsNil)

	// Deleting a pending instance only removes it from the session.
	pending := &User{Name: "wendy"}
	c.Assert(sess.Add(pending), IsNil)
	c.Assert(sess.Delete(pending), IsNil)
	c.Assert(sess.Contains(pending), Equals, false)

	err = sess.Delete(chuck)
	c.Assert(err, ErrorMatches, `instance \*sqlorm_test.User is not present in this session`)
}

func (s *PackageSuite) TestRollbackWithoutTransaction(c *C) {
	f := s.newFixture(c)
	sess := f.session()
	defer sess.Close()
	users := f.allUsers(c, sess)
	jack := users[0]

	c.Assert(sess.Set(jack, "name", "zed"), IsNil)
	wendy := &User{Name: "wendy"}
	c.Assert(sess.Add(wendy), IsNil)
	c.Assert(sess.Rollback(), IsNil)

	c.Assert(jack.Name, Equals, "jack")
	c.Assert(sess.IsModified(jack), Equals, false)
	c.Assert(sess.Contains(wendy), Equals, false)
	n, err := sess.Query(f.user).Count()
	c.Assert(err, IsNil)
	c.Assert(n, Equals, int64(4))
}

func (s *PackageSuite) TestTransactionRollback(c *C) {
	f := s.newFixture(c)
	sess := f.session()
	defer sess.Close()
	users := f.allUsers(c, sess)
	jack := users[0]

	c.Assert(sess.Begin(), IsNil)
	c.Assert(sess.Begin(), ErrorMatches, "a transaction is already begun; use BeginNested for a savepoint")
	c.Assert(sess.Set(jack, "name", "zed"), IsNil)
	wendy := &User{Name: "wendy"}
	c.Assert(sess.Add(wendy), IsNil)
	c.Assert(sess.Flush(), IsNil)
	c.Assert(wendy.ID, Equals, 11)

	c.Assert(sess.Rollback(), IsNil)
	c.Assert(sess.Contains(wendy), Equals, false)
	state, err := sess.LoadState(jack, "name")
	c.Assert(err, IsNil)
	c.Assert(state, Equals, sqlorm.Expired)
	name, err := sess.Attr(jack, "name")
	c.Assert(err, IsNil)
	c.Assert(name, Equals, "jack")
	c.Assert(s.userName(c, 7), Equals, "jack")
}

func (s *PackageSuite) TestSavepoints(c *C) {
	f := s.newFixture(c)
	sess := f.session()
	defer sess.Close()

	c.Assert(sess.Begin(), IsNil)
	u1 := &User{Name: "u1"}
	c.Assert(sess.Add(u1), IsNil)
	c.Assert(sess.BeginNested(), IsNil)
	u2 := &User{Name: "u2"}
	c.Assert(sess.Add(u2), IsNil)
	c.Assert(sess.Flush(), IsNil)
	c.Assert(sess.Contains(u2), Equals, true)

	c.Assert(sess.Rollback(), IsNil)
	c.Assert(sess.Contains(u2), Equals, false)
	c.Assert(sess.Contains(u1), Equals, true)
	c.Assert(sess.Commit(), IsNil)

	names, err := sess.Query(f.users.C("name")).OrderBy(f.users.C("id")).All()
	c.Assert(err, IsNil)
	c.Assert(names, DeepEquals, []any{"jack", "ed", "fred", "chuck", "u1"})
	c.Assert(testutil.ToFloat64(f.engine.Metrics().Statements.WithLabelValues("savepoint")), Equals, float64(2))
}

func (s *PackageSuite) TestClosedSession(c *C) {
	f := s.newFixture(c)
	sess := f.session()
	users := f.allUsers(c, sess)

	c.Assert(sess.Close(), IsNil)
	c.Assert(sess.Contains(users[0]), Equals, false)
	c.Assert(sess.Add(&User{Name: "wendy"}), Equals, sqlorm.ErrTXDone)
	c.Assert(sess.Commit(), Equals, sqlorm.ErrTXDone)
	c.Assert(sess.Close(), IsNil)

	// A detached instance can join another session.
	other := f.session()
	defer other.Close()
	c.Assert(other.Add(users[0]), IsNil)
	got, err := other.Query(f.user).Get(7)
	c.Assert(err, IsNil)
	c.Assert(got, Equals, users[0])
}
