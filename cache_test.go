// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sqlorm

import (
	"context"
	"database/sql"
	"sync"

	. "gopkg.in/check.v1"

	"github.com/canonical/sqlorm/sqlexpr"
)

type CacheSuite struct {
	db *sql.DB
}

var _ = Suite(&CacheSuite{})

type cachedItem struct {
	Base
	ID   int    `db:"id"`
	Name string `db:"name"`
}

func (s *CacheSuite) SetUpTest(c *C) {
	db, err := sql.Open("sqlite3_stmtChecked", "file:"+c.TestName()+"?mode=memory&cache=shared&"+testNameTag+"="+c.TestName())
	c.Assert(err, IsNil)
	_, err = db.Exec(`
CREATE TABLE items (id integer PRIMARY KEY, name text);
INSERT INTO items VALUES (1, 'one'), (2, 'two'), (3, 'three');
`)
	c.Assert(err, IsNil)
	s.db = db
}

func (s *CacheSuite) TearDownTest(c *C) {
	// Check every test finishes cleanly.
	s.checkDriverStmtsAllClosed(c)
	c.Assert(s.db.Close(), IsNil)
}

func (s *CacheSuite) TearDownSuite(_ *C) {
	stmtRegistryMutex.Lock()
	defer stmtRegistryMutex.Unlock()
	closedStmts = map[string]map[uintptr]bool{}
	openedStmts = map[string]map[uintptr]string{}

	queriesRunMutex.Lock()
	defer queriesRunMutex.Unlock()
	dbQueriesRun = map[string]int{}
	stmtQueriesRun = map[string]int{}
}

func (s *CacheSuite) newEngine(c *C) (*Engine, *sqlexpr.Table) {
	items := sqlexpr.NewTable("items", "id", "name").WithPrimaryKey("id")
	reg := NewRegistry()
	reg.MustMap(&cachedItem{}, items)
	e, err := NewEngine(s.db, reg, WithPreparedStatements(true))
	c.Assert(err, IsNil)
	return e, items
}

func (s *CacheSuite) TestPreparedStatementReuse(c *C) {
	e, items := s.newEngine(c)
	defer e.Close()
	sess := e.Session(context.Background())
	defer sess.Close()

	q := sess.Query(&cachedItem{}).OrderBy(items.C("id"))
	all, err := q.All()
	c.Assert(err, IsNil)
	c.Assert(all, HasLen, 3)
	c.Assert(e.stmts.len(), Equals, 1)
	s.checkDriverStmtsOpened(c, 1)

	// Running the query again does not prepare a second statement.
	_, err = q.All()
	c.Assert(err, IsNil)
	c.Assert(e.stmts.len(), Equals, 1)
	s.checkDriverStmtsOpened(c, 1)
	s.checkQueriesRunOnStmt(c, 2)
}

func (s *CacheSuite) TestStatementsSharedBetweenInstances(c *C) {
	e, _ := s.newEngine(c)
	defer e.Close()
	sess := e.Session(context.Background())
	defer sess.Close()

	// Loading by primary key compiles to the same text whatever the key.
	for _, id := range []int{1, 2, 3} {
		item, err := sess.Query(&cachedItem{}).Get(id)
		c.Assert(err, IsNil)
		c.Assert(item.(*cachedItem).ID, Equals, id)
	}
	c.Assert(e.stmts.len(), Equals, 1)
	s.checkDriverStmtsOpened(c, 1)
	s.checkQueriesRunOnStmt(c, 3)

	// Sessions of the engine share its statements.
	other := e.Session(context.Background())
	defer other.Close()
	_, err := other.Query(&cachedItem{}).Get(1)
	c.Assert(err, IsNil)
	s.checkDriverStmtsOpened(c, 1)
}

func (s *CacheSuite) TestStatementsClosedWithEngine(c *C) {
	e, items := s.newEngine(c)
	sess := e.Session(context.Background())
	defer sess.Close()

	_, err := sess.Query(&cachedItem{}).Filter(sqlexpr.Gt(items.C("id"), 1)).All()
	c.Assert(err, IsNil)
	c.Assert(sess.Add(&cachedItem{Name: "four"}), IsNil)
	c.Assert(sess.Flush(), IsNil)
	c.Assert(e.stmts.len(), Equals, 2)

	c.Assert(e.Close(), IsNil)
	c.Assert(e.stmts.len(), Equals, 0)
	s.checkDriverStmtsAllClosed(c)

	// The engine does not own the database.
	c.Assert(s.db.Ping(), IsNil)

	_, err = e.stmts.prepareStmt(context.Background(), s.db, "SELECT 1")
	c.Assert(err, Equals, ErrCacheClosed)
	_, err = sess.Query(&cachedItem{}).All()
	c.Assert(err, Equals, ErrCacheClosed)
}

func (s *CacheSuite) TestConcurrentPrepare(c *C) {
	// Prepares from every goroutine queue on one connection.
	s.db.SetMaxOpenConns(1)
	cache := newStatementCache()
	const query = "SELECT name FROM items WHERE id = ?"

	var wg sync.WaitGroup
	stmts := make([]*sql.Stmt, 8)
	errs := make([]error, 8)
	for i := range stmts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			stmts[i], errs[i] = cache.prepareStmt(context.Background(), s.db, query)
		}(i)
	}
	wg.Wait()

	for i := range stmts {
		c.Assert(errs[i], IsNil)
		c.Assert(stmts[i], Equals, stmts[0])
	}
	c.Assert(cache.len(), Equals, 1)

	var name string
	c.Assert(stmts[0].QueryRow(2).Scan(&name), IsNil)
	c.Assert(name, Equals, "two")

	c.Assert(cache.close(), IsNil)
	s.checkDriverStmtsAllClosed(c)
}

func (s *CacheSuite) checkDriverStmtsAllClosed(c *C) {
	stmtRegistryMutex.RLock()
	defer stmtRegistryMutex.RUnlock()
	c.Check(len(openedStmts[c.TestName()]), Equals, len(closedStmts[c.TestName()]))
}

func (s *CacheSuite) checkDriverStmtsOpened(c *C, n int) {
	stmtRegistryMutex.RLock()
	defer stmtRegistryMutex.RUnlock()
	c.Check(openedStmts[c.TestName()], HasLen, n)
}

func (s *CacheSuite) checkQueriesRunOnStmt(c *C, n int) {
	queriesRunMutex.RLock()
	defer queriesRunMutex.RUnlock()
	c.Check(stmtQueriesRun[c.TestName()], Equals, n)
}
