// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sqlorm

import (
	"context"
	"database/sql"
	"sync"
)

// statementCache caches the sql.Stmt values prepared on one database,
// indexed by the SQL text. Loader statements for lazy relations and
// deferred columns compile to the same text for every instance, so they are
// prepared once and reused.
//
// The mutex must be locked when accessing stmts.
type statementCache struct {
	stmts  map[string]*sql.Stmt
	mutex  sync.RWMutex
	closed bool
}

func newStatementCache() *statementCache {
	return &statementCache{stmts: map[string]*sql.Stmt{}}
}

// prepareSubstrate is an object that queries can be prepared on, e.g. a sql.DB
// or sql.Conn. It is used in prepareStmt.
type prepareSubstrate interface {
	PrepareContext(context.Context, string) (*sql.Stmt, error)
}

// prepareStmt returns the statement prepared for query, preparing it on ps
// if it is not in the cache yet.
func (sc *statementCache) prepareStmt(ctx context.Context, ps prepareSubstrate, query string) (*sql.Stmt, error) {
	sc.mutex.RLock()
	sqlstmt, ok := sc.stmts[query]
	sc.mutex.RUnlock()
	if ok {
		return sqlstmt, nil
	}
	sqlstmt, err := ps.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}
	sc.mutex.Lock()
	defer sc.mutex.Unlock()
	if sc.closed {
		sqlstmt.Close()
		return nil, ErrCacheClosed
	}
	// Check if a statement has been inserted by someone else since we last
	// checked.
	if alt, ok := sc.stmts[query]; ok {
		sqlstmt.Close()
		return alt, nil
	}
	sc.stmts[query] = sqlstmt
	return sqlstmt, nil
}

// len returns the number of cached statements.
func (sc *statementCache) len() int {
	sc.mutex.RLock()
	defer sc.mutex.RUnlock()
	return len(sc.stmts)
}

// close closes every cached statement. Later calls to prepareStmt fail.
func (sc *statementCache) close() error {
	sc.mutex.Lock()
	defer sc.mutex.Unlock()
	var firstErr error
	for query, sqlstmt := range sc.stmts {
		if err := sqlstmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(sc.stmts, query)
	}
	sc.closed = true
	return firstErr
}
