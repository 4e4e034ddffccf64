// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sqlorm

import (
	"context"
	"database/sql"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"github.com/canonical/sqlorm/internal/attributes"
)

// Engine binds a database to a registry of mappers. Sessions are created
// from an engine.
type Engine struct {
	db       *sql.DB
	registry *Registry
	logger   *slog.Logger
	metrics  *Metrics
	stmts    *statementCache

	autoflush bool
	echo      bool
	prepare   bool
	yieldPer  int
	ownsDB    bool
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the logger of the engine and its sessions.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics sets the metrics updated by the engine.
func WithMetrics(m *Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithAutoflush sets whether sessions flush pending changes before running
// queries. It defaults to true.
func WithAutoflush(autoflush bool) EngineOption {
	return func(e *Engine) { e.autoflush = autoflush }
}

// WithEcho logs statements at Info level.
func WithEcho(echo bool) EngineOption {
	return func(e *Engine) { e.echo = echo }
}

// WithPreparedStatements prepares statements once per SQL text and reuses
// them.
func WithPreparedStatements(prepare bool) EngineOption {
	return func(e *Engine) { e.prepare = prepare }
}

// WithYieldPer sets the default batch size of query iteration.
func WithYieldPer(n int) EngineOption {
	return func(e *Engine) { e.yieldPer = n }
}

// NewEngine returns an engine over db. The mappers of registry are
// configured if they have not been yet.
func NewEngine(db *sql.DB, registry *Registry, opts ...EngineOption) (*Engine, error) {
	if db == nil {
		return nil, argumentError("cannot create engine: nil database")
	}
	if registry == nil {
		return nil, argumentError("cannot create engine: nil registry")
	}
	e := &Engine{
		db:        db,
		registry:  registry,
		stmts:     newStatementCache(),
		autoflush: true,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if e.metrics == nil {
		e.metrics = NewMetrics()
	}
	if err := registry.Configure(); err != nil {
		return nil, err
	}
	return e, nil
}

// DB returns the underlying database.
func (e *Engine) DB() *sql.DB {
	return e.db
}

// Registry returns the registry of mappers used by the engine.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Metrics returns the metrics updated by the engine.
func (e *Engine) Metrics() *Metrics {
	return e.metrics
}

// Session returns a new session. ctx is used for every statement the session
// runs unless a query overrides it with [Query.WithContext].
func (e *Engine) Session(ctx context.Context) *Session {
	if ctx == nil {
		ctx = context.Background()
	}
	id := uuid.New()
	return &Session{
		engine:    e,
		registry:  e.registry,
		ctx:       ctx,
		id:        id,
		logger:    e.logger.With("session", id.String()),
		autoflush: e.autoflush,
		identity:  map[identityKey]attributes.Instance{},
		deleted:   map[attributes.Instance]bool{},
	}
}

// Close closes the prepared statements of the engine, and the database if
// the engine opened it.
func (e *Engine) Close() error {
	err := e.stmts.close()
	if e.ownsDB {
		if cerr := e.db.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// logStatement logs a statement about to run.
func (e *Engine) logStatement(logger *slog.Logger, kind, query string, args []any) {
	level := slog.LevelDebug
	if e.echo {
		level = slog.LevelInfo
	}
	logger.Log(context.Background(), level, "executing statement", "kind", kind, "sql", query, "args", args)
}
