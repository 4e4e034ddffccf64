// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sqlorm_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canonical/sqlorm"
	"github.com/canonical/sqlorm/sqlexpr"
)

func TestParseConfig(t *testing.T) {
	cfg, err := sqlorm.ParseConfig([]byte(`
driver: sqlite3
dsn: file:test.db
echo: true
autoflush: false
prepare_statements: true
max_open_conns: 1
yield_per: 50
`))
	require.NoError(t, err)
	assert.Equal(t, "sqlite3", cfg.Driver)
	assert.Equal(t, "file:test.db", cfg.DSN)
	assert.True(t, cfg.Echo)
	require.NotNil(t, cfg.Autoflush)
	assert.False(t, *cfg.Autoflush)
	assert.True(t, cfg.PrepareStatements)
	assert.Equal(t, 1, cfg.MaxOpenConns)
	assert.Equal(t, 50, cfg.YieldPer)

	cfg, err = sqlorm.ParseConfig([]byte("driver: sqlite"))
	require.NoError(t, err)
	assert.Nil(t, cfg.Autoflush)
	assert.Zero(t, cfg.YieldPer)
}

func TestParseConfigErrors(t *testing.T) {
	tests := []struct {
		summary string
		input   string
		err     string
	}{{
		summary: "missing driver",
		input:   "dsn: file:test.db",
		err:     "cannot parse config: driver not set",
	}, {
		summary: "negative batch size",
		input:   "driver: sqlite3\nyield_per: -1",
		err:     "cannot parse config: negative yield_per -1",
	}, {
		summary: "malformed document",
		input:   "driver: [sqlite3",
		err:     "cannot parse config: yaml: .*",
	}}
	for _, test := range tests {
		t.Run(test.summary, func(t *testing.T) {
			_, err := sqlorm.ParseConfig([]byte(test.input))
			require.Error(t, err)
			assert.Regexp(t, "^"+test.err+"$", err.Error())
		})
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sqlorm.yaml")
	require.NoError(t, os.WriteFile(path, []byte("driver: sqlite3\ndsn: "+filepath.Join(dir, "test.db")), 0o600))

	cfg, err := sqlorm.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite3", cfg.Driver)

	_, err = sqlorm.LoadConfig(filepath.Join(dir, "missing.yaml"))
	assert.ErrorContains(t, err, "cannot load config")
}

func TestOpen(t *testing.T) {
	cfg := sqlorm.Config{
		Driver:            "sqlite3",
		DSN:               filepath.Join(t.TempDir(), "test.db"),
		MaxOpenConns:      1,
		PrepareStatements: true,
	}
	reg := sqlorm.NewRegistry()
	keywords := sqlexpr.NewTable("keywords", "id", "name").WithPrimaryKey("id")
	reg.MustMap(&Keyword{}, keywords)

	engine, err := sqlorm.Open(cfg, reg)
	require.NoError(t, err)
	_, err = engine.DB().Exec("CREATE TABLE keywords (id integer PRIMARY KEY, name text)")
	require.NoError(t, err)

	sess := engine.Session(context.Background())
	require.NoError(t, sess.Add(&Keyword{Name: "blue"}))
	n, err := sess.Query(&Keyword{}).Count()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 2, engine.CachedStatements())
	require.NoError(t, sess.Close())

	// The engine owns the database it opened.
	require.NoError(t, engine.Close())
	assert.Zero(t, engine.CachedStatements())
	assert.Error(t, engine.DB().Ping())

	_, err = sqlorm.Open(sqlorm.Config{Driver: "nosuchdriver"}, reg)
	assert.ErrorContains(t, err, "cannot open nosuchdriver database")
}
