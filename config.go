// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package sqlorm

import (
	"database/sql"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config describes how to open an engine.
type Config struct {
	// Driver is the database/sql driver name, e.g. "sqlite3".
	Driver string `yaml:"driver"`
	// DSN is the data source name passed to the driver.
	DSN string `yaml:"dsn"`
	// Echo logs every statement at Info level instead of Debug.
	Echo bool `yaml:"echo"`
	// Autoflush flushes pending changes before queries run. It defaults to
	// true when omitted.
	Autoflush *bool `yaml:"autoflush"`
	// PrepareStatements caches prepared statements by SQL text.
	PrepareStatements bool `yaml:"prepare_statements"`
	// MaxOpenConns limits the number of open connections when positive.
	MaxOpenConns int `yaml:"max_open_conns"`
	// YieldPer is the default batch size of query iteration. Zero reads all
	// rows before processing them.
	YieldPer int `yaml:"yield_per"`
}

// ParseConfig parses a YAML document into a Config.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "cannot parse config")
	}
	if cfg.Driver == "" {
		return Config{}, errors.New("cannot parse config: driver not set")
	}
	if cfg.YieldPer < 0 {
		return Config{}, errors.Errorf("cannot parse config: negative yield_per %d", cfg.YieldPer)
	}
	return cfg, nil
}

// LoadConfig reads and parses the YAML file at path.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "cannot load config")
	}
	return ParseConfig(data)
}

func (cfg Config) engineOptions() []EngineOption {
	opts := []EngineOption{
		WithEcho(cfg.Echo),
		WithPreparedStatements(cfg.PrepareStatements),
		WithYieldPer(cfg.YieldPer),
	}
	if cfg.Autoflush != nil {
		opts = append(opts, WithAutoflush(*cfg.Autoflush))
	}
	return opts
}

// Open opens the database described by cfg and returns an engine over it.
// Options given here are applied after those derived from cfg.
func Open(cfg Config, registry *Registry, opts ...EngineOption) (*Engine, error) {
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open %s database", cfg.Driver)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	e, err := NewEngine(db, registry, append(cfg.engineOptions(), opts...)...)
	if err != nil {
		db.Close()
		return nil, err
	}
	e.ownsDB = true
	return e, nil
}
