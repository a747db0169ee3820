package dbjob

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"
)

// Dialect identifies the SQL dialect for placeholder rendering and
// stored-procedure call syntax.
type Dialect int

const (
	Postgres Dialect = iota
	MySQL
	SQLite
	SQLServer
)

// String returns the string representation of the dialect.
func (d Dialect) String() string {
	switch d {
	case Postgres:
		return "postgres"
	case MySQL:
		return "mysql"
	case SQLite:
		return "sqlite"
	case SQLServer:
		return "sqlserver"
	default:
		return "unknown"
	}
}

// Queryer abstracts *sql.DB / *sql.Tx / *sql.Conn QueryContext. Jobs chained
// to a shared connection or transaction scope receive one via Job.On.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Execer abstracts *sql.DB / *sql.Tx / *sql.Conn ExecContext.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Config defines limits and defaults for the engine.
type Config struct {
	// MaxParams limits the total number of placeholders a single command may
	// emit. If = 0 (or omitted), it uses a sensible per-dialect default.
	// If < 0, it's treated as "unlimited".
	MaxParams int
	// MaxNameLen limits the maximum allowed length of a placeholder name,
	// e.g. ":this_is_a_name". Names longer than this cause ErrParamNameTooLong.
	MaxNameLen int
	// DefaultTimeout is the command timeout applied when a job does not set
	// one explicitly. Zero means no deadline beyond the caller's context.
	DefaultTimeout time.Duration
	// DefaultRetries is the number of extra attempts granted to jobs that do
	// not configure their own retry count. Only transient connection-level
	// failures are ever retried.
	DefaultRetries int
	// Logger receives structured per-run debug/warn events. The zero value
	// disables logging.
	Logger zerolog.Logger
}

// Engine is the main entry point. It holds the connection pool, the selected
// dialect, and configuration. A single Engine is safe for concurrent use;
// each job run is independent and shares nothing but the pool.
type Engine struct {
	db      *sql.DB
	dialect Dialect
	config  Config
	log     zerolog.Logger
}

const cacheSize = 4096 // Default size for the field-index and plan caches

// New returns a new Engine over the given pool and dialect. Optionally
// provide a Config; unspecified fields fall back to per-dialect defaults.
// db may be nil if every job is chained to an external scope via Job.On.
func New(db *sql.DB, dialect Dialect, cfg ...Config) *Engine {
	c := defaultConfig(dialect, cfg...)
	return &Engine{
		db:      db,
		dialect: dialect,
		config:  c,
		log:     c.Logger,
	}
}

// defaultConfig merges user config with per-dialect defaults.
func defaultConfig(dialect Dialect, config ...Config) Config {
	c := Config{}

	if len(config) > 0 {
		c = config[0]
	}

	if c.MaxParams == 0 {
		switch dialect {
		case SQLServer:
			c.MaxParams = 2100
		case SQLite:
			c.MaxParams = 999
		case Postgres, MySQL:
			c.MaxParams = 65535
		}
	}

	if c.MaxNameLen <= 0 {
		c.MaxNameLen = 64
	}

	return c
}
