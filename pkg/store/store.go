// Package store persists observations in an append-only relational log.
//
// Two tables are used:
//
//	hosts(id INTEGER PRIMARY KEY, hostname TEXT NOT NULL)
//	ts(timestamp, host_id -> hosts.id, online 0|1|NULL, latency_ms REAL NULL)
//
// The hosts table doubles as a host source. Rows are only ever inserted;
// nothing in this package updates or deletes them, so dashboards may read
// the database while a run is writing.
//
// A DSN starting with postgres:// or postgresql:// opens PostgreSQL through
// pgx; anything else is treated as an SQLite file path.
package store

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/kylerisse/pingpoll/pkg/host"
)

// DefaultBusyTimeout is the SQLite busy_timeout in milliseconds. It is long
// because dashboard readers can hold the database for a while.
const DefaultBusyTimeout = 60_000

// sqliteHeader is the magic string every SQLite 3 database file starts with.
var sqliteHeader = []byte("SQLite format 3\x00")

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

const hostsSchema = `CREATE TABLE IF NOT EXISTS hosts (
id INTEGER PRIMARY KEY,
hostname TEXT NOT NULL
)`

// tsSchema takes the column types of timestamp and latency_ms. SQLite's
// INTEGER and REAL are already 8 bytes wide; PostgreSQL needs them spelled out.
const tsSchema = `CREATE TABLE IF NOT EXISTS ts (
timestamp %s NOT NULL,
host_id INTEGER NOT NULL REFERENCES hosts(id),
online INTEGER CHECK (online IN (0, 1)),
latency_ms %s
)`

func (d dialect) schema() []string {
	ts := fmt.Sprintf(tsSchema, "INTEGER", "REAL")
	if d == dialectPostgres {
		ts = fmt.Sprintf(tsSchema, "BIGINT", "DOUBLE PRECISION")
	}
	return []string{hostsSchema, ts}
}

// Store is an open time-series database.
type Store struct {
	db      *sql.DB
	dialect dialect
	label   string
	logger  *logrus.Logger
}

type config struct {
	busyTimeout int
	mustExist   bool
	logger      *logrus.Logger
}

// Option customises Open.
type Option func(*config)

// WithBusyTimeout sets the SQLite busy_timeout in milliseconds.
func WithBusyTimeout(ms int) Option { return func(c *config) { c.busyTimeout = ms } }

// WithMustExist refuses to create a new SQLite file and checks that an
// existing one really is an SQLite 3 database.
func WithMustExist() Option { return func(c *config) { c.mustExist = true } }

// WithLogger sets the logger.
func WithLogger(l *logrus.Logger) Option { return func(c *config) { c.logger = l } }

// Open connects to the database named by dsn.
func Open(dsn string, opts ...Option) (*Store, error) {
	cfg := config{
		busyTimeout: DefaultBusyTimeout,
		logger:      logrus.StandardLogger(),
	}
	for _, o := range opts {
		o(&cfg)
	}
	if dsn == "" {
		return nil, fmt.Errorf("store: empty dsn")
	}

	if isPostgres(dsn) {
		return openPostgres(dsn, cfg)
	}
	return openSQLite(dsn, cfg)
}

func isPostgres(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

func openPostgres(dsn string, cfg config) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	return &Store{db: db, dialect: dialectPostgres, label: redactDSN(dsn), logger: cfg.logger}, nil
}

func openSQLite(path string, cfg config) (*Store, error) {
	if cfg.mustExist {
		if err := checkSQLiteFile(path); err != nil {
			return nil, fmt.Errorf("store: %w", err)
		}
	} else if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: mkdir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	// One connection: SQLite allows a single writer and pragmas are per connection.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.busyTimeout),
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: %s: %w", p, err)
		}
	}

	cfg.logger.Debugf("Opened SQLite database %s.", path)
	return &Store{db: db, dialect: dialectSQLite, label: path, logger: cfg.logger}, nil
}

// checkSQLiteFile verifies path exists and carries the SQLite 3 header.
func checkSQLiteFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	head := make([]byte, len(sqliteHeader))
	if _, err := io.ReadFull(f, head); err != nil || !bytes.Equal(head, sqliteHeader) {
		return fmt.Errorf("%s is not an SQLite 3 database", path)
	}
	return nil
}

// redactDSN hides the password of a URL-style DSN for logs and errors.
func redactDSN(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	scheme := strings.Index(dsn, "://")
	if at < 0 || scheme < 0 {
		return dsn
	}
	creds := dsn[scheme+3 : at]
	if i := strings.Index(creds, ":"); i >= 0 {
		return dsn[:scheme+3] + creds[:i] + ":xxxxx" + dsn[at:]
	}
	return dsn
}

// DB returns the underlying handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Label names the database for logs, without credentials.
func (s *Store) Label() string {
	return s.label
}

// HostSource returns a host.Source reading this database's hosts table.
func (s *Store) HostSource() host.Table {
	return host.Table{DB: s.db, Label: s.label}
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureSchema creates the hosts and ts tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range s.dialect.schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: create schema: %w", err)
		}
	}
	return nil
}

// Optimize runs SQLite's housekeeping after a write. No-op on PostgreSQL.
func (s *Store) Optimize(ctx context.Context) error {
	if s.dialect != dialectSQLite {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA optimize"); err != nil {
		return fmt.Errorf("store: optimize: %w", err)
	}
	return nil
}

// rebind rewrites ? placeholders into the dialect's form.
func (s *Store) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
