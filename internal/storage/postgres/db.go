// Package postgres provides the Postgres-backed system of record: fetch state,
// the master URL list, sitemap staging, run metrics, alerts and reports.
package postgres

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"regexp"
	"strings"
	"text/template"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed sql/*.sql
var sqlFiles embed.FS

var validTableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_\.]*$`)

// Tables names every table the stores touch.
type Tables struct {
	Master  string
	Content string
	Staging string
	Metrics string
	Alerts  string
}

// DefaultTables returns the stock table names.
func DefaultTables() Tables {
	return Tables{
		Master:  "docs_master",
		Content: "document_content",
		Staging: "sitemap_staging",
		Metrics: "pipeline_metrics",
		Alerts:  "alerts",
	}
}

func (t Tables) withDefaults() Tables {
	d := DefaultTables()
	if t.Master == "" {
		t.Master = d.Master
	}
	if t.Content == "" {
		t.Content = d.Content
	}
	if t.Staging == "" {
		t.Staging = d.Staging
	}
	if t.Metrics == "" {
		t.Metrics = d.Metrics
	}
	if t.Alerts == "" {
		t.Alerts = d.Alerts
	}
	return t
}

func (t Tables) validate() error {
	for _, name := range []string{t.Master, t.Content, t.Staging, t.Metrics, t.Alerts} {
		if !validTableName.MatchString(name) {
			return fmt.Errorf("invalid table name %q", name)
		}
	}
	return nil
}

// Config controls the connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	Tables          Tables
}

// pool is the subset of pgxpool.Pool the stores use; pgxmock satisfies it.
type pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// DB owns the pool and the table layout shared by every store in this package.
type DB struct {
	pool   pool
	tables Tables
}

// Open connects a pgx pool using cfg.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	tables := cfg.Tables.withDefaults()
	if err := tables.validate(); err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &DB{pool: p, tables: tables}, nil
}

// NewWithPool wraps an existing pool (primarily for testing).
func NewWithPool(p pool, tables Tables) (*DB, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	tables = tables.withDefaults()
	if err := tables.validate(); err != nil {
		return nil, err
	}
	return &DB{pool: p, tables: tables}, nil
}

// Tables reports the table layout in use.
func (db *DB) Tables() Tables {
	return db.tables
}

// Ping verifies the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	if err := db.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the pool.
func (db *DB) Close() {
	if db == nil || db.pool == nil {
		return
	}
	db.pool.Close()
}

// Migrate creates every table and index if they do not exist yet.
func (db *DB) Migrate(ctx context.Context) error {
	schema, err := db.render("sql/schema.sql")
	if err != nil {
		return err
	}
	if _, err := db.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// render expands a SQL template against the table layout.
func (db *DB) render(name string) (string, error) {
	raw, err := sqlFiles.ReadFile(name)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", name, err)
	}
	tmpl, err := template.New(name).Funcs(template.FuncMap{
		"ident": func(table, suffix string) string {
			return strings.ReplaceAll(table, ".", "_") + "_" + suffix
		},
	}).Parse(string(raw))
	if err != nil {
		return "", fmt.Errorf("parse %s: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, db.tables); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return buf.String(), nil
}
