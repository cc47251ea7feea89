package database

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"whatsbot/internal/migrations"
	"whatsbot/internal/models"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// Database is the durable tier for credentials, user accounts and delivery channels.
// It speaks to SQLite (single node) or Postgres through the pgx stdlib driver.
type Database struct {
	db        *sql.DB
	driver    string
	encryptor *encryptor
	defaults  models.UserLimits
}

// Options configures a Database.
type Options struct {
	// DefaultLimits apply to users without explicit limits.
	DefaultLimits models.UserLimits
	// SkipMigrations leaves the schema untouched; the caller is expected to have migrated.
	SkipMigrations bool
}

// New opens the database described by cfg and migrates it to the latest schema.
func New(ctx context.Context, cfg models.DatabaseConfig, opts Options) (*Database, error) {
	if cfg.DSN == "" || cfg.DSN[0] == '\x00' {
		return nil, fmt.Errorf("invalid database DSN")
	}
	if cfg.Driver != "sqlite3" && cfg.Driver != "pgx" {
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	if !opts.SkipMigrations {
		if err := migrations.Run(cfg.Driver, cfg.DSN, migrations.Up); err != nil {
			return nil, fmt.Errorf("failed to initialize schema: %w", err)
		}
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.Driver == "sqlite3" {
		// one writer avoids "database is locked" under concurrent credential saves
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to ping database: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	enc, err := NewEncryptor()
	if err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to initialize encryptor: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to initialize encryptor: %w", err)
	}

	defaults := opts.DefaultLimits
	if defaults.MaxRAMMB <= 0 {
		defaults.MaxRAMMB = 10
	}
	if defaults.MaxROMMB <= 0 {
		defaults.MaxROMMB = 50
	}

	return &Database{db: db, driver: cfg.Driver, encryptor: enc, defaults: defaults}, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Ping checks connectivity for health reporting.
func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// rebind rewrites ? placeholders into $n for Postgres.
func (d *Database) rebind(query string) string {
	if d.driver != "pgx" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$")
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
