// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"embed"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx" driver
	_ "modernc.org/sqlite"             // registers "sqlite" driver
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

// DB wraps a sqlx connection with the dialect name, used to rebind "?"
// placeholders to "$1", "$2", ... when the driver is postgres.
type DB struct {
	*sqlx.DB
	Driver string
}

// Config describes how to connect to the relational backend.
type Config struct {
	// Driver is "postgres" or "sqlite".
	Driver string

	// DSN is the driver-specific connection string.
	DSN string

	// MaxOpenConns caps the connection pool size.
	MaxOpenConns int
}

// Open connects to the configured backend, verifies connectivity, and
// applies pending goose migrations embedded in this package.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	driverName, err := sqlDriverName(cfg.Driver)
	if err != nil {
		return nil, err
	}

	conn, err := sqlx.Open(driverName, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("store: failed to open %s: %w", cfg.Driver, err)
	}

	if cfg.MaxOpenConns > 0 {
		conn.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: failed to connect: %w", err)
	}

	db := &DB{DB: conn, Driver: cfg.Driver}

	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: failed to run migrations: %w", err)
	}

	return db, nil
}

func sqlDriverName(driver string) (string, error) {
	switch driver {
	case "postgres":
		return "pgx", nil
	case "sqlite":
		return "sqlite", nil
	default:
		return "", fmt.Errorf("store: unsupported driver %q", driver)
	}
}

func (db *DB) migrate() error {
	goose.SetBaseFS(migrationsFS)
	defer goose.SetBaseFS(nil)

	dialect := "postgres"
	dir := "migrations/postgres"
	if db.Driver == "sqlite" {
		dialect = "sqlite3"
		dir = "migrations/sqlite"
	}
	if err := goose.SetDialect(dialect); err != nil {
		return err
	}

	return goose.Up(db.DB.DB, dir)
}

// Rebind converts a query written with "?" placeholders into the
// dialect's native placeholder syntax (no-op for sqlite, "$1".."$N" for
// postgres). All repository queries are authored with "?" and rebound
// here so the same SQL text targets either backend.
func (db *DB) Rebind(query string) string {
	return db.DB.Rebind(query)
}

// Close closes the underlying connection pool.
func (db *DB) Close() error {
	return db.DB.Close()
}
