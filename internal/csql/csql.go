// Package csql wraps database/sql with the schema-qualified Postgres
// connection every other package builds on, plus a small helper for the
// search_path isolation tests need.
package csql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq" // registers the "postgres" driver

	"github.com/featherbone/server/internal/logger"
)

// DB is a *sql.DB bound to a particular Postgres schema.
type DB struct {
	*sql.DB
	Schema string
}

// ErrNoRows is returned by Scan when a query produced no row.
var ErrNoRows = sql.ErrNoRows

// OpenWithSchema opens a connection to dataSourceName, creating schema
// (and the uuid-ossp extension) if they do not exist yet. An empty
// schema falls back to "public".
func OpenWithSchema(dataSourceName, dataSourcePassword, schema string) *DB {
	logger.Default().Infoln("connecting to postgres database:", dataSourceName)
	db, err := sql.Open("postgres", fmt.Sprintf("%s password=%s", dataSourceName, dataSourcePassword))
	if err != nil {
		panic(err)
	}
	if err := db.Ping(); err != nil {
		panic(err)
	}
	if schema == "" {
		schema = "public"
	} else {
		logger.Default().Infoln("selected database schema:", schema)
		if _, err := db.Exec(`CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`); err != nil {
			if strings.Contains(err.Error(), "duplicate key value violates unique constraint") {
				logger.Default().Warn("installing uuid-ossp extension raced, ignoring")
			} else {
				panic(err)
			}
		}
		if _, err := db.Exec(`CREATE SCHEMA IF NOT EXISTS ` + schema + `;`); err != nil {
			panic(err)
		}
	}
	if _, err := db.Exec(fmt.Sprintf(`SET search_path TO %s, public;`, schema)); err != nil {
		panic(err)
	}
	return &DB{DB: db, Schema: schema}
}

// ClearSchema drops and recreates db's schema. Used by integration tests
// between runs; refuses to ever touch "public".
func (db *DB) ClearSchema() {
	if db.Schema == "public" {
		panic("refuse to drop public schema")
	}
	if _, err := db.Exec(`DROP SCHEMA ` + db.Schema + ` CASCADE; CREATE SCHEMA IF NOT EXISTS ` + db.Schema + `;`); err != nil {
		logger.Default().Infoln("clear schema error:", db.Schema, err.Error())
	}
}

// Client is either a *sql.DB or a *sql.Tx — whichever the pipeline handed
// the CRUD engine for this request. Mirrors the payload.client carried
// through spec.md's pipeline steps: present means "already inside a
// transaction", absent means "acquire a pooled connection."
type Client interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}
