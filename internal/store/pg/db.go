// Package pg implements the store interfaces on PostgreSQL via database/sql
// with the pgx stdlib driver. Schema is managed by golang-migrate (see
// migrations/ and the `hivehub migrate` command).
package pg

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/hivemesh/hivehub/internal/store"
)

// OpenDB opens a pooled Postgres connection.
func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// NewStores creates all relational stores backed by Postgres.
func NewStores(dsn string) (*store.Stores, error) {
	db, err := OpenDB(dsn)
	if err != nil {
		return nil, err
	}
	return &store.Stores{
		Backup: NewBackupStore(db),
		Agents: NewAgentStore(db),
		Ping:   db.PingContext,
		Close:  db.Close,
	}, nil
}
