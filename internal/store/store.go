// Package store is the relational config store and event store, backed by
// Postgres via lib/pq. All mutable-entity writes run as single statements
// or transactions; the event table is range-partitioned by month.
package store

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/limitgate/backend/internal/core"
)

// Store wraps the SQL handle with the per-call timeout of the config plane.
type Store struct {
	db          *sql.DB
	callTimeout time.Duration
}

// Open connects to Postgres and verifies connectivity.
func Open(dsn string, maxOpen, maxIdle int, callTimeout time.Duration) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, core.Wrap(core.KindStoreUnavailable, err, "open postgres")
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, core.Wrap(core.KindStoreUnavailable, err, "postgres ping")
	}

	slog.Info("config store connected")
	return NewWithDB(db, callTimeout), nil
}

// NewWithDB wraps an existing handle (tests pass sqlmock or a shared pool).
func NewWithDB(db *sql.DB, callTimeout time.Duration) *Store {
	if callTimeout <= 0 {
		callTimeout = 500 * time.Millisecond
	}
	return &Store{db: db, callTimeout: callTimeout}
}

// Close releases the pool.
func (s *Store) Close() error { return s.db.Close() }

// Ping reports store reachability for health checks.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) ctx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.callTimeout)
}

// mapErr translates driver errors into the service error taxonomy.
// Constraint violations are semantic (DUPLICATE / INVALID_INPUT) and must
// not feed the config-store circuit breaker; everything else is transport.
func mapErr(err error, what string) error {
	if err == nil {
		return nil
	}
	if err == sql.ErrNoRows {
		return core.E(core.KindNotFound, "%s not found", what)
	}
	if pqErr, ok := err.(*pq.Error); ok {
		switch pqErr.Code {
		case "23505": // unique_violation
			return core.Wrap(core.KindDuplicate, err, "%s already exists", what)
		case "23503", "23502", "23514": // fk, not-null, check
			return core.Wrap(core.KindInvalidInput, err, "%s constraint violation", what)
		}
	}
	return core.Wrap(core.KindStoreUnavailable, err, "%s query", what)
}

// nullUUID adapts *uuid.UUID for scanning and binding.
func nullUUID(id *uuid.UUID) interface{} {
	if id == nil {
		return nil
	}
	return id.String()
}

func scanUUIDPtr(ns sql.NullString) *uuid.UUID {
	if !ns.Valid {
		return nil
	}
	id, err := uuid.Parse(ns.String)
	if err != nil {
		return nil
	}
	return &id
}

func nullStr(s *string) interface{} {
	if s == nil || *s == "" {
		return nil
	}
	return *s
}

func strPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	v := nt.Time
	return &v
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}
