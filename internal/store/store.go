// Package store is the relational persistence layer: outbound jobs,
// scheduled sends, delivery events, suppression entries, recipient status,
// and campaign metrics. Every entity has an explicit record type and an
// explicit row mapping; nothing is scanned into untyped maps.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/ignite/mailflow/internal/config"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a persistence constraint (duplicate,
	// foreign key, not-null) rejects the write. Callers must not retry
	// these automatically.
	ErrConflict = errors.New("conflict")
)

// Store bundles the repositories over one database handle.
type Store struct {
	db *sql.DB

	Jobs        *JobRepo
	Schedules   *ScheduleRepo
	Events      *EventRepo
	Suppression *SuppressionRepo
	Tenants     *TenantRepo
}

// Open connects to Postgres and verifies the connection.
func Open(cfg config.DatabaseConfig) (*Store, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return New(db), nil
}

// New wraps an existing handle (used by tests with sqlmock).
func New(db *sql.DB) *Store {
	return &Store{
		db:          db,
		Jobs:        &JobRepo{db: db},
		Schedules:   &ScheduleRepo{db: db},
		Events:      &EventRepo{db: db},
		Suppression: &SuppressionRepo{db: db},
		Tenants:     &TenantRepo{db: db},
	}
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database handle.
func (s *Store) Close() error { return s.db.Close() }

// mapError translates driver errors into the store's taxonomy. Constraint
// violations (unique 23505, foreign key 23503, not-null 23502) become
// ErrConflict.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505", "23503", "23502":
			return fmt.Errorf("%s: %s: %w", op, pqErr.Message, ErrConflict)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
