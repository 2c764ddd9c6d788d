// Package pg implements the rbac, audit and throttle storage interfaces
// on PostgreSQL. Mutations on audited entities write their audit record
// inside the same transaction, so a crash never leaves a change without
// its evidence or evidence without its change.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"paneldesk.org/internal/audit"
	"paneldesk.org/internal/ids"
	"paneldesk.org/internal/rbac"
	"paneldesk.org/internal/throttle"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

var (
	_ rbac.Store     = (*Store)(nil)
	_ audit.Store    = (*Store)(nil)
	_ throttle.Store = ThrottleView{}
)

// Store holds the shared connection pool.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL with pool defaults tuned for a small
// request-per-call admin backend.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing database handle (used by tests).
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying handle for readiness probes and migrations.
func (s *Store) DB() *sql.DB { return s.db }

// appendAuditTx writes one audit record inside the caller's transaction.
// Attribution comes from the request context; absent fields stay null.
func appendAuditTx(ctx context.Context, tx *sql.Tx, action, entityType, entityID string, oldValues, newValues map[string]any) error {
	actor := audit.ActorFromContext(ctx)
	oldJSON, err := marshalValues(oldValues)
	if err != nil {
		return err
	}
	newJSON, err := marshalValues(newValues)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		insert into audit_logs (id, user_id, action, entity_type, entity_id, old_values, new_values, ip_address, user_agent)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, ids.New(), nullIfEmpty(actor.UserID), action, nullIfEmpty(entityType), nullIfEmpty(entityID),
		oldJSON, newJSON, nullIfEmpty(actor.IPAddress), nullIfEmpty(actor.UserAgent))
	return err
}

func marshalValues(values map[string]any) ([]byte, error) {
	if values == nil {
		return nil, nil
	}
	return json.Marshal(values)
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
