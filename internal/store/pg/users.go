package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"paneldesk.org/internal/audit"
	"paneldesk.org/internal/ids"
	"paneldesk.org/internal/rbac"
)

const userColumns = `id, email, name, password_hash, is_active, force_password_change, last_login_at, last_login_ip, created_at, updated_at`

func (s *Store) CreateUser(ctx context.Context, u *rbac.User) (rbac.User, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return rbac.User{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if u.ID == "" {
		u.ID = ids.New()
	}
	var created rbac.User
	row := tx.QueryRowContext(ctx, `
		insert into users (id, email, name, password_hash, is_active, force_password_change)
		values ($1, $2, $3, $4, $5, $6)
		returning `+userColumns+`
	`, u.ID, u.Email, u.Name, u.PasswordHash, u.IsActive, u.ForcePasswordChange)
	if err := scanUser(row, &created); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return rbac.User{}, rbac.ErrConflict
		}
		return rbac.User{}, err
	}

	if err := appendAuditTx(ctx, tx, audit.ActionCreated, "user", created.ID, nil, userValues(created)); err != nil {
		return rbac.User{}, err
	}
	if err := tx.Commit(); err != nil {
		return rbac.User{}, err
	}
	return created, nil
}

func (s *Store) GetUser(ctx context.Context, userID string) (rbac.User, error) {
	var u rbac.User
	row := s.db.QueryRowContext(ctx, `select `+userColumns+` from users where id = $1`, userID)
	if err := scanUser(row, &u); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rbac.User{}, rbac.ErrNotFound
		}
		return rbac.User{}, err
	}
	return u, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (rbac.User, error) {
	var u rbac.User
	row := s.db.QueryRowContext(ctx, `select `+userColumns+` from users where email = $1`, email)
	if err := scanUser(row, &u); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rbac.User{}, rbac.ErrNotFound
		}
		return rbac.User{}, err
	}
	return u, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]rbac.User, error) {
	rows, err := s.db.QueryContext(ctx, `select `+userColumns+` from users order by email`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []rbac.User
	for rows.Next() {
		var u rbac.User
		if err := scanUser(rows, &u); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *Store) UpdateUser(ctx context.Context, userID string, upd rbac.UserUpdate) (rbac.User, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return rbac.User{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var before rbac.User
	row := tx.QueryRowContext(ctx, `select `+userColumns+` from users where id = $1 for update`, userID)
	if err := scanUser(row, &before); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rbac.User{}, rbac.ErrNotFound
		}
		return rbac.User{}, err
	}

	var (
		sets []string
		args []any
		idx  = 1
	)
	if upd.Email != nil {
		sets = append(sets, fmt.Sprintf("email = $%d", idx))
		args = append(args, *upd.Email)
		idx++
	}
	if upd.Name != nil {
		sets = append(sets, fmt.Sprintf("name = $%d", idx))
		args = append(args, *upd.Name)
		idx++
	}
	if upd.PasswordHash != nil {
		sets = append(sets, fmt.Sprintf("password_hash = $%d", idx))
		args = append(args, *upd.PasswordHash)
		idx++
	}
	if upd.IsActive != nil {
		sets = append(sets, fmt.Sprintf("is_active = $%d", idx))
		args = append(args, *upd.IsActive)
		idx++
	}
	if upd.ForcePasswordChange != nil {
		sets = append(sets, fmt.Sprintf("force_password_change = $%d", idx))
		args = append(args, *upd.ForcePasswordChange)
		idx++
	}
	if len(sets) == 0 {
		return before, nil
	}

	sets = append(sets, "updated_at = now()")
	query := fmt.Sprintf(`update users set %s where id = $%d returning `+userColumns, strings.Join(sets, ", "), idx)
	args = append(args, userID)

	var after rbac.User
	if err := scanUser(tx.QueryRowContext(ctx, query, args...), &after); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return rbac.User{}, rbac.ErrConflict
		}
		return rbac.User{}, err
	}

	oldVals, newVals := audit.Diff(userValues(before), userValues(after))
	if oldVals != nil {
		if err := appendAuditTx(ctx, tx, audit.ActionUpdated, "user", after.ID, oldVals, newVals); err != nil {
			return rbac.User{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return rbac.User{}, err
	}
	return after, nil
}

func (s *Store) DeleteUser(ctx context.Context, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var before rbac.User
	row := tx.QueryRowContext(ctx, `select `+userColumns+` from users where id = $1 for update`, userID)
	if err := scanUser(row, &before); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rbac.ErrNotFound
		}
		return err
	}

	// Assignment rows go with the user via ON DELETE CASCADE.
	if _, err := tx.ExecContext(ctx, `delete from users where id = $1`, userID); err != nil {
		return err
	}
	if err := appendAuditTx(ctx, tx, audit.ActionDeleted, "user", before.ID, userValues(before), nil); err != nil {
		return err
	}
	return tx.Commit()
}

// RecordLogin stamps the last-login fields after successful
// authentication. Not audited here; the login itself is.
func (s *Store) RecordLogin(ctx context.Context, userID, ip string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update users set last_login_at = $2, last_login_ip = $3, updated_at = now() where id = $1
	`, userID, at, nullIfEmpty(ip))
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return rbac.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner, u *rbac.User) error {
	var (
		lastLoginAt sql.NullTime
		lastLoginIP sql.NullString
	)
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &u.IsActive, &u.ForcePasswordChange,
		&lastLoginAt, &lastLoginIP, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return err
	}
	if lastLoginAt.Valid {
		t := lastLoginAt.Time
		u.LastLoginAt = &t
	}
	if lastLoginIP.Valid {
		u.LastLoginIP = lastLoginIP.String
	}
	return nil
}

// userValues is the audited field snapshot for a user. The password hash
// is deliberately excluded: credential material does not belong in the
// audit trail.
func userValues(u rbac.User) map[string]any {
	return map[string]any{
		"email":                 u.Email,
		"name":                  u.Name,
		"is_active":             u.IsActive,
		"force_password_change": u.ForcePasswordChange,
	}
}
