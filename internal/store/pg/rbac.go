package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"paneldesk.org/internal/audit"
	"paneldesk.org/internal/ids"
	"paneldesk.org/internal/rbac"
)

const roleColumns = `id, name, display_name, description, created_at, updated_at`

func (s *Store) CreateRole(ctx context.Context, name, displayName, description string) (rbac.Role, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return rbac.Role{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var role rbac.Role
	row := tx.QueryRowContext(ctx, `
		insert into roles (id, name, display_name, description)
		values ($1, $2, $3, $4)
		returning `+roleColumns+`
	`, ids.New(), name, displayName, nullIfEmpty(description))
	if err := scanRole(row, &role); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return rbac.Role{}, rbac.ErrConflict
		}
		return rbac.Role{}, err
	}

	if err := appendAuditTx(ctx, tx, audit.ActionCreated, "role", role.ID, nil, roleValues(role)); err != nil {
		return rbac.Role{}, err
	}
	if err := tx.Commit(); err != nil {
		return rbac.Role{}, err
	}
	return role, nil
}

func (s *Store) GetRole(ctx context.Context, roleID string) (rbac.Role, error) {
	var role rbac.Role
	row := s.db.QueryRowContext(ctx, `select `+roleColumns+` from roles where id = $1`, roleID)
	if err := scanRole(row, &role); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rbac.Role{}, rbac.ErrNotFound
		}
		return rbac.Role{}, err
	}
	return role, nil
}

func (s *Store) ListRoles(ctx context.Context) ([]rbac.Role, error) {
	rows, err := s.db.QueryContext(ctx, `select `+roleColumns+` from roles order by name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []rbac.Role
	for rows.Next() {
		var role rbac.Role
		if err := scanRole(rows, &role); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func (s *Store) UpdateRole(ctx context.Context, roleID string, upd rbac.RoleUpdate) (rbac.Role, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return rbac.Role{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var before rbac.Role
	row := tx.QueryRowContext(ctx, `select `+roleColumns+` from roles where id = $1 for update`, roleID)
	if err := scanRole(row, &before); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rbac.Role{}, rbac.ErrNotFound
		}
		return rbac.Role{}, err
	}

	var (
		sets []string
		args []any
		idx  = 1
	)
	if upd.Name != nil {
		sets = append(sets, fmt.Sprintf("name = $%d", idx))
		args = append(args, *upd.Name)
		idx++
	}
	if upd.DisplayName != nil {
		sets = append(sets, fmt.Sprintf("display_name = $%d", idx))
		args = append(args, *upd.DisplayName)
		idx++
	}
	if upd.Description != nil {
		sets = append(sets, fmt.Sprintf("description = $%d", idx))
		args = append(args, nullIfEmpty(*upd.Description))
		idx++
	}
	if len(sets) == 0 {
		return before, nil
	}

	sets = append(sets, "updated_at = now()")
	query := fmt.Sprintf(`update roles set %s where id = $%d returning `+roleColumns, strings.Join(sets, ", "), idx)
	args = append(args, roleID)

	var after rbac.Role
	if err := scanRole(tx.QueryRowContext(ctx, query, args...), &after); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return rbac.Role{}, rbac.ErrConflict
		}
		return rbac.Role{}, err
	}

	oldVals, newVals := audit.Diff(roleValues(before), roleValues(after))
	if oldVals != nil {
		if err := appendAuditTx(ctx, tx, audit.ActionUpdated, "role", after.ID, oldVals, newVals); err != nil {
			return rbac.Role{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return rbac.Role{}, err
	}
	return after, nil
}

func (s *Store) DeleteRole(ctx context.Context, roleID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var before rbac.Role
	row := tx.QueryRowContext(ctx, `select `+roleColumns+` from roles where id = $1 for update`, roleID)
	if err := scanRole(row, &before); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rbac.ErrNotFound
		}
		return err
	}

	// ON DELETE CASCADE removes role_permissions and user_roles join rows;
	// users and permissions themselves are untouched.
	if _, err := tx.ExecContext(ctx, `delete from roles where id = $1`, roleID); err != nil {
		return err
	}
	if err := appendAuditTx(ctx, tx, audit.ActionDeleted, "role", before.ID, roleValues(before), nil); err != nil {
		return err
	}
	return tx.Commit()
}

// Permissions ----------------------------------------------------------------

func (s *Store) EnsurePermissions(ctx context.Context, perms []rbac.Permission) error {
	for _, p := range perms {
		id := p.ID
		if id == "" {
			id = ids.New()
		}
		module := p.Module
		if module == "" {
			module = rbac.ModuleOf(p.Name)
		}
		_, err := s.db.ExecContext(ctx, `
			insert into permissions (id, name, display_name, description, module)
			values ($1, $2, $3, $4, $5)
			on conflict (name) do nothing
		`, id, p.Name, p.DisplayName, nullIfEmpty(p.Description), module)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ListPermissions(ctx context.Context) ([]rbac.Permission, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, name, display_name, description, module, created_at
		from permissions
		order by module, name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPermissions(rows)
}

func (s *Store) PermissionsForRole(ctx context.Context, roleID string) ([]rbac.Permission, error) {
	rows, err := s.db.QueryContext(ctx, `
		select p.id, p.name, p.display_name, p.description, p.module, p.created_at
		from permissions p
		join role_permissions rp on rp.permission_id = p.id
		where rp.role_id = $1
		order by p.name
	`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPermissions(rows)
}

// SetRolePermissions replaces the role's permission set with exactly the
// given ids, inside one transaction with its audit record. Unknown ids
// fail the whole operation rather than being skipped.
func (s *Store) SetRolePermissions(ctx context.Context, roleID string, permissionIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `select 1 from roles where id = $1 for update`, roleID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rbac.ErrNotFound
		}
		return err
	}

	previous, err := rolePermissionIDsTx(ctx, tx, roleID)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `delete from role_permissions where role_id = $1`, roleID); err != nil {
		return err
	}
	for _, permID := range permissionIDs {
		res, err := tx.ExecContext(ctx, `
			insert into role_permissions (role_id, permission_id)
			select $1, id from permissions where id = $2
		`, roleID, permID)
		if err != nil {
			return err
		}
		aff, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if aff == 0 {
			return fmt.Errorf("%w: permission %s", rbac.ErrNotFound, permID)
		}
	}

	if err := appendAuditTx(ctx, tx, "permissions_synced", "role", roleID,
		map[string]any{"permission_ids": previous},
		map[string]any{"permission_ids": permissionIDs},
	); err != nil {
		return err
	}
	return tx.Commit()
}

// Assignments ----------------------------------------------------------------

func (s *Store) AssignRole(ctx context.Context, userID, roleID string) (rbac.Assignment, error) {
	var a rbac.Assignment
	err := s.db.QueryRowContext(ctx, `
		insert into user_roles (user_id, role_id)
		values ($1, $2)
		returning user_id, role_id, created_at
	`, userID, roleID).Scan(&a.UserID, &a.RoleID, &a.CreatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return rbac.Assignment{}, rbac.ErrConflict
			case pgErrForeignKeyViolation:
				return rbac.Assignment{}, rbac.ErrNotFound
			}
		}
		return rbac.Assignment{}, err
	}
	return a, nil
}

func (s *Store) RemoveAssignment(ctx context.Context, userID, roleID string) error {
	res, err := s.db.ExecContext(ctx, `
		delete from user_roles where user_id = $1 and role_id = $2
	`, userID, roleID)
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

func (s *Store) RoleNamesForUser(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		select r.name
		from roles r
		join user_roles ur on ur.role_id = r.id
		where ur.user_id = $1
		order by r.name
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *Store) UserPermissions(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		select distinct p.name
		from user_roles ur
		join role_permissions rp on rp.role_id = ur.role_id
		join permissions p on p.id = rp.permission_id
		where ur.user_id = $1
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var perms []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		perms = append(perms, name)
	}
	return perms, rows.Err()
}

// helpers --------------------------------------------------------------------

func scanRole(row rowScanner, role *rbac.Role) error {
	var desc sql.NullString
	if err := row.Scan(&role.ID, &role.Name, &role.DisplayName, &desc, &role.CreatedAt, &role.UpdatedAt); err != nil {
		return err
	}
	if desc.Valid {
		role.Description = desc.String
	}
	return nil
}

func roleValues(role rbac.Role) map[string]any {
	return map[string]any{
		"name":         role.Name,
		"display_name": role.DisplayName,
		"description":  role.Description,
	}
}

func rolePermissionIDsTx(ctx context.Context, tx *sql.Tx, roleID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `
		select permission_id from role_permissions where role_id = $1 order by permission_id
	`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func collectPermissions(rows *sql.Rows) ([]rbac.Permission, error) {
	var perms []rbac.Permission
	for rows.Next() {
		var (
			p    rbac.Permission
			desc sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.Name, &p.DisplayName, &desc, &p.Module, &p.CreatedAt); err != nil {
			return nil, err
		}
		if desc.Valid {
			p.Description = desc.String
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}
