package pg

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"paneldesk.org/internal/audit"
	"paneldesk.org/internal/rbac"
	"paneldesk.org/internal/throttle"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

func expectationsMet(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func userRow(id string) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows([]string{
		"id", "email", "name", "password_hash", "is_active", "force_password_change",
		"last_login_at", "last_login_ip", "created_at", "updated_at",
	}).AddRow(id, "alice@example.com", "Alice", "hash", true, false, nil, nil, now, now)
}

func TestCreateUserAuditedInSameTransaction(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`insert into users`).
		WithArgs(sqlmock.AnyArg(), "alice@example.com", "Alice", "hash", true, false).
		WillReturnRows(userRow("user-1"))
	mock.ExpectExec(`insert into audit_logs`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), audit.ActionCreated, sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	created, err := store.CreateUser(context.Background(), &rbac.User{
		Email: "alice@example.com", Name: "Alice", PasswordHash: "hash", IsActive: true,
	})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if created.ID != "user-1" {
		t.Fatalf("unexpected user: %+v", created)
	}
	expectationsMet(t, mock)
}

func TestCreateUserAuditFailureRollsBack(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`insert into users`).
		WithArgs(sqlmock.AnyArg(), "alice@example.com", "Alice", "hash", true, false).
		WillReturnRows(userRow("user-1"))
	mock.ExpectExec(`insert into audit_logs`).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err := store.CreateUser(context.Background(), &rbac.User{
		Email: "alice@example.com", Name: "Alice", PasswordHash: "hash", IsActive: true,
	})
	if err == nil {
		t.Fatal("expected error when the audit write fails")
	}
	expectationsMet(t, mock)
}

func TestUpdateUserNoFieldsSkipsUpdate(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`select .+ from users where id = \$1 for update`).
		WithArgs("user-1").
		WillReturnRows(userRow("user-1"))
	mock.ExpectRollback()

	user, err := store.UpdateUser(context.Background(), "user-1", rbac.UserUpdate{})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if user.ID != "user-1" {
		t.Fatalf("expected existing row back, got %+v", user)
	}
	expectationsMet(t, mock)
}

func TestUpdateUserUnchangedValueWritesNoAudit(t *testing.T) {
	store, mock := newMockStore(t)

	name := "Alice"
	mock.ExpectBegin()
	mock.ExpectQuery(`select .+ from users where id = \$1 for update`).
		WithArgs("user-1").
		WillReturnRows(userRow("user-1"))
	mock.ExpectQuery(`update users set name = \$1`).
		WithArgs(name, "user-1").
		WillReturnRows(userRow("user-1"))
	// no audit insert: the diff is empty
	mock.ExpectCommit()

	if _, err := store.UpdateUser(context.Background(), "user-1", rbac.UserUpdate{Name: &name}); err != nil {
		t.Fatalf("update: %v", err)
	}
	expectationsMet(t, mock)
}

func TestUpdateUserChangedValueAudited(t *testing.T) {
	store, mock := newMockStore(t)

	name := "Alicia"
	now := time.Now().UTC()
	after := sqlmock.NewRows([]string{
		"id", "email", "name", "password_hash", "is_active", "force_password_change",
		"last_login_at", "last_login_ip", "created_at", "updated_at",
	}).AddRow("user-1", "alice@example.com", "Alicia", "hash", true, false, nil, nil, now, now)

	mock.ExpectBegin()
	mock.ExpectQuery(`select .+ from users where id = \$1 for update`).
		WithArgs("user-1").
		WillReturnRows(userRow("user-1"))
	mock.ExpectQuery(`update users set name = \$1`).
		WithArgs(name, "user-1").
		WillReturnRows(after)
	mock.ExpectExec(`insert into audit_logs`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), audit.ActionUpdated, sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	user, err := store.UpdateUser(context.Background(), "user-1", rbac.UserUpdate{Name: &name})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if user.Name != "Alicia" {
		t.Fatalf("unexpected user: %+v", user)
	}
	expectationsMet(t, mock)
}

func TestDeleteUserSnapshotsBeforeRow(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`select .+ from users where id = \$1 for update`).
		WithArgs("user-1").
		WillReturnRows(userRow("user-1"))
	mock.ExpectExec(`delete from users where id = \$1`).
		WithArgs("user-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`insert into audit_logs`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), audit.ActionDeleted, sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := store.DeleteUser(context.Background(), "user-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	expectationsMet(t, mock)
}

func TestSetRolePermissionsUnknownIDFails(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`select 1 from roles where id = \$1 for update`).
		WithArgs("role-1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectQuery(`select permission_id from role_permissions`).
		WithArgs("role-1").
		WillReturnRows(sqlmock.NewRows([]string{"permission_id"}).AddRow("perm-old"))
	mock.ExpectExec(`delete from role_permissions where role_id = \$1`).
		WithArgs("role-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`insert into role_permissions`).
		WithArgs("role-1", "perm-ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.SetRolePermissions(context.Background(), "role-1", []string{"perm-ghost"})
	if !errors.Is(err, rbac.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown permission id, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestSetRolePermissionsAuditsOldAndNewSets(t *testing.T) {
	store, mock := newMockStore(t)

	var oldJSON, newJSON []byte
	mock.ExpectBegin()
	mock.ExpectQuery(`select 1 from roles where id = \$1 for update`).
		WithArgs("role-1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectQuery(`select permission_id from role_permissions`).
		WithArgs("role-1").
		WillReturnRows(sqlmock.NewRows([]string{"permission_id"}).AddRow("perm-a"))
	mock.ExpectExec(`delete from role_permissions where role_id = \$1`).
		WithArgs("role-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`insert into role_permissions`).
		WithArgs("role-1", "perm-b").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`insert into audit_logs`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "permissions_synced", "role", "role-1",
			argCapture(&oldJSON), argCapture(&newJSON), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := store.SetRolePermissions(context.Background(), "role-1", []string{"perm-b"}); err != nil {
		t.Fatalf("set permissions: %v", err)
	}
	expectationsMet(t, mock)

	var oldVals, newVals map[string][]string
	if err := json.Unmarshal(oldJSON, &oldVals); err != nil {
		t.Fatalf("old values: %v", err)
	}
	if err := json.Unmarshal(newJSON, &newVals); err != nil {
		t.Fatalf("new values: %v", err)
	}
	if len(oldVals["permission_ids"]) != 1 || oldVals["permission_ids"][0] != "perm-a" {
		t.Fatalf("unexpected old set: %v", oldVals)
	}
	if len(newVals["permission_ids"]) != 1 || newVals["permission_ids"][0] != "perm-b" {
		t.Fatalf("unexpected new set: %v", newVals)
	}
}

func TestAssignRoleConflict(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`insert into user_roles`).
		WithArgs("user-1", "role-1").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "role_id", "created_at"}).
			AddRow("user-1", "role-1", time.Now().UTC()))

	if _, err := store.AssignRole(context.Background(), "user-1", "role-1"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	expectationsMet(t, mock)
}

func TestFailUpsertReturnsBlockedState(t *testing.T) {
	store, mock := newMockStore(t)

	now := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	until := now.Add(time.Hour)
	mock.ExpectQuery(`insert into login_attempts`).
		WithArgs(sqlmock.AnyArg(), "a@b.co", "10.0.0.1", 15, until, now).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "email", "ip_address", "attempts", "is_blocked", "blocked_until", "last_attempt_at",
		}).AddRow("att-1", "a@b.co", "10.0.0.1", 15, true, until, now))

	att, err := store.Fail(context.Background(), "a@b.co", "10.0.0.1", 15, until, now)
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if !att.IsBlocked || att.Attempts != 15 {
		t.Fatalf("unexpected attempt: %+v", att)
	}
	if att.BlockedUntil == nil || !att.BlockedUntil.Equal(until) {
		t.Fatalf("unexpected blocked_until: %v", att.BlockedUntil)
	}
	expectationsMet(t, mock)
}

func TestClearExpiredReportsReset(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectExec(`update login_attempts`).
		WithArgs("att-1", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	cleared, err := store.ClearExpired(context.Background(), "att-1", now)
	if err != nil || !cleared {
		t.Fatalf("expected reset, got %v / %v", cleared, err)
	}

	mock.ExpectExec(`update login_attempts`).
		WithArgs("att-1", now).
		WillReturnResult(sqlmock.NewResult(0, 0))
	cleared, err = store.ClearExpired(context.Background(), "att-1", now)
	if err != nil || cleared {
		t.Fatalf("expected no reset for active block, got %v / %v", cleared, err)
	}
	expectationsMet(t, mock)
}

func TestAuditAppendAndGet(t *testing.T) {
	store, mock := newMockStore(t)

	entry := &audit.Entry{
		Action:     "login",
		EntityType: "user",
		EntityID:   "user-1",
		UserID:     "user-1",
		IPAddress:  "203.0.113.9",
		CreatedAt:  time.Now().UTC(),
	}
	mock.ExpectExec(`insert into audit_logs`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := store.Append(context.Background(), entry); err != nil {
		t.Fatalf("append: %v", err)
	}
	if entry.ID == "" {
		t.Fatal("expected generated id")
	}

	oldVals, _ := json.Marshal(map[string]any{"name": "old"})
	mock.ExpectQuery(`select .+ from audit_logs where id = \$1`).
		WithArgs("log-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "user_id", "action", "entity_type", "entity_id",
			"old_values", "new_values", "ip_address", "user_agent", "created_at",
		}).AddRow("log-1", "user-1", "updated", "role", "role-1", oldVals, nil, nil, nil, time.Now().UTC()))

	got, err := store.Get(context.Background(), "log-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.OldValues["name"] != "old" {
		t.Fatalf("old values not decoded: %+v", got)
	}
	expectationsMet(t, mock)
}

func TestAuditGetUnknownID(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`select .+ from audit_logs where id = \$1`).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "user_id", "action", "entity_type", "entity_id",
			"old_values", "new_values", "ip_address", "user_agent", "created_at",
		}))

	if _, err := store.Get(context.Background(), "ghost"); !errors.Is(err, audit.ErrNotFound) {
		t.Fatalf("expected audit.ErrNotFound, got %v", err)
	}
	expectationsMet(t, mock)
}

func TestThrottleFindNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`select .+ from login_attempts where email = \$1 and ip_address = \$2`).
		WithArgs("a@b.co", "10.0.0.1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "email", "ip_address", "attempts", "is_blocked", "blocked_until", "last_attempt_at",
		}))

	if _, err := store.Find(context.Background(), "a@b.co", "10.0.0.1"); !errors.Is(err, throttle.ErrNotFound) {
		t.Fatalf("expected throttle.ErrNotFound, got %v", err)
	}
	expectationsMet(t, mock)
}

// argCapture records the []byte value sqlmock saw for an argument.
type byteCapture struct {
	dst *[]byte
}

func argCapture(dst *[]byte) sqlmock.Argument {
	return byteCapture{dst: dst}
}

func (c byteCapture) Match(v driver.Value) bool {
	switch val := v.(type) {
	case []byte:
		*c.dst = val
	case string:
		*c.dst = []byte(val)
	default:
		return false
	}
	return true
}
