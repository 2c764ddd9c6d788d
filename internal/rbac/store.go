package rbac

import "context"

// Store describes persistence operations required by the RBAC subsystem.
// Mutations on audited entities append an audit record inside the same
// transaction as the write.
type Store interface {
	CreateUser(ctx context.Context, u *User) (User, error)
	GetUser(ctx context.Context, userID string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	ListUsers(ctx context.Context) ([]User, error)
	UpdateUser(ctx context.Context, userID string, upd UserUpdate) (User, error)
	DeleteUser(ctx context.Context, userID string) error

	CreateRole(ctx context.Context, name, displayName, description string) (Role, error)
	GetRole(ctx context.Context, roleID string) (Role, error)
	ListRoles(ctx context.Context) ([]Role, error)
	UpdateRole(ctx context.Context, roleID string, upd RoleUpdate) (Role, error)
	DeleteRole(ctx context.Context, roleID string) error

	EnsurePermissions(ctx context.Context, perms []Permission) error
	ListPermissions(ctx context.Context) ([]Permission, error)
	PermissionsForRole(ctx context.Context, roleID string) ([]Permission, error)
	SetRolePermissions(ctx context.Context, roleID string, permissionIDs []string) error

	AssignRole(ctx context.Context, userID, roleID string) (Assignment, error)
	RemoveAssignment(ctx context.Context, userID, roleID string) error
	RoleNamesForUser(ctx context.Context, userID string) ([]string, error)
	UserPermissions(ctx context.Context, userID string) ([]string, error)
}
