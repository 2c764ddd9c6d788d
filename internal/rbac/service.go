package rbac

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// DefaultReservedRoles are role names administrative tooling refuses to
// delete. They are configuration, not schema: override with
// WithReservedRoles when a deployment names its system roles differently.
var DefaultReservedRoles = []string{"admin", "manager", "user"}

// Service provides permission resolution and role/permission administration.
type Service struct {
	store    Store
	reserved map[string]struct{}
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithReservedRoles overrides the set of undeletable role names.
func WithReservedRoles(names []string) ServiceOption {
	return func(s *Service) error {
		reserved := make(map[string]struct{}, len(names))
		for _, name := range names {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			reserved[name] = struct{}{}
		}
		s.reserved = reserved
		return nil
	}
}

// NewService constructs a Service over the given store.
func NewService(store Store, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("rbac store is required")
	}
	s := &Service{store: store}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.reserved == nil {
		reserved := make(map[string]struct{}, len(DefaultReservedRoles))
		for _, name := range DefaultReservedRoles {
			reserved[name] = struct{}{}
		}
		s.reserved = reserved
	}
	return s, nil
}

// EnsureBuiltins makes sure the core permission catalog entries exist.
func (s *Service) EnsureBuiltins(ctx context.Context) error {
	return s.store.EnsurePermissions(ctx, BuiltinPermissions)
}

// Resolver ------------------------------------------------------------------

// EffectivePermissions returns the deduplicated union of permission names
// across every role assigned to the user, sorted for stable output. An
// unknown or empty user id yields an empty set, not an error.
func (s *Service) EffectivePermissions(ctx context.Context, userID string) ([]string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, nil
	}
	perms, err := s.store.UserPermissions(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	sort.Strings(perms)
	return perms, nil
}

// HasPermission reports whether the user holds at least one of the given
// permission names. Unknown names simply never match; an absent user is
// never an error and never authorized.
func (s *Service) HasPermission(ctx context.Context, userID string, names ...string) (bool, error) {
	if len(names) == 0 {
		return false, nil
	}
	perms, err := s.EffectivePermissions(ctx, userID)
	if err != nil {
		return false, err
	}
	held := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		held[p] = struct{}{}
	}
	for _, name := range names {
		if _, ok := held[name]; ok {
			return true, nil
		}
	}
	return false, nil
}

// Require returns a PermissionError unless the user holds at least one of
// the given permissions.
func (s *Service) Require(ctx context.Context, userID string, names ...string) error {
	ok, err := s.HasPermission(ctx, userID, names...)
	if err != nil {
		return err
	}
	if !ok {
		return Denied(names...)
	}
	return nil
}

// HasRole reports whether the user is assigned the exact role name.
func (s *Service) HasRole(ctx context.Context, userID, roleName string) (bool, error) {
	return s.HasAnyRole(ctx, userID, []string{roleName})
}

// HasAnyRole reports whether the user holds at least one of the role names.
func (s *Service) HasAnyRole(ctx context.Context, userID string, roleNames []string) (bool, error) {
	assigned, err := s.roleNameSet(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, name := range roleNames {
		if _, ok := assigned[name]; ok {
			return true, nil
		}
	}
	return false, nil
}

// HasAllRoles reports whether the user holds every one of the role names.
func (s *Service) HasAllRoles(ctx context.Context, userID string, roleNames []string) (bool, error) {
	if len(roleNames) == 0 {
		return true, nil
	}
	assigned, err := s.roleNameSet(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, name := range roleNames {
		if _, ok := assigned[name]; !ok {
			return false, nil
		}
	}
	return true, nil
}

func (s *Service) roleNameSet(ctx context.Context, userID string) (map[string]struct{}, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, nil
	}
	names, err := s.store.RoleNamesForUser(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	set := make(map[string]struct{}, len(names))
	for _, name := range names {
		set[name] = struct{}{}
	}
	return set, nil
}

// Principal loads a user with a snapshot of role names and effective
// permissions. The snapshot lives for one request; it is never shared
// across requests, so role or permission changes are visible on the next
// load.
func (s *Service) Principal(ctx context.Context, userID string) (Principal, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Principal{}, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return Principal{}, err
	}
	roleNames, err := s.store.RoleNamesForUser(ctx, userID)
	if err != nil {
		return Principal{}, err
	}
	perms, err := s.store.UserPermissions(ctx, userID)
	if err != nil {
		return Principal{}, err
	}
	return NewPrincipal(user, roleNames, perms), nil
}

// Role administration -------------------------------------------------------

// CreateRole creates a role with a globally unique, case-sensitive name.
func (s *Service) CreateRole(ctx context.Context, name, displayName, description string) (Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Role{}, fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		displayName = name
	}
	return s.store.CreateRole(ctx, name, displayName, strings.TrimSpace(description))
}

// GetRole fetches one role by id.
func (s *Service) GetRole(ctx context.Context, roleID string) (Role, error) {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return Role{}, fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	return s.store.GetRole(ctx, roleID)
}

// ListRoles returns every role.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	return s.store.ListRoles(ctx)
}

// UpdateRole applies field changes; renaming re-checks name uniqueness
// (excluding the role itself, via the unique index).
func (s *Service) UpdateRole(ctx context.Context, roleID string, upd RoleUpdate) (Role, error) {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return Role{}, fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return Role{}, fmt.Errorf("%w: role name is required", ErrInvalidInput)
		}
		upd.Name = &name
	}
	if upd.DisplayName != nil {
		dn := strings.TrimSpace(*upd.DisplayName)
		if dn == "" {
			return Role{}, fmt.Errorf("%w: display name is required", ErrInvalidInput)
		}
		upd.DisplayName = &dn
	}
	if upd.Description != nil {
		desc := strings.TrimSpace(*upd.Description)
		upd.Description = &desc
	}
	return s.store.UpdateRole(ctx, roleID, upd)
}

// DeleteRole removes a role and its assignment rows. Users keep their
// accounts; only the join rows go. Reserved system roles are refused.
func (s *Service) DeleteRole(ctx context.Context, roleID string) error {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	role, err := s.store.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	if _, ok := s.reserved[role.Name]; ok {
		return fmt.Errorf("%w: %s", ErrReservedRole, role.Name)
	}
	return s.store.DeleteRole(ctx, roleID)
}

// SyncPermissions replaces the role's entire permission set with exactly
// the given permission ids. An empty list is legal and revokes everything;
// an unknown id is an error, never skipped.
func (s *Service) SyncPermissions(ctx context.Context, roleID string, permissionIDs []string) error {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	return s.store.SetRolePermissions(ctx, roleID, dedupeStrings(permissionIDs))
}

// ListPermissions returns the full catalog.
func (s *Service) ListPermissions(ctx context.Context) ([]Permission, error) {
	return s.store.ListPermissions(ctx)
}

// PermissionsForRole returns a single role's permission set.
func (s *Service) PermissionsForRole(ctx context.Context, roleID string) ([]Permission, error) {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return nil, fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	return s.store.PermissionsForRole(ctx, roleID)
}

// User administration -------------------------------------------------------

// CreateUser stores a new account. The password arrives pre-hashed; the
// caller owns credential policy.
func (s *Service) CreateUser(ctx context.Context, email, name, passwordHash string) (User, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || !strings.Contains(email, "@") {
		return User{}, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return User{}, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if passwordHash == "" {
		return User{}, fmt.Errorf("%w: password hash is required", ErrInvalidInput)
	}
	u := &User{Email: email, Name: name, PasswordHash: passwordHash, IsActive: true}
	return s.store.CreateUser(ctx, u)
}

// GetUser fetches one user by id.
func (s *Service) GetUser(ctx context.Context, userID string) (User, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return User{}, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	return s.store.GetUser(ctx, userID)
}

// ListUsers returns every account.
func (s *Service) ListUsers(ctx context.Context) ([]User, error) {
	return s.store.ListUsers(ctx)
}

// UpdateUser applies field changes to a user.
func (s *Service) UpdateUser(ctx context.Context, userID string, upd UserUpdate) (User, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return User{}, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if upd.Email != nil {
		email := strings.TrimSpace(strings.ToLower(*upd.Email))
		if email == "" || !strings.Contains(email, "@") {
			return User{}, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
		}
		upd.Email = &email
	}
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return User{}, fmt.Errorf("%w: name is required", ErrInvalidInput)
		}
		upd.Name = &name
	}
	if upd.PasswordHash != nil && *upd.PasswordHash == "" {
		return User{}, fmt.Errorf("%w: password hash is required", ErrInvalidInput)
	}
	return s.store.UpdateUser(ctx, userID, upd)
}

// DeleteUser removes an account and its role assignments.
func (s *Service) DeleteUser(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	return s.store.DeleteUser(ctx, userID)
}

// AssignRole links a role to a user; assigning twice is a conflict.
func (s *Service) AssignRole(ctx context.Context, userID, roleID string) (Assignment, error) {
	userID = strings.TrimSpace(userID)
	roleID = strings.TrimSpace(roleID)
	if userID == "" || roleID == "" {
		return Assignment{}, fmt.Errorf("%w: user_id and role_id are required", ErrInvalidInput)
	}
	return s.store.AssignRole(ctx, userID, roleID)
}

// RemoveAssignment unlinks a role from a user.
func (s *Service) RemoveAssignment(ctx context.Context, userID, roleID string) error {
	userID = strings.TrimSpace(userID)
	roleID = strings.TrimSpace(roleID)
	if userID == "" || roleID == "" {
		return fmt.Errorf("%w: user_id and role_id are required", ErrInvalidInput)
	}
	return s.store.RemoveAssignment(ctx, userID, roleID)
}

func dedupeStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := set[v]; ok {
			continue
		}
		set[v] = struct{}{}
		result = append(result, v)
	}
	return result
}
