package rbac

import "context"

// Principal is a user with role names and effective permissions resolved
// at load time. It is a per-request snapshot, never a cross-request cache.
type Principal struct {
	User        User
	RoleNames   map[string]struct{}
	Permissions map[string]struct{}
}

// NewPrincipal builds a principal from preloaded role names and permissions.
func NewPrincipal(user User, roleNames, perms []string) Principal {
	roles := make(map[string]struct{}, len(roleNames))
	for _, name := range roleNames {
		roles[name] = struct{}{}
	}
	set := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		set[p] = struct{}{}
	}
	return Principal{User: user, RoleNames: roles, Permissions: set}
}

// HasPermission reports whether any of the given permission names is held.
func (p Principal) HasPermission(names ...string) bool {
	for _, name := range names {
		if _, ok := p.Permissions[name]; ok {
			return true
		}
	}
	return false
}

// HasRole reports whether the exact role name is assigned.
func (p Principal) HasRole(name string) bool {
	_, ok := p.RoleNames[name]
	return ok
}

// HasAnyRole reports whether at least one of the role names is assigned.
func (p Principal) HasAnyRole(names []string) bool {
	for _, name := range names {
		if _, ok := p.RoleNames[name]; ok {
			return true
		}
	}
	return false
}

// HasAllRoles reports whether every one of the role names is assigned.
func (p Principal) HasAllRoles(names []string) bool {
	for _, name := range names {
		if _, ok := p.RoleNames[name]; !ok {
			return false
		}
	}
	return true
}

type principalContextKey struct{}

// ContextWithPrincipal attaches the authenticated principal to the context.
func ContextWithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, &principal)
}

// PrincipalFromContext extracts the authenticated principal from the context.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	v, ok := ctx.Value(principalContextKey{}).(*Principal)
	if !ok || v == nil {
		return Principal{}, false
	}
	return *v, true
}
