package rbac

import "strings"

// Permission names consumed by the API layer. The catalog itself lives in
// the database and stays extensible without redeploying the resolver;
// these constants only name the entries this service checks itself.
const (
	PermUserView   = "user-view"
	PermUserCreate = "user-create"
	PermUserUpdate = "user-update"
	PermUserDelete = "user-delete"

	PermRoleView   = "role-view"
	PermRoleCreate = "role-create"
	PermRoleUpdate = "role-update"
	PermRoleDelete = "role-delete"

	PermPermissionView = "permission-view"

	PermAuditView = "audit-view"

	PermSecurityView   = "security-view"
	PermSecurityManage = "security-manage"
)

// BuiltinPermissions seeds the catalog entries the core itself depends on.
// Content, menu, notification and similar module permissions are seeded
// through SQL alongside these.
var BuiltinPermissions = []Permission{
	{Name: PermUserView, DisplayName: "View Users", Description: "Can view user list and details", Module: "user"},
	{Name: PermUserCreate, DisplayName: "Create Users", Description: "Can create new users", Module: "user"},
	{Name: PermUserUpdate, DisplayName: "Update Users", Description: "Can update user details", Module: "user"},
	{Name: PermUserDelete, DisplayName: "Delete Users", Description: "Can delete users", Module: "user"},
	{Name: PermRoleView, DisplayName: "View Roles", Description: "Can view roles and their permissions", Module: "role"},
	{Name: PermRoleCreate, DisplayName: "Create Roles", Description: "Can create new roles", Module: "role"},
	{Name: PermRoleUpdate, DisplayName: "Update Roles", Description: "Can update roles and their permissions", Module: "role"},
	{Name: PermRoleDelete, DisplayName: "Delete Roles", Description: "Can delete roles", Module: "role"},
	{Name: PermPermissionView, DisplayName: "View Permissions", Description: "Can view the permission catalog", Module: "permission"},
	{Name: PermAuditView, DisplayName: "View Audit Logs", Description: "Can view the audit trail", Module: "audit"},
	{Name: PermSecurityView, DisplayName: "View Security", Description: "Can view login attempts and blocks", Module: "security"},
	{Name: PermSecurityManage, DisplayName: "Manage Security", Description: "Can unblock login attempts", Module: "security"},
}

// ModuleOf derives the display module for a permission name when the
// catalog entry does not carry one: the prefix before the last dash-
// separated verb, e.g. "email-template-view" -> "email-template".
func ModuleOf(name string) string {
	idx := strings.LastIndex(name, "-")
	if idx <= 0 {
		return name
	}
	return name[:idx]
}
