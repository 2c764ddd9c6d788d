package rbac

import "time"

// User is an administrative account that authenticates and carries roles.
type User struct {
	ID                  string     `json:"id"`
	Email               string     `json:"email"`
	Name                string     `json:"name"`
	PasswordHash        string     `json:"-"`
	IsActive            bool       `json:"is_active"`
	ForcePasswordChange bool       `json:"force_password_change"`
	LastLoginAt         *time.Time `json:"last_login_at,omitempty"`
	LastLoginIP         string     `json:"last_login_ip,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// Role is a named bundle of permissions assignable to users.
type Role struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	DisplayName string    `json:"display_name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Permission is a catalog entry naming an atomic capability. The module
// tag groups related entries for display; it carries no semantics.
type Permission struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	DisplayName string    `json:"display_name"`
	Description string    `json:"description,omitempty"`
	Module      string    `json:"module"`
	CreatedAt   time.Time `json:"created_at"`
}

// Assignment links a user to a role.
type Assignment struct {
	UserID    string    `json:"user_id"`
	RoleID    string    `json:"role_id"`
	CreatedAt time.Time `json:"created_at"`
}

// UserUpdate carries optional field changes for a user. Nil fields are
// left untouched.
type UserUpdate struct {
	Email               *string
	Name                *string
	PasswordHash        *string
	IsActive            *bool
	ForcePasswordChange *bool
}

// RoleUpdate carries optional field changes for a role.
type RoleUpdate struct {
	Name        *string
	DisplayName *string
	Description *string
}
