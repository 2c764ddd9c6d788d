package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"paneldesk.org/internal/auth"
	"paneldesk.org/internal/rbac"
)

type createUserRequest struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

type updateUserRequest struct {
	Email               *string `json:"email"`
	Name                *string `json:"name"`
	Password            *string `json:"password"`
	IsActive            *bool   `json:"is_active"`
	ForcePasswordChange *bool   `json:"force_password_change"`
}

type assignRoleRequest struct {
	RoleID string `json:"role_id"`
}

const minPasswordLength = 8

func (a *API) handleUsers(w http.ResponseWriter, r *http.Request) {
	if a.rbac == nil {
		writeError(w, r, http.StatusServiceUnavailable, "rbac service unavailable")
		return
	}
	switch r.Method {
	case http.MethodGet:
		if !a.ensurePermissions(w, r, rbac.PermUserView) {
			return
		}
		users, err := a.rbac.ListUsers(r.Context())
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"users": users})
	case http.MethodPost:
		if !a.ensurePermissions(w, r, rbac.PermUserCreate) {
			return
		}
		var req createUserRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if len(req.Password) < minPasswordLength {
			writeError(w, r, http.StatusBadRequest,
				fmt.Sprintf("password must be at least %d characters", minPasswordLength))
			return
		}
		hash, err := auth.HashPassword(req.Password)
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, "password hashing failed")
			return
		}
		user, err := a.rbac.CreateUser(r.Context(), req.Email, req.Name, hash)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		w.Header().Set("Location", fmt.Sprintf("/v1/users/%s", user.ID))
		writeJSON(w, http.StatusCreated, user)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleUserResource(w http.ResponseWriter, r *http.Request) {
	if a.rbac == nil {
		writeError(w, r, http.StatusServiceUnavailable, "rbac service unavailable")
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/v1/users/")
	path = strings.Trim(path, "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	switch {
	case len(parts) == 1:
		a.handleUser(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "roles":
		a.handleUserRoles(w, r, parts[0])
	case len(parts) == 3 && parts[1] == "roles":
		a.handleUserRole(w, r, parts[0], parts[2])
	case len(parts) == 2 && parts[1] == "permissions":
		a.handleUserPermissions(w, r, parts[0])
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleUser(w http.ResponseWriter, r *http.Request, userID string) {
	switch r.Method {
	case http.MethodGet:
		if !a.ensurePermissions(w, r, rbac.PermUserView) {
			return
		}
		user, err := a.rbac.GetUser(r.Context(), userID)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, user)
	case http.MethodPatch:
		if !a.ensurePermissions(w, r, rbac.PermUserUpdate) {
			return
		}
		var req updateUserRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		upd := rbac.UserUpdate{
			Email:               req.Email,
			Name:                req.Name,
			IsActive:            req.IsActive,
			ForcePasswordChange: req.ForcePasswordChange,
		}
		if req.Password != nil {
			if len(*req.Password) < minPasswordLength {
				writeError(w, r, http.StatusBadRequest,
					fmt.Sprintf("password must be at least %d characters", minPasswordLength))
				return
			}
			hash, err := auth.HashPassword(*req.Password)
			if err != nil {
				writeError(w, r, http.StatusInternalServerError, "password hashing failed")
				return
			}
			upd.PasswordHash = &hash
		}
		user, err := a.rbac.UpdateUser(r.Context(), userID, upd)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, user)
	case http.MethodDelete:
		if !a.ensurePermissions(w, r, rbac.PermUserDelete) {
			return
		}
		if principal, ok := rbac.PrincipalFromContext(r.Context()); ok && principal.User.ID == userID {
			writeError(w, r, http.StatusConflict, "cannot delete your own account")
			return
		}
		if err := a.rbac.DeleteUser(r.Context(), userID); err != nil {
			handleDomainError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPatch, http.MethodDelete)
	}
}

func (a *API) handleUserRoles(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.ensurePermissions(w, r, rbac.PermUserUpdate) {
		return
	}
	var req assignRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	assignment, err := a.rbac.AssignRole(r.Context(), userID, req.RoleID)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, assignment)
}

func (a *API) handleUserRole(w http.ResponseWriter, r *http.Request, userID, roleID string) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	if !a.ensurePermissions(w, r, rbac.PermUserUpdate) {
		return
	}
	if err := a.rbac.RemoveAssignment(r.Context(), userID, roleID); err != nil {
		handleDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleUserPermissions(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !a.ensurePermissions(w, r, rbac.PermUserView) {
		return
	}
	// 404 for unknown users; the resolver itself treats them as empty.
	if _, err := a.rbac.GetUser(r.Context(), userID); err != nil {
		handleDomainError(w, r, err)
		return
	}
	perms, err := a.rbac.EffectivePermissions(r.Context(), userID)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"permissions": perms})
}
