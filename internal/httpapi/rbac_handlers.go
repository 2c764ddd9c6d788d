package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"paneldesk.org/internal/rbac"
)

type createRoleRequest struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Description string `json:"description"`
}

type updateRoleRequest struct {
	Name        *string `json:"name"`
	DisplayName *string `json:"display_name"`
	Description *string `json:"description"`
}

type syncPermissionsRequest struct {
	PermissionIDs []string `json:"permission_ids"`
}

func (a *API) handleRoles(w http.ResponseWriter, r *http.Request) {
	if a.rbac == nil {
		writeError(w, r, http.StatusServiceUnavailable, "rbac service unavailable")
		return
	}
	switch r.Method {
	case http.MethodGet:
		if !a.ensurePermissions(w, r, rbac.PermRoleView) {
			return
		}
		roles, err := a.rbac.ListRoles(r.Context())
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"roles": roles})
	case http.MethodPost:
		if !a.ensurePermissions(w, r, rbac.PermRoleCreate) {
			return
		}
		var req createRoleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		role, err := a.rbac.CreateRole(r.Context(), req.Name, req.DisplayName, req.Description)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		w.Header().Set("Location", fmt.Sprintf("/v1/roles/%s", role.ID))
		writeJSON(w, http.StatusCreated, role)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleRoleResource(w http.ResponseWriter, r *http.Request) {
	if a.rbac == nil {
		writeError(w, r, http.StatusServiceUnavailable, "rbac service unavailable")
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/v1/roles/")
	path = strings.Trim(path, "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	switch {
	case len(parts) == 1:
		a.handleRole(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "permissions":
		a.handleRolePermissions(w, r, parts[0])
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleRole(w http.ResponseWriter, r *http.Request, roleID string) {
	switch r.Method {
	case http.MethodGet:
		if !a.ensurePermissions(w, r, rbac.PermRoleView) {
			return
		}
		role, err := a.rbac.GetRole(r.Context(), roleID)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, role)
	case http.MethodPatch:
		if !a.ensurePermissions(w, r, rbac.PermRoleUpdate) {
			return
		}
		var req updateRoleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		role, err := a.rbac.UpdateRole(r.Context(), roleID, rbac.RoleUpdate{
			Name:        req.Name,
			DisplayName: req.DisplayName,
			Description: req.Description,
		})
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, role)
	case http.MethodDelete:
		if !a.ensurePermissions(w, r, rbac.PermRoleDelete) {
			return
		}
		if err := a.rbac.DeleteRole(r.Context(), roleID); err != nil {
			handleDomainError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPatch, http.MethodDelete)
	}
}

func (a *API) handleRolePermissions(w http.ResponseWriter, r *http.Request, roleID string) {
	switch r.Method {
	case http.MethodGet:
		if !a.ensurePermissions(w, r, rbac.PermRoleView) {
			return
		}
		perms, err := a.rbac.PermissionsForRole(r.Context(), roleID)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"permissions": perms})
	case http.MethodPut:
		if !a.ensurePermissions(w, r, rbac.PermRoleUpdate) {
			return
		}
		var req syncPermissionsRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if err := a.rbac.SyncPermissions(r.Context(), roleID, req.PermissionIDs); err != nil {
			handleDomainError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut)
	}
}

func (a *API) handlePermissions(w http.ResponseWriter, r *http.Request) {
	if a.rbac == nil {
		writeError(w, r, http.StatusServiceUnavailable, "rbac service unavailable")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !a.ensurePermissions(w, r, rbac.PermPermissionView) {
		return
	}
	perms, err := a.rbac.ListPermissions(r.Context())
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	// Group by module for the catalog view.
	grouped := make(map[string][]rbac.Permission)
	for _, p := range perms {
		module := p.Module
		if module == "" {
			module = rbac.ModuleOf(p.Name)
		}
		grouped[module] = append(grouped[module], p)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"permissions": perms,
		"modules":     grouped,
	})
}
