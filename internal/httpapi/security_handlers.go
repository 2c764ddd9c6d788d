package httpapi

import (
	"net/http"
	"strings"

	"paneldesk.org/internal/rbac"
	"paneldesk.org/internal/throttle"
)

func (a *API) handleLoginAttempts(w http.ResponseWriter, r *http.Request) {
	if a.throttle == nil {
		writeError(w, r, http.StatusServiceUnavailable, "throttle service unavailable")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !a.ensurePermissions(w, r, rbac.PermSecurityView) {
		return
	}

	q := r.URL.Query()
	filter := throttle.Filter{
		Email:       strings.TrimSpace(q.Get("email")),
		IPAddress:   strings.TrimSpace(q.Get("ip_address")),
		BlockedOnly: q.Get("blocked") == "true",
	}
	var err error
	if filter.Limit, err = parseIntParam(q.Get("limit")); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if filter.Offset, err = parseIntParam(q.Get("offset")); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	attempts, err := a.throttle.List(r.Context(), filter)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"login_attempts": attempts})
}

func (a *API) handleLoginAttemptResource(w http.ResponseWriter, r *http.Request) {
	if a.throttle == nil {
		writeError(w, r, http.StatusServiceUnavailable, "throttle service unavailable")
		return
	}
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/security/login-attempts/"), "/")
	parts := strings.Split(path, "/")
	switch {
	case len(parts) == 1 && parts[0] != "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		if !a.ensurePermissions(w, r, rbac.PermSecurityView) {
			return
		}
		att, err := a.throttle.Get(r.Context(), parts[0])
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, att)
	case len(parts) == 2 && parts[1] == "unblock":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		if !a.ensurePermissions(w, r, rbac.PermSecurityManage) {
			return
		}
		att, err := a.throttle.Unblock(r.Context(), parts[0])
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, att)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}
