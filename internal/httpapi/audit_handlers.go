package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"paneldesk.org/internal/audit"
	"paneldesk.org/internal/rbac"
)

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	if a.audit == nil {
		writeError(w, r, http.StatusServiceUnavailable, "audit service unavailable")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !a.ensurePermissions(w, r, rbac.PermAuditView) {
		return
	}

	filter, err := auditFilterFromQuery(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := a.audit.List(r.Context(), filter)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"audit_logs": entries})
}

func (a *API) handleAuditLogResource(w http.ResponseWriter, r *http.Request) {
	if a.audit == nil {
		writeError(w, r, http.StatusServiceUnavailable, "audit service unavailable")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !a.ensurePermissions(w, r, rbac.PermAuditView) {
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/audit-logs/"), "/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	entry, err := a.audit.Get(r.Context(), id)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func auditFilterFromQuery(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()
	filter := audit.Filter{
		Action:     strings.TrimSpace(q.Get("action")),
		EntityType: strings.TrimSpace(q.Get("entity_type")),
		EntityID:   strings.TrimSpace(q.Get("entity_id")),
		UserID:     strings.TrimSpace(q.Get("user_id")),
	}
	var err error
	if filter.Since, err = parseTimeParam(q.Get("since")); err != nil {
		return audit.Filter{}, err
	}
	if filter.Until, err = parseTimeParam(q.Get("until")); err != nil {
		return audit.Filter{}, err
	}
	if filter.Limit, err = parseIntParam(q.Get("limit")); err != nil {
		return audit.Filter{}, err
	}
	if filter.Offset, err = parseIntParam(q.Get("offset")); err != nil {
		return audit.Filter{}, err
	}
	return filter, nil
}

func parseTimeParam(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, value)
}

func parseIntParam(value string) (int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	return strconv.Atoi(value)
}
