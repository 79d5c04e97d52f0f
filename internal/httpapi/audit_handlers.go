package httpapi

import (
	"net/http"
	"strings"

	"pitstop.dev/internal/audit"
	"pitstop.dev/internal/rbac"
)

// handleAuditLogs pages the organization's audit trail newest-first.
// The organization filter comes from the token, never from the query.
func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	p, ok := a.ensurePermission(w, r, rbac.PermAuditLogsView)
	if !ok {
		return
	}

	q := r.URL.Query()
	page, err := parsePositiveInt(q.Get("page"), 1, 1, 1_000_000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "page: "+err.Error())
		return
	}
	pageSize, err := parsePositiveInt(q.Get("page_size"), audit.DefaultPageSize, 1, audit.MaxPageSize)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "page_size: "+err.Error())
		return
	}

	entries, total, err := a.auditStore.Query(r.Context(), audit.Filter{
		OrganizationID: p.OrganizationID,
		Action:         strings.TrimSpace(q.Get("action")),
		ResourceType:   strings.TrimSpace(q.Get("resource_type")),
		Page:           page,
		PageSize:       pageSize,
	})
	if err != nil {
		logServerError(r, err)
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries":   entries,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}
