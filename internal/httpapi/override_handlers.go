package httpapi

import (
	"net/http"
	"strings"
	"time"

	"pitstop.dev/internal/rbac"
)

type upsertOverrideRequest struct {
	UserID       string     `json:"user_id" validate:"required"`
	PermissionID string     `json:"permission_id" validate:"required"`
	IsGranted    bool       `json:"is_granted"`
	Reason       string     `json:"reason" validate:"max=512"`
	ExpiresAt    *time.Time `json:"expires_at"`
}

type replaceOverridesRequest struct {
	Overrides []rbac.OverrideSpec `json:"overrides" validate:"required"`
}

// handleUserResource dispatches /v1/users/{id}/permission-overrides.
func (a *API) handleUserResource(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/users/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "permission-overrides" {
		writeNotFound(w, r)
		return
	}
	userID := parts[0]

	switch r.Method {
	case http.MethodGet:
		p, ok := a.ensurePermission(w, r, rbac.PermUsersView)
		if !ok {
			return
		}
		overrides, err := a.rbac.ListUserOverrides(r.Context(), rbac.Actor{UserID: p.UserID, OrganizationID: p.OrganizationID}, userID)
		if err != nil {
			handleRBACError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"overrides": overrides})
	case http.MethodPut:
		p, ok := a.ensurePermission(w, r, rbac.PermUsersUpdate)
		if !ok {
			return
		}
		var req replaceOverridesRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		diff, err := a.rbac.ReplaceOverrides(r.Context(), rbac.Actor{UserID: p.UserID, OrganizationID: p.OrganizationID},
			userID, req.Overrides)
		if err != nil {
			handleRBACError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, diff)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut)
	}
}

func (a *API) handleOverridesCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	p, ok := a.ensurePermission(w, r, rbac.PermUsersUpdate)
	if !ok {
		return
	}
	var req upsertOverrideRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	ov, err := a.rbac.UpsertOverride(r.Context(), rbac.Actor{UserID: p.UserID, OrganizationID: p.OrganizationID},
		req.UserID, req.PermissionID, req.IsGranted, req.Reason, req.ExpiresAt)
	if err != nil {
		handleRBACError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ov)
}

func (a *API) handleOverrideResource(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/permissions/overrides/")
	if id == "" || strings.Contains(id, "/") {
		writeNotFound(w, r)
		return
	}
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	p, ok := a.ensurePermission(w, r, rbac.PermUsersUpdate)
	if !ok {
		return
	}
	removed, err := a.rbac.DeleteOverride(r.Context(), rbac.Actor{UserID: p.UserID, OrganizationID: p.OrganizationID}, id)
	if err != nil {
		handleRBACError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, removed)
}
