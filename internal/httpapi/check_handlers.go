package httpapi

import (
	"net/http"
	"strings"

	"pitstop.dev/internal/rbac"
)

type checkAnyRequest struct {
	UserID      string   `json:"user_id"`
	Permissions []string `json:"permissions" validate:"required,min=1,max=50"`
}

// handlePermissionsCollection serves the permission catalog.
func (a *API) handlePermissionsCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if _, ok := a.ensurePermission(w, r, rbac.PermRolesView); !ok {
		return
	}
	perms, err := a.rbac.ListPermissions(r.Context(), rbac.PermissionFilter{
		Category: strings.TrimSpace(r.URL.Query().Get("category")),
		Resource: strings.TrimSpace(r.URL.Query().Get("resource")),
	})
	if err != nil {
		handleRBACError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

// handlePermissionCheck answers a point query. A caller may always ask
// about itself; asking about anyone else requires the users.view
// capability, and a foreign-tenant target looks exactly like a missing
// user.
func (a *API) handlePermissionCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	p, ok := principal(w, r)
	if !ok {
		return
	}
	targetID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if targetID == "" {
		targetID = p.UserID
	}
	key := strings.TrimSpace(r.URL.Query().Get("permission"))

	if targetID != p.UserID {
		if _, ok := a.ensurePermission(w, r, rbac.PermUsersView); !ok {
			return
		}
	}

	actor := rbac.Actor{UserID: p.UserID, OrganizationID: p.OrganizationID}
	allowed, user, err := a.rbac.CheckPermission(r.Context(), actor, targetID, key)
	if err != nil {
		handleRBACError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"has_permission":      allowed,
		"permissions_version": user.PermissionsVersion,
	})
}

func (a *API) handlePermissionCheckAny(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var req checkAnyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	targetID := strings.TrimSpace(req.UserID)
	if targetID == "" {
		targetID = p.UserID
	}
	if targetID != p.UserID {
		if _, ok := a.ensurePermission(w, r, rbac.PermUsersView); !ok {
			return
		}
	}

	actor := rbac.Actor{UserID: p.UserID, OrganizationID: p.OrganizationID}
	allowed, user, err := a.rbac.CheckAnyPermission(r.Context(), actor, targetID, req.Permissions...)
	if err != nil {
		handleRBACError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"has_any_permission":  allowed,
		"permissions_version": user.PermissionsVersion,
	})
}
