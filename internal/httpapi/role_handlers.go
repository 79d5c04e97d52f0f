package httpapi

import (
	"net/http"
	"strings"

	"pitstop.dev/internal/rbac"
)

type createRoleRequest struct {
	Key         string `json:"key" validate:"required,min=2,max=64"`
	Name        string `json:"name" validate:"required,min=2,max=128"`
	Description string `json:"description" validate:"max=512"`
}

type updateRoleRequest struct {
	Key         *string `json:"key" validate:"omitempty,min=2,max=64"`
	Name        *string `json:"name" validate:"omitempty,min=2,max=128"`
	Description *string `json:"description" validate:"omitempty,max=512"`
}

type setRolePermissionsRequest struct {
	PermissionIDs []string `json:"permission_ids" validate:"required"`
}

type assignRoleRequest struct {
	UserID string `json:"user_id" validate:"required"`
	RoleID string `json:"role_id" validate:"required"`
}

func (a *API) handleRolesCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		p, ok := a.ensurePermission(w, r, rbac.PermRolesView)
		if !ok {
			return
		}
		roles, err := a.rbac.ListRoles(r.Context(), rbac.Actor{UserID: p.UserID, OrganizationID: p.OrganizationID})
		if err != nil {
			handleRBACError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"roles": roles})
	case http.MethodPost:
		p, ok := a.ensurePermission(w, r, rbac.PermRolesCreate)
		if !ok {
			return
		}
		var req createRoleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		role, err := a.rbac.CreateRole(r.Context(), rbac.Actor{UserID: p.UserID, OrganizationID: p.OrganizationID},
			req.Key, req.Name, req.Description)
		if err != nil {
			handleRBACError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, role)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

// handleRoleResource dispatches /v1/roles/{id} and /v1/roles/{id}/permissions.
func (a *API) handleRoleResource(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/roles/")
	parts := strings.Split(rest, "/")
	switch {
	case len(parts) == 1 && parts[0] != "":
		a.roleByID(w, r, parts[0])
	case len(parts) == 2 && parts[0] != "" && parts[1] == "permissions":
		a.rolePermissions(w, r, parts[0])
	default:
		writeNotFound(w, r)
	}
}

func (a *API) roleByID(w http.ResponseWriter, r *http.Request, roleID string) {
	switch r.Method {
	case http.MethodGet:
		p, ok := a.ensurePermission(w, r, rbac.PermRolesView)
		if !ok {
			return
		}
		role, perms, err := a.rbac.GetRole(r.Context(), rbac.Actor{UserID: p.UserID, OrganizationID: p.OrganizationID}, roleID)
		if err != nil {
			handleRBACError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"role": role, "permissions": perms})
	case http.MethodPut:
		p, ok := a.ensurePermission(w, r, rbac.PermRolesUpdate)
		if !ok {
			return
		}
		var req updateRoleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		role, err := a.rbac.UpdateRole(r.Context(), rbac.Actor{UserID: p.UserID, OrganizationID: p.OrganizationID},
			roleID, rbac.RoleUpdate{Key: req.Key, Name: req.Name, Description: req.Description})
		if err != nil {
			handleRBACError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, role)
	case http.MethodDelete:
		p, ok := a.ensurePermission(w, r, rbac.PermRolesDelete)
		if !ok {
			return
		}
		if err := a.rbac.DeleteRole(r.Context(), rbac.Actor{UserID: p.UserID, OrganizationID: p.OrganizationID}, roleID); err != nil {
			handleRBACError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut, http.MethodDelete)
	}
}

func (a *API) rolePermissions(w http.ResponseWriter, r *http.Request, roleID string) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w, r, http.MethodPut)
		return
	}
	p, ok := a.ensurePermission(w, r, rbac.PermRolesUpdate)
	if !ok {
		return
	}
	var req setRolePermissionsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	diff, err := a.rbac.SetRolePermissions(r.Context(), rbac.Actor{UserID: p.UserID, OrganizationID: p.OrganizationID},
		roleID, req.PermissionIDs)
	if err != nil {
		handleRBACError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"added":   diff.Added,
		"removed": diff.Removed,
	})
}

func (a *API) handleRoleAssign(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	p, ok := a.ensurePermission(w, r, rbac.PermUsersUpdate)
	if !ok {
		return
	}
	var req assignRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	assignment, err := a.rbac.AssignRole(r.Context(), rbac.Actor{UserID: p.UserID, OrganizationID: p.OrganizationID},
		req.UserID, req.RoleID)
	if err != nil {
		handleRBACError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, assignment)
}

func (a *API) handleAssignmentResource(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/roles/assignments/")
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
	if err := a.rbac.RemoveAssignment(r.Context(), rbac.Actor{UserID: p.UserID, OrganizationID: p.OrganizationID}, id); err != nil {
		handleRBACError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
