package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"pipecrm.org/internal/audit"
	"pipecrm.org/internal/auth"
	"pipecrm.org/internal/ids"
)

type createRoleRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type updateRolePermissionsRequest struct {
	Permissions []string `json:"permissions"`
}

type assignRoleRequest struct {
	RoleID string `json:"role_id"`
}

type updateIdentityRequest struct {
	Name     *string `json:"name"`
	Phone    *string `json:"phone"`
	Password *string `json:"password"`
	Status   *string `json:"status"`
}

func (a *API) handleRoles(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createRole(w, r)
	case http.MethodGet:
		a.listRoles(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
	}
}

func (a *API) createRole(w http.ResponseWriter, r *http.Request) {
	if !a.ensurePermissions(w, r, auth.PermManageRoles) {
		return
	}
	var req createRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	name := strings.ToLower(strings.TrimSpace(req.Name))
	if name == "" {
		writeError(w, r, http.StatusBadRequest, "name is required")
		return
	}
	role := &auth.Role{
		ID:          ids.New(),
		Name:        name,
		Description: strings.TrimSpace(req.Description),
	}
	if err := a.store.Roles().Create(r.Context(), role); err != nil {
		handleStoreError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rbac.role.create", map[string]any{
		"role_id": role.ID,
		"name":    role.Name,
	})
	w.Header().Set("Location", fmt.Sprintf("/v1/roles/%s", role.ID))
	writeJSON(w, http.StatusCreated, role)
}

func (a *API) listRoles(w http.ResponseWriter, r *http.Request) {
	if !a.ensurePermissions(w, r, auth.PermManageRoles, auth.PermManageUsers) {
		return
	}
	roles, err := a.store.Roles().List(r.Context())
	if err != nil {
		handleStoreError(w, r, err)
		return
	}
	if roles == nil {
		roles = []*auth.Role{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": roles})
}

func (a *API) handlePermissions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !a.ensurePermissions(w, r, auth.PermManageRoles, auth.PermManagePermissions) {
		return
	}
	perms, err := a.store.Permissions().List(r.Context())
	if err != nil {
		handleStoreError(w, r, err)
		return
	}
	if perms == nil {
		perms = []auth.Permission{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": perms})
}

func (a *API) handleRoleResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/roles/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[1] != "permissions" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	roleID := parts[0]
	if r.Method != http.MethodPut {
		methodNotAllowed(w, r, http.MethodPut)
		return
	}
	if !a.ensurePermissions(w, r, auth.PermManagePermissions) {
		return
	}
	var req updateRolePermissionsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := a.store.Roles().Find(r.Context(), roleID); err != nil {
		handleStoreError(w, r, err)
		return
	}
	keys := make([]string, 0, len(req.Permissions))
	for _, k := range req.Permissions {
		k = strings.TrimSpace(k)
		if k != "" {
			keys = append(keys, k)
		}
	}
	if err := a.store.Permissions().SetForRole(r.Context(), roleID, keys); err != nil {
		handleStoreError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rbac.role.permissions.update", map[string]any{
		"role_id": roleID,
		"count":   len(keys),
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleUserResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/users/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	switch {
	case len(parts) == 1:
		a.handleIdentity(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "assignments":
		a.handleAssignments(w, r, parts[0])
	case len(parts) == 3 && parts[1] == "assignments":
		a.handleAssignment(w, r, parts[0], parts[2])
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleIdentity(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		if !a.ensureSelfOrAdmin(w, r, id) {
			return
		}
		identity, err := a.store.Identities().Find(r.Context(), id)
		if err != nil {
			handleStoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, identity)
	case http.MethodPatch:
		a.updateIdentity(w, r, id)
	case http.MethodDelete:
		if !a.ensureSelfOrAdmin(w, r, id) {
			return
		}
		if err := a.store.Identities().SoftDelete(r.Context(), id); err != nil {
			handleStoreError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "rbac.user.delete", map[string]any{
			"identity_id": id,
		})
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPatch, http.MethodDelete)
	}
}

func (a *API) updateIdentity(w http.ResponseWriter, r *http.Request, id string) {
	if !a.ensureSelfOrAdmin(w, r, id) {
		return
	}
	var req updateIdentityRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	upd := auth.IdentityUpdate{
		Name:  req.Name,
		Phone: req.Phone,
	}
	if req.Password != nil {
		if len(*req.Password) < 8 {
			writeError(w, r, http.StatusBadRequest, "password must be at least 8 characters")
			return
		}
		hash, err := auth.HashPassword(*req.Password)
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, "internal error")
			return
		}
		upd.Password = &hash
	}
	if req.Status != nil {
		// Status changes are an administrative action.
		if !a.ensurePermissions(w, r, auth.PermManageUsers) {
			return
		}
		status := strings.ToLower(strings.TrimSpace(*req.Status))
		switch status {
		case auth.StatusActive, auth.StatusInactive, auth.StatusSuspended, auth.StatusBanned:
		default:
			writeError(w, r, http.StatusBadRequest, "unknown status")
			return
		}
		upd.Status = &status
	}
	identity, err := a.store.Identities().Update(r.Context(), id, upd)
	if err != nil {
		handleStoreError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rbac.user.update", map[string]any{
		"identity_id": id,
	})
	writeJSON(w, http.StatusOK, identity)
}

func (a *API) handleAssignments(w http.ResponseWriter, r *http.Request, identityID string) {
	switch r.Method {
	case http.MethodGet:
		if !a.ensureSelfOrAdmin(w, r, identityID) {
			return
		}
		assignments, err := a.store.Roles().Assignments(r.Context(), identityID)
		if err != nil {
			handleStoreError(w, r, err)
			return
		}
		if assignments == nil {
			assignments = []auth.Assignment{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": assignments})
	case http.MethodPost:
		if !a.ensurePermissions(w, r, auth.PermManageUsers) {
			return
		}
		var req assignRoleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		req.RoleID = strings.TrimSpace(req.RoleID)
		if req.RoleID == "" {
			writeError(w, r, http.StatusBadRequest, "role_id is required")
			return
		}
		if _, err := a.store.Identities().Find(r.Context(), identityID); err != nil {
			handleStoreError(w, r, err)
			return
		}
		if _, err := a.store.Roles().Find(r.Context(), req.RoleID); err != nil {
			handleStoreError(w, r, err)
			return
		}
		assignment := auth.Assignment{IdentityID: identityID, RoleID: req.RoleID}
		if err := a.store.Roles().Assign(r.Context(), assignment); err != nil {
			handleStoreError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "rbac.user.assign_role", map[string]any{
			"identity_id": identityID,
			"role_id":     req.RoleID,
		})
		writeJSON(w, http.StatusCreated, assignment)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleAssignment(w http.ResponseWriter, r *http.Request, identityID, roleID string) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	if !a.ensurePermissions(w, r, auth.PermManageUsers) {
		return
	}
	if err := a.store.Roles().Unassign(r.Context(), identityID, roleID); err != nil {
		handleStoreError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rbac.user.unassign_role", map[string]any{
		"identity_id": identityID,
		"role_id":     roleID,
	})
	w.WriteHeader(http.StatusNoContent)
}

func handleStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrAlreadyExists):
		writeError(w, r, http.StatusBadRequest, "resource already exists")
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "resource not found")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
