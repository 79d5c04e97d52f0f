package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"pitstop.dev/internal/audit"
	"pitstop.dev/internal/obs"
	"pitstop.dev/internal/rbac"
)

// IdentityStore is the slice of the identity subsystem the API needs for
// the token endpoint.
type IdentityStore interface {
	UserByEmail(ctx context.Context, email string) (rbac.User, string, error)
}

// ReadyProbe reports storage readiness for /readyz.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer over the permission engine.
type API struct {
	mux        *http.ServeMux
	rbac       *rbac.Service
	identity   IdentityStore
	auditStore audit.Store
	readyProbe ReadyProbe
	version    string
}

// Config wires the API's collaborators.
type Config struct {
	RBAC       *rbac.Service
	Identity   IdentityStore
	AuditStore audit.Store
	ReadyProbe ReadyProbe
	Version    string
}

// New registers all routes.
func New(cfg Config) *API {
	a := &API{
		mux:        http.NewServeMux(),
		rbac:       cfg.RBAC,
		identity:   cfg.Identity,
		auditStore: cfg.AuditStore,
		readyProbe: cfg.ReadyProbe,
		version:    cfg.Version,
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/auth/token", a.handleAuthToken)

	a.mux.HandleFunc("/v1/permissions", a.handlePermissionsCollection)
	a.mux.HandleFunc("/v1/permissions/check", a.handlePermissionCheck)
	a.mux.HandleFunc("/v1/permissions/check-any", a.handlePermissionCheckAny)
	a.mux.HandleFunc("/v1/permissions/overrides", a.handleOverridesCollection)
	a.mux.HandleFunc("/v1/permissions/overrides/", a.handleOverrideResource)

	a.mux.HandleFunc("/v1/roles", a.handleRolesCollection)
	a.mux.HandleFunc("/v1/roles/assign", a.handleRoleAssign)
	a.mux.HandleFunc("/v1/roles/assignments/", a.handleAssignmentResource)
	a.mux.HandleFunc("/v1/roles/", a.handleRoleResource)

	a.mux.HandleFunc("/v1/users/", a.handleUserResource)

	a.mux.HandleFunc("/v1/audit-logs", a.handleAuditLogs)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped server handler.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, 1<<20)
	h = RateLimit(h, 50, 25)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "pitstop-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "pitstop-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}
