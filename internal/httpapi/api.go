package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"

	"pipecrm.org/internal/auth"
	"pipecrm.org/internal/notify"
	"pipecrm.org/internal/obs"
	"pipecrm.org/internal/session"
)

const serviceName = "pipecrm-api"

// ReadyProbe checks the backing stores before the service reports ready.
type ReadyProbe struct {
	DB    *sql.DB
	Redis *redis.Client
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return err
		}
	}
	if rp.Redis != nil {
		if err := rp.Redis.Ping(ctx).Err(); err != nil {
			return err
		}
	}
	return nil
}

// Config carries the dependencies of the HTTP layer.
type Config struct {
	Sessions  *session.Service
	Store     auth.Store
	Issuer    *auth.Issuer
	Resolver  *auth.Resolver
	Blacklist TokenBlacklist
	Registry  *notify.Registry
	Ready     ReadyProbe
	Version   string
	DevMode   bool
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	sessions   *session.Service
	store      auth.Store
	issuer     *auth.Issuer
	resolver   *auth.Resolver
	blacklist  TokenBlacklist
	registry   *notify.Registry
	readyProbe ReadyProbe
	version    string
	devMode    bool
}

func New(cfg Config) *API {
	a := &API{
		mux:        http.NewServeMux(),
		sessions:   cfg.Sessions,
		store:      cfg.Store,
		issuer:     cfg.Issuer,
		resolver:   cfg.Resolver,
		blacklist:  cfg.Blacklist,
		registry:   cfg.Registry,
		readyProbe: cfg.Ready,
		version:    cfg.Version,
		devMode:    cfg.DevMode,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// session lifecycle
	a.mux.HandleFunc("/v1/auth/register", a.handleRegister)
	a.mux.HandleFunc("/v1/auth/verify-email", a.handleVerifyEmail)
	a.mux.HandleFunc("/v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("/v1/auth/refresh-token", a.handleRefreshToken)
	a.mux.HandleFunc("/v1/auth/logout", a.handleLogout)

	// identities and rbac
	a.mux.HandleFunc("/v1/users/", a.handleUserResource)
	a.mux.HandleFunc("/v1/roles", a.handleRoles)
	a.mux.HandleFunc("/v1/roles/", a.handleRoleResource)
	a.mux.Handle("/v1/permissions", RequireRole(auth.RoleAdmin)(http.HandlerFunc(a.handlePermissions)))

	// websocket notifications
	a.mux.HandleFunc("/v1/notifications/ws", a.handleNotificationsWS)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the full middleware chain around the mux.
func (a *API) Handler() http.Handler {
	h := a.withAuth(a.mux)
	h = MaxBodyBytes(h, 1<<20)
	h = RateLimit(h, 20, 10)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = Logging(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}
