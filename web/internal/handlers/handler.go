package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/cookiejar"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/devilmonastery/syncday/internal/cache"
	"github.com/devilmonastery/syncday/internal/client"
	"github.com/devilmonastery/syncday/internal/config"
	"github.com/devilmonastery/syncday/internal/github"
	"github.com/devilmonastery/syncday/internal/guard"
	"github.com/devilmonastery/syncday/internal/session"
	"github.com/devilmonastery/syncday/web/internal/middleware"
	websession "github.com/devilmonastery/syncday/web/internal/session"
)

// Route names the guard protects
const (
	RouteMe                 = "me"
	RouteAPI                = "api"
	RouteGitHubConnect      = "github-connect"
	RouteGitHubCallback     = "github-callback"
	RouteGitHubSetup        = "github-setup"
	RouteGitHubInstallation = "github-installations"
)

// visitor is the per-browser-session wiring around a Store
type visitor struct {
	store    *session.Store
	client   *client.Client
	oauth    *github.OAuth
	installs *github.Installations
}

// Handler holds dependencies for all web handlers
type Handler struct {
	cfg      *config.Config
	opts     client.Options
	cookies  *websession.Manager
	registry *session.Registry
	guard    *guard.Guard
	authMw   *middleware.AuthMiddleware
	visitors *cache.Cache[*visitor]
	log      *slog.Logger
}

// New creates a new handler with dependencies. opts configures the per-session
// API clients; its Navigator is replaced so expiry is reported per request.
func New(cfg *config.Config, opts client.Options, cookies *websession.Manager, registry *session.Registry, logger *slog.Logger) *Handler {
	g := guard.New(cfg.Session.LoginPath, cfg.Session.HomePath)
	g.Protect(RouteMe, RouteAPI, RouteGitHubConnect, RouteGitHubCallback, RouteGitHubSetup, RouteGitHubInstallation)

	log := logger.With(slog.String("component", "web_handler"))
	opts.Navigator = client.NavigatorFunc(func(ctx context.Context, location string) {
		log.Info("browser session expired", slog.String("location", location))
	})

	return &Handler{
		cfg:      cfg,
		opts:     opts,
		cookies:  cookies,
		registry: registry,
		guard:    g,
		authMw:   middleware.NewAuthMiddleware(cookies, registry, logger),
		visitors: cache.New[*visitor]("visitors", cfg.Session.IdleTTL),
		log:      log,
	}
}

// Router sets up the HTTP router with all routes and middleware
func (h *Handler) Router() http.Handler {
	router := mux.NewRouter()

	// Health check endpoint (no session)
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	app := router.PathPrefix("/").Subrouter()
	app.Use(h.authMw.AttachSession, h.guard.Middleware(middleware.GuardState))

	app.HandleFunc("/", h.Home).Methods("GET").Name("home")
	app.HandleFunc(h.cfg.Session.LoginPath, h.LoginPage).Methods("GET").Name("login")
	app.HandleFunc(h.cfg.Session.LoginPath, h.Login).Methods("POST").Name("login-submit")
	app.HandleFunc("/logout", h.Logout).Methods("GET", "POST").Name("logout")
	app.HandleFunc("/me", h.Me).Methods("GET").Name(RouteMe)

	app.HandleFunc("/github/connect", h.GitHubConnect).Methods("GET").Name(RouteGitHubConnect)
	app.HandleFunc("/github/callback", h.GitHubCallback).Methods("GET").Name(RouteGitHubCallback)
	app.HandleFunc("/github/setup", h.GitHubSetup).Methods("GET").Name(RouteGitHubSetup)
	app.HandleFunc("/github/installations", h.GitHubInstallations).Methods("GET").Name(RouteGitHubInstallation)

	app.PathPrefix("/api/").HandlerFunc(h.APIProxy).Name(RouteAPI)

	return middleware.LogRequest(router)
}

// StoreFactory builds the Store for a new browser session. Each store gets its
// own identity client and cookie jar, so a refresh token the backend keeps in an
// HTTP-only cookie stays with the browser session that logged in.
func StoreFactory(opts client.Options, logger *slog.Logger) func() *session.Store {
	return func() *session.Store {
		o := opts
		jar, err := cookiejar.New(nil)
		if err != nil {
			logger.Error("failed to create session cookie jar", slog.String("error", err.Error()))
		} else {
			o.Jar = jar
		}
		return session.NewStore(client.NewAuthAPI(o), nil)
	}
}

// Sweep drops idle browser sessions
func (h *Handler) Sweep() int {
	h.visitors.Sweep()
	return h.registry.Sweep()
}

// visitorFor returns the wiring for the request's browser session, building it
// on first use or when the registry has replaced the session's Store
func (h *Handler) visitorFor(r *http.Request) (*visitor, error) {
	id := middleware.SessionIDFrom(r.Context())
	store := middleware.StoreFrom(r.Context())
	if store == nil {
		return nil, errors.New("request has no session")
	}

	if v, ok := h.visitors.Get(id); ok && v.store == store {
		h.visitors.Set(id, v)
		return v, nil
	}

	apiClient, err := client.New(store, h.opts)
	if err != nil {
		return nil, err
	}
	v := &visitor{
		store:    store,
		client:   apiClient,
		installs: github.NewInstallations(apiClient, h.cfg.GitHub.CacheTTL),
	}
	// GitHub is optional for the gateway. The token and pending states belong to
	// this browser session only, so they are never written to the shared cache file.
	ghCfg := h.cfg.GitHub
	ghCfg.CacheFile = ""
	if oauth, err := github.NewOAuth(ghCfg, apiClient); err == nil {
		v.oauth = oauth
	} else {
		h.log.Debug("github oauth unavailable", slog.String("error", err.Error()))
	}
	h.visitors.Set(id, v)
	return v, nil
}

// forget drops everything held for a browser session
func (h *Handler) forget(id string) {
	if v, ok := h.visitors.Get(id); ok {
		if v.oauth != nil {
			v.oauth.Forget()
		}
		v.installs.Clear()
	}
	h.visitors.Delete(id)
	h.registry.Remove(id)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("failed to write response", slog.String("error", err.Error()))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   message,
	})
}

// respondAPIError maps a backend failure onto the gateway response. An expired
// session redirects page requests to login and tells API callers where to go.
func (h *Handler) respondAPIError(w http.ResponseWriter, r *http.Request, err error, page bool) {
	var expired *client.SessionExpiredError
	var status *client.StatusError
	var apiErr *client.APIError

	switch {
	case errors.As(err, &expired):
		h.forget(middleware.SessionIDFrom(r.Context()))
		if page {
			http.Redirect(w, r, expired.Location, http.StatusSeeOther)
			return
		}
		w.Header().Set("Location", expired.Location)
		h.writeJSON(w, http.StatusUnauthorized, map[string]interface{}{
			"success":  false,
			"error":    "session expired",
			"redirect": expired.Location,
		})
	case errors.As(err, &status):
		h.writeError(w, status.StatusCode, status.Message)
	case errors.As(err, &apiErr):
		h.writeError(w, http.StatusBadGateway, apiErr.Message)
	case errors.Is(err, context.Canceled):
		// client went away
	default:
		h.log.Error("backend request failed", slog.String("error", err.Error()))
		h.writeError(w, http.StatusBadGateway, "backend unavailable")
	}
}
