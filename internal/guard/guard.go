// Package guard decides, before a page is served, whether the visitor may see it
// or must be sent to the login page first.
package guard

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/gorilla/mux"

	"github.com/devilmonastery/syncday/internal/pkg/metrics"
	"github.com/devilmonastery/syncday/internal/pkg/urlutil"
)

// SessionState is what the guard needs to know about the visitor's session.
// *session.Store implements it.
type SessionState interface {
	IsAuthenticated() bool
	InitializeAuth(ctx context.Context) (bool, error)
}

// Target is the navigation being attempted. Path is the full requested path
// including any query string.
type Target struct {
	Path         string
	RequiresAuth bool
}

// Decision is the guard's verdict: allow, or redirect to Redirect
type Decision struct {
	Allow    bool
	Redirect string
}

var allow = Decision{Allow: true}

// Guard holds the login and home locations and the set of protected routes
type Guard struct {
	loginPath string
	homePath  string

	mu        sync.RWMutex
	protected map[string]bool
}

// New creates a guard
func New(loginPath, homePath string) *Guard {
	return &Guard{
		loginPath: loginPath,
		homePath:  homePath,
		protected: make(map[string]bool),
	}
}

// Protect marks named routes as requiring authentication
func (g *Guard) Protect(names ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, name := range names {
		g.protected[name] = true
	}
}

// IsProtected reports whether the named route requires authentication
func (g *Guard) IsProtected(name string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.protected[name]
}

// Check evaluates a navigation. It waits for session initialization when a
// protected target is visited before the session state is known. A cancelled
// ctx (the navigation was superseded) returns ctx.Err().
func (g *Guard) Check(ctx context.Context, state SessionState, target Target) (Decision, error) {
	if pathOnly(target.Path) == g.loginPath && state.IsAuthenticated() {
		return Decision{Redirect: g.homePath}, nil
	}
	if !target.RequiresAuth {
		return allow, nil
	}

	authenticated := state.IsAuthenticated()
	if !authenticated {
		// cheap once initialized; re-checks a token that expired since
		ok, err := state.InitializeAuth(ctx)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Decision{}, ctxErr
		}
		if err != nil {
			slog.Warn("session check failed, sending to login",
				slog.String("component", "guard"),
				slog.String("path", target.Path),
				slog.String("error", err.Error()))
		}
		authenticated = ok && state.IsAuthenticated()
	}

	if !authenticated {
		return Decision{Redirect: urlutil.LoginURL(g.loginPath, target.Path)}, nil
	}
	return allow, nil
}

// Middleware returns a gorilla/mux middleware guarding routes registered with
// Protect. resolve finds the visitor's session for a request.
func (g *Guard) Middleware(resolve func(*http.Request) SessionState) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			name := "unnamed"
			if route := mux.CurrentRoute(r); route != nil && route.GetName() != "" {
				name = route.GetName()
			}

			decision, err := g.Check(r.Context(), resolve(r), Target{
				Path:         r.URL.RequestURI(),
				RequiresAuth: g.IsProtected(name),
			})
			if err != nil {
				// client went away
				metrics.GuardDecisions.WithLabelValues(name, "cancelled").Inc()
				return
			}
			if !decision.Allow {
				metrics.GuardDecisions.WithLabelValues(name, "redirect").Inc()
				slog.Debug("guard redirect",
					slog.String("component", "guard"),
					slog.String("route", name),
					slog.String("location", decision.Redirect))
				http.Redirect(w, r, decision.Redirect, http.StatusSeeOther)
				return
			}
			metrics.GuardDecisions.WithLabelValues(name, "allow").Inc()
			next.ServeHTTP(w, r)
		})
	}
}

func pathOnly(p string) string {
	if u, err := url.Parse(p); err == nil {
		return u.Path
	}
	return p
}
