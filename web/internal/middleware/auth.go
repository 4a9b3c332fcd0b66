package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/devilmonastery/syncday/internal/guard"
	"github.com/devilmonastery/syncday/internal/session"
	websession "github.com/devilmonastery/syncday/web/internal/session"
)

type contextKey string

const (
	storeKey     contextKey = "store"
	sessionIDKey contextKey = "session_id"
)

// AuthMiddleware binds each request to the Store of its browser session
type AuthMiddleware struct {
	cookies  *websession.Manager
	registry *session.Registry
	log      *slog.Logger
}

// NewAuthMiddleware creates a new auth middleware
func NewAuthMiddleware(cookies *websession.Manager, registry *session.Registry, logger *slog.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		cookies:  cookies,
		registry: registry,
		log:      logger.With(slog.String("component", "auth_middleware")),
	}
}

// AttachSession makes sure the visitor has a browser session id and puts the
// matching Store on the request context. Whether the route needs a login is
// decided by the guard that runs after it.
func (m *AuthMiddleware) AttachSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := m.cookies.SessionID(r, w)
		if err != nil {
			m.log.Error("failed to issue session cookie", slog.String("error", err.Error()))
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		store := m.registry.GetOrCreate(id)
		ctx := context.WithValue(r.Context(), sessionIDKey, id)
		ctx = context.WithValue(ctx, storeKey, store)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GuardState resolves the guard's view of a request's session
func GuardState(r *http.Request) guard.SessionState {
	return StoreFrom(r.Context())
}

// StoreFrom returns the Store attached by AttachSession
func StoreFrom(ctx context.Context) *session.Store {
	store, _ := ctx.Value(storeKey).(*session.Store)
	return store
}

// SessionIDFrom returns the browser session id attached by AttachSession
func SessionIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(sessionIDKey).(string)
	return id
}
