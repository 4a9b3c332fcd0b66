package session

import (
	"net/http"

	"github.com/gorilla/sessions"

	"github.com/devilmonastery/syncday/internal/pkg/idgen"
)

const (
	// SessionName is the name of the session cookie
	SessionName = "syncday_session"

	// IDKey is the cookie key for the browser session id
	IDKey = "sid"

	// OAuthStateKey is the cookie key for a pending GitHub authorization
	OAuthStateKey = "github_oauth_state"
)

// Manager wraps gorilla/sessions for our use case. The cookie only carries an
// opaque browser session id; tokens stay on the server.
type Manager struct {
	store *sessions.CookieStore
}

// NewManager creates a new session manager
// secretKey should be 32 bytes for AES-256
func NewManager(secretKey []byte, secure bool) *Manager {
	store := sessions.NewCookieStore(secretKey)

	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   30 * 24 * 60 * 60, // 30 days
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}

	return &Manager{
		store: store,
	}
}

// SessionID returns the browser session id, issuing and saving a new one on
// the first visit or when the cookie cannot be decoded
func (m *Manager) SessionID(r *http.Request, w http.ResponseWriter) (string, error) {
	session, err := m.store.Get(r, SessionName)
	if err != nil {
		// Tampered or rotated-key cookie: start over
		session, _ = m.store.New(r, SessionName)
	}

	if id, ok := session.Values[IDKey].(string); ok && id != "" {
		return id, nil
	}

	id := idgen.GenerateID()
	session.Values[IDKey] = id
	if err := session.Save(r, w); err != nil {
		return "", err
	}
	return id, nil
}

// SetValue stores a value in the session cookie
func (m *Manager) SetValue(r *http.Request, w http.ResponseWriter, key, value string) error {
	session, err := m.store.Get(r, SessionName)
	if err != nil {
		session, _ = m.store.New(r, SessionName)
	}
	session.Values[key] = value
	return session.Save(r, w)
}

// TakeValue returns a value and removes it from the session cookie
func (m *Manager) TakeValue(r *http.Request, w http.ResponseWriter, key string) (string, error) {
	session, err := m.store.Get(r, SessionName)
	if err != nil {
		return "", err
	}
	value, ok := session.Values[key].(string)
	if !ok {
		return "", http.ErrNoCookie
	}
	delete(session.Values, key)
	return value, session.Save(r, w)
}

// Clear removes the session cookie (logout)
func (m *Manager) Clear(r *http.Request, w http.ResponseWriter) error {
	session, err := m.store.Get(r, SessionName)
	if err != nil {
		return nil // Session doesn't exist, nothing to clear
	}

	// Set MaxAge to -1 to delete the session
	session.Options.MaxAge = -1
	return session.Save(r, w)
}
