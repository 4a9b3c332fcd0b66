package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/devilmonastery/syncday/internal/pkg/logger"
	"github.com/devilmonastery/syncday/internal/pkg/metrics"
)

// Store is the single source of truth for one user's session. Every component
// that needs the token reads it from here; nothing keeps its own copy.
//
// Initialization and refresh are coalesced: concurrent callers share one
// network round trip. Each mutation bumps a generation counter so a flight that
// finishes after a login or logout cannot overwrite the newer state.
type Store struct {
	auth      Authenticator
	persister Persister
	log       *slog.Logger
	flights   singleflight.Group

	mu         sync.RWMutex
	session    Session
	generation uint64
}

// NewStore creates an uninitialized store. A nil persister keeps state in memory only.
func NewStore(auth Authenticator, persister Persister) *Store {
	if persister == nil {
		persister = NewMemoryPersister()
	}
	return &Store{
		auth:      auth,
		persister: persister,
		log:       slog.Default().With(slog.String("component", "session")),
	}
}

// Snapshot returns a copy of the current state
func (s *Store) Snapshot() Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.session
	if out.User != nil {
		u := *out.User
		out.User = &u
	}
	return out
}

// AccessToken returns the current access token, or "" when there is none
func (s *Store) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session.AccessToken
}

// RefreshToken returns the locally held refresh token, or "" when the server keeps it
func (s *Store) RefreshToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session.RefreshToken
}

// User returns a copy of the authenticated user, or nil
func (s *Store) User() *User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session.User == nil {
		return nil
	}
	u := *s.session.User
	return &u
}

// Initialized reports whether the startup check has completed
func (s *Store) Initialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session.Initialized
}

// IsAuthenticated reports whether a user is known and the access token is still usable.
// An expired or undecodable JWT counts as no token.
func (s *Store) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session.Authenticated()
}

// Login exchanges credentials for a session. On failure the state is untouched.
func (s *Store) Login(ctx context.Context, creds Credentials) error {
	if creds.Email == "" || creds.Password == "" {
		metrics.SessionLogins.WithLabelValues("invalid").Inc()
		return ErrMissingCredentials
	}

	grant, err := s.auth.Login(ctx, creds)
	if err != nil {
		outcome := "error"
		if IsRejected(err) {
			outcome = "rejected"
		}
		metrics.SessionLogins.WithLabelValues(outcome).Inc()
		s.log.Warn("login failed",
			slog.String("email", creds.Email),
			slog.String("error", err.Error()))
		return fmt.Errorf("login failed: %w", err)
	}

	user, err := completeGrant(grant)
	if err != nil {
		metrics.SessionLogins.WithLabelValues("malformed").Inc()
		s.log.Warn("login response unusable", slog.String("error", err.Error()))
		return fmt.Errorf("login failed: %w", err)
	}

	s.mu.Lock()
	s.session = Session{
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		User:         user,
		Initialized:  true,
	}
	s.generation++
	snapshot := s.session
	s.mu.Unlock()

	s.persist(snapshot)
	metrics.SessionLogins.WithLabelValues("success").Inc()
	logger.WithUser(s.log, user.ID).Info("logged in", slog.String("email", user.Email))
	return nil
}

// InitializeAuth determines at startup whether a session exists, first from the
// persister and then by silent refresh. Concurrent callers share one attempt.
//
// A definitive rejection clears the session and reports false with a nil error.
// A transport failure is returned and leaves the store uninitialized so the next
// caller retries. Once initialized the cached answer is returned without I/O,
// unless the held access token has expired in the meantime.
func (s *Store) InitializeAuth(ctx context.Context) (bool, error) {
	s.mu.Lock()
	if s.session.Initialized {
		if s.session.AccessToken == "" || s.session.Authenticated() {
			ok := s.session.Authenticated()
			s.mu.Unlock()
			return ok, nil
		}
		s.log.Info("access token no longer usable, re-authenticating")
		s.session.AccessToken = ""
		s.session.User = nil
		s.session.Initialized = false
		s.generation++
	}
	s.mu.Unlock()

	ch := s.flights.DoChan("initialize", func() (interface{}, error) {
		return s.initialize(context.WithoutCancel(ctx))
	})

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return false, res.Err
		}
		ok, _ := res.Val.(bool)
		return ok, nil
	}
}

func (s *Store) initialize(ctx context.Context) (bool, error) {
	s.mu.RLock()
	if s.session.Initialized {
		ok := s.session.Authenticated()
		s.mu.RUnlock()
		return ok, nil
	}
	gen := s.generation
	refreshToken := s.session.RefreshToken
	s.mu.RUnlock()

	stored, err := s.persister.Load()
	if err != nil {
		s.log.Warn("ignoring unreadable stored session", slog.String("error", err.Error()))
		stored = nil
	}

	if stored != nil && stored.Authenticated() {
		applied := s.apply(gen, func(sess *Session) {
			*sess = *stored
			sess.Initialized = true
		})
		if applied {
			metrics.SessionInitializations.WithLabelValues("storage", "authenticated").Inc()
			logger.WithUser(s.log, stored.User.ID).Debug("session restored from storage")
			return true, nil
		}
		return s.IsAuthenticated(), nil
	}

	if refreshToken == "" && stored != nil {
		refreshToken = stored.RefreshToken
	}

	grant, err := s.auth.Refresh(ctx, refreshToken)
	if err == nil {
		var user *User
		user, err = completeGrant(grant)
		if err == nil {
			snapshot := Session{
				AccessToken:  grant.AccessToken,
				RefreshToken: firstNonEmpty(grant.RefreshToken, refreshToken),
				User:         user,
				Initialized:  true,
			}
			if !s.apply(gen, func(sess *Session) { *sess = snapshot }) {
				return s.IsAuthenticated(), nil
			}
			s.persist(snapshot)
			metrics.SessionInitializations.WithLabelValues("refresh", "authenticated").Inc()
			logger.WithUser(s.log, user.ID).Info("session re-established by silent refresh")
			return true, nil
		}
	}

	if IsRejected(err) || errors.Is(err, ErrMalformedGrant) {
		if s.apply(gen, func(sess *Session) { *sess = Session{Initialized: true} }) {
			s.clearPersisted()
		}
		metrics.SessionInitializations.WithLabelValues("refresh", "anonymous").Inc()
		s.log.Debug("no session to restore", slog.String("reason", err.Error()))
		return false, nil
	}

	metrics.SessionInitializations.WithLabelValues("refresh", "error").Inc()
	s.log.Warn("silent re-authentication failed", slog.String("error", err.Error()))
	return false, fmt.Errorf("silent re-authentication failed: %w", err)
}

// Refresh obtains a new access token from the refresh endpoint and returns it.
// Concurrent callers share one request. The user is kept unless the response
// carries a new profile.
func (s *Store) Refresh(ctx context.Context) (string, error) {
	ch := s.flights.DoChan("refresh", func() (interface{}, error) {
		return s.refresh(context.WithoutCancel(ctx))
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		token, _ := res.Val.(string)
		return token, nil
	}
}

func (s *Store) refresh(ctx context.Context) (string, error) {
	s.mu.RLock()
	gen := s.generation
	refreshToken := s.session.RefreshToken
	s.mu.RUnlock()

	grant, err := s.auth.Refresh(ctx, refreshToken)
	if err != nil {
		return "", fmt.Errorf("token refresh failed: %w", err)
	}
	if grant == nil || CheckToken(grant.AccessToken) != nil {
		return "", fmt.Errorf("token refresh failed: %w: no usable access token", ErrMalformedGrant)
	}

	var snapshot Session
	var stale bool
	var current string
	s.mu.Lock()
	if gen != s.generation {
		// login, logout or rotation landed while the refresh was in flight; the
		// grant belongs to a session that no longer exists
		stale = true
		if s.session.Authenticated() {
			current = s.session.AccessToken
		}
	} else {
		s.session.AccessToken = grant.AccessToken
		if grant.RefreshToken != "" {
			s.session.RefreshToken = grant.RefreshToken
		}
		if grant.User != nil {
			u := *grant.User
			s.session.User = &u
		} else if s.session.User == nil {
			if u, err := UserFromToken(grant.AccessToken); err == nil {
				s.session.User = u
			}
		}
		s.generation++
		snapshot = s.session
	}
	s.mu.Unlock()

	if stale {
		if current == "" {
			return "", ErrNotAuthenticated
		}
		s.log.Debug("discarded refresh result superseded by a newer session")
		return current, nil
	}
	s.persist(snapshot)
	s.log.Debug("access token refreshed", slog.String("token", logger.TokenPreview(grant.AccessToken)))
	return grant.AccessToken, nil
}

// SetAccessToken replaces the access token, typically with one rotated by the
// server in a response header. An empty token also forgets the user.
func (s *Store) SetAccessToken(token string) {
	s.mu.Lock()
	s.session.AccessToken = token
	if token == "" {
		s.session.User = nil
	}
	s.generation++
	snapshot := s.session
	s.mu.Unlock()

	s.persist(snapshot)
}

// SetRefreshToken replaces the locally held refresh token
func (s *Store) SetRefreshToken(token string) {
	s.mu.Lock()
	s.session.RefreshToken = token
	s.generation++
	snapshot := s.session
	s.mu.Unlock()

	s.persist(snapshot)
}

// Logout tells the server to end the session, then clears local state whether
// or not the server call succeeded.
func (s *Store) Logout(ctx context.Context) {
	s.mu.RLock()
	accessToken := s.session.AccessToken
	refreshToken := s.session.RefreshToken
	var userID string
	if s.session.User != nil {
		userID = s.session.User.ID
	}
	s.mu.RUnlock()

	if accessToken != "" || refreshToken != "" {
		if err := s.auth.Logout(ctx, accessToken, refreshToken); err != nil {
			s.log.Warn("server logout failed, clearing local session anyway",
				slog.String("error", err.Error()))
		}
	}

	s.mu.Lock()
	s.session = Session{Initialized: true}
	s.generation++
	s.mu.Unlock()

	s.clearPersisted()
	logger.WithUser(s.log, userID).Info("logged out")
}

// apply runs fn under the lock only if no other mutation happened since gen was read
func (s *Store) apply(gen uint64, fn func(*Session)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != gen {
		return false
	}
	fn(&s.session)
	s.generation++
	return true
}

func (s *Store) persist(snapshot Session) {
	if err := s.persister.Save(snapshot); err != nil {
		s.log.Warn("failed to persist session", slog.String("error", err.Error()))
	}
}

func (s *Store) clearPersisted() {
	if err := s.persister.Clear(); err != nil {
		s.log.Warn("failed to clear stored session", slog.String("error", err.Error()))
	}
}

// completeGrant checks a login or refresh response and resolves the user,
// falling back to the identity embedded in a JWT access token
func completeGrant(grant *Grant) (*User, error) {
	if grant == nil {
		return nil, fmt.Errorf("%w: empty response", ErrMalformedGrant)
	}
	if err := CheckToken(grant.AccessToken); err != nil {
		return nil, fmt.Errorf("%w: access token: %v", ErrMalformedGrant, err)
	}
	if grant.User != nil {
		u := *grant.User
		return &u, nil
	}
	user, err := UserFromToken(grant.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("%w: no user", ErrMalformedGrant)
	}
	return user, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
