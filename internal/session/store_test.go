package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type fakeAuth struct {
	mu sync.Mutex

	loginGrant *Grant
	loginErr   error

	refreshGrant *Grant
	refreshErr   error
	refreshGate  chan struct{}
	refreshCalls int32
	lastRefresh  string

	logoutErr   error
	logoutCalls int32
}

func (f *fakeAuth) Login(ctx context.Context, creds Credentials) (*Grant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loginGrant, f.loginErr
}

func (f *fakeAuth) Refresh(ctx context.Context, refreshToken string) (*Grant, error) {
	atomic.AddInt32(&f.refreshCalls, 1)
	if f.refreshGate != nil {
		<-f.refreshGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastRefresh = refreshToken
	return f.refreshGrant, f.refreshErr
}

func (f *fakeAuth) Logout(ctx context.Context, accessToken, refreshToken string) error {
	atomic.AddInt32(&f.logoutCalls, 1)
	return f.logoutErr
}

func loggedInStore(t *testing.T, auth *fakeAuth) *Store {
	t.Helper()
	auth.loginGrant = &Grant{
		AccessToken:  validToken("u1"),
		RefreshToken: "rt-1",
		User:         &User{ID: "u1", Email: "u1@example.com"},
	}
	store := NewStore(auth, nil)
	if err := store.Login(context.Background(), Credentials{Email: "u1@example.com", Password: "pw"}); err != nil {
		t.Fatalf("Login: %v", err)
	}
	return store
}

func TestStore_LoginSetsSession(t *testing.T) {
	store := loggedInStore(t, &fakeAuth{})

	if !store.IsAuthenticated() {
		t.Fatal("expected authenticated after login")
	}
	if !store.Initialized() {
		t.Error("login should mark the store initialized")
	}
	if store.RefreshToken() != "rt-1" {
		t.Errorf("RefreshToken = %q", store.RefreshToken())
	}
	if u := store.User(); u == nil || u.ID != "u1" {
		t.Errorf("User = %+v", u)
	}
}

func TestStore_LoginFailureLeavesStateUntouched(t *testing.T) {
	tests := []struct {
		name    string
		grant   *Grant
		err     error
		creds   Credentials
		wantErr error
	}{
		{
			name:    "rejected",
			err:     fmt.Errorf("%w: invalid credentials", ErrRejected),
			creds:   Credentials{Email: "a@b.c", Password: "bad"},
			wantErr: ErrRejected,
		},
		{
			name:    "missing token",
			grant:   &Grant{User: &User{ID: "u1"}},
			creds:   Credentials{Email: "a@b.c", Password: "pw"},
			wantErr: ErrMalformedGrant,
		},
		{
			name:    "opaque token without user",
			grant:   &Grant{AccessToken: "opaque"},
			creds:   Credentials{Email: "a@b.c", Password: "pw"},
			wantErr: ErrMalformedGrant,
		},
		{
			name:    "missing password",
			creds:   Credentials{Email: "a@b.c"},
			wantErr: ErrMissingCredentials,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewStore(&fakeAuth{loginGrant: tt.grant, loginErr: tt.err}, nil)

			err := store.Login(context.Background(), tt.creds)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Login err = %v, want %v", err, tt.wantErr)
			}
			if store.IsAuthenticated() || store.AccessToken() != "" || store.User() != nil {
				t.Errorf("state changed on failed login: %+v", store.Snapshot())
			}
		})
	}
}

func TestStore_LoginDerivesUserFromToken(t *testing.T) {
	auth := &fakeAuth{loginGrant: &Grant{AccessToken: validToken("u9")}}
	store := NewStore(auth, nil)

	if err := store.Login(context.Background(), Credentials{Email: "x", Password: "y"}); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if u := store.User(); u == nil || u.ID != "u9" {
		t.Errorf("User = %+v, want u9 from token claims", u)
	}
}

func TestStore_LogoutClearsEvenWhenServerFails(t *testing.T) {
	auth := &fakeAuth{}
	store := loggedInStore(t, auth)
	auth.logoutErr = errors.New("connection refused")

	store.Logout(context.Background())

	if atomic.LoadInt32(&auth.logoutCalls) != 1 {
		t.Errorf("server logout called %d times", auth.logoutCalls)
	}
	snap := store.Snapshot()
	if snap.AccessToken != "" || snap.RefreshToken != "" || snap.User != nil {
		t.Errorf("session not cleared: %+v", snap)
	}
	if !snap.Initialized {
		t.Error("store should stay initialized after logout")
	}
}

func TestStore_LogoutWithoutSessionSkipsServer(t *testing.T) {
	auth := &fakeAuth{}
	store := NewStore(auth, nil)

	store.Logout(context.Background())

	if auth.logoutCalls != 0 {
		t.Errorf("server logout called without a session")
	}
}

func TestStore_ExpiredTokenIsNotAuthenticated(t *testing.T) {
	auth := &fakeAuth{}
	store := loggedInStore(t, auth)

	store.SetAccessToken(expiredToken("u1"))
	if store.IsAuthenticated() {
		t.Fatal("expired token should not count as authenticated")
	}

	store.SetAccessToken("not.a.jwt")
	if store.IsAuthenticated() {
		t.Fatal("undecodable token should not count as authenticated")
	}
}

func TestStore_SetAccessTokenEmptyForgetsUser(t *testing.T) {
	store := loggedInStore(t, &fakeAuth{})

	store.SetAccessToken("")
	if store.User() != nil {
		t.Error("user kept without a token")
	}
}

func TestStore_InitializeAuthCoalescesConcurrentCallers(t *testing.T) {
	gate := make(chan struct{})
	auth := &fakeAuth{
		refreshGate:  gate,
		refreshGrant: &Grant{AccessToken: validToken("u1"), User: &User{ID: "u1"}},
	}
	store := NewStore(auth, nil)

	const callers = 8
	var wg sync.WaitGroup
	results := make([]bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := store.InitializeAuth(context.Background())
			if err != nil {
				t.Errorf("InitializeAuth: %v", err)
			}
			results[i] = ok
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	if n := atomic.LoadInt32(&auth.refreshCalls); n != 1 {
		t.Errorf("refresh called %d times, want 1", n)
	}
	for i, ok := range results {
		if !ok {
			t.Errorf("caller %d not authenticated", i)
		}
	}

	// cached afterwards
	if ok, _ := store.InitializeAuth(context.Background()); !ok {
		t.Error("cached initialization lost")
	}
	if n := atomic.LoadInt32(&auth.refreshCalls); n != 1 {
		t.Errorf("initialized store hit the network again (%d calls)", n)
	}
}

func TestStore_InitializeAuthRejectedClearsSession(t *testing.T) {
	auth := &fakeAuth{refreshErr: fmt.Errorf("%w: status 401", ErrRejected)}
	store := NewStore(auth, nil)
	store.SetRefreshToken("stale")

	ok, err := store.InitializeAuth(context.Background())
	if err != nil || ok {
		t.Fatalf("InitializeAuth = %v, %v; want false, nil", ok, err)
	}
	if !store.Initialized() {
		t.Error("rejection should complete initialization")
	}
	if store.RefreshToken() != "" {
		t.Error("stale refresh token kept")
	}
}

func TestStore_InitializeAuthTransportErrorRetries(t *testing.T) {
	auth := &fakeAuth{refreshErr: errors.New("dial tcp: connection refused")}
	store := NewStore(auth, nil)

	ok, err := store.InitializeAuth(context.Background())
	if err == nil || ok {
		t.Fatalf("InitializeAuth = %v, %v; want false, error", ok, err)
	}
	if store.Initialized() {
		t.Fatal("transport failure should leave the store uninitialized")
	}

	auth.mu.Lock()
	auth.refreshErr = nil
	auth.refreshGrant = &Grant{AccessToken: validToken("u1"), User: &User{ID: "u1"}}
	auth.mu.Unlock()

	if ok, err := store.InitializeAuth(context.Background()); err != nil || !ok {
		t.Fatalf("retry = %v, %v", ok, err)
	}
}

func TestStore_InitializeAuthRestoresPersistedSession(t *testing.T) {
	persister := NewFilePersister(filepath.Join(t.TempDir(), "session.json"))
	if err := persister.Save(Session{
		AccessToken: validToken("u1"),
		User:        &User{ID: "u1"},
	}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	auth := &fakeAuth{}
	store := NewStore(auth, persister)

	ok, err := store.InitializeAuth(context.Background())
	if err != nil || !ok {
		t.Fatalf("InitializeAuth = %v, %v", ok, err)
	}
	if auth.refreshCalls != 0 {
		t.Error("valid stored session should not need a refresh")
	}
}

func TestStore_InitializeAuthRefreshesExpiredPersistedSession(t *testing.T) {
	persister := NewMemoryPersister()
	_ = persister.Save(Session{
		AccessToken:  expiredToken("u1"),
		RefreshToken: "rt-stored",
		User:         &User{ID: "u1"},
	})

	auth := &fakeAuth{refreshGrant: &Grant{AccessToken: validToken("u1"), User: &User{ID: "u1"}}}
	store := NewStore(auth, persister)

	ok, err := store.InitializeAuth(context.Background())
	if err != nil || !ok {
		t.Fatalf("InitializeAuth = %v, %v", ok, err)
	}
	if auth.lastRefresh != "rt-stored" {
		t.Errorf("refresh used %q, want stored refresh token", auth.lastRefresh)
	}
	if store.RefreshToken() != "rt-stored" {
		t.Errorf("refresh token lost: %q", store.RefreshToken())
	}
}

func TestStore_InitializeAuthReauthenticatesAfterExpiry(t *testing.T) {
	auth := &fakeAuth{}
	store := loggedInStore(t, auth)
	store.SetAccessToken(expiredToken("u1"))

	auth.mu.Lock()
	auth.refreshGrant = &Grant{AccessToken: validToken("u1"), User: &User{ID: "u1"}}
	auth.mu.Unlock()

	ok, err := store.InitializeAuth(context.Background())
	if err != nil || !ok {
		t.Fatalf("InitializeAuth = %v, %v", ok, err)
	}
	if auth.refreshCalls != 1 {
		t.Errorf("refresh calls = %d, want 1", auth.refreshCalls)
	}
}

func TestStore_RefreshKeepsUser(t *testing.T) {
	auth := &fakeAuth{}
	store := loggedInStore(t, auth)

	newToken := createTestToken(jwt.MapClaims{
		"user_id": "u1",
		"jti":     "second",
		"exp":     float64(time.Now().Add(time.Hour).Unix()),
	})
	auth.mu.Lock()
	auth.refreshGrant = &Grant{AccessToken: newToken}
	auth.mu.Unlock()

	got, err := store.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got != newToken || store.AccessToken() != newToken {
		t.Errorf("token not replaced")
	}
	if auth.lastRefresh != "rt-1" {
		t.Errorf("refresh sent %q, want rt-1", auth.lastRefresh)
	}
	if u := store.User(); u == nil || u.Email != "u1@example.com" {
		t.Errorf("user lost on refresh: %+v", u)
	}
}

func TestStore_RefreshAfterLogoutIsDiscarded(t *testing.T) {
	gate := make(chan struct{})
	auth := &fakeAuth{}
	store := loggedInStore(t, auth)

	auth.mu.Lock()
	auth.refreshGate = gate
	auth.refreshGrant = &Grant{AccessToken: validToken("u1")}
	auth.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		_, err := store.Refresh(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	store.Logout(context.Background())
	close(gate)

	if err := <-errCh; !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("Refresh err = %v, want ErrNotAuthenticated", err)
	}
	if store.AccessToken() != "" {
		t.Error("late refresh resurrected a logged-out session")
	}
}

func TestStore_LoginDuringRefreshIsKept(t *testing.T) {
	gate := make(chan struct{})
	auth := &fakeAuth{}
	store := loggedInStore(t, auth)

	auth.mu.Lock()
	auth.refreshGate = gate
	auth.refreshGrant = &Grant{
		AccessToken:  validToken("u1"),
		RefreshToken: "rt-u1-rotated",
		User:         &User{ID: "u1"},
	}
	auth.mu.Unlock()

	type result struct {
		token string
		err   error
	}
	resCh := make(chan result, 1)
	go func() {
		token, err := store.Refresh(context.Background())
		resCh <- result{token, err}
	}()

	time.Sleep(20 * time.Millisecond)
	store.Logout(context.Background())

	u2Token := validToken("u2")
	auth.mu.Lock()
	auth.loginGrant = &Grant{AccessToken: u2Token, RefreshToken: "rt-u2", User: &User{ID: "u2"}}
	auth.mu.Unlock()
	if err := store.Login(context.Background(), Credentials{Email: "u2@example.com", Password: "pw"}); err != nil {
		t.Fatalf("Login: %v", err)
	}
	close(gate)

	res := <-resCh
	if res.err != nil {
		t.Fatalf("Refresh err = %v", res.err)
	}
	if res.token != u2Token {
		t.Errorf("Refresh returned a token other than the current session's")
	}
	if u := store.User(); u == nil || u.ID != "u2" {
		t.Fatalf("User = %+v, want u2", u)
	}
	if store.AccessToken() != u2Token || store.RefreshToken() != "rt-u2" {
		t.Error("late refresh overwrote the newer login")
	}
}

func TestStore_RefreshRejectsEmptyToken(t *testing.T) {
	auth := &fakeAuth{}
	store := loggedInStore(t, auth)
	auth.mu.Lock()
	auth.refreshGrant = &Grant{}
	auth.mu.Unlock()

	if _, err := store.Refresh(context.Background()); !errors.Is(err, ErrMalformedGrant) {
		t.Fatalf("Refresh err = %v, want ErrMalformedGrant", err)
	}
}

func TestFilePersister_RoundTripAndClear(t *testing.T) {
	p := NewFilePersister(filepath.Join(t.TempDir(), "nested", "session.json"))

	if s, err := p.Load(); err != nil || s != nil {
		t.Fatalf("Load on empty = %v, %v", s, err)
	}
	if err := p.Save(Session{AccessToken: "tok", User: &User{ID: "1"}}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	s, err := p.Load()
	if err != nil || s == nil || s.AccessToken != "tok" || s.User.ID != "1" {
		t.Fatalf("Load = %+v, %v", s, err)
	}
	if err := p.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if err := p.Clear(); err != nil {
		t.Errorf("second Clear: %v", err)
	}
}
