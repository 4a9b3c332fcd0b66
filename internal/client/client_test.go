package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/devilmonastery/syncday/internal/config"
	"github.com/devilmonastery/syncday/internal/session"
)

const userJSON = `{"id":1,"email":"user@example.com","nickname":"Sync User"}`

// backend is a fake API: it accepts exactly one access token at a time and
// issues a new one on every refresh
type backend struct {
	mu            sync.Mutex
	validToken    string
	refreshToken  string
	issued        int
	refreshStatus int
	refreshDelay  time.Duration
	rotateOnRead  bool
	alwaysReject  bool

	refreshCalls  int32
	logoutCalls   int32
	resourceHits  int32
	lastAuthValue atomic.Value

	server *httptest.Server
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	b := &backend{refreshToken: "rt-1"}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/user/login", b.login)
	mux.HandleFunc("/api/user/refresh", b.refresh)
	mux.HandleFunc("/api/user/logout", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&b.logoutCalls, 1)
		fmt.Fprint(w, `{"success":true}`)
	})
	mux.HandleFunc("/api/user/profile", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"success":true,"data":%s}`, userJSON)
	})
	mux.HandleFunc("/api/things", b.things)

	b.server = httptest.NewServer(mux)
	t.Cleanup(b.server.Close)
	return b
}

func (b *backend) issueLocked() string {
	b.issued++
	b.validToken = fmt.Sprintf("at-%d", b.issued)
	return b.validToken
}

func (b *backend) login(w http.ResponseWriter, r *http.Request) {
	var creds session.Credentials
	_ = json.NewDecoder(r.Body).Decode(&creds)
	if creds.Email != "user@example.com" || creds.Password != "secret" {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"success":false,"error":"invalid credentials"}`)
		return
	}

	b.mu.Lock()
	token := b.issueLocked()
	refresh := b.refreshToken
	b.mu.Unlock()

	w.Header().Set("Authorization", "Bearer "+token)
	w.Header().Set("Refresh-Token", refresh)
	fmt.Fprintf(w, `{"success":true,"data":%s}`, userJSON)
}

func (b *backend) refresh(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt32(&b.refreshCalls, 1)

	b.mu.Lock()
	status := b.refreshStatus
	delay := b.refreshDelay
	b.mu.Unlock()

	time.Sleep(delay)
	if status != 0 {
		w.WriteHeader(status)
		fmt.Fprint(w, `{"success":false,"error":"refresh token expired"}`)
		return
	}

	b.mu.Lock()
	if r.Header.Get("Refresh-Token") != b.refreshToken {
		b.mu.Unlock()
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	token := b.issueLocked()
	b.mu.Unlock()

	w.Header().Set("Authorization", "Bearer "+token)
	fmt.Fprintf(w, `{"success":true,"data":%s}`, userJSON)
}

func (b *backend) things(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt32(&b.resourceHits, 1)
	b.lastAuthValue.Store(r.Header.Get("Authorization"))

	b.mu.Lock()
	defer b.mu.Unlock()

	token := BearerToken(r.Header.Get("Authorization"))
	switch {
	case b.alwaysReject:
		w.WriteHeader(http.StatusUnauthorized)
		return
	case token != "" && token == b.validToken:
	case r.Header.Get("Refresh-Token") != "" && r.Header.Get("Refresh-Token") == b.refreshToken:
		// replay mode: renew in the response
		w.Header().Set("Authorization", "Bearer "+b.issueLocked())
	default:
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"success":false,"error":"token expired"}`)
		return
	}

	if b.rotateOnRead {
		w.Header().Set("Authorization", "Bearer "+b.issueLocked())
	}
	fmt.Fprint(w, `{"success":true,"data":{"name":"widget"}}`)
}

// expireToken makes the backend reject whatever token the client holds
func (b *backend) expireToken() {
	b.mu.Lock()
	b.validToken = "server-side-only"
	b.mu.Unlock()
}

func (b *backend) lastAuth() string {
	v, _ := b.lastAuthValue.Load().(string)
	return v
}

type recordingNavigator struct {
	mu        sync.Mutex
	locations []string
}

func (n *recordingNavigator) RedirectToLogin(ctx context.Context, location string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.locations = append(n.locations, location)
}

func newTestClient(t *testing.T, b *backend, mode string, nav Navigator) (*Client, *session.Store) {
	t.Helper()
	opts := Options{
		BaseURL:     b.server.URL + "/api",
		RefreshMode: mode,
		Navigator:   nav,
	}
	store := session.NewStore(NewAuthAPI(opts), nil)
	c, err := New(store, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := store.Login(context.Background(), session.Credentials{Email: "user@example.com", Password: "secret"}); err != nil {
		t.Fatalf("Login: %v", err)
	}
	return c, store
}

type thing struct {
	Name string `json:"name"`
}

func TestClient_AttachesTokenAndDecodesEnvelope(t *testing.T) {
	b := newBackend(t)
	c, store := newTestClient(t, b, config.RefreshModeEndpoint, nil)

	var got thing
	if err := c.GetJSON(context.Background(), "/things", nil, &got); err != nil {
		t.Fatalf("GetJSON: %v", err)
	}
	if got.Name != "widget" {
		t.Errorf("decoded %+v", got)
	}
	if b.lastAuth() != "Bearer "+store.AccessToken() {
		t.Errorf("Authorization = %q", b.lastAuth())
	}
}

func TestClient_RefreshesAndReplaysOnce(t *testing.T) {
	b := newBackend(t)
	nav := &recordingNavigator{}
	c, store := newTestClient(t, b, config.RefreshModeEndpoint, nav)
	before := store.AccessToken()
	b.expireToken()

	var got thing
	if err := c.GetJSON(context.Background(), "/things", nil, &got); err != nil {
		t.Fatalf("GetJSON: %v", err)
	}
	if got.Name != "widget" {
		t.Errorf("decoded %+v", got)
	}
	if hits := atomic.LoadInt32(&b.resourceHits); hits != 2 {
		t.Errorf("resource hit %d times, want 2", hits)
	}
	if store.AccessToken() == before {
		t.Error("access token not replaced by refresh")
	}
	if b.lastAuth() != "Bearer "+store.AccessToken() {
		t.Errorf("replay used %q", b.lastAuth())
	}
	if c.State() != StateNormal {
		t.Errorf("State = %v, want normal", c.State())
	}
	if len(nav.locations) != 0 {
		t.Errorf("unexpected redirect %v", nav.locations)
	}
}

func TestClient_AlwaysUnauthorizedMakesExactlyTwoAttempts(t *testing.T) {
	b := newBackend(t)
	c, store := newTestClient(t, b, config.RefreshModeEndpoint, nil)
	b.mu.Lock()
	b.alwaysReject = true
	b.mu.Unlock()

	_, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/things"})
	if !IsStatus(err, http.StatusUnauthorized) {
		t.Fatalf("err = %v, want 401 StatusError", err)
	}
	if hits := atomic.LoadInt32(&b.resourceHits); hits != 2 {
		t.Errorf("request sent %d times, want 2", hits)
	}
	if n := atomic.LoadInt32(&b.refreshCalls); n != 1 {
		t.Errorf("refresh called %d times, want 1", n)
	}
	if store.AccessToken() == "" {
		t.Error("a 401 on the replay must not log out")
	}
}

func TestClient_RejectedRefreshLogsOutAndRedirects(t *testing.T) {
	b := newBackend(t)
	nav := &recordingNavigator{}
	c, store := newTestClient(t, b, config.RefreshModeEndpoint, nav)
	b.expireToken()
	b.mu.Lock()
	b.refreshStatus = http.StatusUnauthorized
	b.mu.Unlock()

	ctx := WithDestination(context.Background(), "/projects/7")
	_, err := c.Do(ctx, Request{Method: http.MethodGet, Path: "/things"})

	var expired *SessionExpiredError
	if !errors.As(err, &expired) {
		t.Fatalf("err = %v, want *SessionExpiredError", err)
	}
	if !errors.Is(err, ErrSessionExpired) {
		t.Error("errors.Is(err, ErrSessionExpired) = false")
	}
	if !session.IsRejected(err) {
		t.Error("cause should be a rejection")
	}

	wantLocation := "/login?redirect=%2Fprojects%2F7"
	if expired.Location != wantLocation {
		t.Errorf("Location = %q, want %q", expired.Location, wantLocation)
	}
	if len(nav.locations) != 1 || nav.locations[0] != wantLocation {
		t.Errorf("navigator got %v", nav.locations)
	}
	if store.AccessToken() != "" || store.IsAuthenticated() {
		t.Error("session not cleared")
	}
	if atomic.LoadInt32(&b.logoutCalls) != 1 {
		t.Errorf("server logout calls = %d, want 1", b.logoutCalls)
	}
	if atomic.LoadInt32(&b.resourceHits) != 1 {
		t.Errorf("resource hit %d times, want 1", b.resourceHits)
	}
	if c.State() != StateFailed {
		t.Errorf("State = %v, want failed", c.State())
	}
}

func TestClient_ServerErrorsPassThrough(t *testing.T) {
	b := newBackend(t)
	c, _ := newTestClient(t, b, config.RefreshModeEndpoint, nil)

	_, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/missing"})
	if !IsStatus(err, http.StatusNotFound) {
		t.Fatalf("err = %v, want 404 StatusError", err)
	}
	if atomic.LoadInt32(&b.refreshCalls) != 0 {
		t.Error("non-401 errors must not refresh")
	}
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestClient_NetworkErrorSkipsRefresh(t *testing.T) {
	var refreshes int32
	store := session.NewStore(&countingAuth{refreshes: &refreshes}, nil)
	store.SetAccessToken("at-1")

	dialErr := errors.New("dial tcp 127.0.0.1:1: connect: connection refused")
	c, err := New(store, Options{
		BaseURL: "http://api.invalid",
		Transport: roundTripperFunc(func(*http.Request) (*http.Response, error) {
			return nil, dialErr
		}),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/things"})
	if !errors.Is(err, dialErr) {
		t.Fatalf("err = %v, want the transport error", err)
	}
	if refreshes != 0 {
		t.Error("network error triggered a refresh")
	}
	if store.AccessToken() != "at-1" {
		t.Error("network error touched the session")
	}
}

type countingAuth struct {
	refreshes *int32
}

func (a *countingAuth) Login(context.Context, session.Credentials) (*session.Grant, error) {
	return nil, session.ErrRejected
}

func (a *countingAuth) Refresh(context.Context, string) (*session.Grant, error) {
	atomic.AddInt32(a.refreshes, 1)
	return nil, session.ErrRejected
}

func (a *countingAuth) Logout(context.Context, string, string) error { return nil }

func TestClient_RefreshTransportErrorKeepsSession(t *testing.T) {
	b := newBackend(t)
	c, store := newTestClient(t, b, config.RefreshModeEndpoint, nil)
	b.expireToken()
	b.mu.Lock()
	b.refreshStatus = http.StatusBadGateway
	b.mu.Unlock()

	_, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/things"})
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrSessionExpired) {
		t.Fatal("a failing refresh endpoint is not a rejection")
	}
	if store.AccessToken() == "" {
		t.Error("session cleared on a non-definitive refresh failure")
	}
	if c.State() != StateNormal {
		t.Errorf("State = %v, want normal", c.State())
	}
}

func TestClient_SetAccessTokenReflectedInNextRequest(t *testing.T) {
	b := newBackend(t)
	c, store := newTestClient(t, b, config.RefreshModeEndpoint, nil)

	b.mu.Lock()
	b.validToken = "manually-set"
	b.mu.Unlock()
	store.SetAccessToken("manually-set")

	if _, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/things"}); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if b.lastAuth() != "Bearer manually-set" {
		t.Errorf("Authorization = %q, want the token just set", b.lastAuth())
	}
	if atomic.LoadInt32(&b.refreshCalls) != 0 {
		t.Error("unexpected refresh")
	}
}

func TestClient_PicksUpRotatedToken(t *testing.T) {
	b := newBackend(t)
	c, store := newTestClient(t, b, config.RefreshModeEndpoint, nil)
	b.mu.Lock()
	b.rotateOnRead = true
	b.mu.Unlock()

	if _, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/things"}); err != nil {
		t.Fatalf("Do: %v", err)
	}

	b.mu.Lock()
	serverToken := b.validToken
	b.rotateOnRead = false
	b.mu.Unlock()

	if store.AccessToken() != serverToken {
		t.Fatalf("store token %q, want rotated %q", store.AccessToken(), serverToken)
	}
	if _, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/things"}); err != nil {
		t.Fatalf("second Do: %v", err)
	}
	if b.lastAuth() != "Bearer "+serverToken {
		t.Errorf("next request used %q", b.lastAuth())
	}
	if atomic.LoadInt32(&b.refreshCalls) != 0 {
		t.Error("rotation should not need a refresh")
	}
}

func TestClient_ReplayModeRenewsThroughResponseHeader(t *testing.T) {
	b := newBackend(t)
	c, store := newTestClient(t, b, config.RefreshModeReplay, nil)
	before := store.AccessToken()
	b.expireToken()

	if _, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/things"}); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if atomic.LoadInt32(&b.refreshCalls) != 0 {
		t.Error("replay mode must not call the refresh endpoint")
	}
	if store.AccessToken() == before || store.AccessToken() == "" {
		t.Errorf("token not renewed from response header: %q", store.AccessToken())
	}
}

func TestClient_ReplayModeRejectedExpiresSession(t *testing.T) {
	b := newBackend(t)
	nav := &recordingNavigator{}
	c, store := newTestClient(t, b, config.RefreshModeReplay, nav)
	b.expireToken()
	b.mu.Lock()
	b.refreshToken = "rotated-elsewhere"
	b.mu.Unlock()

	_, err := c.Do(WithDestination(context.Background(), "/team"), Request{Method: http.MethodGet, Path: "/things"})
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("err = %v, want session expired", err)
	}
	if hits := atomic.LoadInt32(&b.resourceHits); hits != 2 {
		t.Errorf("resource hit %d times, want 2", hits)
	}
	if store.IsAuthenticated() {
		t.Error("session not cleared")
	}
	if len(nav.locations) != 1 || nav.locations[0] != "/login?redirect=%2Fteam" {
		t.Errorf("navigator got %v", nav.locations)
	}
}

func TestClient_ConcurrentUnauthorizedShareOneRefresh(t *testing.T) {
	b := newBackend(t)
	c, _ := newTestClient(t, b, config.RefreshModeEndpoint, nil)
	b.expireToken()
	b.mu.Lock()
	b.refreshDelay = 100 * time.Millisecond
	b.mu.Unlock()

	const callers = 5
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/things"})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("caller %d: %v", i, err)
		}
	}
	if n := atomic.LoadInt32(&b.refreshCalls); n != 1 {
		t.Errorf("refresh called %d times, want 1", n)
	}
}

func TestDecodeEnvelope(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    string
		wantErr string
	}{
		{name: "enveloped data", body: `{"success":true,"data":{"name":"a"}}`, want: "a"},
		{name: "plain body", body: `{"name":"b"}`, want: "b"},
		{name: "empty body", body: ``, want: ""},
		{name: "null data", body: `{"success":true,"data":null}`, want: ""},
		{name: "failure string", body: `{"success":false,"error":"nope"}`, wantErr: "nope"},
		{name: "failure object", body: `{"success":false,"error":{"code":"E1","message":"bad input"}}`, wantErr: "bad input"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got thing
			err := DecodeEnvelope([]byte(tt.body), &got)
			if tt.wantErr != "" {
				var apiErr *APIError
				if !errors.As(err, &apiErr) || apiErr.Message != tt.wantErr {
					t.Fatalf("err = %v, want APIError %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeEnvelope: %v", err)
			}
			if got.Name != tt.want {
				t.Errorf("Name = %q, want %q", got.Name, tt.want)
			}
		})
	}
}

func TestBearerToken(t *testing.T) {
	tests := map[string]string{
		"Bearer abc":   "abc",
		"bearer abc":   "abc",
		"abc":          "abc",
		"  Bearer x  ": "x",
		"":             "",
	}
	for in, want := range tests {
		if got := BearerToken(in); got != want {
			t.Errorf("BearerToken(%q) = %q, want %q", in, got, want)
		}
	}
}
