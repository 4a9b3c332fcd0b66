package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/devilmonastery/syncday/internal/config"
	"github.com/devilmonastery/syncday/internal/pkg/urlutil"
)

// maxResponseBody bounds how much of a response is buffered
const maxResponseBody = 10 << 20

// Options configures a Client
type Options struct {
	BaseURL            string
	Timeout            time.Duration
	RefreshMode        string // config.RefreshModeEndpoint or config.RefreshModeReplay
	TokenHeader        string
	RefreshTokenHeader string
	LoginPath          string

	// Navigator is told where to send the user when the session expires
	Navigator Navigator
	// Transport is the underlying round tripper, http.DefaultTransport when nil
	Transport http.RoundTripper
	// Jar carries server-managed cookies such as an HTTP-only refresh token
	Jar http.CookieJar
}

// OptionsFromConfig maps the shared configuration onto client options
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		BaseURL:            cfg.API.BaseURL,
		Timeout:            cfg.API.Timeout,
		RefreshMode:        cfg.API.RefreshMode,
		TokenHeader:        cfg.API.TokenHeader,
		RefreshTokenHeader: cfg.API.RefreshTokenHeader,
		LoginPath:          cfg.Session.LoginPath,
	}
}

// Client sends API requests authenticated from a TokenStore and recovers from
// expired access tokens by refreshing once and replaying the request
type Client struct {
	baseURL       string
	http          *http.Client
	store         TokenStore
	navigator     Navigator
	refreshMode   string
	refreshHeader string
	loginPath     string
	log           *slog.Logger

	state atomic.Int32
}

// New creates a client bound to store
func New(store TokenStore, opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if _, err := url.Parse(opts.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	if opts.RefreshMode == "" {
		opts.RefreshMode = config.RefreshModeEndpoint
	}
	if opts.RefreshMode != config.RefreshModeEndpoint && opts.RefreshMode != config.RefreshModeReplay {
		return nil, fmt.Errorf("unknown refresh mode %q", opts.RefreshMode)
	}
	if opts.RefreshTokenHeader == "" {
		opts.RefreshTokenHeader = "Refresh-Token"
	}
	if opts.LoginPath == "" {
		opts.LoginPath = "/login"
	}
	if opts.Timeout == 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.Navigator == nil {
		opts.Navigator = NavigatorFunc(func(context.Context, string) {})
	}

	return &Client{
		baseURL: opts.BaseURL,
		http: &http.Client{
			Transport: NewAuthTransport(opts.Transport, store, opts.TokenHeader, opts.RefreshTokenHeader),
			Timeout:   opts.Timeout,
			Jar:       opts.Jar,
		},
		store:         store,
		navigator:     opts.Navigator,
		refreshMode:   opts.RefreshMode,
		refreshHeader: opts.RefreshTokenHeader,
		loginPath:     opts.LoginPath,
		log:           slog.Default().With(slog.String("component", "client")),
	}, nil
}

// Request describes one API call. It is never mutated once sent, so a replay
// always goes out exactly as the original did apart from auth headers.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte
}

func (r Request) withHeader(key, value string) Request {
	h := r.Header.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Set(key, value)
	r.Header = h
	return r
}

// Response is a fully read API response
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Do sends req. Non-2xx responses come back as *StatusError; a 401 that cannot
// be recovered comes back as *SessionExpiredError.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	return c.execute(ctx, req, 0)
}

func (c *Client) send(ctx context.Context, req Request) (*Response, error) {
	target, err := urlutil.JoinAPIPath(c.baseURL, req.Path, req.Query)
	if err != nil {
		return nil, fmt.Errorf("invalid request path: %w", err)
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	for k, v := range req.Header {
		httpReq.Header[k] = append([]string(nil), v...)
	}
	if req.Body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

// GetJSON sends a GET and decodes the response data into out
func (c *Client) GetJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	resp, err := c.Do(ctx, Request{Method: http.MethodGet, Path: path, Query: query})
	if err != nil {
		return err
	}
	return DecodeEnvelope(resp.Body, out)
}

// PostJSON sends in as a JSON body and decodes the response data into out.
// out may be nil.
func (c *Client) PostJSON(ctx context.Context, path string, in, out interface{}) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	} else {
		body = []byte("{}")
	}

	resp, err := c.Do(ctx, Request{Method: http.MethodPost, Path: path, Body: body})
	if err != nil {
		return err
	}
	return DecodeEnvelope(resp.Body, out)
}

// APIError is a 2xx response whose envelope reports success=false
type APIError struct {
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return "api reported failure"
	}
	return "api reported failure: " + e.Message
}

// DecodeEnvelope unpacks the backend's {success, data, error} envelope into out.
// Bodies that are not enveloped are decoded as a whole.
func DecodeEnvelope(body []byte, out interface{}) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}

	var env struct {
		Success *bool           `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(body, &env); err != nil || env.Success == nil {
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	}

	if !*env.Success {
		msg := rawMessageText(env.Error)
		if msg == "" {
			msg = env.Message
		}
		return &APIError{Message: msg}
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("failed to decode response data: %w", err)
	}
	return nil
}
