package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/devilmonastery/syncday/internal/client"
	"github.com/devilmonastery/syncday/internal/pkg/urlutil"
)

// maxProxyBody bounds request bodies forwarded to the backend
const maxProxyBody = 5 << 20

// forwarded request headers; auth headers are always set from the session
var proxyRequestHeaders = []string{"Content-Type", "If-None-Match", "Accept-Language"}

// APIProxy forwards /api/... to the backend with the session's token. An expired
// access token is refreshed and the call replayed by the client; a session that
// cannot be renewed answers 401 with the login location.
func (h *Handler) APIProxy(w http.ResponseWriter, r *http.Request) {
	v, err := h.visitorFor(r)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "session unavailable")
		return
	}

	var body []byte
	if r.Body != nil && r.Method != http.MethodGet && r.Method != http.MethodHead {
		body, err = io.ReadAll(io.LimitReader(r.Body, maxProxyBody))
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "failed to read request body")
			return
		}
	}

	req := client.Request{
		Method: r.Method,
		Path:   strings.TrimPrefix(r.URL.Path, "/api"),
		Query:  r.URL.Query(),
		Header: http.Header{},
		Body:   body,
	}
	for _, name := range proxyRequestHeaders {
		if value := r.Header.Get(name); value != "" {
			req.Header.Set(name, value)
		}
	}

	// an expired session sends the user back to the page they were on
	dest := urlutil.SafeRedirect(r.Header.Get("X-Page-Path"), r.URL.RequestURI())
	ctx := client.WithDestination(r.Context(), dest)

	resp, err := v.client.Do(ctx, req)
	if err != nil {
		// backend errors pass through as the backend wrote them
		var expired *client.SessionExpiredError
		var status *client.StatusError
		if !errors.As(err, &expired) && errors.As(err, &status) {
			writeRaw(w, status.StatusCode, "application/json", status.Body)
			return
		}
		h.respondAPIError(w, r, err, false)
		return
	}
	writeRaw(w, resp.StatusCode, resp.Header.Get("Content-Type"), resp.Body)
}

func writeRaw(w http.ResponseWriter, status int, contentType string, body []byte) {
	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	w.WriteHeader(status)
	w.Write(body)
}
