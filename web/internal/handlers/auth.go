package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"

	"github.com/devilmonastery/syncday/internal/pkg/logger"
	"github.com/devilmonastery/syncday/internal/pkg/urlutil"
	"github.com/devilmonastery/syncday/internal/session"
	"github.com/devilmonastery/syncday/web/internal/middleware"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Redirect string `json:"redirect"`
}

// Home reports the visitor's session state
func (h *Handler) Home(w http.ResponseWriter, r *http.Request) {
	store := middleware.StoreFrom(r.Context())

	// settle a returning visitor's session before answering
	if _, err := store.InitializeAuth(r.Context()); err != nil {
		h.log.Debug("session check failed", slog.String("error", err.Error()))
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"authenticated": store.IsAuthenticated(),
		"user":          store.User(),
	})
}

// LoginPage describes the login form. Visitors who are already signed in never
// get here; the guard sends them home.
func (h *Handler) LoginPage(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"authenticated": false,
		"action":        h.cfg.Session.LoginPath,
		"redirect":      urlutil.SafeRedirect(r.URL.Query().Get("redirect"), h.cfg.Session.HomePath),
	})
}

// Login handles form or JSON email/password login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	req, isJSON, err := parseLogin(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid login request")
		return
	}

	store := middleware.StoreFrom(r.Context())
	err = store.Login(r.Context(), session.Credentials{Email: req.Email, Password: req.Password})
	switch {
	case err == nil:
	case session.IsRejected(err), errors.Is(err, session.ErrMissingCredentials):
		h.log.Info("login rejected", slog.String("error", err.Error()))
		h.writeError(w, http.StatusUnauthorized, "invalid email or password")
		return
	default:
		h.log.Error("login failed", slog.String("error", err.Error()))
		h.writeError(w, http.StatusBadGateway, "login is unavailable, try again later")
		return
	}

	dest := urlutil.SafeRedirect(req.Redirect, h.cfg.Session.HomePath)
	if user := store.User(); user != nil {
		logger.WithUser(h.log, user.ID).Info("user logged in")
	}
	if isJSON {
		h.writeJSON(w, http.StatusOK, map[string]interface{}{
			"success":  true,
			"user":     store.User(),
			"redirect": dest,
		})
		return
	}
	http.Redirect(w, r, dest, http.StatusSeeOther)
}

// Logout ends the session on the backend and forgets the browser session
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	store := middleware.StoreFrom(r.Context())
	store.Logout(r.Context())

	h.forget(middleware.SessionIDFrom(r.Context()))
	if err := h.cookies.Clear(r, w); err != nil {
		h.log.Error("error clearing session", slog.String("error", err.Error()))
	}
	http.Redirect(w, r, h.cfg.Session.LoginPath, http.StatusSeeOther)
}

// Me returns the signed-in user and whether GitHub is connected in this session
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	connected := false
	if v, err := h.visitorFor(r); err == nil && v.oauth != nil {
		_, connected = v.oauth.Token()
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"data":    middleware.StoreFrom(r.Context()).User(),
		"github":  map[string]bool{"connected": connected},
	})
}

func parseLogin(r *http.Request) (loginRequest, bool, error) {
	var req loginRequest
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req)
		return req, true, err
	}

	if err := r.ParseForm(); err != nil {
		return req, false, err
	}
	req.Email = r.PostForm.Get("email")
	req.Password = r.PostForm.Get("password")
	req.Redirect = r.PostForm.Get("redirect")
	if req.Redirect == "" {
		req.Redirect = r.URL.Query().Get("redirect")
	}
	return req, false, nil
}
