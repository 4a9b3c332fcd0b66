package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/devilmonastery/syncday/internal/github"
	"github.com/devilmonastery/syncday/internal/pkg/urlutil"
	websession "github.com/devilmonastery/syncday/web/internal/session"
)

// GitHubConnect starts the GitHub authorization and sends the browser to GitHub.
// The state is also kept in the cookie so a callback is only accepted by the
// browser that started it. A session that is already connected goes straight to
// the app installation page unless force is set.
func (h *Handler) GitHubConnect(w http.ResponseWriter, r *http.Request) {
	v, err := h.visitorFor(r)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "session unavailable")
		return
	}
	if v.oauth == nil {
		h.writeError(w, http.StatusServiceUnavailable, "github is not configured")
		return
	}

	returnTo := urlutil.SafeRedirect(r.URL.Query().Get("redirect"), h.cfg.Session.HomePath)
	if _, connected := v.oauth.Token(); connected && r.URL.Query().Get("force") == "" {
		if installURL, err := v.oauth.InstallURL(); err == nil {
			http.Redirect(w, r, installURL, http.StatusSeeOther)
			return
		}
		http.Redirect(w, r, returnTo, http.StatusSeeOther)
		return
	}

	authURL, state := v.oauth.Begin(returnTo)
	if err := h.cookies.SetValue(r, w, websession.OAuthStateKey, state); err != nil {
		h.log.Error("failed to save oauth state", slog.String("error", err.Error()))
		h.writeError(w, http.StatusInternalServerError, "failed to start github authorization")
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// GitHubCallback completes the authorization and continues to the app install page
func (h *Handler) GitHubCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if errorParam := q.Get("error"); errorParam != "" {
		h.log.Warn("github authorization denied",
			slog.String("error", errorParam),
			slog.String("error_description", q.Get("error_description")))
		h.writeError(w, http.StatusBadRequest, "github authorization failed")
		return
	}

	v, err := h.visitorFor(r)
	if err != nil || v.oauth == nil {
		h.writeError(w, http.StatusServiceUnavailable, "github is not configured")
		return
	}

	state := q.Get("state")
	saved, err := h.cookies.TakeValue(r, w, websession.OAuthStateKey)
	if err != nil || saved == "" || saved != state {
		h.log.Warn("github callback state does not match this browser")
		h.writeError(w, http.StatusBadRequest, "invalid state parameter")
		return
	}

	conn, err := v.oauth.Callback(r.Context(), q.Get("code"), state)
	if err != nil {
		if errors.Is(err, github.ErrInvalidState) || errors.Is(err, github.ErrMissingCode) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.respondAPIError(w, r, err, true)
		return
	}

	if conn.InstallURL != "" {
		http.Redirect(w, r, conn.InstallURL, http.StatusSeeOther)
		return
	}
	http.Redirect(w, r, urlutil.SafeRedirect(conn.ReturnTo, h.cfg.Session.HomePath), http.StatusSeeOther)
}

// GitHubSetup receives GitHub's redirect after an app installation and links
// the installation to the account
func (h *Handler) GitHubSetup(w http.ResponseWriter, r *http.Request) {
	installationID := r.URL.Query().Get("installation_id")
	if installationID == "" {
		h.writeError(w, http.StatusBadRequest, github.ErrMissingInstallationID.Error())
		return
	}

	v, err := h.visitorFor(r)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "session unavailable")
		return
	}
	if err := v.installs.Register(r.Context(), installationID); err != nil {
		h.respondAPIError(w, r, err, true)
		return
	}

	h.log.Info("github installation linked",
		slog.String("installation_id", installationID),
		slog.String("setup_action", r.URL.Query().Get("setup_action")))
	http.Redirect(w, r, h.cfg.Session.HomePath, http.StatusSeeOther)
}

// GitHubInstallations returns the installations named by repeated id parameters
func (h *Handler) GitHubInstallations(w http.ResponseWriter, r *http.Request) {
	ids := r.URL.Query()["id"]
	if len(ids) == 0 {
		h.writeError(w, http.StatusBadRequest, github.ErrMissingInstallationID.Error())
		return
	}

	v, err := h.visitorFor(r)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "session unavailable")
		return
	}
	found, err := v.installs.GetMany(r.Context(), ids)
	if err != nil {
		h.respondAPIError(w, r, err, false)
		return
	}

	list := make([]*github.Installation, 0, len(found))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if inst, ok := found[id]; ok && !seen[id] {
			seen[id] = true
			list = append(list, inst)
		}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"data":    list,
	})
}
