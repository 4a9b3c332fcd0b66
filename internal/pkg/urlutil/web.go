package urlutil

import (
	"fmt"
	"net/url"
	"strings"
)

// LoginURL builds the login location that carries the originally requested path.
// Returns a URL like: /login?redirect=%2Fprojects%2F42
func LoginURL(loginPath, redirect string) string {
	u := &url.URL{Path: loginPath}
	if redirect != "" {
		q := url.Values{}
		q.Set("redirect", redirect)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// SafeRedirect returns dest when it is a local absolute path, fallback otherwise.
// Protocol-relative ("//host") and absolute URLs are refused so a crafted
// redirect parameter cannot send the user off-site.
func SafeRedirect(dest, fallback string) string {
	if dest == "" || !strings.HasPrefix(dest, "/") || strings.HasPrefix(dest, "//") || strings.HasPrefix(dest, "/\\") {
		return fallback
	}
	u, err := url.Parse(dest)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return fallback
	}
	return dest
}

// GitHubAppInstallURL builds the installation page URL for a GitHub App.
// Returns a URL like: https://github.com/apps/{slug}/installations/new
func GitHubAppInstallURL(appSlug string) string {
	return fmt.Sprintf("https://github.com/apps/%s/installations/new", url.PathEscape(appSlug))
}

// JoinAPIPath resolves an API path against the base URL, keeping the base path prefix.
// Returns a URL like: {baseURL}/user/profile
func JoinAPIPath(baseURL, path string, query url.Values) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String(), nil
}
