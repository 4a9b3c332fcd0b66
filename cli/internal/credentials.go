package cli

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path/filepath"
	"sync"
)

// stateDir returns the directory holding per-context session and cache files
func stateDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "syncday"), nil
}

// sessionPath returns the session file for a context. Each context keeps its
// own login so switching backends never sends one server's token to another.
func sessionPath(contextName string) (string, error) {
	dir, err := stateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, fmt.Sprintf("session-%s.json", contextName)), nil
}

// githubCachePath returns the GitHub OAuth cache file for a context
func githubCachePath(contextName string) (string, error) {
	dir, err := stateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, fmt.Sprintf("github-%s.json", contextName)), nil
}

// cookiesPath returns the file holding the API cookies for a context
func cookiesPath(contextName string) (string, error) {
	dir, err := stateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, fmt.Sprintf("cookies-%s.json", contextName)), nil
}

type storedCookie struct {
	URL   string `json:"url"`
	Name  string `json:"name"`
	Value string `json:"value"`
}

// fileJar is a cookie jar that keeps the API's cookies (such as an HTTP-only
// refresh token) in a file, so a session survives between CLI runs. Only the
// cookies visible at the watched URLs are kept; expiry is left to the server.
type fileJar struct {
	mu    sync.Mutex
	jar   *cookiejar.Jar
	path  string
	watch []*url.URL
}

// newFileJar loads the cookies saved at path for the given URLs
func newFileJar(path string, urls ...string) (*fileJar, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}
	j := &fileJar{jar: jar, path: path}
	for _, raw := range urls {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid cookie url %q: %w", raw, err)
		}
		j.watch = append(j.watch, u)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return j, nil
		}
		return nil, fmt.Errorf("failed to read cookies: %w", err)
	}
	var stored []storedCookie
	if err := json.Unmarshal(data, &stored); err != nil {
		slog.Warn("ignoring unreadable cookie file", slog.String("path", path), slog.String("error", err.Error()))
		return j, nil
	}
	for _, c := range stored {
		u, err := url.Parse(c.URL)
		if err != nil {
			continue
		}
		jar.SetCookies(u, []*http.Cookie{{Name: c.Name, Value: c.Value, Path: cookiePath(u)}})
	}
	return j, nil
}

func (j *fileJar) Cookies(u *url.URL) []*http.Cookie {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.jar.Cookies(u)
}

// SetCookies stores the cookies and writes the jar back to its file
func (j *fileJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.jar.SetCookies(u, cookies)
	if err := j.saveLocked(); err != nil {
		slog.Warn("failed to save cookies", slog.String("path", j.path), slog.String("error", err.Error()))
	}
}

// Clear forgets every cookie and removes the file
func (j *fileJar) Clear() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	jar, err := cookiejar.New(nil)
	if err != nil {
		return err
	}
	j.jar = jar
	if err := os.Remove(j.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove cookies: %w", err)
	}
	return nil
}

func (j *fileJar) saveLocked() error {
	var stored []storedCookie
	seen := make(map[string]bool)
	for _, u := range j.watch {
		for _, c := range j.jar.Cookies(u) {
			if seen[c.Name] {
				continue
			}
			seen[c.Name] = true
			stored = append(stored, storedCookie{URL: u.String(), Name: c.Name, Value: c.Value})
		}
	}

	if len(stored) == 0 {
		if err := os.Remove(j.path); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(j.path), 0700); err != nil {
		return err
	}
	return os.WriteFile(j.path, data, 0600)
}

func cookiePath(u *url.URL) string {
	if u.Path == "" {
		return "/"
	}
	return u.Path
}
