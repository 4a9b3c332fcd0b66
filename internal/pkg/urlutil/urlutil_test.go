package urlutil

import (
	"net/url"
	"testing"
)

func TestLoginURL(t *testing.T) {
	tests := []struct {
		name      string
		loginPath string
		redirect  string
		want      string
	}{
		{
			name:      "with redirect",
			loginPath: "/login",
			redirect:  "/projects/42",
			want:      "/login?redirect=%2Fprojects%2F42",
		},
		{
			name:      "redirect with query",
			loginPath: "/login",
			redirect:  "/search?q=a b",
			want:      "/login?redirect=%2Fsearch%3Fq%3Da+b",
		},
		{
			name:      "no redirect",
			loginPath: "/login",
			want:      "/login",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := LoginURL(tt.loginPath, tt.redirect)
			if got != tt.want {
				t.Errorf("LoginURL() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSafeRedirect(t *testing.T) {
	tests := []struct {
		dest string
		want string
	}{
		{dest: "/projects/1", want: "/projects/1"},
		{dest: "/search?q=x", want: "/search?q=x"},
		{dest: "", want: "/"},
		{dest: "//evil.example.com", want: "/"},
		{dest: "/\\evil.example.com", want: "/"},
		{dest: "https://evil.example.com/", want: "/"},
		{dest: "relative/path", want: "/"},
	}

	for _, tt := range tests {
		t.Run(tt.dest, func(t *testing.T) {
			if got := SafeRedirect(tt.dest, "/"); got != tt.want {
				t.Errorf("SafeRedirect(%q) = %q, want %q", tt.dest, got, tt.want)
			}
		})
	}
}

func TestGitHubAppInstallURL(t *testing.T) {
	got := GitHubAppInstallURL("syncday-app")
	want := "https://github.com/apps/syncday-app/installations/new"
	if got != want {
		t.Errorf("GitHubAppInstallURL() = %v, want %v", got, want)
	}
}

func TestJoinAPIPath(t *testing.T) {
	tests := []struct {
		name    string
		baseURL string
		path    string
		query   url.Values
		want    string
		wantErr bool
	}{
		{
			name:    "keeps base path",
			baseURL: "https://api.syncday.me/api",
			path:    "/user/profile",
			want:    "https://api.syncday.me/api/user/profile",
		},
		{
			name:    "trailing slash on base",
			baseURL: "http://localhost:9000/api/",
			path:    "vcs/installations/7",
			want:    "http://localhost:9000/api/vcs/installations/7",
		},
		{
			name:    "with query",
			baseURL: "http://localhost:9000",
			path:    "/projects",
			query:   url.Values{"page": []string{"2"}},
			want:    "http://localhost:9000/projects?page=2",
		},
		{
			name:    "invalid base",
			baseURL: "://bad",
			path:    "/x",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := JoinAPIPath(tt.baseURL, tt.path, tt.query)
			if (err != nil) != tt.wantErr {
				t.Fatalf("JoinAPIPath() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("JoinAPIPath() = %v, want %v", got, tt.want)
			}
		})
	}
}
