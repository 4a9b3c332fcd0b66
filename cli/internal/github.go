package cli

import (
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"runtime"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/devilmonastery/syncday/internal/github"
)

// connectTimeout bounds how long the CLI waits for the browser to come back
const connectTimeout = 5 * time.Minute

var successPage = template.Must(template.New("success").Parse(`<!DOCTYPE html>
<html>
<head>
	<meta charset="UTF-8">
	<title>GitHub Connected</title>
	<style>
		body {
			font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif;
			text-align: center;
			padding: 50px;
			background: #f5f5f5;
		}
		.container {
			max-width: 500px;
			margin: 0 auto;
			background: white;
			padding: 40px;
			border-radius: 12px;
			box-shadow: 0 2px 8px rgba(0,0,0,0.1);
		}
		h1 { color: #10b981; }
		.install-link {
			display: inline-block;
			padding: 12px 24px;
			background: #24292f;
			color: white;
			text-decoration: none;
			border-radius: 6px;
		}
	</style>
</head>
<body>
	<div class="container">
		<h1>GitHub Connected</h1>
		<p>You can close this window and return to the terminal.</p>
		{{if .InstallURL}}
		<p><a href="{{.InstallURL}}" class="install-link">Install the SyncDay GitHub App</a></p>
		{{end}}
	</div>
</body>
</html>`))

func newGitHubCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "github",
		Short: "Connect GitHub and manage app installations",
	}

	cmd.AddCommand(newGitHubConnectCommand())
	cmd.AddCommand(newGitHubInstallCommand())
	cmd.AddCommand(newGitHubInstallationCommand())

	return cmd
}

func newGitHubConnectCommand() *cobra.Command {
	var noBrowser, force bool

	cmd := &cobra.Command{
		Use:         "connect",
		Short:       "Authorize SyncDay to access your GitHub account",
		Annotations: map[string]string{requiresAuth: "true"},
		Long: `Opens GitHub in the browser and waits for the authorization callback on the
configured redirect URI, which must point at this machine (e.g.
http://127.0.0.1:8085/callback).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCtx := getCliContext(cmd)
			log := cliCtx.Logger

			oauth, err := github.NewOAuth(cliCtx.Config.GitHub, cliCtx.Client)
			if err != nil {
				return err
			}
			if _, connected := oauth.Token(); connected && !force {
				fmt.Println("✓ GitHub account already connected (use --force to authorize again)")
				if installURL, err := oauth.InstallURL(); err == nil {
					fmt.Printf("Install the GitHub App: %s\n", installURL)
				}
				return nil
			}

			redirect, err := url.Parse(cliCtx.Config.GitHub.RedirectURI)
			if err != nil {
				return fmt.Errorf("invalid github redirect uri: %w", err)
			}
			if !isLoopback(redirect.Hostname()) {
				return fmt.Errorf("github redirect uri %s is not on this machine; connect through the web app instead", redirect)
			}

			listener, err := net.Listen("tcp", redirect.Host)
			if err != nil {
				return fmt.Errorf("failed to start callback server on %s: %w (is another instance running?)", redirect.Host, err)
			}

			type result struct {
				conn *github.Connection
				err  error
			}
			results := make(chan result, 1)
			report := func(r result) {
				// only the first callback counts
				select {
				case results <- r:
				default:
				}
			}

			callbackPath := redirect.Path
			if callbackPath == "" {
				callbackPath = "/"
			}
			mux := http.NewServeMux()
			mux.HandleFunc(callbackPath, func(w http.ResponseWriter, r *http.Request) {
				q := r.URL.Query()
				if ghErr := q.Get("error"); ghErr != "" {
					http.Error(w, "Authorization failed", http.StatusBadRequest)
					report(result{err: fmt.Errorf("github authorization failed: %s", ghErr)})
					return
				}

				conn, err := oauth.Callback(r.Context(), q.Get("code"), q.Get("state"))
				if err != nil {
					status := http.StatusBadGateway
					if errors.Is(err, github.ErrInvalidState) || errors.Is(err, github.ErrMissingCode) {
						status = http.StatusBadRequest
					}
					http.Error(w, "Authorization failed", status)
					report(result{err: err})
					return
				}

				w.Header().Set("Content-Type", "text/html; charset=utf-8")
				if err := successPage.Execute(w, conn); err != nil {
					log.Warn("failed to render success page", slog.String("error", err.Error()))
				}
				report(result{conn: conn})
			})

			server := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("callback server failed", slog.String("error", err.Error()))
				}
			}()
			defer server.Close()

			authURL, _ := oauth.Begin("")
			fmt.Println("\nOpening browser to authorize GitHub...")
			fmt.Printf("If the browser doesn't open automatically, visit:\n%s\n\n", authURL)
			if !noBrowser {
				if err := openBrowser(authURL); err != nil {
					fmt.Printf("Failed to open browser automatically: %v\n", err)
				}
			}
			fmt.Println("Waiting for authorization...")

			var res result
			select {
			case res = <-results:
			case <-time.After(connectTimeout):
				return fmt.Errorf("authorization timeout")
			case <-cmd.Context().Done():
				return cmd.Context().Err()
			}
			if res.err != nil {
				return res.err
			}

			fmt.Println("\n✓ GitHub account connected")
			if res.conn.InstallURL != "" {
				fmt.Printf("  Install the GitHub App: %s\n", res.conn.InstallURL)
				fmt.Println("  Then run 'syncday github install <installation-id>'")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&noBrowser, "no-browser", false, "Print the authorization URL without opening a browser")
	cmd.Flags().BoolVar(&force, "force", false, "Authorize again even if a GitHub token is cached")

	return cmd
}

func newGitHubInstallCommand() *cobra.Command {
	return &cobra.Command{
		Use:         "install INSTALLATION_ID",
		Short:       "Link a GitHub App installation to your account",
		Args:        cobra.ExactArgs(1),
		Annotations: map[string]string{requiresAuth: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCtx := getCliContext(cmd)
			installs := github.NewInstallations(cliCtx.Client, cliCtx.Config.GitHub.CacheTTL)

			if err := installs.Register(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("✓ Installation %s linked\n", args[0])
			return nil
		},
	}
}

func newGitHubInstallationCommand() *cobra.Command {
	return &cobra.Command{
		Use:         "installation INSTALLATION_ID...",
		Aliases:     []string{"installations"},
		Short:       "Show GitHub App installations",
		Args:        cobra.MinimumNArgs(1),
		Annotations: map[string]string{requiresAuth: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCtx := getCliContext(cmd)
			installs := github.NewInstallations(cliCtx.Client, cliCtx.Config.GitHub.CacheTTL)

			found, err := installs.GetMany(cmd.Context(), args)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "ID\tACCOUNT\tTYPE")
			for _, id := range args {
				inst, ok := found[id]
				if !ok {
					continue
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", id, valueOr(inst.AccountLogin, "-"), valueOr(inst.AccountType, "-"))
			}
			return w.Flush()
		},
	}
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// openBrowser tries to open the URL in a browser
func openBrowser(url string) error {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "linux":
		cmd = exec.Command("xdg-open", url)
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		return fmt.Errorf("unsupported platform")
	}

	return cmd.Start()
}
