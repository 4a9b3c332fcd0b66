package cli

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/devilmonastery/syncday/internal/github"
	"github.com/devilmonastery/syncday/internal/pkg/logger"
	"github.com/devilmonastery/syncday/internal/session"
)

// formatDuration formats a duration in a human-friendly way (e.g., "2 days, 3 hours and 45 minutes")
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = -d
	}

	days := int(d.Hours() / 24)
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	var parts []string
	if days > 0 {
		parts = append(parts, plural(days, "day"))
	}
	if hours > 0 {
		parts = append(parts, plural(hours, "hour"))
	}
	if minutes > 0 {
		parts = append(parts, plural(minutes, "minute"))
	}
	if len(parts) == 0 && seconds > 0 {
		parts = append(parts, plural(seconds, "second"))
	}

	switch len(parts) {
	case 0:
		return "0 seconds"
	case 1:
		return parts[0]
	default:
		return strings.Join(parts[:len(parts)-1], ", ") + " and " + parts[len(parts)-1]
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

func newAuthCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Authentication commands",
		Long:  `Manage the SyncDay session for the current context`,
	}

	cmd.AddCommand(newAuthLoginCommand())
	cmd.AddCommand(newAuthLogoutCommand())
	cmd.AddCommand(newAuthStatusCommand())
	cmd.AddCommand(newAuthTokenCommand())
	cmd.AddCommand(newAuthRefreshCommand())

	return cmd
}

func newAuthLoginCommand() *cobra.Command {
	var (
		email    string
		password string
	)

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Login to SyncDay",
		Long: `Authenticate with email and password. The session is stored per context
and renewed automatically while the refresh token is valid.

Examples:
  # Prompt for email and password
  syncday auth login

  # Login to the production context
  syncday --context prod auth login --email user@example.com`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCtx := getCliContext(cmd)
			log := cliCtx.Logger

			var err error
			if email == "" || password == "" {
				email, password, err = promptCredentials(email)
				if err != nil {
					return err
				}
			}

			log.Info("Starting login", slog.String("context", cliCtx.ContextName))
			if err := cliCtx.Store.Login(cmd.Context(), session.Credentials{Email: email, Password: password}); err != nil {
				if session.IsRejected(err) {
					return fmt.Errorf("login failed: invalid email or password")
				}
				return fmt.Errorf("login failed: %w", err)
			}

			user := cliCtx.Store.User()
			fmt.Printf("✓ Successfully logged in as %s\n", displayName(user))
			if exp := session.ExpiresAt(cliCtx.Store.AccessToken()); !exp.IsZero() {
				fmt.Printf("  Token expires: %s\n", exp.Local().Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&email, "email", "e", "", "Email address (if not provided, will prompt)")
	cmd.Flags().StringVarP(&password, "password", "p", "", "Password (if not provided, will prompt)")

	return cmd
}

func newAuthLogoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Logout from SyncDay",
		Long:  `End the session on the server and remove the stored session`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCtx := getCliContext(cmd)

			// load the stored session so the server can revoke it
			if _, err := cliCtx.Store.InitializeAuth(cmd.Context()); err != nil {
				cliCtx.Logger.Warn("could not restore session before logout", slog.String("error", err.Error()))
			}
			cliCtx.Store.Logout(cmd.Context())
			if err := cliCtx.Cookies.Clear(); err != nil {
				cliCtx.Logger.Warn("failed to remove stored cookies", slog.String("error", err.Error()))
			}
			// the GitHub token was granted to this login
			if oauth, err := github.NewOAuth(cliCtx.Config.GitHub, cliCtx.Client); err == nil {
				oauth.Forget()
			}

			fmt.Println("✓ Successfully logged out")
			return nil
		},
	}
}

func newAuthStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show authentication status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCtx := getCliContext(cmd)

			ok, err := cliCtx.Store.InitializeAuth(cmd.Context())
			if err != nil {
				return fmt.Errorf("could not check session: %w", err)
			}
			if !ok {
				fmt.Println("Not logged in")
				return nil
			}

			user := cliCtx.Store.User()
			fmt.Printf("Context: %s\n", cliCtx.ContextName)
			fmt.Printf("Logged in as: %s\n", displayName(user))
			fmt.Printf("User ID: %s\n", user.ID)
			if user.Role != "" {
				fmt.Printf("Role: %s\n", user.Role)
			}
			if oauth, err := github.NewOAuth(cliCtx.Config.GitHub, cliCtx.Client); err == nil {
				if _, connected := oauth.Token(); connected {
					fmt.Println("GitHub: connected")
				} else {
					fmt.Println("GitHub: not connected")
				}
			}

			token := cliCtx.Store.AccessToken()
			expiresAt := session.ExpiresAt(token)
			if expiresAt.IsZero() {
				fmt.Println("Token expiry: unknown (opaque token)")
				return nil
			}
			fmt.Printf("Token expires: %s\n", expiresAt.Local().Format("2006-01-02 15:04:05 MST"))
			if remaining := time.Until(expiresAt); remaining > 0 {
				fmt.Printf("✓  Valid for %s\n", formatDuration(remaining))
			} else {
				fmt.Printf("⚠  Token expired %s ago - it will be refreshed on the next request\n", formatDuration(remaining))
			}
			return nil
		},
	}
}

func newAuthTokenCommand() *cobra.Command {
	return &cobra.Command{
		Use:         "token",
		Short:       "Display the current access token",
		Annotations: map[string]string{requiresAuth: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(getCliContext(cmd).Store.AccessToken())
			return nil
		},
	}
}

func newAuthRefreshCommand() *cobra.Command {
	return &cobra.Command{
		Use:         "refresh",
		Short:       "Renew the access token now",
		Annotations: map[string]string{requiresAuth: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCtx := getCliContext(cmd)

			token, err := cliCtx.Store.Refresh(cmd.Context())
			if err != nil {
				if session.IsRejected(err) {
					cliCtx.Store.Logout(cmd.Context())
					return fmt.Errorf("session expired\nPlease run 'syncday auth login' again")
				}
				return fmt.Errorf("refresh failed: %w", err)
			}

			fmt.Println("✓ Access token renewed")
			cliCtx.Logger.Debug("token refreshed", slog.String("token", logger.TokenPreview(token)))
			if exp := session.ExpiresAt(token); !exp.IsZero() {
				fmt.Printf("  Valid for %s\n", formatDuration(time.Until(exp)))
			}
			return nil
		},
	}
}

func displayName(user *session.User) string {
	if user == nil {
		return "unknown user"
	}
	if user.Email != "" {
		return user.Email
	}
	if user.DisplayName != "" {
		return user.DisplayName
	}
	return user.ID
}

func promptCredentials(email string) (string, string, error) {
	if email == "" {
		fmt.Print("Email: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			return "", "", fmt.Errorf("failed to read email: %w", err)
		}
		email = strings.TrimSpace(line)
	}

	// Get password (hidden)
	fmt.Print("Password: ")
	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println() // newline after password input
	if err != nil {
		return "", "", fmt.Errorf("failed to read password: %w", err)
	}

	return email, string(passwordBytes), nil
}
