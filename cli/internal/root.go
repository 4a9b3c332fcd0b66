package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/devilmonastery/syncday/internal/client"
	"github.com/devilmonastery/syncday/internal/config"
	"github.com/devilmonastery/syncday/internal/guard"
	"github.com/devilmonastery/syncday/internal/pkg/logger"
	"github.com/devilmonastery/syncday/internal/pkg/urlutil"
	"github.com/devilmonastery/syncday/internal/session"
)

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

const cliContextKey contextKey = "cliContext"

// requiresAuth marks commands that need a logged-in session
const requiresAuth = "requires-auth"

// CliContext holds shared CLI context
type CliContext struct {
	Contexts    *Config
	ContextName string
	Config      *config.Config
	Store       *session.Store
	Auth        *client.AuthAPI
	Cookies     *fileJar
	Client      *client.Client
	Logger      *slog.Logger
}

// Global flags
var (
	logLevel      string
	logFile       string
	logToStderr   bool
	alsoLogStderr bool
	logFormat     string
	configFile    string
	contextName   string
)

// NewRootCommand creates the root cobra command
func NewRootCommand() *cobra.Command {
	var ctx CliContext

	rootCmd := &cobra.Command{
		Use:           "syncday",
		Short:         "CLI for the SyncDay API",
		Long:          `A command line interface for signing in to SyncDay, connecting GitHub and calling the API.`,
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors (main.go handles it)
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := setupLogging(); err != nil {
				return fmt.Errorf("failed to setup logging: %w", err)
			}

			ctx.Logger = logger.WithCommand(slog.Default().With("component", "cli"), cmd.CommandPath())
			ctx.Logger.Debug("CLI started")

			// config commands only touch the contexts file
			if isConfigCommand(cmd) {
				return nil
			}

			if err := ctx.setup(); err != nil {
				return err
			}
			cmd.SetContext(context.WithValue(cmd.Context(), cliContextKey, &ctx))

			if cmd.Annotations[requiresAuth] == "true" {
				return ctx.requireSession(cmd)
			}
			return nil
		},
	}

	rootCmd.AddCommand(newAuthCommand())
	rootCmd.AddCommand(newConfigCommand())
	rootCmd.AddCommand(newGitHubCommand())
	rootCmd.AddCommand(newAPICommand())

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn",
		"Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "",
		"Log file path (if specified, logs to file instead of stderr)")
	rootCmd.PersistentFlags().BoolVar(&logToStderr, "logtostderr", false,
		"Log to stderr (default behavior unless --log-file specified)")
	rootCmd.PersistentFlags().BoolVar(&alsoLogStderr, "alsologtostderr", false,
		"Log to both file and stderr")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text",
		"Log format (text, json)")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "",
		"Shared syncday config file (default: search ./config, /etc/syncday)")
	rootCmd.PersistentFlags().StringVar(&contextName, "context", "",
		"Context to use instead of the current one")

	return rootCmd
}

// setup loads configuration for the selected context and wires the session
// store, the identity API and the API client together
func (c *CliContext) setup() error {
	contexts, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	name := contexts.CurrentContext
	if contextName != "" {
		name = contextName
	}
	selected, ok := contexts.Contexts[name]
	if !ok {
		return fmt.Errorf("context %q not found", name)
	}

	path := configFile
	if path == "" {
		path = selected.ConfigFile
	}
	cfg, err := config.Load(path, selected.Apply)
	if err != nil {
		return err
	}

	if cfg.Session.File == "" {
		if cfg.Session.File, err = sessionPath(name); err != nil {
			return err
		}
	}
	if cfg.GitHub.CacheFile == "" {
		if cfg.GitHub.CacheFile, err = githubCachePath(name); err != nil {
			return err
		}
	}

	jarFile, err := cookiesPath(name)
	if err != nil {
		return err
	}
	refreshURL, err := urlutil.JoinAPIPath(cfg.API.BaseURL, client.RefreshPath, nil)
	if err != nil {
		return fmt.Errorf("invalid api url: %w", err)
	}
	jar, err := newFileJar(jarFile, cfg.API.BaseURL, refreshURL)
	if err != nil {
		return err
	}
	opts := client.OptionsFromConfig(cfg)
	opts.Jar = jar
	opts.Navigator = client.NavigatorFunc(func(context.Context, string) {
		fmt.Fprintln(os.Stderr, "Session expired. Please run 'syncday auth login' to sign in again.")
	})

	auth := client.NewAuthAPI(opts)
	store := session.NewStore(auth, session.NewFilePersister(cfg.Session.File))
	apiClient, err := client.New(store, opts)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}

	c.Contexts = contexts
	c.ContextName = name
	c.Config = cfg
	c.Auth = auth
	c.Cookies = jar
	c.Store = store
	c.Client = apiClient
	c.Logger.Debug("client configured",
		slog.String("context", name),
		slog.String("api", cfg.API.BaseURL),
		slog.String("session_file", cfg.Session.File))
	return nil
}

// requireSession runs the route guard for a command. The command path stands in
// for the route, so a missing session redirects to the login command.
func (c *CliContext) requireSession(cmd *cobra.Command) error {
	g := guard.New(c.Config.Session.LoginPath, c.Config.Session.HomePath)
	decision, err := g.Check(cmd.Context(), c.Store, guard.Target{
		Path:         cmd.CommandPath(),
		RequiresAuth: true,
	})
	if err != nil {
		return err
	}
	if !decision.Allow {
		return fmt.Errorf("not logged in\nPlease run 'syncday auth login' first")
	}
	return nil
}

func isConfigCommand(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Name() == "config" {
			return true
		}
	}
	return false
}

// setupLogging configures the global logger based on CLI flags
func setupLogging() error {
	// Default to stderr logging unless file is specified
	if logFile == "" {
		logToStderr = true
	}

	cfg := logger.Config{
		Level:         logger.ParseLevel(logLevel),
		LogFile:       logFile,
		LogToStderr:   logToStderr,
		AlsoLogStderr: alsoLogStderr,
		Format:        logFormat,
	}

	globalLogger, err := logger.SetupLogger(cfg)
	if err != nil {
		return err
	}

	slog.SetDefault(globalLogger)
	return nil
}

// getCliContext extracts the CLI context from the command context
func getCliContext(cmd *cobra.Command) *CliContext {
	return cmd.Context().Value(cliContextKey).(*CliContext)
}
