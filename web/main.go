package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devilmonastery/syncday/internal/client"
	"github.com/devilmonastery/syncday/internal/config"
	"github.com/devilmonastery/syncday/internal/pkg/idgen"
	"github.com/devilmonastery/syncday/internal/pkg/logger"
	"github.com/devilmonastery/syncday/internal/session"
	"github.com/devilmonastery/syncday/web/internal/handlers"
	websession "github.com/devilmonastery/syncday/web/internal/session"
)

// setupWebLogging configures the global logger for the web service
func setupWebLogging(logLevel, logFormat string) error {
	cfg := logger.Config{
		Level:       logger.ParseLevel(logLevel),
		LogToStderr: true, // Web service always logs to stderr
		Format:      logFormat,
	}

	globalLogger, err := logger.SetupLogger(cfg)
	if err != nil {
		return err
	}

	// Set as default logger so all slog.Info/Warn/Error calls use our configured logger
	slog.SetDefault(globalLogger)

	return nil
}

func main() {
	configPath := flag.String("config", "", "path to config file")
	nodeID := flag.Int64("node-id", 1, "snowflake node id for session and request ids")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Set up structured logging (must be done before any logging calls)
	if err = setupWebLogging(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to setup logging: %v\n", err)
		os.Exit(1)
	}

	log := slog.Default().With("component", "web")
	log.Info("starting syncday web gateway", slog.String("env", cfg.Env), slog.String("api", cfg.API.BaseURL))

	if err := idgen.Initialize(*nodeID); err != nil {
		log.Error("failed to initialize id generator", slog.Any("error", err))
		os.Exit(1)
	}

	sessionSecret := loadSessionSecret(cfg, log)
	cookies := websession.NewManager(sessionSecret, !cfg.IsDevelopment())

	opts := client.OptionsFromConfig(cfg)
	registry := session.NewRegistry(cfg.Session.IdleTTL, handlers.StoreFactory(opts, log))

	h := handlers.New(cfg, opts, cookies, registry, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go sweepSessions(ctx, h, cfg.Session.IdleTTL, log)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           h.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("graceful shutdown failed", slog.Any("error", err))
		}
	}()

	log.Info("listening", slog.String("address", addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("failed to start server", slog.Any("error", err))
		os.Exit(1)
	}
	log.Info("web gateway stopped")
}

// loadSessionSecret decodes the configured cookie secret (config file or
// SESSION_SECRET), falling back to a random one
func loadSessionSecret(cfg *config.Config, log *slog.Logger) []byte {
	if cfg.Session.Secret != "" {
		secret, err := base64.StdEncoding.DecodeString(cfg.Session.Secret)
		if err == nil {
			log.Info("using session secret (sessions will persist across restarts)")
			return secret
		}
		log.Warn("failed to decode session secret, generating a temporary one", slog.Any("error", err))
	} else {
		log.Warn("no session secret configured, generating random one (sessions won't persist)")
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		log.Error("failed to generate session secret", slog.Any("error", err))
		os.Exit(1)
	}
	return secret
}

// sweepSessions periodically drops idle browser sessions
func sweepSessions(ctx context.Context, h *handlers.Handler, idleTTL time.Duration, log *slog.Logger) {
	interval := idleTTL / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := h.Sweep(); removed > 0 {
				log.Debug("dropped idle sessions", slog.Int("count", removed))
			}
		}
	}
}
