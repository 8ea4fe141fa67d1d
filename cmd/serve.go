package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/omnilead/omnilead/internal/app"
	"github.com/omnilead/omnilead/internal/config"
	"github.com/omnilead/omnilead/internal/log"
	"github.com/omnilead/omnilead/internal/web"
)

const shutdownTimeout = 30 * time.Second

// logLevelFromEnv reads OMNILEAD_LOG_LEVEL (debug, info, warn, error).
// Unset or unparseable values fall back to info.
func logLevelFromEnv() slog.Level {
	var level slog.Level
	if raw := os.Getenv("OMNILEAD_LOG_LEVEL"); raw != "" {
		if err := level.UnmarshalText([]byte(raw)); err != nil {
			return slog.LevelInfo
		}
	}
	return level
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the chat API server",
	Long: `Starts the HTTP server with the SSE chat endpoint and health probes.
Requires GEMINI_API_KEY and a reachable PostgreSQL instance.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(parent context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err = cfg.ValidateServe(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := log.New(log.Config{Level: logLevelFromEnv(), JSON: true})
	logger.Info("starting chat API server", "version", AppVersion)

	a, err := app.Setup(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer a.Close()

	server, err := web.NewServer(web.ServerConfig{
		Agent:  a.Engine,
		Logger: logger,
		Pool:   a.Pool,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	srv := web.NewHTTPServer(cfg.ListenAddr, server.Handler())

	logger.Info("HTTP server ready",
		"addr", cfg.ListenAddr,
		"chat", "/v1/chat, /v1/chat/stream",
		"health", "/healthz, /readyz",
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down HTTP server")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down server: %w", err)
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("HTTP server: %w", err)
	}
}
