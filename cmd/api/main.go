package main

import (
	"context"
	"errors"
	"fmt"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/seanblong/docqa/internal/api"
	"github.com/seanblong/docqa/internal/app"
	"github.com/seanblong/docqa/internal/auth"
	"github.com/seanblong/docqa/internal/config"
	"github.com/seanblong/docqa/internal/store"
	"github.com/spf13/pflag"
)

func main() {
	// Create flagset for configuration
	fs := pflag.NewFlagSet("docqa-api", pflag.ExitOnError)

	// Load configuration
	cfg, err := config.Load("", fs)
	if err != nil {
		stdlog.Fatalf("Failed to load configuration: %v", err)
	}
	fs.Usage = cfg.Usage

	logger, err := app.NewLogger(cfg.LogLevel, os.Stdout)
	if err != nil {
		stdlog.Fatal(err)
	}
	logger.Info().Str("provider", cfg.Provider).Str("log_level", cfg.LogLevel).
		Bool("auth_enabled", cfg.Auth.Enabled).Str("index_dir", cfg.IndexDir).Msg("starting docqa api")

	auth.InitializeAuth(cfg.Auth.JwtSecret, cfg.Auth.Enabled)
	if !auth.IsAuthEnabled() {
		logger.Warn().Msg("authentication is DISABLED - running in open mode")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize")
	}
	defer a.Close()

	// A missing or unreadable snapshot leaves the service empty until the next upload.
	if err := a.Service.Restore(ctx); err != nil {
		if errors.Is(err, store.ErrMissingArtifact) {
			logger.Info().Str("index_dir", cfg.IndexDir).Msg("no saved index, starting empty")
		} else {
			logger.Error().Err(err).Str("index_dir", cfg.IndexDir).Msg("saved index rejected, starting empty")
		}
	}

	handler := api.NewHandler(a.Service, cfg.UploadDir, int64(cfg.MaxUploadMB)<<20, cfg.TopK)
	s := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           api.WithLogging(logger, api.NewRouter(handler)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", s.Addr).Msg("api server listening")
		errc <- s.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("api server failed")
			a.Close()
			os.Exit(1)
		}
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("graceful shutdown failed")
		}
	}
}
