package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/centradb/dbsync/internal/config"
	"github.com/centradb/dbsync/internal/dbsync/server"
	"github.com/centradb/dbsync/internal/dbsync/store"
)

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "dbsyncd").Logger()
	if env("ENV", "dev") == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	cfg, err := config.Load(env("DBSYNC_CONFIG", ""))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	cfg.Role = "server"
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	ctx := context.Background()

	reg, err := config.BuildRegistry(cfg.Tables)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid table declarations")
	}

	st, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.DSN, reg, store.Server)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer st.Close()

	if err := st.CreateAll(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to create tables")
	}

	srv := &server.Server{Store: st, AdminSecret: cfg.Server.AdminSecret}
	httpServer := &http.Server{
		Addr:         cfg.Server.Listen,
		Handler:      srv.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Server.Listen).Msg("starting sync server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	log.Info().Msg("server stopped")
}
