package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/centradb/dbsync/internal/dbsync/server"
	"github.com/centradb/dbsync/internal/dbsync/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the synchronization server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cfg.Role = "server"
		if err := cfg.Validate(); err != nil {
			return err
		}

		ctx := cmd.Context()
		st, err := openStore(ctx, cfg, store.Server)
		if err != nil {
			return err
		}
		defer st.Close()

		srv := &server.Server{Store: st, AdminSecret: cfg.Server.AdminSecret}
		httpServer := &http.Server{
			Addr:         cfg.Server.Listen,
			Handler:      srv.Routes(),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			log.Info().Str("addr", cfg.Server.Listen).Msg("starting sync server")
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		select {
		case err := <-errCh:
			return err
		case <-sigChan:
		}

		log.Info().Msg("shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	},
}
