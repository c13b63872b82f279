package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/centradb/dbsync/internal/config"
	"github.com/centradb/dbsync/internal/dbsync/client"
	"github.com/centradb/dbsync/internal/dbsync/merge"
	"github.com/centradb/dbsync/internal/dbsync/store"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"

	configPath string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "dbsync",
	Short: "dbsync - centralized database synchronization",
	Long: `dbsync keeps the tracked tables of many node databases converging
toward a central server database through an operations journal,
signed pushes and merged pulls.`,
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(pushCmd)
	rootCmd.AddCommand(pullCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(repairCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(trimCmd)
}

// loadConfig reads the config file plus environment overrides and applies
// log settings.
func loadConfig() (*config.Config, error) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}
	return cfg, nil
}

func openStore(ctx context.Context, cfg *config.Config, role store.Role) (*store.Store, error) {
	reg, err := config.BuildRegistry(cfg.Tables)
	if err != nil {
		return nil, fmt.Errorf("invalid table declarations: %w", err)
	}
	st, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.DSN, reg, role)
	if err != nil {
		return nil, err
	}
	if err := st.CreateAll(ctx); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}

// newClient wires a node client from config. The caller closes the store.
func newClient(ctx context.Context) (*client.Client, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	cfg.Role = "client"
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	st, err := openStore(ctx, cfg, store.Client)
	if err != nil {
		return nil, nil, err
	}
	c := &client.Client{
		Store:      st,
		BaseURL:    cfg.Client.ServerURL,
		Strategy:   merge.DefaultStrategy{},
		AdminToken: cfg.Client.AdminToken,
	}
	if cfg.Client.Timeout > 0 {
		c.HTTP = &http.Client{Timeout: cfg.Client.Timeout}
	}
	return c, cfg, nil
}
