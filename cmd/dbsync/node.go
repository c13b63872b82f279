package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Request node credentials from the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _, err := newClient(cmd.Context())
		if err != nil {
			return err
		}
		defer c.Store.Close()
		return c.Register(cmd.Context(), nil)
	},
}

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Push pending local changes to the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _, err := newClient(cmd.Context())
		if err != nil {
			return err
		}
		defer c.Store.Close()
		return c.Push(cmd.Context())
	},
}

var pullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Pull missed server changes and merge them locally",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _, err := newClient(cmd.Context())
		if err != nil {
			return err
		}
		defer c.Store.Close()
		stats, err := c.Pull(cmd.Context(), nil)
		if err != nil {
			return err
		}
		fmt.Printf("applied %d, skipped %d, rewritten %d, swapped %d\n",
			stats.Applied, stats.Skipped, stats.Rewritten, stats.Swapped)
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push, pulling and retrying until the node converges",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, cfg, err := newClient(cmd.Context())
		if err != nil {
			return err
		}
		defer c.Store.Close()
		return c.Sync(cmd.Context(), cfg.Client.SyncRetries)
	},
}

var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Replace all local tracked data with a server snapshot",
	Long: `Repair downloads a full snapshot of every tracked table and replaces
the local data wholesale, discarding unpushed changes. Use it when a
node has drifted past what pull can reconcile.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _, err := newClient(cmd.Context())
		if err != nil {
			return err
		}
		defer c.Store.Close()
		return c.Repair(cmd.Context())
	},
}

var trimServer bool

var trimCmd = &cobra.Command{
	Use:   "trim",
	Short: "Drop acknowledged journal entries and old ledger rows",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _, err := newClient(cmd.Context())
		if err != nil {
			return err
		}
		defer c.Store.Close()
		if trimServer {
			through, err := c.TrimServer(cmd.Context())
			if err != nil {
				return err
			}
			if through == 0 {
				fmt.Println("server trim skipped: a node has an unknown horizon")
			} else {
				fmt.Printf("server journal trimmed through version %d\n", through)
			}
			return nil
		}
		return c.TrimLocal(cmd.Context())
	},
}

func init() {
	trimCmd.Flags().BoolVar(&trimServer, "server", false, "trim the server journal instead of the local one")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show registration state and pending changes",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, _, err := newClient(ctx)
		if err != nil {
			return err
		}
		defer c.Store.Close()

		registered, err := c.IsRegistered(ctx)
		if err != nil {
			return err
		}
		if !registered {
			fmt.Println("not registered")
			return nil
		}
		fmt.Println("registered")
		if c.ServerReady(ctx) {
			fmt.Println("server: reachable")
		} else {
			fmt.Println("server: unreachable")
		}

		pending, err := c.UnsyncedObjects(ctx)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			fmt.Println("no pending changes")
			return nil
		}
		fmt.Printf("%d pending changes:\n", len(pending))
		for _, p := range pending {
			fmt.Printf("  %s %s\n", p.Kind, p.Ref)
		}
		return nil
	},
}
