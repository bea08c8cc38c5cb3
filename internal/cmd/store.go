package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/cwedge/cwedge/internal/config"
	"github.com/cwedge/cwedge/internal/core"
	"github.com/cwedge/cwedge/internal/store"
)

// openRecordStore builds the configured record store backend. Local stores
// are migrated on open so a fresh database is immediately usable.
func openRecordStore(ctx context.Context, cfg *config.Config) (store.RecordStore, error) {
	switch cfg.Store.Mode {
	case "rest":
		return store.NewRESTStore(cfg.Store.REST.BaseURL, cfg.Store.REST.APIKey, cfg.Store.REST.Timeout)
	case "local":
		db, err := store.OpenLocal(ctx, cfg.Store.Local)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown store mode %q", cfg.Store.Mode)
	}
}

var storeCmd = &cobra.Command{
	Use:   "store",
	Short: "Record store utilities",
}

var storeInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create or migrate the local record store schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		if cfg.Store.Mode != "local" {
			return fmt.Errorf("store init applies to local mode only, store.mode is %q", cfg.Store.Mode)
		}

		db, err := store.OpenLocal(cmd.Context(), cfg.Store.Local)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		if err := db.Migrate(cmd.Context()); err != nil {
			return err
		}

		fmt.Println("record store schema is up to date")
		return nil
	},
}

var storeAgentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List agents known to the record store",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		recordStore, err := openRecordStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer func() { _ = recordStore.Close() }()

		lister, ok := recordStore.(interface {
			Agents(ctx context.Context) ([]core.Agent, error)
		})
		if !ok {
			return fmt.Errorf("store backend does not support listing agents")
		}

		agents, err := lister.Agents(cmd.Context())
		if err != nil {
			return err
		}

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.SetStyle(table.StyleRounded)
		t.AppendHeader(table.Row{"Public ID", "Name", "Status", "Domains"})
		for _, a := range agents {
			t.AppendRow(table.Row{a.PublicID, a.Name, string(a.Status), len(a.Domains)})
		}
		t.AppendFooter(table.Row{"", "", "total", len(agents)})
		t.Render()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(storeCmd)
	storeCmd.AddCommand(storeInitCmd)
	storeCmd.AddCommand(storeAgentsCmd)
}
