package main

import (
	"log/slog"

	"github.com/gematik/zero-login/pkg/login"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending migrations to the account store",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := login.LoadConfigFile(configPath)
		if err != nil {
			return err
		}
		// persistent stores migrate when they are opened
		store, err := login.OpenAccountStore(cmd.Context(), cfg.Store)
		if err != nil {
			return err
		}
		slog.Info("Account store is up to date", "driver", cfg.Store.Driver)
		return store.Close()
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
