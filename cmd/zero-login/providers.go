package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/gematik/zero-login/pkg/login"
	"github.com/gematik/zero-login/pkg/provider"
	"github.com/spf13/cobra"
)

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List the configured providers and their endpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := login.LoadConfigFile(configPath)
		if err != nil {
			return err
		}
		service, err := login.New(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer service.Close()

		// enabled providers come back with their discovered endpoints
		enabled := make(map[string]provider.Config)
		for _, p := range service.Providers() {
			enabled[p.ID] = p
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tFAMILY\tENABLED\tISSUER\tENDPOINTS")
		for _, p := range cfg.Providers {
			current, ok := enabled[p.ID]
			if !ok {
				current = p
			}
			fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%t\n", p.ID, p.FamilyName(), ok, p.Issuer, current.HasEndpoints())
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(providersCmd)
}
