package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func (c *cli) newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect credstore configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Resolve and validate the effective configuration",
		Long:  "Load the config file (if any), apply environment overrides and report the storage backend that would be used.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.config()
			if err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Config is valid")
			fmt.Fprintf(out, "  Backend:   %s\n", cfg.Storage.ResolvedBackend())
			fmt.Fprintf(out, "  Cloud:     %t\n", cfg.Storage.Cloud)
			fmt.Fprintf(out, "  Timeout:   %s\n", cfg.Storage.Timeout.Duration())
			fmt.Fprintf(out, "  Port:      %s\n", cfg.Server.Port)
			fmt.Fprintf(out, "  Admin API: %s\n", enabled(cfg.Admin.Token != ""))
			fmt.Fprintf(out, "  Audit log: %s\n", enabled(cfg.Audit.DSN != ""))
			return nil
		},
	})

	return cmd
}

func enabled(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}
