package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/ferro-labs/credstore/internal/keys"
	"github.com/ferro-labs/credstore/internal/model"
)

// errKeyRejected is returned by "key validate" for a secret that is not
// accepted, so the process exits non-zero.
var errKeyRejected = errors.New("key rejected")

func (c *cli) newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "key",
		Aliases: []string{"keys", "apikey"},
		Short:   "Manage API keys",
		Long:    "Create, list, inspect, revoke, reactivate and delete API keys.",
	}

	cmd.AddCommand(c.newKeyCreateCmd())
	cmd.AddCommand(c.newKeyListCmd())
	cmd.AddCommand(c.newKeyGetCmd())
	cmd.AddCommand(c.newKeyLifecycleCmd("revoke", "Revoke an API key", "revoked"))
	cmd.AddCommand(c.newKeyLifecycleCmd("reactivate", "Reactivate a revoked API key", "reactivated"))
	cmd.AddCommand(c.newKeyLifecycleCmd("delete", "Delete an API key permanently", "deleted"))
	cmd.AddCommand(c.newKeyValidateCmd())

	return cmd
}

// ---------- key create ----------

func (c *cli) newKeyCreateCmd() *cobra.Command {
	var (
		name        string
		description string
		jsonOutput  bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new API key",
		Long:  "Generate a new API key. The secret is shown in full only here.",
		Example: `  credstore-cli key create --name svc-a
  credstore-cli key create --name billing --description "billing worker" --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := c.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()

			key, err := store.Create(cmd.Context(), name, description)
			if err != nil {
				return fmt.Errorf("create api key: %w", err)
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return writeJSON(out, key)
			}
			fmt.Fprintln(out, "API key created:")
			fmt.Fprintln(out)
			fmt.Fprintf(out, "  ID:   %s\n", key.ID)
			fmt.Fprintf(out, "  Key:  %s\n", key.Secret)
			fmt.Fprintf(out, "  Name: %s\n", key.Name)
			if key.Description != "" {
				fmt.Fprintf(out, "  Description: %s\n", key.Description)
			}
			fmt.Fprintln(out)
			fmt.Fprintln(out, "  Save this key now. Listings only show it masked.")
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Human-readable name for the key (required)")
	cmd.Flags().StringVar(&description, "description", "", "Optional description")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

// ---------- key list ----------

func (c *cli) newKeyListCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List all API keys with masked secrets",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := c.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()

			list, err := store.List(cmd.Context())
			if err != nil {
				return fmt.Errorf("list api keys: %w", err)
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return writeJSON(out, list)
			}
			if len(list) == 0 {
				fmt.Fprintln(out, "No API keys. Use 'credstore-cli key create' to create one.")
				return nil
			}

			fmt.Fprintf(out, "%-36s %-20s %-26s %-8s %-8s %s\n", "ID", "NAME", "KEY", "ACTIVE", "USES", "LAST USED")
			for _, k := range list {
				fmt.Fprintf(out, "%-36s %-20s %-26s %-8s %-8d %s\n",
					k.ID, truncate(k.Name, 20), k.Secret, yesNo(k.Active), k.UsageCount, lastUsed(k.LastUsedAt))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

// ---------- key get ----------

func (c *cli) newKeyGetCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one API key, including its secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := c.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()

			key, ok, err := store.Get(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("get api key: %w", err)
			}
			if !ok {
				return fmt.Errorf("no API key with id %q", args[0])
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return writeJSON(out, key)
			}
			printKey(out, key)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

// ---------- key revoke / reactivate / delete ----------

func (c *cli) newKeyLifecycleCmd(use, short, done string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := c.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()

			var op func(context.Context, string) (bool, error)
			switch use {
			case "revoke":
				op = store.Revoke
			case "reactivate":
				op = store.Reactivate
			default:
				op = store.Delete
			}

			ok, err := op(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("%s api key: %w", use, err)
			}
			if !ok {
				return fmt.Errorf("no API key with id %q", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "API key %s %s\n", args[0], done)
			return nil
		},
	}
}

// ---------- key validate ----------

func (c *cli) newKeyValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <key>",
		Short: "Check a secret and record a use when it is accepted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := c.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()

			key, err := store.Authenticate(cmd.Context(), args[0])
			switch {
			case errors.Is(err, keys.ErrInvalidKey):
				fmt.Fprintln(cmd.OutOrStdout(), "invalid")
				return errKeyRejected
			case err != nil:
				return fmt.Errorf("validate api key: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "valid (id %s, name %s, uses %d)\n", key.ID, key.Name, key.UsageCount)
			return nil
		},
	}
}

func printKey(w io.Writer, k *model.APIKey) {
	fmt.Fprintf(w, "ID:          %s\n", k.ID)
	fmt.Fprintf(w, "Key:         %s\n", k.Secret)
	fmt.Fprintf(w, "Name:        %s\n", k.Name)
	fmt.Fprintf(w, "Description: %s\n", k.Description)
	fmt.Fprintf(w, "Created:     %s\n", k.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Last used:   %s\n", lastUsed(k.LastUsedAt))
	fmt.Fprintf(w, "Uses:        %d\n", k.UsageCount)
	fmt.Fprintf(w, "Active:      %s\n", yesNo(k.Active))
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func lastUsed(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Format(time.RFC3339)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
