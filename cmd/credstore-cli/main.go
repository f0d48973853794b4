// Command credstore-cli manages API keys directly against the configured
// storage backend, without going through a running server.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ferro-labs/credstore/internal/audit"
	"github.com/ferro-labs/credstore/internal/config"
	"github.com/ferro-labs/credstore/internal/keys"
	"github.com/ferro-labs/credstore/internal/logging"
	"github.com/ferro-labs/credstore/internal/storage"
)

func main() {
	if err := newRootCmd(os.Getenv).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// cli carries state shared by subcommands.
type cli struct {
	cfgFile string
	getenv  func(string) string
}

func newRootCmd(getenv func(string) string) *cobra.Command {
	c := &cli{getenv: getenv}

	cmd := &cobra.Command{
		Use:   "credstore-cli",
		Short: "Manage credstore API keys",
		Long: `credstore-cli creates, inspects and revokes API keys in the storage backend
selected by the credstore configuration (config file, then environment).`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&c.cfgFile, "config", "", "config file (default: $CREDSTORE_CONFIG)")

	cmd.AddCommand(c.newKeyCmd())
	cmd.AddCommand(c.newConfigCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func (c *cli) config() (*config.Config, error) {
	path := c.cfgFile
	if path == "" {
		path = c.getenv("CREDSTORE_CONFIG")
	}
	return config.Resolve(path, c.getenv)
}

// openStore opens the configured backend and audit log and returns a key
// store over them. The returned func releases both.
func (c *cli) openStore(ctx context.Context) (*keys.Store, func(), error) {
	cfg, err := c.config()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger := logging.New(os.Stderr, "warn", "text")

	backend, err := storage.Open(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open storage: %w", err)
	}
	auditLog, err := audit.Open(cfg.Audit)
	if err != nil {
		_ = backend.Close()
		return nil, nil, fmt.Errorf("open audit log: %w", err)
	}

	store := keys.NewStore(backend,
		keys.WithAuditWriter(auditLog),
		keys.WithLogger(logger),
		keys.WithTimeout(cfg.Storage.Timeout.Duration()),
	)
	return store, func() {
		_ = store.Close()
		_ = auditLog.Close()
	}, nil
}
