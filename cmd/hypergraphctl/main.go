package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"hypergraph/internal/config"
	"hypergraph/internal/logging"
	"hypergraph/internal/storage"
	hgapi "hypergraph/pkg/hypergraph"
)

const (
	defaultDBPath  = "hypergraph.db"
	defaultRunsDir = "runs"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	return runWithOutput(ctx, args, os.Stdout, os.Stderr)
}

func runWithOutput(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	rootCmd := newRootCmd()
	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "hypergraphctl",
		Short: "Build, run and checkpoint hypergraph spiking networks",
		Long: `hypergraphctl builds region graphs from a YAML config, ticks them,
and manages versioned binary checkpoints of the result.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().Bool("json", false, "Output as JSON")
	rootCmd.PersistentFlags().String("config", "", "YAML config file")
	rootCmd.PersistentFlags().String("store", "", "store backend: memory|sqlite (default from config)")
	rootCmd.PersistentFlags().String("db-path", "", "sqlite database path (default from config)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: info|debug|trace")

	rootCmd.AddCommand(
		newBuildCmd(),
		newRunCmd(),
		newRunsCmd(),
		newListCmd(),
		newInspectCmd(),
		newExportCmd(),
		newImportCmd(),
		newDeleteCmd(),
		newVirtualCmd(),
	)
	return rootCmd
}

// loadConfig reads --config and applies the persistent flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if v, _ := cmd.Flags().GetString("store"); v != "" {
		cfg.Storage.Kind = v
	}
	if v, _ := cmd.Flags().GetString("db-path"); v != "" {
		cfg.Storage.Path = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.Logging.Level = v
	}
	if cfg.Storage.Kind == "" {
		cfg.Storage.Kind = storage.DefaultStoreKind()
	}
	if cfg.Storage.Kind == storage.KindSQLite && cfg.Storage.Path == "" {
		cfg.Storage.Path = defaultDBPath
	}
	return cfg, nil
}

// openClient loads the configuration and opens a client on its store. The
// caller closes the client.
func openClient(cmd *cobra.Command) (*hgapi.Client, *config.Config, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	client, err := hgapi.New(hgapi.Options{
		StoreKind: cfg.Storage.Kind,
		DBPath:    cfg.Storage.Path,
		Logger:    logging.NewLogger(cfg.Logging.Level, cmd.ErrOrStderr()),
	})
	if err != nil {
		return nil, nil, err
	}
	return client, cfg, nil
}

func jsonOutput(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
