// Command streambed is an operator CLI for stream administration: inspect
// documents, read events, append raw events, manage snapshots, run live
// migrations and take backups. Applications embed the library directly;
// this binary exists for debugging and maintenance.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/steveyegge/streambed"
)

var (
	configPath string
	connection string
	jsonOutput bool

	client *streambed.Client

	rootCtx    context.Context
	rootCancel context.CancelFunc
)

var rootCmd = &cobra.Command{
	Use:   "streambed",
	Short: "Event stream administration",
	Long: `Inspect and maintain event streams.

The connection registry is read from --config (default streambed.yaml in
the working directory; STREAMBED_* environment variables override file
values). Without a config file a single in-memory connection is used,
which is only useful for --help exploration.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := streambed.OpenFile(configPath)
		if err != nil {
			return fmt.Errorf("load config %s: %w", configPath, err)
		}
		client = c
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if client != nil {
			client.Close()
		}
	},
}

func main() {
	rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer rootCancel()

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "streambed.yaml", "connection registry file")
	rootCmd.PersistentFlags().StringVar(&connection, "connection", "", "connection name (default: registry default)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "machine-readable output")

	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(appendCmd)
	rootCmd.AddCommand(snapshotsCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)

	if err := rootCmd.ExecuteContext(rootCtx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// openStream resolves the object named by the first two positional args.
func openStream(ctx context.Context, args []string) (*streambed.EventStream, error) {
	return client.StreamOn(ctx, connection, args[0], args[1])
}
