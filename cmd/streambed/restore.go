package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/steveyegge/streambed"
)

var (
	restoreDir       string
	restoreOverwrite bool
	restoreAsName    string
	restoreAsID      string
)

var restoreCmd = &cobra.Command{
	Use:   "restore <handle-file>",
	Short: "Restore a stream from a backup handle",
	Long: `Replay a backup archive onto the target connection. The handle file is
the JSON written by streambed backup; the archive checksum is verified
before anything is written.

Restoring onto a non-empty stream requires --overwrite. Use --as-name
and --as-id to restore under a different object identity.

Examples:
  streambed restore o-123.handle.json --dir ./backups
  streambed restore o-123.handle.json --dir ./backups --as-id o-123-copy`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		var handle streambed.BackupHandle
		if err := json.Unmarshal(data, &handle); err != nil {
			return fmt.Errorf("handle %s: %w", args[0], err)
		}

		provider, err := streambed.NewFilesystemBackupProvider(restoreDir)
		if err != nil {
			return err
		}
		svc := streambed.NewBackupService(provider, streambed.NewMemoryBackupRegistry(0))

		res, err := client.RestoreStream(cmd.Context(), svc, connection, handle, streambed.RestoreOptions{
			Overwrite:  restoreOverwrite,
			ObjectName: restoreAsName,
			ObjectID:   restoreAsID,
		})
		if err != nil {
			return err
		}
		fmt.Printf("restored %s/%s: %d event(s), %d snapshot(s) onto %s\n",
			res.ObjectName, res.ObjectID, res.EventsRestored, res.SnapshotsKept, res.StreamID)
		return nil
	},
}

func init() {
	restoreCmd.Flags().StringVar(&restoreDir, "dir", "", "archive directory (required)")
	restoreCmd.Flags().BoolVar(&restoreOverwrite, "overwrite", false, "allow restoring onto a non-empty stream")
	restoreCmd.Flags().StringVar(&restoreAsName, "as-name", "", "restore under a different object name")
	restoreCmd.Flags().StringVar(&restoreAsID, "as-id", "", "restore under a different object id")
	restoreCmd.MarkFlagRequired("dir")
}
