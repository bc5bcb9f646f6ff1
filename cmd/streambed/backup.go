package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/steveyegge/streambed"
)

var (
	backupDir        string
	backupCompress   bool
	backupSnapshots  bool
	backupTerminated bool
	backupHandleOut  string
)

var backupCmd = &cobra.Command{
	Use:   "backup <objectName> <objectId>",
	Short: "Back up a stream to an archive directory",
	Long: `Capture the object's active stream, its document and optionally its
snapshots and terminated incarnations into an archive file under --dir.

The backup handle is written to --handle (or stdout); restore consumes
it. The handle is the only record of the archive's checksum, so keep it
next to the archive.

Examples:
  streambed backup Order o-123 --dir ./backups --handle o-123.handle.json
  streambed backup Order o-123 --dir ./backups --compress --snapshots`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		provider, err := streambed.NewFilesystemBackupProvider(backupDir)
		if err != nil {
			return err
		}
		svc := streambed.NewBackupService(provider, streambed.NewMemoryBackupRegistry(0))

		handle, err := client.BackupDocument(cmd.Context(), svc, args[0], args[1], streambed.BackupOptions{
			IncludeSnapshots:         backupSnapshots,
			IncludeObjectDocument:    true,
			IncludeTerminatedStreams: backupTerminated,
			Compress:                 backupCompress,
		})
		if err != nil {
			return err
		}

		out := os.Stdout
		if backupHandleOut != "" {
			f, err := os.Create(backupHandleOut)
			if err != nil {
				return err
			}
			defer f.Close()
			out = f
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(handle); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "backed up %d event(s) to %s (%d bytes)\n",
			handle.EventCount, handle.Location, handle.SizeBytes)
		return nil
	},
}

func init() {
	backupCmd.Flags().StringVar(&backupDir, "dir", "", "archive directory (required)")
	backupCmd.Flags().BoolVar(&backupCompress, "compress", false, "gzip the archive")
	backupCmd.Flags().BoolVar(&backupSnapshots, "snapshots", false, "include snapshots")
	backupCmd.Flags().BoolVar(&backupTerminated, "terminated", false, "include terminated stream incarnations")
	backupCmd.Flags().StringVar(&backupHandleOut, "handle", "", "write the backup handle to this file (default stdout)")
	backupCmd.MarkFlagRequired("dir")
}
