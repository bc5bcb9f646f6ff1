package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var snapshotsCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "Manage stream snapshots",
}

var snapshotsListCmd = &cobra.Command{
	Use:   "list <objectName> <objectId>",
	Short: "List snapshots of a stream, newest first",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStream(cmd.Context(), args)
		if err != nil {
			return err
		}
		metas, err := s.ListSnapshots(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(metas)
		}
		for _, m := range metas {
			name := m.Name
			if name == "" {
				name = "-"
			}
			fmt.Printf("%8d  %-20s  %8d bytes  %s\n",
				m.Version, name, m.SizeBytes, m.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		fmt.Fprintf(os.Stderr, "%d snapshot(s)\n", len(metas))
		return nil
	},
}

var (
	snapshotDeleteVersion int64
	snapshotDeleteName    string
)

var snapshotsDeleteCmd = &cobra.Command{
	Use:   "delete <objectName> <objectId>",
	Short: "Delete one snapshot",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStream(cmd.Context(), args)
		if err != nil {
			return err
		}
		ok, err := s.DeleteSnapshot(cmd.Context(), snapshotDeleteVersion, snapshotDeleteName)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("no snapshot at version %d", snapshotDeleteVersion)
		}
		fmt.Printf("deleted snapshot at version %d\n", snapshotDeleteVersion)
		return nil
	},
}

func init() {
	snapshotsDeleteCmd.Flags().Int64Var(&snapshotDeleteVersion, "version", -1, "snapshot version (required)")
	snapshotsDeleteCmd.Flags().StringVar(&snapshotDeleteName, "name", "", "named snapshot to delete")
	snapshotsDeleteCmd.MarkFlagRequired("version")

	snapshotsCmd.AddCommand(snapshotsListCmd)
	snapshotsCmd.AddCommand(snapshotsDeleteCmd)
}
