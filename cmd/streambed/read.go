package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/steveyegge/streambed"
)

var (
	readFrom  int64
	readUntil int64
)

var readCmd = &cobra.Command{
	Use:   "read <objectName> <objectId>",
	Short: "Read events from a stream",
	Long: `Read a version window of the object's active stream.

With --json each event is printed as one JSON object per line, suitable
for piping into jq. Without it a short one-line summary is printed.

Examples:
  streambed read Order o-123
  streambed read Order o-123 --from 100 --until 199 --json`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStream(cmd.Context(), args)
		if err != nil {
			return err
		}
		events, err := s.Read(cmd.Context(), streambed.ReadOptions{
			StartVersion: readFrom,
			UntilVersion: readUntil,
		})
		if err != nil {
			return err
		}

		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			for _, e := range events {
				if err := enc.Encode(e); err != nil {
					return err
				}
			}
			return nil
		}
		for _, e := range events {
			fmt.Printf("%6d  %-30s  %s\n", e.Version, e.Type, e.Payload)
		}
		fmt.Fprintf(os.Stderr, "%d event(s)\n", len(events))
		return nil
	},
}

func init() {
	readCmd.Flags().Int64Var(&readFrom, "from", 0, "first version to read")
	readCmd.Flags().Int64Var(&readUntil, "until", -1, "last version to read (-1 = head)")
}
