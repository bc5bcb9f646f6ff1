package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/steveyegge/streambed"
)

var (
	migrateTo        string
	migrateBatchSize int
	migrateMaxIter   int
)

var migrateCmd = &cobra.Command{
	Use:   "migrate <objectName> <objectId>",
	Short: "Live-migrate a stream to another connection",
	Long: `Copy the object's active stream onto the target connection while
writers stay online, then quiesce the source, close it with a marker
event and flip the document to the new stream.

The source stream remains readable after the flip; only its tail marker
records that it moved. A failed migration leaves the source active.

Examples:
  streambed migrate Order o-123 --to cold-storage
  streambed migrate Order o-123 --to archive --batch-size 1000`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := client.Migrate(cmd.Context(), args[0], args[1], migrateTo, streambed.MigrationOptions{
			BatchSize:     migrateBatchSize,
			MaxIterations: migrateMaxIter,
			Progress: func(p streambed.MigrationProgress) {
				fmt.Fprintf(os.Stderr, "%-16s iteration %d: copied %d (total %d), source head %d\n",
					p.State, p.Iteration, p.EventsCopiedThisIteration, p.TotalEventsCopied, p.SourceVersion)
			},
		})
		if err != nil {
			return err
		}
		res, err := m.Run(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("migrated %s/%s: %d event(s) in %d iteration(s)\n  %s -> %s\n",
			res.ObjectName, res.ObjectID, res.TotalEventsCopied, res.Iterations,
			res.SourceStreamID, res.TargetStreamID)
		return nil
	},
}

func init() {
	migrateCmd.Flags().StringVar(&migrateTo, "to", "", "target connection name (required)")
	migrateCmd.Flags().IntVar(&migrateBatchSize, "batch-size", 0, "events copied per read (0 = default)")
	migrateCmd.Flags().IntVar(&migrateMaxIter, "max-iterations", 0, "copy-loop convergence bound (0 = default)")
	migrateCmd.MarkFlagRequired("to")
}
