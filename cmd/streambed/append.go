package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/steveyegge/streambed"
)

var (
	appendType       string
	appendSchema     int
	appendConstraint string
)

var appendCmd = &cobra.Command{
	Use:   "append <objectName> <objectId> <payload>...",
	Short: "Append raw events to a stream",
	Long: `Append one or more raw JSON payloads as a single atomic commit.

The event type is not decoded against the registry, so this writes
whatever JSON it is given. Intended for repair and test fixtures, not
for application writes.

Examples:
  streambed append Order o-123 --type AmountAdded '{"amount":5}'
  streambed append Order o-123 --type Imported --constraint new '{}' '{}'`,
	Args: cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		var constraint streambed.Constraint
		switch appendConstraint {
		case "loose":
			constraint = streambed.Loose
		case "new":
			constraint = streambed.New
		case "existing":
			constraint = streambed.Existing
		default:
			return fmt.Errorf("unknown constraint %q (loose, new, existing)", appendConstraint)
		}

		s, err := openStream(cmd.Context(), args[:2])
		if err != nil {
			return err
		}
		err = s.Session(cmd.Context(), constraint, func(sess *streambed.LeasedSession) error {
			for _, payload := range args[2:] {
				_, err := sess.Append(cmd.Context(), payload,
					streambed.WithRawPayload(),
					streambed.WithEventType(appendType),
					streambed.WithSchemaVersion(appendSchema))
				if err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		fmt.Printf("appended %d event(s), head is now %d\n",
			len(args)-2, s.Document().Active.CurrentStreamVersion)
		return nil
	},
}

func init() {
	appendCmd.Flags().StringVar(&appendType, "type", "", "event type name (required)")
	appendCmd.Flags().IntVar(&appendSchema, "schema-version", 1, "event schema version")
	appendCmd.Flags().StringVar(&appendConstraint, "constraint", "loose", "session constraint: loose, new or existing")
	appendCmd.MarkFlagRequired("type")
}
