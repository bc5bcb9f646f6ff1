package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info <objectName> <objectId>",
	Short: "Show an object's stream document",
	Long: `Display the object document: active stream identifier, head version,
chunk layout and terminated stream incarnations.

Examples:
  streambed info Order o-123
  streambed info Order o-123 --json`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStream(cmd.Context(), args)
		if err != nil {
			return err
		}
		doc := s.Document()

		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(doc)
		}

		fmt.Printf("Object:      %s/%s\n", doc.ObjectName, doc.ObjectID)
		fmt.Printf("Stream:      %s (%s)\n", doc.Active.StreamID, doc.Active.StreamType)
		fmt.Printf("Head:        %d\n", doc.Active.CurrentStreamVersion)
		if doc.Quiescing {
			fmt.Println("Quiescing:   yes (migration in progress)")
		}
		if doc.Active.DataConnectionName != "" {
			fmt.Printf("Data conn:   %s\n", doc.Active.DataConnectionName)
		}
		if cs := doc.Active.ChunkSettings; cs.EnableChunks {
			fmt.Printf("Chunks:      size %d, %d chunk(s)\n", cs.ChunkSize, len(doc.Active.StreamChunks))
			for _, c := range doc.Active.StreamChunks {
				last := fmt.Sprintf("%d", c.LastVersion)
				if c.LastVersion < 0 {
					last = "open"
				}
				fmt.Printf("  chunk %d: %d..%s\n", c.ChunkID, c.FirstVersion, last)
			}
		}
		for _, ts := range doc.TerminatedStreams {
			fmt.Printf("Terminated:  %s at %d (%s)\n", ts.StreamID, ts.StreamVersion, ts.Reason)
		}
		return nil
	},
}
