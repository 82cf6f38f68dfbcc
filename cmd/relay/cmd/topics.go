package cmd

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nfrund/communityrelay/internal/relay"
)

var topicsOutputFormat string

// topicInfo describes one event carried on the relay's in-process bus.
type topicInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func busTopics() []topicInfo {
	return []topicInfo{
		{relay.SystemBroadcastEvent.Name(), relay.SystemBroadcastEvent.Description()},
		{relay.ClientConnectedEvent.Name(), relay.ClientConnectedEvent.Description()},
		{relay.ClientDisconnectedEvent.Name(), relay.ClientDisconnectedEvent.Description()},
	}
}

var topicsCmd = &cobra.Command{
	Use:   "topics",
	Short: "List the events the relay publishes and consumes on its bus",
	Long: `List the topics of the relay's in-process event bus.

Output formats:
  table - Human-readable table format (default)
  json  - Machine-readable JSON format`,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		switch topicsOutputFormat {
		case "json":
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(busTopics())
		case "table":
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tDESCRIPTION")
			for _, t := range busTopics() {
				fmt.Fprintf(w, "%s\t%s\n", t.Name, t.Description)
			}
			return w.Flush()
		default:
			return fmt.Errorf("invalid format %q, valid formats: table, json", topicsOutputFormat)
		}
	},
}

func init() {
	topicsCmd.Flags().StringVarP(&topicsOutputFormat, "format", "f", "table", "Output format (table, json)")
	rootCmd.AddCommand(topicsCmd)
}
