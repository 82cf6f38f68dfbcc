package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	broadcastServer string
	broadcastKey    string
)

var broadcastCmd = &cobra.Command{
	Use:   "broadcast <json>",
	Short: "Send a system broadcast through a running relay",
	Long: `Send a system broadcast to every client of a running relay.

The argument is any JSON value; it becomes the data of a "system" envelope.

Examples:
  relay broadcast '{"notice":"maintenance at noon"}'
  relay broadcast --key $RELAY_ADMIN_KEY '"restarting soon"'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return postBroadcast(cmd.OutOrStdout(), &http.Client{Timeout: 10 * time.Second}, broadcastServer, broadcastKey, args[0])
	},
}

func init() {
	broadcastCmd.Flags().StringVar(&broadcastServer, "server", "http://localhost:3001", "Base URL of the relay")
	broadcastCmd.Flags().StringVar(&broadcastKey, "key", "", "Admin key, when the relay requires one")
	rootCmd.AddCommand(broadcastCmd)
}

func postBroadcast(out io.Writer, client *http.Client, base, key, data string) error {
	if !json.Valid([]byte(data)) {
		return errors.New("broadcast data must be valid JSON")
	}
	body, err := json.Marshal(map[string]json.RawMessage{"data": json.RawMessage(data)})
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(base, "/")+"/admin/broadcast", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post broadcast: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("relay answered %s: %s", resp.Status, strings.TrimSpace(string(respBody)))
	}
	fmt.Fprintln(out, "Broadcast queued")
	return nil
}
