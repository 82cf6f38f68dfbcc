package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/nfrund/communityrelay/internal/relay"
	"github.com/nfrund/communityrelay/internal/relayclient"
	"github.com/nfrund/communityrelay/internal/server"
)

type connectOptions struct {
	user    string
	url     string
	token   string
	sends   []string
	once    bool
	timeout time.Duration
}

var connectOpts connectOptions

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Connect to a relay as a user and print what arrives",
	Long: `Open one relay connection for --user, print every envelope received as
a JSON line and send each --send payload once connected.

Without --once the command stays connected until interrupted. With --once
it exits after the relay has echoed every --send back. Broadcasts from
other users with different payloads are printed but not counted.

Examples:
  relay connect --user 42
  relay connect --user 42 --send '{"text":"hello"}' --once`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := server.SignalContext(cmd.Context())
		defer stop()
		return runConnect(ctx, cmd.OutOrStdout(), connectOpts, nil)
	},
}

func init() {
	f := connectCmd.Flags()
	f.StringVar(&connectOpts.user, "user", "", "User id to connect as (required)")
	f.StringVar(&connectOpts.url, "url", relayclient.DefaultURL, "Relay websocket URL")
	f.StringVar(&connectOpts.token, "token", "", "Signed token, when the relay requires one")
	f.StringArrayVar(&connectOpts.sends, "send", nil, "JSON payload to send after connecting (repeatable)")
	f.BoolVar(&connectOpts.once, "once", false, "Exit after every --send has been echoed")
	f.DurationVar(&connectOpts.timeout, "timeout", 10*time.Second, "How long to wait for the connection and, with --once, the echoes")
	_ = connectCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(connectCmd)
}

// runConnect drives a relayclient.Context for the connect command. dialer
// may be nil to use the default websocket transport.
func runConnect(ctx context.Context, out io.Writer, opts connectOptions, dialer relayclient.Dialer) error {
	if opts.user == "" {
		return errors.New("--user is required")
	}
	pending := make(map[string]int, len(opts.sends))
	for _, raw := range opts.sends {
		if !json.Valid([]byte(raw)) {
			return fmt.Errorf("--send %q is not valid JSON", raw)
		}
		payload, err := relay.ParsePayload([]byte(raw))
		if err != nil {
			return fmt.Errorf("--send %q: %w", raw, err)
		}
		pending[string(payload)]++
	}

	var mu sync.Mutex
	remaining := len(opts.sends)
	echoed := make(chan struct{})
	client := relayclient.New(relayclient.Options{
		URL:    opts.url,
		Token:  opts.token,
		Dialer: dialer,
		OnEnvelope: func(env relay.Envelope) {
			line, err := json.Marshal(env)
			if err != nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			fmt.Fprintln(out, string(line))
			if env.Type != relay.KindBroadcast || remaining == 0 {
				return
			}
			data, err := relay.ParsePayload(env.Data)
			if err != nil || pending[string(data)] == 0 {
				return
			}
			pending[string(data)]--
			if remaining--; remaining == 0 {
				close(echoed)
			}
		},
	})
	defer client.Close()

	if err := client.SetUser(ctx, opts.user); err != nil {
		return err
	}
	waitCtx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()
	if !client.WaitConnected(waitCtx) {
		return fmt.Errorf("could not connect to %s", opts.url)
	}

	for _, raw := range opts.sends {
		client.Send(json.RawMessage(raw))
	}

	if !opts.once {
		<-ctx.Done()
		return nil
	}

	if len(opts.sends) == 0 {
		return nil
	}
	deadline := time.NewTimer(opts.timeout)
	defer deadline.Stop()
	select {
	case <-echoed:
		return nil
	case <-deadline.C:
		return errors.New("timed out waiting for echoes")
	case <-ctx.Done():
		return nil
	}
}
