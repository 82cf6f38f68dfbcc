package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nfrund/communityrelay/internal/app"
	"github.com/nfrund/communityrelay/internal/config"
	"github.com/nfrund/communityrelay/internal/logging"
	"github.com/nfrund/communityrelay/internal/pubsub"
	"github.com/nfrund/communityrelay/internal/server"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay server",
	Long: `Run the relay on RELAY_HOST:RELAY_PORT (default port 3001) until
interrupted. Configuration is read from the environment and an optional
.env file. A port that cannot be bound is fatal.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return Serve(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// Serve runs the relay until ctx is canceled or a signal arrives.
func Serve(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}

	cfg, err := config.New()
	if err != nil {
		return err
	}
	logger := logging.New(cfg.LogFormat, cfg.LogLevel)

	bus := pubsub.NewWatermillBridge(logger)
	defer bus.Close()

	ctx, stop := server.SignalContext(parent)
	defer stop()

	s, err := app.NewServer(ctx, app.Dependencies{
		Config:     cfg,
		Logger:     logger,
		Publisher:  bus,
		Subscriber: bus,
	})
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	if err := s.Start(ctx); err != nil {
		logger.Error("Relay server failed", "addr", cfg.Addr(), "error", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}
