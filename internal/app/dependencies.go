package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nfrund/communityrelay/internal/config"
	"github.com/nfrund/communityrelay/internal/presence"
	"github.com/nfrund/communityrelay/internal/pubsub"
	"github.com/nfrund/communityrelay/internal/relay"
	"github.com/nfrund/communityrelay/internal/server"
)

// tokenLeeway absorbs clock skew between the token issuer and the relay.
const tokenLeeway = 30 * time.Second

// Dependencies holds the core services the relay process is assembled from.
// This struct is passed from the entrypoint to wire up the server.
type Dependencies struct {
	Config     *config.Config
	Logger     *slog.Logger
	Publisher  pubsub.Publisher
	Subscriber pubsub.Subscriber
}

// relayOptions maps configuration onto relay tuning.
func relayOptions(cfg *config.Config) relay.Options {
	return relay.Options{
		SendBuffer:     cfg.SendBuffer,
		WriteTimeout:   cfg.WriteTimeout,
		ReadLimit:      cfg.ReadLimit,
		OriginPatterns: cfg.AllowedOrigins,
	}
}

// relayDeps creates the dependency struct for the relay, including the
// admission chain the configuration asks for.
func relayDeps(deps Dependencies) relay.Dependencies {
	admitters := []relay.Admitter{relay.Limits{MaxConnections: deps.Config.MaxConnections}}
	if deps.Config.TokenAdmission() {
		admitters = append(admitters, relay.TokenAdmitter{
			Secret: []byte(deps.Config.JWTSecret),
			Leeway: tokenLeeway,
		})
	}
	return relay.Dependencies{
		Publisher:  deps.Publisher,
		Subscriber: deps.Subscriber,
		Admitter:   relay.Chain(admitters...),
		Logger:     deps.Logger,
	}
}

// NewServer builds the relay, the presence roster that follows it, and the
// HTTP server that hosts both. ctx bounds the roster's subscriptions.
func NewServer(ctx context.Context, deps Dependencies) (*server.Server, error) {
	if deps.Config == nil {
		return nil, errors.New("config is required")
	}
	if deps.Publisher == nil || deps.Subscriber == nil {
		return nil, errors.New("publisher and subscriber are required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	roster := presence.NewService(presence.WithLogger(deps.Logger))
	if err := roster.Start(ctx, deps.Subscriber); err != nil {
		return nil, fmt.Errorf("start presence: %w", err)
	}

	r := relay.New(relayOptions(deps.Config), relayDeps(deps))
	return server.New(server.Dependencies{
		Config:    deps.Config,
		Relay:     r,
		Publisher: deps.Publisher,
		Presence:  roster,
		Logger:    deps.Logger,
	})
}
