package relay

import (
	"context"
	"encoding/json"

	"github.com/nfrund/communityrelay/internal/pubsub"
)

// ClientEvent describes a change to the active set. It stays on the
// in-process bus and is never sent to relay clients.
type ClientEvent struct {
	ConnectionID string `json:"connectionID"`
	UserID       string `json:"userID"`
	Active       int    `json:"active"`
}

var (
	// SystemBroadcastEvent carries payloads for the administrative broadcast.
	SystemBroadcastEvent = pubsub.NewEvent[json.RawMessage](
		"relay.system.broadcast",
		"Payload to wrap in a system envelope and send to every open relay connection",
	)

	// ClientConnectedEvent is published after a connection joins the active set.
	ClientConnectedEvent = pubsub.NewEvent[ClientEvent](
		"relay.client.connected",
		"Published when a relay connection is registered",
	)

	// ClientDisconnectedEvent is published after a connection leaves the active set.
	ClientDisconnectedEvent = pubsub.NewEvent[ClientEvent](
		"relay.client.disconnected",
		"Published when a relay connection is unregistered",
	)
)

// PublishSystemBroadcast asks every relay subscribed to pub to run an
// administrative broadcast of data.
func PublishSystemBroadcast(ctx context.Context, pub pubsub.Publisher, data json.RawMessage) error {
	payload, err := ParsePayload(data)
	if err != nil {
		return err
	}
	return pubsub.Publish(ctx, pub, SystemBroadcastEvent, "", payload)
}

func (s *Server) handleSystemMessage(ctx context.Context, msg pubsub.Message) error {
	data, err := SystemBroadcastEvent.Decode(msg)
	if err != nil {
		s.logger.Warn("Dropping malformed system broadcast", "error", err)
		// Acknowledge; redelivery would fail the same way.
		return nil
	}
	if _, err := s.BroadcastToAll(ctx, data); err != nil {
		s.logger.Warn("System broadcast not delivered", "error", err)
	}
	return nil
}

// publishLifecycle runs off the Run loop so a slow bus never stalls fan-out.
func (s *Server) publishLifecycle(event pubsub.Event[ClientEvent], c *conn, active int) {
	if s.publisher == nil {
		return
	}
	payload := ClientEvent{ConnectionID: c.id, UserID: c.userID, Active: active}
	go func() {
		if err := pubsub.Publish(context.Background(), s.publisher, event, c.userID, payload); err != nil {
			s.logger.Error("Failed to publish relay lifecycle event", "topic", event.Name(), "error", err)
		}
	}()
}
