// Package presence keeps a roster of users with open relay connections,
// built from the relay's lifecycle events.
package presence

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nfrund/communityrelay/internal/pubsub"
	"github.com/nfrund/communityrelay/internal/relay"
)

// departedTTL bounds how long a disconnect waits for its connect event.
const departedTTL = time.Minute

type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

type Presence struct {
	UserID    string    `json:"user_id"`
	Status    Status    `json:"status"`
	ClientID  string    `json:"client_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Service tracks which users are connected. A user stays online while at
// least one of their connections is open; userIds are opaque tags and may be
// shared by several connections.
type Service struct {
	mu        sync.RWMutex
	presences map[string]map[string]Presence // userID -> clientID -> Presence
	clients   map[string]string              // clientID -> userID (for disconnect lookup)
	departed  map[string]time.Time           // disconnects seen before their connect
	logger    *slog.Logger
	now       func() time.Time
}

// Option is a function that configures a Service.
type Option func(*Service)

// WithClock sets the time source used to stamp presences.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger.With("service", "presence")
	}
}

// NewService creates an empty presence roster.
func NewService(opts ...Option) *Service {
	svc := &Service{
		presences: make(map[string]map[string]Presence),
		clients:   make(map[string]string),
		departed:  make(map[string]time.Time),
		logger:    slog.Default().With("service", "presence"),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// Start subscribes the roster to relay lifecycle events until ctx is done.
func (s *Service) Start(ctx context.Context, subscriber pubsub.Subscriber) error {
	if err := subscriber.Subscribe(ctx, relay.ClientConnectedEvent.Name(), s.handleClientConnected); err != nil {
		return err
	}
	if err := subscriber.Subscribe(ctx, relay.ClientDisconnectedEvent.Name(), s.handleClientDisconnected); err != nil {
		return err
	}
	s.logger.Debug("Presence service subscribed",
		"connect_topic", relay.ClientConnectedEvent.Name(),
		"disconnect_topic", relay.ClientDisconnectedEvent.Name())
	return nil
}

func (s *Service) handleClientConnected(_ context.Context, msg pubsub.Message) error {
	event, err := relay.ClientConnectedEvent.Decode(msg)
	if err != nil {
		s.logger.Warn("Dropping malformed client connected event", "error", err)
		return nil
	}
	s.addPresence(event.UserID, event.ConnectionID)
	return nil
}

func (s *Service) handleClientDisconnected(_ context.Context, msg pubsub.Message) error {
	event, err := relay.ClientDisconnectedEvent.Decode(msg)
	if err != nil {
		s.logger.Warn("Dropping malformed client disconnected event", "error", err)
		return nil
	}
	s.removePresenceForClient(event.ConnectionID)
	return nil
}

func (s *Service) addPresence(userID, clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneDepartedLocked()

	// Lifecycle events travel on separate topics and may arrive out of order.
	if _, gone := s.departed[clientID]; gone {
		delete(s.departed, clientID)
		return
	}

	s.clients[clientID] = userID
	if s.presences[userID] == nil {
		s.presences[userID] = make(map[string]Presence)
		s.logger.Debug("User came online", "userID", userID, "connectionID", clientID)
	}
	s.presences[userID][clientID] = Presence{
		UserID:    userID,
		Status:    StatusOnline,
		ClientID:  clientID,
		Timestamp: s.now(),
	}
}

// removePresenceForClient removes one connection; the user goes offline
// with their last connection.
func (s *Service) removePresenceForClient(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneDepartedLocked()

	userID, ok := s.clients[clientID]
	if !ok {
		s.departed[clientID] = s.now()
		return
	}
	delete(s.clients, clientID)

	clientPresences := s.presences[userID]
	delete(clientPresences, clientID)
	if len(clientPresences) == 0 {
		delete(s.presences, userID)
		s.logger.Debug("User went offline", "userID", userID)
	}
}

// pruneDepartedLocked forgets disconnects whose connect never arrived.
func (s *Service) pruneDepartedLocked() {
	cutoff := s.now().Add(-departedTTL)
	for clientID, at := range s.departed {
		if at.Before(cutoff) {
			delete(s.departed, clientID)
		}
	}
}

// GetOnlineUsers returns the sorted ids of users with an open connection.
func (s *Service) GetOnlineUsers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]string, 0, len(s.presences))
	for userID := range s.presences {
		users = append(users, userID)
	}
	sort.Strings(users)
	return users
}

// UserCount returns the number of distinct online users.
func (s *Service) UserCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.presences)
}

// GetPresence returns the most recent presence for userID.
func (s *Service) GetPresence(userID string) (Presence, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest Presence
	found := false
	for _, p := range s.presences[userID] {
		if !found || p.Timestamp.After(latest.Timestamp) {
			latest = p
			found = true
		}
	}
	if !found {
		return Presence{UserID: userID, Status: StatusOffline}, false
	}
	return latest, true
}
