// Package relayclient manages the single relay connection that belongs to
// an authenticated session.
package relayclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nfrund/communityrelay/internal/relay"
)

// DefaultURL is where the platform's relay listens.
const DefaultURL = "ws://localhost:3001/ws"

const writeTimeout = 10 * time.Second

// Options configure a Context.
type Options struct {
	// URL of the relay endpoint; userId (and token) are added as query parameters.
	URL string
	// Token is sent as the token query parameter when set.
	Token  string
	Dialer Dialer
	// OnEnvelope is called from the read loop for every decoded frame.
	OnEnvelope func(relay.Envelope)
	Logger     *slog.Logger
}

// session is one user's connection lifetime. A new session is created for
// every SetUser call that changes the user.
type session struct {
	userID    string
	ctx       context.Context
	cancel    context.CancelFunc
	conn      Conn // nil until the dial completes; guarded by Context.mu
	connected atomic.Bool
	settled   chan struct{} // closed once the dial attempt finished
}

// Context owns at most one relay connection on behalf of the current user.
// It never reconnects: a dropped connection stays dropped until the user
// changes.
type Context struct {
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	current *session
}

// New creates a Context with no user and no connection.
func New(opts Options) *Context {
	if opts.URL == "" {
		opts.URL = DefaultURL
	}
	if opts.Dialer == nil {
		opts.Dialer = WebsocketDialer{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Context{opts: opts, logger: opts.Logger.With("component", "relayclient")}
}

// SetUser starts a session for userID, ending any session for a different
// user first. An empty userID ends the current session. ctx bounds the
// lifetime of the new session's connection.
func (c *Context) SetUser(ctx context.Context, userID string) error {
	c.mu.Lock()
	if c.current != nil && c.current.userID == userID {
		c.mu.Unlock()
		return nil
	}
	old, oldConn := c.detachLocked()

	var err error
	if userID != "" {
		var target string
		if target, err = c.endpoint(userID); err == nil {
			sctx, cancel := context.WithCancel(ctx)
			s := &session{userID: userID, ctx: sctx, cancel: cancel, settled: make(chan struct{})}
			c.current = s
			go c.open(s, target)
		}
	}
	c.mu.Unlock()

	end(old, oldConn)
	return err
}

// Close ends the current session without telling the relay anything beyond
// the transport close.
func (c *Context) Close() {
	c.mu.Lock()
	s, conn := c.detachLocked()
	c.mu.Unlock()
	end(s, conn)
}

// Connected reports whether the current session's connection is open.
func (c *Context) Connected() bool {
	c.mu.Lock()
	s := c.current
	c.mu.Unlock()
	return s != nil && s.connected.Load()
}

// UserID returns the user of the current session, or "".
func (c *Context) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return ""
	}
	return c.current.userID
}

// WaitConnected blocks until the current session's dial attempt finished
// or ctx is done, and reports whether the connection is open.
func (c *Context) WaitConnected(ctx context.Context) bool {
	c.mu.Lock()
	s := c.current
	c.mu.Unlock()
	if s == nil {
		return false
	}
	select {
	case <-s.settled:
	case <-ctx.Done():
	}
	return s.connected.Load()
}

// Send encodes msg as JSON and writes it if the connection is open.
// Otherwise the message is discarded; callers get no error either way.
func (c *Context) Send(msg any) {
	c.mu.Lock()
	s := c.current
	var conn Conn
	if s != nil {
		conn = s.conn
	}
	c.mu.Unlock()

	if s == nil || conn == nil || !s.connected.Load() {
		return
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("Failed to encode relay message", "userID", s.userID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(ctx, payload); err != nil {
		s.connected.Store(false)
		c.logger.Error("Relay write failed", "userID", s.userID, "error", err)
	}
}

func (c *Context) endpoint(userID string) (string, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	q := u.Query()
	q.Set("userId", userID)
	if c.opts.Token != "" {
		q.Set("token", c.opts.Token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// detachLocked removes the current session and returns it with its
// connection, if one was established. c.mu must be held.
func (c *Context) detachLocked() (*session, Conn) {
	s := c.current
	if s == nil {
		return nil, nil
	}
	c.current = nil
	s.connected.Store(false)
	return s, s.conn
}

// end closes a detached session. The transport is closed before the session
// context is cancelled so the close handshake runs on a live connection.
func end(s *session, conn Conn) {
	if s == nil {
		return
	}
	if conn != nil {
		conn.Close()
	}
	s.cancel()
}

// open dials for s and, if s is still current, runs its read loop.
func (c *Context) open(s *session, target string) {
	conn, err := c.opts.Dialer.Dial(s.ctx, target)
	if err != nil {
		close(s.settled)
		c.logger.Error("Relay connection failed", "userID", s.userID, "error", err)
		return
	}

	c.mu.Lock()
	if c.current != s {
		c.mu.Unlock()
		close(s.settled)
		conn.Close()
		return
	}
	s.conn = conn
	s.connected.Store(true)
	c.mu.Unlock()
	close(s.settled)

	c.logger.Info("Relay connected", "userID", s.userID)
	c.readLoop(s, conn)
}

func (c *Context) readLoop(s *session, conn Conn) {
	defer func() {
		s.connected.Store(false)
		c.logger.Info("Relay disconnected", "userID", s.userID)
	}()

	for {
		payload, err := conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				c.logger.Warn("Relay read failed", "userID", s.userID, "error", err)
			}
			return
		}

		env, err := relay.Decode(payload)
		if err != nil {
			c.logger.Warn("Skipping undecodable relay frame", "userID", s.userID, "error", err)
			continue
		}
		if c.opts.OnEnvelope != nil {
			c.opts.OnEnvelope(env)
		}
	}
}
