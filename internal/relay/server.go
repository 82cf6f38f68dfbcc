package relay

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/nfrund/communityrelay/internal/pubsub"
)

// --- Configuration Constants ---
const (
	// DefaultSendBuffer is the per-connection outbound queue length.
	DefaultSendBuffer = 256
	// DefaultWriteTimeout is the time allowed to write one frame to the peer.
	DefaultWriteTimeout = 10 * time.Second
	// DefaultReadLimit is the largest inbound frame accepted, in bytes.
	DefaultReadLimit = 1 << 20
)

// Options tune a Server. Zero values select the defaults.
type Options struct {
	SendBuffer   int
	WriteTimeout time.Duration
	// ReadLimit caps inbound frames; a larger frame closes the sender with
	// StatusMessageTooBig.
	ReadLimit int64
	// OriginPatterns restricts the Origin header on upgrade. Empty admits
	// any origin.
	OriginPatterns []string
	// Clock stamps envelopes. Defaults to time.Now.
	Clock func() time.Time
}

// Dependencies are the optional collaborators of a Server.
type Dependencies struct {
	// Publisher receives client lifecycle events.
	Publisher pubsub.Publisher
	// Subscriber delivers administrative broadcasts published on SystemBroadcastEvent.
	Subscriber pubsub.Subscriber
	// Admitter gates new connections. Defaults to AdmitAll.
	Admitter Admitter
	Logger   *slog.Logger
}

// fanoutRequest asks the Run loop to deliver payload to the active set and
// report how many connections accepted it.
type fanoutRequest struct {
	payload []byte
	result  chan int
}

// Server accepts relay connections, tags them with a userId and fans every
// message out to all open connections. The active set is owned by Run.
type Server struct {
	opts       Options
	publisher  pubsub.Publisher
	subscriber pubsub.Subscriber
	admitter   Admitter
	logger     *slog.Logger

	clients    map[*conn]struct{}
	register   chan *conn
	unregister chan *conn
	fanout     chan fanoutRequest

	active  atomic.Int64
	started atomic.Bool
	ready   chan struct{}
	done    chan struct{}
}

// New constructs a Server. Call Run to start processing events.
func New(opts Options, deps Dependencies) *Server {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultSendBuffer
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = DefaultReadLimit
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if deps.Admitter == nil {
		deps.Admitter = AdmitAll
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	return &Server{
		opts:       opts,
		publisher:  deps.Publisher,
		subscriber: deps.Subscriber,
		admitter:   deps.Admitter,
		logger:     deps.Logger.With("component", "relay"),
		clients:    make(map[*conn]struct{}),
		register:   make(chan *conn),
		unregister: make(chan *conn),
		fanout:     make(chan fanoutRequest),
		ready:      make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Run processes connect, disconnect and fan-out events one at a time until
// ctx is canceled, then releases every connection. It must be run in its
// own goroutine and may only be called once.
func (s *Server) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(s.done)

	if s.subscriber != nil {
		if err := s.subscriber.Subscribe(ctx, SystemBroadcastEvent.Name(), s.handleSystemMessage); err != nil {
			close(s.ready)
			return err
		}
	}

	s.logger.Info("Relay runner started")
	close(s.ready)

	for {
		select {
		case c := <-s.register:
			s.add(c)

		case c := <-s.unregister:
			s.remove(c)

		case req := <-s.fanout:
			req.result <- s.deliver(req.payload)

		case <-ctx.Done():
			for c := range s.clients {
				c.release(websocket.StatusGoingAway, "server shutting down")
				delete(s.clients, c)
			}
			s.active.Store(0)
			s.logger.Info("Relay runner stopped")
			return nil
		}
	}
}

// Ready is closed once Run is accepting events.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Done is closed once Run has returned and all connections were released.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Count returns the size of the active set.
func (s *Server) Count() int {
	return int(s.active.Load())
}

// add registers c. The welcome envelope is queued before c joins the set so
// it precedes every fan-out c will see.
func (s *Server) add(c *conn) {
	welcome, err := json.Marshal(NewWelcome(s.opts.Clock()))
	if err == nil {
		c.enqueue(welcome)
	}

	s.clients[c] = struct{}{}
	n := len(s.clients)
	s.active.Store(int64(n))
	s.logger.Info("Client registered", "connectionID", c.id, "userID", c.userID, "total_clients", n)
	s.publishLifecycle(ClientConnectedEvent, c, n)
}

func (s *Server) remove(c *conn) {
	if _, ok := s.clients[c]; !ok {
		return
	}
	delete(s.clients, c)
	c.release(websocket.StatusNormalClosure, "Client disconnected")
	n := len(s.clients)
	s.active.Store(int64(n))
	s.logger.Info("Client unregistered", "connectionID", c.id, "userID", c.userID, "total_clients", n)
	s.publishLifecycle(ClientDisconnectedEvent, c, n)
}

// deliver queues payload on every open connection and returns how many
// accepted it. Closed connections are skipped; a full queue drops the
// payload for that connection only.
func (s *Server) deliver(payload []byte) int {
	delivered := 0
	for c := range s.clients {
		if !c.open.Load() {
			continue
		}
		if c.enqueue(payload) {
			delivered++
			continue
		}
		s.logger.Warn("Client send channel full, dropping message", "connectionID", c.id, "userID", c.userID)
	}
	return delivered
}

// submit hands a fan-out to the Run loop and waits for its recipient count.
func (s *Server) submit(ctx context.Context, payload []byte) (int, error) {
	req := fanoutRequest{payload: payload, result: make(chan int, 1)}
	select {
	case s.fanout <- req:
	case <-s.done:
		return 0, ErrServerClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case n := <-req.result:
		return n, nil
	case <-s.done:
		return 0, ErrServerClosed
	}
}

// BroadcastToAll sends a system envelope to every open connection and
// returns the number of recipients. data may be json.RawMessage or []byte
// holding JSON, or any value encoding/json can marshal.
func (s *Server) BroadcastToAll(ctx context.Context, data any) (int, error) {
	payload, err := encodeData(data)
	if err != nil {
		return 0, err
	}
	frame, err := json.Marshal(NewSystem(payload, s.opts.Clock()))
	if err != nil {
		return 0, err
	}
	n, err := s.submit(ctx, frame)
	if err != nil {
		return 0, err
	}
	s.logger.Debug("System broadcast sent", "recipient_count", n)
	return n, nil
}

// relayMessage handles one inbound frame from c. Malformed payloads are
// logged and dropped; the sender is neither told nor disconnected.
func (s *Server) relayMessage(ctx context.Context, c *conn, raw []byte) {
	payload, err := ParsePayload(raw)
	if err != nil {
		s.logger.Warn("Dropping malformed client message", "connectionID", c.id, "userID", c.userID, "error", err)
		return
	}
	frame, err := json.Marshal(NewBroadcast(payload, s.opts.Clock()))
	if err != nil {
		s.logger.Error("Failed to encode broadcast envelope", "userID", c.userID, "error", err)
		return
	}
	n, err := s.submit(ctx, frame)
	if err != nil {
		s.logger.Debug("Broadcast not delivered", "userID", c.userID, "error", err)
		return
	}
	s.logger.Debug("Broadcasting message", "userID", c.userID, "recipient_count", n)
}

// Handler returns an echo.HandlerFunc that upgrades relay connections.
func (s *Server) Handler() echo.HandlerFunc {
	return func(ec echo.Context) error {
		userID := ec.QueryParam("userId")

		if err := s.admitter.Admit(ec.Request(), userID, s.Count()); err != nil {
			s.logger.Warn("Connection rejected", "userID", userID, "remote_ip", ec.RealIP(), "error", err)
			return echo.NewHTTPError(admissionStatus(err), err.Error())
		}

		ws, err := websocket.Accept(ec.Response(), ec.Request(), s.acceptOptions())
		if err != nil {
			s.logger.Error("Failed to upgrade connection to WebSocket", "error", err)
			return err
		}
		ws.SetReadLimit(s.opts.ReadLimit)

		c := newConn(uuid.NewString(), userID, ws, s.opts.SendBuffer)
		select {
		case s.register <- c:
		case <-s.done:
			ws.Close(websocket.StatusGoingAway, "server shutting down")
			return nil
		case <-ec.Request().Context().Done():
			ws.CloseNow()
			return nil
		}

		go s.writePump(c)
		go s.readPump(c)
		return nil
	}
}

func (s *Server) acceptOptions() *websocket.AcceptOptions {
	if len(s.opts.OriginPatterns) == 0 {
		// Any origin is admitted unless patterns are configured.
		return &websocket.AcceptOptions{InsecureSkipVerify: true}
	}
	return &websocket.AcceptOptions{OriginPatterns: s.opts.OriginPatterns}
}

// readPump reads frames from the connection until the transport closes.
func (s *Server) readPump(c *conn) {
	defer func() {
		c.open.Store(false)
		select {
		case s.unregister <- c:
		case <-s.done:
		}
	}()

	for {
		_, message, err := c.ws.Read(context.Background())
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				s.logger.Info("WebSocket closed normally by client", "connectionID", c.id, "userID", c.userID)
			} else if status == websocket.StatusMessageTooBig {
				s.logger.Warn("Frame exceeds read limit, closing connection", "connectionID", c.id, "userID", c.userID, "limit", s.opts.ReadLimit)
			} else if err != io.EOF {
				s.logger.Debug("WebSocket read ended", "connectionID", c.id, "userID", c.userID, "error", err)
			}
			return
		}
		s.relayMessage(context.Background(), c, message)
	}
}

// writePump drains the connection's queue onto the transport. It closes the
// transport once the Run loop closes the queue or a write fails.
func (s *Server) writePump(c *conn) {
	for message := range c.send {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.WriteTimeout)
		err := c.ws.Write(ctx, websocket.MessageText, message)
		cancel()
		if err != nil {
			c.open.Store(false)
			s.logger.Error("WebSocket write error", "connectionID", c.id, "userID", c.userID, "error", err)
			// Unblock readPump so the connection is unregistered.
			c.ws.CloseNow()
			return
		}
	}

	// The queue is closed, so closeCode and closeReason are final.
	c.ws.Close(c.closeCode, c.closeReason)
}
