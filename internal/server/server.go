package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/nfrund/communityrelay/internal/config"
	"github.com/nfrund/communityrelay/internal/handlers"
	appmiddleware "github.com/nfrund/communityrelay/internal/middleware"
	"github.com/nfrund/communityrelay/internal/pubsub"
	"github.com/nfrund/communityrelay/internal/relay"
)

// Dependencies holds everything the HTTP server needs.
type Dependencies struct {
	Config    *config.Config
	Relay     *relay.Server
	Publisher pubsub.Publisher
	// Presence is optional and adds the online user count to /stats.
	Presence handlers.UserCounter
	Logger   *slog.Logger
	// Echo is optional; tests may supply their own instance.
	Echo *echo.Echo
}

// Server serves the relay endpoint and its operator routes on one listener.
type Server struct {
	E      *echo.Echo
	cfg    *config.Config
	relay  *relay.Server
	logger *slog.Logger

	relayHandler *handlers.RelayHandler

	ready     chan struct{}
	mu        sync.Mutex
	addr      net.Addr
	relayStop context.CancelFunc
	relayDone <-chan struct{}
}

// New validates deps and builds a Server with its middleware and routes.
func New(deps Dependencies) (*Server, error) {
	if deps.Config == nil {
		return nil, errors.New("config is required")
	}
	if deps.Relay == nil {
		return nil, errors.New("relay is required")
	}
	if deps.Publisher == nil {
		return nil, errors.New("publisher is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	e := deps.Echo
	if e == nil {
		e = echo.New()
	}
	e.HideBanner = true
	e.HidePort = true
	e.Validator = handlers.NewValidator()

	e.Use(middleware.RequestID())
	e.Use(appmiddleware.Logger(deps.Logger))
	e.Use(middleware.Recover())
	setupErrorHandling(e)

	s := &Server{
		E:            e,
		cfg:          deps.Config,
		relay:        deps.Relay,
		logger:       deps.Logger.With("component", "server"),
		relayHandler: handlers.NewRelayHandler(deps.Relay, deps.Presence, deps.Publisher),
		ready:        make(chan struct{}),
	}
	s.RegisterRoutes()
	return s, nil
}

// Start binds the listener, starts the relay loop, and serves until ctx is
// done or the HTTP server fails. A bind failure is returned before anything
// else starts.
func (s *Server) Start(ctx context.Context) error {
	addr := s.cfg.Addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.E.Listener = ln

	relayCtx, stop := context.WithCancel(context.Background())
	s.mu.Lock()
	s.addr = ln.Addr()
	s.relayStop = stop
	s.relayDone = s.relay.Done()
	s.mu.Unlock()

	relayErr := make(chan error, 1)
	go func() { relayErr <- s.relay.Run(relayCtx) }()
	select {
	case <-s.relay.Ready():
	case err := <-relayErr:
		stop()
		ln.Close()
		return err
	}

	httpErr := make(chan error, 1)
	go func() {
		if err := s.E.Start(""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
		close(httpErr)
	}()

	s.logger.Info("Relay listening", "addr", ln.Addr().String())
	close(s.ready)

	select {
	case <-ctx.Done():
		return nil
	case err, ok := <-httpErr:
		stop()
		if ok {
			return err
		}
		return nil
	}
}

// Ready is closed once the listener is bound and the relay loop runs.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the bound listener address, or nil before Start binds it.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}
