package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/nfrund/communityrelay/internal/middleware"
	"github.com/nfrund/communityrelay/internal/pubsub"
	"github.com/nfrund/communityrelay/internal/relay"
)

// ConnectionCounter reports how many relay connections are open.
type ConnectionCounter interface {
	Count() int
}

// UserCounter reports how many distinct users are online.
type UserCounter interface {
	UserCount() int
}

// RelayHandler serves the relay's operator endpoints.
type RelayHandler struct {
	counter   ConnectionCounter
	users     UserCounter
	publisher pubsub.Publisher
}

// NewRelayHandler creates a new relay handler. users may be nil.
func NewRelayHandler(counter ConnectionCounter, users UserCounter, publisher pubsub.Publisher) *RelayHandler {
	return &RelayHandler{counter: counter, users: users, publisher: publisher}
}

// Stats returns the number of open relay connections and online users.
func (h *RelayHandler) Stats(c echo.Context) error {
	resp := StatsResponse{Connections: h.counter.Count()}
	if h.users != nil {
		resp.Users = h.users.UserCount()
	}
	return c.JSON(http.StatusOK, resp)
}

// Broadcast queues a system broadcast to every open relay connection.
func (h *RelayHandler) Broadcast(c echo.Context) error {
	logger := middleware.FromContext(c.Request().Context())

	var req BroadcastRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Code: "invalid_body", Message: "request body must be JSON"})
	}
	if err := c.Validate(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Code: "validation_failed", Message: "data is required"})
	}

	if err := relay.PublishSystemBroadcast(c.Request().Context(), h.publisher, req.Data); err != nil {
		if errors.Is(err, relay.ErrMalformedPayload) {
			return c.JSON(http.StatusBadRequest, ErrorResponse{Code: "malformed_payload", Message: err.Error()})
		}
		return err
	}

	logger.Info("System broadcast queued", "bytes", len(req.Data))
	return c.JSON(http.StatusAccepted, BroadcastResponse{Status: "queued"})
}
