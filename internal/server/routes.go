package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/nfrund/communityrelay/internal/middleware"
)

// RegisterRoutes sets up all the application routes.
func (s *Server) RegisterRoutes() {
	s.E.GET("/ws", s.relay.Handler())

	s.E.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "OK")
	})
	s.E.GET("/stats", s.relayHandler.Stats)

	admin := s.E.Group("/admin", middleware.AdminKey(s.cfg.AdminKey))
	admin.POST("/broadcast", s.relayHandler.Broadcast, middleware.RateLimiter(middleware.DefaultAdminRate))
}
