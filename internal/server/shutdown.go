package server

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// Shutdown stops accepting HTTP requests and stops the relay loop, which
// releases every open connection.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	stop, done := s.relayStop, s.relayDone
	s.mu.Unlock()

	err := s.E.Shutdown(ctx)
	if stop != nil {
		stop()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.logger.Info("Relay stopped")
	return err
}

// SignalContext returns a context canceled on an interrupt or terminate signal.
func SignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
