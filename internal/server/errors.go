package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/nfrund/communityrelay/internal/handlers"
	"github.com/nfrund/communityrelay/internal/middleware"
)

// setupErrorHandling installs an HTTP error handler that answers with an
// ErrorResponse and logs unexpected errors with a stack trace.
func setupErrorHandling(e *echo.Echo) {
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		logger := middleware.FromContext(c.Request().Context())

		var he *echo.HTTPError
		if errors.As(err, &he) {
			msg := fmt.Sprint(he.Message)
			if he.Code >= http.StatusInternalServerError {
				logger.Error("HTTP error", "status", he.Code, "error", err)
			}
			writeError(c, he.Code, msg, logger)
			return
		}

		logger.Error("Internal Server Error (Unhandled)",
			"error", err.Error(),
			"path", c.Request().URL.Path,
			"stack_trace", string(debug.Stack()),
		)
		writeError(c, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError), logger)
	}
}

func writeError(c echo.Context, status int, msg string, logger *slog.Logger) {
	code := strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	var err error
	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, handlers.ErrorResponse{Code: code, Message: msg})
	}
	if err != nil {
		logger.Error("Failed to write error response", "error", err)
	}
}
