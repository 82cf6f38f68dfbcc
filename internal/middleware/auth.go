package middleware

import (
	"crypto/subtle"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// AdminKey protects operator routes with a bearer key. An empty key leaves
// the routes open.
func AdminKey(key string) echo.MiddlewareFunc {
	if key == "" {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	return middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
		KeyLookup: "header:" + echo.HeaderAuthorization + ":Bearer ",
		Validator: func(got string, c echo.Context) (bool, error) {
			ok := subtle.ConstantTimeCompare([]byte(got), []byte(key)) == 1
			if !ok {
				FromContext(c.Request().Context()).Warn("Rejected admin request", "path", c.Path())
			}
			return ok, nil
		},
	})
}
