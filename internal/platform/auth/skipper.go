package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths bypass authentication and clinic resolution.
var publicPaths = map[string]bool{
	"/health":         true,
	"/health/ready":   true,
	"/api/v1/version": true,
}

// Skip wraps mw so it does not run for public paths.
func Skip(mw echo.MiddlewareFunc) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		guarded := mw(next)
		return func(c echo.Context) error {
			if IsPublicPath(c.Request().URL.Path) {
				return next(c)
			}
			return guarded(c)
		}
	}
}

func IsPublicPath(path string) bool {
	return publicPaths[path]
}
