package middleware

import (
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
)

// CORS returns an Echo middleware allowing browser callers from the given origins
// to use the forwarded methods. Preflight requests are answered with 204.
func CORS(origins, methods []string) echo.MiddlewareFunc {
	return echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: origins,
		AllowMethods: methods,
		AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization},
	})
}
