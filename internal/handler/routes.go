package handler

import (
	"errors"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sshtunnel-proxy-go/internal/config"
	"sshtunnel-proxy-go/internal/metrics"
	"sshtunnel-proxy-go/internal/translator"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, proxy *ProxyHandler, health *HealthHandler, m *metrics.Metrics) {
	e.GET("/", health.Root)
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	e.GET("/test", proxy.Test)
	e.POST("/add", proxy.Add)
	e.Any(cfg.Backend.RoutePrefix+"/*", proxy.Handle)

	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	e.HTTPErrorHandler = methodNotAllowedHandler(cfg.Backend.RoutePrefix, proxy, e.HTTPErrorHandler)
}

// methodNotAllowedHandler answers verbs the router has no route for (Any only
// covers the standard ones) the same way the proxy rejects PUT, naming the method.
func methodNotAllowedHandler(prefix string, proxy *ProxyHandler, next echo.HTTPErrorHandler) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		req := c.Request()
		if !c.Response().Committed && errors.Is(err, echo.ErrMethodNotAllowed) &&
			strings.HasPrefix(req.URL.Path, prefix+"/") {
			if werr := proxy.mapError(c, &translator.Error{Kind: translator.KindMethodNotAllowed, Method: req.Method}); werr == nil {
				return
			}
		}
		next(err, c)
	}
}
