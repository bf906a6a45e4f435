package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"sshtunnel-proxy-go/internal/model"
	"sshtunnel-proxy-go/internal/service"
	"sshtunnel-proxy-go/internal/sshsession"
	"sshtunnel-proxy-go/internal/staging"
	"sshtunnel-proxy-go/internal/translator"
)

// Messages for failures that happen before the backend could answer. They
// are worded differently from service.BackendErrorPrefix on purpose.
const (
	msgSessionFailed   = "SSH session failed"
	msgSessionTimeout  = "backend session timed out"
	msgStagingFailed   = "file staging failed"
	msgClientCanceled  = "client disconnected"
	msgForwardingError = "request forwarding failed"
)

// ProxyHandler forwards requests to the backend through the SSH host.
type ProxyHandler struct {
	translator *translator.Translator
	service    *service.ForwardService
	logger     *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(tr *translator.Translator, svc *service.ForwardService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		translator: tr,
		service:    svc,
		logger:     logger.With("component", "proxy_handler"),
	}
}

// Handle forwards any request under the route prefix.
func (h *ProxyHandler) Handle(c echo.Context) error {
	fr, err := h.translator.Translate(c.Request())
	if err != nil {
		return h.mapError(c, err)
	}
	return h.forward(c, fr)
}

// Add forwards the fixed POST /add call built from num1 and num2.
func (h *ProxyHandler) Add(c echo.Context) error {
	fr, err := h.translator.TranslateAdd(c.Request())
	if err != nil {
		return h.mapError(c, err)
	}
	return h.forward(c, fr)
}

// Test runs the backend reachability probe and returns its output.
func (h *ProxyHandler) Test(c echo.Context) error {
	res, err := h.service.Probe(c.Request().Context())
	if err != nil {
		return h.mapError(c, err)
	}
	return write(c, service.Interpret(res))
}

func (h *ProxyHandler) forward(c echo.Context, fr *model.ForwardRequest) error {
	defer func() {
		if err := fr.Cleanup(); err != nil {
			h.logger.Warn("local upload cleanup failed", "err", err)
		}
	}()

	res, err := h.service.Forward(c.Request().Context(), fr)
	if err != nil {
		return h.mapError(c, err)
	}
	return write(c, service.Interpret(res))
}

func write(c echo.Context, resp *model.HTTPResponse) error {
	if resp.JSON != nil {
		return c.JSONBlob(resp.StatusCode, resp.JSON)
	}
	return c.String(resp.StatusCode, resp.Text)
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	req := c.Request()

	var te *translator.Error
	if errors.As(err, &te) {
		h.logger.Info("request rejected",
			"method", req.Method,
			"path", req.URL.Path,
			"err", err,
		)
		if te.Kind == translator.KindMethodNotAllowed {
			c.Response().Header().Set(echo.HeaderAllow, strings.Join(translator.AllowedMethods, ", "))
			return c.JSON(http.StatusMethodNotAllowed, map[string]string{"error": te.Error()})
		}
		return c.JSON(http.StatusBadRequest, map[string]string{"error": te.Error()})
	}

	h.logger.Error("forwarding failed",
		"method", req.Method,
		"path", req.URL.Path,
		"err", err,
	)

	if sshsession.IsTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{"error": msgSessionTimeout})
	}

	if errors.Is(err, context.Canceled) {
		return c.JSON(http.StatusBadGateway, map[string]string{"error": msgClientCanceled})
	}

	var stErr *staging.Error
	if errors.As(err, &stErr) {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": msgStagingFailed})
	}

	var sessErr *sshsession.Error
	if errors.As(err, &sessErr) {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": msgSessionFailed})
	}

	return c.JSON(http.StatusInternalServerError, map[string]string{"error": msgForwardingError})
}
