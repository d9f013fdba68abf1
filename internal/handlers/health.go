package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/memohai/all4one/internal/healthcheck"
)

// HealthRunner produces the aggregated health report.
type HealthRunner interface {
	Run(ctx context.Context) healthcheck.Report
}

type HealthHandler struct {
	runner HealthRunner
	logger *slog.Logger
}

func NewHealthHandler(log *slog.Logger, runner HealthRunner) *HealthHandler {
	return &HealthHandler{runner: runner, logger: log.With(slog.String("handler", "health"))}
}

func (h *HealthHandler) Register(e *echo.Echo) {
	e.GET("/health", h.Health)
	e.HEAD("/health", h.HealthHead)
}

// Health returns the report; an error status answers 503.
func (h *HealthHandler) Health(c echo.Context) error {
	report := h.runner.Run(c.Request().Context())
	code := http.StatusOK
	if report.Status == healthcheck.StatusError {
		h.logger.Warn("health check failed", slog.Int("checks", len(report.Checks)))
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, report)
}

func (h *HealthHandler) HealthHead(c echo.Context) error {
	if h.runner.Run(c.Request().Context()).Status == healthcheck.StatusError {
		return c.NoContent(http.StatusServiceUnavailable)
	}
	return c.NoContent(http.StatusOK)
}
