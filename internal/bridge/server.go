package bridge

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"livescribe/internal/domain"
)

//go:embed static/index.html
var indexHTML []byte

// Controller starts and stops the transcription session behind the routes.
type Controller interface {
	StartSession(ctx context.Context) (domain.Status, error)
	StopSession(ctx context.Context) error
	Status() domain.Status
	Transcript() string
}

const transcriptFilename = "transcription.txt"

// ServerConfig wires the HTTP surface of the relay host.
type ServerConfig struct {
	Hub        *Hub
	Controller Controller
	// Metrics serves /metrics when set.
	Metrics     http.Handler
	Logger      *zap.Logger
	StopTimeout time.Duration
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// NewServer builds the echo instance serving the host page, its WebSocket
// and the session control API.
func NewServer(cfg ServerConfig) *echo.Echo {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			logger.Debug("request",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status))
			return nil
		},
	}))

	e.GET("/", func(c echo.Context) error {
		return c.HTMLBlob(http.StatusOK, indexHTML)
	})
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/ws", cfg.Hub.ServeWS)

	e.GET("/api/status", func(c echo.Context) error {
		return c.JSON(http.StatusOK, cfg.Controller.Status())
	})

	api := e.Group("/api/session")
	api.POST("/start", func(c echo.Context) error {
		status, err := cfg.Controller.StartSession(c.Request().Context())
		if err != nil {
			logger.Warn("session start failed", zap.Error(err))
			return c.JSON(statusForError(err), errorResponse{Error: errorCode(err), Message: err.Error()})
		}
		return c.JSON(http.StatusAccepted, status)
	})
	api.POST("/stop", func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), cfg.StopTimeout)
		defer cancel()
		if err := cfg.Controller.StopSession(ctx); err != nil {
			logger.Warn("session stop failed", zap.Error(err))
			return c.JSON(http.StatusGatewayTimeout, errorResponse{Error: "stop_timeout", Message: err.Error()})
		}
		return c.JSON(http.StatusOK, cfg.Controller.Status())
	})
	api.GET("/transcript", func(c echo.Context) error {
		c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", transcriptFilename))
		return c.String(http.StatusOK, cfg.Controller.Transcript())
	})

	if cfg.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(cfg.Metrics))
	}
	return e
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, domain.ErrConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrDevice):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorCode(err error) string {
	if kind, ok := domain.KindOf(err); ok {
		return string(kind)
	}
	return "internal"
}
