package httpserver

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chadiek/interpreter-relay/internal/config"
	"github.com/chadiek/interpreter-relay/internal/link"
	"github.com/chadiek/interpreter-relay/internal/metrics"
	"github.com/chadiek/interpreter-relay/internal/relay"
	"github.com/chadiek/interpreter-relay/internal/tts"
)

// Server bundles HTTP router and dependencies.
type Server struct {
	Router http.Handler
}

type Deps struct {
	Relay       *relay.Relay
	Catalog     *tts.Catalog
	Synthesizer relay.Synthesizer
	Gatherer    prometheus.Gatherer
	Metrics     *metrics.Metrics
	Log         *slog.Logger
}

var errEmptyAudio = errors.New("synthesizer returned no audio")

// New constructs the HTTP server with routes.
func New(cfg config.Config, deps Deps) *Server {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	e := newRouter()

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	e.GET("/voices", func(c echo.Context) error {
		if deps.Catalog == nil {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "voice catalog not loaded")
		}
		return c.JSON(http.StatusOK, deps.Catalog.View())
	})
	synthTimeout := cfg.FanoutTimeout
	if synthTimeout <= 0 {
		synthTimeout = 15 * time.Second
	}
	e.POST("/tts", synthesizeHandler(deps.Synthesizer, deps.Catalog, synthTimeout, deps.Log))

	opts := link.Options{
		WriteTimeout: cfg.LinkWriteTimeout,
		OnSkip:       func(error) { deps.Metrics.FrameSkipped() },
	}
	e.GET("/ws/:id", func(c echo.Context) error {
		id := strings.TrimSpace(c.Param("id"))
		if id == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "participant id required")
		}
		if _, taken := deps.Relay.Registry().Get(id); taken {
			return echo.NewHTTPError(http.StatusConflict, "participant id already connected")
		}
		l, err := link.Accept(c.Response(), c.Request(), id, deps.Log, opts)
		if err != nil {
			// the upgrader has already replied
			deps.Log.Warn("websocket upgrade failed", slog.String("participant", id), slog.String("error", err.Error()))
			return nil
		}
		if err := deps.Relay.Serve(c.Request().Context(), l); err != nil {
			deps.Log.Debug("session ended", slog.String("participant", id), slog.String("error", err.Error()))
		}
		return nil
	})

	return &Server{Router: e}
}
