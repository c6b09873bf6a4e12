// Package server exposes the control service over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dotcommander/loopd/internal/control"
	"github.com/dotcommander/loopd/internal/models"
	"github.com/dotcommander/loopd/internal/output"
)

// Deps are the collaborators a Server is built from. NATS and Gatherer are
// optional: without NATS the event stream answers 503, without Gatherer
// /metrics is not mounted.
type Deps struct {
	Service  *control.Service
	NATS     *nats.Conn
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// Server provides HTTP endpoints for loopd.
type Server struct {
	echo   *echo.Echo
	svc    *control.Service
	nc     *nats.Conn
	logger *slog.Logger
	addr   string

	heartbeat time.Duration
}

// New creates a new HTTP server listening on addr once started.
func New(d Deps, addr string) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(requestLogger(d.Logger))

	s := &Server{
		echo:      e,
		svc:       d.Service,
		nc:        d.NATS,
		logger:    d.Logger,
		addr:      addr,
		heartbeat: 30 * time.Second,
	}
	s.registerRoutes(d.Gatherer)
	return s
}

func requestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			logger.Info("http request",
				"method", c.Request().Method,
				"uri", c.Request().RequestURI,
				"status", c.Response().Status,
				"duration", time.Since(start),
				"request_id", c.Response().Header().Get(echo.HeaderXRequestID),
			)
			return nil
		}
	}
}

func (s *Server) registerRoutes(g prometheus.Gatherer) {
	s.echo.GET("/health", s.handleHealth)
	if g != nil {
		s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(g, promhttp.HandlerOpts{})))
	}

	v1 := s.echo.Group("/api/v1")
	v1.POST("/tasks", s.handleCreateTask)
	v1.GET("/tasks", s.handleListTasks)
	v1.GET("/tasks/:id", s.handleGetTask)
	v1.PUT("/tasks/:id/workspace", s.handleSetWorkspace)
	v1.GET("/tasks/:id/executions", s.handleExecutions)
	v1.POST("/tasks/:id/scripts", s.handleRunScript)

	phase := v1.Group("/tasks/:id/phase")
	phase.GET("/status", s.handleStatus)
	phase.GET("/details", s.handleDetails)
	phase.GET("/plan", s.handlePlan)
	phase.GET("/history", s.handleHistory)
	phase.GET("/events", s.handleEvents)
	phase.POST("/start", s.launch(s.svc.Start))
	phase.POST("/approve", s.launch(s.svc.Approve))
	phase.POST("/replan", s.launch(s.svc.Replan))
	phase.POST("/restart", s.launch(s.svc.Restart))
	phase.POST("/cancel", s.handleCancel)
	phase.POST("/reset", s.handleReset)
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.echo }

// Start serves until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting http server", "addr", s.addr)
	if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

// StatusFor maps an error to its HTTP status by domain error code.
func StatusFor(err error) int {
	var re models.RecoverableError
	if !errors.As(err, &re) {
		return http.StatusInternalServerError
	}
	switch re.ErrorCode() {
	case "INVALID_TRANSITION", "EXECUTION_ACTIVE", "VERSION_CONFLICT":
		return http.StatusConflict
	case "TASK_NOT_FOUND", "ARTIFACT_MISSING":
		return http.StatusNotFound
	case "SETUP_MISSING", "SPEC_MISSING":
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// errorHandler renders every error in the output envelope.
func errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status := StatusFor(err)
	resp := output.Error(err)

	var he *echo.HTTPError
	if errors.As(err, &he) {
		status = he.Code
		if msg, ok := he.Message.(string); ok {
			resp.Error = msg
		} else {
			resp.Error = http.StatusText(he.Code)
		}
	}

	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	_ = c.JSON(status, resp)
}

func ok(c echo.Context, status int, data any) error {
	return c.JSON(status, output.Success(data))
}

func badRequest(msg string) error {
	return echo.NewHTTPError(http.StatusBadRequest, msg)
}
