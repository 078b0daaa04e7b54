// Package http provides the HTTP API for gantryd.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/gantry/internal/pipeline"
	"github.com/fyrsmithlabs/gantry/internal/report"
	"github.com/fyrsmithlabs/gantry/internal/rollback"
)

// Server provides HTTP endpoints for gantryd.
type Server struct {
	echo   *echo.Echo
	engine *pipeline.Engine
	nats   *nats.Conn
	logger *zap.Logger
	config *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// NewServer creates the API server. The NATS connection is optional; without
// it the event stream endpoint reports that streaming is unavailable.
func NewServer(engine *pipeline.Engine, nc *nats.Conn, logger *zap.Logger, cfg *Config) (*Server, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9480,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(NewHTTPMetrics(logger).MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:   e,
		engine: engine,
		nats:   nc,
		logger: logger,
		config: cfg,
	}

	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/runs", s.handleStartRun)
	v1.GET("/runs", s.handleListRuns)
	v1.GET("/runs/:id", s.handleGetRun)
	v1.GET("/runs/:id/report", s.handleRunReport)
	v1.GET("/runs/:id/events", s.handleRunEvents)
	v1.POST("/runs/:id/resume", s.handleResumeRun)
	v1.POST("/runs/:id/abort", s.handleAbortRun)
	v1.POST("/runs/:id/rollback", s.handleRollbackRun)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleStartRun creates and executes a run for the posted pipeline
// definition. The call blocks until the run completes or halts and returns
// the run report.
func (s *Server) handleStartRun(c echo.Context) error {
	var def pipeline.Definition
	if err := c.Bind(&def); err != nil {
		s.logger.Warn("invalid run request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := def.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	rep, err := s.engine.Start(c.Request().Context(), def)
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusCreated, rep)
}

// handleListRuns returns all stored runs, newest first.
func (s *Server) handleListRuns(c echo.Context) error {
	runs, err := s.engine.List(c.Request().Context())
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, runs)
}

// handleGetRun returns the stored state of one run.
func (s *Server) handleGetRun(c echo.Context) error {
	run, err := s.engine.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, run)
}

// handleRunReport returns the scored run report.
func (s *Server) handleRunReport(c echo.Context) error {
	rep, err := s.engine.Report(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, rep)
}

// handleResumeRun re-executes a halted run from its halted phase. Blocks
// like handleStartRun.
func (s *Server) handleResumeRun(c echo.Context) error {
	rep, err := s.engine.Resume(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, rep)
}

// AbortResponse is the response body for POST /api/v1/runs/:id/abort.
type AbortResponse struct {
	RunID   string `json:"run_id"`
	Aborted bool   `json:"aborted"`
}

// handleAbortRun cancels an executing run.
func (s *Server) handleAbortRun(c echo.Context) error {
	id := c.Param("id")
	if err := s.engine.Abort(c.Request().Context(), id); err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusAccepted, AbortResponse{RunID: id, Aborted: true})
}

// RollbackResponse is the response body for POST /api/v1/runs/:id/rollback.
type RollbackResponse struct {
	RunID    string                 `json:"run_id"`
	Rollback *report.RollbackReport `json:"rollback"`
}

// handleRollbackRun reverts a halted or completed run to its checkpoint.
func (s *Server) handleRollbackRun(c echo.Context) error {
	id := c.Param("id")
	rep, err := s.engine.Rollback(c.Request().Context(), id)
	if err != nil {
		// An unverified rollback is reported with its partial detail,
		// not hidden behind a bare status code.
		if errors.Is(err, rollback.ErrIncomplete) {
			return c.JSON(http.StatusConflict, map[string]interface{}{
				"error":    err.Error(),
				"run_id":   id,
				"rollback": rep,
			})
		}
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, RollbackResponse{RunID: id, Rollback: rep})
}

// mapError converts engine errors into HTTP status codes.
func (s *Server) mapError(err error) error {
	switch {
	case errors.Is(err, pipeline.ErrRunNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, pipeline.ErrInvalidTransition),
		errors.Is(err, pipeline.ErrNoCheckpoint),
		errors.Is(err, pipeline.ErrNoDeployment):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, context.Canceled):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		return err
	}

	s.logger.Error("request failed", zap.Error(err))
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

// Echo exposes the underlying router for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}
