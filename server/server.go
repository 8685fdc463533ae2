// Package server exposes the orchestrator over HTTP: workflow registration,
// synchronous runs, run reports and a websocket stream of run envelopes.
package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/hupe1980/makermesh/logging"
	"github.com/hupe1980/makermesh/report"
	"github.com/hupe1980/makermesh/runtime"
	"github.com/hupe1980/makermesh/workflow"
)

// maxDefinitionSize caps POST /v1/workflows bodies.
const maxDefinitionSize = 1 << 20

// Options configures a Server.
type Options struct {
	// Reports backs the run report endpoints. Nil disables them.
	Reports *report.Projection
	// StreamBuffer is the per-subscriber websocket queue size.
	StreamBuffer int
	PingInterval time.Duration
	WriteTimeout time.Duration
	Logger       logging.Logger
}

// Server is the HTTP surface of makermesh.
type Server struct {
	echo     *echo.Echo
	orch     *workflow.Orchestrator
	reports  *report.Projection
	hub      *Hub
	opts     Options
	upgrader websocket.Upgrader
}

// New builds the server and taps rt for the event stream.
func New(rt *runtime.Runtime, orch *workflow.Orchestrator, optFns ...func(o *Options)) *Server {
	opts := Options{
		StreamBuffer: 256,
		PingInterval: 30 * time.Second,
		WriteTimeout: 10 * time.Second,
		Logger:       logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	s := &Server{
		echo:    echo.New(),
		orch:    orch,
		reports: opts.Reports,
		hub:     NewHub(opts.StreamBuffer, opts.Logger),
		opts:    opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.RequestID())

	rt.OnDeliver(s.hub.Observe)
	s.registerRoutes()

	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/healthz", s.health)

	s.echo.POST("/v1/workflows", s.registerWorkflow)
	s.echo.GET("/v1/workflows", s.listWorkflows)
	s.echo.GET("/v1/workflows/:name", s.getWorkflow)

	s.echo.POST("/v1/runs", s.run)
	s.echo.GET("/v1/runs", s.listRuns)
	s.echo.GET("/v1/runs/:id", s.getRun)
	s.echo.GET("/v1/runs/:id/events", s.streamRun)
}

// Handler returns the HTTP handler, for tests and custom listeners.
func (s *Server) Handler() http.Handler { return s.echo }

// Hub returns the event stream hub.
func (s *Server) Hub() *Hub { return s.hub }

// Start listens on addr until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start(addr string) error {
	s.opts.Logger.Info("HTTP server listening", "addr", addr)

	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) health(c echo.Context) error {
	body := map[string]any{
		"status":    "ok",
		"workflows": len(s.orch.Workflows()),
	}

	if s.reports != nil {
		body["report_dropped"] = s.reports.Dropped()
	}

	return c.JSON(http.StatusOK, body)
}

func (s *Server) registerWorkflow(c echo.Context) error {
	data, err := io.ReadAll(io.LimitReader(c.Request().Body, maxDefinitionSize))
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("failed to read body"))
	}

	def, err := workflow.Parse(data)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody(err.Error()))
	}

	if err := s.orch.Register(def); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody(err.Error()))
	}

	s.opts.Logger.Info("Workflow registered", "workflow", def.Name, "steps", len(def.Steps))

	return c.JSON(http.StatusCreated, map[string]any{"name": def.Name, "steps": len(def.Steps)})
}

func (s *Server) listWorkflows(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"workflows": s.orch.Workflows()})
}

func (s *Server) getWorkflow(c echo.Context) error {
	def, ok := s.orch.Definition(c.Param("name"))
	if !ok {
		return c.JSON(http.StatusNotFound, errorBody("workflow not found"))
	}

	return c.JSON(http.StatusOK, def)
}

// RunRequest is the body of POST /v1/runs.
type RunRequest struct {
	Workflow string `json:"workflow"`
	Input    string `json:"input"`
	// Trace includes the execution trace in the response.
	Trace bool `json:"trace,omitempty"`
}

func (s *Server) run(c echo.Context) error {
	var req RunRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("invalid request body"))
	}

	if req.Workflow == "" {
		return c.JSON(http.StatusBadRequest, errorBody("workflow is required"))
	}

	res, err := s.orch.Run(c.Request().Context(), req.Workflow, req.Input)

	switch {
	case errors.Is(err, workflow.ErrUnknownWorkflow):
		return c.JSON(http.StatusNotFound, errorBody(err.Error()))
	case err != nil:
		s.opts.Logger.Error("Run failed", "workflow", req.Workflow, "error", err)
		return c.JSON(http.StatusInternalServerError, errorBody(err.Error()))
	}

	if !req.Trace {
		res.Trace = nil
	}

	return c.JSON(http.StatusOK, res)
}

func (s *Server) listRuns(c echo.Context) error {
	if s.reports == nil {
		return c.JSON(http.StatusNotImplemented, errorBody("run reports are disabled"))
	}

	return c.JSON(http.StatusOK, map[string]any{"runs": s.reports.List()})
}

func (s *Server) getRun(c echo.Context) error {
	if s.reports == nil {
		return c.JSON(http.StatusNotImplemented, errorBody("run reports are disabled"))
	}

	rep, ok := s.reports.Get(c.Param("id"))
	if !ok {
		return c.JSON(http.StatusNotFound, errorBody("run not found"))
	}

	return c.JSON(http.StatusOK, rep)
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}
