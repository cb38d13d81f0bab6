// Package server exposes the driver over HTTP: tasks are started with a
// POST and their progress is streamed back as server-sent events or over a
// WebSocket.
package server

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"maestro/internal/driver"
	"maestro/internal/logging"
	"maestro/internal/observability"
	"maestro/internal/registry"
	"maestro/internal/task"
	"maestro/internal/taskstore"
)

// Runner starts tasks. *driver.Driver implements it.
type Runner interface {
	RunTask(ctx context.Context, request string) (task.ID, <-chan driver.Progress, error)
	Busy() bool
	Registry() *registry.Registry
	ArbiterRole() string
}

// Config configures the HTTP listener.
type Config struct {
	Addr         string
	EnableCORS   bool
	Debug        bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Option customises a Server.
type Option func(*Server)

// WithLogger sets the server's logger.
func WithLogger(logger logging.Logger) Option {
	return func(s *Server) { s.logger = logging.OrNop(logger) }
}

// WithGatherer sets the registry served on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithTracer traces every request.
func WithTracer(tp *observability.TracerProvider) Option {
	return func(s *Server) { s.tracer = tp }
}

// Server serves the task API.
type Server struct {
	runner     Runner
	store      *taskstore.Store
	engine     *gin.Engine
	httpServer *http.Server
	upgrader   websocket.Upgrader

	logger    logging.Logger
	gatherer  prometheus.Gatherer
	tracer    *observability.TracerProvider
	startTime time.Time
}

func New(runner Runner, store *taskstore.Store, cfg Config, opts ...Option) *Server {
	if store == nil {
		store = taskstore.New(0)
	}
	s := &Server{
		runner:    runner,
		store:     store,
		logger:    logging.NewComponentLogger("Server"),
		gatherer:  prometheus.DefaultGatherer,
		startTime: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(RequestIDMiddleware())
	engine.Use(TracingMiddleware(s.tracer))
	engine.Use(LoggingMiddleware(s.logger))
	if cfg.EnableCORS {
		corsConfig := cors.DefaultConfig()
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
		corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", RequestIDHeader}
		corsConfig.ExposeHeaders = []string{RequestIDHeader}
		corsConfig.AllowWebSockets = true
		engine.Use(cors.New(corsConfig))
	}
	s.engine = engine
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      engine,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/healthz", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	api := s.engine.Group("/api")
	api.GET("/agents", s.handleListAgents)

	tasks := api.Group("/tasks")
	{
		tasks.POST("", JSONMiddleware(), s.handleRunTaskSSE)
		tasks.GET("", s.handleListTasks)
		tasks.GET("/ws", s.handleRunTaskWebSocket)
		tasks.GET("/:id", s.handleGetTask)
	}
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.engine }

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("Starting maestro server on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for open streams within ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Stopping maestro server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("Error shutting down HTTP server: %v", err)
		return err
	}
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "ok",
		Busy:      s.runner.Busy(),
		Timestamp: time.Now(),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
	})
}

func (s *Server) handleListAgents(c *gin.Context) {
	reg := s.runner.Registry()
	arbiterRole := s.runner.ArbiterRole()
	agents := make([]AgentInfo, 0, reg.Len())
	for _, key := range reg.Names() {
		def, _ := reg.Get(key)
		agents = append(agents, AgentInfo{
			Key:        key,
			Name:       def.DisplayName(key),
			WhenToUse:  def.WhenToUse,
			HasCommand: def.HasCommand(),
			IsArbiter:  key == arbiterRole,
		})
	}
	c.JSON(http.StatusOK, APIResponse{Success: true, Data: agents})
}

func (s *Server) handleListTasks(c *gin.Context) {
	c.JSON(http.StatusOK, APIResponse{Success: true, Data: s.store.List()})
}

func (s *Server) handleGetTask(c *gin.Context) {
	summary, ok := s.store.Get(task.ID(c.Param("id")))
	if !ok {
		c.JSON(http.StatusNotFound, APIResponse{Error: fmt.Sprintf("task %s not found", c.Param("id"))})
		return
	}
	c.JSON(http.StatusOK, APIResponse{Success: true, Data: summary})
}
