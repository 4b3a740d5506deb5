// Package api exposes the device control subsystem over REST.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Homaei/RAPIAMS/internal/api/handlers"
	"github.com/Homaei/RAPIAMS/internal/api/middleware"
	"github.com/Homaei/RAPIAMS/internal/device"
	"github.com/Homaei/RAPIAMS/internal/logger"
	"github.com/Homaei/RAPIAMS/internal/storage"
)

// Config contains the REST server settings.
type Config struct {
	Address      string
	ReadTimeout  string
	WriteTimeout string
	CORSEnabled  bool
	RateLimit    float64
	RateBurst    int
	Debug        bool
}

// Server represents the REST API server
type Server struct {
	config   Config
	logger   logger.Interface
	manager  *device.Manager
	database *storage.Database
	notifier handlers.Notifier
	router   *gin.Engine
	server   *http.Server
	limiter  *middleware.RateLimiter
}

// New creates a new API server instance. Database and notifier are optional;
// routes that need them are skipped or degrade when absent.
func New(cfg Config, log logger.Interface, manager *device.Manager, db *storage.Database, notifier handlers.Notifier) *Server {
	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		config:   cfg,
		logger:   log,
		manager:  manager,
		database: db,
		notifier: notifier,
		router:   gin.New(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all API routes and middleware
func (s *Server) setupRoutes() {
	s.router.Use(middleware.Logger(s.logger))
	s.router.Use(middleware.Recovery(s.logger))
	s.router.Use(middleware.RequestID())

	if s.config.CORSEnabled {
		s.router.Use(middleware.CORS())
	}

	if s.config.RateLimit > 0 {
		s.limiter = middleware.NewRateLimiter(s.config.RateLimit, s.config.RateBurst, s.logger)
		s.router.Use(s.limiter.RateLimit())
	}

	healthHandler := handlers.NewHealthHandler(s.database)
	s.router.GET("/health", healthHandler.Health)
	s.router.GET("/ready", healthHandler.Ready)

	v1 := s.router.Group("/api/v1")
	{
		deviceHandler := handlers.NewDeviceHandler(s.manager, s.notifier, s.logger)
		devices := v1.Group("/devices")
		{
			devices.GET("", deviceHandler.List)
			devices.POST("", deviceHandler.Register)
			devices.POST("/emergency-stop", deviceHandler.EmergencyStopAll)
			devices.GET("/:name", deviceHandler.Info)
			devices.DELETE("/:name", deviceHandler.Unregister)
			devices.GET("/:name/status", deviceHandler.Status)
			devices.GET("/:name/statistics", deviceHandler.Statistics)
			devices.GET("/:name/history", deviceHandler.History)
			devices.POST("/:name/on", deviceHandler.TurnOn)
			devices.POST("/:name/on-for", deviceHandler.TurnOnForDuration)
			devices.POST("/:name/off", deviceHandler.TurnOff)
			devices.POST("/:name/emergency-stop", deviceHandler.EmergencyStop)
		}

		if s.database != nil {
			eventsHandler := handlers.NewEventsHandler(s.database, s.logger)
			devices.GET("/:name/events", eventsHandler.DeviceEvents)
			v1.GET("/system/samples", eventsHandler.MetricSamples)
		}

		system := v1.Group("/system")
		{
			system.GET("/info", handlers.SystemInfo)
			system.GET("/metrics", handlers.SystemMetrics)
		}
	}
}

// Start starts the HTTP server
func (s *Server) Start() error {
	readTimeout, err := time.ParseDuration(s.config.ReadTimeout)
	if err != nil {
		readTimeout = 30 * time.Second
	}

	writeTimeout, err := time.ParseDuration(s.config.WriteTimeout)
	if err != nil {
		writeTimeout = 30 * time.Second
	}

	s.server = &http.Server{
		Addr:         s.config.Address,
		Handler:      s.router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.WithField("address", s.config.Address).Info("Starting API server")
	return s.server.ListenAndServe()
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	if s.limiter != nil {
		s.limiter.Stop()
	}
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the underlying Gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
