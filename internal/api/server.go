package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"kline-replay-trainer/internal/events"
	"kline-replay-trainer/internal/market"
	"kline-replay-trainer/internal/session"
	"kline-replay-trainer/internal/store"
	"kline-replay-trainer/internal/users"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Server represents the HTTP API server
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	registry   *session.Registry
	users      *users.Manager
	history    *store.Store
	provider   market.Provider
	eventBus   *events.EventBus
	hub        *WSHub
	config     ServerConfig
	logger     zerolog.Logger
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port            int
	Host            string
	ProductionMode  bool
	StaticFilesPath string
	AllowedOrigins  []string
	ReadTimeout     int // Seconds
	WriteTimeout    int // Seconds
}

// NewServer creates a new API server
func NewServer(
	config ServerConfig,
	provider market.Provider,
	userManager *users.Manager,
	history *store.Store,
	registry *session.Registry,
	eventBus *events.EventBus,
	logger zerolog.Logger,
) *Server {
	// Set Gin mode
	if config.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()

	// Middleware
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(requestID())

	// CORS middleware
	corsConfig := cors.DefaultConfig()
	origins := config.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	if len(origins) == 1 && origins[0] == "*" {
		// Wildcard cannot be combined with credentials
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = origins
		corsConfig.AllowCredentials = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.ExposeHeaders = []string{"Content-Length"}
	router.Use(cors.New(corsConfig))

	server := &Server{
		router:   router,
		registry: registry,
		users:    userManager,
		history:  history,
		provider: provider,
		eventBus: eventBus,
		config:   config,
		logger:   logger.With().Str("component", "api").Logger(),
	}

	// WebSocket hub relays bus events to connected clients
	server.hub = NewWSHub(server.logger)
	go server.hub.Run()
	eventBus.SubscribeAll(server.hub.BroadcastEvent)

	server.setupRoutes()

	return server
}

// requestID tags every request with an id for log correlation.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Writer.Header().Set("X-Request-ID", id)
		c.Next()
	}
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	// WebSocket endpoint for live session events
	s.router.GET("/ws", s.handleWebSocket)

	// API routes group
	api := s.router.Group("/api")
	{
		// Health check
		api.GET("/health", s.handleHealth)

		// User management
		userRoutes := api.Group("/users")
		{
			userRoutes.GET("", s.handleListUsers)
			userRoutes.POST("", s.handleCreateUser)
			userRoutes.DELETE("/:username", s.handleDeleteUser)

			// Per-user settings
			userRoutes.GET("/:username/settings", s.handleGetSettings)
			userRoutes.POST("/:username/settings", s.handleUpdateSettings)

			// Persistent training records
			userRoutes.GET("/:username/statistics", s.handleUserStatistics)
			userRoutes.GET("/:username/history", s.handleUserHistory)
			userRoutes.GET("/:username/history/:sessionID", s.handleSessionDetail)
			userRoutes.DELETE("/:username/history/:sessionID", s.handleDeleteSession)
			userRoutes.GET("/:username/analysis", s.handleUserAnalysis)
		}

		// Training sessions
		training := api.Group("/training")
		{
			// Static route must be registered before the :id routes
			training.POST("/start", s.handleStartTraining)

			training.GET("/:id/data", s.handleTrainingData)
			training.POST("/:id/next", s.handleNextBar)
			training.POST("/:id/adjustment", s.handleSetAdjustment)
			training.POST("/:id/trade", s.handleTrade)
			training.GET("/:id/account", s.handleAccount)
			training.GET("/:id/indicators/:kind", s.handleIndicator)
			training.POST("/:id/end", s.handleEndTraining)
			training.POST("/:id/reset", s.handleResetTraining)
			training.GET("/:id/history", s.handleTradeLog)
			training.POST("/:id/jump", s.handleJumpToDate)
		}
	}

	// Serve static files (frontend build) in production
	if s.config.StaticFilesPath != "" {
		s.router.Static("/assets", s.config.StaticFilesPath+"/assets")
		s.router.StaticFile("/", s.config.StaticFilesPath+"/index.html")
	}

	// Catch-all: unknown API routes get 404 JSON, anything else falls back
	// to the frontend entry point to support client-side routing
	s.router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api") {
			errorResponse(c, http.StatusNotFound, "endpoint not found")
			return
		}

		if s.config.StaticFilesPath != "" {
			c.File(s.config.StaticFilesPath + "/index.html")
			return
		}

		errorResponse(c, http.StatusNotFound, "not found")
	})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	readTimeout := s.config.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 15
	}
	writeTimeout := s.config.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 15
	}

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(readTimeout) * time.Second,
		WriteTimeout: time.Duration(writeTimeout) * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("Starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down HTTP server...")

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}

	return nil
}

// errorResponse is a helper to send error responses
func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"error": message,
	})
}
