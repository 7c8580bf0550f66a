package rest

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/opensupply/OpenSupplyCore/internal/api/websocket"
	"github.com/opensupply/OpenSupplyCore/internal/auth"
	"github.com/opensupply/OpenSupplyCore/internal/config"
	"github.com/opensupply/OpenSupplyCore/internal/interfaces"
)

type Server struct {
	router      *gin.Engine
	lm          interfaces.LifecycleManager
	logger      *zap.Logger
	server      *http.Server
	wsHub       *websocket.Hub
	authService *auth.AuthService
}

func NewServer(cfg *config.Config, lm interfaces.LifecycleManager, logger *zap.Logger, wsHub *websocket.Hub, authService *auth.AuthService) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		router:      gin.New(),
		lm:          lm,
		logger:      logger,
		wsHub:       wsHub,
		authService: authService,
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) Start() error {
	s.logger.Info("Starting REST API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Fatal("REST server failed", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down REST API server")
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(gin.Recovery())
	s.router.Use(LoggerMiddleware(s.logger))
	s.router.Use(CORSMiddleware())

	// API v1
	v1 := s.router.Group("/api/v1")
	{
		// ==================== AUTH ENDPOINTS (PUBLIC) ====================
		authPublic := v1.Group("/auth")
		{
			authPublic.POST("/login", s.login)
			authPublic.POST("/refresh", s.refreshToken)
		}

		// ==================== AUTH ENDPOINTS (AUTHENTICATED) ====================
		authProtected := v1.Group("/auth")
		authProtected.Use(s.authService.AuthMiddleware())
		{
			authProtected.POST("/logout", s.logout)
			authProtected.GET("/me", s.getCurrentUser)
		}

		// ==================== MACHINE TOKENS (ADMIN ONLY) ====================
		machineTokens := v1.Group("/machine-tokens")
		machineTokens.Use(s.authService.AuthMiddleware())
		machineTokens.Use(auth.RequirePermission(auth.PermAdmin))
		{
			machineTokens.POST("", s.createMachineToken)
			machineTokens.GET("", s.listMachineTokens)
			machineTokens.DELETE("/:id", s.deleteMachineToken)
		}

		// ==================== USER MANAGEMENT (ADMIN ONLY) ====================
		users := v1.Group("/users")
		users.Use(s.authService.AuthMiddleware())
		users.Use(auth.RequirePermission(auth.PermAdmin))
		{
			users.POST("", s.createUser)
			users.GET("", s.listUsers)
			users.PATCH("/:id", s.updateUser)
			users.DELETE("/:id", s.deleteUser)
		}

		// ==================== SUPPLIES ====================
		supplies := v1.Group("/supplies")
		supplies.Use(s.authService.AuthMiddleware())
		{
			// Read operations: Operator+
			supplies.GET("", auth.RequirePermission(auth.PermOperator), s.listSupplies)
			supplies.GET("/:name/status", auth.RequirePermission(auth.PermOperator), s.getSupplyStatus)
			supplies.GET("/:name/params", auth.RequirePermission(auth.PermOperator), s.listSupplyParams)
			supplies.GET("/:name/params/:id", auth.RequirePermission(auth.PermOperator), s.getSupplyParam)
			supplies.GET("/:name/scope", auth.RequirePermission(auth.PermOperator), s.getSupplyScope)
			supplies.PUT("/:name/scope", auth.RequirePermission(auth.PermOperator), s.putSupplyScopeSource)

			// Commands: Operator+ (set_interlock escalates to admin in the handler)
			supplies.POST("/:name/commands", auth.RequirePermission(auth.PermOperator), s.executeSupplyCommand)

			// Write operations: Technician+
			supplies.PUT("/:name/params/:id", auth.RequirePermission(auth.PermTechnician), s.putSupplyParam)
			supplies.PUT("/:name/wfmref", auth.RequirePermission(auth.PermTechnician), s.putSupplyWfmRef)
		}

		// ==================== PROFILES (OPERATOR+) ====================
		profilesGroup := v1.Group("/profiles")
		profilesGroup.Use(s.authService.AuthMiddleware())
		profilesGroup.Use(auth.RequirePermission(auth.PermOperator))
		{
			profilesGroup.GET("", s.listProfiles)
			profilesGroup.GET("/:id", s.getProfile)
		}

		// ==================== EVENT HISTORY ====================
		events := v1.Group("/events")
		events.Use(s.authService.AuthMiddleware())
		{
			events.GET("", auth.RequirePermission(auth.PermOperator), s.listEvents)
			events.DELETE("", auth.RequirePermission(auth.PermAdmin), s.pruneEvents)
		}

		// ==================== SEQUENCES (OPERATOR+) ====================
		sequences := v1.Group("/sequences")
		sequences.Use(s.authService.AuthMiddleware())
		sequences.Use(auth.RequirePermission(auth.PermOperator))
		{
			sequences.GET("", s.listSequences)
			sequences.GET("/runs", s.listSequenceRuns)
			sequences.GET("/runs/:run_id", s.getSequenceRun)
			sequences.DELETE("/runs/:run_id", s.cancelSequenceRun)
			sequences.GET("/:id", s.getSequence)
			sequences.POST("/:id/runs", s.startSequenceRun)
		}

		// ==================== SYSTEM ====================
		v1.GET("/system/health", s.healthCheck)

		system := v1.Group("/system")
		system.Use(s.authService.AuthMiddleware())
		system.Use(auth.RequirePermission(auth.PermOperator))
		{
			system.GET("/status", s.getSystemStatus)
		}

		// ==================== WEBSOCKET (PUBLIC - Auth via first message) ====================
		ws := v1.Group("/ws")
		{
			ws.GET("/live", s.wsLiveConnection)
		}
	}
}

// WebSocket handlers
func (s *Server) wsLiveConnection(c *gin.Context) {
	websocket.ServeWs(s.wsHub, c.Writer, c.Request)
}

// Health check (public)
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
	})
}
