package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ifuryst/storyrelay/internal/config"
	"github.com/ifuryst/storyrelay/internal/models"
	"github.com/ifuryst/storyrelay/internal/service"
)

const (
	defaultListLimit = 20
	maxListLimit     = 200
)

// StatusProvider reports ledger statistics
type StatusProvider interface {
	Status(accounts ...string) models.LedgerStats
}

// RunHistory is the read side of the run journal
type RunHistory interface {
	GetRecentRuns(limit int) ([]models.RunRecord, error)
	GetRun(runID string) (*models.RunRecord, error)
	GetRecentErrors(limit int, unresolvedOnly bool) ([]models.ErrorLog, error)
	GetOrphans(account string, limit int) ([]models.OrphanUpload, error)
}

type Server struct {
	Config *config.Config
	Router *gin.Engine
	Logger *zap.Logger
	Server *http.Server

	// Services
	Status    StatusProvider
	History   RunHistory
	Scheduler *service.Scheduler
	Auth      *service.AuthService
}

// NewServer builds the read-only status API. history and scheduler may be
// nil when the journal or the schedule are disabled.
func NewServer(cfg *config.Config, status StatusProvider, history RunHistory, scheduler *service.Scheduler, logger *zap.Logger) *Server {
	// Set gin mode
	mode := cfg.Server.Mode
	if mode == "" {
		mode = gin.ReleaseMode
	}
	gin.SetMode(mode)

	srv := &Server{
		Config:    cfg,
		Router:    gin.New(),
		Logger:    logger,
		Status:    status,
		History:   history,
		Scheduler: scheduler,
	}
	if cfg.Server.TOTPSecret != "" {
		srv.Auth = service.NewAuthService(logger, cfg.Server.TOTPSecret)
	}

	srv.setupMiddleware()
	srv.setupRoutes()

	return srv
}

func (s *Server) setupMiddleware() {
	// Recovery middleware
	s.Router.Use(gin.Recovery())

	// Logger middleware
	s.Router.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/health"},
		Formatter: func(param gin.LogFormatterParams) string {
			return fmt.Sprintf("%s - [%s] \"%s %s %s %d %s \"%s\" %s\"\n",
				param.ClientIP,
				param.TimeStamp.Format(time.RFC3339),
				param.Method,
				param.Path,
				param.Request.Proto,
				param.StatusCode,
				param.Latency,
				param.Request.UserAgent(),
				param.ErrorMessage,
			)
		},
	}))

	s.Router.Use(gzip.Gzip(gzip.DefaultCompression))

	// CORS middleware
	s.Router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, "+service.TOTPHeader)

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})
}

func (s *Server) setupRoutes() {
	// Health check
	s.Router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"time":   time.Now().Unix(),
		})
	})

	api := s.Router.Group("/api/v1")
	{
		api.GET("/status", s.handleGetStatus)
		api.GET("/status/:account", s.handleGetAccountStatus)

		// Journal routes
		journal := api.Group("")
		if s.Auth != nil {
			journal.Use(s.Auth.AuthMiddleware())
		}
		journal.Use(s.requireHistory)
		{
			journal.GET("/runs", s.handleGetRuns)
			journal.GET("/runs/:id", s.handleGetRun)
			journal.GET("/errors", s.handleGetErrors)
			journal.GET("/orphans", s.handleGetOrphans)
		}
	}
}

func (s *Server) handleGetStatus(c *gin.Context) {
	resp := gin.H{"ledger": s.Status.Status()}
	if s.Scheduler != nil {
		if next := s.Scheduler.NextRun(); !next.IsZero() {
			resp["next_run"] = next
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGetAccountStatus(c *gin.Context) {
	stats := s.Status.Status(c.Param("account"))
	if len(stats.Accounts) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "Account not found"})
		return
	}

	acc := stats.Accounts[0]
	if acc.TotalStories == 0 && acc.LastCheck == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Account not found"})
		return
	}
	c.JSON(http.StatusOK, acc)
}

func (s *Server) requireHistory(c *gin.Context) {
	if s.History == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "Run journal is disabled"})
		return
	}
	c.Next()
}

func (s *Server) handleGetRuns(c *gin.Context) {
	runs, err := s.History.GetRecentRuns(listLimit(c))
	if err != nil {
		s.Logger.Error("Failed to get runs", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get runs"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *Server) handleGetRun(c *gin.Context) {
	run, err := s.History.GetRun(c.Param("id"))
	if err != nil {
		s.Logger.Error("Failed to get run", zap.String("run_id", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get run"})
		return
	}
	if run == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Run not found"})
		return
	}

	c.JSON(http.StatusOK, run)
}

func (s *Server) handleGetErrors(c *gin.Context) {
	unresolved, _ := strconv.ParseBool(c.DefaultQuery("unresolved", "false"))
	logs, err := s.History.GetRecentErrors(listLimit(c), unresolved)
	if err != nil {
		s.Logger.Error("Failed to get errors", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get errors"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"errors": logs})
}

func (s *Server) handleGetOrphans(c *gin.Context) {
	orphans, err := s.History.GetOrphans(c.Query("account"), listLimit(c))
	if err != nil {
		s.Logger.Error("Failed to get orphaned uploads", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get orphaned uploads"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"orphans": orphans})
}

func listLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultListLimit)))
	if err != nil || limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func (s *Server) Start(ctx context.Context) error {
	// Start scheduler
	if s.Scheduler != nil {
		if err := s.Scheduler.Start(ctx); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	}

	addr := fmt.Sprintf("%s:%d", s.Config.Server.Host, s.Config.Server.Port)

	s.Server = &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.Logger.Info("Starting HTTP server", zap.String("addr", addr))

	if err := s.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	// Stop scheduler first
	if s.Scheduler != nil {
		s.Scheduler.Stop()
	}

	if s.Server == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	return s.Server.Shutdown(shutdownCtx)
}
