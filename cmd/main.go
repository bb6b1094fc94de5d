package main

import (
	"context"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"buildloft/internal/agent"
	"buildloft/internal/config"
	"buildloft/internal/db"
	"buildloft/internal/deploy"
	"buildloft/internal/handlers"
	"buildloft/internal/logging"
	"buildloft/internal/metrics"
	"buildloft/internal/middleware"
	"buildloft/internal/orchestrator"
	"buildloft/internal/progress"
	"buildloft/internal/session"
	"buildloft/internal/stream"
	"buildloft/internal/workspace"
)

func main() {
	// Missing .env is fine in containers; environment variables win.
	if godotenv.Load() != nil {
		_ = godotenv.Load("../.env")
	}

	logging.Init()
	defer logging.Sync()
	log := logging.S()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalw("load configuration", "error", err)
	}

	database, err := db.New(cfg.DatabaseURL, cfg.SQLitePath)
	if err != nil {
		log.Fatalw("connect database", "error", err)
	}
	defer database.Close()

	workspaces, err := workspace.NewManager(cfg.WorkspaceRoot)
	if err != nil {
		log.Fatalw("prepare workspace root", "error", err)
	}

	bus := progress.NewBus()
	runner := agent.NewCLIRunner(cfg.AgentBinary, cfg.AgentModel)
	sessions := session.NewManager(database.DB)
	deployer := deploy.NewCLIAdapter(deploy.Config{
		VercelToken:  cfg.VercelToken,
		NetlifyToken: cfg.NetlifyToken,
		RenderToken:  cfg.RenderToken,
	})
	orch := orchestrator.New(database, workspaces, bus, runner, sessions, deployer, cfg.LocalPortStart)

	router := buildRouter(cfg, orch, workspaces, bus, database)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Infow("server listening", "port", cfg.Port, "environment", cfg.Environment)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warnw("shutdown incomplete", "error", err)
	}
}

func buildRouter(cfg *config.Config, orch *orchestrator.Orchestrator,
	workspaces *workspace.Manager, bus *progress.Bus, database *db.Database) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	var origins []string
	for _, o := range strings.Split(cfg.CORSAllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}

	router := gin.New()
	router.Use(
		middleware.Recovery(),
		middleware.RequestID(),
		middleware.Logger(),
		middleware.CORS(origins),
		middleware.RateLimit(300, 30),
		metrics.Middleware(),
	)

	router.GET("/health", func(c *gin.Context) {
		status := "ok"
		code := http.StatusOK
		if err := database.Health(); err != nil {
			logging.L().Warn("health check", zap.Error(err))
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{"status": status})
	})
	router.GET("/metrics", metrics.Handler())

	h := handlers.NewHandler(orch, workspaces)
	v1 := router.Group("/api/v1")
	{
		v1.POST("/builds", h.StartBuild)
		v1.GET("/builds", h.ListBuilds)
		v1.GET("/builds/:id", h.GetBuild)
		v1.POST("/builds/:id/cancel", h.CancelBuild)
		v1.POST("/builds/:id/retry", h.RetryBuild)
		v1.POST("/builds/:id/modify", h.ModifyBuild)
		v1.GET("/builds/:id/session", h.GetSession)
		v1.POST("/sessions/:id/respond", h.RespondToSession)
		v1.GET("/builds/:id/files", h.ListFiles)
		v1.GET("/builds/:id/files/content", h.ReadFile)
		v1.GET("/builds/:id/stream", stream.ProgressHandler(bus, database))
	}
	return router
}
