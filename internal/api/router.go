// Package api wires together all HTTP routes of the foldersync server.
//
// Route grouping:
//   - Git smart HTTP routes (/:repo/info/refs, /:repo/git-upload-pack,
//     /:repo/git-receive-pack, /:repo/HEAD) authenticate with Basic
//     credentials whose password is a session token, because that is all a
//     git client can send.
//   - REST routes (/api/v1/) accept the same token as Bearer or Basic.
//   - /health, /ready and /version are public.
package api

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/foldersync/foldersync/internal/api/admin"
	"github.com/foldersync/foldersync/internal/api/folders"
	"github.com/foldersync/foldersync/internal/auth"
	"github.com/foldersync/foldersync/internal/backup"
	"github.com/foldersync/foldersync/internal/config"
	"github.com/foldersync/foldersync/internal/db"
	"github.com/foldersync/foldersync/internal/db/models"
	"github.com/foldersync/foldersync/internal/db/repositories"
	"github.com/foldersync/foldersync/internal/gateway"
	"github.com/foldersync/foldersync/internal/gitrepo"
	"github.com/foldersync/foldersync/internal/jobs"
	"github.com/foldersync/foldersync/internal/middleware"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// Version is reported by /version; the build overrides it with -ldflags.
var Version = "0.1.0"

// Dependencies are the long-lived resources the router serves from. The
// caller owns them and closes them after BackgroundServices.Shutdown.
type Dependencies struct {
	// DB backs the company and membership queries and /health.
	DB *sql.DB
	// Sessions resolves tokens. It is normally an *auth.SessionStore with
	// its own pool.
	Sessions auth.SessionLookup
	Repos    *gitrepo.Manager
	// Backups is probed by /ready when set.
	Backups backup.Store
	// Redis, when set, shares rate limits between instances.
	Redis *redis.Client
}

// BackgroundServices holds references to background jobs and resources that must
// be stopped during graceful shutdown. The caller (cmd/server) is responsible for
// calling Shutdown() when the process receives a termination signal.
type BackgroundServices struct {
	hookReconciler *jobs.HookReconciler
	cancelJobs     context.CancelFunc
	rateLimiters   []middleware.Limiter
}

// Shutdown stops all background goroutines. It should be called after the HTTP
// server has been shut down so that in-flight requests are drained first.
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")
	if bg.cancelJobs != nil {
		bg.cancelJobs()
	}
	if bg.hookReconciler != nil {
		bg.hookReconciler.Stop()
	}
	for _, rl := range bg.rateLimiters {
		rl.Stop()
	}
	slog.Info("all background services stopped")
}

// NewRouter creates and configures the Gin router
func NewRouter(cfg *config.Config, deps Dependencies) (*gin.Engine, *BackgroundServices) {
	router := gin.New()
	bg := &BackgroundServices{}

	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(LoggerMiddleware())
	router.Use(CORSMiddleware(cfg))
	router.Use(middleware.SecurityHeadersMiddleware(middleware.DefaultSecurityHeadersConfig(cfg.Security.TLS.Enabled)))

	router.GET("/health", healthCheckHandler(deps.DB))
	router.GET("/ready", readinessHandler(deps))
	router.GET("/version", versionHandler())

	companyRepo := repositories.NewCompanyRepository(db.Wrap(deps.DB))
	memberRepo := repositories.NewMembershipRepository(deps.DB)
	resolver := auth.NewResolver(deps.Sessions)

	var limit gin.HandlerFunc = func(c *gin.Context) { c.Next() }
	if cfg.Security.RateLimiting.Enabled {
		limiter := newLimiter(cfg, deps.Redis)
		bg.rateLimiters = append(bg.rateLimiters, limiter)
		limit = middleware.RateLimitMiddleware(limiter)
	}

	// Git smart HTTP
	gw := gateway.New(gateway.Options{
		GitBinary:   cfg.Repos.GitBinary,
		ProjectRoot: deps.Repos.ReposDir(),
		Suffix:      cfg.Repos.Suffix,
		Timeout:     cfg.Repos.SubprocessTimeout,
	})
	gitAccess := []gin.HandlerFunc{
		middleware.GitBasicAuth(resolver),
		limit,
		middleware.RequireTenantAccess(deps.Repos, memberRepo, middleware.TenantAccessOptions{
			Param:             "repo",
			Suffix:            cfg.Repos.Suffix,
			RequireRepository: true,
			ConcealExistence:  cfg.Access.ConcealExistence,
		}),
	}
	gitRoute := func(method, tail string) {
		handlers := append(append([]gin.HandlerFunc{}, gitAccess...), gw.Handler(tail))
		router.Handle(method, "/:repo"+tail, handlers...)
	}
	gitRoute(http.MethodGet, gateway.PathInfoRefs)
	gitRoute(http.MethodGet, gateway.PathHEAD)
	gitRoute(http.MethodPost, gateway.PathUploadPack)
	gitRoute(http.MethodPost, gateway.PathReceivePack)

	// REST API
	apiV1 := router.Group("/api/v1")
	apiV1.Use(middleware.RESTAuth(resolver), limit)
	{
		apiV1.GET("/me/companies", admin.ListMyCompaniesHandler(memberRepo))

		repoHandlers := admin.NewRepositoryHandlers(deps.Repos, companyRepo)

		// Membership only: the repository may not exist yet.
		companyGroup := apiV1.Group("/companies/:id")
		companyGroup.Use(middleware.RequireTenantAccess(deps.Repos, memberRepo, middleware.TenantAccessOptions{
			Param:            "id",
			ConcealExistence: cfg.Access.ConcealExistence,
		}))
		{
			companyGroup.POST("/repository",
				middleware.RequireTenantRole(models.RoleOwner, models.RoleAdmin),
				repoHandlers.CreateRepositoryHandler())
			companyGroup.DELETE("/repository",
				middleware.RequireTenantRole(models.RoleOwner),
				repoHandlers.DeleteRepositoryHandler())
			companyGroup.POST("/repository/backup",
				middleware.RequireTenantRole(models.RoleOwner, models.RoleAdmin),
				repoHandlers.BackupRepositoryHandler())
		}

		folderHandlers := folders.NewHandlers(deps.Repos)
		folderGroup := apiV1.Group("/companies/:id/folders")
		folderGroup.Use(middleware.RequireTenantAccess(deps.Repos, memberRepo, middleware.TenantAccessOptions{
			Param:             "id",
			RequireRepository: true,
			ConcealExistence:  cfg.Access.ConcealExistence,
		}))
		{
			folderGroup.GET("", folderHandlers.ListFoldersHandler())
			folderGroup.POST("", folderHandlers.CreateFolderHandler())
			folderGroup.POST("/rename", folderHandlers.RenameFolderHandler())
			folderGroup.DELETE("", folderHandlers.DeleteFolderHandler())
		}

		operatorGroup := apiV1.Group("/admin/repositories")
		operatorGroup.Use(middleware.RequireOperator(cfg.Access.IsOperator))
		{
			operatorGroup.POST("/reinstall-hooks", repoHandlers.ReinstallHooksHandler())
			operatorGroup.POST("/enable-push", repoHandlers.EnablePushHandler())
		}
	}

	// Background jobs
	if cfg.Jobs.HookReconcileInterval > 0 || cfg.Jobs.WatchPatternsFile {
		patterns := ""
		if cfg.Jobs.WatchPatternsFile {
			patterns = cfg.Repos.PatternsFile
		}
		ctx, cancel := context.WithCancel(context.Background())
		reconciler := jobs.NewHookReconciler(deps.Repos, cfg.Jobs.HookReconcileInterval, patterns)
		if err := reconciler.Start(ctx); err != nil {
			slog.Warn("hook reconciler not started", "error", err)
			cancel()
		} else {
			bg.hookReconciler = reconciler
			bg.cancelJobs = cancel
		}
	}

	return router, bg
}

func newLimiter(cfg *config.Config, client *redis.Client) middleware.Limiter {
	rlc := middleware.DefaultRateLimitConfig()
	if cfg.Security.RateLimiting.RequestsPerMinute > 0 {
		rlc.RequestsPerMinute = cfg.Security.RateLimiting.RequestsPerMinute
	}
	if cfg.Security.RateLimiting.Burst > 0 {
		rlc.BurstSize = cfg.Security.RateLimiting.Burst
	}
	if client != nil {
		slog.Info("rate limiting through redis", "requests_per_minute", rlc.RequestsPerMinute)
		return middleware.NewRedisLimiter(client, rlc)
	}
	return middleware.NewRateLimiter(rlc)
}

// healthCheckHandler reports liveness: the process is up and can reach the
// database.
func healthCheckHandler(db *sql.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database connection failed",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// readinessHandler returns the readiness status of the service.
// Unlike the liveness probe (/health), it also checks that repositories can be
// written and git can be run, so a node with a read-only volume or a missing
// git binary is taken out of rotation.
func readinessHandler(deps Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		checks := gin.H{}
		notReady := func(check, msg string) {
			checks[check] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  msg,
			})
		}

		if err := deps.DB.PingContext(ctx); err != nil {
			notReady("database", "database not ready")
			return
		}
		checks["database"] = "healthy"

		if err := probeWritable(deps.Repos.ReposDir()); err != nil {
			slog.Warn("readiness: repositories directory not writable", "error", err)
			notReady("repositories", "repositories directory not writable")
			return
		}
		checks["repositories"] = "healthy"

		if _, err := deps.Repos.Git().Run(ctx, "", "--version"); err != nil {
			slog.Warn("readiness: git unavailable", "error", err)
			notReady("git", "git binary not available")
			return
		}
		checks["git"] = "healthy"

		if deps.Backups != nil {
			if _, err := deps.Backups.Exists(ctx, ".readiness-probe"); err != nil {
				slog.Warn("readiness: backup store unavailable", "error", err)
				notReady("backups", "backup store not ready")
				return
			}
			checks["backups"] = "healthy"
		}

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

func probeWritable(dir string) error {
	f, err := os.CreateTemp(dir, ".ready-*")
	if err != nil {
		return err
	}
	name := f.Name()
	if err := f.Close(); err != nil {
		return err
	}
	return os.Remove(name)
}

// versionHandler returns the server and protocol versions
func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":     Version,
			"api_version": "v1",
			"protocols": gin.H{
				"git": "smart-http",
			},
		})
	}
}

// LoggerMiddleware emits one structured record per request. The level
// follows the status so failed requests stand out.
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		status := c.Writer.Status()
		level := slog.LevelInfo
		switch {
		case status >= 500:
			level = slog.LevelError
		case status >= 400:
			level = slog.LevelWarn
		}

		requestID, _ := c.Get(middleware.RequestIDKey)
		slog.LogAttrs(
			c.Request.Context(),
			level,
			"http request",
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.String("route", c.FullPath()),
			slog.String("query", truncateQuery(query)),
			slog.Int("status", status),
			slog.Int("size", c.Writer.Size()),
			slog.Duration("latency", time.Since(start)),
			slog.String("ip", c.ClientIP()),
			slog.String("request_id", fmt.Sprintf("%v", requestID)),
			slog.String("user_id", c.GetString(middleware.UserIDKey)),
			slog.String("user_agent", c.Request.UserAgent()),
		)
	}
}

// truncateQuery bounds the logged query string.
func truncateQuery(q string) string {
	if len(q) > 256 {
		return q[:256] + "..."
	}
	return q
}

// CORSMiddleware handles CORS for the REST API.
func CORSMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		allowed := false
		for _, allowedOrigin := range cfg.Security.CORS.AllowedOrigins {
			if allowedOrigin == "*" || allowedOrigin == origin {
				allowed = true
				break
			}
		}

		if allowed && origin != "" {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Methods", joinOr(cfg.Security.CORS.AllowedMethods, "GET, POST, DELETE, OPTIONS"))
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Request-ID")
			c.Header("Access-Control-Max-Age", "3600")
		}

		if c.Request.Method == http.MethodOptions && origin != "" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func joinOr(items []string, fallback string) string {
	if len(items) == 0 {
		return fallback
	}
	return strings.Join(items, ", ")
}
