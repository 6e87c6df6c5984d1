// Package main is the entry point for the foldersync server binary.
//
// Subcommands:
//
//	serve                    run the HTTP server (default)
//	migrate <up|down>        apply or roll back schema migrations
//	version                  print the version
//	pre-receive              content-scan a push; invoked by the installed git hook
//	reinstall-hooks          rewrite the pre-receive hook in every repository
//	enable-push              set http.receivepack on every repository
//
// pre-receive runs inside git with the push quarantine in its environment and
// never loads the server configuration, so a hook keeps working even where
// the database settings are not available.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	_ "net/http/pprof" // #nosec G108 -- served only on the internal profiling port, never on the gin router.
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"github.com/foldersync/foldersync/internal/api"
	"github.com/foldersync/foldersync/internal/auth"
	"github.com/foldersync/foldersync/internal/backup"
	_ "github.com/foldersync/foldersync/internal/backup/azure"
	_ "github.com/foldersync/foldersync/internal/backup/gcs"
	_ "github.com/foldersync/foldersync/internal/backup/local"
	_ "github.com/foldersync/foldersync/internal/backup/s3"
	"github.com/foldersync/foldersync/internal/config"
	"github.com/foldersync/foldersync/internal/db"
	"github.com/foldersync/foldersync/internal/gitrepo"
	"github.com/foldersync/foldersync/internal/safego"
	"github.com/foldersync/foldersync/internal/scanner"
	"github.com/foldersync/foldersync/internal/telemetry"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, scanner.ErrRejected) {
			os.Exit(1)
		}
		log.Fatalf("Error: %v\n", err)
	}
}

func run(args []string) error {
	command := "serve"
	if len(args) > 0 {
		command = args[0]
		args = args[1:]
	}

	if command == "pre-receive" {
		return preReceive(args, os.Stdin, os.Stderr)
	}
	if command == "version" {
		fmt.Printf("foldersync v%s\n", api.Version)
		return nil
	}

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	switch command {
	case "serve":
		return serve(cfg)
	case "migrate":
		if len(args) < 1 {
			return fmt.Errorf("usage: %s migrate <up|down>", os.Args[0])
		}
		return runMigrations(cfg, args[0])
	case "reinstall-hooks":
		return sweep(cfg, "reinstall-hooks", (*gitrepo.Manager).ReinstallHooksOnAllRepositories)
	case "enable-push":
		return sweep(cfg, "enable-push", (*gitrepo.Manager).EnablePushOnAllRepositories)
	default:
		return fmt.Errorf("unknown command: %s\nAvailable commands: serve, migrate, version, pre-receive, reinstall-hooks, enable-push", command)
	}
}

// preReceive is the body of the installed hook. git feeds the ref updates on
// in and relays everything written to out to the pushing client.
func preReceive(args []string, in io.Reader, out io.Writer) error {
	fs := pflag.NewFlagSet("pre-receive", pflag.ContinueOnError)
	patternsFile := fs.String("patterns", "", "pattern file to load on top of the built-in patterns")
	timeout := fs.Duration("timeout", 5*time.Minute, "upper bound for scanning one push")
	gitBinary := fs.String("git-binary", "git", "git executable")
	logLevel := fs.String("log-level", "warn", "log level")
	if err := fs.Parse(args); err != nil {
		return err
	}

	telemetry.SetupLoggerTo(out, "text", *logLevel)

	patterns, err := scanner.LoadPatterns(*patternsFile)
	if err != nil {
		// Fail closed: an unreadable pattern file must not open the gate.
		fmt.Fprintf(out, "foldersync: %v, push rejected\n", err)
		return scanner.ErrRejected
	}

	// git sets GIT_DIR and the quarantine variables for the hook.
	git := gitrepo.NewGit(*gitBinary, 0)
	git.InheritRepoEnv = true

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := scanner.RunHook(ctx, scanner.NewGate(git, "", patterns), in, out); err != nil {
		return scanner.ErrRejected
	}
	return nil
}

// newRepositoryManager builds the manager every repository-touching command
// shares. The hook it installs execs this same binary.
func newRepositoryManager(cfg *config.Config) (*gitrepo.Manager, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locating server executable: %w", err)
	}
	hooks, err := gitrepo.NewHookInstaller(gitrepo.HookConfig{
		Executable:   exe,
		PatternsFile: cfg.Repos.PatternsFile,
		TemplatePath: cfg.Repos.HookTemplatePath,
	})
	if err != nil {
		return nil, err
	}

	return gitrepo.NewManager(gitrepo.Options{
		ReposDir:           cfg.Repos.ReposDir,
		WorkdirDir:         cfg.Repos.WorkdirDir,
		Suffix:             cfg.Repos.Suffix,
		DefaultBranches:    cfg.Repos.DefaultBranches,
		WorkerPoolSize:     cfg.Repos.WorkerPoolSize,
		AuthorName:         cfg.Repos.CommitAuthorName,
		AuthorEmail:        cfg.Repos.CommitAuthorEmail,
		BackupBeforeDelete: cfg.Repos.BackupBeforeDelete,
	}, gitrepo.NewGit(cfg.Repos.GitBinary, cfg.Repos.SubprocessTimeout), hooks)
}

func sweep(cfg *config.Config, what string, fn func(*gitrepo.Manager, context.Context) (*gitrepo.MaintenanceReport, error)) error {
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)

	repos, err := newRepositoryManager(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report, err := fn(repos, ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	slog.Info(what+" finished", "total", report.Total, "succeeded", report.Succeeded, "failed", len(report.Failed))
	for _, f := range report.Failed {
		slog.Error(what+" failed", "tenant_id", f.TenantID, "error", f.Error)
	}
	if len(report.Failed) > 0 {
		return fmt.Errorf("%s: %d of %d repositories failed", what, len(report.Failed), report.Total)
	}
	return nil
}

func serve(cfg *config.Config) error {
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	slog.Info("connecting to database",
		"host", cfg.Database.Host, "port", cfg.Database.Port,
		"name", cfg.Database.Name, "ssl_mode", cfg.Database.SSLMode)

	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	telemetry.StartDBStatsCollector(database)

	if err := db.RunMigrations(database, "up"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	if v, dirty, err := db.GetMigrationVersion(database); err != nil {
		slog.Warn("failed to get migration version", "error", err)
	} else {
		slog.Info("database schema ready", "version", v, "dirty", dirty)
	}

	// Sessions use a separate small pool from the membership queries.
	sessions, err := auth.OpenSessionStore(cfg.Database.GetDSN(), 4)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer sessions.Close()

	repos, err := newRepositoryManager(cfg)
	if err != nil {
		return err
	}

	store, err := backup.NewStore(&cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialise backup storage: %w", err)
	}
	repos.SetArchiver(backup.NewArchiver(repos.Git(), store))
	slog.Info("backup storage ready", "backend", cfg.Storage.DefaultBackend)

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			slog.Warn("redis unreachable, rate limits will fail open until it recovers", "addr", cfg.Redis.Addr, "error", err)
		}
		cancel()
	}

	if cfg.Telemetry.Metrics.Enabled {
		startSideServer("metrics", fmt.Sprintf(":%d", cfg.Telemetry.Metrics.PrometheusPort), metricsMux(), 10*time.Second)
	}
	if cfg.Telemetry.Profiling.Enabled {
		// net/http/pprof registers on http.DefaultServeMux at init.
		startSideServer("pprof", fmt.Sprintf(":%d", cfg.Telemetry.Profiling.Port), http.DefaultServeMux, 30*time.Second)
	}

	router, bgServices := api.NewRouter(cfg, api.Dependencies{
		DB:       database,
		Sessions: sessions,
		Repos:    repos,
		Backups:  store,
		Redis:    redisClient,
	})

	server := &http.Server{
		Addr:              cfg.Server.GetAddress(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	safego.Go("http-server", func() {
		slog.Info("starting server",
			"addr", cfg.Server.GetAddress(),
			"repos_dir", repos.ReposDir(),
			"tls", cfg.Security.TLS.Enabled)

		var err error
		if cfg.Security.TLS.Enabled {
			err = server.ListenAndServeTLS(cfg.Security.TLS.CertFile, cfg.Security.TLS.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		slog.Info("shutting down server", "signal", sig.String())
	case err := <-serveErr:
		bgServices.Shutdown()
		return fmt.Errorf("server failed: %w", err)
	}

	// Pushes and clones in flight get longer than a typical API request.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		bgServices.Shutdown()
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	bgServices.Shutdown()

	slog.Info("server stopped gracefully")
	return nil
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// startSideServer serves an internal-only endpoint on its own port, away
// from the public router and its middleware.
func startSideServer(name, addr string, handler http.Handler, timeout time.Duration) {
	safego.Go(name+"-server", func() {
		slog.Info("starting "+name+" server", "addr", addr)
		srv := &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: timeout,
			ReadTimeout:       timeout,
			WriteTimeout:      timeout,
		}
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error(name+" server error", "error", err)
		}
	})
}

func runMigrations(cfg *config.Config, direction string) error {
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)

	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	slog.Info("running migrations", "direction", direction)
	if err := db.RunMigrations(database, direction); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := db.GetMigrationVersion(database)
	if err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}
	slog.Info("migration completed", "version", version, "dirty", dirty)
	return nil
}
