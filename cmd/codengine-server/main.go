// Command codengine-server runs the synchronous HTTP execution API:
// it resolves the sandbox mode once at startup, scans the installed
// runtime table, and serves /api/v1/execute and the discovery routes
// until an interrupt or termination signal arrives.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ohmygodvt95/codengine/internal/audit"
	"github.com/ohmygodvt95/codengine/internal/config"
	"github.com/ohmygodvt95/codengine/internal/executor"
	"github.com/ohmygodvt95/codengine/internal/httpapi"
	"github.com/ohmygodvt95/codengine/internal/runtime"
	"github.com/ohmygodvt95/codengine/internal/runtimecache"
	"github.com/ohmygodvt95/codengine/internal/sandboxprobe"
	"github.com/ohmygodvt95/codengine/pkg/cache"
	"github.com/ohmygodvt95/codengine/pkg/db"
	"github.com/ohmygodvt95/codengine/pkg/logger"
)

const defaultConfigPath = "configs/codengine-server.yaml"
const defaultShutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", defaultConfigPath, "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		return
	}

	if err := logger.Init(cfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		return
	}
	defer func() { _ = logger.Sync() }()

	registry := runtime.New(cfg.Sandbox.PackagesRoot, runtime.DefaultLanguages())
	if err := registry.Scan(); err != nil {
		logger.Error(context.Background(), "initial runtime scan failed", zap.Error(err))
		return
	}

	probe := sandboxprobe.New(cfg.Sandbox.SandboxHelperPath, !cfg.Sandbox.UseSandbox, cfg.Sandbox.ProbeTimeoutMS)
	logger.Info(context.Background(), "sandbox probe complete",
		zap.String("mode", probe.Mode().String()), zap.String("detail", probe.Detail()))

	var redisCache *cache.Cache
	if cfg.Redis.Addr != "" {
		redisCache, err = cache.Open(cfg.Redis)
		if err != nil {
			logger.Error(context.Background(), "init redis failed", zap.Error(err))
			return
		}
		defer func() { _ = redisCache.Close() }()
	}

	var mysqlDB *db.MySQL
	if cfg.Audit.Enabled && cfg.Database.DSN != "" {
		mysqlDB, err = db.Open(cfg.Database)
		if err != nil {
			logger.Error(context.Background(), "init mysql failed", zap.Error(err))
			return
		}
		defer func() { _ = mysqlDB.Close() }()
	}
	auditLogger, err := audit.New(mysqlDB)
	if err != nil {
		logger.Error(context.Background(), "init audit logger failed", zap.Error(err))
		return
	}

	exec := executor.New(registry, probe, cfg.Sandbox)
	runtimeCache := runtimecache.New(redisCache)
	handler := httpapi.New(registry, probe, exec, runtimeCache, auditLogger, cfg.Sandbox)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	httpapi.Register(router, handler, cfg.Metrics.Enabled, cfg.Metrics.Path)

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	listener, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		logger.Error(context.Background(), "init http listener failed", zap.Error(err))
		return
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "codengine server started", zap.String("addr", cfg.Server.Addr))
		errCh <- httpServer.Serve(listener)
	}()

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "http server stopped", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		logger.Info(context.Background(), "shutdown signal received")
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error(context.Background(), "http server shutdown failed", zap.Error(err))
	}
}
