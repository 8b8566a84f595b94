// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/rapidaai/memorykeeper/api/call-api/config"
	internal_callsession "github.com/rapidaai/memorykeeper/api/call-api/internal/callsession"
	internal_history "github.com/rapidaai/memorykeeper/api/call-api/internal/history"
	internal_media "github.com/rapidaai/memorykeeper/api/call-api/internal/media"
	internal_signaling "github.com/rapidaai/memorykeeper/api/call-api/internal/signaling"
	internal_watcher "github.com/rapidaai/memorykeeper/api/call-api/internal/watcher"
	call_routers "github.com/rapidaai/memorykeeper/api/call-api/router"
	"github.com/rapidaai/memorykeeper/pkg/commons"
	"github.com/rapidaai/memorykeeper/pkg/connectors"
	"github.com/rapidaai/memorykeeper/pkg/utils"
)

const shutdownTimeout = 15 * time.Second

type AppRunner struct {
	cfg        *config.AppConfig
	logger     commons.Logger
	engine     *gin.Engine
	redis      connectors.RedisConnector
	sql        connectors.SQLConnector
	connectors []connectors.Connector

	channel internal_signaling.Channel
	watcher *internal_watcher.Watcher
	manager *internal_callsession.Manager
	history internal_history.Store
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &AppRunner{}
	if err := app.Init(ctx); err != nil {
		log.Fatalf("failed to initialize call-api: %v", err)
	}
	if err := app.Run(ctx); err != nil {
		app.logger.Errorw("call-api stopped with error", "error", err)
		app.logger.Sync()
		os.Exit(1)
	}
	app.logger.Info("call-api stopped")
	app.logger.Sync()
}

// ============================================================================
// Initialization
// ============================================================================

func (app *AppRunner) Init(ctx context.Context) error {
	v, err := config.InitConfig()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	cfg, err := config.GetApplicationConfig(v)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	app.cfg = cfg

	opts := []commons.Option{commons.Name(cfg.Name), commons.Level(cfg.LogLevel)}
	if cfg.LogPath != "" {
		opts = append(opts, commons.Path(cfg.LogPath))
	}
	logger, err := commons.NewApplicationLogger(opts...)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	app.logger = logger.With("service", cfg.Name, "version", cfg.Version)

	for _, step := range []func(context.Context) error{
		app.initConnectors,
		app.initSignaling,
		app.initHistory,
		app.initCallManager,
	} {
		if err := step(ctx); err != nil {
			app.closeConnectors()
			return err
		}
	}
	app.initEngine()
	return nil
}

func (app *AppRunner) initConnectors(ctx context.Context) error {
	if app.cfg.Signaling.Driver == config.SignalingRedis {
		app.redis = connectors.NewRedisConnector(&app.cfg.RedisConfig, app.logger)
		if err := app.redis.Connect(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		app.connectors = append(app.connectors, app.redis)
	}
	sql, err := connectors.NewSQLConnector(&app.cfg.DatabaseConfig, app.logger)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := sql.Connect(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	app.sql = sql
	app.connectors = append(app.connectors, sql)
	return nil
}

func (app *AppRunner) initSignaling(context.Context) error {
	switch app.cfg.Signaling.Driver {
	case config.SignalingRedis:
		app.channel = internal_signaling.NewRedisChannel(app.redis.GetConnection(), app.logger,
			internal_signaling.WithReadBlock(app.cfg.Signaling.ReadBlock))
	case config.SignalingMemory:
		app.logger.Warn("memory signaling only connects callers inside this process")
		app.channel = internal_signaling.NewMemoryChannel(app.logger)
	default:
		return fmt.Errorf("signaling: unknown driver %q", app.cfg.Signaling.Driver)
	}
	app.watcher = internal_watcher.New(app.channel, app.logger)
	return nil
}

func (app *AppRunner) initHistory(ctx context.Context) error {
	app.history = internal_history.NewStore(app.sql, app.logger)
	if err := app.history.Migrate(ctx); err != nil {
		return fmt.Errorf("history: %w", err)
	}
	return nil
}

func (app *AppRunner) initCallManager(context.Context) error {
	engine, err := internal_media.NewPionEngine(app.logger, app.cfg.PionOptions())
	if err != nil {
		return fmt.Errorf("media: %w", err)
	}
	app.manager = internal_callsession.NewManager(
		app.logger,
		app.channel,
		engine,
		app.watcher,
		app.history,
		app.cfg.CallSessionConfig(),
	)
	return nil
}

func (app *AppRunner) initEngine() {
	if utils.FromEnvironmentStr(app.cfg.Env).IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowAllOrigins = true
	corsCfg.AllowHeaders = []string{"Authorization", "Content-Type", "Origin", "Accept"}
	engine.Use(cors.New(corsCfg))

	call_routers.HealthCheckRoutes(app.cfg, engine, app.logger, app.connectors...)
	call_routers.CallApiRoutes(app.cfg, engine, app.logger, app.manager, app.history)
	app.engine = engine
}

// ============================================================================
// Lifecycle
// ============================================================================

func (app *AppRunner) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              net.JoinHostPort(app.cfg.Host, strconv.Itoa(app.cfg.Port)),
		Handler:           app.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.manager.Run(gCtx)
	})
	g.Go(func() error {
		app.logger.Infow("call-api listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		app.logger.Info("shutting down call-api")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return app.shutdown(shutdownCtx, server)
	})
	return g.Wait()
}

func (app *AppRunner) shutdown(ctx context.Context, server *http.Server) error {
	var errs []error
	if err := server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http server: %w", err))
	}
	// ends any live call and writes its terminal status
	if err := app.manager.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("call manager: %w", err))
	}
	if err := app.watcher.Close(); err != nil {
		errs = append(errs, fmt.Errorf("watcher: %w", err))
	}
	if err := app.channel.Close(); err != nil {
		errs = append(errs, fmt.Errorf("signaling: %w", err))
	}
	app.closeConnectors()
	return errors.Join(errs...)
}

func (app *AppRunner) closeConnectors() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, c := range app.connectors {
		if err := c.Disconnect(ctx); err != nil {
			app.logger.Warnw("failed to disconnect", "connector", c.Name(), "error", err)
		}
	}
}
