package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"taskpilot/config"
	"taskpilot/internal/agent/core"
	"taskpilot/internal/agent/telemetry"
	"taskpilot/internal/reporter"
	"taskpilot/internal/store"
	"taskpilot/internal/tools"
)

// Run wires the whole daemon: config, storage, the agent pipeline and the
// HTTP API, then serves until the process exits.
func Run(cfg *config.Config, addr string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Server.JWTSecret == "" {
		return fmt.Errorf("jwt secret not configured (server.jwt_secret)")
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	// Unified HTTP error handler with structured JSON and logging
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, HTTPError{Error: msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie", "Authorization"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	ctx := context.Background()

	if err := Migrate("file://migrations", cfg.Storage.Postgres.DSN(), "up", 0); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	st, err := store.New(ctx, cfg.Storage.Postgres)
	if err != nil {
		return err
	}

	// Redis is optional: without it the scheduler lock and the progress
	// snapshot cache are disabled, everything else still works.
	var rdb *redis.Client
	var progress ProgressSource
	var taskReporter core.TaskReporter = reporter.NewLogReporter()
	if cfg.Storage.Redis.Host != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.Redis.Addr(),
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis connection failed (%s): %w", cfg.Storage.Redis.Addr(), err)
		}
		rr := reporter.NewRedisReporter(rdb, time.Hour)
		taskReporter = rr
		progress = rr
	}

	tele := telemetry.NewTelemetry(cfg.Telemetry)

	llm, err := core.NewLLMProvider(cfg.LLM)
	if err != nil {
		return err
	}

	catalog := tools.NewDefaultRegistry(cfg.Tools)
	for name, mcp := range cfg.Tools.MCPServers {
		bridge, err := tools.StartStdioBridge(ctx, mcp.Command, mcp.Args...)
		if err != nil {
			return fmt.Errorf("start tool server %s: %w", name, err)
		}
		defer bridge.Close()
		catalog.RegisterBridge(name, bridge)
	}

	agent := core.NewAgent(cfg, llm, catalog, taskReporter, tele)
	hub := NewApprovalHub(time.Hour)

	secret := []byte(cfg.Server.JWTSecret)
	api := e.Group("/api")

	auth := &AuthHandler{Store: st, Secret: secret}
	auth.Register(api.Group("/auth"))

	th := NewTasksHandler(st, agent, hub, progress, cfg.General.MaxProcessingTime)
	th.Register(api.Group("/tasks"), secret)

	ah := &ApprovalsHandler{Hub: hub}
	ah.Register(api.Group("/approvals"), secret)

	sh := &SchedulesHandler{Store: st}
	sh.Register(api.Group("/schedules"), secret)

	ops := api.Group("/ops")
	ops.Use(func(next echo.HandlerFunc) echo.HandlerFunc { return withAuth(next, secret) })
	ops.GET("/metrics", func(c echo.Context) error {
		return c.JSON(http.StatusOK, tele.Snapshot())
	})

	if cfg.Scheduler.Enabled {
		sched := NewScheduler(st, agent, rdb, cfg.Scheduler.TickInterval)
		sched.Start()
		defer close(sched.Stop)
	}

	if addr == "" {
		addr = cfg.Server.Address
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}
