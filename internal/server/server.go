// Package server exposes the research engine over HTTP: async sessions,
// traces, schedules and the tool catalog, behind JWT auth.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mohammad-safakhou/inquest/config"
	"github.com/mohammad-safakhou/inquest/internal/bridge"
	"github.com/mohammad-safakhou/inquest/internal/engine"
	"github.com/mohammad-safakhou/inquest/internal/llm"
	"github.com/mohammad-safakhou/inquest/internal/store"
	"github.com/mohammad-safakhou/inquest/internal/telemetry"
	"github.com/mohammad-safakhou/inquest/internal/tools"
)

// Run assembles the full stack and serves until the listener stops.
func Run(cfg *config.Config, addr string) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

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

	dsn, err := cfg.Storage.Postgres.DSN()
	if err != nil {
		return err
	}
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return err
	}
	defer st.Close()

	if cfg.Storage.Redis.Host == "" {
		return fmt.Errorf("redis not configured (storage.redis.host)")
	}
	cache, err := store.NewReportCache(ctx, cfg.Storage.Redis)
	if err != nil {
		return fmt.Errorf("redis connection failed (%s): %w", cfg.Storage.Redis.Addr(), err)
	}
	defer cache.Close()

	tel := telemetry.New(cfg.Telemetry)
	defer tel.Shutdown()

	provider, err := llm.NewProvider(cfg.LLM)
	if err != nil {
		return err
	}

	toolLogger := log.New(log.Writer(), "[TOOLS] ", log.LstdFlags)
	registry := tools.NewRegistry(cfg.Tools.SigningSecret, cfg.Tools.ProviderCooldown, toolLogger)
	cleanup, err := tools.RegisterNative(registry, cfg.Tools, toolLogger)
	if err != nil {
		return err
	}
	defer func() { _ = cleanup() }()

	manager, err := bridge.Start(ctx, cfg.Bridge, registry, cfg.Tools.SigningSecret, toolLogger)
	if err != nil {
		return err
	}
	defer func() { _ = manager.Close() }()

	supervisor := engine.NewSupervisor(cfg.Engine, cfg.LLM.Routing, provider, registry, tel)

	secret := cfg.Server.JWTSecret
	if secret == "" {
		return fmt.Errorf("jwt secret not configured (server.jwt_secret)")
	}

	api := e.Group("/api")

	auth := &AuthHandler{Store: st, Secret: []byte(secret), TokenTTL: cfg.Server.TokenTTL}
	auth.Register(api.Group("/auth"))

	sessionLogger := log.New(log.Writer(), "[SESSIONS] ", log.LstdFlags)
	sessions := &SessionsHandler{
		Store:  st,
		Cache:  cache,
		Runner: supervisor,
		Window: cfg.Engine.EpisodeWindow,
		Logger: sessionLogger,
	}
	sessions.Register(api.Group("/sessions"), []byte(secret))

	schedules := &SchedulesHandler{Store: st}
	schedules.Register(api.Group("/schedules"), []byte(secret))

	th := &ToolsHandler{Registry: registry}
	th.Register(api.Group("/tools"), []byte(secret))

	if cfg.Server.SchedulerEnabled {
		sched := &Scheduler{
			Store:    st,
			Locks:    cache,
			Sessions: sessions,
			Interval: cfg.Server.SchedulerInterval,
			Logger:   log.New(log.Writer(), "[SCHED] ", log.LstdFlags),
			Stop:     make(chan struct{}),
		}
		sched.Start()
		defer close(sched.Stop)
	}

	if addr == "" {
		addr = cfg.Server.Addr
	}
	baseLogger.Printf("listening on %s", addr)
	return e.Start(addr)
}
