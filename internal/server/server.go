package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/askbridge/askbridge/config"
	"github.com/askbridge/askbridge/internal/bridge"
	"github.com/askbridge/askbridge/internal/discovery"
	"github.com/askbridge/askbridge/internal/orchestrator"
	"github.com/askbridge/askbridge/internal/store"
	"github.com/askbridge/askbridge/internal/toolcache"
	"github.com/askbridge/askbridge/provider"
)

// Run wires the daemon together and serves until the listener fails.
func Run(cfg *config.Config, addr string) error {
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
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Content-Type", "Authorization"},
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	if err := store.Migrate("file://migrations", cfg.Storage.Postgres.DSN(), "up", 0); err != nil {
		log.Printf("[SERVER] migrate: %v", err)
	}

	// Shared dependencies (top-level DI)
	ctx := context.Background()
	st, err := store.New(ctx, cfg.Storage.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}

	cache, err := toolcache.New(st, log.New(log.Writer(), "[CACHE] ", log.LstdFlags))
	if err != nil {
		return err
	}
	if err := cache.WarmUp(ctx); err != nil {
		log.Printf("[SERVER] cache warm-up: %v", err)
	}

	if err := cfg.Bridge.Validate(); err != nil {
		return err
	}
	broker := bridge.NewBroker(cfg.Bridge, log.New(log.Writer(), "[BRIDGE] ", log.LstdFlags))
	broker.Start()
	defer broker.Stop()

	coord := discovery.NewCoordinator(st, cache, broker, cfg.Discovery, log.New(log.Writer(), "[DISCO] ", log.LstdFlags))

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Storage.Redis.Addr(),
		Password: cfg.Storage.Redis.Password,
		DB:       cfg.Storage.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis connection failed (%s): %w", cfg.Storage.Redis.Addr(), err)
	}
	sched := &discovery.Scheduler{Coord: coord, Rdb: rdb, Cfg: cfg.Discovery, Logger: log.New(log.Writer(), "[SCHED] ", log.LstdFlags)}
	sched.Start()
	defer sched.Stop()

	llm, err := provider.New(cfg.LLM)
	if err != nil {
		return err
	}
	orch := orchestrator.New(st, cache, broker, llm, cfg.Query, log.New(log.Writer(), "[ORCH] ", log.LstdFlags))

	ah := &AgentsHandler{Broker: broker, Coord: coord, Store: st}
	ah.Register(e.Group("/agents"))

	api := e.Group("/api")
	sh := &SourcesHandler{Store: st, Cache: cache, Coord: coord}
	sh.Register(api.Group("/sources"))
	api.GET("/tools/search", sh.search)

	qh := &QueryHandler{Orch: orch}
	qh.Register(api)

	if addr == "" {
		addr = cfg.Server.Address
		if addr == "" {
			addr = ":8080"
		}
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}
