// Command server is the composition root: it loads configuration, wires
// C1-C7 together, and serves the result over HTTP/WebSocket plus a health
// and metrics surface. The overall shape — flags layered over a config
// struct, a single long-lived process with background janitor goroutines,
// graceful shutdown on SIGINT — follows the teacher's server/main.go.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/seenwd/ascend-collab-core/internal/authority"
	"github.com/seenwd/ascend-collab-core/internal/config"
	"github.com/seenwd/ascend-collab-core/internal/connlimit"
	"github.com/seenwd/ascend-collab-core/internal/dispatch"
	"github.com/seenwd/ascend-collab-core/internal/lock"
	"github.com/seenwd/ascend-collab-core/internal/observer"
	"github.com/seenwd/ascend-collab-core/internal/presence"
	"github.com/seenwd/ascend-collab-core/internal/session"
	"github.com/seenwd/ascend-collab-core/internal/throttle"
	"github.com/seenwd/ascend-collab-core/internal/transport"
)

func main() {
	listenAddr := flag.String("listen", "", "override the configured listen address")
	dbPath := flag.String("db", "", "override the configured authority database path")
	memStore := flag.Bool("memory-store", false, "use an in-memory AuthorityStore instead of SQLite (for local dev/testing)")
	flag.Parse()

	log := zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *dbPath != "" {
		cfg.DatabaseDSN = *dbPath
	}

	var store authority.Store
	if *memStore {
		store = authority.NewMemoryStore()
		log.Warn().Msg("using in-memory authority store; data does not persist")
	} else {
		sqliteStore, err := authority.OpenSQLiteStore(cfg.DatabaseDSN, log)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.DatabaseDSN).Msg("open authority store")
		}
		defer sqliteStore.Close()
		store = sqliteStore
	}
	auth := authority.New(store)

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	obs := observer.NewDefault(log, reg)

	registry := session.NewRegistry(cfg.EventIDHistory, obs)
	locks := lock.NewManager(cfg.LeaseTTL, cfg.MaxLockDuration, registry, obs)
	pres := presence.NewTracker(cfg.ColorPalette, registry, locks, obs)
	throttler := throttle.NewManager(cfg.ThrottleInterval, cfg.MaxFlushPerSec, cfg.MaxPendingChanges, locks, registry, obs)
	dispatcher := dispatch.NewDispatcher(registry, pres, locks, throttler, obs)

	limiter := connlimit.New(cfg.MaxConnections, cfg.PerIPLimit)
	wsHandler := transport.New(dispatcher, auth, limiter, cfg.OutboundQueue, cfg.IdleConnection, log, obs)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			log.Info().Str("method", v.Method).Str("uri", v.URI).Int("status", v.Status).Msg("http request")
			return nil
		},
	}))

	wsHandler.Register(e)
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{
			"status":      "ok",
			"connections": limiter.Total(),
		})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go runJanitors(ctx, pres, locks, throttler, log)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("shutting down")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("graceful shutdown failed")
		}
	}()

	log.Info().Str("addr", cfg.ListenAddr).Msg("listening")
	if err := e.Start(cfg.ListenAddr); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("serve")
	}
}

// runJanitors periodically sweeps the three timeout-driven cleanups the
// spec describes (stale presence, expired locks, idle throttlers) — one
// ticker per concern, all served by this single goroutine.
func runJanitors(ctx context.Context, pres *presence.Tracker, locks *lock.Manager, throttler *throttle.Manager, log zerolog.Logger) {
	presenceTicker := time.NewTicker(5 * time.Second)
	lockTicker := time.NewTicker(5 * time.Second)
	throttleTicker := time.NewTicker(time.Minute)
	defer presenceTicker.Stop()
	defer lockTicker.Stop()
	defer throttleTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("janitors stopped")
			return
		case now := <-presenceTicker.C:
			pres.CleanupStale(now.UTC())
		case now := <-lockTicker.C:
			locks.CleanupExpired(now.UTC())
		case now := <-throttleTicker.C:
			throttler.ReapIdle(now.UTC(), 0)
		}
	}
}
