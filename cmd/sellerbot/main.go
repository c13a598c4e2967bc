// Command sellerbot runs the marketplace automation service: it
// supervises one realtime connection per seller account, drives
// fulfillment workflows for paid orders, and serves the management API.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfish/sellerbot/internal/autoreply"
	"github.com/openfish/sellerbot/internal/bus"
	"github.com/openfish/sellerbot/internal/config"
	httpapi "github.com/openfish/sellerbot/internal/http"
	"github.com/openfish/sellerbot/internal/observability"
	"github.com/openfish/sellerbot/internal/orders"
	"github.com/openfish/sellerbot/internal/platform"
	"github.com/openfish/sellerbot/internal/repo"
	"github.com/openfish/sellerbot/internal/sysutil"
	"github.com/openfish/sellerbot/internal/workflow"
)

var version = "dev"

func main() {
	// Optional .env for local development; real deployments use the
	// environment directly.
	_ = godotenv.Load()

	cfg := config.MustLoad()

	sysutil.SetLogLevel(cfg.LogLevel)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	logger := log.With().Str("service", "sellerbot").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		logger.Fatal().Err(err).Msg("otel setup failed")
	}
	defer func() {
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(c); err != nil {
			logger.Warn().Err(err).Msg("otel shutdown failed")
		}
	}()

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.DBPath).Msg("open database failed")
	}
	if err := repo.AutoMigrate(db); err != nil {
		logger.Fatal().Err(err).Msg("migrate database failed")
	}

	events := bus.New(bus.DefaultDebounce)
	defer events.Close()

	// The order service consumes connection events, so the wiring runs
	// in two steps: manager first with a late-bound handler.
	var svc *orders.Service
	manager := platform.NewManager(cfg.Platform, db, logger, func(accountID string, ev *platform.ChatEvent) {
		svc.HandleEvent(accountID, ev)
	})
	engine := workflow.NewEngine(db, logger, engineDialer{manager})
	matcher := autoreply.NewMatcher(db, logger, nil)
	svc = orders.NewService(db, logger, manager, engine, matcher, events)

	if err := manager.StartAll(ctx); err != nil {
		logger.Warn().Err(err).Msg("some accounts failed to start")
	}

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, db, manager, events, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Str("version", version).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	manager.StopAll(shutdownCtx)
	svc.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown failed")
	}
	logger.Info().Msg("stopped")
}

// engineDialer adapts the connection supervisor to the workflow
// engine's Conn lookup.
type engineDialer struct {
	m *platform.Manager
}

func (d engineDialer) Conn(accountID string) (workflow.Conn, error) {
	conn, err := d.m.Conn(accountID)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
