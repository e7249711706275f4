package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/Huddle/internal/adapters/http"
	wsignal "github.com/dkeye/Huddle/internal/adapters/signal"
	"github.com/dkeye/Huddle/internal/app/presence"
	"github.com/dkeye/Huddle/internal/app/relay"
	"github.com/dkeye/Huddle/internal/config"
	"github.com/dkeye/Huddle/internal/metrics"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Logger first so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	zerolog.SetGlobalLevel(cfg.Level())

	m := metrics.New()
	hub := wsignal.NewHub(m, wsignal.KickAfter{Limit: cfg.KickAfterDrops})
	reg := presence.NewRegistry(presence.Options{
		LivenessWindow:  cfg.Presence.LivenessWindow,
		StalenessWindow: cfg.Presence.StalenessWindow,
		PurgeInterval:   cfg.Presence.PurgeInterval,
		Metrics:         m,
	}, hub, hub)
	limiter := relay.NewJoinLimiter(cfg.JoinLimit.Attempts, cfg.JoinLimit.Window, nil)
	svc := relay.NewService(reg, hub, limiter, m)
	ctl := wsignal.NewSignalWSController(cfg, hub, svc)

	r := router.SetupRouter(ctx, cfg, router.Deps{Signal: ctl, Registry: reg, Metrics: m})
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("Huddle server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen %s: %w", addr, err)
		}
		return nil
	})
	g.Go(func() error {
		return reg.Run(gctx)
	})
	g.Go(func() error {
		return limiter.Run(gctx, cfg.Presence.PurgeInterval)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("forced shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("Server exited gracefully")
}
