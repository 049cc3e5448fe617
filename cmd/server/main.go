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

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/coinflip-royale/internal/config"
	"github.com/DoyleJ11/coinflip-royale/internal/engine"
	"github.com/DoyleJ11/coinflip-royale/internal/fairness"
	"github.com/DoyleJ11/coinflip-royale/internal/httpapi"
	"github.com/DoyleJ11/coinflip-royale/internal/hub"
	"github.com/DoyleJ11/coinflip-royale/internal/logging"
	"github.com/DoyleJ11/coinflip-royale/internal/session"
	"github.com/DoyleJ11/coinflip-royale/internal/settlement"
	"github.com/DoyleJ11/coinflip-royale/internal/store"
	"github.com/DoyleJ11/coinflip-royale/internal/ws"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() (err error) {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogEncoding)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	resolver, err := fairness.New(cfg.MasterSecret, cfg.SigningSeed, fairness.WithLogger(logger.Named("fairness")))
	if err != nil {
		return fmt.Errorf("fairness: %w", err)
	}

	var recorder session.Recorder = store.LogRecorder{Logger: logger.Named("store")}
	if cfg.DatabaseURL != "" {
		db, openErr := store.Open(cfg.DatabaseURL)
		if openErr != nil {
			return fmt.Errorf("store: %w", openErr)
		}
		defer func() { err = multierr.Append(err, db.Close()) }()
		recorder = db
	}

	var gateway settlement.Gateway = settlement.LogGateway{Logger: logger.Named("settlement")}
	if cfg.SettlementURL != "" {
		gateway = settlement.NewHTTPGateway(cfg.SettlementURL, cfg.SettlementToken, 5*time.Second)
	}
	payouts := settlement.NewDispatcher(gateway, settlement.DefaultBackoff(), logger.Named("settlement"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	factory := func(ctx context.Context, initial engine.State, onEnded func(string)) *session.Session {
		return session.New(ctx, initial, session.Deps{
			Resolver:        resolver,
			Recorder:        recorder,
			Payouts:         payouts,
			Logger:          logger.Named("session"),
			OnEnded:         onEnded,
			ResolveAttempts: cfg.ResolveAttempts,
			PayoutRetry:     cfg.PayoutRetry,
		})
	}
	h := hub.NewHub(ctx, factory, logger.Named("hub"))

	wsOpts := ws.DefaultOptions()
	wsOpts.OriginPatterns = cfg.AllowedOrigins

	// Build the router *with* the hub injected
	handler := httpapi.SetupRoutes(h, httpapi.Options{
		Defaults:  cfg.Rules,
		WS:        wsOpts,
		Logger:    logger.Named("http"),
		PublicKey: resolver.PublicKey(),
	})
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		err := srv.Shutdown(shutdownCtx)
		h.Post(hub.ShutdownHub{})
		select {
		case <-h.Done():
		case <-shutdownCtx.Done():
			err = multierr.Append(err, fmt.Errorf("hub shutdown: %w", shutdownCtx.Err()))
		}
		return err
	})
	return g.Wait()
}
