package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	httpapi "github.com/pesalock/pesalock/internal/api/http"
	"github.com/pesalock/pesalock/internal/application/auth"
	"github.com/pesalock/pesalock/internal/application/escrow"
	"github.com/pesalock/pesalock/internal/application/user"
	"github.com/pesalock/pesalock/internal/config"
	"github.com/pesalock/pesalock/internal/infrastructure/daraja"
	"github.com/pesalock/pesalock/internal/infrastructure/postgres"
	"github.com/pesalock/pesalock/internal/infrastructure/sse"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db error: %v", err)
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool, "migrations"); err != nil {
		log.Fatalf("migration error: %v", err)
	}

	// repositories
	txRepo := postgres.NewTransactionRepository(pool)
	userRepo := postgres.NewUserRepository(pool)
	sessionRepo := postgres.NewSessionRepository(pool)

	// infrastructure
	sseHub := sse.NewHub()
	gateway := daraja.NewClient(daraja.Config{
		BaseURL:     cfg.MpesaBaseURL,
		ConsumerKey: cfg.MpesaConsumerKey,
		ConsumerSec: cfg.MpesaConsumerSec,
		Shortcode:   cfg.MpesaShortcode,
		Passkey:     cfg.MpesaPasskey,
		CallbackURL: cfg.MpesaCallbackURL,
	}, logger)

	// services
	escrowSvc := escrow.NewService(txRepo, gateway, sseHub, cfg.EscrowFeeRate, cfg.InspectionPeriodDays, logger)
	authSvc := auth.NewService(userRepo, sessionRepo, cfg.SessionTTL, logger)
	userSvc := user.NewService(userRepo, txRepo, sseHub, logger)

	// API server
	apiServer := httpapi.NewServer(escrowSvc, authSvc, userSvc, sseHub, cfg.SessionCookieName, cfg.SessionCookieSecure)

	httpServer := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      apiServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE connections stay open
		IdleTimeout:  60 * time.Second,
	}

	// background loops
	go func() {
		ticker := time.NewTicker(cfg.ExpirySweepInterval)
		defer ticker.Stop()
		for range ticker.C {
			if n, err := escrowSvc.ExpireOverdue(context.Background(), 100); err != nil {
				logger.Error().Err(err).Msg("expiry sweep failed")
			} else if n > 0 {
				logger.Info().Int("expired", n).Msg("expiry sweep")
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for range ticker.C {
			_, _ = sessionRepo.DeleteExpired(context.Background())
		}
	}()

	// start server
	go func() {
		logger.Info().Str("addr", cfg.ServerAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	// graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctxShutdown)
	sseHub.Stop()
}
