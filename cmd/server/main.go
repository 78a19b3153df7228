// Package main is the DotPay backend's HTTP entrypoint: it wires storage, the
// treasury/Daraja clients, the orchestrator and its supporting services, and
// the HTTP router, then serves until an interrupt signal arrives.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dotpay/backend/internal/circuitbreaker"
	"github.com/dotpay/backend/internal/config"
	"github.com/dotpay/backend/internal/funding"
	"github.com/dotpay/backend/internal/httpserver"
	"github.com/dotpay/backend/internal/idempotency"
	"github.com/dotpay/backend/internal/jwtauth"
	"github.com/dotpay/backend/internal/logger"
	"github.com/dotpay/backend/internal/metrics"
	"github.com/dotpay/backend/internal/mpesa"
	"github.com/dotpay/backend/internal/notify"
	"github.com/dotpay/backend/internal/orchestrator"
	"github.com/dotpay/backend/internal/pinauth"
	"github.com/dotpay/backend/internal/reconcile"
	"github.com/dotpay/backend/internal/refund"
	"github.com/dotpay/backend/internal/settlement"
	"github.com/dotpay/backend/internal/storage"
	"github.com/dotpay/backend/internal/treasury"
	"github.com/dotpay/backend/internal/webhook"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	configPath := flag.String("config", "configs/local.yaml", "path to config yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	appLogger := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "dotpay-backend",
		Environment: cfg.Logging.Environment,
	})

	breakers := circuitbreaker.NewManagerFromConfig(cfg.CircuitBreaker)
	metricsCollector := metrics.New(prometheus.DefaultRegisterer)

	store, err := storage.NewStore(cfg.Storage, metricsCollector)
	if err != nil {
		appLogger.Fatal().Err(err).Msg("failed to initialize storage")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The treasury RPC is optional: without it, funded flows cannot verify
	// funding (ConfirmFunding returns a config error) and refunds run in
	// sandbox-simulated mode.
	var treasuryClient *treasury.Client
	var funder *funding.Verifier
	var refundClient refund.Transferer
	var settleClient settlement.Transferer
	if cfg.Treasury.RPCURL != "" {
		treasuryClient, err = treasury.NewClient(ctx, cfg.Treasury.RPCURL, cfg.Treasury.ChainID, breakers)
		if err != nil {
			appLogger.Fatal().Err(err).Msg("failed to dial treasury RPC")
		}
		if cfg.Treasury.PrivateKey != "" {
			signed, err := treasuryClient.WithSigner(cfg.Treasury.PrivateKey)
			if err != nil {
				appLogger.Fatal().Err(err).Msg("failed to load treasury signer")
			}
			treasuryClient = signed.WithWaitConfirmations(cfg.Treasury.WaitConfirmations)
		}
		funder = funding.NewVerifier(treasuryClient, cfg.Treasury.ChainID)
		refundClient = treasuryClient
		settleClient = treasuryClient
	}
	mpesaClient := mpesa.NewClient(cfg.Mpesa, breakers, metricsCollector)

	// PIN storage is an external collaborator; this in-memory
	// verifier is the reference implementation a real deployment swaps out.
	pins := pinauth.NewMemoryVerifier()

	notifier := notify.NewDispatcher(store, cfg.Callbacks, breakers).WithMetrics(metricsCollector)
	if notifier.Enabled() {
		go notifier.Run(ctx, 2*time.Second)
	}

	refundCfg := refund.Config{
		Enabled:       cfg.Treasury.RefundEnabled,
		TokenContract: cfg.Treasury.USDCContract,
		Decimals:      cfg.Treasury.USDCDecimals,
	}
	refunder := refund.NewService(store, refundClient, refundCfg).WithNotifier(notifier).WithMetrics(metricsCollector)

	settler := settlement.NewService(store, settleClient, settlement.Config{
		TokenContract:   cfg.Treasury.USDCContract,
		TreasuryAddress: cfg.Treasury.PlatformAddress,
		ChainID:         cfg.Treasury.ChainID,
		Decimals:        cfg.Treasury.USDCDecimals,
	}).WithNotifier(notifier).WithMetrics(metricsCollector)
	defer settler.Stop()

	orchestratorSvc := orchestrator.New(store, *cfg, funder, mpesaClient, pins, refunder).WithMetrics(metricsCollector)

	webhookSvc := webhook.New(webhook.Options{
		Store:        store,
		Refunder:     refunder,
		Settler:      settler,
		Notifier:     notifier,
		Metrics:      metricsCollector,
		SharedSecret: cfg.Mpesa.WebhookSecret,
	})

	reconciler := reconcile.NewService(store, refunder, mpesaClient)

	jwtVerifier, err := jwtauth.NewVerifier(cfg.Auth.JWTSecret)
	if err != nil {
		appLogger.Fatal().Err(err).Msg("failed to initialize jwt verifier")
	}

	idempotencyStore := idempotency.NewMemoryStore()

	server := httpserver.New(httpserver.Deps{
		Config:           cfg,
		Orchestrator:     orchestratorSvc,
		Webhooks:         webhookSvc,
		Reconciler:       reconciler,
		JWTVerifier:      jwtVerifier,
		IdempotencyStore: idempotencyStore,
		Metrics:          metricsCollector,
		Logger:           appLogger,
	})

	go func() {
		appLogger.Info().Str("address", cfg.Server.Address).Msg("dotpay backend listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Fatal().Err(err).Msg("http server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		appLogger.Error().Err(err).Msg("graceful shutdown failed")
	}
}
