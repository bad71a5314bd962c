package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tokencollector/collector-backend/internal/api"
	"github.com/tokencollector/collector-backend/internal/attestation"
	"github.com/tokencollector/collector-backend/internal/cctp"
	"github.com/tokencollector/collector-backend/internal/chains"
	"github.com/tokencollector/collector-backend/internal/config"
	"github.com/tokencollector/collector-backend/internal/journal"
	"github.com/tokencollector/collector-backend/internal/log"
	"github.com/tokencollector/collector-backend/internal/metrics"
	"github.com/tokencollector/collector-backend/internal/portfolio"
	"github.com/tokencollector/collector-backend/internal/store"
	"github.com/tokencollector/collector-backend/internal/transfer"
	"github.com/tokencollector/collector-backend/internal/wallet"
	"github.com/tokencollector/collector-backend/internal/ws"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger, err := log.NewSugar(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Infow("Starting token collector API server",
		"env", cfg.Env,
		"addr", cfg.HTTPAddr,
	)

	// Setup metrics
	metricsObj, metricsHandler, err := metrics.Setup("token-collector")
	if err != nil {
		logger.Fatalw("Failed to setup metrics", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Cache falls back to in-memory when Redis is unreachable
	cache, err := store.NewCache(cfg.Cache.RedisAddr, logger, metricsObj)
	if err != nil {
		logger.Fatalw("Failed to setup cache", "error", err)
	}
	defer cache.Close()
	if cache.IsInMemoryMode() {
		logger.Infow("Cache running in memory mode")
	}

	journalStore, err := journal.Open(ctx, journal.Config{
		Backend:     journal.Backend(cfg.Database.JournalBackend),
		RedisAddr:   cfg.Cache.RedisAddr,
		PostgresDSN: cfg.Database.PostgresDSN,
		Migrate:     cfg.IsDev(),
	}, logger)
	if err != nil {
		logger.Fatalw("Failed to open transfer journal", "error", err)
	}
	defer journalStore.Close()
	logger.Infow("Transfer journal ready", "backend", cfg.Database.JournalBackend)

	overrides, err := cfg.Wallet.ChainRPCOverrides()
	if err != nil {
		logger.Fatalw("Invalid chain RPC overrides", "error", err)
	}
	registry, err := chains.NewRegistry(overrides)
	if err != nil {
		logger.Fatalw("Failed to build chain registry", "error", err)
	}

	builder, err := cctp.NewBuilder(registry, cctp.ApprovalMode(cfg.Transfer.ApprovalMode))
	if err != nil {
		logger.Fatalw("Failed to create call builder", "error", err)
	}

	irisClient := attestation.NewClient(cfg.Attestation.BaseURL,
		attestation.WithRateLimit(cfg.Attestation.RPS),
	)
	poller := attestation.NewPoller(irisClient, registry, logger,
		attestation.WithInterval(cfg.Attestation.PollInterval),
		attestation.WithMaxWait(cfg.Attestation.MaxWait),
		attestation.WithCache(cache, cfg.Attestation.CacheTTL),
		attestation.WithMetrics(metricsObj),
	)

	balances := portfolio.NewClient(cfg.Balances.BaseURL, cfg.Balances.APIKey, registry, logger,
		portfolio.WithHTTPClient(&http.Client{Timeout: cfg.Balances.Timeout}),
		portfolio.WithCache(cache, cfg.Balances.CacheTTL),
	)

	minGas, err := cfg.Transfer.MinDestinationGasDecimal()
	if err != nil {
		logger.Fatalw("Invalid destination gas floor", "error", err)
	}
	orchestrator := transfer.NewOrchestrator(registry, builder, poller, logger,
		transfer.WithJournal(journalStore),
		transfer.WithPublisher(cache),
		transfer.WithMetrics(metricsObj),
		transfer.WithMintRetry(cfg.Transfer.MintRetryBase, cfg.Transfer.MintMaxRetries),
		transfer.WithMinDestinationGas(minGas),
	)

	// A missing wallet leaves read-only endpoints up; transfers answer 503.
	var txWallet transfer.Wallet
	session, err := connectWallet(ctx, cfg, registry, logger)
	if err != nil {
		logger.Warnw("Wallet unavailable; transfers disabled", "url", cfg.Wallet.RPCURL, "error", err)
	} else {
		txWallet = session
		defer session.Close()
	}

	// Create context for background services and transfers
	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	snapshot := func() interface{} { return orchestrator.Snapshot() }
	wsHub := ws.NewHub(cache, cfg.Security.CORSAllowedOrigins, snapshot, logger, metricsObj)
	sseHandler := ws.NewSSEHandler(cache, cfg.Security.CORSAllowedOrigins, snapshot, logger)
	go wsHub.Run(runCtx)

	handler := api.NewHandler(api.Deps{
		Transfers:  orchestrator,
		Balances:   balances,
		History:    journalStore,
		Builder:    builder,
		Registry:   registry,
		Wallet:     txWallet,
		Cache:      cache,
		WSHub:      wsHub,
		SSE:        sseHandler,
		Logger:     logger,
		Metrics:    metricsObj,
		RunContext: runCtx,
	})
	middleware := api.NewMiddleware(logger, metricsObj)

	router := handler.Routes(middleware, cfg.Security.CORSAllowedOrigins, cfg.Security.RateLimitRPM)
	logger.Infow("CORS configured", "allowed_origins", cfg.Security.CORSAllowedOrigins)

	// Add metrics endpoint
	router.Handle("/metrics", metricsHandler)

	// Setup HTTP server. WriteTimeout stays zero for the streaming routes;
	// the rest are bounded by the timeout middleware.
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in background
	serverErrors := make(chan error, 1)
	go func() {
		logger.Infow("API server starting", "addr", server.Addr)
		serverErrors <- server.ListenAndServe()
	}()

	// Wait for interrupt signal
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Fatalw("Server startup failed", "error", err)
	case sig := <-shutdown:
		logger.Infow("Shutdown signal received", "signal", sig.String())

		// Give outstanding requests 30 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Errorw("Graceful shutdown failed", "error", err)
			server.Close()
		}

		// An in-flight transfer is recorded in the journal and can be resumed.
		if snap := orchestrator.Snapshot(); snap.State.InFlight() {
			logger.Warnw("Stopping with transfer in flight", "requestId", snap.RequestID, "state", snap.State)
		}
		runCancel()

		logger.Infow("Server stopped")
	}
}

func connectWallet(ctx context.Context, cfg *config.Config, registry *chains.Registry, logger *zap.SugaredLogger) (*wallet.Session, error) {
	provider, err := wallet.DialProvider(ctx, cfg.Wallet.RPCURL)
	if err != nil {
		return nil, err
	}
	session, err := wallet.Connect(ctx, provider, registry, logger,
		wallet.WithStatusPolling(cfg.Wallet.BatchStatusPoll, cfg.Wallet.BatchStatusTimeout),
	)
	if err != nil {
		provider.Close()
		return nil, err
	}
	return session, nil
}
