package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/unitedefi/resolver-backend/internal/api"
	"github.com/unitedefi/resolver-backend/internal/archive"
	"github.com/unitedefi/resolver-backend/internal/bridge"
	"github.com/unitedefi/resolver-backend/internal/chain"
	"github.com/unitedefi/resolver-backend/internal/config"
	"github.com/unitedefi/resolver-backend/internal/daemon"
	"github.com/unitedefi/resolver-backend/internal/log"
	"github.com/unitedefi/resolver-backend/internal/marketplace"
	"github.com/unitedefi/resolver-backend/internal/metrics"
	"github.com/unitedefi/resolver-backend/pkg/kv"

	_ "github.com/unitedefi/resolver-backend/pkg/kv/memory"
	_ "github.com/unitedefi/resolver-backend/pkg/kv/redis"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger, err := log.NewSugar(cfg.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Infow("Starting resolver daemon",
		"env", cfg.Env,
		"addr", cfg.HTTPAddr,
		"resolver", cfg.Resolver.Address,
	)

	// Setup metrics
	metricsObj, metricsHandler, err := metrics.Setup("resolverd")
	if err != nil {
		logger.Fatalw("Failed to setup metrics", "error", err)
	}

	// Setup the shared coordination store
	kvStore, err := kv.NewStoreFromConfig(kv.Config{
		Backend:  kv.Backend(cfg.Store.Backend),
		RedisURL: cfg.Store.RedisURL,
	})
	if err != nil {
		logger.Fatalw("Failed to setup coordination store", "error", err)
	}
	defer kvStore.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := kvStore.Ping(ctx); err != nil {
		cancel()
		logger.Fatalw("Coordination store ping failed", "error", err, "backend", cfg.Store.Backend)
	}
	cancel()
	logger.Infow("Coordination store connected", "backend", cfg.Store.Backend)

	store := bridge.NewStore(kvStore, logger)

	// Escrow gateway serves both chain reads and claim submission
	gateway := chain.NewGatewayClient(cfg.Gateway.URL, cfg.Gateway.RequestTimeout, cfg.Gateway.CacheTTL, logger)
	defer gateway.Close()

	synchronizer := bridge.NewSynchronizer(store, gateway, logger, bridge.WithSyncMetrics(metricsObj))
	reveal := bridge.NewRevealCoordinator(store, gateway, logger, bridge.WithRevealMetrics(metricsObj))

	market := marketplace.New(store, marketplace.Config{
		AuctionDuration:      cfg.Auction.Duration,
		MaxFeeRate:           cfg.Auction.MaxFeeRate,
		MaxExecutionWindow:   cfg.Auction.MaxExecutionWindow,
		MinResolverStake:     cfg.Auction.MinResolverStake,
		ReputationThreshold:  cfg.Auction.ReputationThreshold,
		DefaultExecutionTime: cfg.Auction.DefaultExecutionTime,
	}, logger, marketplace.WithMetrics(metricsObj))

	// Optional Postgres audit archive
	agentOpts := []daemon.AgentOption{daemon.WithAgentMetrics(metricsObj)}
	var auditArchive *archive.Archive
	if cfg.ArchiveEnabled() {
		archiveCtx, archiveCancel := context.WithTimeout(context.Background(), 10*time.Second)
		auditArchive, err = archive.New(archiveCtx, cfg.Database.PostgresDSN, logger)
		archiveCancel()
		if err != nil {
			logger.Fatalw("Failed to setup audit archive", "error", err)
		}
		defer auditArchive.Close()
		agentOpts = append(agentOpts, daemon.WithArchive(auditArchive))
		logger.Infow("Audit archive enabled")
	}

	agent := daemon.NewAgent(daemon.Config{
		ResolverAddress:     cfg.Resolver.Address,
		StakeAmount:         cfg.Resolver.StakeAmount,
		AutoBid:             cfg.Resolver.AutoBid,
		AutoExecute:         cfg.Resolver.AutoExecute,
		MinProfitThreshold:  cfg.Resolver.MinProfitThreshold,
		MaxConcurrentOrders: cfg.Resolver.MaxConcurrentOrders,
		AuctionDuration:     cfg.Auction.Duration,
		DiscoveryInterval:   cfg.Intervals.Discovery,
		BidInterval:         cfg.Intervals.Bid,
		ExecutionInterval:   cfg.Intervals.Execution,
		ReputationInterval:  cfg.Intervals.Reputation,
		CleanupInterval:     cfg.Intervals.Cleanup,
		MonitorInterval:     cfg.Intervals.Monitor,
		ShutdownGrace:       cfg.Intervals.ShutdownGrace,
	}, market, synchronizer, reveal, store, logger, agentOpts...)

	agentCtx, agentCancel := context.WithCancel(context.Background())
	defer agentCancel()

	if err := agent.Start(agentCtx); err != nil {
		logger.Fatalw("Failed to start resolver agent", "error", err)
	}

	// Setup API handler and middleware
	handler := api.NewHandler(store, reveal, agent, auditArchive, logger, metricsObj)
	middleware := api.NewMiddleware(logger, metricsObj)

	router := handler.Routes(middleware, cfg.Security.CORSAllowedOrigins, cfg.Security.RateLimitRPM)

	// Add metrics endpoint
	router.Handle("/metrics", metricsHandler)

	// Setup HTTP server
	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
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

		agent.Stop()

		// Give outstanding requests 30 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Errorw("Graceful shutdown failed", "error", err)
			server.Close()
		}

		logger.Infow("Resolver daemon stopped")
	}
}
