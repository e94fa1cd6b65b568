// Package main is the entry point for the gateway API server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/OV1-Kenobi/satnam-pub-sub002/internal/audit"
	"github.com/OV1-Kenobi/satnam-pub-sub002/internal/auth"
	"github.com/OV1-Kenobi/satnam-pub-sub002/internal/card"
	"github.com/OV1-Kenobi/satnam-pub-sub002/internal/config"
	"github.com/OV1-Kenobi/satnam-pub-sub002/internal/db"
	"github.com/OV1-Kenobi/satnam-pub-sub002/internal/gateway"
	"github.com/OV1-Kenobi/satnam-pub-sub002/internal/health"
	"github.com/OV1-Kenobi/satnam-pub-sub002/internal/lnbits"
	"github.com/OV1-Kenobi/satnam-pub-sub002/internal/middleware"
	"github.com/OV1-Kenobi/satnam-pub-sub002/internal/nwc"
	"github.com/OV1-Kenobi/satnam-pub-sub002/internal/pin"
	"github.com/OV1-Kenobi/satnam-pub-sub002/internal/provision"
	"github.com/OV1-Kenobi/satnam-pub-sub002/internal/vault"
	"github.com/OV1-Kenobi/satnam-pub-sub002/internal/wallet"
)

const claimCleanupInterval = time.Minute

func main() {
	configPath := flag.String("config", "", "path to optional YAML config file")
	help := flag.Bool("help", false, "display help message")
	flag.Parse()

	if *help {
		fmt.Println("Family Wallet Gateway")
		fmt.Println()
		fmt.Println("Usage: api [options]")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	cfg, errs := config.Load(*configPath)
	if len(errs) > 0 {
		for _, err := range errs {
			fmt.Fprintln(os.Stderr, "config:", err)
		}
		os.Exit(1)
	}

	logger := middleware.NewLogger(cfg.Env)
	slog.SetDefault(logger)

	summary := cfg.LogSummary()
	attrs := make([]any, 0, len(summary)*2)
	for k, v := range summary {
		attrs = append(attrs, k, v)
	}
	logger.Info("configuration loaded", attrs...)

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	startupCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	keyring, err := vault.NewKeyring(cfg.VaultMasterSecret)
	if err != nil {
		return fmt.Errorf("init keyring: %w", err)
	}

	var jwtSvc *auth.JWTService
	if cfg.JWTPreviousSecret != "" {
		jwtSvc = auth.NewJWTServiceWithRotation(cfg.JWTSecret, cfg.JWTPreviousSecret)
	} else {
		jwtSvc = auth.NewJWTService(cfg.JWTSecret)
	}

	pool, err := db.Connect(startupCtx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	// Redis is optional; without it rate limits and spend totals are
	// per-replica.
	var redisClient *redis.Client
	var limits middleware.RateLimitStore = middleware.NewInMemoryRateLimitStore()
	var ledger gateway.SpendLedger = gateway.NewInMemorySpendLedger()
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		redisClient = redis.NewClient(opt)
		defer redisClient.Close()
		limits = middleware.NewRedisRateLimitStore(redisClient)
		ledger = gateway.NewRedisSpendLedger(redisClient)
	}

	metrics := middleware.NewMetrics()
	registry := prometheus.NewRegistry()
	if err := metrics.Register(registry); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	audit.SetMetricsObserver(metrics)

	audits := audit.NewPostgresRepository(pool)
	walletRepo := wallet.NewPostgresRepository(pool)
	cardRepo := card.NewPostgresRepository(pool)
	grantRepo := nwc.NewPostgresRepository(pool)
	claimRepo := provision.NewPostgresRepository(pool)

	upstreamTimeout := time.Duration(cfg.WalletAPITimeoutSeconds) * time.Second
	client := lnbits.NewHTTPClient(cfg.WalletAPIURL, cfg.WalletAPIAdminKey, upstreamTimeout)

	// The release window must outlast the slowest upstream call made
	// while a key is checked out, or every slow payment would log a
	// violation.
	releaseTimeout := upstreamTimeout + 2*time.Second

	wallets := wallet.NewService(walletRepo, keyring, audits, releaseTimeout)
	pins := pin.NewAuthenticator(keyring, limits)
	provisioner := provision.NewProvisioner(claimRepo)
	cards := card.NewService(cardRepo, wallets, client, keyring, provisioner, pins, audits)
	grants := nwc.NewService(grantRepo, keyring, audits, client, cfg.NWCRelayURL)

	var archiver *audit.Archiver
	if cfg.R2BucketName != "" {
		archiver, err = audit.NewArchiver(audit.ArchiverConfig{
			BucketName:      cfg.R2BucketName,
			AccessKeyID:     cfg.R2AccessKeyID,
			SecretAccessKey: cfg.R2SecretAccessKey,
			Endpoint:        cfg.R2Endpoint,
		})
		if err != nil {
			return fmt.Errorf("init audit archiver: %w", err)
		}
	}

	gw := gateway.New(gateway.Config{
		JWT:          jwtSvc,
		Limits:       limits,
		Metrics:      metrics,
		Wallets:      wallets,
		Cards:        cards,
		Grants:       grants,
		Client:       client,
		Provisioner:  provisioner,
		Audits:       audits,
		Archiver:     archiver,
		Policy:       gateway.NewSpendPolicy(cfg.OffspringApprovalThresholdSats, cfg.OffspringDailyCeilingSats, ledger),
		CardsEnabled: cfg.CardsEnabled,
	})

	healthz := health.NewHandler()
	healthz.Register("database", health.NewDBChecker(pool))
	if redisClient != nil {
		healthz.Register("redis", health.NewRedisChecker(redisClient))
	}
	healthz.Register("wallet_api", health.NewWalletAPIChecker(cfg.WalletAPIURL, nil))
	if cfg.NWCRelayURL != "" {
		healthz.Register("relay", health.NewRelayChecker(nwc.NewRelayProber(cfg.NWCRelayURL)))
	}

	mux := http.NewServeMux()
	mux.Handle("/api/v1/gateway", gw)
	mux.Handle("/healthz", healthz)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	// Logging sits innermost so handlers can push derived contexts (error
	// code, user hash) back to its response writer.
	handler := middleware.RequestID(middleware.Instrument(metrics)(middleware.Logging(logger)(mux)))

	// Reclaim claim rows left pending by crashed provisioning attempts.
	stopCleanup := make(chan struct{})
	go provision.RunPeriodicCleanup(claimRepo, claimCleanupInterval, provision.DefaultStaleClaimAge, stopCleanup)

	server := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Port),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: upstreamTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting server", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")
	close(stopCleanup)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}
