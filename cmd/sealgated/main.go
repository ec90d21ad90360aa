package main

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sealgate/gateway/pkg/config"
	"github.com/sealgate/gateway/pkg/httpapi"
	"github.com/sealgate/gateway/pkg/identity"
	"github.com/sealgate/gateway/pkg/ledger"
	"github.com/sealgate/gateway/pkg/observability"
	"github.com/sealgate/gateway/pkg/orchestrator"
	"github.com/sealgate/gateway/pkg/policyengine"
	"github.com/sealgate/gateway/pkg/ratelimit"
	"github.com/sealgate/gateway/pkg/seal"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

func main() {
	os.Exit(Run())
}

// Run is the server entrypoint, separated from main for testability.
func Run() int {
	cfg := config.Load()
	ctx := context.Background()

	var store httpapi.Store
	var execStore seal.ExecutionStore

	if cfg.DatabaseURL == "" {
		fmt.Fprintln(os.Stdout, "DATABASE_URL not set, using embedded SQLite")
		db, err := sql.Open("sqlite", "file:sealgate.db?_pragma=busy_timeout(5000)")
		if err != nil {
			log.Fatalf("sqlite open: %v", err)
		}
		lgr := ledger.NewSQLiteLedger(db)
		if err := lgr.Init(ctx); err != nil {
			log.Fatalf("sqlite init: %v", err)
		}
		store, execStore = lgr, lgr
	} else {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("postgres open: %v", err)
		}
		if err := db.PingContext(ctx); err != nil {
			log.Fatalf("postgres ping: %v", err)
		}
		lgr := ledger.NewPostgresLedger(db)
		if err := lgr.Init(ctx); err != nil {
			log.Fatalf("postgres init: %v", err)
		}
		store, execStore = lgr, lgr
	}

	var keySet *identity.InMemoryKeySet
	if cfg.RootSeedHex != "" {
		seed, err := hex.DecodeString(cfg.RootSeedHex)
		if err != nil {
			log.Fatalf("SEALGATE_ROOT_SEED is not valid hex: %v", err)
		}
		keySet, err = identity.NewInMemoryKeySetFromSeed(seed)
		if err != nil {
			log.Fatalf("keyset init from seed: %v", err)
		}
	} else {
		var err error
		keySet, err = identity.NewInMemoryKeySet()
		if err != nil {
			log.Fatalf("keyset init: %v", err)
		}
	}
	tokens := identity.NewTokenManager(keySet, cfg.TokenIssuer)

	registry, ok := store.(identity.Registry)
	if !ok {
		log.Fatalf("configured store does not satisfy identity.Registry")
	}
	verifier := identity.NewVerifier(tokens, registry)

	sealKeys := seal.NewKeyRing()
	if err := sealKeys.GenerateKey("k1"); err != nil {
		log.Fatalf("seal key generation: %v", err)
	}
	sealEngine := seal.NewEngine(sealKeys, cfg.SealTTL, execStore)

	policyAdapter := policyengine.New(policyengine.Config{
		BaseURL: cfg.PolicyEngineURL,
		Timeout: cfg.PolicyEngineTimeout,
	})

	ledgerAppender, ok := store.(orchestrator.LedgerAppender)
	if !ok {
		log.Fatalf("configured store does not satisfy orchestrator.LedgerAppender")
	}
	orch := orchestrator.New(policyAdapter, sealEngine, ledgerAppender)

	obsConfig := observability.DefaultConfig()
	if env := os.Getenv("ENVIRONMENT"); env != "" {
		obsConfig.Environment = env
	}
	obsConfig.Enabled = os.Getenv("OTEL_ENABLED") == "true"
	obsProvider, err := observability.New(ctx, obsConfig)
	if err != nil {
		log.Fatalf("observability init: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obsProvider.Shutdown(shutdownCtx)
	}()
	orch.WithObservability(obsProvider)
	sealEngine.WithObservability(obsProvider)

	var limiter ratelimit.LimiterStore
	if cfg.RedisAddr != "" {
		limiter = ratelimit.NewRedisLimiterStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		slog.Info("rate limiter: redis", "addr", cfg.RedisAddr)
	} else {
		limiter = ratelimit.NewInMemoryLimiterStore()
		slog.Info("rate limiter: in-memory (single instance only)")
	}

	srv := httpapi.NewServer(orch, sealEngine, store, tokens, verifier, policyAdapter, cfg.RequireAuth)
	router := httpapi.NewRouter(srv, verifier, httpapi.RouterConfig{
		MaxBodyBytes:    cfg.MaxBodyBytes,
		RequestDeadline: cfg.RequestDeadline,
		ValidatePolicy:  ratelimit.Policy{RPM: cfg.DefaultRPM, Burst: cfg.DefaultBurst},
		Limiter:         limiter,
	})

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("sealgate: listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	slog.Info("sealgate: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
		return 1
	}
	return 0
}
