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

	bidding "auction-engine/internal/biddingService"
	"auction-engine/internal/broadcast"
	"auction-engine/internal/config"
	"auction-engine/internal/ledger"
	"auction-engine/internal/repository"
	"auction-engine/internal/scheduler"
	"auction-engine/internal/server"
	"auction-engine/utils"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
)

func main() {
	cfg, err := config.Load(os.Getenv("AUCTION_CONFIG_FILE"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	utils.SetLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, balances, closeStore, err := openStore(cfg)
	if err != nil {
		utils.Fatal("failed to open auction store", map[string]any{"driver": cfg.Database.Driver, "error": err.Error()})
	}
	defer closeStore()

	hub := broadcast.NewHub(cfg.Broadcast.QueueSize)
	go hub.Run(ctx)

	var publisher bidding.EventPublisher = hub
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			utils.Fatal("failed to reach redis", map[string]any{"addr": cfg.Redis.Addr(), "error": err.Error()})
		}
		relay := broadcast.NewRedisRelay(client, cfg.Redis.Channel, hub, cfg.Broadcast.QueueSize)
		go relay.Run(ctx)
		publisher = relay
	}

	biddingSvc := bidding.NewBiddingService(store, balances, publisher, bidding.WithAccountType(cfg.Ledger.AccountType))

	sweeper := scheduler.New(biddingSvc, cfg.Scheduler.SweepTimeout)
	if err := sweeper.Start(cfg.Scheduler.Spec); err != nil {
		utils.Fatal("failed to start scheduler", map[string]any{"spec": cfg.Scheduler.Spec, "error": err.Error()})
	}

	limiter := server.NewRateLimiter(cfg.RateLimit.BidsPerSecond, cfg.RateLimit.Burst)
	limiter.StartCleanup(ctx, 10*time.Minute)

	router := server.SetupRouter(server.Dependencies{
		Service:          biddingSvc,
		Subscriptions:    hub,
		JWTSecret:        []byte(cfg.Auth.JWTSecret),
		Limiter:          limiter,
		SubscriberBuffer: cfg.Broadcast.SubscriberBuffer,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		utils.Info("starting auction server", map[string]any{"addr": srv.Addr, "driver": cfg.Database.Driver})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			utils.Fatal("failed to start server", map[string]any{"error": err.Error()})
		}
	}()

	<-ctx.Done()
	utils.Info("shutting down", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		utils.Error("http shutdown failed", map[string]any{"error": err.Error()})
	}
	sweeper.Stop(shutdownCtx)
}

// openStore returns the auction store and the balance reader backing it
func openStore(cfg *config.Config) (repository.AuctionDB, ledger.Reader, func(), error) {
	if cfg.Database.Driver != "postgres" {
		repo := repository.NewMemoryRepo()
		if err := seedBalances(repo, cfg.Ledger); err != nil {
			return nil, nil, nil, err
		}
		return repo, repo, func() {}, nil
	}

	db, err := sqlx.Connect("postgres", cfg.Database.DSN())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	if cfg.Database.Migrate {
		if err := repository.Migrate(db.DB); err != nil {
			db.Close()
			return nil, nil, nil, err
		}
	}

	repo := repository.NewPostgresRepo(db)
	return repo, repo.Ledger(), func() { db.Close() }, nil
}

// seedBalances funds accounts in the in-memory store
func seedBalances(repo *repository.MemoryRepo, cfg config.LedgerConfig) error {
	for userID, raw := range cfg.SeedBalances {
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return fmt.Errorf("seed balance for %s: %w", userID, err)
		}
		repo.SetBalance(userID, cfg.AccountType, amount)
	}
	if len(cfg.SeedBalances) > 0 {
		utils.Info("seeded balances", map[string]any{"accounts": len(cfg.SeedBalances)})
	}
	return nil
}
