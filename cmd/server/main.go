package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ScaleX-Protocol/agentgate/internal/config"
	"github.com/ScaleX-Protocol/agentgate/internal/events"
	"github.com/ScaleX-Protocol/agentgate/internal/handler"
	"github.com/ScaleX-Protocol/agentgate/internal/lending"
	"github.com/ScaleX-Protocol/agentgate/internal/manager"
	"github.com/ScaleX-Protocol/agentgate/internal/market"
	"github.com/ScaleX-Protocol/agentgate/internal/middleware"
	"github.com/ScaleX-Protocol/agentgate/internal/model"
	"github.com/ScaleX-Protocol/agentgate/internal/pkg/logger"
	"github.com/ScaleX-Protocol/agentgate/internal/repository"
	"github.com/ScaleX-Protocol/agentgate/internal/service"
	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type cleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) error
}

func main() {
	// 1. Load Configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 0. Initialize Logger
	logger.Init(cfg.Log.Level, cfg.Log.Format)

	// 2. Initialize Persistence
	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient, err = repository.NewRedisClient(cfg)
		if err == nil {
			logger.Info("✅ Connected to Redis", "addr", cfg.Redis.Addr)
		} else {
			logger.Error("⚠️ Failed to connect to Redis, falling back to memory", "error", err)
			redisClient = nil
		}
	}

	var db *gorm.DB
	if cfg.Database.DSN != "" {
		db, err = repository.NewDB(cfg)
		if err == nil {
			logger.Info("✅ Connected to PostgreSQL")
		} else {
			logger.Error("⚠️ Failed to connect to DB, falling back to memory", "error", err)
			db = nil
		}
	}

	counters := buildCounterStore(cfg, redisClient, db)
	grants := buildGrantRepo(cfg, db)

	// 3. Initialize Core Services
	hub := events.NewHub(1000)
	publishers := service.MultiPublisher{hub}
	if redisClient != nil && cfg.Redis.EventChannel != "" {
		publishers = append(publishers, repository.NewRedisEventPublisher(redisClient, cfg.Redis.EventChannel))
	}

	ledger := service.NewAuthorizationLedger(service.NewPolicyStore(grants), counters, publishers)

	opts := []service.GatewayOption{}
	identity := buildIdentity(cfg, &opts)

	if cfg.Gateway.LockBackend == "redis" && redisClient != nil {
		ttl := time.Duration(cfg.Gateway.LockTTLMs) * time.Millisecond
		opts = append(opts, service.WithLocker(repository.NewRedisLocker(redisClient, cfg.Redis.KeyPrefix, ttl)))
		logger.Info("🔒 Using Redis grant locks")
	}

	if oracle := buildOracle(cfg, redisClient); oracle != nil {
		opts = append(opts, service.WithRiskOracle(oracle))
	}

	if cfg.Paper.Trading {
		opts = append(opts, service.WithTradingEngine(buildTradingEngine(cfg)))
	}
	if cfg.Paper.Lending {
		opts = append(opts, service.WithLendingEngine(buildLendingEngine(cfg)))
	}

	gatewaySvc := service.NewGatewayService(identity, ledger, counters, opts...)

	var auditRepo service.AuditRepo
	var cleaners []cleaner
	switch {
	case db != nil:
		repo, err := repository.NewPostgresAuditRepo(db)
		if err != nil {
			log.Fatalf("Failed to migrate audit table: %v", err)
		}
		auditRepo = repo
		cleaners = append(cleaners, retention{repo, time.Duration(cfg.Database.AuditRetentionDays) * 24 * time.Hour})
	case redisClient != nil:
		auditRepo = repository.NewRedisAuditRepo(redisClient, cfg.Redis.KeyPrefix+cfg.Redis.AuditListKey, cfg.Redis.AuditListMax)
	}
	auditSvc, err := service.NewAuditService(cfg.Audit.Dir, cfg.Audit.BufferSize, auditRepo)
	if err != nil {
		log.Fatalf("Failed to initialize audit service: %v", err)
	}

	var nonceStore manager.NonceStore
	if redisClient != nil {
		nonceStore = manager.NewRedisNonceStore(redisClient, cfg.Redis.KeyPrefix)
	}
	nonces := manager.NewNonceManager(nonceStore)

	var idempotencyStore middleware.IdempotencyStore
	switch {
	case db != nil:
		store, err := repository.NewPostgresIdempotencyStore(db)
		if err != nil {
			log.Fatalf("Failed to migrate idempotency table: %v", err)
		}
		idempotencyStore = store
		cleaners = append(cleaners, retention{store, time.Duration(cfg.Database.IdempotencyRetentionHours) * time.Hour})
	case redisClient != nil:
		ttl := time.Duration(cfg.Redis.IdempotencyTTLSeconds) * time.Second
		idempotencyStore = repository.NewRedisIdempotencyStore(redisClient, cfg.Redis.KeyPrefix, ttl)
	default:
		store := middleware.NewInMemIdempotencyStore()
		idempotencyStore = store
		cleaners = append(cleaners, retention{store, time.Duration(cfg.Database.IdempotencyRetentionHours) * time.Hour})
	}

	// 4. Setup Router
	r := handler.NewRouter(handler.Deps{
		Config:      cfg,
		Gateway:     gatewaySvc,
		Audit:       auditSvc,
		Hub:         hub,
		Nonces:      nonces,
		Limiter:     service.NewCallerLimiter(cfg.RateLimit.QPS, cfg.RateLimit.Burst),
		Idempotency: idempotencyStore,
	})

	bgCtx, stopBackground := context.WithCancel(context.Background())
	if len(cleaners) > 0 {
		go runCleanup(bgCtx, time.Duration(cfg.Database.CleanupIntervalMinutes)*time.Minute, cleaners)
	}

	// 5. Start Server with Graceful Shutdown
	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: r,
	}

	go func() {
		logger.Info("🚀 AgentGate started", "port", cfg.Server.Port, "read_only", cfg.Gateway.ReadOnly)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server listen failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("🛑 Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stopBackground()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown: ", err)
	}
	auditSvc.Close()
	if redisClient != nil {
		_ = redisClient.Close()
	}

	logger.Info("Server exiting")
}

func buildCounterStore(cfg *config.Config, rdb *redis.Client, db *gorm.DB) service.CounterStore {
	switch cfg.Gateway.CounterBackend {
	case "redis":
		if rdb != nil {
			logger.Info("📊 Counters in Redis")
			return repository.NewRedisCounterStore(rdb, cfg.Redis.KeyPrefix)
		}
	case "postgres":
		if db != nil {
			store, err := repository.NewPostgresCounterStore(db)
			if err != nil {
				log.Fatalf("Failed to migrate counters table: %v", err)
			}
			logger.Info("📊 Counters in PostgreSQL")
			return store
		}
	}
	if cfg.Gateway.CounterBackend != "" && cfg.Gateway.CounterBackend != "memory" {
		logger.Warn("counter backend unavailable, using memory", "backend", cfg.Gateway.CounterBackend)
	}
	return service.NewMemoryCounterStore()
}

func buildGrantRepo(cfg *config.Config, db *gorm.DB) service.GrantRepo {
	if cfg.Gateway.GrantBackend == "postgres" {
		if db != nil {
			repo, err := repository.NewPostgresGrantRepo(db)
			if err != nil {
				log.Fatalf("Failed to migrate grants table: %v", err)
			}
			logger.Info("📜 Grants in PostgreSQL")
			return repo
		}
		logger.Warn("grant backend unavailable, using memory", "backend", cfg.Gateway.GrantBackend)
	}
	return service.NewMemoryGrantRepo()
}

// buildIdentity prefers the on-chain registry. The in-memory registry also
// serves registration and reputation.
func buildIdentity(cfg *config.Config, opts *[]service.GatewayOption) service.IdentityRegistry {
	if cfg.Chain.IdentityRegistry != "" && cfg.Chain.RPCURL != "" {
		reg, err := service.NewChainIdentityRegistry(
			cfg.Chain.RPCURL,
			cfg.Chain.IdentityRegistry,
			time.Duration(cfg.Chain.CacheSeconds)*time.Second,
			time.Duration(cfg.Chain.TimeoutMs)*time.Millisecond,
			cfg.Chain.Retries,
		)
		if err != nil {
			log.Fatalf("Failed to initialize identity registry: %v", err)
		}
		logger.Info("🪪 Using on-chain identity registry", "contract", cfg.Chain.IdentityRegistry)
		return reg
	}
	reg := service.NewMemoryIdentityRegistry()
	*opts = append(*opts, service.WithRegistrar(reg), service.WithReputationSource(reg))
	logger.Info("🪪 Using in-memory identity registry")
	return reg
}

func buildOracle(cfg *config.Config, rdb *redis.Client) service.RiskOracle {
	switch cfg.Oracle.Source {
	case "redis":
		if rdb == nil {
			logger.Warn("redis oracle requested without redis, oracle disabled")
			return nil
		}
		return repository.NewRedisRiskOracle(rdb, cfg.Redis.KeyPrefix)
	case "static":
		tvl, err := decimal.NewFromString(cfg.Oracle.StaticPoolTVL)
		if err != nil {
			log.Fatalf("Invalid oracle.static_pool_tvl: %v", err)
		}
		return &service.StaticRiskOracle{Metrics: model.RiskMetrics{
			DrawdownBps:      cfg.Oracle.StaticDrawdownBps,
			PoolTVL:          tvl,
			ConcentrationBps: cfg.Oracle.StaticConcentrationBps,
			CorrelationBps:   cfg.Oracle.StaticCorrelationBps,
		}}
	}
	return nil
}

func buildTradingEngine(cfg *config.Config) *market.PaperEngine {
	engine := market.NewPaperEngine()
	for _, lvl := range cfg.Paper.Liquidity {
		side, err := model.ParseSide(lvl.Side)
		if err != nil {
			log.Fatalf("Invalid paper liquidity side %q: %v", lvl.Side, err)
		}
		price, err := decimal.NewFromString(lvl.Price)
		if err != nil {
			log.Fatalf("Invalid paper liquidity price %q: %v", lvl.Price, err)
		}
		size, err := decimal.NewFromString(lvl.Size)
		if err != nil {
			log.Fatalf("Invalid paper liquidity size %q: %v", lvl.Size, err)
		}
		engine.SeedLiquidity(lvl.Pool, side, price, size)
	}
	return engine
}

func buildLendingEngine(cfg *config.Config) *lending.PaperEngine {
	ltv, err := decimal.NewFromString(cfg.Paper.LiquidationLTV)
	if err != nil {
		log.Fatalf("Invalid paper.liquidation_ltv: %v", err)
	}
	engine := lending.NewPaperEngine(ltv)
	for _, p := range cfg.Paper.Prices {
		if !common.IsHexAddress(p.Token) {
			log.Fatalf("Invalid paper price token %q", p.Token)
		}
		price, err := decimal.NewFromString(p.Price)
		if err != nil {
			log.Fatalf("Invalid paper price %q: %v", p.Price, err)
		}
		engine.SetPrice(common.HexToAddress(p.Token), price)
	}
	return engine
}

type retention struct {
	target cleaner
	maxAge time.Duration
}

func (r retention) Cleanup(ctx context.Context, _ time.Duration) error {
	return r.target.Cleanup(ctx, r.maxAge)
}

func runCleanup(ctx context.Context, interval time.Duration, targets []cleaner) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, t := range targets {
				if err := t.Cleanup(ctx, 0); err != nil {
					logger.Error("retention cleanup failed", "error", err)
				}
			}
		}
	}
}
