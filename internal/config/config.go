package config

import (
	"log"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Chain     ChainConfig     `mapstructure:"chain"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Oracle    OracleConfig    `mapstructure:"oracle"`
	Paper     PaperConfig     `mapstructure:"paper"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Audit     AuditConfig     `mapstructure:"audit"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type AuthConfig struct {
	// When false the X-Wallet-Address header is trusted without a signature.
	RequireSignatures bool   `mapstructure:"require_signatures"`
	AdminKey          string `mapstructure:"admin_key"`
	ChainID           int64  `mapstructure:"chain_id"`
}

type DatabaseConfig struct {
	DSN                       string `mapstructure:"dsn"`
	IdempotencyRetentionHours int    `mapstructure:"idempotency_retention_hours"`
	AuditRetentionDays        int    `mapstructure:"audit_retention_days"`
	CleanupIntervalMinutes    int    `mapstructure:"cleanup_interval_minutes"`
}

type RedisConfig struct {
	Addr                  string `mapstructure:"addr"`
	Password              string `mapstructure:"password"`
	DB                    int    `mapstructure:"db"`
	KeyPrefix             string `mapstructure:"key_prefix"`
	IdempotencyTTLSeconds int    `mapstructure:"idempotency_ttl_seconds"`
	AuditListKey          string `mapstructure:"audit_list_key"`
	AuditListMax          int    `mapstructure:"audit_list_max"`
	EventChannel          string `mapstructure:"event_channel"`
}

type ChainConfig struct {
	RPCURL string `mapstructure:"rpc_url"`
	// ERC-721 contract whose ownerOf backs the identity registry.
	IdentityRegistry string `mapstructure:"identity_registry"`
	CacheSeconds     int    `mapstructure:"cache_seconds"`
	TimeoutMs        int    `mapstructure:"timeout_ms"`
	Retries          int    `mapstructure:"retries"`
}

type GatewayConfig struct {
	CounterBackend string `mapstructure:"counter_backend"` // memory, redis, postgres
	GrantBackend   string `mapstructure:"grant_backend"`   // memory, postgres
	LockBackend    string `mapstructure:"lock_backend"`    // memory, redis
	LockTTLMs      int    `mapstructure:"lock_ttl_ms"`
	ReadOnly       bool   `mapstructure:"read_only"`
}

type OracleConfig struct {
	Source string `mapstructure:"source"` // none, redis, static

	StaticDrawdownBps      uint32 `mapstructure:"static_drawdown_bps"`
	StaticPoolTVL          string `mapstructure:"static_pool_tvl"`
	StaticConcentrationBps uint32 `mapstructure:"static_concentration_bps"`
	StaticCorrelationBps   uint32 `mapstructure:"static_correlation_bps"`
}

// PaperConfig controls the in-process trading and lending engines.
type PaperConfig struct {
	Trading        bool         `mapstructure:"trading"`
	Lending        bool         `mapstructure:"lending"`
	LiquidationLTV string       `mapstructure:"liquidation_ltv"`
	Liquidity      []PaperLevel `mapstructure:"liquidity"`
	Prices         []PaperPrice `mapstructure:"prices"`
}

// PaperLevel seeds one resting level of the paper order book.
type PaperLevel struct {
	Pool  string `mapstructure:"pool"`
	Side  string `mapstructure:"side"`
	Price string `mapstructure:"price"`
	Size  string `mapstructure:"size"`
}

// PaperPrice sets the collateral price of a token in the paper lending book.
type PaperPrice struct {
	Token string `mapstructure:"token"`
	Price string `mapstructure:"price"`
}

type RateLimitConfig struct {
	QPS   float64 `mapstructure:"qps"`
	Burst int     `mapstructure:"burst"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type AuditConfig struct {
	Dir        string `mapstructure:"dir"`
	BufferSize int    `mapstructure:"buffer_size"`
}

func Load() (*Config, error) {
	// 本地开发时从 .env 读取环境变量
	if err := godotenv.Load(); err == nil {
		log.Println("Loaded environment from .env")
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./configs")

	// e.g. AGENTGATE_REDIS_ADDR
	viper.SetEnvPrefix("agentgate")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults(viper.GetViper())

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("No config file found, using defaults and env vars")
		} else {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("auth.require_signatures", true)
	v.SetDefault("auth.admin_key", "")
	v.SetDefault("auth.chain_id", 1)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.idempotency_retention_hours", 168)
	v.SetDefault("database.audit_retention_days", 30)
	v.SetDefault("database.cleanup_interval_minutes", 60)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.key_prefix", "agentgate:")
	v.SetDefault("redis.idempotency_ttl_seconds", 86400)
	v.SetDefault("redis.audit_list_key", "audit_logs")
	v.SetDefault("redis.audit_list_max", 10000)
	v.SetDefault("redis.event_channel", "authorization_events")
	v.SetDefault("chain.rpc_url", "")
	v.SetDefault("chain.identity_registry", "")
	v.SetDefault("chain.cache_seconds", 30)
	v.SetDefault("chain.timeout_ms", 5000)
	v.SetDefault("chain.retries", 1)
	v.SetDefault("gateway.counter_backend", "memory")
	v.SetDefault("gateway.grant_backend", "memory")
	v.SetDefault("gateway.lock_backend", "memory")
	v.SetDefault("gateway.lock_ttl_ms", 10000)
	v.SetDefault("gateway.read_only", false)
	v.SetDefault("oracle.source", "none")
	v.SetDefault("oracle.static_pool_tvl", "0")
	v.SetDefault("paper.trading", true)
	v.SetDefault("paper.lending", true)
	v.SetDefault("paper.liquidation_ltv", "0.8")
	v.SetDefault("rate_limit.qps", 10)
	v.SetDefault("rate_limit.burst", 20)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("audit.dir", "./logs")
	v.SetDefault("audit.buffer_size", 1000)
}
