package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

type Config struct {
	Env      string `mapstructure:"RSV_ENV"`
	HTTPAddr string `mapstructure:"RSV_HTTP_ADDR"`

	Store     StoreConfig     `mapstructure:",squash"`
	Gateway   GatewayConfig   `mapstructure:",squash"`
	Resolver  ResolverConfig  `mapstructure:",squash"`
	Auction   AuctionConfig   `mapstructure:",squash"`
	Intervals IntervalsConfig `mapstructure:",squash"`
	Database  DBConfig        `mapstructure:",squash"`
	Security  SecurityConfig  `mapstructure:",squash"`
}

type StoreConfig struct {
	Backend  string `mapstructure:"RSV_STORE_BACKEND"` // "redis", "memory"
	RedisURL string `mapstructure:"RSV_REDIS_URL"`
}

type GatewayConfig struct {
	URL            string        `mapstructure:"RSV_ESCROW_GATEWAY_URL"`
	RequestTimeout time.Duration `mapstructure:"RSV_ESCROW_GATEWAY_TIMEOUT"`
	CacheTTL       time.Duration `mapstructure:"RSV_ESCROW_CACHE_TTL"`
}

type ResolverConfig struct {
	Address             string  `mapstructure:"RSV_RESOLVER_ADDRESS"`
	StakeAmount         int64   `mapstructure:"RSV_STAKE_AMOUNT"`
	AutoBid             bool    `mapstructure:"RSV_AUTO_BID"`
	AutoExecute         bool    `mapstructure:"RSV_AUTO_EXECUTE"`
	MinProfitThreshold  float64 `mapstructure:"RSV_MIN_PROFIT_THRESHOLD"`
	MaxConcurrentOrders int     `mapstructure:"RSV_MAX_CONCURRENT_ORDERS"`
}

type AuctionConfig struct {
	Duration             time.Duration `mapstructure:"RSV_AUCTION_DURATION"`
	MaxFeeRate           float64       `mapstructure:"RSV_MAX_FEE_RATE"`
	MaxExecutionWindow   time.Duration `mapstructure:"RSV_MAX_EXECUTION_WINDOW"`
	MinResolverStake     int64         `mapstructure:"RSV_MIN_RESOLVER_STAKE"`
	ReputationThreshold  float64       `mapstructure:"RSV_REPUTATION_THRESHOLD"`
	DefaultExecutionTime time.Duration `mapstructure:"RSV_DEFAULT_EXECUTION_TIME"`
}

type IntervalsConfig struct {
	Discovery     time.Duration `mapstructure:"RSV_DISCOVERY_INTERVAL"`
	Bid           time.Duration `mapstructure:"RSV_BID_INTERVAL"`
	Execution     time.Duration `mapstructure:"RSV_EXECUTION_INTERVAL"`
	Reputation    time.Duration `mapstructure:"RSV_REPUTATION_INTERVAL"`
	Cleanup       time.Duration `mapstructure:"RSV_CLEANUP_INTERVAL"`
	Monitor       time.Duration `mapstructure:"RSV_MONITOR_INTERVAL"`
	ShutdownGrace time.Duration `mapstructure:"RSV_SHUTDOWN_GRACE"`
}

type DBConfig struct {
	// PostgresDSN enables the audit archive when set. Coordination data
	// itself never touches Postgres.
	PostgresDSN string `mapstructure:"RSV_POSTGRES_DSN"`
}

type SecurityConfig struct {
	RateLimitRPM       int      `mapstructure:"RSV_RATE_LIMIT_RPM"`
	CORSAllowedOrigins []string `mapstructure:"RSV_CORS_ALLOWED_ORIGINS"`
}

func loadDotEnvFiles() {
	candidates := []string{
		".env",
		filepath.Join("backend", ".env"),
		filepath.Join("..", ".env"),
		filepath.Join("..", "backend", ".env"),
	}

	seen := make(map[string]struct{})
	for _, path := range candidates {
		abs := path
		if !filepath.IsAbs(path) {
			if resolved, err := filepath.Abs(path); err == nil {
				abs = resolved
			}
		}
		if _, ok := seen[abs]; ok {
			continue
		}
		seen[abs] = struct{}{}

		if _, err := os.Stat(path); err == nil {
			_ = gotenv.Load(path) // ignore errors; env vars already set take precedence
		}
	}
}

func Load() (*Config, error) {
	loadDotEnvFiles()

	viper.SetConfigType("env")
	viper.AutomaticEnv()

	// Set defaults
	viper.SetDefault("RSV_ENV", "dev")
	viper.SetDefault("RSV_HTTP_ADDR", ":8080")
	viper.SetDefault("RSV_STORE_BACKEND", "redis")
	viper.SetDefault("RSV_REDIS_URL", "redis://127.0.0.1:6379/0")
	viper.SetDefault("RSV_ESCROW_GATEWAY_URL", "http://localhost:9545")
	viper.SetDefault("RSV_ESCROW_GATEWAY_TIMEOUT", "10s")
	viper.SetDefault("RSV_ESCROW_CACHE_TTL", "5s")
	viper.SetDefault("RSV_STAKE_AMOUNT", 1000)
	viper.SetDefault("RSV_AUTO_BID", true)
	viper.SetDefault("RSV_AUTO_EXECUTE", true)
	viper.SetDefault("RSV_MIN_PROFIT_THRESHOLD", 0.01)
	viper.SetDefault("RSV_MAX_CONCURRENT_ORDERS", 5)
	viper.SetDefault("RSV_AUCTION_DURATION", "30s")
	viper.SetDefault("RSV_MAX_FEE_RATE", 0.01)
	viper.SetDefault("RSV_MAX_EXECUTION_WINDOW", "300s")
	viper.SetDefault("RSV_MIN_RESOLVER_STAKE", 1000)
	viper.SetDefault("RSV_REPUTATION_THRESHOLD", 0.7)
	viper.SetDefault("RSV_DEFAULT_EXECUTION_TIME", "60s")
	viper.SetDefault("RSV_DISCOVERY_INTERVAL", "10s")
	viper.SetDefault("RSV_BID_INTERVAL", "30s")
	viper.SetDefault("RSV_EXECUTION_INTERVAL", "60s")
	viper.SetDefault("RSV_REPUTATION_INTERVAL", "300s")
	viper.SetDefault("RSV_CLEANUP_INTERVAL", "300s")
	viper.SetDefault("RSV_MONITOR_INTERVAL", "30s")
	viper.SetDefault("RSV_SHUTDOWN_GRACE", "15s")
	viper.SetDefault("RSV_RATE_LIMIT_RPM", 120)
	viper.SetDefault("RSV_CORS_ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")

	// Handle array parsing for comma-separated values
	if origins := viper.GetString("RSV_CORS_ALLOWED_ORIGINS"); origins != "" {
		viper.Set("RSV_CORS_ALLOWED_ORIGINS", strings.Split(origins, ","))
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Backend {
	case "redis":
		if c.Store.RedisURL == "" {
			return fmt.Errorf("RSV_REDIS_URL is required when RSV_STORE_BACKEND is redis")
		}
	case "memory":
	default:
		return fmt.Errorf("invalid RSV_STORE_BACKEND %q (must be redis or memory)", c.Store.Backend)
	}

	if c.Gateway.URL == "" {
		return fmt.Errorf("RSV_ESCROW_GATEWAY_URL is required")
	}

	if c.Resolver.Address == "" {
		return fmt.Errorf("RSV_RESOLVER_ADDRESS is required")
	}
	if !common.IsHexAddress(c.Resolver.Address) {
		return fmt.Errorf("RSV_RESOLVER_ADDRESS %q is not a valid hex address", c.Resolver.Address)
	}
	if c.Resolver.StakeAmount <= 0 {
		return fmt.Errorf("RSV_STAKE_AMOUNT must be positive")
	}
	if c.Resolver.MaxConcurrentOrders <= 0 {
		return fmt.Errorf("RSV_MAX_CONCURRENT_ORDERS must be positive")
	}

	if c.Auction.MaxFeeRate <= 0 || c.Auction.MaxFeeRate >= 1 {
		return fmt.Errorf("RSV_MAX_FEE_RATE must be in (0, 1)")
	}
	if c.Auction.ReputationThreshold < 0 || c.Auction.ReputationThreshold > 1 {
		return fmt.Errorf("RSV_REPUTATION_THRESHOLD must be in [0, 1]")
	}
	if c.Auction.MaxExecutionWindow <= 0 {
		return fmt.Errorf("RSV_MAX_EXECUTION_WINDOW must be positive")
	}

	for name, interval := range map[string]time.Duration{
		"RSV_DISCOVERY_INTERVAL":  c.Intervals.Discovery,
		"RSV_BID_INTERVAL":        c.Intervals.Bid,
		"RSV_EXECUTION_INTERVAL":  c.Intervals.Execution,
		"RSV_REPUTATION_INTERVAL": c.Intervals.Reputation,
		"RSV_CLEANUP_INTERVAL":    c.Intervals.Cleanup,
		"RSV_MONITOR_INTERVAL":    c.Intervals.Monitor,
	} {
		if interval <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	return nil
}

func (c *Config) IsDev() bool {
	return c.Env == "dev"
}

func (c *Config) IsProd() bool {
	return c.Env == "prod"
}

// ArchiveEnabled reports whether the Postgres audit archive is configured.
func (c *Config) ArchiveEnabled() bool {
	return c.Database.PostgresDSN != ""
}
