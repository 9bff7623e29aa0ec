// Package config defines all configuration for the portfolio engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via POLY_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Wallet    WalletConfig    `mapstructure:"wallet"`
	API       APIConfig       `mapstructure:"api"`
	Tracker   TrackerConfig   `mapstructure:"tracker"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// WalletConfig identifies the trader and the chain access used for
// read-only settlement probes. Either PrivateKey (EOA derived from it) or
// Address (watch-only) must be set. RPCURL and CTFAddress enable the
// on-chain redeemable prober; when empty the prober is disabled and
// redeemability relies on the Data-API flag alone.
type WalletConfig struct {
	PrivateKey string `mapstructure:"private_key"`
	Address    string `mapstructure:"address"`
	ChainID    int    `mapstructure:"chain_id"`
	RPCURL     string `mapstructure:"rpc_url"`
	CTFAddress string `mapstructure:"ctf_address"`
}

// APIConfig holds the upstream HTTP endpoints.
type APIConfig struct {
	DataBaseURL  string        `mapstructure:"data_base_url"`  // positions index + trades
	GammaBaseURL string        `mapstructure:"gamma_base_url"` // markets + profile
	CLOBBaseURL  string        `mapstructure:"clob_base_url"`  // order book + price fallback
	WSMarketURL  string        `mapstructure:"ws_market_url"`  // optional; empty disables the feed
	Timeout      time.Duration `mapstructure:"timeout"`
}

// TrackerConfig tunes the refresh controller, caches, and self-heal logic.
//
//   - RefreshInterval: tick period of the refresh loop.
//   - MinRefreshInterval: floor between two refreshes regardless of callers.
//   - WatchdogTimeout: hard deadline for one refresh; exceeding it aborts
//     all in-flight I/O and counts as a failure.
//   - BaseBackoff/MaxBackoff: exponential backoff applied after failures
//     (skipped when a self-heal reset fires instead).
//   - MaxStaleAge: serving a stale snapshot older than this triggers a
//     soft reset (auto-recovery).
//   - SoftResetFailures: consecutive failures before a soft reset.
//   - HardResetDegradedAfter: cumulative degraded time before a hard reset.
//   - RecoveryMaxCycles: refreshes spent in recovery mode before exiting it
//     unconditionally.
type TrackerConfig struct {
	RefreshInterval        time.Duration `mapstructure:"refresh_interval"`
	MinRefreshInterval     time.Duration `mapstructure:"min_refresh_interval"`
	WatchdogTimeout        time.Duration `mapstructure:"watchdog_timeout"`
	BaseBackoff            time.Duration `mapstructure:"base_backoff"`
	MaxBackoff             time.Duration `mapstructure:"max_backoff"`
	MaxStaleAge            time.Duration `mapstructure:"max_stale_age"`
	SoftResetFailures      int           `mapstructure:"soft_reset_failures"`
	HardResetDegradedAfter time.Duration `mapstructure:"hard_reset_degraded_after"`
	RecoveryMaxCycles      int           `mapstructure:"recovery_max_cycles"`

	OutcomeCacheTTL   time.Duration `mapstructure:"outcome_cache_ttl"`
	OutcomeCacheSize  int           `mapstructure:"outcome_cache_size"`
	BookCacheTTL      time.Duration `mapstructure:"book_cache_ttl"`
	BookCacheSize     int           `mapstructure:"book_cache_size"`
	EndTimeCacheSize  int           `mapstructure:"end_time_cache_size"`
	EntryMetaCacheTTL time.Duration `mapstructure:"entry_meta_cache_ttl"`

	TradesPerPage              int  `mapstructure:"trades_per_page"`
	MaxTradePages              int  `mapstructure:"max_trade_pages"`
	UseLastAcquiredForTimeHeld bool `mapstructure:"use_last_acquired_for_time_held"`

	EnrichBatchSize  int           `mapstructure:"enrich_batch_size"`
	EnrichBatchPause time.Duration `mapstructure:"enrich_batch_pause"`
	GammaBatchSize   int           `mapstructure:"gamma_batch_size"`

	StickyAddressWindow time.Duration `mapstructure:"sticky_address_window"`
}

// DashboardConfig controls the read-only status server.
type DashboardConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: POLY_PRIVATE_KEY, POLY_RPC_URL, POLY_ADDRESS.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("POLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("POLY_PRIVATE_KEY"); key != "" {
		cfg.Wallet.PrivateKey = key
	}
	if addr := os.Getenv("POLY_ADDRESS"); addr != "" {
		cfg.Wallet.Address = addr
	}
	if url := os.Getenv("POLY_RPC_URL"); url != "" {
		cfg.Wallet.RPCURL = url
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("wallet.chain_id", 137)
	v.SetDefault("api.data_base_url", "https://data-api.polymarket.com")
	v.SetDefault("api.gamma_base_url", "https://gamma-api.polymarket.com")
	v.SetDefault("api.clob_base_url", "https://clob.polymarket.com")
	v.SetDefault("api.timeout", 10*time.Second)

	v.SetDefault("tracker.refresh_interval", 30*time.Second)
	v.SetDefault("tracker.min_refresh_interval", 5*time.Second)
	v.SetDefault("tracker.watchdog_timeout", 15*time.Second)
	v.SetDefault("tracker.base_backoff", 2*time.Second)
	v.SetDefault("tracker.max_backoff", 120*time.Second)
	v.SetDefault("tracker.max_stale_age", 30*time.Second)
	v.SetDefault("tracker.soft_reset_failures", 5)
	v.SetDefault("tracker.hard_reset_degraded_after", 120*time.Second)
	v.SetDefault("tracker.recovery_max_cycles", 3)

	v.SetDefault("tracker.outcome_cache_ttl", 30*time.Second)
	v.SetDefault("tracker.outcome_cache_size", 2000)
	v.SetDefault("tracker.book_cache_ttl", 2*time.Second)
	v.SetDefault("tracker.book_cache_size", 500)
	v.SetDefault("tracker.end_time_cache_size", 1000)
	v.SetDefault("tracker.entry_meta_cache_ttl", 90*time.Second)

	v.SetDefault("tracker.trades_per_page", 500)
	v.SetDefault("tracker.max_trade_pages", 20)
	v.SetDefault("tracker.use_last_acquired_for_time_held", false)

	v.SetDefault("tracker.enrich_batch_size", 5)
	v.SetDefault("tracker.enrich_batch_pause", 200*time.Millisecond)
	v.SetDefault("tracker.gamma_batch_size", 25)

	v.SetDefault("tracker.sticky_address_window", 10*time.Minute)

	v.SetDefault("dashboard.enabled", false)
	v.SetDefault("dashboard.port", 8787)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.Wallet.PrivateKey == "" && c.Wallet.Address == "" {
		return fmt.Errorf("wallet.private_key or wallet.address is required (set POLY_PRIVATE_KEY or POLY_ADDRESS)")
	}
	if c.Wallet.ChainID == 0 {
		return fmt.Errorf("wallet.chain_id is required (137 for Polygon mainnet)")
	}
	if c.Wallet.RPCURL != "" && c.Wallet.CTFAddress == "" {
		return fmt.Errorf("wallet.ctf_address is required when wallet.rpc_url is set")
	}
	if c.API.DataBaseURL == "" {
		return fmt.Errorf("api.data_base_url is required")
	}
	if c.API.GammaBaseURL == "" {
		return fmt.Errorf("api.gamma_base_url is required")
	}
	if c.API.CLOBBaseURL == "" {
		return fmt.Errorf("api.clob_base_url is required")
	}
	if c.Tracker.RefreshInterval <= 0 {
		return fmt.Errorf("tracker.refresh_interval must be > 0")
	}
	if c.Tracker.WatchdogTimeout <= 0 {
		return fmt.Errorf("tracker.watchdog_timeout must be > 0")
	}
	if c.Tracker.EnrichBatchSize <= 0 {
		return fmt.Errorf("tracker.enrich_batch_size must be > 0")
	}
	if c.Tracker.GammaBatchSize <= 0 || c.Tracker.GammaBatchSize > 25 {
		return fmt.Errorf("tracker.gamma_batch_size must be in 1..25")
	}
	if c.Dashboard.Enabled && c.Dashboard.Port <= 0 {
		return fmt.Errorf("dashboard.port must be > 0 when dashboard is enabled")
	}
	return nil
}
