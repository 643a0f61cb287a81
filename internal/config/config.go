// File: internal/config/config.go
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"
)

// Config holds all configuration for the pipeline
type Config struct {
	App        AppConfig                    `mapstructure:"app"`
	Chain      ChainConfig                  `mapstructure:"chain"`
	Contracts  map[string]ContractAddresses `mapstructure:"contracts"`
	Watcher    WatcherConfig                `mapstructure:"watcher"`
	Storage    StorageConfig                `mapstructure:"storage"`
	Retry      RetryConfig                  `mapstructure:"retry"`
	Reconciler ReconcilerConfig             `mapstructure:"reconciler"`
	Session    SessionConfig                `mapstructure:"session"`
	Redis      RedisConfig                  `mapstructure:"redis"`
	Server     ServerConfig                 `mapstructure:"server"`
	Logging    LoggingConfig                `mapstructure:"logging"`
}

// AppConfig contains application-level configuration
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	Debug       bool   `mapstructure:"debug"`
}

// ChainConfig contains the connection settings for the active chain
type ChainConfig struct {
	ID               uint64        `mapstructure:"id"`
	RPCURL           string        `mapstructure:"rpc_url"`
	WSURL            string        `mapstructure:"ws_url"`
	BackupURLs       []string      `mapstructure:"backup_urls"`
	SignerPrivateKey string        `mapstructure:"signer_private_key"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
}

// ContractAddresses lists the watched contracts deployed on one chain
type ContractAddresses struct {
	DomainRegistry string `mapstructure:"domain_registry"`
	NFTMinter      string `mapstructure:"nft_minter"`
	TokenMinter    string `mapstructure:"token_minter"`
}

// WatcherConfig contains event discovery configuration
type WatcherConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	PollIntervalMS int64         `mapstructure:"poll_interval_ms"`
	BackfillBlocks uint64        `mapstructure:"backfill_blocks"`
	SettleDelay    time.Duration `mapstructure:"settle_delay"`
}

// StorageConfig contains database configuration
type StorageConfig struct {
	Type             string        `mapstructure:"type"` // sqlite, postgres
	ConnectionString string        `mapstructure:"connection_string"`
	MaxConnections   int           `mapstructure:"max_connections"`
	MaxIdleTime      time.Duration `mapstructure:"max_idle_time"`
}

// RetryConfig controls the supervisor's connect backoff
type RetryConfig struct {
	MaxAttempts int     `mapstructure:"max_attempts"`
	BaseDelayMS int64   `mapstructure:"base_delay_ms"`
	Multiplier  float64 `mapstructure:"multiplier"`
	MaxDelayMS  int64   `mapstructure:"max_delay_ms"`
}

// ReconcilerConfig contains pending event reconciliation configuration
type ReconcilerConfig struct {
	Interval            time.Duration `mapstructure:"interval"`
	RegistrationBatch   int           `mapstructure:"registration_batch"`
	OwnershipBatch      int           `mapstructure:"ownership_batch"`
	ConfirmationTimeout time.Duration `mapstructure:"confirmation_timeout"`
	DefaultExpiration   time.Duration `mapstructure:"default_expiration"`
	WriteRetries        int           `mapstructure:"write_retries"`
	WriteRetryDelay     time.Duration `mapstructure:"write_retry_delay"`
	Lock                string        `mapstructure:"lock"` // local, redis
	LockTTL             time.Duration `mapstructure:"lock_ttl"`
}

// SessionConfig contains bounded listening session configuration
type SessionConfig struct {
	Enabled     bool  `mapstructure:"enabled"`
	DurationMS  int64 `mapstructure:"duration_ms"`
	AutoRestart bool  `mapstructure:"auto_restart"`
	MaxRestarts int   `mapstructure:"max_restarts"`
}

// RedisConfig is only needed when reconciler.lock is "redis"
type RedisConfig struct {
	URL       string `mapstructure:"url"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Port          int           `mapstructure:"port"`
	Host          string        `mapstructure:"host"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	EnableMetrics bool          `mapstructure:"enable_metrics"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json, text
	Output string `mapstructure:"output"` // stdout, file
	File   string `mapstructure:"file"`

	// Components overrides the level per component, e.g. watcher: debug
	Components map[string]string `mapstructure:"components"`
}

// envBindings maps config keys to the environment names operators already use
var envBindings = map[string][]string{
	"chain.id":                  {"CHAIN_ID"},
	"chain.rpc_url":             {"RPC_URL"},
	"chain.ws_url":              {"WS_URL"},
	"chain.signer_private_key":  {"SIGNER_PRIVATE_KEY"},
	"watcher.enabled":           {"EVENT_LISTENERS_ENABLED"},
	"watcher.poll_interval_ms":  {"POLLING_INTERVAL_MS"},
	"retry.max_attempts":        {"RETRY_MAX_ATTEMPTS"},
	"retry.base_delay_ms":       {"RETRY_BASE_DELAY_MS"},
	"retry.max_delay_ms":        {"RETRY_MAX_DELAY_MS"},
	"session.duration_ms":       {"SESSION_DURATION_MS"},
	"session.auto_restart":      {"SESSION_AUTO_RESTART"},
	"session.max_restarts":      {"SESSION_MAX_RESTARTS"},
	"storage.connection_string": {"DATABASE_URL"},
	"redis.url":                 {"REDIS_URL"},
	"override.domain_registry":  {"DOMAIN_REGISTRY_ADDRESS"},
	"override.nft_minter":       {"NFT_MINTER_ADDRESS"},
	"override.token_minter":     {"TOKEN_MINTER_ADDRESS"},
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix("PIPELINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, names := range envBindings {
		args := append([]string{key}, names...)
		if err := v.BindEnv(args...); err != nil {
			return nil, fmt.Errorf("error binding env for %s: %w", key, err)
		}
	}

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || configPath != "" {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Address env vars always describe the active chain
	key := strconv.FormatUint(config.Chain.ID, 10)
	if config.Contracts == nil {
		config.Contracts = make(map[string]ContractAddresses)
	}
	active := config.Contracts[key]
	if addr := v.GetString("override.domain_registry"); addr != "" {
		active.DomainRegistry = addr
	}
	if addr := v.GetString("override.nft_minter"); addr != "" {
		active.NFTMinter = addr
	}
	if addr := v.GetString("override.token_minter"); addr != "" {
		active.TokenMinter = addr
	}
	config.Contracts[key] = active

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "domain-event-pipeline")
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.debug", false)

	v.SetDefault("chain.id", 11155111)
	v.SetDefault("chain.rpc_url", "")
	v.SetDefault("chain.ws_url", "")
	v.SetDefault("chain.signer_private_key", "")
	v.SetDefault("chain.request_timeout", "30s")

	v.SetDefault("watcher.enabled", true)
	v.SetDefault("watcher.poll_interval_ms", 15000)
	v.SetDefault("watcher.backfill_blocks", 1000)
	v.SetDefault("watcher.settle_delay", "2s")

	v.SetDefault("storage.type", "sqlite")
	v.SetDefault("storage.connection_string", "./data/pipeline.db")
	v.SetDefault("storage.max_connections", 25)
	v.SetDefault("storage.max_idle_time", "15m")

	v.SetDefault("retry.max_attempts", 10)
	v.SetDefault("retry.base_delay_ms", 1000)
	v.SetDefault("retry.multiplier", 2)
	v.SetDefault("retry.max_delay_ms", 60000)

	v.SetDefault("reconciler.interval", "30s")
	v.SetDefault("reconciler.registration_batch", 30)
	v.SetDefault("reconciler.ownership_batch", 10)
	v.SetDefault("reconciler.confirmation_timeout", "2m")
	v.SetDefault("reconciler.default_expiration", "8760h")
	v.SetDefault("reconciler.write_retries", 0)
	v.SetDefault("reconciler.write_retry_delay", "5s")
	v.SetDefault("reconciler.lock", "local")
	v.SetDefault("reconciler.lock_ttl", "5m")

	v.SetDefault("session.enabled", false)
	v.SetDefault("session.duration_ms", 3600000)
	v.SetDefault("session.auto_restart", false)
	v.SetDefault("session.max_restarts", 3)

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.key_prefix", "domain-pipeline")

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.port", 8081)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.enable_metrics", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.file", "")

	v.SetDefault("override.domain_registry", "")
	v.SetDefault("override.nft_minter", "")
	v.SetDefault("override.token_minter", "")
}

// ActiveContracts returns the contract addresses configured for the active chain
func (c *Config) ActiveContracts() ContractAddresses {
	return c.Contracts[strconv.FormatUint(c.Chain.ID, 10)]
}

// PollInterval is the polling-mode tick period
func (w WatcherConfig) PollInterval() time.Duration {
	return time.Duration(w.PollIntervalMS) * time.Millisecond
}

// BaseDelay is the delay before the first reconnect attempt
func (r RetryConfig) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelayMS) * time.Millisecond
}

// MaxDelay caps every reconnect delay
func (r RetryConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelayMS) * time.Millisecond
}

// Duration is the wall-clock length of one listening session
func (s SessionConfig) Duration() time.Duration {
	return time.Duration(s.DurationMS) * time.Millisecond
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Chain.RPCURL == "" {
		return fmt.Errorf("chain RPC URL is required")
	}
	if c.Storage.ConnectionString == "" {
		return fmt.Errorf("storage connection string is required")
	}
	if c.Storage.Type != "sqlite" && c.Storage.Type != "postgres" {
		return fmt.Errorf("unsupported storage type: %s", c.Storage.Type)
	}
	if c.Watcher.PollIntervalMS <= 0 {
		return fmt.Errorf("watcher poll interval must be positive")
	}
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry max attempts must not be negative")
	}
	if c.Retry.BaseDelayMS <= 0 || c.Retry.MaxDelayMS < c.Retry.BaseDelayMS {
		return fmt.Errorf("retry delays must be positive with max >= base")
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry multiplier must be at least 1")
	}
	if c.Reconciler.RegistrationBatch <= 0 || c.Reconciler.OwnershipBatch <= 0 {
		return fmt.Errorf("reconciler batch sizes must be positive")
	}
	if c.Reconciler.Interval <= 0 {
		return fmt.Errorf("reconciler interval must be positive")
	}
	switch c.Reconciler.Lock {
	case "local":
	case "redis":
		if c.Redis.URL == "" {
			return fmt.Errorf("redis URL is required when reconciler lock is redis")
		}
		if c.Reconciler.LockTTL <= 0 {
			return fmt.Errorf("reconciler lock ttl must be positive")
		}
	default:
		return fmt.Errorf("unsupported reconciler lock: %s", c.Reconciler.Lock)
	}
	if c.Session.Enabled && c.Session.DurationMS <= 0 {
		return fmt.Errorf("session duration must be positive")
	}
	for chainID, addrs := range c.Contracts {
		for name, addr := range map[string]string{
			"domain_registry": addrs.DomainRegistry,
			"nft_minter":      addrs.NFTMinter,
			"token_minter":    addrs.TokenMinter,
		} {
			if addr != "" && !common.IsHexAddress(addr) {
				return fmt.Errorf("invalid %s address for chain %s: %s", name, chainID, addr)
			}
		}
	}
	return nil
}
