// Package config loads the service configuration. Values come from defaults, then
// a YAML file, then environment variables; a .env file is read into the
// environment first without overriding variables that are already set.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/R3E-Network/orgpay/pkg/logger"
)

// DefaultPath is read when no config file is named and it exists.
const DefaultPath = "config/orgpay.yaml"

// Config is the full service configuration.
type Config struct {
	Logging    logger.LoggingConfig `yaml:"logging"`
	Server     ServerConfig         `yaml:"server"`
	Database   DatabaseConfig       `yaml:"database"`
	Cache      CacheConfig          `yaml:"cache"`
	Ledger     LedgerConfig         `yaml:"ledger"`
	Routing    RoutingConfig        `yaml:"routing"`
	Membership MembershipConfig     `yaml:"membership"`
	Proving    ProvingConfig        `yaml:"proving"`
	Settlement SettlementConfig     `yaml:"settlement"`
	Tracing    TracingConfig        `yaml:"tracing"`
}

// ServerConfig is the ops listener serving health and metrics. RateLimit is
// requests per second per client; zero disables limiting.
type ServerConfig struct {
	Addr            string        `yaml:"addr" env:"ORGPAY_SERVER_ADDR"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"ORGPAY_SERVER_SHUTDOWN_TIMEOUT"`
	RateLimit       float64       `yaml:"rate_limit" env:"ORGPAY_SERVER_RATE_LIMIT"`
	Burst           int           `yaml:"burst" env:"ORGPAY_SERVER_BURST"`
}

// DatabaseConfig selects Postgres storage. An empty DSN keeps everything in memory.
type DatabaseConfig struct {
	DSN            string `yaml:"dsn" env:"DATABASE_URL"`
	MaxOpenConns   int    `yaml:"max_open_conns" env:"ORGPAY_DATABASE_MAX_OPEN_CONNS"`
	MigrateOnStart bool   `yaml:"migrate_on_start" env:"ORGPAY_DATABASE_MIGRATE_ON_START"`
}

// CacheConfig selects the channel snapshot cache.
type CacheConfig struct {
	Driver   string        `yaml:"driver" env:"ORGPAY_CACHE_DRIVER"`
	Addr     string        `yaml:"addr" env:"ORGPAY_CACHE_ADDR"`
	Password string        `yaml:"password" env:"ORGPAY_CACHE_PASSWORD"`
	DB       int           `yaml:"db" env:"ORGPAY_CACHE_DB"`
	Prefix   string        `yaml:"prefix" env:"ORGPAY_CACHE_PREFIX"`
	Path     string        `yaml:"path" env:"ORGPAY_CACHE_PATH"`
	TTL      time.Duration `yaml:"ttl" env:"ORGPAY_CACHE_TTL"`
	Timeout  time.Duration `yaml:"timeout" env:"ORGPAY_CACHE_TIMEOUT"`
}

// LedgerConfig tunes the channel ledger and its sweeper.
type LedgerConfig struct {
	SweepSchedule     string        `yaml:"sweep_schedule" env:"ORGPAY_LEDGER_SWEEP_SCHEDULE"`
	InactivityTimeout time.Duration `yaml:"inactivity_timeout" env:"ORGPAY_LEDGER_INACTIVITY_TIMEOUT"`
	SettlementTimeout time.Duration `yaml:"settlement_timeout" env:"ORGPAY_LEDGER_SETTLEMENT_TIMEOUT"`
}

// RoutingConfig tunes transfer classification.
type RoutingConfig struct {
	// OffChainCeiling is a decimal string; amounts up to it stay off-chain.
	OffChainCeiling string        `yaml:"off_chain_ceiling" env:"ORGPAY_ROUTING_OFF_CHAIN_CEILING"`
	DefaultCurrency string        `yaml:"default_currency" env:"ORGPAY_ROUTING_DEFAULT_CURRENCY"`
	Timeout         time.Duration `yaml:"timeout" env:"ORGPAY_ROUTING_TIMEOUT"`
	Sponsor         string        `yaml:"sponsor" env:"ORGPAY_ROUTING_SPONSOR"`
}

// MembershipConfig selects the tree hash and persistence.
type MembershipConfig struct {
	Hash         string `yaml:"hash" env:"ORGPAY_MEMBERSHIP_HASH"`
	Store        string `yaml:"store" env:"ORGPAY_MEMBERSHIP_STORE"`
	Path         string `yaml:"path" env:"ORGPAY_MEMBERSHIP_PATH"`
	HistoryLimit int    `yaml:"history_limit" env:"ORGPAY_MEMBERSHIP_HISTORY_LIMIT"`
}

// ProvingConfig selects the proving backend.
type ProvingConfig struct {
	Backend string `yaml:"backend" env:"ORGPAY_PROVING_BACKEND"`
	URL     string `yaml:"url" env:"ORGPAY_PROVING_URL"`
	Token   string `yaml:"token" env:"ORGPAY_PROVING_TOKEN"`
	// SimulationKey keys the simulated backend.
	SimulationKey string `yaml:"simulation_key" env:"ORGPAY_PROVING_SIMULATION_KEY"`
	// MembershipKey and AmountKey are hex verification keys for the remote backend.
	MembershipKey string        `yaml:"membership_key" env:"ORGPAY_PROVING_MEMBERSHIP_KEY"`
	AmountKey     string        `yaml:"amount_key" env:"ORGPAY_PROVING_AMOUNT_KEY"`
	Timeout       time.Duration `yaml:"timeout" env:"ORGPAY_PROVING_TIMEOUT"`
}

// SettlementConfig selects the settlement chain client.
type SettlementConfig struct {
	Mode          string        `yaml:"mode" env:"ORGPAY_SETTLEMENT_MODE"`
	RPCURL        string        `yaml:"rpc_url" env:"ORGPAY_SETTLEMENT_RPC_URL"`
	RateLimit     float64       `yaml:"rate_limit" env:"ORGPAY_SETTLEMENT_RATE_LIMIT"`
	Burst         int           `yaml:"burst" env:"ORGPAY_SETTLEMENT_BURST"`
	Timeout       time.Duration `yaml:"timeout" env:"ORGPAY_SETTLEMENT_TIMEOUT"`
	Decimals      int32         `yaml:"decimals" env:"ORGPAY_SETTLEMENT_DECIMALS"`
	Token         string        `yaml:"token" env:"ORGPAY_SETTLEMENT_TOKEN"`
	Pool          string        `yaml:"pool" env:"ORGPAY_SETTLEMENT_POOL"`
	Relayer       string        `yaml:"relayer" env:"ORGPAY_SETTLEMENT_RELAYER"`
	EscrowAddress string        `yaml:"escrow_address" env:"ORGPAY_SETTLEMENT_ESCROW_ADDRESS"`
}

// TracingConfig enables OTLP span export. An empty endpoint disables it.
type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Insecure    bool    `yaml:"insecure" env:"ORGPAY_TRACING_INSECURE"`
	ServiceName string  `yaml:"service_name" env:"OTEL_SERVICE_NAME"`
	SampleRatio float64 `yaml:"sample_ratio" env:"ORGPAY_TRACING_SAMPLE_RATIO"`
}

// Default returns the configuration used for unset values.
func Default() *Config {
	return &Config{
		Logging: logger.LoggingConfig{Level: "info", Format: "text", Output: "stdout"},
		Server:  ServerConfig{Addr: ":9090", ShutdownTimeout: 10 * time.Second},
		Database: DatabaseConfig{
			MaxOpenConns: 10,
		},
		Cache: CacheConfig{
			Driver:  "memory",
			Prefix:  "orgpay:",
			Timeout: 2 * time.Second,
		},
		Ledger: LedgerConfig{
			SweepSchedule:     "@every 1m",
			InactivityTimeout: 24 * time.Hour,
			SettlementTimeout: 30 * time.Second,
		},
		Routing: RoutingConfig{
			OffChainCeiling: "500",
			DefaultCurrency: "USD",
			Timeout:         30 * time.Second,
		},
		Membership: MembershipConfig{Hash: "blake2b", Store: "memory"},
		Proving: ProvingConfig{
			Backend:       "simulated",
			SimulationKey: "orgpay-simulated-prover",
			Timeout:       30 * time.Second,
		},
		Settlement: SettlementConfig{
			Mode:      "simulated",
			RateLimit: 20,
			Burst:     5,
			Timeout:   30 * time.Second,
			Decimals:  8,
		},
		Tracing: TracingConfig{ServiceName: "orgpay", SampleRatio: 1},
	}
}

// Options controls where Load reads from.
type Options struct {
	// Path is the YAML file. Empty reads DefaultPath when it exists.
	Path string
	// EnvFile is a dotenv file. Empty reads ".env" when it exists.
	EnvFile string
}

// Load builds and validates the configuration.
func Load(opts Options) (*Config, error) {
	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && (opts.EnvFile != "" || !errors.Is(err, os.ErrNotExist)) {
		return nil, fmt.Errorf("load env file %s: %w", envFile, err)
	}

	cfg := Default()
	path := opts.Path
	if path == "" {
		if _, err := os.Stat(DefaultPath); err == nil {
			path = DefaultPath
		}
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("failed to decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// OffChainCeiling parses Routing.OffChainCeiling.
func (c *Config) OffChainCeiling() (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(c.Routing.OffChainCeiling))
	if err != nil {
		return decimal.Zero, fmt.Errorf("routing.off_chain_ceiling: %w", err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("routing.off_chain_ceiling: must not be negative")
	}
	return d, nil
}

// Validate rejects inconsistent settings.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(oneOf(c.Cache.Driver, "memory", "redis", "leveldb"), "cache.driver: unknown driver %q", c.Cache.Driver)
	check(c.Cache.Driver != "redis" || c.Cache.Addr != "", "cache.addr is required for the redis driver")
	check(c.Cache.Driver != "leveldb" || c.Cache.Path != "", "cache.path is required for the leveldb driver")

	check(c.Server.RateLimit >= 0, "server.rate_limit must not be negative")

	check(c.Ledger.SweepSchedule != "", "ledger.sweep_schedule is required")
	check(c.Ledger.InactivityTimeout > 0, "ledger.inactivity_timeout must be positive")

	if _, err := c.OffChainCeiling(); err != nil {
		errs = append(errs, err)
	}
	check(c.Routing.Timeout > 0, "routing.timeout must be positive")

	check(oneOf(c.Membership.Hash, "blake2b", "mimc"), "membership.hash: unknown hash %q", c.Membership.Hash)
	check(oneOf(c.Membership.Store, "memory", "leveldb"), "membership.store: unknown store %q", c.Membership.Store)
	check(c.Membership.Store != "leveldb" || c.Membership.Path != "", "membership.path is required for the leveldb store")
	check(c.Membership.HistoryLimit >= 0, "membership.history_limit must not be negative")

	check(oneOf(c.Proving.Backend, "simulated", "remote"), "proving.backend: unknown backend %q", c.Proving.Backend)
	check(c.Proving.Backend != "remote" || c.Proving.URL != "", "proving.url is required for the remote backend")
	check(c.Proving.Backend != "simulated" || c.Proving.SimulationKey != "", "proving.simulation_key is required for the simulated backend")

	check(oneOf(c.Settlement.Mode, "simulated", "rpc"), "settlement.mode: unknown mode %q", c.Settlement.Mode)
	if c.Settlement.Mode == "rpc" {
		check(c.Settlement.RPCURL != "", "settlement.rpc_url is required in rpc mode")
		check(c.Settlement.Token != "", "settlement.token is required in rpc mode")
		check(c.Settlement.EscrowAddress != "", "settlement.escrow_address is required in rpc mode")
	}
	check(c.Settlement.Decimals >= 0 && c.Settlement.Decimals <= 18, "settlement.decimals must be between 0 and 18")

	check(c.Tracing.SampleRatio >= 0 && c.Tracing.SampleRatio <= 1, "tracing.sample_ratio must be between 0 and 1")

	return errors.Join(errs...)
}

func oneOf(v string, options ...string) bool {
	for _, o := range options {
		if strings.EqualFold(v, o) {
			return true
		}
	}
	return false
}
