package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	ceiling, err := cfg.OffChainCeiling()
	require.NoError(t, err)
	assert.Equal(t, "500", ceiling.String())
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	path := writeFile(t, "orgpay.yaml", `
logging:
  level: debug
  format: json
cache:
  driver: redis
  addr: localhost:6379
  ttl: 90s
routing:
  off_chain_ceiling: "250.5"
  timeout: 5s
membership:
  hash: mimc
  history_limit: 16
`)
	t.Setenv("ORGPAY_ROUTING_DEFAULT_CURRENCY", "EUR")
	t.Setenv("ORGPAY_CACHE_ADDR", "redis:6380")

	cfg, err := Load(Options{Path: path, EnvFile: writeFile(t, "empty.env", "")})
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "redis", cfg.Cache.Driver)
	assert.Equal(t, "redis:6380", cfg.Cache.Addr, "environment overrides the file")
	assert.Equal(t, 90*time.Second, cfg.Cache.TTL)
	assert.Equal(t, 5*time.Second, cfg.Routing.Timeout)
	assert.Equal(t, "EUR", cfg.Routing.DefaultCurrency)
	assert.Equal(t, "mimc", cfg.Membership.Hash)
	assert.Equal(t, 16, cfg.Membership.HistoryLimit)
	assert.Equal(t, "@every 1m", cfg.Ledger.SweepSchedule, "unset values keep defaults")

	ceiling, err := cfg.OffChainCeiling()
	require.NoError(t, err)
	assert.Equal(t, "250.5", ceiling.String())
}

func TestLoad_DotEnv(t *testing.T) {
	const key = "ORGPAY_SETTLEMENT_DECIMALS"
	t.Cleanup(func() { os.Unsetenv(key) })
	envFile := writeFile(t, "test.env", key+"=6\n")

	cfg, err := Load(Options{Path: writeFile(t, "c.yaml", "{}"), EnvFile: envFile})
	require.NoError(t, err)
	assert.EqualValues(t, 6, cfg.Settlement.Decimals)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(Options{Path: filepath.Join(t.TempDir(), "missing.yaml"), EnvFile: writeFile(t, "e.env", "")})
	assert.Error(t, err)

	_, err = Load(Options{Path: writeFile(t, "bad.yaml", "routing: [oops"), EnvFile: writeFile(t, "e.env", "")})
	assert.Error(t, err)

	_, err = Load(Options{Path: writeFile(t, "c.yaml", "{}"), EnvFile: filepath.Join(t.TempDir(), "missing.env")})
	assert.Error(t, err, "an explicitly named env file must exist")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown cache driver", func(c *Config) { c.Cache.Driver = "memcached" }},
		{"redis without addr", func(c *Config) { c.Cache.Driver = "redis" }},
		{"leveldb cache without path", func(c *Config) { c.Cache.Driver = "leveldb" }},
		{"negative ceiling", func(c *Config) { c.Routing.OffChainCeiling = "-1" }},
		{"malformed ceiling", func(c *Config) { c.Routing.OffChainCeiling = "lots" }},
		{"zero routing timeout", func(c *Config) { c.Routing.Timeout = 0 }},
		{"unknown hash", func(c *Config) { c.Membership.Hash = "sha1" }},
		{"leveldb tree store without path", func(c *Config) { c.Membership.Store = "leveldb" }},
		{"remote prover without url", func(c *Config) { c.Proving.Backend = "remote" }},
		{"rpc settlement without url", func(c *Config) { c.Settlement.Mode = "rpc" }},
		{"decimals out of range", func(c *Config) { c.Settlement.Decimals = 40 }},
		{"sample ratio above one", func(c *Config) { c.Tracing.SampleRatio = 2 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
