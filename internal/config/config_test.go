package config

import (
	"CDPLedger/internal/core"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.GRPCAddr)
	assert.Equal(t, "nats://localhost:4222", cfg.NATSURL)
	assert.Equal(t, 10*time.Millisecond, cfg.PersistFlushTimeout)
	assert.Equal(t, core.DefaultSyntheticSymbol, cfg.SyntheticSymbol)
	assert.Equal(t, uint64(50), cfg.Params.LiquidationThreshold)
	assert.Empty(t, cfg.Redis.Addr)
	assert.Equal(t, time.Hour, cfg.Redis.MaxAge)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("CDP_GRPC_ADDR", ":7000")
	t.Setenv("CDP_PERSIST_BATCH_SIZE", "200")
	t.Setenv("CDP_SNAPSHOT_INTERVAL", "30s")
	t.Setenv("CDP_NATS_DISABLED", "true")
	t.Setenv("CDP_REDIS_ADDR", "redis:6379")
	t.Setenv("CDP_LIQUIDATION_THRESHOLD", "80")
	t.Setenv("CDP_MIN_HEALTH_FACTOR", "1.1")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.GRPCAddr)
	assert.Equal(t, 200, cfg.PersistBatchSize)
	assert.Equal(t, 30*time.Second, cfg.SnapshotInterval)
	assert.Empty(t, cfg.NATSURL)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, uint64(80), cfg.Params.LiquidationThreshold)
	assert.Equal(t, "1100000000000000000", cfg.Params.MinHealthFactor.Dec())
}

func TestFromEnvInvalid(t *testing.T) {
	t.Run("duration", func(t *testing.T) {
		t.Setenv("CDP_MONITOR_INTERVAL", "soon")
		_, err := FromEnv()
		assert.ErrorContains(t, err, "CDP_MONITOR_INTERVAL")
	})
	t.Run("threshold above precision", func(t *testing.T) {
		t.Setenv("CDP_LIQUIDATION_THRESHOLD", "150")
		_, err := FromEnv()
		assert.ErrorIs(t, err, core.ErrInvalidConfiguration)
	})
	t.Run("bad integer falls back", func(t *testing.T) {
		t.Setenv("CDP_PERSIST_BATCH_SIZE", "many")
		cfg, err := FromEnv()
		require.NoError(t, err)
		assert.Equal(t, 50, cfg.PersistBatchSize)
	})
}

func TestLoadAssets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "assets.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
assets:
  - symbol: WETH
    decimals: 18
    initial_price: "2000"
  - symbol: WBTC
    decimals: 8
    feed: redis
    max_age: 5m
`), 0o600))

	assets, err := LoadAssets(path)
	require.NoError(t, err)
	require.Len(t, assets, 2)

	assert.Equal(t, FeedStatic, assets[0].Feed)
	answer, err := assets[0].Answer()
	require.NoError(t, err)
	assert.Equal(t, int64(2000_00000000), answer)
	assert.Equal(t, time.Duration(0), assets[0].MaxAgeOr(0))

	assert.Equal(t, FeedRedis, assets[1].Feed)
	assert.Equal(t, 5*time.Minute, assets[1].MaxAgeOr(time.Hour))

	_, err = LoadAssets(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseAssetsInvalid(t *testing.T) {
	cases := map[string]string{
		"empty":           `assets: []`,
		"no symbol":       "assets:\n  - decimals: 18\n    initial_price: \"1\"",
		"duplicate":       "assets:\n  - {symbol: A, initial_price: \"1\"}\n  - {symbol: A, initial_price: \"1\"}",
		"static no price": "assets:\n  - {symbol: A, decimals: 18}",
		"unknown feed":    "assets:\n  - {symbol: A, feed: chainlink}",
		"bad price":       "assets:\n  - {symbol: A, initial_price: \"-3\"}",
		"fine price":      "assets:\n  - {symbol: A, initial_price: \"0.000000001\"}",
		"huge decimals":   "assets:\n  - {symbol: A, decimals: 78, initial_price: \"1\"}",
		"bad max age":     "assets:\n  - {symbol: A, initial_price: \"1\", max_age: forever}",
		"not yaml":        "assets: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseAssets([]byte(doc))
			assert.Error(t, err)
		})
	}
}
