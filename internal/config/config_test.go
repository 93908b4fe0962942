package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromFile(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
chain:
  node_url: "http://node:8545"
  chain_id: 30
indexer:
  contract_address: "0x00000000000000000000000000000000000000aa"
  batch_size: 500
  live_error_policy: halt
snapshot:
  interval: 30s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://node:8545", cfg.Chain.NodeURL)
	assert.Equal(t, uint64(30), cfg.Chain.ChainID)
	assert.Equal(t, uint64(500), cfg.Indexer.BatchSize)
	assert.Equal(t, LiveErrorPolicyHalt, cfg.Indexer.LiveErrorPolicy)
	assert.Equal(t, 30*time.Second, cfg.Snapshot.Interval)

	// untouched keys keep defaults
	assert.Equal(t, LiveModePoll, cfg.Indexer.LiveMode)
	assert.Equal(t, "sqlite", cfg.Storage.Type)
	assert.Equal(t, int32(18), cfg.Snapshot.PriceDecimals)

	require.NoError(t, cfg.Validate())
}

func TestLoadDefaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, uint64(1000), cfg.Indexer.BatchSize)
	assert.Equal(t, 60*time.Second, cfg.Snapshot.Interval)
	assert.Empty(t, cfg.Indexer.ContractAddress)
	require.NoError(t, cfg.Validate())
}

func TestEnvironmentOverrides(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	t.Chdir(t.TempDir())

	t.Setenv("RPC_URL", "ws://override:8546")
	t.Setenv("LENDING_INDEXER_INDEXER_BATCH_SIZE", "250")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "ws://override:8546", cfg.Chain.NodeURL)
	assert.Equal(t, uint64(250), cfg.Indexer.BatchSize)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Chain:   ChainConfig{NodeURL: "http://node", RequestTimeout: time.Second},
			Storage: StorageConfig{Type: "memory"},
			Indexer: IndexerConfig{
				BatchSize:       1000,
				LiveMode:        LiveModePoll,
				PollInterval:    time.Second,
				LiveErrorPolicy: LiveErrorPolicySkip,
			},
			Snapshot: SnapshotConfig{Enabled: true, Interval: time.Minute},
		}
	}

	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"missing node url", func(c *Config) { c.Chain.NodeURL = "" }},
		{"bad storage type", func(c *Config) { c.Storage.Type = "mongo" }},
		{"sqlite without path", func(c *Config) { c.Storage.Type = "sqlite" }},
		{"bad contract address", func(c *Config) { c.Indexer.ContractAddress = "0x12" }},
		{"zero batch size", func(c *Config) { c.Indexer.BatchSize = 0 }},
		{"bad live mode", func(c *Config) { c.Indexer.LiveMode = "stream" }},
		{"bad policy", func(c *Config) { c.Indexer.LiveErrorPolicy = "panic" }},
		{"zero snapshot interval", func(c *Config) { c.Snapshot.Interval = 0 }},
		{"webhooks missing", func(c *Config) { c.Notifications.Enabled = true }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
