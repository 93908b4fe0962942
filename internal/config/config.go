// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	App           AppConfig          `mapstructure:"app"`
	Chain         ChainConfig        `mapstructure:"chain"`
	Storage       StorageConfig      `mapstructure:"storage"`
	Indexer       IndexerConfig      `mapstructure:"indexer"`
	Snapshot      SnapshotConfig     `mapstructure:"snapshot"`
	Notifications NotificationConfig `mapstructure:"notifications"`
	Server        ServerConfig       `mapstructure:"server"`
	Logging       LoggingConfig      `mapstructure:"logging"`
}

// AppConfig contains application-level configuration
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	Debug       bool   `mapstructure:"debug"`
}

// ChainConfig contains blockchain node connection configuration
type ChainConfig struct {
	NodeURL        string        `mapstructure:"node_url"`
	ChainID        uint64        `mapstructure:"chain_id"`
	BackupNodes    []string      `mapstructure:"backup_nodes"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RetryAttempts  int           `mapstructure:"retry_attempts"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
}

// StorageConfig contains database configuration
type StorageConfig struct {
	Type             string        `mapstructure:"type"` // sqlite, postgres, memory
	ConnectionString string        `mapstructure:"connection_string"`
	MaxConnections   int           `mapstructure:"max_connections"`
	MaxIdleTime      time.Duration `mapstructure:"max_idle_time"`
}

// Live ingestion modes
const (
	LiveModePoll      = "poll"
	LiveModeSubscribe = "subscribe"
)

// Live process-fault policies
const (
	LiveErrorPolicySkip = "skip"
	LiveErrorPolicyHalt = "halt"
)

// IndexerConfig contains event indexing configuration
type IndexerConfig struct {
	ContractAddress       string        `mapstructure:"contract_address"`
	StartBlock            uint64        `mapstructure:"start_block"`
	BatchSize             uint64        `mapstructure:"batch_size"`
	ConfirmationBlocks    uint64        `mapstructure:"confirmation_blocks"`
	LiveMode              string        `mapstructure:"live_mode"`
	PollInterval          time.Duration `mapstructure:"poll_interval"`
	LiveErrorPolicy       string        `mapstructure:"live_error_policy"`
	ReconnectInitialDelay time.Duration `mapstructure:"reconnect_initial_delay"`
	ReconnectMaxDelay     time.Duration `mapstructure:"reconnect_max_delay"`
}

// SnapshotConfig contains market snapshot configuration
type SnapshotConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	DataProviderAddress string        `mapstructure:"data_provider_address"`
	Interval            time.Duration `mapstructure:"interval"`
	PriceDecimals       int32         `mapstructure:"price_decimals"`
}

// NotificationConfig contains liquidation webhook configuration
type NotificationConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	WebhookURLs   []string      `mapstructure:"webhook_urls"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Port          int           `mapstructure:"port"`
	Host          string        `mapstructure:"host"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	EnableMetrics bool          `mapstructure:"enable_metrics"`
	EnableHealth  bool          `mapstructure:"enable_health"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json, text
	Output string `mapstructure:"output"` // stdout, stderr, file
	File   string `mapstructure:"file"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	viper.SetConfigType("yaml")

	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.SetConfigName("config")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
	}

	viper.SetEnvPrefix("LENDING_INDEXER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Conventional overrides used by deployment tooling
	if nodeURL := os.Getenv("RPC_URL"); nodeURL != "" {
		config.Chain.NodeURL = nodeURL
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		config.Storage.ConnectionString = dbURL
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	viper.SetDefault("app.name", "lending-indexer")
	viper.SetDefault("app.version", "1.0.0")
	viper.SetDefault("app.environment", "development")
	viper.SetDefault("app.debug", false)

	viper.SetDefault("chain.node_url", "http://127.0.0.1:8545")
	viper.SetDefault("chain.chain_id", 1)
	viper.SetDefault("chain.request_timeout", "30s")
	viper.SetDefault("chain.retry_attempts", 3)
	viper.SetDefault("chain.retry_delay", "2s")

	viper.SetDefault("storage.type", "sqlite")
	viper.SetDefault("storage.connection_string", "./data/indexer.db")
	viper.SetDefault("storage.max_connections", 10)
	viper.SetDefault("storage.max_idle_time", "15m")

	viper.SetDefault("indexer.contract_address", "")
	viper.SetDefault("indexer.start_block", 0)
	viper.SetDefault("indexer.batch_size", 1000)
	viper.SetDefault("indexer.confirmation_blocks", 0)
	viper.SetDefault("indexer.live_mode", LiveModePoll)
	viper.SetDefault("indexer.poll_interval", "12s")
	viper.SetDefault("indexer.live_error_policy", LiveErrorPolicySkip)
	viper.SetDefault("indexer.reconnect_initial_delay", "1s")
	viper.SetDefault("indexer.reconnect_max_delay", "1m")

	viper.SetDefault("snapshot.enabled", true)
	viper.SetDefault("snapshot.data_provider_address", "")
	viper.SetDefault("snapshot.interval", "60s")
	viper.SetDefault("snapshot.price_decimals", 18)

	viper.SetDefault("notifications.enabled", false)
	viper.SetDefault("notifications.timeout", "10s")
	viper.SetDefault("notifications.retry_attempts", 3)
	viper.SetDefault("notifications.retry_delay", "1s")

	viper.SetDefault("server.enabled", true)
	viper.SetDefault("server.port", 8081)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.read_timeout", "10s")
	viper.SetDefault("server.write_timeout", "10s")
	viper.SetDefault("server.enable_metrics", true)
	viper.SetDefault("server.enable_health", true)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.output", "stdout")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Chain.NodeURL == "" {
		return fmt.Errorf("chain node URL is required")
	}
	if c.Chain.RequestTimeout <= 0 {
		return fmt.Errorf("chain request timeout must be positive")
	}
	switch strings.ToLower(c.Storage.Type) {
	case "sqlite", "postgres", "postgresql":
		if c.Storage.ConnectionString == "" {
			return fmt.Errorf("storage connection string is required")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported storage type %q", c.Storage.Type)
	}
	if c.Indexer.ContractAddress != "" && !common.IsHexAddress(c.Indexer.ContractAddress) {
		return fmt.Errorf("indexer contract address %q is not a valid address", c.Indexer.ContractAddress)
	}
	if c.Indexer.BatchSize == 0 {
		return fmt.Errorf("indexer batch size must be positive")
	}
	switch c.Indexer.LiveMode {
	case LiveModePoll:
		if c.Indexer.PollInterval <= 0 {
			return fmt.Errorf("indexer poll interval must be positive")
		}
	case LiveModeSubscribe:
	default:
		return fmt.Errorf("unsupported indexer live mode %q", c.Indexer.LiveMode)
	}
	switch c.Indexer.LiveErrorPolicy {
	case LiveErrorPolicySkip, LiveErrorPolicyHalt:
	default:
		return fmt.Errorf("unsupported live error policy %q", c.Indexer.LiveErrorPolicy)
	}
	if c.Snapshot.Enabled {
		if c.Snapshot.Interval <= 0 {
			return fmt.Errorf("snapshot interval must be positive")
		}
		if c.Snapshot.DataProviderAddress != "" && !common.IsHexAddress(c.Snapshot.DataProviderAddress) {
			return fmt.Errorf("snapshot data provider address %q is not a valid address", c.Snapshot.DataProviderAddress)
		}
	}
	if c.Notifications.Enabled && len(c.Notifications.WebhookURLs) == 0 {
		return fmt.Errorf("notifications enabled but no webhook URLs configured")
	}
	return nil
}
