package connection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/lending-indexer/internal/config"
	"github.com/smartdevs17/lending-indexer/internal/metrics"
	"github.com/smartdevs17/lending-indexer/pkg/utils"
)

const healthCheckInterval = time.Minute

// ConnectionManager keeps one live ethclient connection, failing over
// across the primary node and its backups.
type ConnectionManager struct {
	config          *config.ChainConfig
	primaryURL      string
	backupURLs      []string
	currentIndex    int
	client          *ethclient.Client
	mu              sync.RWMutex
	logger          *logrus.Entry
	stats           ConnectionStats
	lastHealthCheck time.Time
	isHealthy       bool
	metricsManager  *metrics.Manager
}

// ConnectionStats holds connection statistics
type ConnectionStats struct {
	TotalRequests   uint64    `json:"total_requests"`
	FailedRequests  uint64    `json:"failed_requests"`
	Reconnects      uint64    `json:"reconnects"`
	CurrentURL      string    `json:"current_url"`
	LastConnectedAt time.Time `json:"last_connected_at"`
	LastHealthCheck time.Time `json:"last_health_check"`
	IsHealthy       bool      `json:"is_healthy"`
	ChainID         uint64    `json:"chain_id"`
	LatestBlock     uint64    `json:"latest_block"`
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(cfg *config.ChainConfig, metricsManager *metrics.Manager) *ConnectionManager {
	return &ConnectionManager{
		config:         cfg,
		primaryURL:     cfg.NodeURL,
		backupURLs:     cfg.BackupNodes,
		logger:         utils.ComponentLogger("connection"),
		metricsManager: metricsManager,
		stats: ConnectionStats{
			CurrentURL: cfg.NodeURL,
		},
	}
}

// Backend returns the current client, connecting or failing over as needed
func (cm *ConnectionManager) Backend(ctx context.Context) (EthBackend, error) {
	client, err := cm.GetClientWithContext(ctx)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// GetClientWithContext returns the current client with context
func (cm *ConnectionManager) GetClientWithContext(ctx context.Context) (*ethclient.Client, error) {
	cm.mu.RLock()
	client := cm.client
	lastCheck := cm.lastHealthCheck
	cm.mu.RUnlock()

	if client == nil {
		return cm.connect(ctx)
	}

	// Re-verify the connection if it's been a while since last health check
	if time.Since(lastCheck) > healthCheckInterval {
		if err := cm.quickHealthCheck(ctx, client); err != nil {
			cm.logger.WithError(err).Warn("Client health check failed, reconnecting")
			return cm.reconnect(ctx)
		}
		cm.mu.Lock()
		cm.lastHealthCheck = time.Now()
		cm.mu.Unlock()
	}

	cm.mu.Lock()
	cm.stats.TotalRequests++
	cm.mu.Unlock()
	return client, nil
}

// Invalidate drops the current client so the next call reconnects
func (cm *ConnectionManager) Invalidate() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.client != nil {
		cm.client.Close()
		cm.client = nil
		cm.stats.Reconnects++
	}
	cm.isHealthy = false
	cm.stats.FailedRequests++
}

// connect establishes a new connection
func (cm *ConnectionManager) connect(ctx context.Context) (*ethclient.Client, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	// Another caller may have connected while we waited for the lock
	if cm.client != nil {
		return cm.client, nil
	}

	urls := cm.getAllURLs()
	attempts := cm.config.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		for _, url := range urls {
			log := cm.logger.WithFields(logrus.Fields{"url": url, "attempt": attempt + 1})
			log.Debug("Attempting connection")

			client, err := cm.dialWithTimeout(ctx, url)
			if err != nil {
				log.WithError(err).Warn("Connection failed")
				cm.stats.FailedRequests++
				cm.recordConnectionError(url, "dial_failed")
				continue
			}

			if err := cm.quickHealthCheck(ctx, client); err != nil {
				client.Close()
				log.WithError(err).Warn("Health check failed after connection")
				cm.stats.FailedRequests++
				cm.recordConnectionError(url, "health_check_failed")
				continue
			}

			cm.client = client
			cm.currentIndex = cm.indexOf(url)
			cm.stats.CurrentURL = url
			cm.stats.LastConnectedAt = time.Now()
			cm.isHealthy = true
			cm.lastHealthCheck = time.Now()

			log.Info("Connected to chain node")
			return client, nil
		}

		if attempt < attempts-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(cm.config.RetryDelay):
			}
		}
	}

	return nil, utils.NewAppError(utils.ErrCodeConnection, "Failed to connect to any chain node",
		"All connection attempts exhausted")
}

// reconnect closes the current client and connects again
func (cm *ConnectionManager) reconnect(ctx context.Context) (*ethclient.Client, error) {
	cm.mu.Lock()
	if cm.client != nil {
		cm.client.Close()
		cm.client = nil
	}
	cm.stats.Reconnects++
	cm.mu.Unlock()

	return cm.connect(ctx)
}

// dialWithTimeout creates a connection with timeout
func (cm *ConnectionManager) dialWithTimeout(ctx context.Context, url string) (*ethclient.Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cm.requestTimeout())
	defer cancel()

	return ethclient.DialContext(dialCtx, url)
}

// quickHealthCheck verifies the node answers and serves the configured chain
func (cm *ConnectionManager) quickHealthCheck(ctx context.Context, client *ethclient.Client) error {
	checkCtx, cancel := context.WithTimeout(ctx, cm.requestTimeout())
	defer cancel()

	chainID, err := client.ChainID(checkCtx)
	if err != nil {
		return err
	}
	if cm.config.ChainID != 0 && chainID.Uint64() != cm.config.ChainID {
		return utils.NewAppError(utils.ErrCodeConnection, "Chain ID mismatch",
			fmt.Sprintf("expected %d, got %d", cm.config.ChainID, chainID.Uint64()))
	}
	return nil
}

// HealthCheckWithContext checks the chain ID and head of the current node
func (cm *ConnectionManager) HealthCheckWithContext(ctx context.Context) error {
	client, err := cm.GetClientWithContext(ctx)
	if err != nil {
		cm.setHealthy(false)
		return err
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		cm.setHealthy(false)
		return utils.WrapError(utils.ErrCodeConnection, "Failed to get chain ID", err)
	}

	blockNumber, err := client.BlockNumber(ctx)
	if err != nil {
		cm.setHealthy(false)
		return utils.WrapError(utils.ErrCodeConnection, "Failed to get latest block", err)
	}

	cm.mu.Lock()
	cm.stats.ChainID = chainID.Uint64()
	cm.stats.LatestBlock = blockNumber
	cm.stats.LastHealthCheck = time.Now()
	cm.lastHealthCheck = time.Now()
	cm.isHealthy = true
	cm.stats.IsHealthy = true
	url := cm.stats.CurrentURL
	cm.mu.Unlock()

	cm.logger.WithFields(logrus.Fields{
		"chain_id":     chainID.Uint64(),
		"latest_block": blockNumber,
		"url":          url,
	}).Debug("Health check passed")

	return nil
}

func (cm *ConnectionManager) setHealthy(healthy bool) {
	cm.mu.Lock()
	cm.isHealthy = healthy
	cm.stats.IsHealthy = healthy
	cm.mu.Unlock()
}

// IsConnected returns whether the manager is connected
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.client != nil && cm.isHealthy
}

// Close closes the connection
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.client != nil {
		cm.client.Close()
		cm.client = nil
	}

	cm.isHealthy = false
	cm.logger.Info("Connection manager closed")
	return nil
}

// Stats returns connection statistics
func (cm *ConnectionManager) Stats() ConnectionStats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	stats := cm.stats
	stats.IsHealthy = cm.isHealthy
	return stats
}

// getAllURLs returns all available URLs starting from current index
func (cm *ConnectionManager) getAllURLs() []string {
	urls := []string{cm.primaryURL}
	urls = append(urls, cm.backupURLs...)

	// Start from the last good node
	if cm.currentIndex > 0 && cm.currentIndex < len(urls) {
		rotated := make([]string, len(urls))
		copy(rotated, urls[cm.currentIndex:])
		copy(rotated[len(urls)-cm.currentIndex:], urls[:cm.currentIndex])
		return rotated
	}

	return urls
}

func (cm *ConnectionManager) indexOf(url string) int {
	if url == cm.primaryURL {
		return 0
	}
	for i, u := range cm.backupURLs {
		if u == url {
			return i + 1
		}
	}
	return 0
}

func (cm *ConnectionManager) requestTimeout() time.Duration {
	if cm.config.RequestTimeout > 0 {
		return cm.config.RequestTimeout
	}
	return 30 * time.Second
}

func (cm *ConnectionManager) recordConnectionError(endpoint, errorType string) {
	if cm.metricsManager != nil {
		cm.metricsManager.GetPrometheusMetrics().RecordConnectionError(endpoint, errorType)
	}
}

var _ BackendProvider = (*ConnectionManager)(nil)
