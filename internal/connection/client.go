package connection

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/lending-indexer/internal/config"
	"github.com/smartdevs17/lending-indexer/internal/metrics"
	"github.com/smartdevs17/lending-indexer/pkg/utils"
)

const (
	defaultPollInterval = 12 * time.Second
	defaultPollWindow   = 1000
)

// ChainClient implements LogSource and ContractReader on top of a
// BackendProvider, adding per-call timeouts and retry with backoff.
type ChainClient struct {
	provider       BackendProvider
	requestTimeout time.Duration
	retryAttempts  int
	retryDelay     time.Duration

	topics        []common.Hash
	liveMode      string
	pollInterval  time.Duration
	pollWindow    uint64
	confirmations uint64

	metricsManager *metrics.Manager
	logger         *logrus.Entry
}

// Option configures a ChainClient
type Option func(*ChainClient)

// WithTopics restricts log queries to the given event signatures
func WithTopics(topics []common.Hash) Option {
	return func(c *ChainClient) { c.topics = topics }
}

// WithLiveMode selects how WatchLogs follows the chain
func WithLiveMode(mode string, pollInterval time.Duration, pollWindow, confirmations uint64) Option {
	return func(c *ChainClient) {
		c.liveMode = mode
		if pollInterval > 0 {
			c.pollInterval = pollInterval
		}
		if pollWindow > 0 {
			c.pollWindow = pollWindow
		}
		c.confirmations = confirmations
	}
}

// WithMetrics records RPC metrics on m
func WithMetrics(m *metrics.Manager) Option {
	return func(c *ChainClient) { c.metricsManager = m }
}

// NewChainClient creates a chain client
func NewChainClient(provider BackendProvider, cfg *config.ChainConfig, opts ...Option) *ChainClient {
	c := &ChainClient{
		provider:       provider,
		requestTimeout: cfg.RequestTimeout,
		retryAttempts:  cfg.RetryAttempts,
		retryDelay:     cfg.RetryDelay,
		liveMode:       config.LiveModePoll,
		pollInterval:   defaultPollInterval,
		pollWindow:     defaultPollWindow,
		logger:         utils.ComponentLogger("chain_client"),
	}
	if c.requestTimeout <= 0 {
		c.requestTimeout = 30 * time.Second
	}
	if c.retryAttempts <= 0 {
		c.retryAttempts = 1
	}
	if c.retryDelay <= 0 {
		c.retryDelay = time.Second
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetLogs returns the contract's logs in [fromBlock, toBlock]
func (c *ChainClient) GetLogs(ctx context.Context, contract common.Address, fromBlock, toBlock uint64) ([]types.Log, error) {
	query := c.filterQuery(contract)
	query.FromBlock = new(big.Int).SetUint64(fromBlock)
	query.ToBlock = new(big.Int).SetUint64(toBlock)

	var logs []types.Log
	err := c.withRetry(ctx, "eth_getLogs", func(ctx context.Context, backend EthBackend) error {
		var err error
		logs, err = backend.FilterLogs(ctx, query)
		return err
	})
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeBlockchain, "Failed to filter logs", err)
	}

	c.logger.WithFields(logrus.Fields{
		"from":  fromBlock,
		"to":    toBlock,
		"count": len(logs),
	}).Debug("Filtered logs")
	return logs, nil
}

// BlockNumber returns the current chain head
func (c *ChainClient) BlockNumber(ctx context.Context) (uint64, error) {
	var head uint64
	err := c.withRetry(ctx, "eth_blockNumber", func(ctx context.Context, backend EthBackend) error {
		var err error
		head, err = backend.BlockNumber(ctx)
		return err
	})
	if err != nil {
		return 0, utils.WrapError(utils.ErrCodeBlockchain, "Failed to get block number", err)
	}
	return head, nil
}

// ReadContract calls a view method and returns its unpacked outputs
func (c *ChainClient) ReadContract(ctx context.Context, contract common.Address, contractABI *abi.ABI,
	method string, args ...interface{}) ([]interface{}, error) {
	input, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeValidation, "Failed to pack call "+method, err)
	}

	var output []byte
	err = c.withRetry(ctx, "eth_call", func(ctx context.Context, backend EthBackend) error {
		var err error
		output, err = backend.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: input}, nil)
		return err
	})
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeBlockchain, "Failed to call "+method, err)
	}

	values, err := contractABI.Unpack(method, output)
	if err != nil {
		return nil, utils.WrapError(utils.ErrCodeBlockchain, "Failed to unpack "+method, err)
	}
	return values, nil
}

func (c *ChainClient) filterQuery(contract common.Address) ethereum.FilterQuery {
	query := ethereum.FilterQuery{Addresses: []common.Address{contract}}
	if len(c.topics) > 0 {
		query.Topics = [][]common.Hash{c.topics}
	}
	return query
}

// withRetry runs op against a backend with a per-attempt timeout. Failed
// attempts back off exponentially; transport failures also drop the
// backend so the provider can fail over.
func (c *ChainClient) withRetry(ctx context.Context, method string, op func(context.Context, EthBackend) error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.retryDelay
	policy.MaxElapsedTime = 0

	attempt := func() error {
		start := time.Now()

		backend, err := c.provider.Backend(ctx)
		if err != nil {
			c.recordRPC(method, "error", start)
			return c.permanentIfDone(ctx, err)
		}

		callCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()

		err = op(callCtx, backend)
		if err != nil {
			c.recordRPC(method, "error", start)
			if !isRPCError(err) {
				c.provider.Invalidate()
			}
			return c.permanentIfDone(ctx, err)
		}

		c.recordRPC(method, "success", start)
		return nil
	}

	notify := func(err error, wait time.Duration) {
		c.logger.WithFields(logrus.Fields{
			"method": method,
			"retry":  wait,
		}).WithError(err).Warn("RPC call failed, retrying")
	}

	return backoff.RetryNotify(attempt,
		backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.retryAttempts-1)), ctx),
		notify)
}

func (c *ChainClient) permanentIfDone(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return backoff.Permanent(err)
	}
	return err
}

func (c *ChainClient) recordRPC(method, status string, start time.Time) {
	if c.metricsManager != nil {
		c.metricsManager.GetPrometheusMetrics().RecordRPCRequest(method, status, time.Since(start))
	}
}

// isRPCError reports whether the node answered with a JSON-RPC error,
// meaning the transport itself is fine.
func isRPCError(err error) bool {
	var rpcErr rpc.Error
	return errors.As(err, &rpcErr)
}

var (
	_ LogSource      = (*ChainClient)(nil)
	_ ContractReader = (*ChainClient)(nil)
)
