package chain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/chainsniper/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CHAIN CLIENT - Multi-endpoint JSON-RPC with failover
// ═══════════════════════════════════════════════════════════════════════════════
//
// Every call runs under its own timeout. Transport failures count against the
// active endpoint; FailoverAfter consecutive failures (or any timeout) rotate
// to the next one. Node-side errors (reverts, nonce errors) do not count.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Backend is the subset of *ethclient.Client the adapter uses
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error)
	FeeHistory(ctx context.Context, blockCount uint64, lastBlock *big.Int, rewardPercentiles []float64) (*ethereum.FeeHistory, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*ethtypes.Transaction, bool, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error)
	SubscribeNewHead(ctx context.Context, ch chan<- *ethtypes.Header) (ethereum.Subscription, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- ethtypes.Log) (ethereum.Subscription, error)
	Close()
}

var _ Backend = (*ethclient.Client)(nil)

// Config for the chain client
type Config struct {
	CallTimeout   time.Duration
	FailoverAfter int // consecutive transport errors before rotating
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		CallTimeout:   5 * time.Second,
		FailoverAfter: 3,
	}
}

// Endpoint is one named RPC backend
type Endpoint struct {
	Name    string
	Backend Backend
}

// Client is the chain provider adapter
type Client struct {
	mu        sync.RWMutex
	cfg       Config
	endpoints []Endpoint
	active    int
	failures  int
	chainID   *big.Int

	relay    *Relay
	failover func(from, to string)
}

// Dial connects to every URL; unreachable endpoints are skipped with a warning
func Dial(ctx context.Context, urls []string, cfg Config) (*Client, error) {
	var eps []Endpoint
	for _, u := range urls {
		dctx, cancel := context.WithTimeout(ctx, cfg.CallTimeout)
		c, err := ethclient.DialContext(dctx, u)
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("endpoint", redact(u)).Msg("⚠️ RPC endpoint unavailable")
			continue
		}
		eps = append(eps, Endpoint{Name: redact(u), Backend: c})
	}
	if len(eps) == 0 {
		return nil, fmt.Errorf("no reachable rpc endpoint: %w", types.ErrNetwork)
	}
	client := NewClient(cfg, eps...)
	id, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, err
	}
	log.Info().Int("endpoints", len(eps)).Str("chain_id", id.String()).Msg("🔗 Chain client connected")
	return client, nil
}

// NewClient wraps pre-built backends
func NewClient(cfg Config, eps ...Endpoint) *Client {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig().CallTimeout
	}
	if cfg.FailoverAfter <= 0 {
		cfg.FailoverAfter = DefaultConfig().FailoverAfter
	}
	return &Client{cfg: cfg, endpoints: eps}
}

// SetRelay enables private submission
func (c *Client) SetRelay(r *Relay) {
	c.mu.Lock()
	c.relay = r
	c.mu.Unlock()
}

// OnFailover registers a callback fired on endpoint rotation
func (c *Client) OnFailover(fn func(from, to string)) {
	c.mu.Lock()
	c.failover = fn
	c.mu.Unlock()
}

// Active returns the name of the endpoint currently in use
func (c *Client) Active() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.endpoints[c.active].Name
}

func (c *Client) current() (int, Backend) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active, c.endpoints[c.active].Backend
}

// do runs fn against the active endpoint with a per-call timeout
func (c *Client) do(ctx context.Context, fn func(ctx context.Context, b Backend) error) error {
	idx, b := c.current()
	cctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	err := fn(cctx, b)
	switch {
	case err == nil:
		c.recordSuccess(idx)
		return nil
	case ctx.Err() != nil:
		// caller gave up; not the endpoint's fault
		return ctx.Err()
	case isTimeout(err) || errors.Is(cctx.Err(), context.DeadlineExceeded):
		c.rotate(idx, "timeout")
		return fmt.Errorf("%w: %v", types.ErrNetwork, err)
	case isTransport(err):
		c.recordFailure(idx)
		return fmt.Errorf("%w: %v", types.ErrNetwork, err)
	default:
		c.recordSuccess(idx)
		return err
	}
}

func (c *Client) recordSuccess(idx int) {
	c.mu.Lock()
	if c.active == idx {
		c.failures = 0
	}
	c.mu.Unlock()
}

func (c *Client) recordFailure(idx int) {
	c.mu.Lock()
	if c.active != idx {
		c.mu.Unlock()
		return
	}
	c.failures++
	trip := c.failures >= c.cfg.FailoverAfter
	c.mu.Unlock()
	if trip {
		c.rotate(idx, "errors")
	}
}

func (c *Client) rotate(idx int, reason string) {
	c.mu.Lock()
	if c.active != idx || len(c.endpoints) < 2 {
		c.failures = 0
		c.mu.Unlock()
		return
	}
	from := c.endpoints[c.active].Name
	c.active = (c.active + 1) % len(c.endpoints)
	c.failures = 0
	to := c.endpoints[c.active].Name
	cb := c.failover
	c.mu.Unlock()

	log.Warn().Str("from", from).Str("to", to).Str("reason", reason).Msg("🔀 RPC failover")
	if cb != nil {
		cb(from, to)
	}
}

// isTransport reports errors where the node never produced a JSON-RPC answer
func isTransport(err error) bool {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return false
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500 || httpErr.StatusCode == 429
	}
	if errors.Is(err, ethereum.NotFound) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, types.ErrNetwork) || errors.Is(err, rpc.ErrClientQuit) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Close releases every endpoint
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ep := range c.endpoints {
		ep.Backend.Close()
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// READS
// ═══════════════════════════════════════════════════════════════════════════════

func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	c.mu.RLock()
	cached := c.chainID
	c.mu.RUnlock()
	if cached != nil {
		return new(big.Int).Set(cached), nil
	}
	var id *big.Int
	err := c.do(ctx, func(ctx context.Context, b Backend) (err error) {
		id, err = b.ChainID(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.chainID = id
	c.mu.Unlock()
	return new(big.Int).Set(id), nil
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var n uint64
	err := c.do(ctx, func(ctx context.Context, b Backend) (err error) {
		n, err = b.BlockNumber(ctx)
		return err
	})
	return n, err
}

func (c *Client) HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error) {
	var h *ethtypes.Header
	err := c.do(ctx, func(ctx context.Context, b Backend) (err error) {
		h, err = b.HeaderByNumber(ctx, number)
		return err
	})
	return h, err
}

func (c *Client) FeeHistory(ctx context.Context, blockCount uint64, lastBlock *big.Int, percentiles []float64) (*ethereum.FeeHistory, error) {
	var fh *ethereum.FeeHistory
	err := c.do(ctx, func(ctx context.Context, b Backend) (err error) {
		fh, err = b.FeeHistory(ctx, blockCount, lastBlock, percentiles)
		return err
	})
	return fh, err
}

func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	var n uint64
	err := c.do(ctx, func(ctx context.Context, b Backend) (err error) {
		n, err = b.PendingNonceAt(ctx, account)
		return err
	})
	return n, err
}

func (c *Client) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	var bal *big.Int
	err := c.do(ctx, func(ctx context.Context, b Backend) (err error) {
		bal, err = b.BalanceAt(ctx, account, blockNumber)
		return err
	})
	return bal, err
}

func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	var out []byte
	err := c.do(ctx, func(ctx context.Context, b Backend) (err error) {
		out, err = b.CallContract(ctx, msg, blockNumber)
		return err
	})
	return out, err
}

func (c *Client) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	var gas uint64
	err := c.do(ctx, func(ctx context.Context, b Backend) (err error) {
		gas, err = b.EstimateGas(ctx, msg)
		return err
	})
	return gas, err
}

// TransactionReceipt returns (nil, nil) while the transaction is unmined
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error) {
	var r *ethtypes.Receipt
	err := c.do(ctx, func(ctx context.Context, b Backend) (err error) {
		r, err = b.TransactionReceipt(ctx, hash)
		return err
	})
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	return r, err
}

func (c *Client) TransactionByHash(ctx context.Context, hash common.Hash) (*ethtypes.Transaction, bool, error) {
	var (
		tx      *ethtypes.Transaction
		pending bool
	)
	err := c.do(ctx, func(ctx context.Context, b Backend) (err error) {
		tx, pending, err = b.TransactionByHash(ctx, hash)
		return err
	})
	return tx, pending, err
}

func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error) {
	var logs []ethtypes.Log
	err := c.do(ctx, func(ctx context.Context, b Backend) (err error) {
		logs, err = b.FilterLogs(ctx, q)
		return err
	})
	return logs, err
}

// SubscribeNewHeads opens a head subscription on the active endpoint
func (c *Client) SubscribeNewHeads(ctx context.Context, ch chan<- *ethtypes.Header) (ethereum.Subscription, error) {
	idx, b := c.current()
	sub, err := b.SubscribeNewHead(ctx, ch)
	if err != nil {
		c.recordFailure(idx)
		return nil, fmt.Errorf("%w: subscribe heads: %v", types.ErrNetwork, err)
	}
	return sub, nil
}

// SubscribeLogs opens a log subscription on the active endpoint
func (c *Client) SubscribeLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- ethtypes.Log) (ethereum.Subscription, error) {
	idx, b := c.current()
	sub, err := b.SubscribeFilterLogs(ctx, q, ch)
	if err != nil {
		c.recordFailure(idx)
		return nil, fmt.Errorf("%w: subscribe logs: %v", types.ErrNetwork, err)
	}
	return sub, nil
}

// redact strips credentials embedded in provider URLs
func redact(u string) string {
	if len(u) > 32 {
		return u[:32] + "…"
	}
	return u
}
