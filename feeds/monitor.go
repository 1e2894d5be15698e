package feeds

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/chainsniper/chain"
	"github.com/web3guy0/chainsniper/dex"
	"github.com/web3guy0/chainsniper/internal/clock"
	"github.com/web3guy0/chainsniper/internal/retry"
	"github.com/web3guy0/chainsniper/internal/workerpool"
	"github.com/web3guy0/chainsniper/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// MEMPOOL / EVENT MONITOR
// ═══════════════════════════════════════════════════════════════════════════════
//
// Two ingestion loops per chain connection:
//   blocks:  newHeads + factory PairCreated logs → NewPair
//   mempool: pending txs → worker pool → decode → PendingLiquidityAdd + observers
//
// Ingestion never waits on decoding: a full worker queue drops the tx and
// counts it. Reconnects back off exponentially and backfill PairCreated logs
// from the last confirmed block, bounded by MaxLookback.
//
// ═══════════════════════════════════════════════════════════════════════════════

// ChainSource is the slice of the chain client the monitor reads from
type ChainSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error)
	SubscribeNewHeads(ctx context.Context, ch chan<- *ethtypes.Header) (ethereum.Subscription, error)
	SubscribeLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- ethtypes.Log) (ethereum.Subscription, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*ethtypes.Transaction, bool, error)
}

// PendingSource streams mempool transactions; *chain.PendingStream satisfies it
type PendingSource interface {
	Subscribe(ctx context.Context, ch chan<- chain.PendingTx) (event.Subscription, error)
}

// Emitter receives market events; core.Bus satisfies it
type Emitter interface {
	Publish(ev types.MarketEvent)
}

// PendingObservation is a decoded router call seen in the mempool
type PendingObservation struct {
	ChainID uint64
	Tx      *ethtypes.Transaction
	From    common.Address
	Call    *dex.DecodedCall
	Seen    time.Time
}

// TxObserver is notified of every decoded pending router call
type TxObserver interface {
	ObservePending(obs PendingObservation)
}

// MonitorConfig for the monitor
type MonitorConfig struct {
	ChainID       uint64
	MaxLookback   uint64        // backfill window in blocks
	LookupTimeout time.Duration // hash-only pending tx resolution
	Reconnect     retry.Config
}

// MonitorStats is a counter snapshot
type MonitorStats struct {
	LastConfirmed  uint64
	PairsSeen      int64
	LiquidityAdds  int64
	Decoded        int64
	DecodeFailures int64
	Dropped        int64
	Reconnects     int64
}

// Monitor watches one chain connection
type Monitor struct {
	mu sync.RWMutex

	cfg      MonitorConfig
	chain    ChainSource
	pending  PendingSource
	registry *dex.Registry
	pool     *workerpool.Pool
	out      Emitter
	clock    clock.Clock
	signer   ethtypes.Signer

	observers []TxObserver

	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	lastConfirmed  atomic.Uint64
	pairsSeen      atomic.Int64
	liquidityAdds  atomic.Int64
	decoded        atomic.Int64
	decodeFailures atomic.Int64
	reconnects     atomic.Int64
}

// NewMonitor creates a monitor; pending may be nil to watch confirmed blocks only
func NewMonitor(cfg MonitorConfig, src ChainSource, pending PendingSource, registry *dex.Registry, pool *workerpool.Pool, out Emitter, c clock.Clock) *Monitor {
	if c == nil {
		c = clock.Real{}
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = 2 * time.Second
	}
	if cfg.Reconnect.InitialDelay == 0 {
		cfg.Reconnect = retry.ReconnectConfig()
	}
	cfg.Reconnect.Clock = c
	return &Monitor{
		cfg:      cfg,
		chain:    src,
		pending:  pending,
		registry: registry,
		pool:     pool,
		out:      out,
		clock:    c,
		signer:   ethtypes.LatestSignerForChainID(new(big.Int).SetUint64(cfg.ChainID)),
	}
}

// AddObserver registers a pending-tx observer
func (m *Monitor) AddObserver(o TxObserver) {
	m.mu.Lock()
	m.observers = append(m.observers, o)
	m.mu.Unlock()
}

// SetLastConfirmed seeds the resume point, e.g. from storage on restart
func (m *Monitor) SetLastConfirmed(block uint64) {
	m.lastConfirmed.Store(block)
}

// Start begins ingestion
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	m.wg.Add(1)
	go m.superviseBlocks(ctx)

	if m.pending != nil {
		m.wg.Add(1)
		go m.supervisePending(ctx)
	}

	log.Info().
		Uint64("chain", m.cfg.ChainID).
		Int("factories", len(m.registry.Factories())).
		Bool("mempool", m.pending != nil).
		Msg("📡 Monitor started")
}

// Stop ends ingestion and waits for the loops to exit
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.cancel()
	m.mu.Unlock()

	m.wg.Wait()
	log.Info().Msg("Monitor stopped")
}

// Stats returns counters
func (m *Monitor) Stats() MonitorStats {
	var dropped int64
	if m.pool != nil {
		dropped = m.pool.Dropped()
	}
	return MonitorStats{
		LastConfirmed:  m.lastConfirmed.Load(),
		PairsSeen:      m.pairsSeen.Load(),
		LiquidityAdds:  m.liquidityAdds.Load(),
		Decoded:        m.decoded.Load(),
		DecodeFailures: m.decodeFailures.Load(),
		Dropped:        dropped,
		Reconnects:     m.reconnects.Load(),
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// CONFIRMED BLOCKS
// ═══════════════════════════════════════════════════════════════════════════════

func (m *Monitor) reconnectPolicy(stream string) retry.Config {
	cfg := m.cfg.Reconnect
	cfg.RetryIf = retry.RetryIfNotContext
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		m.reconnects.Add(1)
		log.Warn().Err(err).Str("stream", stream).Int("attempt", attempt).Dur("backoff", delay).Msg("🔌 Stream lost, reconnecting")
	}
	return cfg
}

func (m *Monitor) superviseBlocks(ctx context.Context) {
	defer m.wg.Done()
	err := retry.Do(ctx, func() error { return m.runBlocks(ctx) }, m.reconnectPolicy("blocks"))
	if err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("Block stream gave up")
	}
}

func (m *Monitor) pairQuery() ethereum.FilterQuery {
	return ethereum.FilterQuery{
		Addresses: m.registry.Factories(),
		Topics:    [][]common.Hash{{dex.PairCreatedTopic}},
	}
}

// runBlocks holds one subscription session; it returns when the session ends
func (m *Monitor) runBlocks(ctx context.Context) error {
	heads := make(chan *ethtypes.Header, 64)
	hsub, err := m.chain.SubscribeNewHeads(ctx, heads)
	if err != nil {
		return fmt.Errorf("subscribe heads: %w", err)
	}
	defer hsub.Unsubscribe()

	logs := make(chan ethtypes.Log, 256)
	lsub, err := m.chain.SubscribeLogs(ctx, m.pairQuery(), logs)
	if err != nil {
		return fmt.Errorf("subscribe logs: %w", err)
	}
	defer lsub.Unsubscribe()

	// live logs are already buffering, so the backfill leaves no gap
	if err := m.backfill(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-hsub.Err():
			return fmt.Errorf("%w: heads: %v", types.ErrNetwork, err)
		case err := <-lsub.Err():
			return fmt.Errorf("%w: logs: %v", types.ErrNetwork, err)
		case h := <-heads:
			if h != nil && h.Number != nil && h.Number.Uint64() > 0 {
				// logs of the newest head may still be in flight
				m.advance(h.Number.Uint64() - 1)
			}
		case l := <-logs:
			m.handleLog(l)
		}
	}
}

func (m *Monitor) advance(block uint64) {
	for {
		cur := m.lastConfirmed.Load()
		if block <= cur || m.lastConfirmed.CompareAndSwap(cur, block) {
			return
		}
	}
}

// BackfillRange returns the inclusive block range to replay after a reconnect
func BackfillRange(lastConfirmed, head, maxLookback uint64) (from, to uint64, ok bool) {
	if lastConfirmed == 0 || head <= lastConfirmed {
		return 0, 0, false
	}
	from = lastConfirmed + 1
	if maxLookback > 0 && head > maxLookback && from < head-maxLookback {
		from = head - maxLookback
	}
	return from, head, true
}

func (m *Monitor) backfill(ctx context.Context) error {
	last := m.lastConfirmed.Load()
	head, err := m.chain.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("backfill head: %w", err)
	}
	from, to, ok := BackfillRange(last, head, m.cfg.MaxLookback)
	if !ok {
		m.advance(head)
		return nil
	}
	if from > last+1 {
		log.Warn().Uint64("last", last).Uint64("from", from).Uint64("head", head).Msg("⚠️ Backfill clamped to look-back window")
	}

	q := m.pairQuery()
	q.FromBlock = new(big.Int).SetUint64(from)
	q.ToBlock = new(big.Int).SetUint64(to)
	logs, err := m.chain.FilterLogs(ctx, q)
	if err != nil {
		return fmt.Errorf("backfill logs: %w", err)
	}
	for _, l := range logs {
		m.handleLog(l)
	}
	m.advance(to)

	log.Info().Uint64("from", from).Uint64("to", to).Int("logs", len(logs)).Msg("🔁 Backfilled pair logs")
	return nil
}

func (m *Monitor) handleLog(l ethtypes.Log) {
	if l.Removed {
		return
	}
	pc, err := dex.ParsePairCreated(l)
	if err != nil {
		m.decodeFailures.Add(1)
		log.Debug().Err(err).Str("tx", l.TxHash.Hex()).Msg("Undecodable factory log")
		return
	}
	d, ok := m.registry.ByFactory(pc.Factory)
	if !ok {
		return
	}
	base := m.registry.Base()
	if pc.Token0 != base && pc.Token1 != base {
		log.Debug().Str("pair", pc.Pair.Hex()).Msg("Pair without base token ignored")
		return
	}

	m.pairsSeen.Add(1)
	ev := types.NewPair{
		EventMeta: types.EventMeta{
			ChainID:     m.cfg.ChainID,
			BlockNumber: l.BlockNumber,
			TxHash:      l.TxHash,
			ObservedAt:  m.clock.Now(),
		},
		DEX:    d.Name,
		Pair:   pc.Pair,
		Token0: pc.Token0,
		Token1: pc.Token1,
	}
	log.Info().
		Str("dex", d.Name).
		Str("pair", pc.Pair.Hex()).
		Str("token", ev.Token(base).Hex()).
		Uint64("block", l.BlockNumber).
		Msg("🆕 New pair")
	m.out.Publish(ev)
}

// ═══════════════════════════════════════════════════════════════════════════════
// MEMPOOL
// ═══════════════════════════════════════════════════════════════════════════════

func (m *Monitor) supervisePending(ctx context.Context) {
	defer m.wg.Done()
	err := retry.Do(ctx, func() error { return m.runPending(ctx) }, m.reconnectPolicy("mempool"))
	if err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("Mempool stream gave up")
	}
}

func (m *Monitor) runPending(ctx context.Context) error {
	ch := make(chan chain.PendingTx, 1024)
	sub, err := m.pending.Subscribe(ctx, ch)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			if err == nil {
				return fmt.Errorf("%w: pending stream closed", types.ErrNetwork)
			}
			return err
		case p := <-ch:
			m.dispatch(p)
		}
	}
}

// dispatch hands a pending tx to the worker pool without blocking
func (m *Monitor) dispatch(p chain.PendingTx) {
	if err := m.pool.TrySubmit(func(ctx context.Context) { m.HandlePending(ctx, p) }); err != nil {
		if errors.Is(err, workerpool.ErrQueueFull) {
			log.Debug().Str("tx", p.Hash.Hex()).Msg("Decode queue full, pending tx dropped")
		}
	}
}

// HandlePending decodes one mempool observation; failures are logged and counted
func (m *Monitor) HandlePending(ctx context.Context, p chain.PendingTx) {
	tx := p.Tx
	if tx == nil {
		lctx, cancel := context.WithTimeout(ctx, m.cfg.LookupTimeout)
		found, _, err := m.chain.TransactionByHash(lctx, p.Hash)
		cancel()
		if err != nil || found == nil {
			return
		}
		tx = found
	}

	call, err := m.registry.Decode(tx)
	if err != nil {
		if !errors.Is(err, dex.ErrNotRouter) {
			m.decodeFailures.Add(1)
			log.Debug().Err(err).Str("tx", tx.Hash().Hex()).Msg("Calldata decode failed")
		}
		return
	}
	from, err := ethtypes.Sender(m.signer, tx)
	if err != nil {
		m.decodeFailures.Add(1)
		log.Debug().Err(err).Str("tx", tx.Hash().Hex()).Msg("Sender recovery failed")
		return
	}
	m.decoded.Add(1)

	seen := p.Seen
	if seen.IsZero() {
		seen = m.clock.Now()
	}

	if call.Kind == dex.CallAddLiquidity {
		m.emitLiquidityAdd(tx, from, call, seen)
	}

	m.mu.RLock()
	observers := m.observers
	m.mu.RUnlock()
	obs := PendingObservation{ChainID: m.cfg.ChainID, Tx: tx, From: from, Call: call, Seen: seen}
	for _, o := range observers {
		o.ObservePending(obs)
	}
}

func (m *Monitor) emitLiquidityAdd(tx *ethtypes.Transaction, from common.Address, call *dex.DecodedCall, seen time.Time) {
	base := m.registry.Base()
	if call.Token == base || call.Token == (common.Address{}) {
		return
	}
	m.liquidityAdds.Add(1)
	ev := types.PendingLiquidityAdd{
		EventMeta: types.EventMeta{
			ChainID:    m.cfg.ChainID,
			TxHash:     tx.Hash(),
			ObservedAt: seen,
		},
		DEX:       call.DEX.Name,
		Pair:      dex.PairFor(call.DEX, base, call.Token),
		Token:     call.Token,
		Base:      base,
		Sender:    from,
		AmountETH: call.AmountIn,
		AmountTok: call.AmountToken,
	}
	log.Info().
		Str("dex", ev.DEX).
		Str("token", ev.Token.Hex()).
		Str("pair", ev.Pair.Hex()).
		Str("eth", types.ToEther(ev.AmountETH).StringFixed(4)).
		Msg("💧 Pending liquidity add")
	m.out.Publish(ev)
}
