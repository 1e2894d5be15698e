package types

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// MARKET EVENTS - Monitor → Orchestrator
// ═══════════════════════════════════════════════════════════════════════════════

// EventMeta is common to every market event
type EventMeta struct {
	ChainID     uint64
	BlockNumber uint64 // 0 for mempool observations
	TxHash      common.Hash
	ObservedAt  time.Time
}

// MarketEvent is a closed union: NewPair, PendingLiquidityAdd, WhaleTrade
type MarketEvent interface {
	Meta() EventMeta
	// Key identifies the pair or transaction for deduplication
	Key() string
	marketEvent()
}

// NewPair is a confirmed factory PairCreated log
type NewPair struct {
	EventMeta
	DEX    string
	Pair   common.Address
	Token0 common.Address
	Token1 common.Address
}

// PendingLiquidityAdd is a mempool addLiquidity call that may create a pair
type PendingLiquidityAdd struct {
	EventMeta
	DEX       string
	Pair      common.Address // CREATE2-derived, zero if the factory is unknown
	Token     common.Address
	Base      common.Address
	Sender    common.Address
	AmountETH *uint256.Int
	AmountTok *uint256.Int
}

// WhaleTrade is a swap by a tracked wallet
type WhaleTrade struct {
	EventMeta
	Wallet     common.Address
	Token      common.Address
	Pair       common.Address
	Side       Side
	AmountBase *uint256.Int
	Score      float64
	Pending    bool
}

func (e EventMeta) Meta() EventMeta { return e }

func (NewPair) marketEvent()             {}
func (PendingLiquidityAdd) marketEvent() {}
func (WhaleTrade) marketEvent()          {}

func (e NewPair) Key() string { return pairKey(e.Pair) }

func (e PendingLiquidityAdd) Key() string {
	if e.Pair != (common.Address{}) {
		return pairKey(e.Pair)
	}
	return txKey(e.TxHash)
}

// WhaleTrade keys on the transaction: many whales trade one pair
func (e WhaleTrade) Key() string { return txKey(e.TxHash) }

// Token returns the non-base side of a new pair
func (e NewPair) Token(base common.Address) common.Address {
	if e.Token0 == base {
		return e.Token1
	}
	return e.Token0
}

func pairKey(a common.Address) string { return "pair:" + a.Hex() }
func txKey(h common.Hash) string      { return "tx:" + h.Hex() }

// ═══════════════════════════════════════════════════════════════════════════════
// QUOTES
// ═══════════════════════════════════════════════════════════════════════════════

// Quote is the current mark for a position
type Quote struct {
	Token     common.Address
	Price     decimal.Decimal // base wei per token wei
	AmountOut *uint256.Int    // base received for the full position
	At        time.Time
}
