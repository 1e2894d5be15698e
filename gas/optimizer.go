package gas

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/chainsniper/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// GAS OPTIMIZER - EIP-1559 fees by urgency
// ═══════════════════════════════════════════════════════════════════════════════
//
//   urgency   reward pct   base headroom   priority floor
//   low          p25          1 block         1x
//   medium       p50          2 blocks        1x
//   high         p75          3 blocks        2x
//   urgent       p95          4 blocks        3x
//
// Each block of headroom is the protocol's maximum 12.5% base fee increase.
// Fees are fetched fresh for every call.
//
// ═══════════════════════════════════════════════════════════════════════════════

// ErrFeeCeiling is returned when inclusion needs more than the configured ceiling
var ErrFeeCeiling = errors.New("fee exceeds configured ceiling")

var rewardPercentiles = []float64{25, 50, 75, 95}

type tier struct {
	percentileIdx int
	headroom      int
	floorMult     uint64
}

var tiers = map[types.Urgency]tier{
	types.UrgencyLow:    {0, 1, 1},
	types.UrgencyMedium: {1, 2, 1},
	types.UrgencyHigh:   {2, 3, 2},
	types.UrgencyUrgent: {3, 4, 3},
}

// FeeSource is the chain read the optimizer needs
type FeeSource interface {
	FeeHistory(ctx context.Context, blockCount uint64, lastBlock *big.Int, rewardPercentiles []float64) (*ethereum.FeeHistory, error)
}

// Config bounds the optimizer
type Config struct {
	MaxFee        *uint256.Int // absolute ceiling per gas
	MinPriority   *uint256.Int // floor for the low/medium tiers
	HistoryBlocks uint64
}

// Fees is one fee quote
type Fees struct {
	BaseFee     *uint256.Int
	MaxFee      *uint256.Int
	PriorityFee *uint256.Int
	Urgency     types.Urgency
}

// Optimizer computes EIP-1559 fees
type Optimizer struct {
	src FeeSource
	cfg Config
}

func NewOptimizer(src FeeSource, cfg Config) *Optimizer {
	if cfg.HistoryBlocks == 0 {
		cfg.HistoryBlocks = 10
	}
	if cfg.MinPriority == nil {
		cfg.MinPriority = types.Gwei(1)
	}
	if cfg.MaxFee == nil {
		cfg.MaxFee = types.Gwei(500)
	}
	return &Optimizer{src: src, cfg: cfg}
}

// Ceiling returns the configured max fee per gas
func (o *Optimizer) Ceiling() *uint256.Int {
	return new(uint256.Int).Set(o.cfg.MaxFee)
}

// Suggest quotes fees for the given urgency
func (o *Optimizer) Suggest(ctx context.Context, u types.Urgency) (*Fees, error) {
	t, ok := tiers[u]
	if !ok {
		t = tiers[types.UrgencyMedium]
	}

	fh, err := o.src.FeeHistory(ctx, o.cfg.HistoryBlocks, nil, rewardPercentiles)
	if err != nil {
		return nil, fmt.Errorf("fee history: %w", err)
	}
	if fh == nil || len(fh.BaseFee) == 0 {
		return nil, fmt.Errorf("fee history: empty response")
	}

	// last entry is the next block's base fee
	base, err := types.FromBig(fh.BaseFee[len(fh.BaseFee)-1])
	if err != nil {
		return nil, err
	}

	priority, err := medianReward(fh.Reward, t.percentileIdx)
	if err != nil {
		return nil, err
	}
	floor := new(uint256.Int).Mul(o.cfg.MinPriority, uint256.NewInt(t.floorMult))
	if priority.Lt(floor) {
		priority = floor
	}

	projected := new(uint256.Int).Set(base)
	for i := 0; i < t.headroom; i++ {
		if projected, err = types.MulDiv(projected, uint256.NewInt(9), uint256.NewInt(8)); err != nil {
			return nil, err
		}
	}
	maxFee, err := types.Add(projected, priority)
	if err != nil {
		return nil, err
	}

	fees, err := o.clamp(&Fees{BaseFee: base, MaxFee: maxFee, PriorityFee: priority, Urgency: u}, floor)
	if err != nil {
		return nil, err
	}

	log.Debug().
		Str("urgency", u.String()).
		Str("base", base.Dec()).
		Str("max_fee", fees.MaxFee.Dec()).
		Str("priority", fees.PriorityFee.Dec()).
		Msg("⛽ Fee quote")
	return fees, nil
}

// clamp caps fees at the ceiling, refusing quotes that can no longer include
func (o *Optimizer) clamp(f *Fees, floor *uint256.Int) (*Fees, error) {
	if !f.MaxFee.Gt(o.cfg.MaxFee) {
		return f, nil
	}
	minimum, err := types.Add(f.BaseFee, floor)
	if err != nil {
		return nil, err
	}
	if minimum.Gt(o.cfg.MaxFee) {
		return nil, fmt.Errorf("%w: base %s + tip %s > %s", ErrFeeCeiling, f.BaseFee.Dec(), floor.Dec(), o.cfg.MaxFee.Dec())
	}
	f.MaxFee = new(uint256.Int).Set(o.cfg.MaxFee)
	room := new(uint256.Int).Sub(f.MaxFee, f.BaseFee)
	if f.PriorityFee.Gt(room) {
		f.PriorityFee = room
	}
	return f, nil
}

// Escalate bumps a previous quote by 25% for a same-nonce replacement. Nodes
// require at least +10% on both fields; a capped bump below that is refused.
func (o *Optimizer) Escalate(prev *Fees) (*Fees, error) {
	bump := func(x *uint256.Int) (*uint256.Int, error) {
		return types.MulDiv(x, uint256.NewInt(125), uint256.NewInt(100))
	}
	maxFee, err := bump(prev.MaxFee)
	if err != nil {
		return nil, err
	}
	priority, err := bump(prev.PriorityFee)
	if err != nil {
		return nil, err
	}
	if maxFee.Gt(o.cfg.MaxFee) {
		maxFee = new(uint256.Int).Set(o.cfg.MaxFee)
	}
	if priority.Gt(maxFee) {
		priority = new(uint256.Int).Set(maxFee)
	}

	minMax, err := types.MulDiv(prev.MaxFee, uint256.NewInt(110), uint256.NewInt(100))
	if err != nil {
		return nil, err
	}
	minTip, err := types.MulDiv(prev.PriorityFee, uint256.NewInt(110), uint256.NewInt(100))
	if err != nil {
		return nil, err
	}
	if maxFee.Lt(minMax) || priority.Lt(minTip) {
		return nil, fmt.Errorf("%w: replacement bump capped", ErrFeeCeiling)
	}
	return &Fees{BaseFee: prev.BaseFee, MaxFee: maxFee, PriorityFee: priority, Urgency: prev.Urgency}, nil
}

func medianReward(rewards [][]*big.Int, idx int) (*uint256.Int, error) {
	var samples []*big.Int
	for _, r := range rewards {
		if idx < len(r) && r[idx] != nil {
			samples = append(samples, r[idx])
		}
	}
	if len(samples) == 0 {
		return new(uint256.Int), nil
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i].Cmp(samples[j]) < 0 })
	return types.FromBig(samples[len(samples)/2])
}
