package execution

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
)

// NonceSource reads the node's pending nonce
type NonceSource interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// NonceManager hands out per-wallet nonces. The first use of a wallet, and
// the first use after Reset, reads the node's pending nonce.
type NonceManager struct {
	mu    sync.Mutex
	src   NonceSource
	next  map[common.Address]uint64
	known map[common.Address]bool
}

func NewNonceManager(src NonceSource) *NonceManager {
	return &NonceManager{
		src:   src,
		next:  make(map[common.Address]uint64),
		known: make(map[common.Address]bool),
	}
}

// Next reserves the next nonce for wallet
func (n *NonceManager) Next(ctx context.Context, wallet common.Address) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.known[wallet] {
		pending, err := n.src.PendingNonceAt(ctx, wallet)
		if err != nil {
			return 0, err
		}
		n.next[wallet] = pending
		n.known[wallet] = true
	}
	nonce := n.next[wallet]
	n.next[wallet] = nonce + 1
	return nonce, nil
}

// Release returns nonce if it is the most recent reservation and nothing was
// broadcast with it; otherwise the wallet resyncs on next use
func (n *NonceManager) Release(wallet common.Address, nonce uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.known[wallet] && n.next[wallet] == nonce+1 {
		n.next[wallet] = nonce
		return
	}
	n.known[wallet] = false
}

// Reset forces a refetch on next use
func (n *NonceManager) Reset(wallet common.Address) {
	n.mu.Lock()
	n.known[wallet] = false
	n.mu.Unlock()
	log.Debug().Str("wallet", wallet.Hex()).Msg("Nonce resync scheduled")
}
