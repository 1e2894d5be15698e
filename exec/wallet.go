package exec

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// KEYRING - Trading wallets and transaction signing
// ═══════════════════════════════════════════════════════════════════════════════
//
// Keys are loaded once from hex (WALLET_KEYS, comma separated) and never
// leave this package. Callers only see addresses.
//
// ═══════════════════════════════════════════════════════════════════════════════

var ErrUnknownWallet = errors.New("unknown wallet")

// Keyring holds the private keys of the trading wallets
type Keyring struct {
	mu      sync.RWMutex
	keys    map[common.Address]*ecdsa.PrivateKey
	signer  ethtypes.Signer
	chainID *big.Int
}

// NewKeyring parses hex private keys (0x prefix optional) for chainID
func NewKeyring(chainID *big.Int, hexKeys ...string) (*Keyring, error) {
	k := &Keyring{
		keys:    make(map[common.Address]*ecdsa.PrivateKey),
		signer:  ethtypes.LatestSignerForChainID(chainID),
		chainID: new(big.Int).Set(chainID),
	}
	for i, raw := range hexKeys {
		raw = strings.TrimPrefix(strings.TrimSpace(raw), "0x")
		if raw == "" {
			continue
		}
		pk, err := crypto.HexToECDSA(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid private key #%d: %w", i, err)
		}
		addr := crypto.PubkeyToAddress(pk.PublicKey)
		k.keys[addr] = pk
		log.Info().Str("address", addr.Hex()).Msg("🔑 Wallet loaded")
	}
	return k, nil
}

// ParseKeys splits a comma separated key list
func ParseKeys(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Has reports whether the wallet's key is loaded
func (k *Keyring) Has(addr common.Address) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	_, ok := k.keys[addr]
	return ok
}

// Addresses returns the loaded wallets in a stable order
func (k *Keyring) Addresses() []common.Address {
	k.mu.RLock()
	out := make([]common.Address, 0, len(k.keys))
	for a := range k.keys {
		out = append(out, a)
	}
	k.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

// ChainID the keyring signs for
func (k *Keyring) ChainID() *big.Int {
	return new(big.Int).Set(k.chainID)
}

// SignTx signs tx with wallet's key
func (k *Keyring) SignTx(wallet common.Address, tx *ethtypes.Transaction) (*ethtypes.Transaction, error) {
	k.mu.RLock()
	pk, ok := k.keys[wallet]
	k.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWallet, wallet.Hex())
	}
	return ethtypes.SignTx(tx, k.signer, pk)
}
