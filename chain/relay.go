package chain

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/web3guy0/chainsniper/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PRIVATE RELAY - eth_sendPrivateTransaction with signed payloads
// ═══════════════════════════════════════════════════════════════════════════════

// Relay submits transactions to a private builder endpoint
type Relay struct {
	url     string
	authKey *ecdsa.PrivateKey
	http    *http.Client
}

// NewRelay creates a relay client. authKey identifies the searcher and need not hold funds.
func NewRelay(url string, authKey *ecdsa.PrivateKey, timeout time.Duration) *Relay {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Relay{
		url:     url,
		authKey: authKey,
		http:    &http.Client{Timeout: timeout},
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type privateTxParams struct {
	Tx             string          `json:"tx"`
	MaxBlockNumber string          `json:"maxBlockNumber,omitempty"`
	Preferences    map[string]bool `json:"preferences,omitempty"`
}

// SendPrivate posts the raw transaction. Transport failures wrap types.ErrNetwork;
// relay-side refusals are returned as plain errors.
func (r *Relay) SendPrivate(ctx context.Context, tx *ethtypes.Transaction, maxBlock uint64) error {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode tx: %w", err)
	}
	params := privateTxParams{
		Tx:          hexutil.Encode(raw),
		Preferences: map[string]bool{"fast": true},
	}
	if maxBlock > 0 {
		params.MaxBlockNumber = hexutil.EncodeUint64(maxBlock)
	}
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "eth_sendPrivateTransaction",
		Params:  []interface{}{params},
	})
	if err != nil {
		return err
	}

	sig, err := r.sign(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Flashbots-Signature", sig)

	resp, err := r.http.Do(req)
	if err != nil {
		// http.Client.Do only fails on transport problems
		return fmt.Errorf("%w: relay: %v", types.ErrNetwork, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: relay read: %v", types.ErrNetwork, err)
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: relay status %d", types.ErrNetwork, resp.StatusCode)
	}

	var out rpcResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("relay status %d: %s", resp.StatusCode, truncate(data))
	}
	if out.Error != nil {
		return fmt.Errorf("relay error %d: %s", out.Error.Code, out.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("relay status %d", resp.StatusCode)
	}
	return nil
}

// sign produces "<address>:<signature>" over keccak256(body) as an EIP-191 message
func (r *Relay) sign(body []byte) (string, error) {
	digest := accounts.TextHash([]byte(hexutil.Encode(crypto.Keccak256(body))))
	sig, err := crypto.Sign(digest, r.authKey)
	if err != nil {
		return "", fmt.Errorf("sign relay payload: %w", err)
	}
	addr := crypto.PubkeyToAddress(r.authKey.PublicKey)
	return addr.Hex() + ":" + hexutil.Encode(sig), nil
}

func truncate(b []byte) string {
	if len(b) > 200 {
		return string(b[:200])
	}
	return string(b)
}
