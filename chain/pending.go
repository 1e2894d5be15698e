package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/chainsniper/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PENDING TRANSACTION STREAM
// ═══════════════════════════════════════════════════════════════════════════════
//
// eth_subscribe ["newPendingTransactions", true] over a raw websocket. Nodes
// that ignore the full-transaction flag send hashes instead; those arrive with
// Tx == nil and are resolved by the consumer off the read loop.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	pingInterval = 30 * time.Second
	writeTimeout = 5 * time.Second
)

// PendingTx is one mempool observation
type PendingTx struct {
	Hash common.Hash
	Tx   *ethtypes.Transaction // nil when the node only sent the hash
	Seen time.Time
}

// PendingStream dials a websocket endpoint for mempool transactions
type PendingStream struct {
	url    string
	dialer *websocket.Dialer
}

func NewPendingStream(url string) *PendingStream {
	return &PendingStream{url: url, dialer: websocket.DefaultDialer}
}

type subscriptionMsg struct {
	ID     *int            `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error"`
	Method string `json:"method"`
	Params struct {
		Subscription string          `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	} `json:"params"`
}

// Subscribe connects and streams into ch until the subscription is cancelled or
// the connection fails; the failure is delivered on Err().
func (p *PendingStream) Subscribe(ctx context.Context, ch chan<- PendingTx) (event.Subscription, error) {
	dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := p.dialer.DialContext(dctx, p.url, nil)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("%w: pending dial: %v", types.ErrNetwork, err)
	}

	req := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "eth_subscribe",
		"params":  []interface{}{"newPendingTransactions", true},
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: pending subscribe: %v", types.ErrNetwork, err)
	}

	var ack subscriptionMsg
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	if err := conn.ReadJSON(&ack); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: pending ack: %v", types.ErrNetwork, err)
	}
	if ack.Error != nil {
		conn.Close()
		return nil, fmt.Errorf("pending subscribe rejected: %s", ack.Error.Message)
	}
	_ = conn.SetReadDeadline(time.Time{})

	log.Info().Msg("🔌 Mempool stream connected")

	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer conn.Close()

		stop := make(chan struct{})
		defer close(stop)
		go func() {
			ticker := time.NewTicker(pingInterval)
			defer ticker.Stop()
			for {
				select {
				case <-stop:
					return
				case <-quit:
					// unblock ReadJSON
					conn.Close()
					return
				case <-ticker.C:
					_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
				}
			}
		}()

		for {
			var msg subscriptionMsg
			if err := conn.ReadJSON(&msg); err != nil {
				select {
				case <-quit:
					return nil
				default:
				}
				return fmt.Errorf("%w: pending read: %v", types.ErrNetwork, err)
			}
			if msg.Method != "eth_subscription" {
				continue
			}
			ptx, ok := parsePending(msg.Params.Result)
			if !ok {
				continue
			}
			select {
			case ch <- ptx:
			case <-quit:
				return nil
			}
		}
	}), nil
}

// parsePending accepts either a full transaction object or a bare hash
func parsePending(raw json.RawMessage) (PendingTx, bool) {
	now := time.Now()
	if len(raw) > 0 && raw[0] == '"' {
		var h common.Hash
		if err := json.Unmarshal(raw, &h); err != nil {
			return PendingTx{}, false
		}
		return PendingTx{Hash: h, Seen: now}, true
	}
	tx := new(ethtypes.Transaction)
	if err := tx.UnmarshalJSON(raw); err != nil {
		log.Debug().Err(err).Msg("Undecodable pending transaction")
		return PendingTx{}, false
	}
	return PendingTx{Hash: tx.Hash(), Tx: tx, Seen: now}, true
}
