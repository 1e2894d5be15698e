package exec

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

func TestKeyringSignsForLoadedWallets(t *testing.T) {
	pk, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	hexKey := common.Bytes2Hex(crypto.FromECDSA(pk))
	addr := crypto.PubkeyToAddress(pk.PublicKey)

	k, err := NewKeyring(big.NewInt(1), ParseKeys(" 0x"+hexKey+" ,")...)
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}
	if !k.Has(addr) || len(k.Addresses()) != 1 {
		t.Fatalf("wallet %s not loaded", addr.Hex())
	}

	to := common.HexToAddress("0x01")
	tx := ethtypes.NewTx(&ethtypes.DynamicFeeTx{
		ChainID:   big.NewInt(1),
		Nonce:     3,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(2),
		Gas:       21000,
		To:        &to,
		Value:     big.NewInt(0),
	})
	signed, err := k.SignTx(addr, tx)
	if err != nil {
		t.Fatalf("SignTx: %v", err)
	}
	from, err := ethtypes.Sender(ethtypes.LatestSignerForChainID(big.NewInt(1)), signed)
	if err != nil || from != addr {
		t.Errorf("sender = %s, %v; want %s", from.Hex(), err, addr.Hex())
	}

	if _, err := k.SignTx(common.HexToAddress("0x02"), tx); !errors.Is(err, ErrUnknownWallet) {
		t.Errorf("unknown wallet: got %v", err)
	}
}

func TestKeyringRejectsBadHex(t *testing.T) {
	if _, err := NewKeyring(big.NewInt(1), "zz"); err == nil {
		t.Error("invalid key accepted")
	}
}
