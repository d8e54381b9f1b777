package txbuilder

import (
	"testing"

	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/spvwallet/internal/chain"
	"github.com/klingon-exchange/spvwallet/internal/coinset"
	"github.com/klingon-exchange/spvwallet/internal/wallet"
)

func newTestWallet(t *testing.T) *wallet.Wallet {
	t.Helper()
	mnemonic, err := wallet.GenerateMnemonic()
	if err != nil {
		t.Fatalf("GenerateMnemonic() error = %v", err)
	}
	w, err := wallet.New(chain.Regtest, mnemonic, "", 0, chain.AddressP2WPKH)
	if err != nil {
		t.Fatalf("wallet.New() error = %v", err)
	}
	return w
}

func fundedCoin(t *testing.T, w *wallet.Wallet, value uint64) coinset.Coin {
	t.Helper()
	addr, err := w.DepositAddress()
	if err != nil {
		t.Fatalf("DepositAddress() error = %v", err)
	}
	script, err := wallet.DecodeAddress(addr, chain.Regtest)
	if err != nil {
		t.Fatalf("DecodeAddress() error = %v", err)
	}
	derivation, ok := w.ClassifyScript(script)
	if !ok {
		t.Fatalf("ClassifyScript() did not recognise the address it just issued")
	}
	return coinset.Coin{
		Outpoint:     wire.OutPoint{Hash: [32]byte{0x01}, Index: 0},
		Value:        value,
		ScriptPubKey: script,
		Derivation:   derivation,
	}
}

func TestBuildSweepSpendsAllAvailableCoins(t *testing.T) {
	w := newTestWallet(t)
	coin := fundedCoin(t, w, 100000)

	recipientWallet := newTestWallet(t)
	recipientAddr, err := recipientWallet.DepositAddress()
	if err != nil {
		t.Fatalf("DepositAddress() error = %v", err)
	}

	result, err := Build(w, []coinset.Coin{coin}, recipientAddr, 10, nil, chain.Regtest)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	if len(result.Tx.TxIn) != 1 {
		t.Fatalf("len(TxIn) = %d, want 1", len(result.Tx.TxIn))
	}
	if len(result.Tx.TxOut) != 1 {
		t.Fatalf("len(TxOut) = %d, want 1 (no change on sweep)", len(result.Tx.TxOut))
	}
	if got, want := uint64(result.Tx.TxOut[0].Value)+result.ActualFee, coin.Value; got != want {
		t.Errorf("output + fee = %d, want %d", got, want)
	}
	if len(result.Tx.TxIn[0].Witness) == 0 {
		t.Error("expected a witness signature on the P2WPKH input")
	}
}

func TestBuildTargetedProducesChangeOutput(t *testing.T) {
	w := newTestWallet(t)
	coin := fundedCoin(t, w, 100000)

	recipientWallet := newTestWallet(t)
	recipientAddr, err := recipientWallet.DepositAddress()
	if err != nil {
		t.Fatalf("DepositAddress() error = %v", err)
	}

	amount := uint64(10000)
	result, err := Build(w, []coinset.Coin{coin}, recipientAddr, 5, &amount, chain.Regtest)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	if len(result.Tx.TxOut) != 2 {
		t.Fatalf("len(TxOut) = %d, want 2 (recipient + change)", len(result.Tx.TxOut))
	}
	if uint64(result.Tx.TxOut[0].Value) != amount {
		t.Errorf("recipient output = %d, want %d", result.Tx.TxOut[0].Value, amount)
	}

	var total uint64
	for _, out := range result.Tx.TxOut {
		total += uint64(out.Value)
	}
	if got, want := total+result.ActualFee, coin.Value; got != want {
		t.Errorf("sum(outputs) + fee = %d, want %d", got, want)
	}
}

func TestBuildTargetedInsufficientFundsFails(t *testing.T) {
	w := newTestWallet(t)
	coin := fundedCoin(t, w, 1000)

	recipientWallet := newTestWallet(t)
	recipientAddr, _ := recipientWallet.DepositAddress()

	amount := uint64(100000)
	if _, err := Build(w, []coinset.Coin{coin}, recipientAddr, 5, &amount, chain.Regtest); err == nil {
		t.Fatal("expected an insufficient-funds error")
	}
}
