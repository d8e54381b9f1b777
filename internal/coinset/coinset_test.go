package coinset

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/spvwallet/internal/wallet"
)

var ownedScript = []byte{0x00, 0x14, 0x01, 0x02, 0x03}

func classifyOwned(script []byte) (wallet.Derivation, bool) {
	if ScriptsEqual(script, ownedScript) {
		return wallet.Derivation{AccountNumber: 0, SubNumber: 0, KeyIndex: 0}, true
	}
	return wallet.Derivation{}, false
}

func mkBlockWithOutput(value int64) *wire.MsgBlock {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxOut(wire.NewTxOut(value, ownedScript))
	block := wire.NewMsgBlock(&wire.BlockHeader{})
	block.AddTransaction(tx)
	return block
}

func TestProcessBlockAddsMatchedOutput(t *testing.T) {
	s := New()
	blockHash := chainhash.Hash{0x01}
	block := mkBlockWithOutput(100000)

	matched := s.ProcessBlock(blockHash, block, classifyOwned)
	if len(matched) != 1 {
		t.Fatalf("len(matched) = %d, want 1", len(matched))
	}
	if s.Balance() != 100000 {
		t.Errorf("Balance() = %d, want 100000", s.Balance())
	}
}

func TestProcessBlockRemovesSpentCoin(t *testing.T) {
	s := New()
	blockA := chainhash.Hash{0x01}
	fundingBlock := mkBlockWithOutput(50000)
	s.ProcessBlock(blockA, fundingBlock, classifyOwned)

	fundingTxHash := fundingBlock.Transactions[0].TxHash()

	spendTx := wire.NewMsgTx(wire.TxVersion)
	spendTx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: fundingTxHash, Index: 0}, nil, nil))
	spendBlock := wire.NewMsgBlock(&wire.BlockHeader{})
	spendBlock.AddTransaction(spendTx)

	blockB := chainhash.Hash{0x02}
	s.ProcessBlock(blockB, spendBlock, classifyOwned)

	if s.Balance() != 0 {
		t.Errorf("Balance() = %d, want 0 after spend", s.Balance())
	}
}

func TestUnwindToReversesReorgedBlock(t *testing.T) {
	s := New()
	blockA := chainhash.Hash{0x01}
	s.ProcessBlock(blockA, mkBlockWithOutput(70000), classifyOwned)

	blockB := chainhash.Hash{0x02}
	s.ProcessBlock(blockB, mkBlockWithOutput(30000), classifyOwned)

	if s.Balance() != 100000 {
		t.Fatalf("Balance() = %d, want 100000 before unwind", s.Balance())
	}

	s.UnwindTo(blockA)

	if s.Balance() != 70000 {
		t.Errorf("Balance() = %d, want 70000 after unwinding block B", s.Balance())
	}
}

func TestProcessUnconfirmedTransactionExcludedFromAvailable(t *testing.T) {
	s := New()
	blockA := chainhash.Hash{0x01}
	s.ProcessBlock(blockA, mkBlockWithOutput(100000), classifyOwned)

	fundingTxHash := chainhash.Hash{} // placeholder, recomputed below
	for op := range s.confirmed {
		fundingTxHash = op.Hash
	}

	spendTx := wire.NewMsgTx(wire.TxVersion)
	spendTx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: fundingTxHash, Index: 0}, nil, nil))

	matched := s.ProcessUnconfirmedTransaction(spendTx, classifyOwned)
	if !matched {
		t.Fatal("expected the spend to match a confirmed coin")
	}

	heightOf := func(chainhash.Hash) (int32, bool) { return 0, true }
	if s.Balance() != 100000 {
		t.Errorf("Balance() = %d, want 100000 (unaffected by phantom spend)", s.Balance())
	}
	if avail := s.AvailableBalance(0, heightOf); avail != 0 {
		t.Errorf("AvailableBalance() = %d, want 0 once the coin is phantom-spent", avail)
	}
}
