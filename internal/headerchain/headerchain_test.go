package headerchain

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

func mkHeader(prev chainhash.Hash, bits uint32, nonce uint32, ts time.Time) *wire.BlockHeader {
	return &wire.BlockHeader{
		Version:    1,
		PrevBlock:  prev,
		MerkleRoot: chainhash.Hash{},
		Timestamp:  ts,
		Bits:       bits,
		Nonce:      nonce,
	}
}

const easyBits = 0x207fffff // regtest-style minimal difficulty

func TestLinearExtension(t *testing.T) {
	genesis := mkHeader(chainhash.Hash{}, easyBits, 0, time.Unix(0, 0))
	c := New(genesis)

	if c.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", c.Len())
	}

	prevHash := genesis.BlockHash()
	for i := uint32(1); i <= 5; i++ {
		h := mkHeader(prevHash, easyBits, i, time.Unix(int64(i)*600, 0))
		reorg, err := c.Accept(h)
		if err != nil {
			t.Fatalf("Accept(%d) error = %v", i, err)
		}
		if reorg == nil || len(reorg.Connected) != 1 {
			t.Fatalf("Accept(%d): expected a single-block connect, got %+v", i, reorg)
		}
		prevHash = h.BlockHash()
	}

	if c.Len() != 6 {
		t.Fatalf("Len() = %d, want 6", c.Len())
	}
	if c.BestHash() != prevHash {
		t.Error("BestHash() does not match the last accepted header")
	}
}

func TestReorgToHigherWorkFork(t *testing.T) {
	genesis := mkHeader(chainhash.Hash{}, easyBits, 0, time.Unix(0, 0))
	c := New(genesis)

	// Chain A: 5 blocks of minimal difficulty.
	prev := genesis.BlockHash()
	var aHashes []chainhash.Hash
	for i := uint32(1); i <= 5; i++ {
		h := mkHeader(prev, easyBits, i, time.Unix(int64(i)*600, 0))
		if _, err := c.Accept(h); err != nil {
			t.Fatalf("Accept A%d error = %v", i, err)
		}
		prev = h.BlockHash()
		aHashes = append(aHashes, prev)
	}

	// Fork at A1 with higher-difficulty blocks B2..B4: a smaller exponent
	// gives a target 256x smaller, so each B block carries far more work
	// than the four A blocks it displaces.
	forkPrev := aHashes[0]
	higherWorkBits := uint32(0x1f7fffff)
	for i := uint32(2); i <= 4; i++ {
		h := mkHeader(forkPrev, higherWorkBits, 1000+i, time.Unix(int64(i)*600, 0))
		reorg, err := c.Accept(h)
		if err != nil {
			t.Fatalf("Accept B%d error = %v", i, err)
		}
		forkPrev = h.BlockHash()
		_ = reorg
	}

	if c.BestHash() != forkPrev {
		t.Errorf("BestHash() = %s, want the B-fork tip %s", c.BestHash(), forkPrev)
	}

	height, ok := c.GetHeight(aHashes[0])
	if !ok || height != 1 {
		t.Errorf("fork point height = %d, ok=%v, want 1", height, ok)
	}

	if _, ok := c.GetHeight(aHashes[4]); ok {
		t.Error("orphaned A-chain tip should no longer be on the trunk")
	}
}

func TestOrphanHeaderRejected(t *testing.T) {
	genesis := mkHeader(chainhash.Hash{}, easyBits, 0, time.Unix(0, 0))
	c := New(genesis)

	orphan := mkHeader(chainhash.Hash{0xAA}, easyBits, 1, time.Unix(600, 0))
	if _, err := c.Accept(orphan); err == nil {
		t.Error("expected an error accepting an orphan header")
	}
}
