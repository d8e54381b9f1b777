package blockpipe

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/spvwallet/internal/coinset"
	"github.com/klingon-exchange/spvwallet/internal/headerchain"
	"github.com/klingon-exchange/spvwallet/internal/store"
	"github.com/klingon-exchange/spvwallet/internal/wallet"
)

type fakeFetcher struct {
	pipeline *Pipeline
	blocks   map[chainhash.Hash]*wire.MsgBlock
}

func (f *fakeFetcher) RequestBlock(hash chainhash.Hash) error {
	block, ok := f.blocks[hash]
	if !ok {
		return nil
	}
	go f.pipeline.Deliver(hash, block)
	return nil
}

func mkHeader(prev chainhash.Hash, ts time.Time) *wire.BlockHeader {
	return &wire.BlockHeader{Version: 1, PrevBlock: prev, Bits: 0x207fffff, Timestamp: ts}
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(&store.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func noopClassify(script []byte) (wallet.Derivation, bool) { return wallet.Derivation{}, false }

func TestPipelineAppliesBlocksInTrunkOrder(t *testing.T) {
	genesis := mkHeader(chainhash.Hash{}, time.Unix(0, 0))
	chain := headerchain.New(genesis)
	prevHash := genesis.BlockHash()

	// birth=0 makes the genesis block (height 0) the start height, so the
	// fetcher must serve it too.
	blocks := map[chainhash.Hash]*wire.MsgBlock{prevHash: wire.NewMsgBlock(genesis)}
	var hashes []chainhash.Hash
	for i := 1; i <= 3; i++ {
		h := mkHeader(prevHash, time.Unix(int64(i)*600, 0))
		if _, err := chain.Accept(h); err != nil {
			t.Fatalf("Accept(%d) error = %v", i, err)
		}
		hash := h.BlockHash()
		hashes = append(hashes, hash)
		blocks[hash] = wire.NewMsgBlock(h)
		prevHash = hash
	}

	coins := coinset.New()
	st := newTestStore(t)
	p := New(chain, coins, st, noopClassify, nil, 0)
	p.fetcher = &fakeFetcher{pipeline: p, blocks: blocks}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	deadline := time.After(2 * time.Second)
	for {
		p.mu.Lock()
		cursor := p.cursor
		p.mu.Unlock()
		if cursor >= int32(len(hashes))+1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("pipeline did not reach the trunk tip in time, cursor=%d", cursor)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestStartHeightUsesLaterOfMarkerAndBirth(t *testing.T) {
	genesis := mkHeader(chainhash.Hash{}, time.Unix(0, 0))
	chain := headerchain.New(genesis)
	prev := genesis.BlockHash()
	for i := 1; i <= 5; i++ {
		h := mkHeader(prev, time.Unix(int64(i)*600, 0))
		chain.Accept(h)
		prev = h.BlockHash()
	}

	coins := coinset.New()
	st := newTestStore(t)
	p := New(chain, coins, st, noopClassify, nil, 2000)

	start, err := p.startHeight()
	if err != nil {
		t.Fatalf("startHeight() error = %v", err)
	}
	if start < 1 {
		t.Errorf("startHeight() = %d, want >= 1 given birth=2000", start)
	}
}
