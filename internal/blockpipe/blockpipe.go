// Package blockpipe implements the filtered block-download pipeline (spec
// §4.5): it drives a Fetcher to pull blocks in trunk order, reorders
// out-of-order arrivals, folds matched transactions into a coin set, and
// periodically commits the processed marker alongside the coin delta.
package blockpipe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/spvwallet/internal/coinset"
	"github.com/klingon-exchange/spvwallet/internal/headerchain"
	"github.com/klingon-exchange/spvwallet/internal/store"
	"github.com/klingon-exchange/spvwallet/pkg/logging"
)

// DefaultWindow is K: the number of block requests kept in flight at once.
const DefaultWindow = 16

// DefaultCommitBlocks is B: commit the processed marker every this many
// applied blocks, whichever comes first against DefaultCommitInterval.
const DefaultCommitBlocks = 100

// DefaultCommitInterval is T.
const DefaultCommitInterval = 10 * time.Second

// RequestTimeout is the per-block request deadline (§5: "per-block
// requests, 60s").
const RequestTimeout = 60 * time.Second

// Fetcher requests a full block by hash from some peer. Implemented by
// internal/p2p; the pipeline does not care which peer serves it.
type Fetcher interface {
	RequestBlock(hash chainhash.Hash) error
}

type request struct {
	height   int32
	deadline time.Time
}

// Pipeline is the filtered block-download pipeline.
type Pipeline struct {
	chain    *headerchain.Chain
	coins    *coinset.Set
	st       *store.Store
	classify coinset.ClassifyFunc
	fetcher  Fetcher
	birth    int64
	log      *logging.Logger

	window         int
	commitBlocks   int
	commitInterval time.Duration

	mu         sync.Mutex
	inFlight   map[chainhash.Hash]request
	buffer     map[chainhash.Hash]*wire.MsgBlock
	cursor     int32 // next trunk height to apply
	sinceCommit int
	lastCommit time.Time

	delivered chan delivery
	stopCh    chan struct{}
	stopOnce  sync.Once
}

type delivery struct {
	hash  chainhash.Hash
	block *wire.MsgBlock
}

// New constructs a pipeline. classify recognises the wallet's own scripts;
// it is a pure function so the pipeline holds no back-reference into the
// wallet (§9).
func New(chain *headerchain.Chain, coins *coinset.Set, st *store.Store, classify coinset.ClassifyFunc, fetcher Fetcher, birth int64) *Pipeline {
	return &Pipeline{
		chain:          chain,
		coins:          coins,
		st:             st,
		classify:       classify,
		fetcher:        fetcher,
		birth:          birth,
		log:            logging.Default().Component("blockpipe"),
		window:         DefaultWindow,
		commitBlocks:   DefaultCommitBlocks,
		commitInterval: DefaultCommitInterval,
		inFlight:       make(map[chainhash.Hash]request),
		buffer:         make(map[chainhash.Hash]*wire.MsgBlock),
		delivered:      make(chan delivery, DefaultWindow),
		stopCh:         make(chan struct{}),
	}
}

// Deliver is called by the fetcher when a requested block arrives.
func (p *Pipeline) Deliver(hash chainhash.Hash, block *wire.MsgBlock) {
	select {
	case p.delivered <- delivery{hash: hash, block: block}:
	case <-p.stopCh:
	}
}

// Stop unwinds the pipeline's Run loop at its next suspension point.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

// startHeight determines the later of the processed marker and the first
// trunk header at or after birth (§4.5 step 1).
func (p *Pipeline) startHeight() (int32, error) {
	marker, err := p.st.ReadProcessedMarker()
	if err != nil {
		return 0, err
	}

	markerHeight := int32(-1)
	if marker != "" {
		hash, err := chainhash.NewHashFromStr(marker)
		if err != nil {
			return 0, fmt.Errorf("processed marker %q: %w", marker, err)
		}
		if h, ok := p.chain.GetHeight(*hash); ok {
			markerHeight = h
		}
	}

	birthHeight := int32(0)
	p.chain.IterTrunkRev(p.chain.BestHash(), func(hash chainhash.Hash, height int32) bool {
		hdr, _ := p.chain.Header(hash)
		if hdr.Timestamp >= p.birth {
			birthHeight = height
			return true
		}
		return false
	})

	start := markerHeight + 1
	if birthHeight > start {
		start = birthHeight
	}
	if start < 0 {
		start = 0
	}
	return start, nil
}

// Run drives the pipeline until ctx is cancelled or Stop is called.
func (p *Pipeline) Run(ctx context.Context) error {
	start, err := p.startHeight()
	if err != nil {
		return fmt.Errorf("determine start height: %w", err)
	}

	p.mu.Lock()
	p.cursor = start
	p.lastCommit = time.Now()
	p.mu.Unlock()

	p.fillWindow()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stopCh:
			return nil
		case d := <-p.delivered:
			p.onBlockDelivered(d.hash, d.block)
			p.fillWindow()
		case <-ticker.C:
			p.reassignTimedOut()
			p.maybeTimeCommit()
		}
	}
}

// fillWindow requests blocks for trunk heights from cursor up to
// window-many ahead that are neither buffered nor already in flight.
func (p *Pipeline) fillWindow() {
	p.mu.Lock()
	trunkLen := int32(p.chain.Len())
	cursor := p.cursor
	need := p.window - len(p.inFlight)
	var toRequest []chainhash.Hash
	for h := cursor; h < trunkLen && len(toRequest) < need; h++ {
		hash, ok := p.chain.HashAtHeight(h)
		if !ok {
			continue
		}
		if _, buffered := p.buffer[hash]; buffered {
			continue
		}
		if _, pending := p.inFlight[hash]; pending {
			continue
		}
		toRequest = append(toRequest, hash)
		p.inFlight[hash] = request{height: h, deadline: time.Now().Add(RequestTimeout)}
	}
	p.mu.Unlock()

	for _, hash := range toRequest {
		if err := p.fetcher.RequestBlock(hash); err != nil {
			p.log.Warn("block request failed", "hash", hash.String(), "err", err)
		}
	}
}

// onBlockDelivered buffers the block, then applies every buffered block
// whose trunk predecessor has already been applied, in strict order (§4.5
// step 3: "blocks may arrive out of order but are buffered").
func (p *Pipeline) onBlockDelivered(hash chainhash.Hash, block *wire.MsgBlock) {
	p.mu.Lock()
	delete(p.inFlight, hash)
	if _, ok := p.chain.GetHeight(hash); !ok {
		// Not on the current trunk (e.g. superseded by a reorg); drop it.
		p.mu.Unlock()
		return
	}
	p.buffer[hash] = block
	p.mu.Unlock()

	for {
		p.mu.Lock()
		next, ok := p.chain.HashAtHeight(p.cursor)
		var block *wire.MsgBlock
		var ready bool
		if ok {
			block, ready = p.buffer[next]
		}
		if !ready {
			p.mu.Unlock()
			return
		}
		delete(p.buffer, next)
		height := p.cursor
		p.cursor++
		p.mu.Unlock()

		p.apply(next, height, block)
	}
}

func (p *Pipeline) apply(hash chainhash.Hash, height int32, block *wire.MsgBlock) {
	matched := p.coins.ProcessBlock(hash, block, p.classify)
	if len(matched) > 0 {
		p.log.Info("block matched wallet outputs", "height", height, "hash", hash.String(), "txs", len(matched))
	}

	p.mu.Lock()
	p.sinceCommit++
	dueByCount := p.sinceCommit >= p.commitBlocks
	dueByTime := time.Since(p.lastCommit) >= p.commitInterval
	p.mu.Unlock()

	if dueByCount || dueByTime {
		if err := p.commit(hash); err != nil {
			p.log.Error("commit failed", "err", err)
		}
	}
}

// commit persists the processed marker and the coin delta in one
// transaction (§4.5 step 5, §9 reorg journaling).
func (p *Pipeline) commit(blockHash chainhash.Hash) error {
	coins := p.coins.SpendableCoins()
	rows := make([]store.CoinRow, 0, len(coins))
	for _, c := range coins {
		rows = append(rows, store.CoinRow{
			TxID:          c.Outpoint.Hash.String(),
			Vout:          c.Outpoint.Index,
			Value:         c.Value,
			ScriptPubKey:  c.ScriptPubKey,
			AccountNumber: c.Derivation.AccountNumber,
			SubNumber:     c.Derivation.SubNumber,
			KeyIndex:      c.Derivation.KeyIndex,
			Tweak:         c.Derivation.Tweak,
			CSV:           c.Derivation.CSV,
			RawTx:         c.RawTx,
			BlockHash:     c.Proof.BlockHash.String(),
		})
	}

	err := p.st.Transaction(func(tx *store.Tx) error {
		if err := tx.StoreCoinsInTx(rows); err != nil {
			return err
		}
		return tx.StoreProcessedMarker(blockHash.String())
	})
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.sinceCommit = 0
	p.lastCommit = time.Now()
	p.mu.Unlock()
	return nil
}

func (p *Pipeline) maybeTimeCommit() {
	p.mu.Lock()
	dueByTime := time.Since(p.lastCommit) >= p.commitInterval && p.sinceCommit > 0
	cursor := p.cursor
	p.mu.Unlock()
	if !dueByTime {
		return
	}
	hash, ok := p.chain.HashAtHeight(cursor - 1)
	if !ok {
		return
	}
	if err := p.commit(hash); err != nil {
		p.log.Error("time-based commit failed", "err", err)
	}
}

// reassignTimedOut drops in-flight requests past their deadline so
// fillWindow re-requests them on the next tick (§4.5 step 2).
func (p *Pipeline) reassignTimedOut() {
	p.mu.Lock()
	now := time.Now()
	for hash, req := range p.inFlight {
		if now.After(req.deadline) {
			delete(p.inFlight, hash)
		}
	}
	p.mu.Unlock()
	p.fillWindow()
}

// HandleReorg drops buffered blocks no longer on the trunk, unwinds the
// coin set to the fork point, and restarts requests from there (§4.5 step
// 4).
func (p *Pipeline) HandleReorg(reorg *headerchain.Reorg) {
	if reorg == nil || len(reorg.Disconnected) == 0 {
		return
	}

	forkHash := chainhash.Hash{}
	if len(reorg.Connected) > 0 {
		if h, ok := p.chain.Header(reorg.Connected[0]); ok {
			forkHash = h.PrevHash
		}
	}
	forkHeight, _ := p.chain.GetHeight(forkHash)

	p.coins.UnwindTo(forkHash)

	p.mu.Lock()
	for hash := range p.buffer {
		if _, onTrunk := p.chain.GetHeight(hash); !onTrunk {
			delete(p.buffer, hash)
		}
	}
	for hash := range p.inFlight {
		if _, onTrunk := p.chain.GetHeight(hash); !onTrunk {
			delete(p.inFlight, hash)
		}
	}
	p.cursor = forkHeight + 1
	p.mu.Unlock()

	p.fillWindow()
}
