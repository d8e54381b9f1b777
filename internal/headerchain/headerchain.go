// Package headerchain implements the header-chain database (spec §4.2): an
// ordered set of block headers with cumulative-work tracking, best-chain
// ("trunk") selection, and reorg detection.
package headerchain

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Header is one stored block header: the wire header plus its cached
// cumulative work and sequence number (used to break equal-work ties in
// favor of the earlier-seen chain).
type Header struct {
	Hash             chainhash.Hash
	PrevHash         chainhash.Hash
	MerkleRoot       chainhash.Hash
	Timestamp        int64
	Bits             uint32
	Nonce            uint32
	CumulativeWork   *big.Int
	SeenOrder        uint64
}

// Reorg describes a trunk change: blocks removed from the old trunk,
// ordered from the old tip back toward the fork point, and blocks added
// from the new one, ordered from the fork point out to the new tip.
type Reorg struct {
	Disconnected []chainhash.Hash
	Connected    []chainhash.Hash
}

// Chain is the header-chain database. All headers ever accepted are kept
// (not just the trunk) so a later, higher-work fork can be re-rooted onto
// without re-downloading headers.
type Chain struct {
	mu sync.RWMutex

	headers map[chainhash.Hash]*Header
	heights map[chainhash.Hash]int32 // height within the chain it was seen on, not necessarily the trunk

	trunk     []chainhash.Hash // trunk[0] = genesis
	trunkPos  map[chainhash.Hash]int32

	seenCounter uint64
}

// New creates a header chain seeded with the given genesis header.
func New(genesis *wire.BlockHeader) *Chain {
	hash := genesis.BlockHash()
	h := &Header{
		Hash:           hash,
		PrevHash:       genesis.PrevBlock,
		MerkleRoot:     genesis.MerkleRoot,
		Timestamp:      genesis.Timestamp.Unix(),
		Bits:           genesis.Bits,
		Nonce:          genesis.Nonce,
		CumulativeWork: blockchain.CalcWork(genesis.Bits),
	}

	c := &Chain{
		headers:  map[chainhash.Hash]*Header{hash: h},
		heights:  map[chainhash.Hash]int32{hash: 0},
		trunk:    []chainhash.Hash{hash},
		trunkPos: map[chainhash.Hash]int32{hash: 0},
	}
	return c
}

// BestHash returns the trunk tip.
func (c *Chain) BestHash() chainhash.Hash {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.trunk[len(c.trunk)-1]
}

// Len returns the trunk length (genesis counts as 1).
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.trunk)
}

// GetHeight returns the trunk height of a hash, if it is on the trunk.
func (c *Chain) GetHeight(hash chainhash.Hash) (int32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.trunkPos[hash]
	return h, ok
}

// HashAtHeight returns the trunk hash at a given height, if in range.
func (c *Chain) HashAtHeight(height int32) (chainhash.Hash, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if height < 0 || int(height) >= len(c.trunk) {
		return chainhash.Hash{}, false
	}
	return c.trunk[height], true
}

// Header returns the stored header for a hash, trunk or not.
func (c *Chain) Header(hash chainhash.Hash) (*Header, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.headers[hash]
	return h, ok
}

// IterTrunkRev calls fn for every trunk hash from from (or the tip, if from
// is not on the trunk) back to and including genesis, in descending height
// order. It stops early if fn returns false.
func (c *Chain) IterTrunkRev(from chainhash.Hash, fn func(hash chainhash.Hash, height int32) bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	startPos, ok := c.trunkPos[from]
	if !ok {
		startPos = int32(len(c.trunk)) - 1
	}
	for i := startPos; i >= 0; i-- {
		if !fn(c.trunk[i], i) {
			return
		}
	}
}

// Accept adds a header to the database. If the new chain it extends now has
// more cumulative work than the current trunk, the trunk is re-rooted and
// the resulting reorg (possibly empty) is returned.
func (c *Chain) Accept(header *wire.BlockHeader) (*Reorg, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	hash := header.BlockHash()
	if _, exists := c.headers[hash]; exists {
		return nil, nil
	}

	prev, ok := c.headers[header.PrevBlock]
	if !ok {
		return nil, fmt.Errorf("orphan header %s: predecessor %s not known", hash, header.PrevBlock)
	}

	work := new(big.Int).Add(prev.CumulativeWork, blockchain.CalcWork(header.Bits))
	c.seenCounter++

	h := &Header{
		Hash:           hash,
		PrevHash:       header.PrevBlock,
		MerkleRoot:     header.MerkleRoot,
		Timestamp:      header.Timestamp.Unix(),
		Bits:           header.Bits,
		Nonce:          header.Nonce,
		CumulativeWork: work,
		SeenOrder:      c.seenCounter,
	}
	c.headers[hash] = h
	c.heights[hash] = c.heights[header.PrevBlock] + 1

	return c.maybeReorg(h), nil
}

// maybeReorg re-evaluates whether h's chain should become the trunk. Ties on
// cumulative work favor the earlier-seen chain (lower SeenOrder at the tip).
func (c *Chain) maybeReorg(h *Header) *Reorg {
	currentTip := c.headers[c.trunk[len(c.trunk)-1]]

	cmp := h.CumulativeWork.Cmp(currentTip.CumulativeWork)
	if cmp < 0 {
		return nil
	}
	if cmp == 0 && h.SeenOrder >= currentTip.SeenOrder {
		return nil
	}

	// Walk back from h to find the fork point with the current trunk.
	newChain := []chainhash.Hash{h.Hash}
	cursor := h
	for {
		if pos, onTrunk := c.trunkPos[cursor.PrevHash]; onTrunk {
			forkPos := pos
			// Reverse newChain into root-to-tip order.
			for i, j := 0, len(newChain)-1; i < j; i, j = i+1, j-1 {
				newChain[i], newChain[j] = newChain[j], newChain[i]
			}

			disconnected := make([]chainhash.Hash, 0, len(c.trunk)-int(forkPos)-1)
			for i := len(c.trunk) - 1; i > int(forkPos); i-- {
				disconnected = append(disconnected, c.trunk[i])
				delete(c.trunkPos, c.trunk[i])
			}

			newTrunk := append([]chainhash.Hash{}, c.trunk[:forkPos+1]...)
			newTrunk = append(newTrunk, newChain...)
			c.trunk = newTrunk
			for i, hash := range c.trunk {
				c.trunkPos[hash] = int32(i)
			}

			return &Reorg{Disconnected: disconnected, Connected: newChain}
		}

		prevHeader, ok := c.headers[cursor.PrevHash]
		if !ok {
			// Should not happen: Accept requires known predecessors.
			return nil
		}
		newChain = append(newChain, cursor.PrevHash)
		cursor = prevHeader
	}
}
