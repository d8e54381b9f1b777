// Package coinset is the wallet's authoritative view of confirmed UTXOs and
// unconfirmed effects (spec §4.4): proof-carrying coins, reorg-safe
// mutation via a per-block journal, and the balance queries the control
// surface exposes.
package coinset

import (
	"bytes"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/spvwallet/internal/wallet"
)

// Proof ties a coin to the block that confirmed it.
type Proof struct {
	BlockHash  chainhash.Hash
	MerklePath [][]byte
	TxIndex    uint32
}

// Coin is a confirmed UTXO owned by the wallet.
type Coin struct {
	Outpoint     wire.OutPoint
	Value        uint64
	ScriptPubKey []byte
	Derivation   wallet.Derivation
	RawTx        []byte
	Proof        Proof
}

// phantomSpend records an unconfirmed transaction's effect on a coin so
// available_balance can exclude it while confirmed_balance does not (§4.4).
type phantomSpend struct {
	outpoint wire.OutPoint
	txid     chainhash.Hash
}

// journalEntry is a per-block delta: which coins were added and which were
// removed, so unwind_to can invert exactly one block at a time without
// rescanning the whole wallet (§9 reorg journaling).
type journalEntry struct {
	blockHash chainhash.Hash
	added     []wire.OutPoint
	removed   []Coin
}

// Set is the coin set. Readers take a shared lock; the block pipeline and
// transaction builder (which adds unconfirmed spends) take an exclusive
// lock (§3 ownership).
type Set struct {
	mu sync.RWMutex

	confirmed map[wire.OutPoint]Coin
	spends    []phantomSpend          // unconfirmed spends of confirmed coins
	pending   map[chainhash.Hash]bool // unconfirmed txids with pending receives

	journal []journalEntry
}

// New returns an empty coin set.
func New() *Set {
	return &Set{
		confirmed: make(map[wire.OutPoint]Coin),
		pending:   make(map[chainhash.Hash]bool),
	}
}

// AddConfirmed inserts a coin, idempotent on an identical proof (§4.4
// add_confirmed).
func (s *Set) AddConfirmed(c Coin) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.confirmed[c.Outpoint]; ok && existing.Proof.BlockHash == c.Proof.BlockHash {
		return
	}
	s.confirmed[c.Outpoint] = c
}

// Balance returns the sum of all confirmed coin values.
func (s *Set) Balance() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total uint64
	for _, c := range s.confirmed {
		total += c.Value
	}
	return total
}

// AvailableBalance sums coins whose csv lock, if any, is satisfied at
// trunkLen - heightOf(confirming block), and excludes coins with a pending
// (unconfirmed) spend (§4.3 available_balance).
func (s *Set) AvailableBalance(trunkLen int32, heightOf func(chainhash.Hash) (int32, bool)) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	spent := make(map[wire.OutPoint]bool, len(s.spends))
	for _, ph := range s.spends {
		spent[ph.outpoint] = true
	}

	var total uint64
	for op, c := range s.confirmed {
		if spent[op] {
			continue
		}
		if c.Derivation.CSV > 0 {
			height, ok := heightOf(c.Proof.BlockHash)
			if !ok {
				continue
			}
			depth := trunkLen - height
			if depth < int32(c.Derivation.CSV) {
				continue
			}
		}
		total += c.Value
	}
	return total
}

// SpendableCoins returns every confirmed coin not currently phantom-spent,
// for the transaction builder's coin selection.
func (s *Set) SpendableCoins() []Coin {
	s.mu.RLock()
	defer s.mu.RUnlock()

	spent := make(map[wire.OutPoint]bool, len(s.spends))
	for _, ph := range s.spends {
		spent[ph.outpoint] = true
	}

	out := make([]Coin, 0, len(s.confirmed))
	for op, c := range s.confirmed {
		if !spent[op] {
			out = append(out, c)
		}
	}
	return out
}

// ClassifyFunc recognises whether a scriptPubKey belongs to the wallet;
// implemented by Wallet.ClassifyScript, passed in rather than held as a
// back-pointer (§9: cyclic references between coin set and wallet).
type ClassifyFunc func(script []byte) (wallet.Derivation, bool)

// ProcessBlock folds one block's transactions into the coin set: spent
// confirmed coins are removed (recorded in the journal), and outputs
// matching the wallet's watch set are added as new confirmed coins (§4.4
// process_block).
func (s *Set) ProcessBlock(blockHash chainhash.Hash, block *wire.MsgBlock, classify ClassifyFunc) (matched []chainhash.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := journalEntry{blockHash: blockHash}

	for txIndex, tx := range block.Transactions {
		txHash := tx.TxHash()
		txMatched := false

		for _, in := range tx.TxIn {
			if c, ok := s.confirmed[in.PreviousOutPoint]; ok {
				entry.removed = append(entry.removed, c)
				delete(s.confirmed, in.PreviousOutPoint)
				txMatched = true
			}
		}

		for voutIdx, out := range tx.TxOut {
			d, ok := classify(out.PkScript)
			if !ok {
				continue
			}
			op := wire.OutPoint{Hash: txHash, Index: uint32(voutIdx)}
			c := Coin{
				Outpoint:     op,
				Value:        uint64(out.Value),
				ScriptPubKey: out.PkScript,
				Derivation:   d,
				Proof: Proof{
					BlockHash: blockHash,
					TxIndex:   uint32(txIndex),
				},
			}
			s.confirmed[op] = c
			entry.added = append(entry.added, op)
			txMatched = true
		}

		if txMatched {
			matched = append(matched, txHash)
			delete(s.pending, txHash)
			s.removePhantomSpendsForTx(txHash)
		}
	}

	if len(entry.added) > 0 || len(entry.removed) > 0 {
		s.journal = append(s.journal, entry)
	}

	return matched
}

// ProcessUnconfirmedTransaction applies tx's effect on the unconfirmed
// view: inputs spending confirmed coins are recorded as phantom spends, and
// matched outputs are tracked as pending (§4.4 process_unconfirmed_transaction).
func (s *Set) ProcessUnconfirmedTransaction(tx *wire.MsgTx, classify ClassifyFunc) (matched bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	txHash := tx.TxHash()

	for _, in := range tx.TxIn {
		if _, ok := s.confirmed[in.PreviousOutPoint]; ok {
			s.spends = append(s.spends, phantomSpend{outpoint: in.PreviousOutPoint, txid: txHash})
			matched = true
		}
	}

	for _, out := range tx.TxOut {
		if _, ok := classify(out.PkScript); ok {
			s.pending[txHash] = true
			matched = true
		}
	}

	return matched
}

func (s *Set) removePhantomSpendsForTx(txHash chainhash.Hash) {
	kept := s.spends[:0]
	for _, ph := range s.spends {
		if ph.txid != txHash {
			kept = append(kept, ph)
		}
	}
	s.spends = kept
}

// UnwindTo inverts journal entries for every block newer than blockHash,
// restoring removed coins and dropping added ones (§4.4 unwind_to).
func (s *Set) UnwindTo(blockHash chainhash.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.journal) > 0 {
		last := s.journal[len(s.journal)-1]
		if last.blockHash == blockHash {
			break
		}
		for _, op := range last.added {
			delete(s.confirmed, op)
		}
		for _, c := range last.removed {
			s.confirmed[c.Outpoint] = c
		}
		s.journal = s.journal[:len(s.journal)-1]
	}
}

// ScriptsEqual is a small helper retained for callers comparing raw scripts
// without pulling in bytes.Equal at every call site.
func ScriptsEqual(a, b []byte) bool { return bytes.Equal(a, b) }
