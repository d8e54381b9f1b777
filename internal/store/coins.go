package store

import (
	"database/sql"

	"github.com/klingon-exchange/spvwallet/internal/walleterr"
)

// CoinRow is the on-disk form of a confirmed coin (§3): an outpoint, its
// value and scriptPubKey, derivation metadata, and a proof (the owning raw
// transaction, the confirming block hash, and a Merkle path to that block's
// tx root).
type CoinRow struct {
	TxID          string
	Vout          uint32
	Value         uint64
	ScriptPubKey  []byte
	AccountNumber uint32
	SubNumber     uint32
	KeyIndex      uint32
	Tweak         []byte
	CSV           uint32
	RawTx         []byte
	BlockHash     string
	MerklePath    []byte
}

// StoreCoins truncates and rewrites the confirmed coin set, then marks each
// unconfirmed txout row confirmed when its txid is now proven (§4.1
// store_coins).
func (s *Store) StoreCoins(coins []CoinRow) error {
	return s.Transaction(func(tx *Tx) error {
		if _, err := tx.tx.Exec(`DELETE FROM coins`); err != nil {
			return err
		}

		stmt, err := tx.tx.Prepare(`
			INSERT INTO coins (
				txid, vout, value, script_pubkey,
				account_number, sub_number, key_index, tweak, csv,
				raw_tx, block_hash, merkle_path
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, c := range coins {
			if _, err := stmt.Exec(
				c.TxID, c.Vout, int64(c.Value), c.ScriptPubKey,
				c.AccountNumber, c.SubNumber, c.KeyIndex, c.Tweak, c.CSV,
				c.RawTx, c.BlockHash, c.MerklePath,
			); err != nil {
				return err
			}

			if _, err := tx.tx.Exec(
				`UPDATE txout SET confirmed_block_hash = ? WHERE txid = ? AND confirmed_block_hash IS NULL`,
				c.BlockHash, c.TxID,
			); err != nil {
				return err
			}
		}

		return nil
	})
}

// ReadCoins loads the confirmed coin set.
func (s *Store) ReadCoins() ([]CoinRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT txid, vout, value, script_pubkey,
		       account_number, sub_number, key_index, tweak, csv,
		       raw_tx, block_hash, merkle_path
		FROM coins
	`)
	if err != nil {
		return nil, walleterr.Wrap(walleterr.DB, "store.ReadCoins", err)
	}
	defer rows.Close()

	var out []CoinRow
	for rows.Next() {
		var c CoinRow
		var value int64
		var tweak sql.NullString
		if err := rows.Scan(
			&c.TxID, &c.Vout, &value, &c.ScriptPubKey,
			&c.AccountNumber, &c.SubNumber, &c.KeyIndex, &tweak, &c.CSV,
			&c.RawTx, &c.BlockHash, &c.MerklePath,
		); err != nil {
			return nil, walleterr.Wrap(walleterr.DB, "store.ReadCoins", err)
		}
		c.Value = uint64(value)
		if tweak.Valid {
			c.Tweak = []byte(tweak.String)
		}
		out = append(out, c)
	}

	return out, rows.Err()
}

// Rescan clears coins and unconfirmed txouts and parks the processed
// marker at afterBlock, per §4.1.
func (s *Store) Rescan(afterBlock string) error {
	return s.Transaction(func(tx *Tx) error {
		if _, err := tx.tx.Exec(`DELETE FROM coins`); err != nil {
			return err
		}
		if _, err := tx.tx.Exec(`DELETE FROM txout`); err != nil {
			return err
		}
		_, err := tx.tx.Exec(`
			INSERT INTO processed (id, block_hash) VALUES (0, ?)
			ON CONFLICT(id) DO UPDATE SET block_hash = excluded.block_hash
		`, afterBlock)
		return err
	})
}

// ReadProcessedMarker returns the hash of the deepest block whose
// transactions have been folded into the coin set, or "" before first sync.
func (s *Store) ReadProcessedMarker() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var hash sql.NullString
	err := s.db.QueryRow(`SELECT block_hash FROM processed WHERE id = 0`).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", walleterr.Wrap(walleterr.DB, "store.ReadProcessedMarker", err)
	}
	if !hash.Valid {
		return "", nil
	}
	return hash.String, nil
}

// StoreProcessedMarker atomically advances the processed-block marker. It
// must be called in the same transaction as the coin delta that produced it
// (§9: reorg journaling).
func (tx *Tx) StoreProcessedMarker(blockHash string) error {
	_, err := tx.tx.Exec(`
		INSERT INTO processed (id, block_hash) VALUES (0, ?)
		ON CONFLICT(id) DO UPDATE SET block_hash = excluded.block_hash
	`, blockHash)
	return err
}

// StoreCoinsInTx is StoreCoins scoped to an existing transaction, for
// callers (the block pipeline) that must update the coin set and the
// processed marker atomically.
func (tx *Tx) StoreCoinsInTx(coins []CoinRow) error {
	if _, err := tx.tx.Exec(`DELETE FROM coins`); err != nil {
		return err
	}
	stmt, err := tx.tx.Prepare(`
		INSERT INTO coins (
			txid, vout, value, script_pubkey,
			account_number, sub_number, key_index, tweak, csv,
			raw_tx, block_hash, merkle_path
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, c := range coins {
		if _, err := stmt.Exec(
			c.TxID, c.Vout, int64(c.Value), c.ScriptPubKey,
			c.AccountNumber, c.SubNumber, c.KeyIndex, c.Tweak, c.CSV,
			c.RawTx, c.BlockHash, c.MerklePath,
		); err != nil {
			return err
		}

		if _, err := tx.tx.Exec(
			`UPDATE txout SET confirmed_block_hash = ? WHERE txid = ? AND confirmed_block_hash IS NULL`,
			c.BlockHash, c.TxID,
		); err != nil {
			return err
		}
	}
	return nil
}
