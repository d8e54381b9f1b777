package store

import (
	"database/sql"

	"github.com/klingon-exchange/spvwallet/internal/walleterr"
)

// TxOutRow is a row of the unconfirmed-transactions table, keyed by txid:
// the wallet's own outstanding broadcasts plus incoming unconfirmed
// transactions the P2P layer has decided to track (§3).
type TxOutRow struct {
	TxID               string
	RawTx              []byte
	ConfirmedBlockHash string // empty when unconfirmed
	FundingAccount     uint32
	FundingSub         uint32
	FundingIndex       uint32
	HasFundingMeta     bool
}

// StoreTxOut records a transaction the wallet cares about, optionally
// tagged with funding metadata (which sub-account address derived the
// change output, so a later rescan can re-attribute it) (§4.1 store_txout).
func (s *Store) StoreTxOut(row TxOutRow) error {
	return s.Transaction(func(tx *Tx) error {
		var confirmed sql.NullString
		if row.ConfirmedBlockHash != "" {
			confirmed = sql.NullString{String: row.ConfirmedBlockHash, Valid: true}
		}

		var fundingAccount, fundingSub, fundingIndex sql.NullInt64
		if row.HasFundingMeta {
			fundingAccount = sql.NullInt64{Int64: int64(row.FundingAccount), Valid: true}
			fundingSub = sql.NullInt64{Int64: int64(row.FundingSub), Valid: true}
			fundingIndex = sql.NullInt64{Int64: int64(row.FundingIndex), Valid: true}
		}

		_, err := tx.tx.Exec(`
			INSERT INTO txout (txid, raw_tx, confirmed_block_hash, funding_account, funding_sub, funding_index)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(txid) DO UPDATE SET
				raw_tx = excluded.raw_tx,
				confirmed_block_hash = COALESCE(excluded.confirmed_block_hash, txout.confirmed_block_hash),
				funding_account = COALESCE(excluded.funding_account, txout.funding_account),
				funding_sub = COALESCE(excluded.funding_sub, txout.funding_sub),
				funding_index = COALESCE(excluded.funding_index, txout.funding_index)
		`, row.TxID, row.RawTx, confirmed, fundingAccount, fundingSub, fundingIndex)
		return err
	})
}

// ReadUnconfirmed returns every txout row with a null confirmation (§4.1
// read_unconfirmed).
func (s *Store) ReadUnconfirmed() ([]TxOutRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT txid, raw_tx, funding_account, funding_sub, funding_index
		FROM txout WHERE confirmed_block_hash IS NULL
	`)
	if err != nil {
		return nil, walleterr.Wrap(walleterr.DB, "store.ReadUnconfirmed", err)
	}
	defer rows.Close()

	var out []TxOutRow
	for rows.Next() {
		var r TxOutRow
		var fundingAccount, fundingSub, fundingIndex sql.NullInt64
		if err := rows.Scan(&r.TxID, &r.RawTx, &fundingAccount, &fundingSub, &fundingIndex); err != nil {
			return nil, walleterr.Wrap(walleterr.DB, "store.ReadUnconfirmed", err)
		}
		if fundingAccount.Valid {
			r.HasFundingMeta = true
			r.FundingAccount = uint32(fundingAccount.Int64)
			r.FundingSub = uint32(fundingSub.Int64)
			r.FundingIndex = uint32(fundingIndex.Int64)
		}
		out = append(out, r)
	}

	return out, rows.Err()
}
