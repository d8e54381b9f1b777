package store

import (
	"database/sql"

	"github.com/fxamacker/cbor/v2"

	"github.com/klingon-exchange/spvwallet/internal/walleterr"
)

// InstantiatedKey is a concrete scriptPubKey the wallet has already derived
// for a sub-account, together with the derivation tweak used to produce it
// (§4.1 store_master: "the actual concrete scripts and their derivation
// tweaks previously generated").
type InstantiatedKey struct {
	KeyIndex     uint32
	ScriptPubKey []byte
	Address      string
	Tweak        []byte
}

// AccountRow is one (account_number, sub_number) row: per-sub derivation
// state plus its reconstructable instantiated keys.
type AccountRow struct {
	AccountNumber    uint32
	SubNumber        uint32
	AddressType      string
	Network          string
	NextIndex        uint32
	LookAhead        uint32
	XPub             string
	InstantiatedKeys []InstantiatedKey
}

// StoreMaster replaces all account rows with the given set, one row per
// (account, sub) (§4.1 store_master).
func (s *Store) StoreMaster(accounts []AccountRow) error {
	return s.Transaction(func(tx *Tx) error {
		if _, err := tx.tx.Exec(`DELETE FROM account`); err != nil {
			return err
		}

		stmt, err := tx.tx.Prepare(`
			INSERT INTO account (
				account_number, sub_number, address_type, network,
				next_index, look_ahead, xpub, instantiated_keys
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, a := range accounts {
			encoded, err := cbor.Marshal(a.InstantiatedKeys)
			if err != nil {
				return err
			}
			if _, err := stmt.Exec(
				a.AccountNumber, a.SubNumber, a.AddressType, a.Network,
				a.NextIndex, a.LookAhead, a.XPub, encoded,
			); err != nil {
				return err
			}
		}

		return nil
	})
}

// ReadAccount reconstructs a single account, re-inflating its instantiated
// keys from their CBOR encoding (§4.1 read_account).
func (s *Store) ReadAccount(accountNumber, subNumber uint32, network string) (AccountRow, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var a AccountRow
	a.AccountNumber = accountNumber
	a.SubNumber = subNumber
	a.Network = network

	var encoded []byte
	err := s.db.QueryRow(`
		SELECT address_type, next_index, look_ahead, xpub, instantiated_keys
		FROM account WHERE account_number = ? AND sub_number = ? AND network = ?
	`, accountNumber, subNumber, network).Scan(
		&a.AddressType, &a.NextIndex, &a.LookAhead, &a.XPub, &encoded,
	)
	if err == sql.ErrNoRows {
		return AccountRow{}, false, nil
	}
	if err != nil {
		return AccountRow{}, false, walleterr.Wrap(walleterr.DB, "store.ReadAccount", err)
	}

	if len(encoded) > 0 {
		if err := cbor.Unmarshal(encoded, &a.InstantiatedKeys); err != nil {
			return AccountRow{}, false, walleterr.Wrap(walleterr.DB, "store.ReadAccount", err)
		}
	}

	return a, true, nil
}

// ReadAllAccounts returns every stored account row, for wallet rehydration
// on start.
func (s *Store) ReadAllAccounts() ([]AccountRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT account_number, sub_number, address_type, network,
		       next_index, look_ahead, xpub, instantiated_keys
		FROM account
	`)
	if err != nil {
		return nil, walleterr.Wrap(walleterr.DB, "store.ReadAllAccounts", err)
	}
	defer rows.Close()

	var out []AccountRow
	for rows.Next() {
		var a AccountRow
		var encoded []byte
		if err := rows.Scan(
			&a.AccountNumber, &a.SubNumber, &a.AddressType, &a.Network,
			&a.NextIndex, &a.LookAhead, &a.XPub, &encoded,
		); err != nil {
			return nil, walleterr.Wrap(walleterr.DB, "store.ReadAllAccounts", err)
		}
		if len(encoded) > 0 {
			if err := cbor.Unmarshal(encoded, &a.InstantiatedKeys); err != nil {
				return nil, walleterr.Wrap(walleterr.DB, "store.ReadAllAccounts", err)
			}
		}
		out = append(out, a)
	}

	return out, rows.Err()
}
