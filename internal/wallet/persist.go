package wallet

import (
	"github.com/klingon-exchange/spvwallet/internal/chain"
	"github.com/klingon-exchange/spvwallet/internal/store"
)

// RowsToStoredAccounts converts persisted account rows into the form
// FromStorage expects, bridging the store's CBOR-friendly InstantiatedKey
// to the wallet's Key.
func RowsToStoredAccounts(rows []store.AccountRow) []StoredAccount {
	out := make([]StoredAccount, 0, len(rows))
	for _, r := range rows {
		keys := make([]Key, 0, len(r.InstantiatedKeys))
		for _, k := range r.InstantiatedKeys {
			keys = append(keys, Key{Index: k.KeyIndex, ScriptPubKey: k.ScriptPubKey, Address: k.Address, Tweak: k.Tweak})
		}
		out = append(out, StoredAccount{
			AccountNumber: r.AccountNumber,
			SubNumber:     r.SubNumber,
			AddressType:   chain.AddressType(r.AddressType),
			XPub:          r.XPub,
			NextIndex:     r.NextIndex,
			LookAhead:     r.LookAhead,
			Keys:          keys,
		})
	}
	return out
}

// SnapshotsToRows converts a wallet's account snapshot into rows for
// store_master.
func SnapshotsToRows(accounts []AccountSnapshot, network chain.Network) []store.AccountRow {
	out := make([]store.AccountRow, 0, len(accounts))
	for _, a := range accounts {
		keys := make([]store.InstantiatedKey, 0, len(a.Keys))
		for _, k := range a.Keys {
			keys = append(keys, store.InstantiatedKey{KeyIndex: k.Index, ScriptPubKey: k.ScriptPubKey, Address: k.Address, Tweak: k.Tweak})
		}
		out = append(out, store.AccountRow{
			AccountNumber:    a.AccountNumber,
			SubNumber:        a.SubNumber,
			AddressType:      string(a.AddressType),
			Network:          string(network),
			NextIndex:        a.NextIndex,
			LookAhead:        a.LookAhead,
			XPub:             a.XPub,
			InstantiatedKeys: keys,
		})
	}
	return out
}
