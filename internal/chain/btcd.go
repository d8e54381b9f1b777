package chain

import "github.com/btcsuite/btcd/chaincfg"

// BtcdParams returns the btcsuite chaincfg.Params for a network, used
// wherever btcd's address/script/wire code needs its own params type.
func BtcdParams(network Network) *chaincfg.Params {
	switch network {
	case Mainnet:
		return &chaincfg.MainNetParams
	case Testnet:
		return &chaincfg.TestNet3Params
	case Regtest:
		return &chaincfg.RegressionNetParams
	default:
		return &chaincfg.MainNetParams
	}
}
