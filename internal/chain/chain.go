// Package chain defines Bitcoin network parameters and BIP44-style
// derivation paths. The wallet core only ever talks to Bitcoin.
package chain

// Network selects which Bitcoin network the wallet operates on.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
	Regtest Network = "regtest"
)

// AddressType is the scriptPubKey encoding used for a derived key.
type AddressType string

const (
	AddressP2PKH    AddressType = "p2pkh"     // legacy (1...)
	AddressP2SHWPKH AddressType = "p2sh-wpkh" // nested segwit (3...)
	AddressP2WPKH   AddressType = "p2wpkh"    // native segwit (bc1q...)
)

// FundedByDefault reports whether new accounts issue this address type by
// default (spec.md §3: "only P2WPKH and P2SH-WPKH are funded by default").
func (t AddressType) FundedByDefault() bool {
	return t == AddressP2WPKH || t == AddressP2SHWPKH
}

// DefaultPurpose returns the BIP44/49/84 purpose field for an address type.
func DefaultPurpose(t AddressType) uint32 {
	switch t {
	case AddressP2PKH:
		return 44
	case AddressP2SHWPKH:
		return 49
	default:
		return 84
	}
}

// Params describes one network's consensus and encoding constants.
type Params struct {
	Name     string
	Network  Network
	CoinType uint32 // BIP44 coin type: 0 mainnet, 1 testnet/regtest

	PubKeyHashAddrID byte
	ScriptHashAddrID byte
	Bech32HRP        string
	WIF              byte

	HDPrivateKeyID [4]byte
	HDPublicKeyID  [4]byte
}

// DerivationPath returns m/purpose'/coin'/account'/change/index.
func (p *Params) DerivationPath(purpose, account, change, index uint32) []uint32 {
	const hardened = 0x80000000
	return []uint32{
		purpose + hardened,
		p.CoinType + hardened,
		account + hardened,
		change,
		index,
	}
}

// DerivationPathString renders the path for logging/diagnostics.
func (p *Params) DerivationPathString(purpose, account, change, index uint32) string {
	return "m/" + itoa(purpose) + "'/" + itoa(p.CoinType) + "'/" +
		itoa(account) + "'/" + itoa(change) + "/" + itoa(index)
}

func itoa(n uint32) string {
	if n == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

var registry = make(map[Network]*Params)

// Register adds network params to the registry; called from init() in
// bitcoin.go for each supported network.
func Register(network Network, params *Params) {
	registry[network] = params
}

// Get returns the params for a network.
func Get(network Network) (*Params, bool) {
	p, ok := registry[network]
	return p, ok
}
