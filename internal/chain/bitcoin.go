package chain

func init() {
	Register(Mainnet, &Params{
		Name:     "Bitcoin",
		Network:  Mainnet,
		CoinType: 0,

		PubKeyHashAddrID: 0x00, // 1...
		ScriptHashAddrID: 0x05, // 3...
		Bech32HRP:        "bc",
		WIF:              0x80,

		HDPrivateKeyID: [4]byte{0x04, 0x88, 0xad, 0xe4}, // xprv
		HDPublicKeyID:  [4]byte{0x04, 0x88, 0xb2, 0x1e}, // xpub
	})

	Register(Testnet, &Params{
		Name:     "Bitcoin Testnet",
		Network:  Testnet,
		CoinType: 1,

		PubKeyHashAddrID: 0x6F, // m or n
		ScriptHashAddrID: 0xC4, // 2...
		Bech32HRP:        "tb",
		WIF:              0xEF,

		HDPrivateKeyID: [4]byte{0x04, 0x35, 0x83, 0x94}, // tprv
		HDPublicKeyID:  [4]byte{0x04, 0x35, 0x87, 0xcf}, // tpub
	})

	Register(Regtest, &Params{
		Name:     "Bitcoin Regtest",
		Network:  Regtest,
		CoinType: 1,

		PubKeyHashAddrID: 0x6F,
		ScriptHashAddrID: 0xC4,
		Bech32HRP:        "bcrt",
		WIF:              0xEF,

		HDPrivateKeyID: [4]byte{0x04, 0x35, 0x83, 0x94}, // tprv
		HDPublicKeyID:  [4]byte{0x04, 0x35, 0x87, 0xcf}, // tpub
	})
}
