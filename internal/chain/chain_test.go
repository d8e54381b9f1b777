package chain

import "testing"

func TestAllNetworksRegistered(t *testing.T) {
	for _, network := range []Network{Mainnet, Testnet, Regtest} {
		if _, ok := Get(network); !ok {
			t.Errorf("expected %s to be registered", network)
		}
	}
}

func TestBitcoinMainnet(t *testing.T) {
	params, ok := Get(Mainnet)
	if !ok {
		t.Fatal("mainnet should be registered")
	}
	if params.CoinType != 0 {
		t.Errorf("CoinType = %d, want 0", params.CoinType)
	}
	if params.Bech32HRP != "bc" {
		t.Errorf("Bech32HRP = %s, want bc", params.Bech32HRP)
	}
}

func TestBitcoinTestnetAndRegtest(t *testing.T) {
	for _, network := range []Network{Testnet, Regtest} {
		params, ok := Get(network)
		if !ok {
			t.Fatalf("%s should be registered", network)
		}
		if params.CoinType != 1 {
			t.Errorf("%s CoinType = %d, want 1", network, params.CoinType)
		}
	}
	regtest, _ := Get(Regtest)
	if regtest.Bech32HRP != "bcrt" {
		t.Errorf("regtest Bech32HRP = %s, want bcrt", regtest.Bech32HRP)
	}
}

func TestDerivationPath(t *testing.T) {
	params, _ := Get(Mainnet)
	path := params.DerivationPath(DefaultPurpose(AddressP2WPKH), 0, 0, 5)
	want := []uint32{84 + 0x80000000, 0 + 0x80000000, 0 + 0x80000000, 0, 5}
	if len(path) != len(want) {
		t.Fatalf("path length = %d, want %d", len(path), len(want))
	}
	for i := range want {
		if path[i] != want[i] {
			t.Errorf("path[%d] = %d, want %d", i, path[i], want[i])
		}
	}
}

func TestFundedByDefault(t *testing.T) {
	if !AddressP2WPKH.FundedByDefault() {
		t.Error("P2WPKH should be funded by default")
	}
	if !AddressP2SHWPKH.FundedByDefault() {
		t.Error("P2SH-WPKH should be funded by default")
	}
	if AddressP2PKH.FundedByDefault() {
		t.Error("P2PKH should not be funded by default")
	}
}
