package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "spvwallet-store-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	s, err := New(&Config{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewCreatesDatabaseFile(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "spvwallet-store-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	s, err := New(&Config{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer s.Close()

	dbPath := filepath.Join(tmpDir, "wallet.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()
	expanded := expandPath("~/.spvwallet")
	expected := filepath.Join(home, ".spvwallet")
	if expanded != expected {
		t.Errorf("expandPath(~/.spvwallet) = %s, want %s", expanded, expected)
	}
}

func TestReadOrCreateSeedIsStable(t *testing.T) {
	s := newTestStore(t)

	first, err := s.ReadOrCreateSeed()
	if err != nil {
		t.Fatalf("ReadOrCreateSeed() error = %v", err)
	}
	if first.K0 == 0 && first.K1 == 0 {
		t.Error("expected a non-zero seed")
	}

	second, err := s.ReadOrCreateSeed()
	if err != nil {
		t.Fatalf("ReadOrCreateSeed() second call error = %v", err)
	}
	if second != first {
		t.Errorf("seed changed across reads: %+v != %+v", first, second)
	}
}

func TestStoreAddressEvictionPolicy(t *testing.T) {
	s := newTestStore(t)
	seed, err := s.ReadOrCreateSeed()
	if err != nil {
		t.Fatalf("ReadOrCreateSeed() error = %v", err)
	}

	// Force a collision by reusing the same slot: find two IPs that hash to
	// the same slot is impractical in a unit test, so instead exercise the
	// policy directly via repeated inserts of the same IP (never evicted,
	// always refreshed).
	addr := PeerAddress{Network: "mainnet", IP: "203.0.113.1:8333", LastSeen: time.Now()}
	if err := s.StoreAddress(seed, addr); err != nil {
		t.Fatalf("StoreAddress() error = %v", err)
	}

	later := PeerAddress{Network: "mainnet", IP: "203.0.113.1:8333", LastSeen: time.Now().Add(time.Hour)}
	if err := s.StoreAddress(seed, later); err != nil {
		t.Fatalf("StoreAddress() refresh error = %v", err)
	}

	got, ok, err := s.GetAnAddress("mainnet", nil)
	if err != nil {
		t.Fatalf("GetAnAddress() error = %v", err)
	}
	if !ok {
		t.Fatal("expected an address to be returned")
	}
	if got.IP != addr.IP {
		t.Errorf("IP = %s, want %s", got.IP, addr.IP)
	}
}

func TestGetAnAddressExcludesBanned(t *testing.T) {
	s := newTestStore(t)
	seed, err := s.ReadOrCreateSeed()
	if err != nil {
		t.Fatalf("ReadOrCreateSeed() error = %v", err)
	}

	banned := PeerAddress{
		Network:     "mainnet",
		IP:          "198.51.100.1:8333",
		LastSeen:    time.Now(),
		BannedUntil: time.Now().Add(12 * time.Hour),
	}
	if err := s.StoreAddress(seed, banned); err != nil {
		t.Fatalf("StoreAddress() error = %v", err)
	}

	_, ok, err := s.GetAnAddress("mainnet", nil)
	if err != nil {
		t.Fatalf("GetAnAddress() error = %v", err)
	}
	if ok {
		t.Error("expected no eligible address, the only entry is banned")
	}
}

func TestStoreAndReadCoins(t *testing.T) {
	s := newTestStore(t)

	coins := []CoinRow{
		{
			TxID: "a" + coinTxIDFiller, Vout: 0, Value: 100000,
			ScriptPubKey: []byte{0x00, 0x14}, AccountNumber: 0, SubNumber: 0, KeyIndex: 1,
			RawTx: []byte{0x01}, BlockHash: "block1", MerklePath: []byte{0x02},
		},
	}
	if err := s.StoreCoins(coins); err != nil {
		t.Fatalf("StoreCoins() error = %v", err)
	}

	got, err := s.ReadCoins()
	if err != nil {
		t.Fatalf("ReadCoins() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len(got) = %d, want 1", len(got))
	}
	if got[0].Value != 100000 {
		t.Errorf("Value = %d, want 100000", got[0].Value)
	}
}

const coinTxIDFiller = "1111111111111111111111111111111111111111111111111111111111111"

func TestStoreMasterAndReadAccount(t *testing.T) {
	s := newTestStore(t)

	accounts := []AccountRow{
		{
			AccountNumber: 0, SubNumber: 0, AddressType: "P2WPKH", Network: "mainnet",
			NextIndex: 3, LookAhead: 10, XPub: "xpub-test",
			InstantiatedKeys: []InstantiatedKey{
				{KeyIndex: 0, ScriptPubKey: []byte{0x00, 0x14, 0x01}},
				{KeyIndex: 1, ScriptPubKey: []byte{0x00, 0x14, 0x02}},
			},
		},
	}
	if err := s.StoreMaster(accounts); err != nil {
		t.Fatalf("StoreMaster() error = %v", err)
	}

	got, ok, err := s.ReadAccount(0, 0, "mainnet")
	if err != nil {
		t.Fatalf("ReadAccount() error = %v", err)
	}
	if !ok {
		t.Fatal("expected account to be found")
	}
	if got.NextIndex != 3 {
		t.Errorf("NextIndex = %d, want 3", got.NextIndex)
	}
	if len(got.InstantiatedKeys) != 2 {
		t.Fatalf("len(InstantiatedKeys) = %d, want 2", len(got.InstantiatedKeys))
	}
}

func TestRescanClearsCoinsAndTxout(t *testing.T) {
	s := newTestStore(t)

	if err := s.StoreCoins([]CoinRow{{TxID: "x", Vout: 0, RawTx: []byte{0x01}, BlockHash: "b1", MerklePath: []byte{0x02}}}); err != nil {
		t.Fatalf("StoreCoins() error = %v", err)
	}
	if err := s.StoreTxOut(TxOutRow{TxID: "y", RawTx: []byte{0x03}}); err != nil {
		t.Fatalf("StoreTxOut() error = %v", err)
	}

	if err := s.Rescan("genesis"); err != nil {
		t.Fatalf("Rescan() error = %v", err)
	}

	coins, err := s.ReadCoins()
	if err != nil {
		t.Fatalf("ReadCoins() error = %v", err)
	}
	if len(coins) != 0 {
		t.Errorf("len(coins) = %d, want 0 after rescan", len(coins))
	}

	marker, err := s.ReadProcessedMarker()
	if err != nil {
		t.Fatalf("ReadProcessedMarker() error = %v", err)
	}
	if marker != "genesis" {
		t.Errorf("marker = %s, want genesis", marker)
	}
}

func TestStoreTxOutMarksConfirmedOnCoinsWrite(t *testing.T) {
	s := newTestStore(t)

	if err := s.StoreTxOut(TxOutRow{TxID: "txA", RawTx: []byte{0x01}}); err != nil {
		t.Fatalf("StoreTxOut() error = %v", err)
	}

	unconfirmed, err := s.ReadUnconfirmed()
	if err != nil {
		t.Fatalf("ReadUnconfirmed() error = %v", err)
	}
	if len(unconfirmed) != 1 {
		t.Fatalf("len(unconfirmed) = %d, want 1", len(unconfirmed))
	}

	coin := CoinRow{TxID: "txA", Vout: 0, RawTx: []byte{0x01}, BlockHash: "blockA", MerklePath: []byte{0x02}}
	if err := s.StoreCoins([]CoinRow{coin}); err != nil {
		t.Fatalf("StoreCoins() error = %v", err)
	}

	unconfirmed, err = s.ReadUnconfirmed()
	if err != nil {
		t.Fatalf("ReadUnconfirmed() error = %v", err)
	}
	if len(unconfirmed) != 0 {
		t.Errorf("len(unconfirmed) = %d, want 0 once txA is confirmed", len(unconfirmed))
	}
}
