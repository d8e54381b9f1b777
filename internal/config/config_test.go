package config

import (
	"testing"

	"github.com/klingon-exchange/spvwallet/internal/chain"
)

func sampleConfig() *Config {
	return &Config{
		EncryptedWalletKey: "deadbeef",
		KeyRoot:            "tpubXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXXX",
		LookAhead:          10,
		Birth:              1700000000,
		Network:            chain.Regtest,
		BitcoinPeers:       nil,
		BitcoinConnections: 8,
		BitcoinDiscovery:   true,
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := sampleConfig()

	if err := Save(dir, chain.Regtest, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := Load(dir, chain.Regtest)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if got.EncryptedWalletKey != cfg.EncryptedWalletKey ||
		got.KeyRoot != cfg.KeyRoot ||
		got.LookAhead != cfg.LookAhead ||
		got.Birth != cfg.Birth ||
		got.Network != cfg.Network ||
		got.BitcoinConnections != cfg.BitcoinConnections ||
		got.BitcoinDiscovery != cfg.BitcoinDiscovery {
		t.Errorf("Load() = %+v, want %+v", got, cfg)
	}
	if len(got.BitcoinPeers) != 0 {
		t.Errorf("BitcoinPeers = %v, want empty", got.BitcoinPeers)
	}
}

func TestExists(t *testing.T) {
	dir := t.TempDir()
	if Exists(dir, chain.Regtest) {
		t.Fatal("Exists() = true before Save")
	}
	if err := Save(dir, chain.Regtest, sampleConfig()); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if !Exists(dir, chain.Regtest) {
		t.Fatal("Exists() = false after Save")
	}
}

func TestUpdateThenRemove(t *testing.T) {
	dir := t.TempDir()
	if err := Save(dir, chain.Regtest, sampleConfig()); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	peers := []string{"127.0.0.1:18333", "10.0.0.10:18333"}
	updated, err := Update(dir, chain.Regtest, peers, 3, true)
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if len(updated.BitcoinPeers) != 2 || updated.BitcoinConnections != 3 || !updated.BitcoinDiscovery {
		t.Errorf("Update() = %+v, want peers=%v connections=3 discovery=true", updated, peers)
	}

	removed, err := Remove(dir, chain.Regtest)
	if err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if len(removed.BitcoinPeers) != 2 || removed.BitcoinConnections != 3 || !removed.BitcoinDiscovery {
		t.Errorf("Remove() returned %+v, want the pre-removal config with updated peers", removed)
	}
	if Exists(dir, chain.Regtest) {
		t.Error("Exists() = true after Remove")
	}
}

func TestLoadMissingFileReturnsIOError(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(dir, chain.Regtest); err == nil {
		t.Fatal("Load() on a missing file: expected an error")
	}
}
