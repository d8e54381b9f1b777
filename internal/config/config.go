// Package config loads and persists the wallet node's on-disk TOML
// configuration file (spec §6): the encrypted wallet key, key root, BIP-44
// look-ahead, birth time, network, and Bitcoin P2P settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"github.com/klingon-exchange/spvwallet/internal/chain"
	"github.com/klingon-exchange/spvwallet/internal/walleterr"
)

// FileName is the config file's name within <work_dir>/<network>/.
const FileName = "spvwallet.cfg"

// Config is the on-disk wallet configuration.
type Config struct {
	EncryptedWalletKey string        `toml:"encryptedwalletkey"`
	KeyRoot            string        `toml:"keyroot"`
	LookAhead          uint32        `toml:"lookahead"`
	Birth              uint64        `toml:"birth"`
	Network            chain.Network `toml:"network"`
	BitcoinPeers       []string      `toml:"bitcoin_peers"`
	BitcoinConnections uint          `toml:"bitcoin_connections"`
	BitcoinDiscovery   bool          `toml:"bitcoin_discovery"`
}

// Path returns the config file path for a work directory and network.
func Path(workDir string, network chain.Network) string {
	return filepath.Join(workDir, string(network), FileName)
}

// Exists reports whether a config file is already present, used by
// init_config's no-op check (§4.8).
func Exists(workDir string, network chain.Network) bool {
	_, err := os.Stat(Path(workDir, network))
	return err == nil
}

// Load reads and decodes the config file for a work directory and network.
func Load(workDir string, network chain.Network) (*Config, error) {
	data, err := os.ReadFile(Path(workDir, network))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, walleterr.Wrap(walleterr.IO, "config.Load", walleterr.ErrConfigMissing)
		}
		return nil, walleterr.Wrap(walleterr.IO, "config.Load", err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, walleterr.Wrap(walleterr.ConfigDecode, "config.Load", err)
	}
	return &cfg, nil
}

// Save writes the config file, creating <work_dir>/<network>/ if needed.
func Save(workDir string, network chain.Network, cfg *Config) error {
	if err := validateNetwork(network); err != nil {
		return walleterr.Wrap(walleterr.Unsupported, "config.Save", err)
	}

	dir := filepath.Join(workDir, string(network))
	if err := os.MkdirAll(dir, 0700); err != nil {
		return walleterr.Wrap(walleterr.IO, "config.Save", err)
	}

	data, err := toml.Marshal(cfg)
	if err != nil {
		return walleterr.Wrap(walleterr.ConfigDecode, "config.Save", err)
	}

	if err := os.WriteFile(Path(workDir, network), data, 0600); err != nil {
		return walleterr.Wrap(walleterr.IO, "config.Save", err)
	}
	return nil
}

// Update rewrites the Bitcoin P2P fields of an existing config (§8 scenario
// 2: update_config).
func Update(workDir string, network chain.Network, peers []string, connections uint, discovery bool) (*Config, error) {
	cfg, err := Load(workDir, network)
	if err != nil {
		return nil, err
	}
	cfg.BitcoinPeers = peers
	cfg.BitcoinConnections = connections
	cfg.BitcoinDiscovery = discovery

	if err := Save(workDir, network, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Init writes a fresh config file only if one is not already present; if
// one exists it writes nothing and returns ErrConfigExists (§4.8).
func Init(workDir string, network chain.Network, cfg *Config) error {
	if Exists(workDir, network) {
		return walleterr.Wrap(walleterr.Wallet, "config.Init", walleterr.ErrConfigExists)
	}
	return Save(workDir, network, cfg)
}

// Remove deletes the config file, returning the config that was in place.
func Remove(workDir string, network chain.Network) (*Config, error) {
	cfg, err := Load(workDir, network)
	if err != nil {
		return nil, err
	}
	if err := os.Remove(Path(workDir, network)); err != nil {
		return nil, walleterr.Wrap(walleterr.IO, "config.Remove", err)
	}
	return cfg, nil
}

// DefaultPort returns the standard Bitcoin P2P port for a network, used
// when bitcoin_peers omits an explicit port.
func DefaultPort(network chain.Network) string {
	switch network {
	case chain.Mainnet:
		return "8333"
	case chain.Testnet:
		return "18333"
	case chain.Regtest:
		return "18444"
	default:
		return "8333"
	}
}

func validateNetwork(network chain.Network) error {
	if _, ok := chain.Get(network); !ok {
		return fmt.Errorf("unsupported network: %s", network)
	}
	return nil
}
