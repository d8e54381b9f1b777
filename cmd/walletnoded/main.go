// Package main provides walletnoded: a minimal entry point wiring the
// on-disk config to the wallet's control surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/klingon-exchange/spvwallet/internal/chain"
	"github.com/klingon-exchange/spvwallet/internal/control"
	"github.com/klingon-exchange/spvwallet/internal/store"
	"github.com/klingon-exchange/spvwallet/internal/wallet"
	"github.com/klingon-exchange/spvwallet/pkg/helpers"
	"github.com/klingon-exchange/spvwallet/pkg/logging"
)

var (
	version = "0.1.0-dev"
)

func main() {
	var (
		workDir     = flag.String("work-dir", "~/.spvwallet", "Work directory")
		network     = flag.String("network", "mainnet", "Bitcoin network: mainnet, testnet, regtest")
		addressType = flag.String("address-type", "p2wpkh", "Default address type: p2wpkh, p2sh-wpkh, p2pkh")
		passphrase  = flag.String("passphrase", "", "Seed encryption passphrase (init)")
		rescan      = flag.Bool("rescan", false, "Rewind the processed marker to birth before syncing")
		logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{Level: *logLevel, TimeFormat: time.TimeOnly})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("walletnoded %s", version)
		os.Exit(0)
	}

	cmd := flag.Arg(0)
	if cmd == "" {
		log.Fatal("missing command", "usage", "walletnoded [init|start|balance|deposit-address] [flags]")
	}

	dir := expandPath(*workDir)
	net := chain.Network(*network)
	c := control.New()

	switch cmd {
	case "init":
		if *passphrase == "" {
			log.Fatal("init requires -passphrase")
		}
		mnemonic, addr, err := c.InitConfig(dir, net, *passphrase, chain.AddressType(*addressType))
		if err != nil {
			log.Fatal("init failed", "error", err)
		}
		if mnemonic == "" {
			log.Info("config already exists, nothing to do", "work_dir", dir, "network", net)
			return
		}
		fmt.Println("Wallet mnemonic (write this down, it is shown only once):")
		fmt.Println(mnemonic)
		fmt.Println()
		fmt.Println("First deposit address:", addr)

	case "start":
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigCh
			log.Info("shutting down...")
			c.Stop()
			cancel()
		}()

		log.Info("starting wallet node", "work_dir", dir, "network", net, "rescan", *rescan)
		if err := c.Start(ctx, dir, net, *rescan); err != nil {
			log.Fatal("node stopped with error", "error", err)
		}
		log.Info("goodbye")

	case "balance":
		total, err := readOnlyBalance(dir, net)
		if err != nil {
			log.Fatal("balance failed", "error", err)
		}
		fmt.Printf("Confirmed balance: %s BTC (%d satoshis)\n", helpers.SatoshisToBTC(total), total)

	case "deposit-address":
		addr, err := readOnlyDepositAddress(dir, net)
		if err != nil {
			log.Fatal("deposit-address failed", "error", err)
		}
		fmt.Println(addr)

	default:
		log.Fatal("unknown command", "command", cmd)
	}
}

// readOnlyBalance sums the persisted confirmed coin set without starting
// the P2P supervisor or block pipeline.
func readOnlyBalance(workDir string, network chain.Network) (uint64, error) {
	st, err := store.New(&store.Config{DataDir: workDir + "/" + string(network)})
	if err != nil {
		return 0, err
	}
	defer st.Close()

	rows, err := st.ReadCoins()
	if err != nil {
		return 0, err
	}
	var total uint64
	for _, r := range rows {
		total += r.Value
	}
	return total, nil
}

// readOnlyDepositAddress advances the external sub-account's look-ahead
// window and persists it, without starting the P2P supervisor.
func readOnlyDepositAddress(workDir string, network chain.Network) (string, error) {
	cfgPath := workDir
	st, err := store.New(&store.Config{DataDir: cfgPath + "/" + string(network)})
	if err != nil {
		return "", err
	}
	defer st.Close()

	accountRows, err := st.ReadAllAccounts()
	if err != nil {
		return "", err
	}

	// keyRoot/birth aren't needed to issue an address from already
	// instantiated look-ahead keys, so a placeholder root is safe here;
	// FromStorage only uses rootXPub for bookkeeping.
	w, err := wallet.FromStorage(network, "", 0, wallet.RowsToStoredAccounts(accountRows))
	if err != nil {
		return "", err
	}

	addr, err := w.DepositAddress()
	if err != nil {
		return "", err
	}

	accounts, err := w.Accounts()
	if err != nil {
		return "", err
	}
	if err := st.StoreMaster(wallet.SnapshotsToRows(accounts, network)); err != nil {
		return "", err
	}
	return addr, nil
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err == nil {
			return home + path[1:]
		}
	}
	return path
}
