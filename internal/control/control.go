// Package control is the process-singleton control surface (spec §4.8): a
// single slot holding the running node, with init/start/stop/balance/
// deposit_address/withdraw/rescan operations that take a shared or
// exclusive lock on it.
package control

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/spvwallet/internal/blockpipe"
	"github.com/klingon-exchange/spvwallet/internal/chain"
	"github.com/klingon-exchange/spvwallet/internal/coinset"
	"github.com/klingon-exchange/spvwallet/internal/config"
	"github.com/klingon-exchange/spvwallet/internal/headerchain"
	"github.com/klingon-exchange/spvwallet/internal/p2p"
	"github.com/klingon-exchange/spvwallet/internal/store"
	"github.com/klingon-exchange/spvwallet/internal/txbuilder"
	"github.com/klingon-exchange/spvwallet/internal/wallet"
	"github.com/klingon-exchange/spvwallet/internal/walleterr"
	"github.com/klingon-exchange/spvwallet/pkg/logging"
)

// node is the running wallet: everything torn down together on Stop.
type node struct {
	workDir string
	network chain.Network

	st         *store.Store
	chain      *headerchain.Chain
	coins      *coinset.Set
	wallet     *wallet.Wallet
	pipeline   *blockpipe.Pipeline
	supervisor *p2p.Supervisor

	cancel  context.CancelFunc
	stopped chan struct{}
}

// Controller is the process-wide slot: at most one node runs under it at
// a time, and start/stop are idempotent with respect to that slot (§4.8,
// §9 "single initialised-or-not slot").
type Controller struct {
	mu     sync.Mutex
	active *node
	log    *logging.Logger
}

// New returns a fresh, unstarted controller.
func New() *Controller {
	return &Controller{log: logging.Default().Component("control")}
}

// InitConfig is a no-op if a config already exists for (work_dir,
// network); otherwise it generates a fresh mnemonic, derives the default
// sub-accounts, persists the master key and empty coin set, encrypts the
// mnemonic under passphrase, writes the config, and returns (mnemonic,
// first_deposit_address) (§4.8 init_config).
func (c *Controller) InitConfig(workDir string, network chain.Network, passphrase string, addrType chain.AddressType) (mnemonic, depositAddress string, err error) {
	if config.Exists(workDir, network) {
		return "", "", nil
	}

	mnemonic, err = wallet.GenerateMnemonic()
	if err != nil {
		return "", "", walleterr.Wrap(walleterr.Wallet, "control.InitConfig", err)
	}

	birth := time.Now().Unix()
	w, err := wallet.New(network, mnemonic, "", birth, addrType)
	if err != nil {
		return "", "", walleterr.Wrap(walleterr.Wallet, "control.InitConfig", err)
	}

	depositAddress, err = w.DepositAddress()
	if err != nil {
		return "", "", walleterr.Wrap(walleterr.Wallet, "control.InitConfig", err)
	}

	st, err := store.New(&store.Config{DataDir: workDirFor(workDir, network)})
	if err != nil {
		return "", "", err
	}
	defer st.Close()

	accounts, err := w.Accounts()
	if err != nil {
		return "", "", walleterr.Wrap(walleterr.Wallet, "control.InitConfig", err)
	}
	if err := st.StoreMaster(wallet.SnapshotsToRows(accounts, network)); err != nil {
		return "", "", walleterr.Wrap(walleterr.DB, "control.InitConfig", err)
	}
	if err := st.StoreCoins(nil); err != nil {
		return "", "", walleterr.Wrap(walleterr.DB, "control.InitConfig", err)
	}

	encrypted, err := wallet.EncryptMnemonic(mnemonic, passphrase)
	if err != nil {
		return "", "", walleterr.Wrap(walleterr.Wallet, "control.InitConfig", err)
	}
	encoded, err := wallet.EncodeEncryptedSeed(encrypted)
	if err != nil {
		return "", "", walleterr.Wrap(walleterr.Wallet, "control.InitConfig", err)
	}

	cfg := &config.Config{
		EncryptedWalletKey: encoded,
		KeyRoot:            w.XPub(),
		LookAhead:          wallet.DefaultLookAhead,
		Birth:              uint64(birth),
		Network:            network,
		BitcoinConnections: 8,
		BitcoinDiscovery:   true,
	}
	if err := config.Init(workDir, network, cfg); err != nil {
		return "", "", err
	}

	return mnemonic, depositAddress, nil
}

// Start is idempotent: if a node is already running it returns
// immediately. Otherwise it opens the store and header chain, rehydrates
// the watch-only wallet from stored account rows, optionally rewinds to
// birth, and runs the block pipeline and P2P supervisor until ctx is
// cancelled or Stop is called (§4.8 start).
func (c *Controller) Start(ctx context.Context, workDir string, network chain.Network, rescan bool) error {
	c.mu.Lock()
	if c.active != nil {
		c.mu.Unlock()
		return nil
	}

	cfg, err := config.Load(workDir, network)
	if err != nil {
		c.mu.Unlock()
		return err
	}

	st, err := store.New(&store.Config{DataDir: workDirFor(workDir, network)})
	if err != nil {
		c.mu.Unlock()
		return err
	}

	if rescan {
		if err := st.Rescan(""); err != nil {
			st.Close()
			c.mu.Unlock()
			return err
		}
	}

	params := chain.BtcdParams(network)
	genesis := params.GenesisBlock.Header
	chainDB := headerchain.New(&genesis)

	accountRows, err := st.ReadAllAccounts()
	if err != nil {
		st.Close()
		c.mu.Unlock()
		return err
	}
	w, err := wallet.FromStorage(network, cfg.KeyRoot, int64(cfg.Birth), wallet.RowsToStoredAccounts(accountRows))
	if err != nil {
		st.Close()
		c.mu.Unlock()
		return walleterr.Wrap(walleterr.Wallet, "control.Start", err)
	}

	coins := coinset.New()
	if !rescan {
		if err := rehydrateCoins(coins, st, w.ClassifyScript); err != nil {
			st.Close()
			c.mu.Unlock()
			return err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)

	// The pipeline needs the supervisor as its block fetcher, and the
	// supervisor needs the pipeline's delivery/reorg callbacks: tie the
	// knot through a forwarding closure assigned before either runs.
	var pipeline *blockpipe.Pipeline
	supervisor := p2p.New(
		p2p.Config{Network: network, SeedPeers: cfg.BitcoinPeers, Connections: int(cfg.BitcoinConnections), Discovery: cfg.BitcoinDiscovery},
		st, chainDB, coins, w.ClassifyScript,
		func(hash chainhash.Hash, block *wire.MsgBlock) { pipeline.Deliver(hash, block) },
		func(reorg *headerchain.Reorg) { pipeline.HandleReorg(reorg) },
	)
	pipeline = blockpipe.New(chainDB, coins, st, w.ClassifyScript, supervisor, int64(cfg.Birth))

	n := &node{
		workDir: workDir, network: network,
		st: st, chain: chainDB, coins: coins, wallet: w,
		pipeline: pipeline, supervisor: supervisor,
		cancel: cancel, stopped: make(chan struct{}),
	}
	c.active = n
	c.mu.Unlock()

	go func() {
		defer close(n.stopped)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); pipeline.Run(runCtx) }()
		go func() { defer wg.Done(); supervisor.Run(runCtx) }()
		wg.Wait()
	}()

	<-n.stopped
	return nil
}

// Stop raises the stop flag and waits for teardown, releasing the slot
// (§4.8, §5).
func (c *Controller) Stop() {
	c.mu.Lock()
	n := c.active
	c.mu.Unlock()
	if n == nil {
		return
	}

	n.supervisor.Stop()
	n.cancel()
	<-n.stopped
	n.st.Close()

	c.mu.Lock()
	if c.active == n {
		c.active = nil
	}
	c.mu.Unlock()
}

// Balance returns (total confirmed, spendable) (§4.4, §4.8 balance).
func (c *Controller) Balance() (total, available uint64, err error) {
	n, err := c.requireActive()
	if err != nil {
		return 0, 0, err
	}
	return n.coins.Balance(), n.coins.AvailableBalance(int32(n.chain.Len()), n.chain.GetHeight), nil
}

// DepositAddress advances the external sub-account and persists the new
// look-ahead window (§4.8 deposit_address).
func (c *Controller) DepositAddress() (string, error) {
	n, err := c.requireActive()
	if err != nil {
		return "", err
	}
	addr, err := n.wallet.DepositAddress()
	if err != nil {
		return "", walleterr.Wrap(walleterr.Wallet, "control.DepositAddress", err)
	}
	if err := persistAccounts(n.st, n.wallet, n.network); err != nil {
		return "", err
	}
	return addr, nil
}

// Withdraw authenticates the passphrase against the stored root xpub,
// builds and signs a transaction, records it as unconfirmed, and relays it
// to connected peers (§4.6, §4.8 withdraw).
func (c *Controller) Withdraw(passphrase, targetAddress string, feePerVByte uint64, amount *uint64) (txid string, fee uint64, err error) {
	n, err := c.requireActive()
	if err != nil {
		return "", 0, err
	}

	cfg, err := config.Load(n.workDir, n.network)
	if err != nil {
		return "", 0, err
	}
	signingWallet, err := authenticate(cfg, passphrase, n.network)
	if err != nil {
		return "", 0, err
	}

	result, err := txbuilder.Build(signingWallet, n.coins.SpendableCoins(), targetAddress, feePerVByte, amount, n.network)
	if err != nil {
		return "", 0, err
	}

	rawTx, err := serializeTx(result.Tx)
	if err != nil {
		return "", 0, walleterr.Wrap(walleterr.Script, "control.Withdraw", err)
	}

	txHash := result.Tx.TxHash()
	if err := n.st.StoreTxOut(store.TxOutRow{TxID: txHash.String(), RawTx: rawTx}); err != nil {
		return "", 0, walleterr.Wrap(walleterr.DB, "control.Withdraw", err)
	}
	n.coins.ProcessUnconfirmedTransaction(result.Tx, n.wallet.ClassifyScript)

	if err := n.supervisor.BroadcastTx(result.Tx); err != nil {
		n.log.Warn("broadcast failed", "txid", txHash.String(), "err", err)
	}

	return txHash.String(), result.ActualFee, nil
}

// Rescan rewinds the processed marker to the wallet's birth and clears the
// coin set and unconfirmed transactions, so the running pipeline rebuilds
// them from scratch. Exposed for completeness even though no CLI command
// calls it directly; Start(rescan=true) is the normal entry point.
func (c *Controller) Rescan() error {
	n, err := c.requireActive()
	if err != nil {
		return err
	}
	if err := n.st.Rescan(""); err != nil {
		return err
	}
	n.coins.UnwindTo(chainhash.Hash{})
	return nil
}

func (c *Controller) requireActive() (*node, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return nil, walleterr.Wrap(walleterr.Wallet, "control", walleterr.ErrNotStarted)
	}
	return c.active, nil
}

func workDirFor(workDir string, network chain.Network) string {
	return workDir + "/" + string(network)
}

func persistAccounts(st *store.Store, w *wallet.Wallet, network chain.Network) error {
	accounts, err := w.Accounts()
	if err != nil {
		return walleterr.Wrap(walleterr.Wallet, "control.persistAccounts", err)
	}
	if err := st.StoreMaster(wallet.SnapshotsToRows(accounts, network)); err != nil {
		return walleterr.Wrap(walleterr.DB, "control.persistAccounts", err)
	}
	return nil
}



// rehydrateCoins loads the confirmed coin set from storage, then replays
// every still-unconfirmed txout row through the unconfirmed-transaction
// path so phantom spends and pending receives are reflected immediately
// on restart rather than only after the P2P layer re-announces them
// (§4.1 read_coins).
func rehydrateCoins(coins *coinset.Set, st *store.Store, classify coinset.ClassifyFunc) error {
	rows, err := st.ReadCoins()
	if err != nil {
		return err
	}
	for _, r := range rows {
		c, err := coinFromRow(r)
		if err != nil {
			return err
		}
		coins.AddConfirmed(c)
	}

	pending, err := st.ReadUnconfirmed()
	if err != nil {
		return err
	}
	for _, r := range pending {
		tx, err := deserializeTx(r.RawTx)
		if err != nil {
			return walleterr.Wrap(walleterr.DB, "control.rehydrateCoins", err)
		}
		coins.ProcessUnconfirmedTransaction(tx, classify)
	}
	return nil
}

func coinFromRow(r store.CoinRow) (coinset.Coin, error) {
	txHash, err := chainhash.NewHashFromStr(r.TxID)
	if err != nil {
		return coinset.Coin{}, walleterr.Wrap(walleterr.DB, "control.coinFromRow", err)
	}
	var blockHash chainhash.Hash
	if r.BlockHash != "" {
		h, err := chainhash.NewHashFromStr(r.BlockHash)
		if err != nil {
			return coinset.Coin{}, walleterr.Wrap(walleterr.DB, "control.coinFromRow", err)
		}
		blockHash = *h
	}
	return coinset.Coin{
		Outpoint:     wire.OutPoint{Hash: *txHash, Index: r.Vout},
		Value:        r.Value,
		ScriptPubKey: r.ScriptPubKey,
		Derivation: wallet.Derivation{
			AccountNumber: r.AccountNumber,
			SubNumber:     r.SubNumber,
			KeyIndex:      r.KeyIndex,
			Tweak:         r.Tweak,
			CSV:           r.CSV,
		},
		RawTx: r.RawTx,
		Proof: coinset.Proof{BlockHash: blockHash},
	}, nil
}

func serializeTx(tx *wire.MsgTx) ([]byte, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func deserializeTx(raw []byte) (*wire.MsgTx, error) {
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return tx, nil
}

// authenticate decrypts the stored mnemonic under passphrase and rebuilds
// a fully-keyed wallet from it, verifying the result matches the stored
// root xpub before handing it back for signing (§4.8: withdraw is the only
// operation that needs the master private key).
func authenticate(cfg *config.Config, passphrase string, network chain.Network) (*wallet.Wallet, error) {
	encrypted, err := wallet.DecodeEncryptedSeed(cfg.EncryptedWalletKey)
	if err != nil {
		return nil, walleterr.Wrap(walleterr.Wallet, "control.authenticate", err)
	}
	mnemonic, err := wallet.DecryptMnemonic(encrypted, passphrase)
	if err != nil {
		return nil, walleterr.Wrap(walleterr.Wallet, "control.authenticate", walleterr.ErrWrongPassphrase)
	}
	defer wallet.SecureClear([]byte(mnemonic))

	w, err := wallet.New(network, mnemonic, "", int64(cfg.Birth), chain.AddressP2WPKH)
	if err != nil {
		return nil, walleterr.Wrap(walleterr.Wallet, "control.authenticate", err)
	}
	if w.XPub() != cfg.KeyRoot {
		return nil, walleterr.Wrap(walleterr.Wallet, "control.authenticate", walleterr.ErrWrongPassphrase)
	}
	return w, nil
}
