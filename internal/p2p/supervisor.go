// Package p2p is the P2P supervisor (spec §4.7): it maintains a target
// number of outbound connections drawn from the address book, runs the
// header-sync / block-download / send-tx dialogs per peer, scores and bans
// misbehaving peers, and replaces idle or disconnected ones.
package p2p

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/spvwallet/internal/chain"
	"github.com/klingon-exchange/spvwallet/internal/coinset"
	"github.com/klingon-exchange/spvwallet/internal/headerchain"
	"github.com/klingon-exchange/spvwallet/internal/store"
	"github.com/klingon-exchange/spvwallet/pkg/logging"
)

// banDuration is how long a misbehaving peer's address is excluded (§4.7:
// "banned for 24 hours").
const banDuration = 24 * time.Hour

// misbehaviorBanThreshold is the score at which a peer is dropped and its
// address banned.
const misbehaviorBanThreshold = 10

// watchdogInterval is how often the idle-peer sweep runs.
const watchdogInterval = 15 * time.Second

// Config configures the supervisor (mirrors the TOML bitcoin_* fields,
// §6).
type Config struct {
	Network      chain.Network
	SeedPeers    []string
	Connections  int
	Discovery    bool
}

// Supervisor maintains the node's outbound peer set.
type Supervisor struct {
	cfg      Config
	st       *store.Store
	chain    *headerchain.Chain
	coins    *coinset.Set
	classify coinset.ClassifyFunc
	log      *logging.Logger
	btcnet   wire.BitcoinNet

	onReorg func(*headerchain.Reorg)

	mu          sync.Mutex
	peers       map[string]*peer
	dialing     map[string]bool
	pendingTx   map[chainhash.Hash]*wire.MsgTx
	deliverBlk  func(hash chainhash.Hash, block *wire.MsgBlock)

	stopCh chan struct{}
}

// New builds a supervisor. deliverBlock is called with every downloaded
// block (wired to blockpipe.Pipeline.Deliver); onReorg is called whenever
// header sync re-roots the trunk (wired to blockpipe.Pipeline.HandleReorg).
func New(cfg Config, st *store.Store, chainDB *headerchain.Chain, coins *coinset.Set, classify coinset.ClassifyFunc, deliverBlock func(chainhash.Hash, *wire.MsgBlock), onReorg func(*headerchain.Reorg)) *Supervisor {
	return &Supervisor{
		cfg:        cfg,
		st:         st,
		chain:      chainDB,
		coins:      coins,
		classify:   classify,
		log:        logging.Default().Component("p2p"),
		btcnet:     chain.BtcdParams(cfg.Network).Net,
		deliverBlk: deliverBlock,
		onReorg:    onReorg,
		peers:      make(map[string]*peer),
		dialing:    make(map[string]bool),
		pendingTx:  make(map[chainhash.Hash]*wire.MsgTx),
		stopCh:     make(chan struct{}),
	}
}

// Run maintains the target connection count until ctx is cancelled or Stop
// is called.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	watchdog := time.NewTicker(watchdogInterval)
	defer watchdog.Stop()

	s.maintainConnections()

	for {
		select {
		case <-ctx.Done():
			s.closeAll()
			return ctx.Err()
		case <-s.stopCh:
			s.closeAll()
			return nil
		case <-ticker.C:
			s.maintainConnections()
		case <-watchdog.C:
			s.sweepIdlePeers()
		}
	}
}

// Stop unwinds Run and disconnects all peers.
func (s *Supervisor) Stop() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
}

func (s *Supervisor) connectedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// maintainConnections dials fresh addresses until Connections outbound
// peers are active.
func (s *Supervisor) maintainConnections() {
	for s.connectedCount() < s.cfg.Connections {
		addr, ok := s.pickAddress()
		if !ok {
			return
		}
		s.mu.Lock()
		if s.peers[addr] != nil || s.dialing[addr] {
			s.mu.Unlock()
			continue
		}
		s.dialing[addr] = true
		s.mu.Unlock()

		go s.connectAndServe(addr)
	}
}

func (s *Supervisor) pickAddress() (string, bool) {
	if !s.cfg.Discovery {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, addr := range s.cfg.SeedPeers {
			if s.peers[addr] == nil && !s.dialing[addr] {
				return addr, true
			}
		}
		return "", false
	}

	s.mu.Lock()
	exclude := make(map[string]bool, len(s.peers)+len(s.dialing))
	for addr := range s.peers {
		exclude[addr] = true
	}
	for addr := range s.dialing {
		exclude[addr] = true
	}
	s.mu.Unlock()

	addr, ok, err := s.st.GetAnAddress(string(s.cfg.Network), exclude)
	if err != nil || !ok {
		return "", false
	}
	return addr.IP, true
}

func (s *Supervisor) connectAndServe(addr string) {
	defer func() {
		s.mu.Lock()
		delete(s.dialing, addr)
		s.mu.Unlock()
	}()

	height := int32(s.chain.Len() - 1)
	p, err := dialPeer(addr, s.btcnet, height)
	if err != nil {
		s.log.Warn("connect failed", "addr", addr, "err", err)
		return
	}

	s.mu.Lock()
	s.peers[addr] = p
	s.mu.Unlock()
	s.log.Info("peer connected", "addr", addr)

	seed, err := s.st.ReadOrCreateSeed()
	if err == nil {
		now := time.Now()
		s.st.StoreAddress(seed, store.PeerAddress{
			Network: string(s.cfg.Network), IP: addr, LastConnected: now, LastSeen: now,
		})
	}

	if err := s.headerSync(p); err != nil {
		s.log.Warn("header sync failed", "addr", addr, "err", err)
	}
	if s.cfg.Discovery {
		p.send(wire.NewMsgGetAddr())
	}
	s.replayUnconfirmed(p)

	err = p.readLoop(func(msg wire.Message) { s.dispatch(p, msg) })
	if err != nil {
		s.log.Warn("peer connection lost", "addr", addr, "err", err)
	}

	s.mu.Lock()
	delete(s.peers, addr)
	s.mu.Unlock()
	p.close()
}

// dispatch demultiplexes one decoded message to the relevant dialog (§4.7:
// "three concurrent dialogs").
func (s *Supervisor) dispatch(p *peer, msg wire.Message) {
	switch m := msg.(type) {
	case *wire.MsgHeaders:
		s.onHeaders(p, m)
	case *wire.MsgBlock:
		s.onBlock(p, m)
	case *wire.MsgInv:
		s.onInv(p, m)
	case *wire.MsgTx:
		s.onTx(m)
	case *wire.MsgGetData:
		s.onGetData(p, m)
	case *wire.MsgAddr:
		s.onAddr(m)
	case *wire.MsgGetAddr:
		// Inbound getaddr on an outbound-only connection: no-op.
	case *wire.MsgPing:
		p.send(wire.NewMsgPong(m.Nonce))
	}
}

func (s *Supervisor) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for addr, p := range s.peers {
		p.close()
		delete(s.peers, addr)
	}
}

// sweepIdlePeers drops peers past the idle timeout (§5: 90s).
func (s *Supervisor) sweepIdlePeers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for addr, p := range s.peers {
		if p.idleFor() > idleTimeout {
			s.log.Warn("peer idle timeout", "addr", addr)
			p.close()
			delete(s.peers, addr)
		}
	}
}

// ban drops the peer and excludes its address for banDuration (§4.7).
func (s *Supervisor) ban(p *peer, reason string) {
	s.log.Warn("banning peer", "addr", p.addr, "reason", reason)
	s.mu.Lock()
	delete(s.peers, p.addr)
	s.mu.Unlock()
	p.close()

	seed, err := s.st.ReadOrCreateSeed()
	if err != nil {
		return
	}
	s.st.StoreAddress(seed, store.PeerAddress{
		Network:     string(s.cfg.Network),
		IP:          p.addr,
		BannedUntil: time.Now().Add(banDuration),
	})
}

func (s *Supervisor) firstPeer() *peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.peers {
		return p
	}
	return nil
}

func (s *Supervisor) allPeers() []*peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	return out
}

// RequestBlock implements blockpipe.Fetcher: issue a getdata for hash to
// any connected peer (§4.5, §4.7 block-download dialog).
func (s *Supervisor) RequestBlock(hash chainhash.Hash) error {
	p := s.firstPeer()
	if p == nil {
		return fmt.Errorf("no connected peers")
	}
	getData := wire.NewMsgGetData()
	iv := wire.NewInvVect(wire.InvTypeWitnessBlock, &hash)
	if err := getData.AddInvVect(iv); err != nil {
		return err
	}
	return p.send(getData)
}

// BroadcastTx advertises a newly built transaction to every peer via inv;
// peers that want it pull it with getdata (§4.7 send-tx relay, §4.6 step
// 5).
func (s *Supervisor) BroadcastTx(tx *wire.MsgTx) error {
	hash := tx.TxHash()

	s.mu.Lock()
	s.pendingTx[hash] = tx
	s.mu.Unlock()

	inv := wire.NewMsgInv()
	iv := wire.NewInvVect(wire.InvTypeWitnessTx, &hash)
	if err := inv.AddInvVect(iv); err != nil {
		return err
	}
	for _, p := range s.allPeers() {
		if err := p.send(inv); err != nil {
			s.log.Warn("broadcast inv failed", "addr", p.addr, "err", err)
		}
	}
	return nil
}

// replayUnconfirmed rebroadcasts every stored unconfirmed transaction to a
// freshly handshaken peer (§5: "a cancelled send-tx is dropped... will be
// rebroadcast on next relevant peer handshake").
func (s *Supervisor) replayUnconfirmed(p *peer) {
	rows, err := s.st.ReadUnconfirmed()
	if err != nil {
		return
	}
	inv := wire.NewMsgInv()
	for _, row := range rows {
		var tx wire.MsgTx
		if err := tx.Deserialize(bytes.NewReader(row.RawTx)); err != nil {
			continue
		}
		hash := tx.TxHash()
		s.mu.Lock()
		s.pendingTx[hash] = &tx
		s.mu.Unlock()
		iv := wire.NewInvVect(wire.InvTypeWitnessTx, &hash)
		inv.AddInvVect(iv)
	}
	if len(inv.InvList) > 0 {
		p.send(inv)
	}
}
