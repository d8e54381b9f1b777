package p2p

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/spvwallet/internal/store"
)

// maxHeadersPerMsg is the standard Bitcoin headers response cap; a
// response shorter than this means the peer has no more to offer.
const maxHeadersPerMsg = 2000

// headerSync pulls headers from the peer's locator until it reports the
// tip, applying each to the header chain and surfacing reorgs (§4.7
// header-sync dialog).
func (s *Supervisor) headerSync(p *peer) error {
	for {
		locator := wire.NewMsgGetHeaders()
		locator.HashStop = chainhash.Hash{}
		s.chain.IterTrunkRev(s.chain.BestHash(), func(hash chainhash.Hash, height int32) bool {
			if err := locator.AddBlockLocatorHash(&hash); err != nil {
				return false
			}
			return len(locator.BlockLocatorHashes) < 32
		})

		if err := p.send(locator); err != nil {
			return fmt.Errorf("send getheaders: %w", err)
		}

		msg, _, err := wire.ReadMessage(p.conn, protocolVersion, p.network)
		if err != nil {
			return fmt.Errorf("read headers: %w", err)
		}
		headers, ok := msg.(*wire.MsgHeaders)
		if !ok {
			return fmt.Errorf("expected headers, got %T", msg)
		}
		p.touch()

		s.applyHeaders(p, headers)

		if len(headers.Headers) < maxHeadersPerMsg {
			return nil
		}
	}
}

// onHeaders handles an unsolicited headers announcement arriving on the
// steady-state read loop.
func (s *Supervisor) onHeaders(p *peer, headers *wire.MsgHeaders) {
	s.applyHeaders(p, headers)
}

func (s *Supervisor) applyHeaders(p *peer, headers *wire.MsgHeaders) {
	for _, h := range headers.Headers {
		reorg, err := s.chain.Accept(h)
		if err != nil {
			if p.misbehave("invalid header") >= misbehaviorBanThreshold {
				s.ban(p, "too many invalid headers")
			}
			continue
		}
		if reorg != nil && s.onReorg != nil {
			s.onReorg(reorg)
		}
	}
}

// onBlock delivers a downloaded block to the block pipeline (§4.7
// block-download dialog).
func (s *Supervisor) onBlock(p *peer, block *wire.MsgBlock) {
	if s.deliverBlk == nil {
		return
	}
	s.deliverBlk(block.BlockHash(), block)
}

// onInv responds to transaction/block announcements: blocks we don't need
// are ignored (the pipeline drives its own requests); transactions are
// pulled via getdata so process_unconfirmed_transaction can classify them.
func (s *Supervisor) onInv(p *peer, inv *wire.MsgInv) {
	getData := wire.NewMsgGetData()
	for _, iv := range inv.InvList {
		if iv.Type == wire.InvTypeTx || iv.Type == wire.InvTypeWitnessTx {
			hash := iv.Hash
			getData.AddInvVect(wire.NewInvVect(iv.Type, &hash))
		}
	}
	if len(getData.InvList) > 0 {
		p.send(getData)
	}
}

// onTx classifies an incoming unconfirmed transaction (requested via
// getdata after an inv announcement) against the wallet's scripts, folding
// any match into the coin set's pending/phantom-spend view and persisting
// it so a restart replays the same state (§4.4 process_unconfirmed_transaction).
func (s *Supervisor) onTx(tx *wire.MsgTx) {
	if s.coins == nil || s.classify == nil {
		return
	}
	if !s.coins.ProcessUnconfirmedTransaction(tx, s.classify) {
		return
	}

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		s.log.Warn("failed to serialize incoming unconfirmed tx", "err", err)
		return
	}
	if err := s.st.StoreTxOut(store.TxOutRow{TxID: tx.TxHash().String(), RawTx: buf.Bytes()}); err != nil {
		s.log.Warn("failed to persist incoming unconfirmed tx", "err", err)
	}
}

// onGetData serves outbound getdata requests for transactions we are
// broadcasting (§4.7 send-tx relay: the peer that wants our inv'd tx asks
// for it here).
func (s *Supervisor) onGetData(p *peer, getData *wire.MsgGetData) {
	for _, iv := range getData.InvList {
		if iv.Type != wire.InvTypeTx && iv.Type != wire.InvTypeWitnessTx {
			continue
		}
		s.mu.Lock()
		tx, ok := s.pendingTx[iv.Hash]
		s.mu.Unlock()
		if ok {
			p.send(tx)
		}
	}
}

// onAddr folds discovered addresses into the address book (§4.7:
// "discovery... folds responses into the address book").
func (s *Supervisor) onAddr(addr *wire.MsgAddr) {
	if !s.cfg.Discovery {
		return
	}
	seed, err := s.st.ReadOrCreateSeed()
	if err != nil {
		return
	}
	for _, a := range addr.AddrList {
		ipPort := fmt.Sprintf("%s:%d", a.IP.String(), a.Port)
		s.st.StoreAddress(seed, store.PeerAddress{
			Network:  string(s.cfg.Network),
			IP:       ipPort,
			LastSeen: a.Timestamp,
		})
	}
}
