package p2p

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/google/uuid"

	"github.com/klingon-exchange/spvwallet/pkg/logging"
)

// protocolVersion is the wire protocol version this node speaks.
const protocolVersion = 70015

// idleTimeout is the per-peer inactivity timeout (§5: "90s with no useful
// traffic").
const idleTimeout = 90 * time.Second

// peer wraps one outbound connection: the version/verack handshake, a
// serialized send path, and a read loop dispatching to the supervisor.
type peer struct {
	id      uuid.UUID
	addr    string
	network wire.BitcoinNet
	conn    net.Conn
	log     *logging.Logger

	sendMu sync.Mutex

	mu           sync.Mutex
	lastActivity time.Time
	misbehavior  int
	closed       bool
	closeCh      chan struct{}
}

// dialPeer opens a TCP connection and performs the version/verack
// handshake (§4.7).
func dialPeer(addr string, btcnet wire.BitcoinNet, myHeight int32) (*peer, error) {
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	p := &peer{
		id:           uuid.New(),
		addr:         addr,
		network:      btcnet,
		conn:         conn,
		log:          logging.Default().Component("p2p"),
		lastActivity: time.Now(),
		closeCh:      make(chan struct{}),
	}

	if err := p.handshake(myHeight); err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake %s: %w", addr, err)
	}
	return p, nil
}

func (p *peer) handshake(myHeight int32) error {
	p.conn.SetDeadline(time.Now().Add(10 * time.Second))
	defer p.conn.SetDeadline(time.Time{})

	me := wire.NewNetAddressIPPort(net.IPv4zero, 0, wire.SFNodeNetwork)
	you := wire.NewNetAddressIPPort(net.IPv4zero, 0, wire.SFNodeNetwork)
	nonce, err := wire.RandomUint64()
	if err != nil {
		return err
	}

	version := wire.NewMsgVersion(me, you, nonce, myHeight)
	if err := version.AddUserAgent("spvwallet", "0.1.0"); err != nil {
		return err
	}
	if err := p.send(version); err != nil {
		return fmt.Errorf("send version: %w", err)
	}

	gotVersion, gotVerAck := false, false
	for !gotVersion || !gotVerAck {
		msg, _, err := wire.ReadMessage(p.conn, protocolVersion, p.network)
		if err != nil {
			return fmt.Errorf("read handshake message: %w", err)
		}
		switch msg.(type) {
		case *wire.MsgVersion:
			gotVersion = true
			if err := p.send(wire.NewMsgVerAck()); err != nil {
				return fmt.Errorf("send verack: %w", err)
			}
		case *wire.MsgVerAck:
			gotVerAck = true
		}
	}

	p.touch()
	return nil
}

func (p *peer) send(msg wire.Message) error {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	return wire.WriteMessage(p.conn, msg, protocolVersion, p.network)
}

func (p *peer) touch() {
	p.mu.Lock()
	p.lastActivity = time.Now()
	p.mu.Unlock()
}

func (p *peer) idleFor() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Since(p.lastActivity)
}

// misbehave records a scoring event; the supervisor bans the peer once a
// threshold is crossed (§4.7).
func (p *peer) misbehave(reason string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.misbehavior++
	p.log.Warn("peer misbehaviour", "addr", p.addr, "reason", reason, "score", p.misbehavior)
	return p.misbehavior
}

func (p *peer) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	close(p.closeCh)
	p.conn.Close()
}

// readLoop dispatches every decoded message to handle until the
// connection closes or a read error occurs.
func (p *peer) readLoop(handle func(wire.Message)) error {
	for {
		msg, _, err := wire.ReadMessage(p.conn, protocolVersion, p.network)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		p.touch()
		handle(msg)
	}
}
