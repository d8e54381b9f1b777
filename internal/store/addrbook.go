package store

import (
	"crypto/rand"
	"database/sql"
	"encoding/binary"
	mathrand "math/rand"
	"net"
	"time"

	"github.com/dchest/siphash"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/klingon-exchange/spvwallet/internal/walleterr"
)

// addressSlots is S from §3: the fixed number of slots per network in the
// peer address book.
const addressSlots = 10000

// banGraceEvict is the age past which an occupied slot's incumbent may be
// evicted by a new address even if not banned (five days, §3).
const banGraceEvict = 5 * 24 * time.Hour

// recentBanWindow is the window get_an_address treats as "banned" (24h).
const recentBanWindow = 24 * time.Hour

// PeerAddress is one row of the address book.
type PeerAddress struct {
	Network       string
	IP            string
	LastConnected time.Time
	LastSeen      time.Time
	BannedUntil   time.Time
}

// addressSlot computes SipHash(k0,k1, network ‖ ipv6-segments) mod S.
func addressSlot(seed Seed, network, ip string) uint64 {
	host, _, err := net.SplitHostPort(ip)
	if err != nil {
		host = ip
	}
	parsed := net.ParseIP(host)
	if parsed == nil {
		parsed = net.ParseIP(host + "")
	}

	buf := make([]byte, 0, len(network)+16)
	buf = append(buf, network...)
	if parsed != nil {
		buf = append(buf, parsed.To16()...)
	} else {
		buf = append(buf, host...)
	}

	return siphash.Hash(seed.K0, seed.K1, buf) % addressSlots
}

// StoreAddress applies the slot policy of §3: the slot is chosen by
// SipHash(k0,k1, network ‖ ip) mod S. An insert for an occupied slot with a
// different IP only evicts the incumbent if it is currently banned or its
// last-connected age exceeds five days.
func (s *Store) StoreAddress(seed Seed, addr PeerAddress) error {
	slot := addressSlot(seed, addr.Network, addr.IP)
	now := time.Now()

	return s.Transaction(func(tx *Tx) error {
		row := tx.tx.QueryRow(
			`SELECT ip, last_connected, last_seen, banned_until FROM address WHERE network = ? AND slot = ?`,
			addr.Network, slot,
		)

		var incumbentIP string
		var lastConnected, lastSeen, bannedUntil int64
		err := row.Scan(&incumbentIP, &lastConnected, &lastSeen, &bannedUntil)

		switch {
		case err == sql.ErrNoRows:
			// empty slot
		case err != nil:
			return err
		case incumbentIP != addr.IP:
			incumbentBanned := bannedUntil > now.Unix()
			incumbentStale := time.Unix(lastConnected, 0).Add(banGraceEvict).Before(now)
			if !incumbentBanned && !incumbentStale {
				return nil // keep incumbent, drop this insert
			}
		default:
			// same IP: fall through to update, preserving monotonicity below
		}

		_, err = tx.tx.Exec(`
			INSERT INTO address (network, slot, ip, last_connected, last_seen, banned_until)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(network, slot) DO UPDATE SET
				ip = excluded.ip,
				last_connected = MAX(address.last_connected, excluded.last_connected),
				last_seen = MAX(address.last_seen, excluded.last_seen),
				banned_until = MAX(address.banned_until, excluded.banned_until)
		`,
			addr.Network, slot, addr.IP,
			addr.LastConnected.Unix(), addr.LastSeen.Unix(), bannedUnixOrZero(addr.BannedUntil),
		)
		return err
	})
}

func bannedUnixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

// GetAnAddress returns an address not banned within the last 24h, excluding
// the given IPs. Among eligible addresses sorted by last_seen descending, it
// draws the element at index min(len-1, Poisson(len/4)), biasing strongly
// toward recently-seen peers without being deterministic (§3, §9).
func (s *Store) GetAnAddress(network string, exclude map[string]bool) (PeerAddress, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := time.Now().Add(-recentBanWindow).Unix()

	rows, err := s.db.Query(`
		SELECT ip, last_connected, last_seen, banned_until
		FROM address
		WHERE network = ? AND banned_until < ?
		ORDER BY last_seen DESC
	`, network, cutoff)
	if err != nil {
		return PeerAddress{}, false, walleterr.Wrap(walleterr.DB, "store.GetAnAddress", err)
	}
	defer rows.Close()

	var eligible []PeerAddress
	for rows.Next() {
		var a PeerAddress
		a.Network = network
		var lastConnected, lastSeen, bannedUntil int64
		if err := rows.Scan(&a.IP, &lastConnected, &lastSeen, &bannedUntil); err != nil {
			return PeerAddress{}, false, walleterr.Wrap(walleterr.DB, "store.GetAnAddress", err)
		}
		if exclude[a.IP] {
			continue
		}
		a.LastConnected = time.Unix(lastConnected, 0)
		a.LastSeen = time.Unix(lastSeen, 0)
		if bannedUntil > 0 {
			a.BannedUntil = time.Unix(bannedUntil, 0)
		}
		eligible = append(eligible, a)
	}
	if err := rows.Err(); err != nil {
		return PeerAddress{}, false, walleterr.Wrap(walleterr.DB, "store.GetAnAddress", err)
	}
	if len(eligible) == 0 {
		return PeerAddress{}, false, nil
	}

	dist := distuv.Poisson{Lambda: float64(len(eligible)) / 4, Src: mathrand.NewSource(int64(randSeed()))}
	idx := int(dist.Rand())
	if idx >= len(eligible) {
		idx = len(eligible) - 1
	}

	return eligible[idx], true, nil
}

// randSeed draws a fresh seed from the OS CSPRNG for each address pick, so
// no peer can predict or steer the draw (§9: peer address decay).
func randSeed() uint64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return uint64(time.Now().UnixNano())
	}
	return binary.LittleEndian.Uint64(buf[:])
}
