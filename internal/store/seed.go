package store

import (
	"crypto/rand"
	"database/sql"
	"encoding/binary"

	"github.com/klingon-exchange/spvwallet/internal/walleterr"
)

// Seed is the 128-bit site-local SipHash key pair used to slot peer
// addresses into the address book (§3).
type Seed struct {
	K0 uint64
	K1 uint64
}

// ReadOrCreateSeed returns the stored seed, generating and persisting a
// fresh random one on first read.
func (s *Store) ReadOrCreateSeed() (Seed, error) {
	var seed Seed

	err := s.Transaction(func(tx *Tx) error {
		row := tx.tx.QueryRow(`SELECT k0, k1 FROM seed WHERE id = 0`)

		var k0, k1 int64
		err := row.Scan(&k0, &k1)
		switch {
		case err == nil:
			seed = Seed{K0: uint64(k0), K1: uint64(k1)}
			return nil
		case err == sql.ErrNoRows:
			var buf [16]byte
			if _, err := rand.Read(buf[:]); err != nil {
				return err
			}
			seed = Seed{
				K0: binary.LittleEndian.Uint64(buf[0:8]),
				K1: binary.LittleEndian.Uint64(buf[8:16]),
			}
			_, err = tx.tx.Exec(`INSERT INTO seed (id, k0, k1) VALUES (0, ?, ?)`,
				int64(seed.K0), int64(seed.K1))
			return err
		default:
			return err
		}
	})
	if err != nil {
		return Seed{}, walleterr.Wrap(walleterr.DB, "store.ReadOrCreateSeed", err)
	}

	return seed, nil
}
