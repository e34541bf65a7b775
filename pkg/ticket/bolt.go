package ticket

import (
	"context"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var bucketTickets = []byte("es_tickets")

// BoltStore is a bbolt-backed Store: the device's persistent ticket
// database, one record per imported {ticket, cert} pair keyed by the
// ticket's own rights id (bytes 0x2A0:0x2B0), following the same
// bucket-per-entity layout as pkg/store/bolt.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens (creating if absent) a bbolt database at path and
// ensures its ticket bucket exists.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("ticket: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketTickets)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("ticket: create bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error { return s.db.Close() }

// ImportTicket stores ticketBytes/certBytes keyed by the rights id the
// ticket itself declares, overwriting any prior ticket for that rights id.
func (s *BoltStore) ImportTicket(_ context.Context, ticketBytes, certBytes []byte) error {
	if len(ticketBytes) < rightsIDOff+0x10 {
		return fmt.Errorf("ticket: too short to carry a rights id: %d bytes", len(ticketBytes))
	}
	rightsID := ticketBytes[rightsIDOff : rightsIDOff+0x10]

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTickets)
		rec := make([]byte, 4+len(ticketBytes)+len(certBytes))
		putUint32(rec[0:4], uint32(len(ticketBytes)))
		copy(rec[4:], ticketBytes)
		copy(rec[4+len(ticketBytes):], certBytes)
		return b.Put(rightsID, rec)
	})
}

// Has reports whether a ticket is already imported for rightsID.
func (s *BoltStore) Has(rightsID [0x10]byte) (bool, error) {
	var has bool
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTickets)
		has = b.Get(rightsID[:]) != nil
		return nil
	})
	return has, err
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}
