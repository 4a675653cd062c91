package relay

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/troparcel/troparcel/internal/crdt"
)

// Store persists each room's canonical document as an append-only update
// log in bbolt: one bucket per room, keys are a monotonic sequence, values
// are encoded updates. Replaying the log in key order reproduces the
// document; compaction collapses the log to one full-state record.
type Store struct {
	db *bolt.DB
}

// OpenStore opens (or creates) the database under dir.
func OpenStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrap(err, "create persistence dir")
	}
	db, err := bolt.Open(filepath.Join(dir, "rooms.db"), 0o600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, errors.Wrap(err, "open persistence db")
	}
	return &Store{db: db}, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// AppendUpdate streams one inbound update to the room's log.
func (s *Store) AppendUpdate(room string, update []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(room))
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], seq)
		return b.Put(key[:], update)
	})
}

// LoadRoom replays the room's log into doc. Returns the number of records
// replayed; a missing bucket is an empty room, not an error. Corrupt
// records are skipped so one bad write cannot brick a room.
func (s *Store) LoadRoom(room string, doc *crdt.Doc) (int, error) {
	replayed := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(room))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			if err := doc.ApplyUpdate(v, crdt.OriginRemote); err != nil {
				log.WithError(err).WithField("room", room).Warn("skipping corrupt persisted update")
				return nil
			}
			replayed++
			return nil
		})
	})
	return replayed, err
}

// ReplaceWithState swaps the room's whole log for a single full-state
// record. Used after compaction.
func (s *Store) ReplaceWithState(room string, state []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(room)) != nil {
			if err := tx.DeleteBucket([]byte(room)); err != nil {
				return err
			}
		}
		b, err := tx.CreateBucket([]byte(room))
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], seq)
		return b.Put(key[:], state)
	})
}

// DeleteRoom drops a room's log entirely.
func (s *Store) DeleteRoom(room string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(room)) == nil {
			return nil
		}
		return tx.DeleteBucket([]byte(room))
	})
}

// Rooms lists every persisted room name.
func (s *Store) Rooms() ([]string, error) {
	var rooms []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			rooms = append(rooms, string(name))
			return nil
		})
	})
	return rooms, err
}

// LogLength reports how many records a room's log holds.
func (s *Store) LogLength(room string) int {
	n := 0
	s.db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket([]byte(room)); b != nil {
			n = b.Stats().KeyN
		}
		return nil
	})
	return n
}
