// Package genstore keeps the highest role generation id observed for each
// switch. A controller uses it to recognise role replies from an earlier
// generation, including across restarts when the bolt store is used.
package genstore

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"
)

// Memory is a store that forgets everything when the process exits.
type Memory struct {
	mu   sync.Mutex
	gens map[uint64]uint64
}

func NewMemory() *Memory {
	return &Memory{gens: make(map[uint64]uint64)}
}

func (m *Memory) LoadGeneration(dpid uint64) (uint64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	gen, ok := m.gens[dpid]
	return gen, ok, nil
}

func (m *Memory) SaveGeneration(dpid uint64, gen uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gens[dpid] = gen
	return nil
}

var generationsBucket = []byte("generations")

// Bolt persists generation ids in a bbolt database file.
type Bolt struct {
	db *bbolt.DB
}

// OpenBolt opens, or creates, the database at path. Only one process can
// have it open at a time; OpenBolt gives up after timeout.
func OpenBolt(path string, timeout time.Duration) (*Bolt, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: timeout})
	if err != nil {
		return nil, errors.Wrapf(err, "error opening generation store %q", path)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(generationsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "error creating generations bucket")
	}
	return &Bolt{db: db}, nil
}

func dpidKey(dpid uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, dpid)
	return key
}

func (b *Bolt) LoadGeneration(dpid uint64) (uint64, bool, error) {
	var (
		gen uint64
		ok  bool
	)
	err := b.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(generationsBucket).Get(dpidKey(dpid))
		if val == nil {
			return nil
		}
		if len(val) != 8 {
			return errors.Errorf("corrupt generation record of %d bytes", len(val))
		}
		gen, ok = binary.BigEndian.Uint64(val), true
		return nil
	})
	return gen, ok, err
}

func (b *Bolt) SaveGeneration(dpid uint64, gen uint64) error {
	val := make([]byte, 8)
	binary.BigEndian.PutUint64(val, gen)
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(generationsBucket).Put(dpidKey(dpid), val)
	})
}

func (b *Bolt) Close() error {
	return b.db.Close()
}
