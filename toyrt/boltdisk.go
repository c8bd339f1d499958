package toyrt

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

var bucketSpill = []byte("spill")

// boltBackend spills packed data into a single bbolt database instead of a
// file tree. Useful when the spill volume is many small items and the
// filesystem's per-file overhead dominates.
type boltBackend struct {
	db   *bbolt.DB
	path string
	keys map[Data][]byte
	next uint64
}

// NewBoltBackend creates a spill database under dir (os.TempDir() if
// empty).
func NewBoltBackend(dir string) (SpillBackend, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	base, err := os.MkdirTemp(dir, "toyrt_ooc_")
	if err != nil {
		return nil, fmt.Errorf("toyrt: spill dir: %w", err)
	}
	path := filepath.Join(base, "spill.db")
	opts := &bbolt.Options{
		Timeout: 1 * time.Second,
		// Spill data does not outlive the process.
		NoSync:       true,
		FreelistType: bbolt.FreelistArrayType,
	}
	db, err := bbolt.Open(path, 0o600, opts)
	if err != nil {
		return nil, fmt.Errorf("toyrt: open spill db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSpill)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("toyrt: create spill bucket: %w", err)
	}
	return &boltBackend{db: db, path: path, keys: make(map[Data][]byte)}, nil
}

func (b *boltBackend) keyFor(d Data) []byte {
	if k, ok := b.keys[d]; ok {
		return k
	}
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, b.next)
	b.next++
	b.keys[d] = k
	return k
}

func (b *boltBackend) Write(d Data) error {
	key := b.keyFor(d)
	buf := d.Pack()
	err := b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSpill).Put(key, buf)
	})
	if err != nil {
		return fmt.Errorf("toyrt: spill write: %w", err)
	}
	return nil
}

func (b *boltBackend) Read(d Data) error {
	key, ok := b.keys[d]
	if !ok {
		return fmt.Errorf("toyrt: no spill record for data")
	}
	var buf []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketSpill).Get(key)
		if v == nil {
			return fmt.Errorf("toyrt: spill record missing")
		}
		// The value is only valid inside the transaction.
		buf = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return err
	}
	d.Unpack(buf)
	return nil
}

func (b *boltBackend) Delete(d Data) error {
	key, ok := b.keys[d]
	if !ok {
		return nil
	}
	delete(b.keys, d)
	err := b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSpill).Delete(key)
	})
	if err != nil {
		return fmt.Errorf("toyrt: spill delete: %w", err)
	}
	return nil
}

func (b *boltBackend) Close() error {
	err := b.db.Close()
	if rerr := os.RemoveAll(filepath.Dir(b.path)); err == nil {
		err = rerr
	}
	return err
}
