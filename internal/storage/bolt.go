package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
)

var dataBucket = []byte("docs")

// BoltStore persists a shard copy's documents in a single bolt file.
type BoltStore struct {
	db   *bolt.DB
	path string
}

// OpenBoltStore opens (or creates) the bolt file at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := bolt.Open(path, 0o644, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt store %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(dataBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}
	return &BoltStore{db: db, path: path}, nil
}

// Path returns the file backing the store.
func (b *BoltStore) Path() string {
	return b.path
}

// Get retrieves a copy of the value stored under key.
func (b *BoltStore) Get(key string) ([]byte, error) {
	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(dataBucket).Get([]byte(key))
		if v == nil {
			return ErrKeyNotFound
		}
		// bolt values are only valid inside the transaction
		out = append([]byte(nil), v...)
		return nil
	})
	return out, mapBoltErr(err)
}

// Put stores value under key.
func (b *BoltStore) Put(key string, value []byte) error {
	return mapBoltErr(b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(dataBucket).Put([]byte(key), value)
	}))
}

// Delete removes key. Missing keys are not an error.
func (b *BoltStore) Delete(key string) error {
	return mapBoltErr(b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(dataBucket).Delete([]byte(key))
	}))
}

// List returns all keys in byte order.
func (b *BoltStore) List() ([]string, error) {
	var keys []string
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(dataBucket).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, mapBoltErr(err)
}

// Stats counts keys and value bytes.
func (b *BoltStore) Stats() (StoreStats, error) {
	var stats StoreStats
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(dataBucket).ForEach(func(_, v []byte) error {
			stats.Keys++
			stats.Bytes += len(v)
			return nil
		})
	})
	return stats, mapBoltErr(err)
}

// Close closes the bolt file.
func (b *BoltStore) Close() error {
	return b.db.Close()
}

func mapBoltErr(err error) error {
	if errors.Is(err, bolt.ErrDatabaseNotOpen) {
		return ErrStoreClosed
	}
	return err
}
