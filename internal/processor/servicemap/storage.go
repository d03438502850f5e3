package servicemap

import (
	"fmt"
	"os"

	"go.etcd.io/bbolt"
)

var windowBucket = []byte("window")

// WindowStore is the on-disk ordered map backing one span or trace-group
// window, per spec §4.5's storage back-end contract. Keys are compared in
// their natural byte order by the underlying B+tree, satisfying spec §3's
// lexicographic-ordering invariant.
type WindowStore struct {
	db   *bbolt.DB
	path string
}

// OpenWindowStore opens (creating if absent) the bbolt file at path with a
// single bucket for window entries.
func OpenWindowStore(path string) (*WindowStore, error) {
	db, err := bbolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, fmt.Errorf("servicemap: open window store %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(windowBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("servicemap: init window store %s: %w", path, err)
	}
	return &WindowStore{db: db, path: path}, nil
}

func (w *WindowStore) Path() string { return w.path }

func (w *WindowStore) Put(key, value []byte) error {
	return w.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(windowBucket).Put(key, value)
	})
}

// PutAll writes entries in a single transaction.
func (w *WindowStore) PutAll(entries map[string][]byte) error {
	return w.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(windowBucket)
		for k, v := range entries {
			if err := b.Put([]byte(k), v); err != nil {
				return err
			}
		}
		return nil
	})
}

func (w *WindowStore) Get(key []byte) ([]byte, bool, error) {
	var value []byte
	err := w.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(windowBucket).Get(key)
		if v != nil {
			value = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return value, value != nil, nil
}

func (w *WindowStore) Delete(key []byte) error {
	return w.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(windowBucket).Delete(key)
	})
}

func (w *WindowStore) Size() (int, error) {
	var n int
	err := w.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(windowBucket).Stats().KeyN
		return nil
	})
	return n, err
}

func (w *WindowStore) SizeInBytes() (int64, error) {
	var n int64
	err := w.db.View(func(tx *bbolt.Tx) error {
		stats := tx.Bucket(windowBucket).Stats()
		n = int64(stats.LeafAlloc)
		return nil
	})
	return n, err
}

// Clear drops and recreates the bucket, emptying the window.
func (w *WindowStore) Clear() error {
	return w.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(windowBucket); err != nil && err != bbolt.ErrBucketNotFound {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(windowBucket)
		return err
	})
}

// EachInShard streams the entries whose key falls in shard shardID of
// totalShards via a cursor, never materializing the whole bucket, per
// spec §4.5's get_iterator contract.
func (w *WindowStore) EachInShard(totalShards, shardID int, fn func(key, value []byte) error) error {
	return w.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(windowBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if shardOf(k, totalShards) != shardID {
				continue
			}
			if err := fn(append([]byte(nil), k...), append([]byte(nil), v...)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (w *WindowStore) Close() error {
	return w.db.Close()
}

// Unlink closes the store and removes its backing file, per spec §4.5's
// shutdown contract ("unlinks the four window files").
func (w *WindowStore) Unlink() error {
	if err := w.db.Close(); err != nil {
		return err
	}
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
