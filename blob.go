package pdict

import (
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// blobStore is the optional external value store: a single-bucket bbolt
// file holding the serialized payloads, keyed exactly like the index. It
// exists so large values do not bloat the index rows.
type blobStore struct {
	db *bolt.DB
}

var blobBucket = []byte("values")

func openBlobs(path string, lockTimeout time.Duration) (*blobStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: lockTimeout})
	if err != nil {
		if errors.Is(err, bolt.ErrTimeout) {
			return nil, fmt.Errorf("%w: open blobs %q: %v", ErrBusy, path, err)
		}
		return nil, fmt.Errorf("open blobs %q: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(blobBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("open blobs %q: %w", path, err)
	}
	return &blobStore{db: db}, nil
}

// get returns the stored bytes, or ErrNotFound when the key has no payload.
func (s *blobStore) get(key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(blobBucket).Get([]byte(key))
		if v == nil {
			return fmt.Errorf("blob %q: %w", key, ErrNotFound)
		}
		out = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *blobStore) set(key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(blobBucket).Put([]byte(key), value)
	})
}

// delete is a no-op for absent keys.
func (s *blobStore) delete(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(blobBucket).Delete([]byte(key))
	})
}

func (s *blobStore) clear() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(blobBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucket(blobBucket)
		return err
	})
}

func (s *blobStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
