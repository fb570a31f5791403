package kvstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// BucketGeneral holds general application keys.
	BucketGeneral = "kv"
	// BucketSecurePrefs is the dedicated namespace used as the native secure
	// preferences store.
	BucketSecurePrefs = "secure_prefs"

	boltOpenTimeout = time.Second
)

// BoltDB owns one bbolt file. Buckets handed out by Bucket share it and stop
// working once Close is called.
type BoltDB struct {
	mu     sync.RWMutex
	db     *bolt.DB
	path   string
	closed bool
}

func OpenBolt(path string) (*BoltDB, error) {
	if path == "" {
		return nil, fmt.Errorf("open kvstore: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("open kvstore: create parent dir: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: boltOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("open kvstore %q: %w", path, err)
	}
	return &BoltDB{db: db, path: path}, nil
}

func (b *BoltDB) Path() string {
	if b == nil {
		return ""
	}
	return b.path
}

// Bucket returns a Store over the named bucket, creating it if needed.
func (b *BoltDB) Bucket(name string) (*Bolt, error) {
	if name == "" {
		return nil, fmt.Errorf("open bucket: empty name")
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}

	err := b.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(name))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("open bucket %q: %w", name, err)
	}
	return &Bolt{owner: b, bucket: []byte(name)}, nil
}

func (b *BoltDB) Close() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}

// Bolt is a Store scoped to a single bucket.
type Bolt struct {
	owner  *BoltDB
	bucket []byte
}

func (s *Bolt) Get(ctx context.Context, key string) (string, bool, error) {
	var (
		value string
		found bool
	)
	err := s.view(ctx, func(bkt *bolt.Bucket) error {
		raw := bkt.Get([]byte(key))
		if raw == nil {
			return nil
		}
		value = string(raw)
		found = true
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("kvstore get %q: %w", key, err)
	}
	return value, found, nil
}

func (s *Bolt) Set(ctx context.Context, key, value string) error {
	if key == "" {
		return fmt.Errorf("kvstore set: empty key")
	}
	err := s.update(ctx, func(bkt *bolt.Bucket) error {
		return bkt.Put([]byte(key), []byte(value))
	})
	if err != nil {
		return fmt.Errorf("kvstore set %q: %w", key, err)
	}
	return nil
}

func (s *Bolt) Remove(ctx context.Context, key string) error {
	err := s.update(ctx, func(bkt *bolt.Bucket) error {
		return bkt.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("kvstore remove %q: %w", key, err)
	}
	return nil
}

func (s *Bolt) Keys(ctx context.Context) ([]string, error) {
	keys := []string{}
	err := s.view(ctx, func(bkt *bolt.Bucket) error {
		return bkt.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("kvstore keys: %w", err)
	}
	return keys, nil
}

func (s *Bolt) view(ctx context.Context, fn func(*bolt.Bucket) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.owner.mu.RLock()
	defer s.owner.mu.RUnlock()
	if s.owner.closed {
		return ErrClosed
	}
	return s.owner.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(s.bucket)
		if bkt == nil {
			return fmt.Errorf("bucket %q missing", s.bucket)
		}
		return fn(bkt)
	})
}

func (s *Bolt) update(ctx context.Context, fn func(*bolt.Bucket) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.owner.mu.RLock()
	defer s.owner.mu.RUnlock()
	if s.owner.closed {
		return ErrClosed
	}
	return s.owner.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(s.bucket)
		if bkt == nil {
			return fmt.Errorf("bucket %q missing", s.bucket)
		}
		return fn(bkt)
	})
}
