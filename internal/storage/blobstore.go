package storage

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/ry-ht/cogcore/internal/coreerr"
)

var (
	bucketBlobs = []byte("blobs")
	bucketRefs  = []byte("refs")
)

// BlobStore is a content-addressed byte store with reference counting,
// grounding spec.md §4.11's "content stored by hash, refcounted, garbage
// collected when the last reference drops." Backed by bbolt per
// SPEC_FULL.md's domain-stack table.
type BlobStore struct {
	db *bbolt.DB
}

// OpenBlobStore opens (creating if absent) a bbolt-backed blob store at path.
func OpenBlobStore(path string) (*BlobStore, error) {
	db, err := bbolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketBlobs); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketRefs)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init blob store buckets: %w", err)
	}
	return &BlobStore{db: db}, nil
}

// Hash returns the content address for data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Put stores data under its content hash, incrementing its refcount by one,
// and returns the hash. Storing identical content twice is a no-op on the
// bytes and a refcount increment, which is how vfs node copies share storage.
func (s *BlobStore) Put(data []byte) (string, error) {
	hash := Hash(data)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		blobs := tx.Bucket(bucketBlobs)
		refs := tx.Bucket(bucketRefs)
		if blobs.Get([]byte(hash)) == nil {
			if err := blobs.Put([]byte(hash), data); err != nil {
				return err
			}
		}
		return bumpRef(refs, hash, 1)
	})
	return hash, err
}

// Get retrieves the content for hash.
func (s *BlobStore) Get(hash string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketBlobs).Get([]byte(hash))
		if v == nil {
			return coreerr.ErrNotFound
		}
		out = append(out, v...)
		return nil
	})
	return out, err
}

// AddRef increments the reference count for an existing hash, used when a
// second node comes to reference content already stored (copy, fork).
func (s *BlobStore) AddRef(hash string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketBlobs).Get([]byte(hash)) == nil {
			return coreerr.ErrNotFound
		}
		return bumpRef(tx.Bucket(bucketRefs), hash, 1)
	})
}

// Release decrements the reference count for hash, deleting the content once
// it reaches zero.
func (s *BlobStore) Release(hash string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		refs := tx.Bucket(bucketRefs)
		count := refCount(refs, hash)
		if count <= 0 {
			return nil
		}
		count--
		if count <= 0 {
			if err := refs.Delete([]byte(hash)); err != nil {
				return err
			}
			return tx.Bucket(bucketBlobs).Delete([]byte(hash))
		}
		return putRefCount(refs, hash, count)
	})
}

// RefCount reports the current reference count for hash.
func (s *BlobStore) RefCount(hash string) int {
	count := 0
	s.db.View(func(tx *bbolt.Tx) error {
		count = refCount(tx.Bucket(bucketRefs), hash)
		return nil
	})
	return count
}

// Close releases the underlying bbolt file handle.
func (s *BlobStore) Close() error {
	return s.db.Close()
}

func bumpRef(refs *bbolt.Bucket, hash string, delta int) error {
	return putRefCount(refs, hash, refCount(refs, hash)+delta)
}

func refCount(refs *bbolt.Bucket, hash string) int {
	v := refs.Get([]byte(hash))
	if v == nil {
		return 0
	}
	return int(binary.BigEndian.Uint64(v))
}

func putRefCount(refs *bbolt.Bucket, hash string, count int) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(count))
	return refs.Put([]byte(hash), buf)
}
