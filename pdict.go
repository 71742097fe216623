// Package pdict is a persistent, expiration-aware key-value cache with a
// dictionary-style interface and a single-file SQLite backend.
//
// Values are msgpack-encoded, zlib-compressed and stored per key together
// with caller-defined metadata and a last-updated timestamp. An optional
// expiry window makes entries invisible to Contains/Get/Fetch once they age
// out; metadata access and key enumeration deliberately ignore expiry.
// Values can optionally live in a separate bbolt file next to the index,
// for callers caching large payloads such as web pages.
//
// Multiple processes may open the same files concurrently; the stores'
// own locking is the only serialization point, bounded by LockTimeout.
package pdict

import (
	"errors"
	"fmt"
	"iter"
	"time"
)

// DefaultLockTimeout bounds how long an operation waits for the backing
// store's lock before failing with ErrBusy.
const DefaultLockTimeout = 10 * time.Second

// Options configures a Dict. The zero value is usable: an in-memory index,
// default compression, no expiry, inline values.
type Options struct {
	// Filename is the SQLite index file. Empty or ":memory:" keeps the
	// cache in memory for the lifetime of the instance.
	Filename string

	// CompressLevel is the zlib level (1-9) applied to encoded values.
	// Zero selects DefaultCompressLevel.
	CompressLevel int

	// ExpiresAfter is the freshness window. Nil disables expiry; a zero
	// duration marks every entry immediately stale.
	ExpiresAfter *time.Duration

	// LockTimeout bounds waits on store locks. Zero selects
	// DefaultLockTimeout.
	LockTimeout time.Duration

	// Batch holds writes in an open transaction until Commit or Close
	// instead of autocommitting each statement.
	Batch bool

	// ExternalValues stores value payloads in a bbolt file next to the
	// index ("<Filename>.blob") instead of inline in the index row. The
	// choice is fixed for the lifetime of the files.
	ExternalValues bool
}

// Expires is a convenience for filling Options.ExpiresAfter.
func Expires(d time.Duration) *time.Duration { return &d }

// Entry is the full record for a key as returned by Fetch.
type Entry[V any] struct {
	Value   V
	Meta    any
	Status  int // reserved, never interpreted here
	Updated time.Time
}

// Dict is the persistent dictionary. All methods are safe for concurrent
// use; the Dict adds no locking of its own beyond what the backing stores
// provide, so multi-step read-modify-write sequences need caller
// coordination.
type Dict[V any] struct {
	opts  Options
	codec codec
	fresh freshness
	index *indexStore
	blobs *blobStore // nil when values are stored inline
}

// Open creates or opens the cache described by opts. The returned Dict owns
// its store handles; release them with Close.
func Open[V any](opts Options) (*Dict[V], error) {
	if opts.CompressLevel == 0 {
		opts.CompressLevel = DefaultCompressLevel
	}
	if opts.CompressLevel < 1 || opts.CompressLevel > 9 {
		return nil, fmt.Errorf("pdict: compress level %d out of range 1-9", opts.CompressLevel)
	}
	if opts.LockTimeout == 0 {
		opts.LockTimeout = DefaultLockTimeout
	}
	memory := opts.Filename == "" || opts.Filename == ":memory:"
	if opts.ExternalValues && memory {
		return nil, errors.New("pdict: external values require a file-backed cache")
	}

	fresh := freshness{}
	if opts.ExpiresAfter != nil {
		fresh = freshness{window: *opts.ExpiresAfter, enabled: true}
	}

	index, err := openIndex(opts.Filename, opts.LockTimeout, fresh, opts.Batch)
	if err != nil {
		return nil, err
	}
	d := &Dict[V]{
		opts:  opts,
		codec: codec{level: opts.CompressLevel},
		fresh: fresh,
		index: index,
	}
	if opts.ExternalValues {
		blobs, err := openBlobs(opts.Filename+".blob", opts.LockTimeout)
		if err != nil {
			index.Close()
			return nil, err
		}
		d.blobs = blobs
	}
	return d, nil
}

// Contains reports whether key is cached and still fresh.
func (d *Dict[V]) Contains(key string) (bool, error) {
	return d.index.exists(key, time.Now())
}

// Get returns the cached value for key. It fails with ErrNotFound when the
// key was never cached and ErrStale when it exists but has expired.
func (d *Dict[V]) Get(key string) (V, error) {
	var zero V
	row, err := d.index.read(key)
	if err != nil {
		return zero, err
	}
	if !d.fresh.fresh(row.updated, time.Now()) {
		return zero, fmt.Errorf("get %q: %w", key, ErrStale)
	}
	value := row.value
	if d.blobs != nil {
		if value, err = d.blobs.get(key); err != nil {
			return zero, err
		}
	}
	var v V
	if err := d.codec.decode(value, &v); err != nil {
		return zero, fmt.Errorf("get %q: %w", key, err)
	}
	return v, nil
}

// Fetch returns the full entry for key, or ok=false when the key is absent
// or stale. It is the non-failing counterpart of Get for callers that also
// want the metadata and timestamp.
func (d *Dict[V]) Fetch(key string) (*Entry[V], bool, error) {
	row, err := d.index.read(key)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if !d.fresh.fresh(row.updated, time.Now()) {
		return nil, false, nil
	}
	value := row.value
	if d.blobs != nil {
		if value, err = d.blobs.get(key); err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, false, nil
			}
			return nil, false, err
		}
	}
	entry := &Entry[V]{Status: row.status, Updated: row.updated}
	if err := d.codec.decode(value, &entry.Value); err != nil {
		return nil, false, fmt.Errorf("fetch %q: %w", key, err)
	}
	if err := d.codec.decode(row.meta, &entry.Meta); err != nil {
		return nil, false, fmt.Errorf("fetch %q: %w", key, err)
	}
	return entry, true, nil
}

// Set stores value under key with insert-or-replace semantics: any previous
// value is replaced, metadata is reset to an empty map and the timestamp is
// stamped to now.
func (d *Dict[V]) Set(key string, value V) error {
	meta, err := d.codec.encode(map[string]any{})
	if err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	encoded, err := d.codec.encode(value)
	if err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	now := time.Now()
	if d.blobs != nil {
		if err := d.index.upsert(key, nil, meta, now); err != nil {
			return err
		}
		return d.blobs.set(key, encoded)
	}
	return d.index.upsert(key, encoded, meta, now)
}

// Delete removes key from the index and, in external-value mode, from the
// blob store. Deleting an absent key is a no-op.
func (d *Dict[V]) Delete(key string) error {
	if err := d.index.delete(key); err != nil {
		return err
	}
	if d.blobs != nil {
		return d.blobs.delete(key)
	}
	return nil
}

// Meta returns the metadata stored for key. Unlike Get it ignores
// freshness, since metadata is bookkeeping rather than cached content. It
// fails with ErrNotFound only when no row exists at all.
func (d *Dict[V]) Meta(key string) (any, error) {
	raw, err := d.index.readMeta(key)
	if err != nil {
		return nil, err
	}
	var meta any
	if err := d.codec.decode(raw, &meta); err != nil {
		return nil, fmt.Errorf("meta %q: %w", key, err)
	}
	return meta, nil
}

// SetMeta replaces the metadata for an existing key and stamps the
// timestamp, leaving the value untouched. Setting metadata on a missing key
// is a no-op: no row is created.
func (d *Dict[V]) SetMeta(key string, meta any) error {
	encoded, err := d.codec.encode(meta)
	if err != nil {
		return fmt.Errorf("set meta %q: %w", key, err)
	}
	return d.index.writeMeta(key, encoded, time.Now())
}

// Keys enumerates every stored key lazily, in store order, including stale
// ones. Each range opens a fresh cursor, so the sequence is restartable.
func (d *Dict[V]) Keys() iter.Seq[string] {
	return d.index.keys()
}

// Len returns the number of stored rows, stale ones included.
func (d *Dict[V]) Len() (int, error) {
	return d.index.count()
}

// Clear removes every entry from both stores.
func (d *Dict[V]) Clear() error {
	if err := d.index.clear(); err != nil {
		return err
	}
	if d.blobs != nil {
		return d.blobs.clear()
	}
	return nil
}

// Merge copies entries from other into d. With override false, keys already
// fresh in d are left alone; with override true every source entry wins.
// Source entries that are stale or vanish mid-merge are skipped. Each copy
// commits independently; there is no whole-merge atomicity.
func (d *Dict[V]) Merge(other *Dict[V], override bool) error {
	keys, err := other.index.keyList()
	if err != nil {
		return err
	}
	for _, key := range keys {
		if !override {
			ok, err := d.Contains(key)
			if err != nil {
				return err
			}
			if ok {
				continue
			}
		}
		value, err := other.Get(key)
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrStale) {
			continue
		}
		if err != nil {
			return err
		}
		if err := d.Set(key, value); err != nil {
			return err
		}
	}
	return nil
}

// Clone opens a new Dict with the same configuration. Against a file-backed
// cache the clone is a shared view of the same data; it duplicates the
// configuration, not the contents. With ExternalValues the blob file is
// locked by a single open handle, so a clone cannot open until the original
// closes.
func (d *Dict[V]) Clone() (*Dict[V], error) {
	return Open[V](d.opts)
}

// Commit makes the transaction boundary explicit in Batch mode, flushing
// held writes and starting the next transaction. Outside Batch mode it is a
// no-op.
func (d *Dict[V]) Commit() error {
	return d.index.commit()
}

// Close commits any pending batch writes and releases both stores.
func (d *Dict[V]) Close() error {
	err := d.index.Close()
	if d.blobs != nil {
		if berr := d.blobs.Close(); err == nil {
			err = berr
		}
	}
	return err
}
