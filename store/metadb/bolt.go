// Package metadb persists the bridge credential, the registered speech
// engine and the audio catalog in bbolt files.
package metadb

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"

	ttsbridge "github.com/wolfeidau/tts-bridge"
)

// BoltDB is a single bbolt file holding JSON values under fixed keys.
// bbolt runs one write transaction at a time, so every Update is an atomic
// read-modify-write of its keys.
type BoltDB struct {
	db      *bbolt.DB
	codec   *ValueCodec
	buckets [][]byte
	logger  *slog.Logger
	now     func() time.Time
	noSync  bool // disables fsync per transaction (for testing only)
}

// BoltDBOption configures a BoltDB instance.
type BoltDBOption func(*BoltDB)

// WithLogger sets the logger for the database.
func WithLogger(logger *slog.Logger) BoltDBOption {
	return func(b *BoltDB) {
		b.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) BoltDBOption {
	return func(b *BoltDB) {
		b.now = now
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing, never in production.
func WithNoSync(noSync bool) BoltDBOption {
	return func(b *BoltDB) {
		b.noSync = noSync
	}
}

func newBoltDB(buckets [][]byte, opts ...BoltDBOption) *BoltDB {
	b := &BoltDB{
		buckets: buckets,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open opens the database at the given path.
func (b *BoltDB) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return unavailable("open", fmt.Errorf("opening database: %w", err))
	}
	b.db = db

	if err := b.createBuckets(); err != nil {
		_ = db.Close()
		return unavailable("open", err)
	}

	codec, err := NewValueCodec()
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("creating value codec: %w", err)
	}
	b.codec = codec

	b.logger.Debug("opened metadb", "path", path, "noSync", b.noSync)
	return nil
}

func (b *BoltDB) createBuckets() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range b.buckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the database and releases resources.
func (b *BoltDB) Close() error {
	if b.codec != nil {
		b.codec.Close()
		b.codec = nil
	}
	if b.db == nil {
		return nil
	}
	b.logger.Debug("closing metadb")
	err := b.db.Close()
	b.db = nil
	return err
}

// Path returns the file backing the database.
func (b *BoltDB) Path() string {
	if b.db == nil {
		return ""
	}
	return b.db.Path()
}

// getJSON decodes the value at bucket/key into v. It reports false when the
// key was never written.
func (b *BoltDB) getJSON(tx *bbolt.Tx, bucket, key []byte, v any) (bool, error) {
	bkt := tx.Bucket(bucket)
	if bkt == nil {
		return false, fmt.Errorf("bucket %s not found", bucket)
	}
	raw := bkt.Get(key)
	if raw == nil {
		return false, nil
	}
	data, err := b.codec.Decode(raw)
	if err != nil {
		return false, fmt.Errorf("decoding %s/%s: %w", bucket, key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("unmarshaling %s/%s: %w", bucket, key, err)
	}
	return true, nil
}

func (b *BoltDB) putJSON(tx *bbolt.Tx, bucket, key []byte, v any) error {
	bkt := tx.Bucket(bucket)
	if bkt == nil {
		return fmt.Errorf("bucket %s not found", bucket)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s/%s: %w", bucket, key, err)
	}
	value, err := b.codec.Encode(data)
	if err != nil {
		return fmt.Errorf("encoding %s/%s: %w", bucket, key, err)
	}
	if err := bkt.Put(key, value); err != nil {
		return fmt.Errorf("putting %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (b *BoltDB) view(op string, fn func(tx *bbolt.Tx) error) error {
	if b.db == nil {
		return unavailable(op, bbolt.ErrDatabaseNotOpen)
	}
	return passOrUnavailable(op, b.db.View(fn))
}

func (b *BoltDB) update(op string, fn func(tx *bbolt.Tx) error) error {
	if b.db == nil {
		return unavailable(op, bbolt.ErrDatabaseNotOpen)
	}
	return passOrUnavailable(op, b.db.Update(fn))
}

func unavailable(op string, err error) error {
	return ttsbridge.E(ttsbridge.KindStoreUnavailable, "metadb."+op, err)
}

// passOrUnavailable keeps classified errors returned by callbacks and maps
// everything else to StoreUnavailable.
func passOrUnavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *ttsbridge.Error
	if errors.As(err, &e) {
		return err
	}
	return unavailable(op, err)
}
