// Package facecache stores detector output keyed by frame content so identical
// frames are only analysed once. Both stages of a job re-detect the same
// frames, and re-runs over a kept frame directory hit the cache entirely.
package facecache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"log/slog"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/andresmejia3/swapline/internal/types"
)

const keyPrefix = "faces:"

// Cache is a badger-backed detection cache.
type Cache struct {
	db *badger.DB
}

// Options configures the cache.
type Options struct {
	// Dir holds badger data files. Ignored when InMemory is set.
	Dir string
	// InMemory keeps everything in memory (tests, throwaway runs).
	InMemory bool
}

// Open opens or creates the cache.
func Open(opts Options) (*Cache, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("facecache: Dir is required for on-disk mode")
	}
	dbOpts := badger.DefaultOptions(opts.Dir).WithLogger(quietLogger{})
	if opts.InMemory {
		dbOpts = dbOpts.WithInMemory(true)
	}
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, err
	}
	return &Cache{db: db}, nil
}

// Key derives the content key of a frame.
func Key(frame *image.RGBA) string {
	h := sha256.New()
	var dims [8]byte
	b := frame.Bounds()
	binary.BigEndian.PutUint32(dims[:4], uint32(b.Dx()))
	binary.BigEndian.PutUint32(dims[4:], uint32(b.Dy()))
	h.Write(dims[:])
	// Walk rows so sub-images with a larger stride hash the same as a copy.
	for y := b.Min.Y; y < b.Max.Y; y++ {
		off := frame.PixOffset(b.Min.X, y)
		h.Write(frame.Pix[off : off+b.Dx()*4])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the cached faces for key. A hit with zero faces is valid.
func (c *Cache) Get(key string) ([]types.Face, bool) {
	var faces []types.Face
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return msgpack.Unmarshal(val, &faces)
		})
	})
	if err != nil {
		if !errors.Is(err, badger.ErrKeyNotFound) {
			slog.Debug("facecache: read failed", "key", key, "err", err)
		}
		return nil, false
	}
	return faces, true
}

// Put stores faces under key. Failures are logged and otherwise ignored; the
// cache is an optimisation only.
func (c *Cache) Put(key string, faces []types.Face) {
	data, err := msgpack.Marshal(faces)
	if err != nil {
		slog.Debug("facecache: encode failed", "key", key, "err", err)
		return
	}
	err = c.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyPrefix+key), data)
	})
	if err != nil {
		slog.Debug("facecache: write failed", "key", key, "err", err)
	}
}

// Reset removes every cached entry.
func (c *Cache) Reset() error {
	return c.db.DropPrefix([]byte(keyPrefix))
}

// Close flushes and closes the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// quietLogger routes badger errors and warnings to slog.
type quietLogger struct{}

func (quietLogger) Errorf(f string, v ...interface{})   { slog.Error("facecache: badger", "msg", fmt.Sprintf(f, v...)) }
func (quietLogger) Warningf(f string, v ...interface{}) { slog.Debug("facecache: badger", "msg", fmt.Sprintf(f, v...)) }
func (quietLogger) Infof(f string, v ...interface{})    {}
func (quietLogger) Debugf(f string, v ...interface{})   {}
