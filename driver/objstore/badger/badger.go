// Package badger implements objstore.Bucket on an embedded BadgerDB, for
// single-node deployments and tests that need the object-store layout
// without an S3 endpoint.
//
// Every object has a metadata entry under "m/<key>". File content is split
// into chunks stored under "c/<generation>/<index>"; a Put writes a fresh
// generation and switches the metadata entry to it in one transaction, so
// readers never see a half-written object.
package badger

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/jmgilman/go/errors"

	"github.com/gonzalop/s3ftpd/driver/objstore"
)

// Metadata layout: 8-byte big-endian modification time (Unix nanoseconds),
// one kind byte, 8-byte big-endian size, then the chunk generation.
const headerSize = 17

// chunkSize stays well below badger's 1 MB value limit.
const chunkSize = 256 * 1024

const (
	metaPrefix  = "m/"
	chunkPrefix = "c/"
)

const (
	kindFile byte = iota
	kindDir
)

// Options configures the database.
type Options struct {
	// Dir is the database directory. Ignored when InMemory is set.
	Dir string `mapstructure:"dir" validate:"required_without=InMemory"`

	// InMemory keeps everything in memory; the content is lost on Close.
	InMemory bool `mapstructure:"in_memory"`
}

// Bucket is an objstore.Bucket stored in a BadgerDB.
type Bucket struct {
	db  *badger.DB
	now func() time.Time
}

var _ objstore.Bucket = (*Bucket)(nil)

// Open opens (or creates) the database described by opts.
func Open(opts Options) (*Bucket, error) {
	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.Dir == "" {
			return nil, fmt.Errorf("badger: dir is required")
		}
		bopts = badger.DefaultOptions(opts.Dir)
	}
	bopts = bopts.WithLoggingLevel(badger.WARNING)

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}
	return &Bucket{db: db, now: time.Now}, nil
}

// Close closes the database.
func (b *Bucket) Close() error {
	return b.db.Close()
}

// meta is the decoded metadata entry of an object.
type meta struct {
	modTime time.Time
	kind    byte
	size    int64
	gen     string
}

func (m meta) encode() []byte {
	v := make([]byte, headerSize+len(m.gen))
	binary.BigEndian.PutUint64(v, uint64(m.modTime.UnixNano()))
	v[8] = m.kind
	binary.BigEndian.PutUint64(v[9:], uint64(m.size))
	copy(v[headerSize:], m.gen)
	return v
}

func decodeMeta(key string, v []byte) (meta, error) {
	if len(v) < headerSize {
		return meta{}, errors.Newf(errors.CodeInternal, "corrupt metadata for %q", key)
	}
	return meta{
		modTime: time.Unix(0, int64(binary.BigEndian.Uint64(v))),
		kind:    v[8],
		size:    int64(binary.BigEndian.Uint64(v[9:])),
		gen:     string(v[headerSize:]),
	}, nil
}

func (m meta) object(key string) objstore.Object {
	obj := objstore.Object{
		Key:         key,
		Size:        m.size,
		ModTime:     m.modTime,
		ContentType: "application/octet-stream",
	}
	if m.kind == kindDir {
		obj.ContentType = objstore.DirContentType
	}
	return obj
}

func metaKey(key string) []byte {
	return []byte(metaPrefix + key)
}

func chunkKey(gen string, index uint64) []byte {
	k := make([]byte, 0, len(chunkPrefix)+len(gen)+9)
	k = append(k, chunkPrefix...)
	k = append(k, gen...)
	k = append(k, '/')
	return binary.BigEndian.AppendUint64(k, index)
}

// dbError wraps a badger failure. Badger embeds a hex dump of oversized
// values in its messages; only the first sentence is kept. Coded errors
// pass through unchanged.
func dbError(err error, op, key string) error {
	if errors.GetCode(err) != errors.CodeUnknown {
		return err
	}
	msg := err.Error()
	if i := strings.Index(msg, ". "); i >= 0 {
		msg = msg[:i]
	}
	return errors.Newf(errors.CodeDatabase, "%s %q: %s", op, key, msg)
}

func (b *Bucket) List(_ context.Context, prefix string) ([]objstore.Object, error) {
	var objs []objstore.Object
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{
			PrefetchValues: true,
			PrefetchSize:   100,
			Prefix:         metaKey(prefix),
		})
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := strings.TrimPrefix(string(item.Key()), metaPrefix)
			err := item.Value(func(v []byte) error {
				m, err := decodeMeta(key, v)
				if err != nil {
					return err
				}
				objs = append(objs, m.object(key))
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, dbError(err, "list", prefix)
	}
	return objs, nil
}

// lookup reads the metadata of key within txn.
func lookup(txn *badger.Txn, key string) (meta, error) {
	item, err := txn.Get(metaKey(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return meta{}, errors.Newf(errors.CodeNotFound, "object %q not found", key)
	}
	if err != nil {
		return meta{}, dbError(err, "get", key)
	}
	var m meta
	err = item.Value(func(v []byte) error {
		m, err = decodeMeta(key, v)
		return err
	})
	return m, err
}

func (b *Bucket) head(key string) (meta, error) {
	if key == "" {
		return meta{}, errors.New(errors.CodeNotFound, "empty key")
	}
	var m meta
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		m, err = lookup(txn, key)
		return err
	})
	return m, err
}

func (b *Bucket) Head(_ context.Context, key string) (objstore.Object, error) {
	m, err := b.head(key)
	if err != nil {
		return objstore.Object{}, err
	}
	return m.object(key), nil
}

// Get streams the chunks of key one at a time.
func (b *Bucket) Get(_ context.Context, key string) (io.ReadCloser, error) {
	m, err := b.head(key)
	if err != nil {
		return nil, err
	}
	return &chunkReader{
		db:     b.db,
		key:    key,
		gen:    m.gen,
		chunks: (uint64(m.size) + chunkSize - 1) / chunkSize,
	}, nil
}

type chunkReader struct {
	db     *badger.DB
	key    string
	gen    string
	next   uint64
	chunks uint64
	buf    []byte
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.buf) == 0 {
		if r.next >= r.chunks {
			return 0, io.EOF
		}
		err := r.db.View(func(txn *badger.Txn) error {
			item, err := txn.Get(chunkKey(r.gen, r.next))
			if err != nil {
				return err
			}
			r.buf, err = item.ValueCopy(nil)
			return err
		})
		if errors.Is(err, badger.ErrKeyNotFound) {
			return 0, errors.Newf(errors.CodeConflict, "object %q was replaced while reading", r.key)
		}
		if err != nil {
			return 0, dbError(err, "read", r.key)
		}
		r.next++
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (r *chunkReader) Close() error {
	r.buf = nil
	r.next = r.chunks
	return nil
}

// Put writes the content of r as a new chunk generation, then points the
// metadata entry of key at it and drops the generation it replaced.
func (b *Bucket) Put(_ context.Context, key string, r io.Reader, contentType string) (int64, error) {
	m := meta{modTime: b.now(), kind: kindFile}
	if contentType == objstore.DirContentType {
		m.kind = kindDir
	}

	if m.kind == kindFile {
		m.gen = uuid.NewString()
		size, err := b.writeChunks(key, m.gen, r)
		if err != nil {
			b.deleteChunks(m.gen)
			return 0, err
		}
		m.size = size
	}

	if err := b.setMeta(key, m); err != nil {
		b.deleteChunks(m.gen)
		return 0, err
	}
	return m.size, nil
}

func (b *Bucket) writeChunks(key, gen string, r io.Reader) (int64, error) {
	wb := b.db.NewWriteBatch()
	var size int64
	for index := uint64(0); ; index++ {
		chunk := make([]byte, chunkSize)
		n, err := io.ReadFull(r, chunk)
		if n > 0 {
			if err := wb.Set(chunkKey(gen, index), chunk[:n]); err != nil {
				wb.Cancel()
				return 0, dbError(err, "put", key)
			}
			size += int64(n)
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			wb.Cancel()
			return 0, fmt.Errorf("failed to read object content: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, dbError(err, "put", key)
	}
	return size, nil
}

// setMeta installs m as the metadata of key and drops the chunks of the
// object it replaces.
func (b *Bucket) setMeta(key string, m meta) error {
	var old string
	err := b.db.Update(func(txn *badger.Txn) error {
		prev, err := lookup(txn, key)
		switch {
		case err == nil:
			old = prev.gen
		case errors.GetCode(err) != errors.CodeNotFound:
			return err
		}
		return txn.Set(metaKey(key), m.encode())
	})
	if err != nil {
		return dbError(err, "put", key)
	}
	b.deleteChunks(old)
	return nil
}

// deleteChunks removes every chunk of gen. Failures leave unreachable
// chunks behind and are not reported.
func (b *Bucket) deleteChunks(gen string) {
	if gen == "" {
		return
	}
	prefix := []byte(chunkPrefix + gen + "/")

	var keys [][]byte
	_ = b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})

	wb := b.db.NewWriteBatch()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			wb.Cancel()
			return
		}
	}
	_ = wb.Flush()
}

func (b *Bucket) Delete(_ context.Context, key string) error {
	var gen string
	err := b.db.Update(func(txn *badger.Txn) error {
		m, err := lookup(txn, key)
		if err != nil {
			if errors.GetCode(err) == errors.CodeNotFound {
				return nil
			}
			return err
		}
		gen = m.gen
		return txn.Delete(metaKey(key))
	})
	if err != nil {
		return dbError(err, "delete", key)
	}
	b.deleteChunks(gen)
	return nil
}

// Copy duplicates the chunks of src under a new generation, keeping the
// modification time of src.
func (b *Bucket) Copy(ctx context.Context, src, dst string) error {
	m, err := b.head(src)
	if err != nil {
		return err
	}
	if m.kind == kindFile {
		rc, err := b.Get(ctx, src)
		if err != nil {
			return err
		}
		defer rc.Close()

		m.gen = uuid.NewString()
		if _, err := b.writeChunks(dst, m.gen, rc); err != nil {
			b.deleteChunks(m.gen)
			return err
		}
	}
	if err := b.setMeta(dst, m); err != nil {
		b.deleteChunks(m.gen)
		return err
	}
	return nil
}
