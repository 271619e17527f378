// Package disk is the durable local layer.
//
// Entries are files on a go-billy filesystem, one per key, named by the hash
// of the key and sharded into 256 subdirectories under the namespace root.
// Payloads above a threshold are zstd compressed. Every file is framed and
// checksummed (internal/wire); a damaged file is reported as a layer failure
// and deleted so the next read misses cleanly.
//
// SizeLimit bounds the bytes on disk. When a write pushes the total past the
// limit, least recently used entries are evicted until it fits.
package disk

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/klauspost/compress/zstd"

	"github.com/unkn0wn-root/layercache/internal/keys"
	"github.com/unkn0wn-root/layercache/internal/wire"
	"github.com/unkn0wn-root/layercache/layer"
)

const (
	fileExt            = ".lce"
	tmpPrefix          = ".tmp-"
	defaultMinCompress = 1024
)

var (
	ErrTooLarge       = errors.New("disk: entry larger than size limit")
	ErrEmptyNamespace = errors.New("disk: namespace is required")
)

type Config struct {
	FS               billy.Filesystem // nil => osfs rooted at Dir
	Dir              string           // required when FS is nil
	Namespace        string           // subdirectory owned by this layer
	SizeLimit        int64            // bytes on disk; 0 = unlimited
	CompressionLevel int              // zstd level; 0 disables compression
	MinCompressSize  int              // smaller payloads are stored raw; 0 => 1 KiB
}

type entry struct {
	size       int64
	lastAccess time.Time
}

type Layer struct {
	fs          billy.Filesystem
	limit       int64
	minCompress int
	enc         *zstd.Encoder
	dec         *zstd.Decoder

	mu    sync.Mutex
	index map[string]*entry // by relative path
	size  int64
	now   func() time.Time
}

var _ layer.Layer = (*Layer)(nil)

// Open prepares the namespace directory and indexes the entries already on
// disk, using file modification times as the initial access times.
func Open(cfg Config) (*Layer, error) {
	if cfg.Namespace == "" {
		return nil, ErrEmptyNamespace
	}
	root := cfg.FS
	if root == nil {
		if cfg.Dir == "" {
			return nil, errors.New("disk: Dir is required when FS is nil")
		}
		root = osfs.New(cfg.Dir)
	}
	if err := root.MkdirAll(cfg.Namespace, 0o755); err != nil {
		return nil, fmt.Errorf("disk: create namespace dir: %w", err)
	}
	nsfs, err := root.Chroot(cfg.Namespace)
	if err != nil {
		return nil, fmt.Errorf("disk: chroot namespace: %w", err)
	}

	l := &Layer{
		fs:          nsfs,
		limit:       cfg.SizeLimit,
		minCompress: cfg.MinCompressSize,
		index:       make(map[string]*entry),
		now:         time.Now,
	}
	if l.minCompress <= 0 {
		l.minCompress = defaultMinCompress
	}
	if cfg.CompressionLevel > 0 {
		l.enc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(cfg.CompressionLevel)))
		if err != nil {
			return nil, fmt.Errorf("disk: zstd encoder: %w", err)
		}
	}
	// the decoder is always available so entries written with compression
	// stay readable after it is turned off
	l.dec, err = zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("disk: zstd decoder: %w", err)
	}

	if err := l.loadIndex(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Layer) Name() string { return "disk" }

// path returns the shard directory and file path for key.
func (l *Layer) path(key string) (dir, p string) {
	h := keys.Hash(key)
	return h[:2], l.fs.Join(h[:2], h+fileExt)
}

func (l *Layer) Store(ctx context.Context, key string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := l.frame(key, payload)
	if err != nil {
		return err
	}
	size := int64(len(data))
	if l.limit > 0 && size > l.limit {
		return ErrTooLarge
	}

	dir, p := l.path(key)

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.writeAtomically(dir, p, data); err != nil {
		return err
	}
	if old, ok := l.index[p]; ok {
		l.size -= old.size
	}
	l.index[p] = &entry{size: size, lastAccess: l.now()}
	l.size += size
	l.evictLocked(p)
	return nil
}

func (l *Layer) Retrieve(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_, p := l.path(key)

	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := util.ReadFile(l.fs, p)
	if errors.Is(err, fs.ErrNotExist) {
		l.forgetLocked(p)
		return nil, &layer.MissError{Key: key}
	}
	if err != nil {
		return nil, fmt.Errorf("disk: read %s: %w", p, err)
	}

	e, err := wire.Decode(data)
	if err != nil {
		_ = l.dropLocked(p)
		return nil, fmt.Errorf("disk: %s: %w", p, err)
	}
	if e.Key != key {
		// name collision with a different key
		return nil, &layer.MissError{Key: key}
	}

	payload := e.Payload
	if e.Compressed() {
		payload, err = l.dec.DecodeAll(e.Payload, nil)
		if err != nil {
			_ = l.dropLocked(p)
			return nil, fmt.Errorf("disk: %s: %w: %v", p, wire.ErrCorrupt, err)
		}
	}

	if ent, ok := l.index[p]; ok {
		ent.lastAccess = l.now()
	} else {
		// written by another process sharing the directory
		l.index[p] = &entry{size: int64(len(data)), lastAccess: l.now()}
		l.size += int64(len(data))
	}
	return payload, nil
}

func (l *Layer) Remove(_ context.Context, key string) error {
	_, p := l.path(key)
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropLocked(p)
}

func (l *Layer) RemoveAll(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	infos, err := l.fs.ReadDir("/")
	if err != nil {
		return fmt.Errorf("disk: list namespace: %w", err)
	}
	var errs []error
	for _, fi := range infos {
		if err := util.RemoveAll(l.fs, fi.Name()); err != nil {
			errs = append(errs, err)
		}
	}
	l.index = make(map[string]*entry)
	l.size = 0
	return errors.Join(errs...)
}

func (l *Layer) Close(_ context.Context) error {
	if l.enc != nil {
		_ = l.enc.Close()
	}
	l.dec.Close()
	return nil
}

// Size returns the bytes currently accounted on disk.
func (l *Layer) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// Len returns the number of indexed entries.
func (l *Layer) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.index)
}

func (l *Layer) frame(key string, payload []byte) ([]byte, error) {
	e := wire.Entry{Key: key, Payload: payload}
	if l.enc != nil && len(payload) >= l.minCompress {
		if c := l.enc.EncodeAll(payload, nil); len(c) < len(payload) {
			e.Payload = c
			e.Flags |= wire.FlagZstd
		}
	}
	return wire.Encode(e)
}

// writeAtomically writes to a temp file in the target directory and renames
// it over p, so readers never see a partial entry.
func (l *Layer) writeAtomically(dir, p string, data []byte) error {
	if err := l.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("disk: mkdir %s: %w", dir, err)
	}
	tmp, err := l.fs.TempFile(dir, tmpPrefix)
	if err != nil {
		return fmt.Errorf("disk: temp file: %w", err)
	}
	_, werr := tmp.Write(data)
	cerr := tmp.Close()
	if werr != nil || cerr != nil {
		_ = l.fs.Remove(tmp.Name())
		return fmt.Errorf("disk: write %s: %w", p, errors.Join(werr, cerr))
	}
	if err := l.fs.Rename(tmp.Name(), p); err != nil {
		_ = l.fs.Remove(tmp.Name())
		return fmt.Errorf("disk: rename %s: %w", p, err)
	}
	return nil
}

// evictLocked removes least recently used entries until the total fits.
// keep is never evicted.
func (l *Layer) evictLocked(keep string) {
	if l.limit <= 0 {
		return
	}
	for l.size > l.limit {
		var victim string
		var oldest time.Time
		for p, e := range l.index {
			if p == keep {
				continue
			}
			if victim == "" || e.lastAccess.Before(oldest) {
				victim, oldest = p, e.lastAccess
			}
		}
		if victim == "" {
			return
		}
		_ = l.dropLocked(victim)
	}
}

func (l *Layer) dropLocked(p string) error {
	l.forgetLocked(p)
	if err := l.fs.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("disk: remove %s: %w", p, err)
	}
	return nil
}

func (l *Layer) forgetLocked(p string) {
	if e, ok := l.index[p]; ok {
		l.size -= e.size
		delete(l.index, p)
	}
}

func (l *Layer) loadIndex() error {
	shards, err := l.fs.ReadDir("/")
	if err != nil {
		return fmt.Errorf("disk: list namespace: %w", err)
	}
	for _, sd := range shards {
		if !sd.IsDir() {
			continue
		}
		files, err := l.fs.ReadDir(sd.Name())
		if err != nil {
			return fmt.Errorf("disk: list %s: %w", sd.Name(), err)
		}
		for _, fi := range files {
			p := l.fs.Join(sd.Name(), fi.Name())
			switch {
			case strings.HasPrefix(fi.Name(), tmpPrefix):
				_ = l.fs.Remove(p) // interrupted write
			case strings.HasSuffix(fi.Name(), fileExt):
				l.index[p] = &entry{size: fi.Size(), lastAccess: fi.ModTime()}
				l.size += fi.Size()
			}
		}
	}
	return nil
}
