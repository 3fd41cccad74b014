// Package drivecache bridges the remote drive and a local on-disk copy of
// its files. Reads that fall inside the downloaded prefix of a file are
// served from disk; everything past it is passed straight through to the
// remote provider while a background download keeps extending the prefix.
package drivecache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"sync/atomic"

	"github.com/sourcegraph/conc"
	"github.com/spf13/afero"

	"mediaserve/metrics"
	"mediaserve/services/remote"
)

const fillChunkSize = 256 * 1024

// Cache manages one Entry per remote file.
type Cache struct {
	provider remote.Provider
	fs       afero.Fs
	dir      string
	autoFill bool

	mu       sync.Mutex
	entries  map[string]*Entry
	creating map[string]chan struct{}
	closed   bool

	fills conc.WaitGroup
}

// Entry tracks the local copy of one remote file. downloaded only ever
// grows, and only after the bytes it covers are on disk.
type Entry struct {
	FileID string
	Info   remote.FileInfo

	cache      *Cache
	path       string
	downloaded atomic.Int64

	// guarded by cache.mu
	filling    bool
	cancelFill context.CancelFunc
}

// New builds a Cache rooted at dir. Pass afero.NewOsFs() in production;
// tests use an in-memory filesystem.
func New(provider remote.Provider, fsys afero.Fs, dir string, autoFill bool) (*Cache, error) {
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create drive cache dir: %w", err)
	}
	return &Cache{
		provider: provider,
		fs:       fsys,
		dir:      dir,
		autoFill: autoFill,
		entries:  make(map[string]*Entry),
		creating: make(map[string]chan struct{}),
	}, nil
}

func (c *Cache) cachePath(fileID string) string {
	sum := sha256.Sum256([]byte(fileID))
	return c.dir + "/" + hex.EncodeToString(sum[:]) + ".bin"
}

func (c *Cache) metaPath(fileID string) string {
	sum := sha256.Sum256([]byte(fileID))
	return c.dir + "/" + hex.EncodeToString(sum[:]) + ".meta.json"
}

// readMeta loads the persisted file metadata, if a previous run saved it.
func (c *Cache) readMeta(fileID string) (remote.FileInfo, bool) {
	data, err := afero.ReadFile(c.fs, c.metaPath(fileID))
	if err != nil {
		return remote.FileInfo{}, false
	}
	var info remote.FileInfo
	if err := json.Unmarshal(data, &info); err != nil || info.Size <= 0 {
		return remote.FileInfo{}, false
	}
	return info, true
}

func (c *Cache) writeMeta(fileID string, info remote.FileInfo) {
	data, err := json.Marshal(info)
	if err != nil {
		return
	}
	path := c.metaPath(fileID)
	tmp := path + ".tmp"
	if err := afero.WriteFile(c.fs, tmp, data, 0o644); err != nil {
		log.Printf("[drivecache] write metadata for %s: %v", fileID, err)
		return
	}
	if err := c.fs.Rename(tmp, path); err != nil {
		log.Printf("[drivecache] save metadata for %s: %v", fileID, err)
	}
}

// Open returns the entry for fileID, creating it on first use from either
// the persisted metadata of a previous run or a fresh remote stat.
// Concurrent opens for the same file share one stat.
func (c *Cache) Open(ctx context.Context, fileID string) (*Entry, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, fmt.Errorf("drive cache is shut down")
		}
		if e, ok := c.entries[fileID]; ok {
			c.maybeStartFillLocked(e)
			c.mu.Unlock()
			return e, nil
		}
		if ch, ok := c.creating[fileID]; ok {
			c.mu.Unlock()
			select {
			case <-ch:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		ch := make(chan struct{})
		c.creating[fileID] = ch
		c.mu.Unlock()

		e, err := c.create(ctx, fileID)

		c.mu.Lock()
		delete(c.creating, fileID)
		close(ch)
		if err != nil {
			c.mu.Unlock()
			return nil, err
		}
		c.entries[fileID] = e
		c.maybeStartFillLocked(e)
		c.mu.Unlock()
		return e, nil
	}
}

func (c *Cache) create(ctx context.Context, fileID string) (*Entry, error) {
	info, ok := c.readMeta(fileID)
	if !ok {
		var err error
		info, err = c.provider.Stat(ctx, fileID)
		if err != nil {
			return nil, err
		}
		c.writeMeta(fileID, info)
	}
	e := &Entry{
		FileID: fileID,
		Info:   info,
		cache:  c,
		path:   c.cachePath(fileID),
	}
	// Resume from whatever a previous run already downloaded.
	if st, err := c.fs.Stat(e.path); err == nil {
		have := st.Size()
		if have > info.Size {
			// File changed remotely, the local copy is useless.
			_ = c.fs.Remove(e.path)
			have = 0
		}
		e.downloaded.Store(have)
	}
	return e, nil
}

func (c *Cache) maybeStartFillLocked(e *Entry) {
	if !c.autoFill || c.closed || e.filling {
		return
	}
	if e.downloaded.Load() >= e.Info.Size {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.filling = true
	e.cancelFill = cancel
	c.fills.Go(func() { c.fill(ctx, e) })
}

// fill downloads the remainder of the file sequentially. On failure the
// entry keeps its progress and the next Open retries.
func (c *Cache) fill(ctx context.Context, e *Entry) {
	metrics.DriveDownloadsActive.Inc()
	defer metrics.DriveDownloadsActive.Dec()
	defer func() {
		c.mu.Lock()
		e.filling = false
		e.cancelFill = nil
		c.mu.Unlock()
	}()

	start := e.downloaded.Load()
	rc, err := c.provider.FetchRange(ctx, e.FileID, start, e.Info.Size-1)
	if err != nil {
		log.Printf("[drivecache] download %s from %d: %v", e.FileID, start, err)
		return
	}
	defer rc.Close()

	f, err := c.fs.OpenFile(e.path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		log.Printf("[drivecache] open cache file for %s: %v", e.FileID, err)
		return
	}
	defer f.Close()
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		log.Printf("[drivecache] seek cache file for %s: %v", e.FileID, err)
		return
	}

	buf := make([]byte, fillChunkSize)
	for {
		n, rerr := rc.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				log.Printf("[drivecache] write cache file for %s: %v", e.FileID, werr)
				return
			}
			e.downloaded.Add(int64(n))
			metrics.DriveBytesDownloaded.Add(float64(n))
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			if ctx.Err() == nil {
				log.Printf("[drivecache] download %s interrupted at %d/%d: %v",
					e.FileID, e.downloaded.Load(), e.Info.Size, rerr)
			}
			return
		}
	}
	log.Printf("[drivecache] download complete for %s (%d bytes)", e.FileID, e.downloaded.Load())
}

// Shutdown cancels running downloads and waits for them to stop. Partial
// files stay on disk so the next run resumes where this one left off.
func (c *Cache) Shutdown() {
	c.mu.Lock()
	c.closed = true
	for _, e := range c.entries {
		if e.cancelFill != nil {
			e.cancelFill()
		}
	}
	c.mu.Unlock()
	c.fills.Wait()
}

// Size returns the remote file size.
func (e *Entry) Size() int64 { return e.Info.Size }

// MimeType returns the remote content type.
func (e *Entry) MimeType() string { return e.Info.MimeType }

// Downloaded returns how many contiguous leading bytes are on disk.
func (e *Entry) Downloaded() int64 { return e.downloaded.Load() }

type sectionReadCloser struct {
	*io.SectionReader
	f afero.File
}

func (s *sectionReadCloser) Close() error { return s.f.Close() }

// ReadRange returns a reader over the bytes [start, end]. The local copy is
// used only when it already covers the whole window; otherwise the exact
// window is fetched from the remote and streamed through without touching
// the cache file.
func (e *Entry) ReadRange(ctx context.Context, start, end int64) (io.ReadCloser, error) {
	if start < 0 || end < start || end >= e.Info.Size {
		return nil, fmt.Errorf("range %d-%d outside file of %d bytes", start, end, e.Info.Size)
	}
	if end < e.downloaded.Load() {
		f, err := e.cache.fs.Open(e.path)
		if err != nil {
			return nil, fmt.Errorf("open cached copy of %s: %w", e.FileID, err)
		}
		metrics.DriveCacheReads.WithLabelValues("cache").Inc()
		return &sectionReadCloser{io.NewSectionReader(f, start, end-start+1), f}, nil
	}
	metrics.DriveCacheReads.WithLabelValues("remote").Inc()
	return e.cache.provider.FetchRange(ctx, e.FileID, start, end)
}
