// Package uploadcache deduplicates provider uploads by content hash. A file
// that was already uploaded within the TTL resolves to its remote URL without
// touching the network.
package uploadcache

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"reelforge/internal/apperr"
)

const (
	// DefaultCapacity bounds the number of cached uploads.
	DefaultCapacity = 256
	// DefaultTTL is how long a cached URL stays valid. Provider-hosted
	// uploads expire server-side, so the cache must forget them first.
	DefaultTTL = 24 * time.Hour

	hashChunkSize = 8 * 1024
)

// Uploader pushes a local file to the provider and returns its remote URL.
type Uploader func(ctx context.Context, localPath string) (string, error)

// Result is the outcome of GetOrUpload.
type Result struct {
	URL    string
	Cached bool
	SHA256 string
}

type entry struct {
	sha        string
	url        string
	insertedAt time.Time
}

// Cache is a content-addressed LRU with per-entry TTL. The mutex guards the
// map and recency list only; hashing and the upload itself run outside it.
type Cache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	entries  map[string]*list.Element
	order    *list.List // front = MRU

	now func() time.Time
}

// New creates a cache with the given capacity and TTL; zero values select
// the defaults.
func New(capacity int, ttl time.Duration) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		capacity: capacity,
		ttl:      ttl,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
		now:      time.Now,
	}
}

// GetOrUpload hashes the file, returns the cached URL on a TTL-fresh hit
// (promoting the entry to MRU), and otherwise invokes the uploader and
// records the result. Two concurrent calls for the same content may both
// upload; the last writer wins the slot.
func (c *Cache) GetOrUpload(ctx context.Context, localPath string, upload Uploader) (Result, error) {
	sha, err := hashFile(localPath)
	if err != nil {
		return Result{}, err
	}

	if url, ok := c.lookup(sha); ok {
		slog.Debug("upload cache hit", "path", localPath, "sha256", sha)
		return Result{URL: url, Cached: true, SHA256: sha}, nil
	}

	url, err := upload(ctx, localPath)
	if err != nil {
		return Result{}, apperr.System(fmt.Sprintf("upload of %s failed", localPath), err)
	}

	c.store(sha, url)
	slog.Info("uploaded input", "path", localPath, "sha256", sha, "url", url)
	return Result{URL: url, Cached: false, SHA256: sha}, nil
}

// Len reports the number of live entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) lookup(sha string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[sha]
	if !ok {
		return "", false
	}
	e := el.Value.(*entry)
	if c.now().Sub(e.insertedAt) > c.ttl {
		// Past TTL the entry is absent, not stale-but-served.
		c.order.Remove(el)
		delete(c.entries, sha)
		return "", false
	}
	c.order.MoveToFront(el)
	return e.url, true
}

func (c *Cache) store(sha, url string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[sha]; ok {
		e := el.Value.(*entry)
		e.url = url
		e.insertedAt = c.now()
		c.order.MoveToFront(el)
		return
	}

	if len(c.entries) >= c.capacity {
		if back := c.order.Back(); back != nil {
			evicted := back.Value.(*entry)
			c.order.Remove(back)
			delete(c.entries, evicted.sha)
			slog.Debug("upload cache evicted LRU entry", "sha256", evicted.sha)
		}
	}

	el := c.order.PushFront(&entry{sha: sha, url: url, insertedAt: c.now()})
	c.entries[sha] = el
}

// hashFile computes the streamed SHA-256 of a regular file.
func hashFile(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", apperr.NotFound("file", path)
		}
		return "", apperr.System(fmt.Sprintf("cannot stat %s", path), err)
	}
	if info.IsDir() {
		return "", apperr.Validation(
			fmt.Sprintf("%s is not a regular file", path),
			nil,
			"pass the path of the file to upload, not its directory",
			`{"path": "/tmp/frame.png"}`,
		)
	}

	f, err := os.Open(path)
	if err != nil {
		return "", apperr.System(fmt.Sprintf("cannot open %s", path), err)
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, hashChunkSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", apperr.System(fmt.Sprintf("cannot read %s", path), err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
