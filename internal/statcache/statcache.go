// Package statcache memoizes filesystem metadata lookups keyed by absolute path.
//
// Entries are snapshots: once stored, a path keeps its first Metadata until the
// optional TTL expires it. Failed lookups are never stored. Concurrent lookups
// of an uncached path share one underlying stat call.
package statcache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"dirserve/internal/metrics"
)

// ErrNotFound is returned when the path does not exist.
var ErrNotFound = errors.New("not found")

// Metadata is an immutable stat snapshot.
type Metadata struct {
	IsFile  bool
	IsDir   bool
	Size    uint64
	ModTime time.Time
}

func fromFileInfo(fi fs.FileInfo) Metadata {
	var size uint64
	if fi.Size() > 0 {
		size = uint64(fi.Size())
	}
	return Metadata{
		IsFile:  fi.Mode().IsRegular(),
		IsDir:   fi.IsDir(),
		Size:    size,
		ModTime: fi.ModTime(),
	}
}

type entry struct {
	md      Metadata
	expires time.Time // zero = never
}

type Cache struct {
	ttl    time.Duration
	statFn func(string) (fs.FileInfo, error)
	now    func() time.Time

	mu      sync.RWMutex
	entries map[string]entry
	group   singleflight.Group
}

// New returns an empty cache. A ttl of 0 keeps entries for the cache lifetime.
func New(ttl time.Duration) *Cache {
	return &Cache{
		ttl:     ttl,
		statFn:  os.Stat,
		now:     time.Now,
		entries: make(map[string]entry),
	}
}

// Get returns the metadata for path, stat-ing it on first use.
// Missing paths yield an error wrapping ErrNotFound; other stat failures are
// returned wrapped as-is.
func (c *Cache) Get(ctx context.Context, path string) (Metadata, error) {
	if md, ok := c.lookup(path); ok {
		metrics.RecordStatHit()
		return md, nil
	}
	metrics.RecordStatMiss()

	ch := c.group.DoChan(path, func() (any, error) {
		fi, err := c.statFn(path)
		if err != nil {
			return Metadata{}, err
		}
		return c.store(path, fromFileInfo(fi)), nil
	})
	select {
	case <-ctx.Done():
		return Metadata{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			metrics.RecordStatError()
			if errors.Is(res.Err, fs.ErrNotExist) {
				return Metadata{}, fmt.Errorf("stat %s: %w", path, ErrNotFound)
			}
			return Metadata{}, fmt.Errorf("stat %s: %w", path, res.Err)
		}
		return res.Val.(Metadata), nil
	}
}

// Len reports the number of cached entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) lookup(path string) (Metadata, bool) {
	c.mu.RLock()
	e, ok := c.entries[path]
	c.mu.RUnlock()
	if !ok {
		return Metadata{}, false
	}
	if !e.expires.IsZero() && !c.now().Before(e.expires) {
		return Metadata{}, false
	}
	return e.md, true
}

// store keeps the first live value for path and returns whichever is cached.
func (c *Cache) store(path string, md Metadata) Metadata {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if e, ok := c.entries[path]; ok && (e.expires.IsZero() || now.Before(e.expires)) {
		return e.md
	}
	e := entry{md: md}
	if c.ttl > 0 {
		e.expires = now.Add(c.ttl)
	}
	c.entries[path] = e
	return md
}
