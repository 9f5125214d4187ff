// Package cache implements the verified local artifact store. Every byte it
// returns or persists has been checked against the manifest: storing
// unverifiable data is rejected, and a persisted entry that no longer matches
// the manifest is purged and reported absent.
package cache

import (
	"errors"
	"fmt"
	"time"

	"github.com/jamesainslie/zkcache/pkg/zkcache/logging"
	"github.com/jamesainslie/zkcache/pkg/zkcache/manifest"
)

// ErrIntegrity is returned by StoreFile when bytes fail verification against
// the manifest. It aliases the manifest sentinel so callers can match either.
var ErrIntegrity = manifest.ErrIntegrity

// Cache is the integrity-verified artifact store.
type Cache struct {
	store *Store
	man   *manifest.Manifest
	path  string
	log   *logging.Logger
}

// Open opens or creates a cache at path, bound to the given manifest. The
// manifest must already be validated; a nil manifest is refused because the
// cache cannot verify anything without one.
func Open(path string, man *manifest.Manifest) (*Cache, error) {
	if man == nil {
		return nil, fmt.Errorf("%w: cache requires a manifest", manifest.ErrInvalid)
	}

	store, err := OpenStore(path)
	if err != nil {
		return nil, err
	}

	return &Cache{
		store: store,
		man:   man,
		path:  path,
		log:   logging.Get("cache"),
	}, nil
}

// Close closes the cache.
func (c *Cache) Close() error {
	return c.store.Close()
}

// Manifest returns the manifest the cache verifies against.
func (c *Cache) Manifest() *manifest.Manifest {
	return c.man
}

// GetFile returns the verified bytes for fileID. An entry that fails
// re-verification against the manifest is purged and reported as ErrNotFound;
// corrupted bytes are never returned.
func (c *Cache) GetFile(fileID string) ([]byte, error) {
	entry, err := c.store.Get(fileID)
	if err != nil {
		return nil, err
	}

	if err := c.man.VerifyFile(fileID, entry.Data); err != nil {
		// Distinct from a plain miss: local corruption or a manifest
		// change. Purge so the loader re-downloads.
		c.log.Warn("purging cache entry that failed verification", "fileId", fileID, "error", err)
		if delErr := c.store.Delete(fileID); delErr != nil {
			c.log.Error("purge failed", "fileId", fileID, "error", delErr)
		}
		return nil, ErrNotFound
	}

	return entry.Data, nil
}

// StoreFile verifies data against the manifest and persists it. Bytes that do
// not match the expected roots are rejected with ErrIntegrity and nothing is
// written: stored implies verified.
func (c *Cache) StoreFile(fileID string, data []byte) error {
	if err := c.man.VerifyFile(fileID, data); err != nil {
		return err
	}

	entry, err := c.man.Entry(fileID)
	if err != nil {
		return err
	}

	return c.store.Put(fileID, &Entry{
		Data:     data,
		FileRoot: entry.FileMerkleRoot,
		StoredAt: time.Now().UnixNano(),
	})
}

// HasValidCache reports whether fileID is present and still matches the
// manifest, without returning the payload.
func (c *Cache) HasValidCache(fileID string) bool {
	entry, err := c.store.Get(fileID)
	if err != nil {
		return false
	}
	manEntry, err := c.man.Entry(fileID)
	if err != nil {
		return false
	}
	// The stored root was computed at store time from verified bytes, so
	// comparing roots avoids re-hashing the payload on the hot path.
	if entry.FileRoot != manEntry.FileMerkleRoot || int64(len(entry.Data)) != manEntry.FileSize {
		return false
	}
	return true
}

// Clear removes the entry for fileID. Explicit operator action only.
func (c *Cache) Clear(fileID string) error {
	err := c.store.Delete(fileID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// ClearAll drops every persisted entry. Never invoked by the loader.
func (c *Cache) ClearAll() error {
	c.log.Info("clearing cache", "path", c.path)
	return c.store.DeleteAll()
}

// Stats describes cache contents and on-disk footprint.
type Stats struct {
	Entries       int
	PayloadBytes  int64
	ManifestFiles int
	ManifestBytes int64
	LSMBytes      int64
	VLogBytes     int64
}

// GetStats reports entry counts and byte usage.
func (c *Cache) GetStats() (Stats, error) {
	stats := Stats{
		ManifestFiles: c.man.TotalFiles,
		ManifestBytes: c.man.TotalSize,
	}
	err := c.store.ForEach(func(fileID string, size int64) error {
		stats.Entries++
		stats.PayloadBytes += size
		return nil
	})
	if err != nil {
		return Stats{}, err
	}
	stats.LSMBytes, stats.VLogBytes = c.store.Sizes()
	return stats, nil
}

// DiskUsage reports total and free bytes on the filesystem holding path.
func DiskUsage(path string) (total, free int64, err error) {
	return fsUsage(path)
}

// QuotaInfo describes the capacity of the filesystem backing the cache.
type QuotaInfo struct {
	// TotalBytes and FreeBytes describe the whole filesystem.
	TotalBytes int64
	FreeBytes  int64

	// UsedBytes is the cache's own on-disk footprint.
	UsedBytes int64

	// UsedPercent is UsedBytes as a share of TotalBytes.
	UsedPercent float64
}

// GetQuotaInfo reports filesystem capacity for the cache directory, used to
// warn before large preloads.
func (c *Cache) GetQuotaInfo() (QuotaInfo, error) {
	total, free, err := fsUsage(c.path)
	if err != nil {
		return QuotaInfo{}, fmt.Errorf("querying filesystem usage: %w", err)
	}

	lsm, vlog := c.store.Sizes()
	info := QuotaInfo{
		TotalBytes: total,
		FreeBytes:  free,
		UsedBytes:  lsm + vlog,
	}
	if total > 0 {
		info.UsedPercent = float64(info.UsedBytes) / float64(total) * 100
	}
	return info, nil
}
