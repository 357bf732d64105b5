package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/forge/pkg/log"
	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"
)

var bucketRefs = []byte("refs")

// Ref is one cached artifact: its key, its size on disk and the last time
// a session touched it. Eviction is least-recently-accessed first.
type Ref struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	AccessedAt time.Time `json:"accessed_at"`
}

// Cache is the artifact cache index. The blob payloads belong to casd;
// this index tracks which refs exist, how big they are and when they were
// last used, so the scheduler's maintenance jobs can answer "is the cache
// over quota" and evict without scanning storage.
//
// The estimated size is adjusted optimistically as refs are committed and
// corrected by ComputeCacheSize.
type Cache struct {
	db     *bolt.DB
	quota  int64
	logger zerolog.Logger

	mu        sync.Mutex
	estimated int64
}

// NewCache opens (or creates) the artifact index under dataDir with the
// given quota in bytes
func NewCache(dataDir string, quota int64) (*Cache, error) {
	dbPath := filepath.Join(dataDir, "artifacts.db")

	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact index: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRefs)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create refs bucket: %w", err)
	}

	c := &Cache{
		db:     db,
		quota:  quota,
		logger: log.WithComponent("artifacts"),
	}

	// Seed the estimate from the persisted index
	if _, err := c.ComputeCacheSize(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	return c, nil
}

// Close closes the artifact index
func (c *Cache) Close() error {
	return c.db.Close()
}

// Quota returns the configured cache quota in bytes
func (c *Cache) Quota() int64 {
	return c.quota
}

// EstimatedSize returns the current size estimate in bytes
func (c *Cache) EstimatedSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.estimated
}

// Full reports whether the estimated size has reached the quota. A cache
// without a quota is never full.
func (c *Cache) Full() bool {
	if c.quota <= 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.estimated >= c.quota
}

// Commit records a ref and its size, growing the size estimate
func (c *Cache) Commit(name string, size int64) error {
	ref := Ref{Name: name, Size: size, AccessedAt: time.Now()}

	err := c.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(ref)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketRefs).Put([]byte(name), data)
	})
	if err != nil {
		return fmt.Errorf("failed to commit ref %s: %w", name, err)
	}

	c.mu.Lock()
	c.estimated += size
	c.mu.Unlock()
	return nil
}

// Contains reports whether a ref is present, updating its access time so
// that a ref used by this session is evicted last
func (c *Cache) Contains(name string) bool {
	found := false
	err := c.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketRefs)
		data := bucket.Get([]byte(name))
		if data == nil {
			return nil
		}

		var ref Ref
		if err := json.Unmarshal(data, &ref); err != nil {
			return err
		}
		ref.AccessedAt = time.Now()

		updated, err := json.Marshal(ref)
		if err != nil {
			return err
		}
		found = true
		return bucket.Put([]byte(name), updated)
	})
	if err != nil {
		c.logger.Error().Err(err).Str("ref", name).Msg("Failed to look up ref")
		return false
	}
	return found
}

// ComputeCacheSize walks the index, replaces the size estimate with the
// real total and returns it
func (c *Cache) ComputeCacheSize(ctx context.Context) (int64, error) {
	var total int64
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRefs).ForEach(func(_, data []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			var ref Ref
			if err := json.Unmarshal(data, &ref); err != nil {
				return err
			}
			total += ref.Size
			return nil
		})
	})
	if err != nil {
		return -1, fmt.Errorf("failed to compute cache size: %w", err)
	}

	c.mu.Lock()
	c.estimated = total
	c.mu.Unlock()
	return total, nil
}

// Clean evicts the least recently accessed refs until the cache is at or
// below half the quota, matching the casd low watermark, and returns the
// resulting size
func (c *Cache) Clean(ctx context.Context) (int64, error) {
	size, err := c.ComputeCacheSize(ctx)
	if err != nil {
		return -1, err
	}
	if c.quota <= 0 || size <= c.quota/2 {
		return size, nil
	}

	var refs []Ref
	err = c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRefs).ForEach(func(_, data []byte) error {
			var ref Ref
			if err := json.Unmarshal(data, &ref); err != nil {
				return err
			}
			refs = append(refs, ref)
			return nil
		})
	})
	if err != nil {
		return -1, fmt.Errorf("failed to list refs: %w", err)
	}

	sort.Slice(refs, func(i, j int) bool {
		return refs[i].AccessedAt.Before(refs[j].AccessedAt)
	})

	target := c.quota / 2
	for _, ref := range refs {
		if size <= target {
			break
		}
		if err := ctx.Err(); err != nil {
			break
		}

		err := c.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketRefs).Delete([]byte(ref.Name))
		})
		if err != nil {
			return -1, fmt.Errorf("failed to evict ref %s: %w", ref.Name, err)
		}

		size -= ref.Size
		c.logger.Debug().Str("ref", ref.Name).Int64("size", ref.Size).Msg("Evicted ref")
	}

	c.mu.Lock()
	c.estimated = size
	c.mu.Unlock()
	return size, nil
}
