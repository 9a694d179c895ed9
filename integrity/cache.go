package integrity

import (
	"os"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/AAVision/rasp-scanner/elfimage"
)

// DefaultCacheSize bounds the number of remembered on-disk segment
// checksums.
const DefaultCacheSize = 256

// diskKey identifies one segment of one version of a file. A file replaced
// on disk changes size or mtime and so misses the cache.
type diskKey struct {
	path    string
	size    int64
	mtime   int64
	offset  uint64
	memSize uint64
}

// diskCache remembers on-disk checksums between scans. The zero value and a
// nil *diskCache cache nothing.
type diskCache struct {
	sums *lru.Cache[diskKey, uint32]
}

func newDiskCache(size int) *diskCache {
	sums, err := lru.New[diskKey, uint32](size)
	if err != nil {
		return nil
	}
	return &diskCache{sums: sums}
}

// stamp describes the file at path, or returns nil if it cannot be
// stat'ed. A nil stamp is never cached.
func stamp(path string) *diskKey {
	fi, err := os.Stat(path)
	if err != nil {
		return nil
	}
	return &diskKey{path: path, size: fi.Size(), mtime: fi.ModTime().UnixNano()}
}

func (k *diskKey) segment(seg elfimage.Segment) *diskKey {
	if k == nil {
		return nil
	}
	key := *k
	key.offset, key.memSize = seg.Offset, seg.MemSize
	return &key
}

func (c *diskCache) get(k *diskKey) (uint32, bool) {
	if c == nil || c.sums == nil || k == nil {
		return 0, false
	}
	return c.sums.Get(*k)
}

func (c *diskCache) add(k *diskKey, sum uint32) {
	if c == nil || c.sums == nil || k == nil {
		return
	}
	c.sums.Add(*k, sum)
}

// Len returns the number of cached checksums.
func (c *diskCache) Len() int {
	if c == nil || c.sums == nil {
		return 0
	}
	return c.sums.Len()
}
