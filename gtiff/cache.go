package gtiff

import (
	"strconv"
	"sync"
	"time"

	"github.com/karlseguin/ccache/v3"
	"golang.org/x/sync/singleflight"
)

const blockTTL = 10 * time.Minute

// block is a decoded block held by the cache
type block []byte

func (b block) Size() int64 { return int64(len(b)) }

// blockCache holds decoded blocks of read only datasets, shared by every
// open file. Keys are prefixed by a per dataset identifier.
type blockCache struct {
	mu       sync.RWMutex
	cache    *ccache.Cache[block]
	inflight singleflight.Group
}

var blocks = newBlockCache(64 << 20)

func newBlockCache(size int64) *blockCache {
	return &blockCache{cache: newCCache(size)}
}

func newCCache(size int64) *ccache.Cache[block] {
	return ccache.New(ccache.Configure[block]().MaxSize(max(size, 1)).ItemsToPrune(16))
}

// SetCacheSize resizes the decoded block cache, in bytes. Cached blocks are dropped.
func SetCacheSize(size int64) {
	blocks.mu.Lock()
	old := blocks.cache
	blocks.cache = newCCache(size)
	blocks.mu.Unlock()
	old.Stop()
}

func (c *blockCache) current() *ccache.Cache[block] {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cache
}

func blockKey(prefix string, ifd, idx int) string {
	return prefix + "/" + strconv.Itoa(ifd) + "/" + strconv.Itoa(idx)
}

// get returns the cached block of key, calling load once on a miss whatever
// the number of concurrent callers
func (c *blockCache) get(key string, load func() ([]byte, error)) ([]byte, error) {
	cache := c.current()
	if item := cache.Get(key); item != nil && !item.Expired() {
		return item.Value(), nil
	}
	v, err, _ := c.inflight.Do(key, func() (interface{}, error) {
		data, err := load()
		if err != nil {
			return nil, err
		}
		cache.Set(key, block(data), blockTTL)
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// drop evicts every block of a dataset
func (c *blockCache) drop(prefix string) {
	c.current().DeletePrefix(prefix + "/")
}
