package server

import (
	"time"

	"github.com/go-pkgz/lcw/v2"

	"github.com/umputun/s3sftp/objectstore"
)

// listingCacheTTL bounds how long a LIST result may be served from cache
// before a fresh LIST is required. It is intentionally shorter than the
// staleness window the upload-retry fallback uses, so the cache never masks
// that fallback's correctness guarantee - it only saves a LIST round-trip
// for concurrent OPENDIRs that land within the same brief window.
const listingCacheTTL = 2 * time.Second

// listingCache memoizes raw LIST results per object-store prefix, the same
// TTL-cache idiom used elsewhere in this codebase for expensive per-request
// lookups, built on github.com/go-pkgz/lcw/v2. It is purely a latency
// optimization: every cache miss falls through to a real LIST, and callers
// never treat a cache hit as a correctness guarantee.
type listingCache struct {
	cache lcw.Cache[[]objectstore.ObjectSummary]
}

func newListingCache() (*listingCache, error) {
	c, err := lcw.NewLruCache[[]objectstore.ObjectSummary](
		lcw.NewOpts[[]objectstore.ObjectSummary]().TTL(listingCacheTTL).MaxKeys(1024),
	)
	if err != nil {
		return nil, err
	}
	return &listingCache{cache: c}, nil
}

// list returns the cached LIST result for prefix, populating it via fn on a
// miss.
func (c *listingCache) list(prefix string, fn func() ([]objectstore.ObjectSummary, error)) ([]objectstore.ObjectSummary, error) {
	if c == nil {
		return fn()
	}
	return c.cache.Get(prefix, fn)
}

// invalidate purges any cached listing for prefix, called whenever a
// mutation (upload, delete, rename) may have changed what a LIST on that
// prefix would return.
func (c *listingCache) invalidate(prefix string) {
	if c == nil {
		return
	}
	c.cache.Delete(prefix)
}
