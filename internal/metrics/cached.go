package metrics

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// cacheKeyLoad is the single entry maintained by CachedSource
const cacheKeyLoad = "load:current"

// CachedSource serves load samples from a TTL cache, querying the wrapped
// source only on expiry. Errors are never cached.
type CachedSource struct {
	source Source
	cache  *gocache.Cache
	ttl    time.Duration
}

// NewCachedSource wraps source with a TTL cache
func NewCachedSource(source Source, ttl time.Duration) *CachedSource {
	return &CachedSource{
		source: source,
		cache:  gocache.New(ttl, 2*ttl),
		ttl:    ttl,
	}
}

// CurrentLoad returns the cached sample when fresh, otherwise samples the
// wrapped source
func (s *CachedSource) CurrentLoad(ctx context.Context) (float64, error) {
	if value, ok := s.cache.Get(cacheKeyLoad); ok {
		return value.(float64), nil
	}

	load, err := s.source.CurrentLoad(ctx)
	if err != nil {
		return 0, err
	}

	s.cache.Set(cacheKeyLoad, load, s.ttl)

	return load, nil
}
