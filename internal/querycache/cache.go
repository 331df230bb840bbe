// Package querycache deduplicates identical discovery requests within a TTL.
// Concurrent identical requests on a cold key share one computation through
// a single-flight group; a successful resync of a resource invalidates only
// the entries whose result set involves that resource.
package querycache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/queryhive/queryhive/discovery-engine/pkg/models"
)

// entry is one cached discovery result plus its bookkeeping.
type entry struct {
	result    *models.MatchResult
	resources map[string]struct{} // resource ids present in the result set
	hitCount  atomic.Int64
}

// Cache is the TTL query cache with single-flight protection.
type Cache struct {
	entries *ttlcache.Cache[string, *entry]
	group   singleflight.Group
}

// New creates a query cache. defaultTTL bounds entries whose compute path
// does not supply an explicit TTL.
func New(defaultTTL time.Duration) *Cache {
	c := &Cache{
		entries: ttlcache.New[string, *entry](
			ttlcache.WithTTL[string, *entry](defaultTTL),
			ttlcache.WithDisableTouchOnHit[string, *entry](),
		),
	}
	go c.entries.Start()
	return c
}

// Stop halts the background expiry loop.
func (c *Cache) Stop() { c.entries.Stop() }

// Key derives the cache key from everything that determines a result:
// query text, top-k, minimum confidence and the sorted resource type filter.
func Key(req models.DiscoverRequest) string {
	types := make([]string, len(req.ResourceTypes))
	for i, t := range req.ResourceTypes {
		types[i] = string(t)
	}
	sort.Strings(types)

	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%d\x00%.6f\x00%s", req.Query, req.TopK, req.MinConfidence, strings.Join(types, ","))
	return hex.EncodeToString(h.Sum(nil))
}

// GetOrCompute returns the cached result for key, or runs compute exactly
// once for all concurrent callers and caches its result for ttl. The second
// return value reports whether the result came from the cache.
func (c *Cache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute func(context.Context) (*models.MatchResult, error)) (*models.MatchResult, bool, error) {
	if res := c.lookup(key); res != nil {
		return res, true, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		// Another caller may have populated the cache while we waited.
		if res := c.lookup(key); res != nil {
			return res, nil
		}

		res, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		c.put(key, res, ttl)
		return res, nil
	})
	if err != nil {
		return nil, false, err
	}
	res := v.(*models.MatchResult)
	return res, res.Cached, nil
}

// HitCount returns the hit counter for a key, 0 if absent.
func (c *Cache) HitCount(key string) int64 {
	item := c.entries.Get(key)
	if item == nil {
		return 0
	}
	return item.Value().hitCount.Load()
}

// Len returns the number of live entries.
func (c *Cache) Len() int { return c.entries.Len() }

// InvalidateResource drops every entry whose result set includes the
// resource. Targeted, not a full flush.
func (c *Cache) InvalidateResource(resourceID string) {
	var stale []string
	c.entries.Range(func(item *ttlcache.Item[string, *entry]) bool {
		if _, ok := item.Value().resources[resourceID]; ok {
			stale = append(stale, item.Key())
		}
		return true
	})
	for _, key := range stale {
		c.entries.Delete(key)
	}
	if len(stale) > 0 {
		log.Debug().Str("resource", resourceID).Int("entries", len(stale)).Msg("Query cache invalidated")
	}
}

func (c *Cache) lookup(key string) *models.MatchResult {
	item := c.entries.Get(key)
	if item == nil {
		return nil
	}
	e := item.Value()
	e.hitCount.Add(1)

	// Hand out a copy marked cached; the stored result stays pristine.
	cp := *e.result
	cp.Cached = true
	return &cp
}

func (c *Cache) put(key string, res *models.MatchResult, ttl time.Duration) {
	resources := make(map[string]struct{}, len(res.Matches))
	for _, m := range res.Matches {
		resources[m.ResourceID] = struct{}{}
	}
	c.entries.Set(key, &entry{result: res, resources: resources}, ttl)
}
