package geocode

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// CachedResult is a stored lookup, matched or not.
type CachedResult struct {
	Matched        bool
	Latitude       float64
	Longitude      float64
	Score          float64
	MatchedAddress string
	CachedAt       time.Time
}

// Cache persists lookups between runs.
type Cache interface {
	// GetCachedGeocode returns nil and no error on a miss or an expired entry.
	GetCachedGeocode(ctx context.Context, key string) (*CachedResult, error)
	SetCachedGeocode(ctx context.Context, key string, entry CachedResult, ttl time.Duration) error
}

// CacheKey returns SHA-256 hex of the normalized address and search extent.
func CacheKey(c Candidate) string {
	e := c.Extent
	normalized := fmt.Sprintf("%s|%g,%g,%g,%g,%d",
		strings.ToLower(strings.TrimSpace(c.Address)),
		e.XMin, e.XMax, e.YMin, e.YMax, e.SpatialReference.WKID,
	)
	h := sha256.Sum256([]byte(normalized))
	return fmt.Sprintf("%x", h)
}

// CachedClient answers repeated addresses from a Cache and sends the rest
// to the wrapped client. Cache failures are logged and never fail a lookup.
type CachedClient struct {
	next  Client
	cache Cache
	ttl   time.Duration

	hits   atomic.Int64
	misses atomic.Int64
}

// NewCachedClient wraps next with cache. Entries expire after ttl.
func NewCachedClient(next Client, cache Cache, ttl time.Duration) *CachedClient {
	return &CachedClient{next: next, cache: cache, ttl: ttl}
}

// Geocode implements Client.
func (c *CachedClient) Geocode(ctx context.Context, cand Candidate) (*Result, error) {
	key := CacheKey(cand)

	cached, err := c.cache.GetCachedGeocode(ctx, key)
	if err != nil {
		zap.L().Debug("geocode cache lookup failed", zap.String("key", key[:12]), zap.Error(err))
	}
	if err == nil && cached != nil {
		c.hits.Add(1)
		return &Result{
			CaseIdentifier: cand.CaseIdentifier,
			Latitude:       cached.Latitude,
			Longitude:      cached.Longitude,
			Score:          cached.Score,
			MatchedAddress: cached.MatchedAddress,
			DataSource:     cand.Source,
			Matched:        cached.Matched,
		}, nil
	}
	c.misses.Add(1)

	result, err := c.next.Geocode(ctx, cand)
	if err != nil {
		return nil, err
	}

	entry := CachedResult{
		Matched:        result.Matched,
		Latitude:       result.Latitude,
		Longitude:      result.Longitude,
		Score:          result.Score,
		MatchedAddress: result.MatchedAddress,
		CachedAt:       time.Now().UTC(),
	}
	if err := c.cache.SetCachedGeocode(ctx, key, entry, c.ttl); err != nil {
		zap.L().Warn("geocode cache store failed", zap.String("key", key[:12]), zap.Error(err))
	}
	return result, nil
}

// Stats returns the cache hit and miss counts so far.
func (c *CachedClient) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}
