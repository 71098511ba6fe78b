package backend

import (
	"context"
	"encoding/json"
	"fmt"

	"goldrock/internal/domain"
	"goldrock/internal/metrics"

	"github.com/rs/zerolog"
)

type resourceGetter interface {
	Get(ctx context.Context, path string) (json.RawMessage, error)
}

// CachedFetcher reads through the network and falls back to the last good copy.
type CachedFetcher struct {
	client resourceGetter
	cache  domain.ResourceCache
	logger *zerolog.Logger
}

func NewCachedFetcher(client resourceGetter, cache domain.ResourceCache, logger *zerolog.Logger) *CachedFetcher {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &CachedFetcher{client: client, cache: cache, logger: logger}
}

// Fetch returns the network copy and refreshes the cache; on network failure it serves the cached copy.
func (f *CachedFetcher) Fetch(ctx context.Context, path string) (json.RawMessage, error) {
	doc, netErr := f.client.Get(ctx, path)
	if netErr == nil {
		metrics.IncCacheLookup("network")
		if err := f.cache.Put(ctx, path, doc); err != nil {
			f.logger.Warn().Err(err).Str("path", path).Msg("cache write failed")
		}
		return doc, nil
	}

	cached, found, err := f.cache.Get(ctx, path)
	if err != nil {
		f.logger.Warn().Err(err).Str("path", path).Msg("cache read failed")
	}
	if found {
		metrics.IncCacheLookup("cache")
		f.logger.Debug().Err(netErr).Str("path", path).Msg("serving cached resource")
		return cached, nil
	}

	metrics.IncCacheLookup("miss")
	return nil, fmt.Errorf("fetch %s: %w", path, netErr)
}

// Clear drops every cached resource (logout, quota cleanup).
func (f *CachedFetcher) Clear(ctx context.Context) error {
	return f.cache.Clear(ctx)
}
