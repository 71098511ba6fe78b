package repository

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"goldrock/internal/domain"

	"github.com/rs/zerolog"
)

const recoveryInterval = time.Minute

// FailoverResourceCache prefers primary and switches to fallback after a primary error.
// Reads retry the primary once recoveryInterval has passed since the last failure.
// Keys written while the primary was down are served from the fallback and copied back
// to the primary on their first read after recovery.
type FailoverResourceCache struct {
	primary   domain.ResourceCache
	fallback  domain.ResourceCache
	logger    *zerolog.Logger
	isDown    atomic.Bool
	lastCheck atomic.Int64
	now       func() time.Time
	dirty     sync.Map // map[string]struct{}: newer in fallback than in primary
}

func NewFailoverResourceCache(primary, fallback domain.ResourceCache, logger *zerolog.Logger) *FailoverResourceCache {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &FailoverResourceCache{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
		now:      time.Now,
	}
}

func (r *FailoverResourceCache) markDown(err error) {
	if !r.isDown.Swap(true) {
		r.logger.Error().Err(err).Msg("primary resource cache failed, falling back to memory")
	}
	r.lastCheck.Store(r.now().UnixNano())
}

func (r *FailoverResourceCache) shouldProbe() bool {
	last := time.Unix(0, r.lastCheck.Load())
	return r.now().Sub(last) > recoveryInterval
}

func (r *FailoverResourceCache) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	if !r.isDown.Load() || r.shouldProbe() {
		val, found, err := r.primary.Get(ctx, key)
		if err == nil {
			if r.isDown.Swap(false) {
				r.logger.Info().Msg("primary resource cache recovered")
			}
			if _, stale := r.dirty.Load(key); stale {
				return r.reconcile(ctx, key, val, found)
			}
			return val, found, nil
		}
		r.markDown(err)
	}

	return r.fallback.Get(ctx, key)
}

// reconcile serves the fallback copy of a key written during an outage and pushes it to primary.
func (r *FailoverResourceCache) reconcile(ctx context.Context, key string, primaryVal json.RawMessage, primaryFound bool) (json.RawMessage, bool, error) {
	val, found, err := r.fallback.Get(ctx, key)
	if err != nil || !found {
		r.dirty.Delete(key)
		return primaryVal, primaryFound, nil
	}
	if err := r.primary.Put(ctx, key, val); err != nil {
		r.markDown(err)
		return val, true, nil
	}
	r.dirty.Delete(key)
	return val, true, nil
}

func (r *FailoverResourceCache) Put(ctx context.Context, key string, value json.RawMessage) error {
	if !r.isDown.Load() {
		err := r.primary.Put(ctx, key, value)
		if err == nil {
			r.dirty.Delete(key)
			return nil
		}
		r.markDown(err)
	}

	if err := r.fallback.Put(ctx, key, value); err != nil {
		return err
	}
	r.dirty.Store(key, struct{}{})
	return nil
}

// Clear empties both caches so a logout never leaves data behind in either.
func (r *FailoverResourceCache) Clear(ctx context.Context) error {
	if err := r.primary.Clear(ctx); err != nil {
		r.markDown(err)
	}
	r.dirty.Range(func(k, _ any) bool {
		r.dirty.Delete(k)
		return true
	})
	return r.fallback.Clear(ctx)
}
