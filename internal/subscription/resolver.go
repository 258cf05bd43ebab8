// Package subscription caches each caller's active subscription in the shared
// cache for a fixed TTL.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/l0p7/tiergate/internal/cache"
	"github.com/l0p7/tiergate/internal/metrics"
	"github.com/l0p7/tiergate/internal/store"
)

const (
	// KeyPrefix namespaces snapshots inside the shared cache.
	KeyPrefix = "SUBSCRIPTION_INFO:"
	// DefaultTTL bounds how stale a snapshot may be.
	DefaultTTL = time.Hour

	metricsLabel = "subscription"
)

// Key returns the cache key holding callerID's snapshot.
func Key(callerID string) string { return KeyPrefix + callerID }

// Snapshot is a subscription lookup result with its expiry. A nil
// Subscription records that the caller had no active subscription.
type Snapshot struct {
	ExpiresAt    time.Time
	Subscription *store.Subscription
}

// Fresh reports whether the snapshot may still be served at now.
func (s Snapshot) Fresh(now time.Time) bool { return now.Before(s.ExpiresAt) }

// Source fetches the active subscription from the system of record.
type Source interface {
	ActiveSubscription(ctx context.Context, callerID string) (*store.Subscription, error)
}

// Resolver serves subscriptions from the cache and refetches once a snapshot
// expires. Concurrent misses for one caller share a single fetch.
type Resolver struct {
	cache    cache.Cache
	source   Source
	ttl      time.Duration
	now      func() time.Time
	group    singleflight.Group
	recorder *metrics.Recorder
	logger   *slog.Logger
}

// Option customizes a Resolver.
type Option func(*Resolver)

func WithTTL(ttl time.Duration) Option {
	return func(r *Resolver) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

func WithRecorder(rec *metrics.Recorder) Option {
	return func(r *Resolver) { r.recorder = rec }
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func NewResolver(c cache.Cache, source Source, opts ...Option) (*Resolver, error) {
	if c == nil || source == nil {
		return nil, errors.New("subscription: cache and source are required")
	}
	r := &Resolver{
		cache:  c,
		source: source,
		ttl:    DefaultTTL,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(slog.String("agent", "subscription"))
	return r, nil
}

// Resolve returns callerID's active subscription, or nil when it has none.
// The returned value is shared with other callers and must not be modified.
func (r *Resolver) Resolve(ctx context.Context, callerID string) (*store.Subscription, error) {
	key := Key(callerID)
	if value, ok := r.cache.Get(key); ok {
		if snap, ok := value.(Snapshot); ok && snap.Fresh(r.now()) {
			r.recorder.ObserveCache(metricsLabel, "lookup", metrics.CacheHit)
			return snap.Subscription, nil
		}
		r.recorder.ObserveCache(metricsLabel, "lookup", metrics.CacheExpired)
	} else {
		r.recorder.ObserveCache(metricsLabel, "lookup", metrics.CacheMiss)
	}

	value, err, _ := r.group.Do(key, func() (any, error) {
		// A fetch that finished between the lookup above and Do already
		// refreshed the snapshot.
		if value, ok := r.cache.Get(key); ok {
			if snap, ok := value.(Snapshot); ok && snap.Fresh(r.now()) {
				return snap, nil
			}
		}
		start := time.Now()
		sub, err := r.source.ActiveSubscription(ctx, callerID)
		r.recorder.ObserveStore(metricsLabel, "active_subscription", err, time.Since(start))
		if err != nil {
			return nil, err
		}
		snap := Snapshot{ExpiresAt: r.now().Add(r.ttl), Subscription: sub}
		r.cache.Set(key, snap)
		r.recorder.ObserveCache(metricsLabel, "store", metrics.CacheStored)
		return snap, nil
	})
	if err != nil {
		r.logger.Error("subscription fetch failed", slog.String("caller_id", callerID), slog.Any("error", err))
		return nil, fmt.Errorf("subscription: fetch %s: %w", callerID, err)
	}
	return value.(Snapshot).Subscription, nil
}

// Invalidate drops callerID's snapshot so the next lookup refetches. Billing
// event handlers call this when they observe a subscription change.
func (r *Resolver) Invalidate(callerID string) {
	key := Key(callerID)
	r.group.Forget(key)
	r.cache.Invalidate(key)
	r.recorder.ObserveCache(metricsLabel, "invalidate", metrics.CacheEvict)
	r.logger.Info("subscription snapshot invalidated", slog.String("caller_id", callerID), slog.String("cache_key", key))
}
