package fbauth

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// KeyCacheOptions tunes a KeyCache. Zero values take the package defaults.
type KeyCacheOptions struct {
	RefreshMargin time.Duration
	FetchTimeout  time.Duration
	MaxStale      time.Duration
	Clock         jwt.Clock
	Logger        *zap.Logger
	Metrics       *Metrics
}

// KeyCache serves the current KeySet and refreshes it from a KeySetFetcher
// once the provider's deadline, less RefreshMargin, has passed.
//
// A single lock is held for the whole refresh, network fetch included, so at
// most one fetch is in flight and concurrent callers queue behind it instead
// of fetching again.
type KeyCache struct {
	fetcher      KeySetFetcher
	lock         *semaphore.Weighted
	state        atomic.Pointer[cacheState]
	margin       time.Duration
	fetchTimeout time.Duration
	maxStale     time.Duration
	clock        jwt.Clock
	logger       *zap.Logger
	metrics      *Metrics
}

type cacheState struct {
	keys      *KeySet
	refreshAt time.Time
}

type refreshResult struct {
	keys *KeySet
	err  error
}

// NewKeyCache returns a cold cache; the first Keys call fetches.
func NewKeyCache(fetcher KeySetFetcher, opts KeyCacheOptions) *KeyCache {
	if opts.RefreshMargin <= 0 {
		opts.RefreshMargin = defaultRefreshMargin
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = defaultHTTPTimeout
	}
	if opts.Clock == nil {
		opts.Clock = jwt.ClockFunc(time.Now)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	c := &KeyCache{
		fetcher:      fetcher,
		lock:         semaphore.NewWeighted(1),
		margin:       opts.RefreshMargin,
		fetchTimeout: opts.FetchTimeout,
		maxStale:     opts.MaxStale,
		clock:        opts.Clock,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
	}
	c.state.Store(&cacheState{})
	return c
}

// Keys returns the cached key set, refreshing it first when it is due.
//
// A caller whose ctx ends while a refresh is running gets an error back
// immediately; the refresh itself carries on and its result is kept for the
// callers queued behind it.
func (c *KeyCache) Keys(ctx context.Context) (*KeySet, error) {
	if err := c.lock.Acquire(ctx, 1); err != nil {
		return nil, classifyTransportError(err)
	}

	state := c.state.Load()
	if state.keys != nil && !c.clock.Now().After(state.refreshAt.Add(-c.margin)) {
		c.lock.Release(1)
		c.metrics.RecordCacheHit()
		return state.keys, nil
	}
	c.metrics.RecordCacheMiss()

	done := make(chan refreshResult, 1)
	go c.refresh(context.WithoutCancel(ctx), done)

	select {
	case res := <-done:
		return res.keys, res.err
	case <-ctx.Done():
		return nil, classifyTransportError(ctx.Err())
	}
}

// refresh runs with the lock held and releases it when done.
func (c *KeyCache) refresh(ctx context.Context, done chan<- refreshResult) {
	defer c.lock.Release(1)

	ctx, span := tracer.Start(ctx, "fbauth.KeyCache.refresh")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	start := time.Now()
	keys, deadline, err := c.fetcher.Fetch(ctx)
	if err == nil && keys.Len() == 0 {
		err = newError(ErrCodeInvalidKeyMaterial, errors.New("fetcher returned no keys"))
	}
	if err != nil {
		var verr *Error
		if !errors.As(err, &verr) {
			err = newError(ErrCodeKeysUnavailable, err)
		}
	}
	c.metrics.RecordKeyRefresh(err, keys.Len(), time.Since(start))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "key refresh failed")

		prev := c.state.Load()
		if c.maxStale > 0 && prev.keys != nil && !c.clock.Now().After(prev.refreshAt.Add(c.maxStale)) {
			c.logger.Warn("signing key refresh failed, serving cached keys",
				zap.Error(err),
				zap.Time("refresh_at", prev.refreshAt),
			)
			done <- refreshResult{keys: prev.keys}
			return
		}
		c.logger.Warn("signing key refresh failed", zap.Error(err))
		done <- refreshResult{err: err}
		return
	}

	c.state.Store(&cacheState{keys: keys, refreshAt: deadline})
	span.SetAttributes(attribute.Int("fbauth.keys", keys.Len()))
	c.logger.Info("signing keys refreshed",
		zap.Strings("kids", keys.KeyIDs()),
		zap.Time("refresh_at", deadline),
	)
	done <- refreshResult{keys: keys}
}

// Warmup fetches keys ahead of the first request.
func (c *KeyCache) Warmup(ctx context.Context) error {
	_, err := c.Keys(ctx)
	return err
}

// Snapshot returns the current key set and its deadline without waiting for
// an in-flight refresh. The key set is nil before the first successful fetch.
func (c *KeyCache) Snapshot() (*KeySet, time.Time) {
	state := c.state.Load()
	return state.keys, state.refreshAt
}

// RefreshAt returns the provider deadline of the cached key set.
func (c *KeyCache) RefreshAt() time.Time {
	return c.state.Load().refreshAt
}
