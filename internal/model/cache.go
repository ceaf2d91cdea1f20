package model

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/singleflight"

	"github.com/Brownie44l1/medscan-api/internal/metrics"
)

// Cache keeps loaded models for the lifetime of the process. Entries are
// created on first use and never evicted. Lookups of resident models do not
// lock; concurrent misses for the same handle share a single load.
type Cache struct {
	load    Loader
	metrics *metrics.Manager

	entries sync.Map // Handle -> Model
	group   singleflight.Group
	size    atomic.Int64
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithMetrics records load metrics on m instead of the process-wide manager.
func WithMetrics(m *metrics.Manager) CacheOption {
	return func(c *Cache) {
		if m != nil {
			c.metrics = m
		}
	}
}

// NewCache returns an empty cache that populates itself with load.
func NewCache(load Loader, opts ...CacheOption) *Cache {
	c := &Cache{load: load, metrics: metrics.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the model for h, loading it on first use.
func (c *Cache) Get(ctx context.Context, h Handle) (Model, error) {
	if m, ok := c.entries.Load(h); ok {
		return m.(Model), nil
	}

	v, err, shared := c.group.Do(h.key(), func() (any, error) {
		// a flight that finished between our miss and Do already stored it
		if m, ok := c.entries.Load(h); ok {
			return m, nil
		}
		m, err := c.loadOne(context.WithoutCancel(ctx), h)
		if err != nil {
			return nil, err
		}
		c.entries.Store(h, m)
		c.metrics.SetModelsLoaded(int(c.size.Add(1)))
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		logr.FromContextOrDiscard(ctx).V(1).Info("joined in-flight model load", "model", h.String())
	}
	return v.(Model), nil
}

func (c *Cache) loadOne(ctx context.Context, h Handle) (Model, error) {
	log := logr.FromContextOrDiscard(ctx).WithValues("model", h.String())
	log.Info("loading model")

	start := time.Now()
	m, err := c.load(ctx, h)
	c.metrics.RecordModelLoad(h.String(), time.Since(start), err)
	if err != nil {
		log.Error(err, "model load failed")
		if errors.Is(err, ErrModelLoad) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrModelLoad, h, err)
	}
	log.Info("model loaded", "duration", time.Since(start).String())
	return m, nil
}

// Loaded reports whether h is resident.
func (c *Cache) Loaded(h Handle) bool {
	_, ok := c.entries.Load(h)
	return ok
}

// Len returns the number of resident models.
func (c *Cache) Len() int {
	return int(c.size.Load())
}

// Close releases every resident model. The cache must not be used afterwards.
func (c *Cache) Close() error {
	var errs []error
	c.entries.Range(func(key, value any) bool {
		if err := value.(Model).Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", key.(Handle), err))
		}
		c.entries.Delete(key)
		return true
	})
	c.size.Store(0)
	c.metrics.SetModelsLoaded(0)
	return errors.Join(errs...)
}
