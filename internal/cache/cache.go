// Package cache stores small opaque blobs that must outlive one request,
// such as the last good control-plane document.
//
// Two backends are available:
//   - RedisCache: shared by every replica, survives process restarts.
//   - MemoryCache: in-process TTL store, zero external dependencies.
//
// Both implement Cache and degrade gracefully: a backend failure reads as a
// miss and never fails the caller.
package cache

import (
	"context"
	"time"
)

type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Namespaced prefixes every key, so several deployments can share one Redis.
type Namespaced struct {
	next   Cache
	prefix string
}

// WithPrefix wraps c. An empty prefix returns c unchanged.
func WithPrefix(c Cache, prefix string) Cache {
	if prefix == "" {
		return c
	}
	return &Namespaced{next: c, prefix: prefix}
}

func (n *Namespaced) Get(ctx context.Context, key string) ([]byte, bool) {
	return n.next.Get(ctx, n.prefix+key)
}

func (n *Namespaced) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return n.next.Set(ctx, n.prefix+key, value, ttl)
}

func (n *Namespaced) Delete(ctx context.Context, key string) error {
	return n.next.Delete(ctx, n.prefix+key)
}
