package loader

import "context"

type cacheKey struct{}

// WithCache returns a context carrying c.
func WithCache(ctx context.Context, c *Cache) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, cacheKey{}, c)
}

// FromContext returns the request's loader cache.
func FromContext(ctx context.Context) (*Cache, bool) {
	if ctx == nil {
		return nil, false
	}
	c, ok := ctx.Value(cacheKey{}).(*Cache)
	return c, ok && c != nil
}
