package firestore

import "context"

type txCacheKey struct{}

// txCache remembers documents read inside a transaction attempt. Firestore rejects reads after the
// first write, so write helpers reuse the values read during the read phase.
type txCache struct {
	products map[string]productDocument
	orders   map[string]orderDocument
}

func withTxCache(ctx context.Context) context.Context {
	return context.WithValue(ctx, txCacheKey{}, &txCache{
		products: make(map[string]productDocument),
		orders:   make(map[string]orderDocument),
	})
}

func cacheFrom(ctx context.Context) *txCache {
	cache, _ := ctx.Value(txCacheKey{}).(*txCache)
	return cache
}
