// Package cache stores month windows of market data in two tiers and
// de-duplicates fetches.
//
// The hot tier (MemoryHotTier, or RedisHotTier to share across processes)
// answers repeated lookups within a run. The disk tier keeps one Parquet
// file per month under the cache root, written through a temporary file and
// an atomic rename so concurrent readers and other processes never observe
// a partial file.
//
// Closed months are immutable once cached with the Complete flag. The
// in-progress month is never read from disk; a hot entry younger than the
// freshness window is reused, anything older is fetched again.
//
// # Basic Usage
//
//	manager, err := cache.NewManager(cache.DefaultConfig("/var/cache/opstrat"))
//	key, err := cache.NewKey("PETR4", marketdata.KindOptions, 2023, 1)
//	series, err := manager.GetOrFetch(ctx, key, false, func(ctx context.Context) (*marketdata.Series, error) {
//		return apiClient.FetchMonth(ctx, "PETR4", marketdata.KindOptions, 2023, 1)
//	})
//
// A *CacheWriteError is returned together with the fetched series when the
// disk write fails; the data itself is still valid.
package cache
