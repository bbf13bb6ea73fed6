// Package kv provides a Redis-like key-value store abstraction with in-memory
// and Redis-backed implementations.
//
// The package defines a Store interface that supports the operations the
// resolver network coordinates through: strings with TTL, hashes, sets, and
// an atomic compare-and-swap used for safe-to-retry state upserts across
// independent processes.
//
// Example usage:
//
//	cfg := Config{
//		Backend: "memory",
//		JanitorInterval: 30 * time.Second,
//	}
//	store, err := NewStoreFromConfig(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer store.Close()
//
//	ctx := context.Background()
//	err = store.Set(ctx, "key", []byte("value"), 10*time.Second)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	value, err := store.Get(ctx, "key")
//	if err != nil {
//		if errors.Is(err, ErrNotFound) {
//			log.Println("Key not found")
//		} else {
//			log.Fatal(err)
//		}
//	}
//
// The in-memory implementation provides a first-class development and testing
// experience with full TTL support and background expiration. The Redis adapter
// wraps go-redis/v9 for production use while maintaining the same interface.
package kv
