// Package tokencache is the encrypted, expiry-aware credential cache. It is
// the single synchronization point for "is this backend credential still
// usable"; every other component goes through it instead of caching
// credentials itself.
package tokencache

import (
	"context"
	"time"
)

// ValueStore is the backing key-value service shared by all gateway
// instances. Implementations must be safe for concurrent use.
type ValueStore interface {
	// Get returns the raw bytes for a key, or (nil, nil) when absent.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores a value with no expiry.
	Set(ctx context.Context, key string, value []byte) error
	// SetTTL stores a value that the store drops after ttl.
	SetTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes a key. Removing an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// DeletePrefix removes every key starting with the given prefix.
	DeletePrefix(ctx context.Context, prefix string) error
}
