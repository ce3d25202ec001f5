// Package cache provides the key/value store the pipeline uses for
// deduplication and payload caching. The pipeline only ever appends:
// expiry is the store's own retention policy, never the pipeline's.
package cache

import "context"

// Keys used by the mail pipeline.
const (
	// SeenSetKey is the set of message-ids recorded by previous runs.
	SeenSetKey = "mail:last_seen_ids"

	// PayloadKeyPrefix prefixes per-message cached payloads.
	PayloadKeyPrefix = "mail:cache:"

	// QuarantineKeyPrefix prefixes the quarantine side channel.
	QuarantineKeyPrefix = "mail:quarantine:"
)

// PayloadKey returns the cache key holding the serialized email for a
// message-id.
func PayloadKey(messageID string) string {
	return PayloadKeyPrefix + messageID
}

// QuarantineKey returns the side-channel key for a quarantined message.
func QuarantineKey(messageID string) string {
	return QuarantineKeyPrefix + messageID
}

// Store is the narrow contract the pipeline needs from its cache. All
// writes are idempotent per key, so concurrent workers racing on the same
// message-id are safe without extra locking.
type Store interface {
	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// Get returns the value at key, or nil when absent.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value at key.
	Set(ctx context.Context, key string, value []byte) error

	// AddToSet adds members to the set at key.
	AddToSet(ctx context.Context, key string, members ...string) error

	// SetMembers returns all members of the set at key; empty when the
	// set does not exist.
	SetMembers(ctx context.Context, key string) ([]string, error)
}
