// Package kv provides the typed client for the shared external keyed
// store. All cross-process coordination state (room locks, job status
// snapshots, schedule drafts, pub/sub fan-out) lives behind this
// interface; server processes hold no coordination state of their own.
package kv

import (
	"context"
	"time"

	"github.com/tripmesh/tripmesh/errors"
)

// ErrKeyNotFound indicates the requested key does not exist in the store
var ErrKeyNotFound = errors.New("key not found")

// Message is a single pub/sub delivery
type Message struct {
	Channel string
	Payload string
}

// Subscription is a live pattern subscription on the store's bus.
// Delivery is at-most-once to currently-subscribed processes; clients
// that miss messages recover via the snapshot read path.
type Subscription interface {
	// Messages returns the channel delivering matched messages.
	// It is closed when the subscription is closed.
	Messages() <-chan Message
	Close() error
}

// Store is the typed keyed-store client. Implementations must be safe
// for concurrent use. Tests substitute the in-memory implementation.
type Store interface {
	// Get returns the value at key, or ErrKeyNotFound
	Get(ctx context.Context, key string) (string, error)
	// Set writes key=value with an optional TTL (0 means no expiry)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX writes key=value with a TTL only if the key is absent,
	// returning true when this caller created the key
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Del removes the given keys; missing keys are not an error
	Del(ctx context.Context, keys ...string) error
	// Keys returns all keys matching a glob pattern
	Keys(ctx context.Context, pattern string) ([]string, error)

	// LPush prepends a value to the list at key
	LPush(ctx context.Context, key, value string) error
	// LTrim bounds the list at key to the range [start, stop]
	LTrim(ctx context.Context, key string, start, stop int64) error
	// LRange returns list elements in the range [start, stop]
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// Publish sends payload to all current subscribers of channel
	Publish(ctx context.Context, channel, payload string) error
	// PSubscribe opens a pattern subscription ("prefix:*" style globs)
	PSubscribe(ctx context.Context, patterns ...string) (Subscription, error)

	// Ping verifies store connectivity
	Ping(ctx context.Context) error
	Close() error
}
